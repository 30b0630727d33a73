package main

import (
	"context"
	"encoding/hex"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/rawblock/token-ledger/internal/api"
	"github.com/rawblock/token-ledger/internal/config"
	"github.com/rawblock/token-ledger/internal/db"
	"github.com/rawblock/token-ledger/internal/identity"
	"github.com/rawblock/token-ledger/internal/node"
	"github.com/rawblock/token-ledger/internal/transport"
	"github.com/rawblock/token-ledger/pkg/models"
)

func main() {
	log.Println("Starting RawBlock Token Ledger Node...")

	// ─── Configuration ──────────────────────────────────────────────────
	// Secrets come from environment variables; a .env file is honored for
	// local development: cp .env.example .env && edit .env. Protocol
	// tuning lives in an optional YAML profile (CONFIG_FILE).
	// ────────────────────────────────────────────────────────────────────
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment overrides from .env")
	}

	cfg, err := config.Load(getEnvOrDefault("CONFIG_FILE", "config.yaml"))
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	// ─── Identity ───────────────────────────────────────────────────────
	identPath := getEnvOrDefault("IDENTITY_FILE", "data/identity.json")
	ident, err := identity.LoadFile(identPath)
	if err != nil {
		log.Printf("No identity at %s; generating keypair (phase 1)", identPath)
		ident, err = identity.Generate()
		if err != nil {
			log.Fatalf("FATAL: identity generation failed: %v", err)
		}
	}

	params := identity.Params{
		MemoryKiB:      cfg.ArgonMemoryKiB,
		TimeCost:       cfg.ArgonTimeCost,
		DifficultyBits: cfg.DifficultyBits,
	}
	if !ident.Mined {
		log.Printf("Mining peer id at difficulty %d — this is intentionally slow", cfg.DifficultyBits)
		if err := identity.Mine(context.Background(), ident, params); err != nil {
			log.Fatalf("FATAL: mining failed: %v", err)
		}
	}
	if err := os.MkdirAll("data", 0o755); err == nil {
		if err := ident.SaveFile(identPath); err != nil {
			log.Printf("Warning: failed to persist identity: %v", err)
		}
	}
	log.Printf("Node identity: %s", ident.PeerID.String())

	// ─── Persistence ────────────────────────────────────────────────────
	var dbConn *db.PostgresStore
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		dbConn, err = db.Connect(dbURL)
		if err != nil {
			log.Printf("Warning: Failed to connect to PostgreSQL, continuing without durable state. Error: %v", err)
			dbConn = nil
		} else {
			defer dbConn.Close()
			if err := dbConn.InitSchema(); err != nil {
				log.Printf("Warning: DB schema init failed: %v", err)
			}
		}
	} else {
		log.Println("DATABASE_URL not set — running with in-memory state only")
	}

	// ─── Event hub + transport + node ───────────────────────────────────
	wsHub := api.NewHub()
	go wsHub.Run()

	peerWS := transport.NewWS()
	selfAddr := getEnvOrDefault("ADVERTISE_ADDR", "localhost:"+getEnvOrDefault("PORT", "5340"))

	n := node.New(cfg, ident, peerWS, node.Options{
		Store:    dbConn,
		OnEvent:  api.BroadcastEvent(wsHub),
		SelfAddr: selfAddr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Reload(ctx); err != nil {
		log.Printf("Warning: reload from PostgreSQL failed: %v", err)
	}

	seedBootstrapPeers(n)

	go n.Run(ctx)

	// ─── Operator API ───────────────────────────────────────────────────
	r := api.SetupRouter(n, dbConn, wsHub, peerWS)

	port := getEnvOrDefault("PORT", "5340")
	log.Printf("Node running on :%s (peer wire at /p2p, API at /api/v1)", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// seedBootstrapPeers parses BOOTSTRAP_PEERS, a semicolon-separated
// list of "peerid,publickey,salt,host:port" entries (all hex except
// the address), and teaches the node about them.
func seedBootstrapPeers(n *node.Node) {
	raw := os.Getenv("BOOTSTRAP_PEERS")
	if raw == "" {
		log.Println("BOOTSTRAP_PEERS not set — node starts isolated and waits for inbound links")
		return
	}

	count := 0
	for _, entry := range strings.Split(raw, ";") {
		fields := strings.Split(strings.TrimSpace(entry), ",")
		if len(fields) != 4 {
			log.Printf("Warning: malformed bootstrap peer entry %q", entry)
			continue
		}
		id, err := models.ParseID(fields[0])
		if err != nil {
			log.Printf("Warning: bad bootstrap peer id %q: %v", fields[0], err)
			continue
		}
		pubRaw, err1 := hex.DecodeString(fields[1])
		saltRaw, err2 := hex.DecodeString(fields[2])
		if err1 != nil || err2 != nil || len(pubRaw) != 32 || len(saltRaw) != identity.SaltSize {
			log.Printf("Warning: bad bootstrap peer key material in %q", entry)
			continue
		}
		var pub [32]byte
		var salt [16]byte
		copy(pub[:], pubRaw)
		copy(salt[:], saltRaw)

		n.AddBootstrapPeer(id, pub, salt, fields[3])
		count++
	}
	log.Printf("Seeded %d bootstrap peers", count)
}

// getEnvOrDefault returns the env var value or a safe default for
// non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
