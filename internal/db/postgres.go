// Package db persists ledger state to PostgreSQL. The in-memory
// stores stay authoritative inside a running node; this layer is
// write-behind durability so a restarted node reloads instead of
// re-bootstrapping from the network.
package db

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/token-ledger/internal/resolve"
	"github.com/rawblock/token-ledger/pkg/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL for ledger persistence")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema loads and executes the schema.sql file.
func (s *PostgresStore) InitSchema() error {
	schemaBytes, err := os.ReadFile("internal/db/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %v", err)
	}

	_, err = s.pool.Exec(context.Background(), string(schemaBytes))
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("Token ledger schema initialized")
	return nil
}

// SaveMapping upserts one token mapping. The key is the big-endian
// token bytes; value columns mirror the fixed-width store layout.
func (s *PostgresStore) SaveMapping(ctx context.Context, m models.TokenMapping) error {
	sql := `
		INSERT INTO token_mappings (token, block, parent, logical_time)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token) DO UPDATE
		SET block = EXCLUDED.block, parent = EXCLUDED.parent, logical_time = EXCLUDED.logical_time;
	`
	_, err := s.pool.Exec(ctx, sql, m.Token.Bytes(), m.Block.Bytes(), m.Parent.Bytes(), int64(m.Time))
	return err
}

// LoadMappings streams every persisted mapping in token order into fn.
func (s *PostgresStore) LoadMappings(ctx context.Context, fn func(models.TokenMapping)) error {
	rows, err := s.pool.Query(ctx,
		`SELECT token, block, parent, logical_time FROM token_mappings ORDER BY token ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var token, block, parent []byte
		var t int64
		if err := rows.Scan(&token, &block, &parent, &t); err != nil {
			return err
		}
		m := models.TokenMapping{Time: uint64(t)}
		if m.Token, err = models.IDFromBytes(token); err != nil {
			return err
		}
		if m.Block, err = models.IDFromBytes(block); err != nil {
			return err
		}
		if m.Parent, err = models.IDFromBytes(parent); err != nil {
			return err
		}
		fn(m)
	}
	return rows.Err()
}

// SaveCommitBlock appends one commit block. Commit blocks are
// immutable, so conflicts are ignored.
func (s *PostgresStore) SaveCommitBlock(ctx context.Context, blk models.CommitBlock) error {
	sql := `
		INSERT INTO commit_blocks (id, payload, logical_time)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, sql, blk.ID.Bytes(), blk.EncodeBinary(), int64(blk.Time))
	return err
}

// LoadCommitBlocks streams persisted commit blocks oldest-first.
func (s *PostgresStore) LoadCommitBlocks(ctx context.Context, fn func(models.CommitBlock)) error {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM commit_blocks ORDER BY logical_time ASC, id ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		blk, err := models.DecodeCommitBlock(payload)
		if err != nil {
			return err
		}
		fn(blk)
	}
	return rows.Err()
}

// SavePeer upserts one peer record.
func (s *PostgresStore) SavePeer(ctx context.Context, id models.PeerID, publicKey, salt []byte, addr string) error {
	sql := `
		INSERT INTO peers (peer_id, public_key, salt, addr, last_seen)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (peer_id) DO UPDATE
		SET public_key = EXCLUDED.public_key, salt = EXCLUDED.salt,
		    addr = EXCLUDED.addr, last_seen = NOW();
	`
	_, err := s.pool.Exec(ctx, sql, id.Bytes(), publicKey, salt, addr)
	return err
}

// LoadPeers streams persisted peers into fn.
func (s *PostgresStore) LoadPeers(ctx context.Context, fn func(id models.PeerID, publicKey, salt []byte, addr string)) error {
	rows, err := s.pool.Query(ctx, `SELECT peer_id, public_key, salt, addr FROM peers`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var idRaw, pub, salt []byte
		var addr string
		if err := rows.Scan(&idRaw, &pub, &salt, &addr); err != nil {
			return err
		}
		id, err := models.IDFromBytes(idRaw)
		if err != nil {
			return err
		}
		fn(id, pub, salt, addr)
	}
	return rows.Err()
}

// SaveFraudEvent persists one piece of evidence.
func (s *PostgresStore) SaveFraudEvent(ctx context.Context, ev resolve.FraudEvent) error {
	sql := `
		INSERT INTO fraud_events (id, kind, token, offending_peer, losing_block, winning_block, detail, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, sql, ev.ID, string(ev.Kind), ev.Token.Bytes(),
		ev.OffendingPeer.Bytes(), ev.LosingBlock.Bytes(), ev.WinningBlock.Bytes(),
		ev.Detail, ev.ObservedAt)
	return err
}

// PruneFraudEvents deletes evidence older than the retention window
// and returns the number removed.
func (s *PostgresStore) PruneFraudEvents(ctx context.Context, retentionDays int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM fraud_events WHERE observed_at < NOW() - ($1 || ' days')::interval`,
		fmt.Sprint(retentionDays))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// GetPool exposes the connection pool for other subsystems.
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}
