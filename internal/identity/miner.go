package identity

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"time"

	"github.com/rawblock/token-ledger/pkg/models"
)

// MineResult is delivered on the miner's result channel when a salt
// satisfying the difficulty predicate is found.
type MineResult struct {
	Salt    [SaltSize]byte
	PeerID  models.PeerID
	Elapsed time.Duration
}

// Mine runs phase 2 synchronously: vary the salt, keep the key fixed,
// until Argon2id(public_key, salt) meets the difficulty predicate.
// Expected cost is ~2^DifficultyBits validations, which is the point —
// identities are meant to be expensive. Cancellation via ctx leaves
// the identity unmined.
func Mine(ctx context.Context, id *Identity, p Params) error {
	if id.Mined {
		return fmt.Errorf("identity already mined; salt and peer id are frozen")
	}

	var salt [SaltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return fmt.Errorf("seed mining salt: %w", err)
	}

	start := time.Now()
	attempts := uint64(0)
	lastLog := start

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		candidate := DerivePeerID(id.PublicKey, salt, p)
		attempts++
		if MeetsDifficulty(candidate, p.DifficultyBits) {
			id.Salt = salt
			id.PeerID = candidate
			id.Mined = true
			log.Printf("[Miner] Identity mined: %s (%d attempts, %s)",
				candidate.Short(), attempts, time.Since(start).Round(time.Second))
			return nil
		}
		salt = nextSalt(salt)

		if time.Since(lastLog) > 30*time.Second {
			rate := float64(attempts) / time.Since(start).Seconds()
			log.Printf("[Miner] Mining at difficulty %d: %d attempts (%.1f/s)",
				p.DifficultyBits, attempts, rate)
			lastLog = time.Now()
		}
	}
}

// MineAsync runs Mine on a background goroutine and delivers the
// result on the returned channel. The channel closes without a value
// if mining is cancelled; the main loop treats a received result as
// the moment the node becomes addressable.
func MineAsync(ctx context.Context, id *Identity, p Params) <-chan MineResult {
	out := make(chan MineResult, 1)
	go func() {
		defer close(out)
		start := time.Now()
		if err := Mine(ctx, id, p); err != nil {
			log.Printf("[Miner] Mining aborted: %v", err)
			return
		}
		out <- MineResult{
			Salt:    id.Salt,
			PeerID:  id.PeerID,
			Elapsed: time.Since(start),
		}
	}()
	return out
}
