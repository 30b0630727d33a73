// Package identity implements the two-phase sybil-resistant peer
// identity: an X25519 keypair generated immediately (phase 1) and a
// memory-hard proof-of-work salt mined afterwards (phase 2) so that
// Argon2id(public_key, salt) lands on a peer id with enough trailing
// zero bits.
package identity

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/bits"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"

	"github.com/rawblock/token-ledger/pkg/models"
)

// SaltSize is the width of the mined salt.
const SaltSize = 16

// Params are the Argon2id cost settings. Validation runs once per
// inbound message, so they are tuned for single-digit-millisecond
// verification; mining cost scales as 2^DifficultyBits validations.
type Params struct {
	MemoryKiB      uint32 `json:"memoryKib" yaml:"argon_memory_kib"`
	TimeCost       uint32 `json:"timeCost" yaml:"argon_time_cost"`
	DifficultyBits int    `json:"difficultyBits" yaml:"difficulty_bits"`
}

// DefaultParams targets ≈4 MiB single-pass validation and roughly a
// day of single-core mining at difficulty 24.
func DefaultParams() Params {
	return Params{MemoryKiB: 4096, TimeCost: 1, DifficultyBits: 24}
}

// Identity is a node's own identity. PublicKey and StaticSecret are
// fixed at creation; Salt and PeerID are frozen once mined. Mined
// reports whether phase 2 has completed.
type Identity struct {
	PublicKey    [32]byte       `json:"publicKey"`
	StaticSecret [32]byte       `json:"staticSecret"`
	Salt         [SaltSize]byte `json:"salt"`
	PeerID       models.PeerID  `json:"peerId"`
	Mined        bool           `json:"mined"`
}

// Generate runs phase 1: a fresh X25519 keypair. The node can perform
// Diffie–Hellman immediately; the peer id is not usable until mined.
func Generate() (*Identity, error) {
	var id Identity
	if _, err := rand.Read(id.StaticSecret[:]); err != nil {
		return nil, fmt.Errorf("generate static secret: %w", err)
	}
	pub, err := curve25519.X25519(id.StaticSecret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	copy(id.PublicKey[:], pub)
	return &id, nil
}

// SharedSecret computes the X25519 Diffie–Hellman agreement with a
// remote public key.
func (id *Identity) SharedSecret(remotePublic [32]byte) ([32]byte, error) {
	var out [32]byte
	secret, err := curve25519.X25519(id.StaticSecret[:], remotePublic[:])
	if err != nil {
		return out, fmt.Errorf("x25519: %w", err)
	}
	copy(out[:], secret)
	return out, nil
}

// DerivePeerID computes Argon2id(public_key, salt) under the given
// cost parameters. Both mining and validation go through here.
func DerivePeerID(publicKey [32]byte, salt [SaltSize]byte, p Params) models.PeerID {
	digest := argon2.IDKey(publicKey[:], salt[:], p.TimeCost, p.MemoryKiB, 1, models.IDSize)
	var id models.PeerID
	copy(id[:], digest)
	return id
}

// TrailingZeroBits counts the zero bits at the low end of the
// big-endian id, the difficulty measure for mined identities.
func TrailingZeroBits(id models.PeerID) int {
	total := 0
	for i := models.IDSize - 1; i >= 0; i-- {
		if id[i] == 0 {
			total += 8
			continue
		}
		total += bits.TrailingZeros8(id[i])
		break
	}
	return total
}

// MeetsDifficulty applies the difficulty predicate. Difficulty 0
// accepts any id.
func MeetsDifficulty(id models.PeerID, difficultyBits int) bool {
	return TrailingZeroBits(id) >= difficultyBits
}

// Validate is the contract run on every inbound Answer or Referral:
// recompute the hash from the claimed public key and salt and check
// both equality with the claimed peer id and the difficulty predicate.
// Failures are silently dropped by the caller with a reputation
// penalty on the originating link.
func Validate(claimed models.PeerID, publicKey [32]byte, salt [SaltSize]byte, p Params) bool {
	recomputed := DerivePeerID(publicKey, salt, p)
	return recomputed == claimed && MeetsDifficulty(recomputed, p.DifficultyBits)
}

// nextSalt advances the mining counter embedded in the salt's low
// eight bytes; the high eight stay random per mining session.
func nextSalt(salt [SaltSize]byte) [SaltSize]byte {
	ctr := binary.BigEndian.Uint64(salt[8:])
	binary.BigEndian.PutUint64(salt[8:], ctr+1)
	return salt
}

// LoadFile reads a persisted identity.
func LoadFile(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	return &id, nil
}

// SaveFile persists the identity with owner-only permissions; the
// static secret lives in this file.
func (id *Identity) SaveFile(path string) error {
	raw, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}
