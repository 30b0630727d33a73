package identity

import (
	"context"
	"testing"

	"github.com/rawblock/token-ledger/pkg/models"
)

// testParams keeps Argon2id cheap enough for unit tests while staying
// on the real code path.
func testParams(difficulty int) Params {
	return Params{MemoryKiB: 64, TimeCost: 1, DifficultyBits: difficulty}
}

func TestGenerateProducesUsableKeypair(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// Diffie–Hellman agreement must be symmetric.
	ab, err := a.SharedSecret(b.PublicKey)
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	ba, err := b.SharedSecret(a.PublicKey)
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	if ab != ba {
		t.Error("X25519 agreement mismatch")
	}
}

func TestTrailingZeroBits(t *testing.T) {
	tests := []struct {
		name string
		last byte
		want int
	}{
		{"Odd id", 0x01, 0},
		{"One zero bit", 0x02, 1},
		{"Four zero bits", 0x10, 4},
		{"Whole byte", 0x00, 8}, // continues into the next byte
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id models.PeerID
			id[0] = 0xFF // keep high bytes nonzero
			id[models.IDSize-2] = 0xFF
			id[models.IDSize-1] = tt.last
			if got := TrailingZeroBits(id); got != tt.want {
				t.Errorf("TrailingZeroBits = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDifficultyZeroAcceptsAnySalt(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	var salt [SaltSize]byte
	salt[0] = 0xAB
	peerID := DerivePeerID(id.PublicKey, salt, testParams(0))
	if !Validate(peerID, id.PublicKey, salt, testParams(0)) {
		t.Error("difficulty 0 rejected a salt")
	}
}

func TestMaxDifficultyNeverAccepts(t *testing.T) {
	var id models.PeerID
	id[models.IDSize-1] = 0x01
	if MeetsDifficulty(id, models.IDSize*8) {
		t.Error("non-zero id met maximum difficulty")
	}
}

func TestMineAndValidateRoundTrip(t *testing.T) {
	ident, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	p := testParams(8)
	if err := Mine(context.Background(), ident, p); err != nil {
		t.Fatalf("Mine: %v", err)
	}
	if !ident.Mined {
		t.Fatal("identity not marked mined")
	}

	if !Validate(ident.PeerID, ident.PublicKey, ident.Salt, p) {
		t.Error("mined identity fails validation")
	}

	// Flipping one salt bit must break validation.
	flipped := ident.Salt
	flipped[0] ^= 1
	if Validate(ident.PeerID, ident.PublicKey, flipped, p) {
		t.Error("validation passed with a flipped salt")
	}

	// A wrong claimed id must fail even with correct material.
	wrongID := ident.PeerID
	wrongID[0] ^= 1
	if Validate(wrongID, ident.PublicKey, ident.Salt, p) {
		t.Error("validation passed for a mismatched peer id")
	}
}

func TestMineRefusesRemining(t *testing.T) {
	ident, _ := Generate()
	p := testParams(0)
	if err := Mine(context.Background(), ident, p); err != nil {
		t.Fatalf("Mine: %v", err)
	}
	if err := Mine(context.Background(), ident, p); err == nil {
		t.Error("re-mining a frozen identity succeeded")
	}
}

func TestMineCancellation(t *testing.T) {
	ident, _ := Generate()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Impossible difficulty: only cancellation can end the loop.
	if err := Mine(ctx, ident, testParams(256)); err == nil {
		t.Error("cancelled mining returned nil")
	}
	if ident.Mined {
		t.Error("cancelled mining marked the identity mined")
	}
}

func TestSaveLoadFile(t *testing.T) {
	ident, _ := Generate()
	p := testParams(0)
	if err := Mine(context.Background(), ident, p); err != nil {
		t.Fatalf("Mine: %v", err)
	}

	path := t.TempDir() + "/identity.json"
	if err := ident.SaveFile(path); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if loaded.PeerID != ident.PeerID || loaded.PublicKey != ident.PublicKey || !loaded.Mined {
		t.Error("loaded identity differs")
	}
}
