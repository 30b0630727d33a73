package chain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rawblock/token-ledger/pkg/models"
)

func spillBlock(v uint64, prev models.CommitID) models.CommitBlock {
	blk := models.CommitBlock{
		Previous:  prev,
		Time:      v,
		Committed: []models.BlockID{models.IDFromUint64(v)},
	}
	blk.ID = models.ComputeCommitID(blk.Previous, blk.Time, blk.Committed)
	return blk
}

func TestSpillRoundTripReversesOrder(t *testing.T) {
	dir := t.TempDir()
	peer := models.IDFromUint64(42)

	w, err := NewSpillWriter(dir, peer)
	if err != nil {
		t.Fatalf("NewSpillWriter: %v", err)
	}

	// Written newest-first, as the download walk produces them.
	b3 := spillBlock(3, models.IDFromUint64(99))
	b2 := spillBlock(2, models.IDFromUint64(98))
	b1 := spillBlock(1, models.ZeroID)
	for _, blk := range []models.CommitBlock{b3, b2, b1} {
		if err := w.Append(blk); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	blocks, err := ReadSpillReverse(dir, peer)
	if err != nil {
		t.Fatalf("ReadSpillReverse: %v", err)
	}
	if len(blocks) != 3 {
		t.Fatalf("read %d blocks, want 3", len(blocks))
	}
	// Reverse read: oldest first.
	if blocks[0].ID != b1.ID || blocks[1].ID != b2.ID || blocks[2].ID != b3.ID {
		t.Error("reverse read order wrong")
	}
}

func TestSpillFrameFormat(t *testing.T) {
	dir := t.TempDir()
	peer := models.IDFromUint64(7)

	w, err := NewSpillWriter(dir, peer)
	if err != nil {
		t.Fatalf("NewSpillWriter: %v", err)
	}
	blk := spillBlock(1, models.ZeroID)
	if err := w.Append(blk); err != nil {
		t.Fatalf("Append: %v", err)
	}
	w.Close()

	raw, err := os.ReadFile(filepath.Join(dir, "sync-"+peer.String()+".spill"))
	if err != nil {
		t.Fatalf("read raw spill: %v", err)
	}
	if raw[0] != 0xEC {
		t.Errorf("frame marker = %#x, want 0xEC", raw[0])
	}
	payloadLen := int(raw[1])<<24 | int(raw[2])<<16 | int(raw[3])<<8 | int(raw[4])
	if payloadLen != len(raw)-5 {
		t.Errorf("length field %d does not match payload %d", payloadLen, len(raw)-5)
	}
}

func TestSpillRejectsCorruptMarker(t *testing.T) {
	dir := t.TempDir()
	peer := models.IDFromUint64(8)

	w, _ := NewSpillWriter(dir, peer)
	w.Append(spillBlock(1, models.ZeroID))
	w.Close()

	path := filepath.Join(dir, "sync-"+peer.String()+".spill")
	raw, _ := os.ReadFile(path)
	raw[0] = 0x00
	os.WriteFile(path, raw, 0o644)

	if _, err := ReadSpillReverse(dir, peer); err == nil {
		t.Error("corrupt marker accepted")
	}
}

func TestSpillDiscardRemovesFile(t *testing.T) {
	dir := t.TempDir()
	peer := models.IDFromUint64(9)

	w, _ := NewSpillWriter(dir, peer)
	w.Append(spillBlock(1, models.ZeroID))
	if err := w.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sync-"+peer.String()+".spill")); !os.IsNotExist(err) {
		t.Error("spill file survives Discard")
	}
}
