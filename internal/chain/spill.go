package chain

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rawblock/token-ledger/pkg/models"
)

// Spill files buffer commit blocks downloaded during bootstrap, one
// append-only file per tracked peer, framed as
// [0xEC][u32 big-endian length][serialized block] and read back in
// reverse. Blocks arrive newest-first while walking previous links, so
// the reverse read hands history back oldest-first for applying. The
// files are owned exclusively by the syncing task and discarded on
// reaching Active.

const spillMarker = 0xEC

// spillPath names the per-peer spill file.
func spillPath(dir string, peer models.PeerID) string {
	return filepath.Join(dir, "sync-"+peer.String()+".spill")
}

// SpillWriter appends framed commit blocks for one tracked peer.
type SpillWriter struct {
	f    *os.File
	path string
}

// NewSpillWriter opens (truncating) the spill file for a peer.
func NewSpillWriter(dir string, peer models.PeerID) (*SpillWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spill dir: %w", err)
	}
	path := spillPath(dir, peer)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open spill %s: %w", path, err)
	}
	return &SpillWriter{f: f, path: path}, nil
}

// Append writes one framed commit block.
func (w *SpillWriter) Append(blk models.CommitBlock) error {
	payload := blk.EncodeBinary()
	frame := make([]byte, 0, 5+len(payload))
	frame = append(frame, spillMarker)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	if _, err := w.f.Write(frame); err != nil {
		return fmt.Errorf("append spill frame: %w", err)
	}
	return nil
}

// Close flushes and closes the file, keeping it on disk for reading.
func (w *SpillWriter) Close() error {
	return w.f.Close()
}

// Discard closes and deletes the file.
func (w *SpillWriter) Discard() error {
	_ = w.f.Close()
	return os.Remove(w.path)
}

// ReadSpillReverse reads a spill file and returns its commit blocks in
// reverse write order (download order is newest→oldest, so the result
// is oldest→newest). Framing damage surfaces as an error; the caller
// treats it as a failed sync attempt for that peer.
func ReadSpillReverse(dir string, peer models.PeerID) ([]models.CommitBlock, error) {
	f, err := os.Open(spillPath(dir, peer))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var blocks []models.CommitBlock
	hdr := make([]byte, 5)
	for {
		if _, err := io.ReadFull(f, hdr); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("spill frame header: %w", err)
		}
		if hdr[0] != spillMarker {
			return nil, fmt.Errorf("spill frame marker: got 0x%02X", hdr[0])
		}
		length := binary.BigEndian.Uint32(hdr[1:])
		payload := make([]byte, length)
		if _, err := io.ReadFull(f, payload); err != nil {
			return nil, fmt.Errorf("spill frame body: %w", err)
		}
		blk, err := models.DecodeCommitBlock(payload)
		if err != nil {
			return nil, fmt.Errorf("spill frame decode: %w", err)
		}
		blocks = append(blocks, blk)
	}

	for i, j := 0, len(blocks)-1; i < j; i, j = i+1, j-1 {
		blocks[i], blocks[j] = blocks[j], blocks[i]
	}
	return blocks, nil
}

// RemoveSpill deletes a peer's spill file if present.
func RemoveSpill(dir string, peer models.PeerID) {
	_ = os.Remove(spillPath(dir, peer))
}
