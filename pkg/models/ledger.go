package models

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// TokenMapping is the authoritative statement "token T is currently
// owned via block B, whose parent was B', committed at logical time t".
type TokenMapping struct {
	Token  TokenID `json:"token"`
	Block  BlockID `json:"block"`
	Parent BlockID `json:"parent"`
	Time   uint64  `json:"time"`
}

// BlockPart declares a single token reassignment inside a block:
// token moves to this block, Last naming the block that owned it before.
type BlockPart struct {
	Token TokenID `json:"token"`
	Last  BlockID `json:"last"`
}

// Block is a transaction batch produced by the external mempool. The
// ledger core consumes only the id, the part list and the logical time.
type Block struct {
	ID    BlockID     `json:"id"`
	Parts []BlockPart `json:"parts"`
	Time  uint64      `json:"time"`
}

// Mapping derives the TokenMapping a part produces when its block commits.
func (b Block) Mapping(i int) TokenMapping {
	return TokenMapping{
		Token:  b.Parts[i].Token,
		Block:  b.ID,
		Parent: b.Parts[i].Last,
		Time:   b.Time,
	}
}

// CommitBlock is one record in the hash-linked commit chain. Previous
// is ZeroID at chain genesis; Committed is never empty.
type CommitBlock struct {
	ID        CommitID  `json:"id"`
	Previous  CommitID  `json:"previous"`
	Time      uint64    `json:"time"`
	Committed []BlockID `json:"committedBlocks"`
}

// ComputeCommitID derives the commit-block id as
// SHA-256(previous ∥ time ∥ committed_blocks).
func ComputeCommitID(previous CommitID, time uint64, committed []BlockID) CommitID {
	buf := make([]byte, 0, IDSize+8+len(committed)*IDSize)
	buf = append(buf, previous[:]...)
	buf = binary.BigEndian.AppendUint64(buf, time)
	for _, b := range committed {
		buf = append(buf, b[:]...)
	}
	return CommitID(chainhash.HashH(buf))
}

// Verify recomputes the id from the linked fields and reports whether
// it matches. A mismatch is chain-link fraud evidence.
func (c CommitBlock) Verify() bool {
	return c.ID == ComputeCommitID(c.Previous, c.Time, c.Committed)
}

// EncodeBinary renders the canonical fixed-width encoding used for the
// commit store values and the bootstrap spill files:
// id(32) ∥ previous(32) ∥ time(8 BE) ∥ count(4 BE) ∥ block ids.
func (c CommitBlock) EncodeBinary() []byte {
	buf := make([]byte, 0, 2*IDSize+12+len(c.Committed)*IDSize)
	buf = append(buf, c.ID[:]...)
	buf = append(buf, c.Previous[:]...)
	buf = binary.BigEndian.AppendUint64(buf, c.Time)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Committed)))
	for _, b := range c.Committed {
		buf = append(buf, b[:]...)
	}
	return buf
}

// DecodeCommitBlock parses the canonical encoding produced by
// EncodeBinary. It validates framing only; callers that need the hash
// invariant run Verify separately.
func DecodeCommitBlock(raw []byte) (CommitBlock, error) {
	var c CommitBlock
	if len(raw) < 2*IDSize+12 {
		return c, fmt.Errorf("commit block truncated: %d bytes", len(raw))
	}
	copy(c.ID[:], raw[:IDSize])
	copy(c.Previous[:], raw[IDSize:2*IDSize])
	c.Time = binary.BigEndian.Uint64(raw[2*IDSize : 2*IDSize+8])
	n := binary.BigEndian.Uint32(raw[2*IDSize+8 : 2*IDSize+12])
	body := raw[2*IDSize+12:]
	if uint32(len(body)) != n*IDSize {
		return c, fmt.Errorf("commit block body: want %d block ids, have %d bytes", n, len(body))
	}
	c.Committed = make([]BlockID, n)
	for i := uint32(0); i < n; i++ {
		copy(c.Committed[i][:], body[i*IDSize:(i+1)*IDSize])
	}
	return c, nil
}

// EncodeMappingValue renders the fixed-width persisted value layout for
// a token mapping: block(32) ∥ parent(32) ∥ time(8 BE).
func EncodeMappingValue(m TokenMapping) []byte {
	buf := make([]byte, 0, 2*IDSize+8)
	buf = append(buf, m.Block[:]...)
	buf = append(buf, m.Parent[:]...)
	buf = binary.BigEndian.AppendUint64(buf, m.Time)
	return buf
}

// DecodeMappingValue parses the value layout written by EncodeMappingValue.
func DecodeMappingValue(token TokenID, raw []byte) (TokenMapping, error) {
	var m TokenMapping
	if len(raw) != 2*IDSize+8 {
		return m, fmt.Errorf("mapping value: want %d bytes, have %d", 2*IDSize+8, len(raw))
	}
	m.Token = token
	copy(m.Block[:], raw[:IDSize])
	copy(m.Parent[:], raw[IDSize:2*IDSize])
	m.Time = binary.BigEndian.Uint64(raw[2*IDSize:])
	return m, nil
}
