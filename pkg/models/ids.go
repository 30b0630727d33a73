package models

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
)

// IDSize is the width of every identifier on the wire and on disk.
// Tokens, blocks, peers and commit blocks all share the same 256-bit
// identifier space and are compared lexicographically on their
// big-endian byte encoding.
const IDSize = 32

// ID is an opaque fixed-width identifier. The zero value is the
// sentinel meaning "no parent" / genesis.
type ID [IDSize]byte

// Aliases for readability at call sites. All four spaces share the same
// width and ordering, so these are aliases rather than distinct types.
type (
	TokenID  = ID
	BlockID  = ID
	PeerID   = ID
	CommitID = ID
)

// ZeroID is the genesis / no-parent sentinel.
var ZeroID ID

// ringModulus is 2^256, the size of the circular identifier space.
var ringModulus = new(big.Int).Lsh(big.NewInt(1), IDSize*8)

// IDFromBytes copies b into an ID. Short input is left-padded with
// zeroes so that numeric value is preserved; long input is an error.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) > IDSize {
		return id, fmt.Errorf("id too long: %d bytes", len(b))
	}
	copy(id[IDSize-len(b):], b)
	return id, nil
}

// IDFromUint64 places v in the low-order bytes of an ID, big-endian.
// Used heavily by tests and by operators poking small ids at the API.
func IDFromUint64(v uint64) ID {
	var id ID
	for i := 0; i < 8; i++ {
		id[IDSize-1-i] = byte(v >> (8 * i))
	}
	return id
}

// ParseID decodes a hex identifier of up to 64 digits.
func ParseID(s string) (ID, error) {
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return IDFromBytes(raw)
}

// IsZero reports whether the id is the genesis sentinel.
func (id ID) IsZero() bool {
	return id == ZeroID
}

// Cmp compares two ids lexicographically on their big-endian bytes,
// which equals numeric order.
func (id ID) Cmp(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// Less reports whether id orders strictly before other.
func (id ID) Less(other ID) bool {
	return id.Cmp(other) < 0
}

// Bytes returns the big-endian encoding.
func (id ID) Bytes() []byte {
	out := make([]byte, IDSize)
	copy(out, id[:])
	return out
}

// String renders the full hex form.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short renders an abbreviated hex form for logs.
func (id ID) Short() string {
	return hex.EncodeToString(id[:4]) + ".." + hex.EncodeToString(id[IDSize-2:])
}

// LowBits10 extracts the low 10 bits of the id, the value matched
// against proof-of-storage signature chunks.
func (id ID) LowBits10() uint16 {
	return uint16(id[IDSize-2]&0x03)<<8 | uint16(id[IDSize-1])
}

// MarshalJSON encodes the id as a hex string.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON decodes a hex string id.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// RingDistance computes the arithmetic ring distance
// min(|a-b|, 2^256-|a-b|) between two ids.
func RingDistance(a, b ID) *big.Int {
	x := new(big.Int).SetBytes(a[:])
	y := new(big.Int).SetBytes(b[:])
	d := new(big.Int).Sub(x, y)
	d.Abs(d)
	wrap := new(big.Int).Sub(ringModulus, d)
	if wrap.Cmp(d) < 0 {
		return wrap
	}
	return d
}

// ClockwiseDistance computes (b - a) mod 2^256, the distance walking
// the ring in the ascending direction from a to b. The bootstrap
// tracked-peer lists are ordered by this on each side.
func ClockwiseDistance(a, b ID) *big.Int {
	x := new(big.Int).SetBytes(a[:])
	y := new(big.Int).SetBytes(b[:])
	d := new(big.Int).Sub(y, x)
	if d.Sign() < 0 {
		d.Add(d, ringModulus)
	}
	return d
}

// DistanceClass buckets the ring distance between two ids into the
// logarithmic class ⌊log2(d)⌋+1 that determines connection budget.
// Class 0 is reserved for self (distance zero).
func DistanceClass(a, b ID) int {
	return RingDistance(a, b).BitLen()
}
