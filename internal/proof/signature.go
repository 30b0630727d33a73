// Package proof implements the signature-based proof-of-storage
// mechanism: a responder derives a personalized ten-chunk signature
// from (lookup token, its block, own peer id) and walks its local
// store outward from the lookup token to find one stored token per
// chunk. Only a peer that densely stores the surrounding region can
// complete the trail cheaply.
package proof

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/rawblock/token-ledger/pkg/models"
)

// SignatureChunks is the protocol-fixed trail length: five matches
// scanned above the lookup token and five below.
const SignatureChunks = 10

// chunkBits is the width of one signature chunk; tokens match a chunk
// on their low chunkBits bits.
const chunkBits = 10

// Signature is the derived chunk sequence s_1..s_10.
type Signature [SignatureChunks]uint16

// Derive computes the deterministic signature for a lookup. The
// canonical encodings of token, block and peer are concatenated and
// hashed with SHA-256; the first 100 bits of the digest are split
// MSB-first into ten independent 10-bit chunks.
func Derive(token models.TokenID, block models.BlockID, peer models.PeerID) Signature {
	buf := make([]byte, 0, 3*models.IDSize)
	buf = append(buf, token[:]...)
	buf = append(buf, block[:]...)
	buf = append(buf, peer[:]...)
	digest := chainhash.HashH(buf)

	var sig Signature
	for i := 0; i < SignatureChunks; i++ {
		sig[i] = chunkAt(digest[:], i)
	}
	return sig
}

// chunkAt extracts the i-th 10-bit chunk from the digest, most
// significant bits first.
func chunkAt(digest []byte, i int) uint16 {
	var v uint16
	base := i * chunkBits
	for k := 0; k < chunkBits; k++ {
		bit := base + k
		b := (digest[bit/8] >> (7 - uint(bit%8))) & 1
		v = v<<1 | uint16(b)
	}
	return v
}

// Matches reports whether a stored token satisfies a chunk value:
// its low 10 bits equal the chunk.
func Matches(token models.TokenID, chunk uint16) bool {
	return token.LowBits10() == chunk
}
