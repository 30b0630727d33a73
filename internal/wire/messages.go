// Package wire defines the peer-visible message vocabulary and its
// JSON envelope encoding. Every peer-originating envelope carries the
// sender's public key and salt; receivers recompute and verify the
// peer id before the payload is processed.
package wire

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/rawblock/token-ledger/internal/proof"
	"github.com/rawblock/token-ledger/pkg/models"
)

// Type discriminates envelope payloads.
type Type string

const (
	TypeQuery            Type = "query"
	TypeAnswer           Type = "answer"
	TypeReferral         Type = "referral"
	TypeQueryCommitBlock Type = "query_commit_block"
	TypeCommitBlock      Type = "commit_block"
	TypeInvite           Type = "invite"
	TypeAccept           Type = "accept"
	TypeReject           Type = "reject"
)

// Key32 is a hex-encoded 32-byte public key on the wire.
type Key32 [32]byte

func (k Key32) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(k[:]))
}

func (k *Key32) UnmarshalJSON(data []byte) error {
	return unmarshalHex(data, k[:])
}

// Salt16 is a hex-encoded 16-byte mining salt on the wire.
type Salt16 [16]byte

func (s Salt16) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(s[:]))
}

func (s *Salt16) UnmarshalJSON(data []byte) error {
	return unmarshalHex(data, s[:])
}

func unmarshalHex(data []byte, dst []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("hex field: want %d bytes, have %d", len(dst), len(raw))
	}
	copy(dst, raw)
	return nil
}

// Envelope frames every message with the sender's verifiable identity.
type Envelope struct {
	Type            Type            `json:"type"`
	Sender          models.PeerID   `json:"sender"`
	SenderPublicKey Key32           `json:"senderPublicKey"`
	SenderSalt      Salt16          `json:"senderSalt"`
	Payload         json.RawMessage `json:"payload"`
}

// Seal builds an envelope around a payload.
func Seal(t Type, sender models.PeerID, publicKey [32]byte, salt [16]byte, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("seal %s: %w", t, err)
	}
	return Envelope{
		Type:            t,
		Sender:          sender,
		SenderPublicKey: Key32(publicKey),
		SenderSalt:      Salt16(salt),
		Payload:         raw,
	}, nil
}

// Open decodes the payload into v.
func (e Envelope) Open(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("open %s envelope: %w", e.Type, err)
	}
	return nil
}

// Encode renders the envelope as a single JSON frame.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a received frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}

// PeerInfo is the referral unit: enough to validate and then dial a
// peer. Addr is transport-layer routing data and takes no part in
// identity verification.
type PeerInfo struct {
	ID        models.PeerID `json:"id"`
	PublicKey Key32         `json:"publicKey"`
	Salt      Salt16        `json:"salt"`
	Addr      string        `json:"addr,omitempty"`
}

// Query asks the receiver for its current mapping of a token plus a
// proof-of-storage trail around it.
type Query struct {
	LookupToken models.TokenID `json:"lookupToken"`
	Ticket      uuid.UUID      `json:"ticket"`
}

// Answer returns the mapping, the signature trail derived from
// (lookup, mapping.block, responder id), and the responder's current
// commit-chain head. Mapping is nil when the token is unknown locally.
type Answer struct {
	Ticket      uuid.UUID            `json:"ticket"`
	LookupToken models.TokenID       `json:"lookupToken"`
	Mapping     *models.TokenMapping `json:"mapping,omitempty"`
	Trail       proof.Trail          `json:"signatureTrail"`
	HeadOfChain models.CommitID      `json:"headOfChain"`
}

// Referral points the requester at the closest peers the responder
// knows on each side of the target token.
type Referral struct {
	TargetToken models.TokenID `json:"targetToken"`
	HighPeer    *PeerInfo      `json:"highPeer,omitempty"`
	LowPeer     *PeerInfo      `json:"lowPeer,omitempty"`
}

// QueryCommitBlock requests one commit block by id during bootstrap.
type QueryCommitBlock struct {
	CommitBlockID models.CommitID `json:"commitBlockId"`
	Ticket        uuid.UUID       `json:"ticket"`
}

// CommitBlockMsg delivers a requested commit block.
type CommitBlockMsg struct {
	Ticket uuid.UUID          `json:"ticket"`
	Block  models.CommitBlock `json:"block"`
}

// Invite opens the connection handshake; Accept completes it; Reject
// declines (typically: no class capacity). Sender identity rides the
// envelope on all three.
type Invite struct {
	Addr string `json:"addr,omitempty"`
}

type Accept struct {
	Addr string `json:"addr,omitempty"`
}

type Reject struct {
	Reason string `json:"reason,omitempty"`
}
