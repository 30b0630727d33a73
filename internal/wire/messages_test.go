package wire

import (
	"testing"

	"github.com/google/uuid"

	"github.com/rawblock/token-ledger/pkg/models"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	var key Key32
	key[0] = 0xAA
	var salt Salt16
	salt[15] = 0xBB

	q := Query{LookupToken: models.IDFromUint64(0x42), Ticket: uuid.New()}
	env, err := Seal(TypeQuery, models.IDFromUint64(0x7), [32]byte(key), [16]byte(salt), q)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}

	if back.Type != TypeQuery || back.Sender != models.IDFromUint64(0x7) {
		t.Errorf("header fields differ: %+v", back)
	}
	if back.SenderPublicKey != key || back.SenderSalt != salt {
		t.Error("identity material differs after round trip")
	}

	var q2 Query
	if err := back.Open(&q2); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if q2.LookupToken != q.LookupToken || q2.Ticket != q.Ticket {
		t.Errorf("payload differs: %+v", q2)
	}
}

func TestAnswerPayloadCarriesMappingAndTrail(t *testing.T) {
	mapping := models.TokenMapping{
		Token: models.IDFromUint64(1),
		Block: models.IDFromUint64(2),
		Time:  3,
	}
	a := Answer{
		Ticket:      uuid.New(),
		LookupToken: mapping.Token,
		Mapping:     &mapping,
		HeadOfChain: models.IDFromUint64(0x99),
	}
	a.Trail.Mappings = []models.TokenMapping{mapping}
	a.Trail.StepsAbove = 4

	env, err := Seal(TypeAnswer, models.IDFromUint64(9), [32]byte{}, [16]byte{}, a)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	raw, _ := env.Encode()
	back, _ := DecodeEnvelope(raw)

	var a2 Answer
	if err := back.Open(&a2); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if a2.Mapping == nil || *a2.Mapping != mapping {
		t.Errorf("mapping differs: %+v", a2.Mapping)
	}
	if len(a2.Trail.Mappings) != 1 || a2.Trail.StepsAbove != 4 {
		t.Errorf("trail differs: %+v", a2.Trail)
	}
	if a2.HeadOfChain != models.IDFromUint64(0x99) {
		t.Error("head of chain differs")
	}
}

func TestHexFieldValidation(t *testing.T) {
	var k Key32
	if err := k.UnmarshalJSON([]byte(`"zz"`)); err == nil {
		t.Error("invalid hex accepted")
	}
	if err := k.UnmarshalJSON([]byte(`"aabb"`)); err == nil {
		t.Error("short key accepted")
	}
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	if _, err := DecodeEnvelope([]byte("{not json")); err == nil {
		t.Error("garbage frame decoded")
	}
}
