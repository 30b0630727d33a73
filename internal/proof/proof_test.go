package proof

import (
	"testing"

	"github.com/rawblock/token-ledger/internal/tokenstore"
	"github.com/rawblock/token-ledger/pkg/models"
)

func TestDeriveDeterministic(t *testing.T) {
	token := models.IDFromUint64(0x100)
	block := models.IDFromUint64(0xAB)
	peer := models.IDFromUint64(0x7)

	a := Derive(token, block, peer)
	b := Derive(token, block, peer)
	if a != b {
		t.Fatal("signature derivation is not deterministic")
	}

	if Derive(token, block, models.IDFromUint64(0x8)) == a {
		t.Error("changing the peer id should personalize the signature")
	}
	if Derive(token, models.IDFromUint64(0xAC), peer) == a {
		t.Error("changing the block should change the signature")
	}
}

func TestDeriveChunksAreTenBits(t *testing.T) {
	sig := Derive(models.IDFromUint64(1), models.IDFromUint64(2), models.IDFromUint64(3))
	for i, c := range sig {
		if c > 0x3FF {
			t.Errorf("chunk %d = %#x exceeds 10 bits", i, c)
		}
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name  string
		token uint64
		chunk uint16
		want  bool
	}{
		{"Exact low bits", 0x123, 0x123, true},
		{"High bits ignored", 0x1000 | 0x55, 0x55, true},
		{"Mismatch", 0x123, 0x124, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(models.IDFromUint64(tt.token), tt.chunk); got != tt.want {
				t.Errorf("Matches(%#x, %#x) = %v", tt.token, tt.chunk, got)
			}
		})
	}
}

func TestSearchEmptyStore(t *testing.T) {
	store := tokenstore.NewMemStore()
	sig := Derive(models.IDFromUint64(1), models.ZeroID, models.IDFromUint64(7))

	trail := Search(store, models.IDFromUint64(1), sig)
	if len(trail.Mappings) != 0 || trail.StepsAbove != 0 || trail.StepsBelow != 0 {
		t.Errorf("empty store search = %+v; want empty trail, zero steps", trail)
	}
	if trail.Complete() {
		t.Error("empty trail reports complete")
	}
}

func TestSearchSingleEntryStore(t *testing.T) {
	// Store contains exactly the lookup token: both directions exclude
	// it, so the trail is empty with zero steps either side.
	store := tokenstore.NewMemStore()
	store.Set(models.TokenMapping{
		Token: models.IDFromUint64(0x01),
		Block: models.IDFromUint64(0xA),
		Time:  1,
	})

	sig := Derive(models.IDFromUint64(0x01), models.IDFromUint64(0xA), models.IDFromUint64(0x7))
	trail := Search(store, models.IDFromUint64(0x01), sig)
	if len(trail.Mappings) != 0 {
		t.Errorf("trail = %d mappings, want 0", len(trail.Mappings))
	}
	// The iterators exclude the lookup token itself, so there is
	// nothing to step over in either direction.
	if trail.StepsAbove != 0 || trail.StepsBelow != 0 {
		t.Errorf("steps = %d above, %d below; want 0, 0", trail.StepsAbove, trail.StepsBelow)
	}
}

func TestSearchFindsNearestMatchAbove(t *testing.T) {
	// Dense store over [0x101..0x1FF]; the first chunk must resolve to
	// the unique token in that window whose low 10 bits equal it.
	store := tokenstore.NewMemStore()
	for v := uint64(0x100); v <= 0x1FF; v++ {
		store.Set(models.TokenMapping{
			Token: models.IDFromUint64(v),
			Block: models.IDFromUint64(v * 31),
			Time:  1,
		})
	}

	lookup := models.IDFromUint64(0x100)
	blockAtLookup := models.IDFromUint64(0x100 * 31)

	// Pick a peer id whose derived first chunk lands inside the
	// ascending window, so the expectation is well-defined.
	var sig Signature
	found := false
	var peerID models.PeerID
	for p := uint64(1); p < 4096; p++ {
		peerID = models.IDFromUint64(p)
		sig = Derive(lookup, blockAtLookup, peerID)
		if sig[0] > 0x100 && sig[0] <= 0x1FF {
			found = true
			break
		}
	}
	if !found {
		t.Skip("no peer id in range produced an in-window first chunk")
	}

	trail := Search(store, lookup, sig)
	if len(trail.Mappings) == 0 {
		t.Fatal("search found nothing despite a guaranteed in-window match")
	}
	first := trail.Mappings[0]
	if first.Token != models.IDFromUint64(uint64(sig[0])) {
		t.Errorf("first trail token = %s, want %#x", first.Token, sig[0])
	}
	// Nearest match: steps above cannot be fewer than the offset from
	// the lookup token (later ascending chunks may add more steps).
	if trail.StepsAbove < int(sig[0])-0x100 {
		t.Errorf("steps above = %d, fewer than the distance to the match", trail.StepsAbove)
	}
}

func TestSearchPathDependence(t *testing.T) {
	// Two tokens match the same chunk value; the search must take the
	// nearest one first and continue from there, never revisiting.
	store := tokenstore.NewMemStore()
	base := uint64(0x800)

	// low 10 bits: 0x10 at two ascending positions.
	near := (uint64(2) << 10) | 0x10 // 0x810
	far := (uint64(3) << 10) | 0x10  // 0xC10
	store.Set(models.TokenMapping{Token: models.IDFromUint64(near), Time: 1})
	store.Set(models.TokenMapping{Token: models.IDFromUint64(far), Time: 1})

	var sig Signature
	sig[0] = 0x10
	sig[1] = 0x10

	trail := Search(store, models.IDFromUint64(base), sig)
	if len(trail.Mappings) < 2 {
		t.Fatalf("expected two ascending matches, got %d", len(trail.Mappings))
	}
	if trail.Mappings[0].Token != models.IDFromUint64(near) {
		t.Errorf("first match = %s, want nearest %#x", trail.Mappings[0].Token, near)
	}
	if trail.Mappings[1].Token != models.IDFromUint64(far) {
		t.Errorf("second match = %s, want the farther %#x", trail.Mappings[1].Token, far)
	}
}

func TestVerifyTrail(t *testing.T) {
	var sig Signature
	for i := range sig {
		sig[i] = uint16(i + 1)
	}

	good := Trail{Mappings: []models.TokenMapping{
		{Token: models.IDFromUint64(1)},
		{Token: models.IDFromUint64(2)},
	}}
	if !VerifyTrail(good, sig) {
		t.Error("aligned partial trail rejected")
	}

	bad := Trail{Mappings: []models.TokenMapping{
		{Token: models.IDFromUint64(9)},
	}}
	if VerifyTrail(bad, sig) {
		t.Error("mismatched trail accepted")
	}

	tooLong := Trail{Mappings: make([]models.TokenMapping, SignatureChunks+1)}
	if VerifyTrail(tooLong, sig) {
		t.Error("overlong trail accepted")
	}
}
