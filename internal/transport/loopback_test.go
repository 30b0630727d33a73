package transport

import (
	"testing"

	"github.com/rawblock/token-ledger/internal/wire"
	"github.com/rawblock/token-ledger/pkg/models"
)

func TestLoopbackDelivery(t *testing.T) {
	net := NewLoopbackNetwork()
	a := net.Attach(models.IDFromUint64(1))
	b := net.Attach(models.IDFromUint64(2))

	env, err := wire.Seal(wire.TypeInvite, models.IDFromUint64(1), [32]byte{}, [16]byte{}, wire.Invite{})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := a.Send(models.IDFromUint64(2), env); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case in := <-b.Inbound():
		if in.From != models.IDFromUint64(1) || in.Env.Type != wire.TypeInvite {
			t.Errorf("delivered %+v", in)
		}
	default:
		t.Fatal("nothing delivered")
	}
}

func TestLoopbackUnknownPeer(t *testing.T) {
	net := NewLoopbackNetwork()
	a := net.Attach(models.IDFromUint64(1))
	if err := a.Send(models.IDFromUint64(9), wire.Envelope{}); err == nil {
		t.Error("send to unknown peer succeeded")
	}
}

func TestLoopbackClosedEndpoint(t *testing.T) {
	net := NewLoopbackNetwork()
	a := net.Attach(models.IDFromUint64(1))
	b := net.Attach(models.IDFromUint64(2))
	b.Close()
	if err := a.Send(models.IDFromUint64(2), wire.Envelope{}); err == nil {
		t.Error("send to closed endpoint succeeded")
	}
}
