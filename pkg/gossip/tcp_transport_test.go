package gossip

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTCP(t *testing.T) *TCPTransport {
	t.Helper()
	ident, err := NewIdentity()
	if err != nil {
		t.Fatal(err)
	}
	// accept-loop goroutines outlive the test, so no zaptest logger here
	tr, err := NewTCPTransport(ident, TCPConfig{BindAddr: "127.0.0.1:0", Timeout: time.Second}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewTCPTransport: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go tr.Listen(ctx)
	t.Cleanup(func() {
		cancel()
		tr.Close()
	})
	return tr
}

func TestTCPDialReturnsRemoteID(t *testing.T) {
	a, b := newTCP(t), newTCP(t)

	id, err := a.Dial(context.Background(), b.AdvertiseAddr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if id != b.LocalID() {
		t.Fatalf("Dial returned %s, want %s", id, b.LocalID())
	}
}

func TestTCPSendDeliversEnvelope(t *testing.T) {
	a, b := newTCP(t), newTCP(t)

	env := Envelope{Topic: "chat", From: "forged", Seq: 7, Data: []byte("cache_get 42 hostname")}
	for i := 0; i < 2; i++ {
		if err := a.Send(context.Background(), b.LocalID(), b.AdvertiseAddr(), env); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case got := <-b.Inbound():
			if got.From != a.LocalID() {
				t.Fatalf("From = %s, want connection identity %s", got.From, a.LocalID())
			}
			if got.Topic != "chat" || got.Seq != 7 || string(got.Data) != "cache_get 42 hostname" {
				t.Fatalf("got %+v", got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("envelope #%d not delivered", i)
		}
	}
}

func TestTCPSendRejectsWrongPeer(t *testing.T) {
	a, b := newTCP(t), newTCP(t)

	err := a.Send(context.Background(), "zmsomeoneelse", b.AdvertiseAddr(), Envelope{Topic: "chat"})
	if !errors.Is(err, ErrPeerMismatch) {
		t.Fatalf("Send = %v, want ErrPeerMismatch", err)
	}
}

func TestTCPSendAfterClose(t *testing.T) {
	a, b := newTCP(t), newTCP(t)
	a.Close()
	if _, err := a.Dial(context.Background(), b.AdvertiseAddr()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Dial after Close = %v, want ErrClosed", err)
	}
}

func nextContact(t *testing.T, ch <-chan Contact) Contact {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no contact reported")
	}
	return Contact{}
}

func TestTCPReportsAcceptedHello(t *testing.T) {
	a, b := newTCP(t), newTCP(t)

	if _, err := a.Dial(context.Background(), b.AdvertiseAddr()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	up := nextContact(t, b.Contacts())
	if !up.Up || up.Peer != a.LocalID() || up.Addr != a.AdvertiseAddr() {
		t.Fatalf("contact = %+v, want Up from %s at %s", up, a.LocalID().Short(), a.AdvertiseAddr())
	}

	a.Forget(b.LocalID())
	down := nextContact(t, b.Contacts())
	if down.Up || down.Peer != a.LocalID() {
		t.Fatalf("contact = %+v, want Down", down)
	}
}

func TestVerifyHelloChecksConsistencyOnly(t *testing.T) {
	a, _ := NewIdentity()
	b, _ := NewIdentity()

	if err := verifyHello(hello{From: a.ID(), PublicKey: b.PublicKey(), SchemaV: schemaVersion}); err == nil {
		t.Fatal("accepted an id that does not match the key")
	}
	if err := verifyHello(hello{From: a.ID(), PublicKey: a.PublicKey(), SchemaV: schemaVersion + 1}); err == nil {
		t.Fatal("accepted an unknown schema version")
	}
	// nothing is signed, so a copied key and id pass
	if err := verifyHello(hello{From: a.ID(), PublicKey: a.PublicKey(), SchemaV: schemaVersion}); err != nil {
		t.Fatalf("verifyHello = %v", err)
	}
}
