package main

import (
	"encoding/hex"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cvsouth/rns-go/config"
	"github.com/cvsouth/rns-go/lxmf"
)

// pairedInterface is an in-memory transport.Interface used to wire two
// Nodes directly together without any real socket, the same shape as
// transport's own fakeInterface.
type pairedInterface struct {
	name string
	peer *pairedInterface

	mu       sync.Mutex
	receiver func([]byte)
}

func pair(a, b *pairedInterface) { a.peer = b; b.peer = a }

func (f *pairedInterface) Name() string { return f.name }
func (f *pairedInterface) Start() bool  { return true }
func (f *pairedInterface) Stop()        {}
func (f *pairedInterface) Loop()        {}
func (f *pairedInterface) SendOutgoing(raw []byte) error {
	if f.peer == nil {
		return nil
	}
	cp := append([]byte(nil), raw...)
	f.peer.mu.Lock()
	recv := f.peer.receiver
	f.peer.mu.Unlock()
	if recv != nil {
		recv(cp)
	}
	return nil
}
func (f *pairedInterface) SetReceiver(fn func([]byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiver = fn
}
func (f *pairedInterface) Online() bool     { return true }
func (f *pairedInterface) MTU() int         { return 500 }
func (f *pairedInterface) Bitrate() float64 { return 1e6 }
func (f *pairedInterface) RxBytes() uint64  { return 0 }
func (f *pairedInterface) TxBytes() uint64  { return 0 }
func (f *pairedInterface) Transit() bool    { return true }

func testNode(t *testing.T) *Node {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	n, err := New(config.Config{TransitEnabled: true}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n
}

func tickUntil(t *testing.T, nodes []*Node, timeout time.Duration, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			n.Tick()
		}
		if done() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true before timeout")
}

// TestE2EAnnounceLinkAndDeliver exercises a full exchange between two
// in-process nodes over a loopback interface: announce propagation,
// destination-table learning, a Link handshake, Channel wiring, and an
// LXMF message delivered end to end.
func TestE2EAnnounceLinkAndDeliver(t *testing.T) {
	n1 := testNode(t)
	n2 := testNode(t)

	ifaceA, ifaceB := &pairedInterface{name: "a"}, &pairedInterface{name: "b"}
	pair(ifaceA, ifaceB)
	if err := n1.Transport.RegisterInterface(ifaceA); err != nil {
		t.Fatalf("register interface on n1: %v", err)
	}
	if err := n2.Transport.RegisterInterface(ifaceB); err != nil {
		t.Fatalf("register interface on n2: %v", err)
	}

	if err := n1.Announce(); err != nil {
		t.Fatalf("n1.Announce: %v", err)
	}

	tickUntil(t, []*Node{n1, n2}, time.Second, func() bool {
		_, ok := n2.Transport.Known().Recall(n1.lxmfDest.Hash)
		return ok
	})

	var mu sync.Mutex
	var delivered *lxmf.Message
	n1.Router.OnDeliver(func(msg *lxmf.Message) {
		mu.Lock()
		delivered = msg
		mu.Unlock()
	})

	destHex := hex.EncodeToString(n1.lxmfDest.Hash[:])
	if err := n2.Send(destHex, "hello", []byte("world")); err != nil {
		t.Fatalf("n2.Send: %v", err)
	}

	tickUntil(t, []*Node{n1, n2}, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered != nil
	})

	mu.Lock()
	got := delivered
	mu.Unlock()

	if got.Title != "hello" {
		t.Fatalf("expected title %q, got %q", "hello", got.Title)
	}
	if string(got.Content) != "world" {
		t.Fatalf("expected content %q, got %q", "world", got.Content)
	}
}

// TestE2EPathDiscoveryThenDeliver exercises an unresolved destination: n2
// sends to n1's hash before any announce has ever propagated, so the
// first delivery attempt must fall through RequestPath's PATH_REQUEST
// flood, get answered by n1 replying with a fresh announce, and only then
// proceed with the Link handshake and delivery (spec.md §4.5).
func TestE2EPathDiscoveryThenDeliver(t *testing.T) {
	n1 := testNode(t)
	n2 := testNode(t)

	ifaceA, ifaceB := &pairedInterface{name: "a"}, &pairedInterface{name: "b"}
	pair(ifaceA, ifaceB)
	if err := n1.Transport.RegisterInterface(ifaceA); err != nil {
		t.Fatalf("register interface on n1: %v", err)
	}
	if err := n2.Transport.RegisterInterface(ifaceB); err != nil {
		t.Fatalf("register interface on n2: %v", err)
	}

	// Deliberately no n1.Announce() call: n2 has never heard of n1's
	// destination, so the destination table lookup on delivery must miss
	// and trigger path discovery rather than a direct route.
	if _, known := n2.Transport.Known().Recall(n1.lxmfDest.Hash); known {
		t.Fatal("n2 should not know n1's destination before path discovery")
	}

	var mu sync.Mutex
	var delivered *lxmf.Message
	n1.Router.OnDeliver(func(msg *lxmf.Message) {
		mu.Lock()
		delivered = msg
		mu.Unlock()
	})

	destHex := hex.EncodeToString(n1.lxmfDest.Hash[:])
	if err := n2.Send(destHex, "discovered", []byte("path")); err != nil {
		t.Fatalf("n2.Send: %v", err)
	}

	tickUntil(t, []*Node{n1, n2}, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered != nil
	})

	if _, known := n2.Transport.Known().Recall(n1.lxmfDest.Hash); !known {
		t.Fatal("expected n2 to have learned n1's destination via path discovery")
	}

	mu.Lock()
	got := delivered
	mu.Unlock()

	if got.Title != "discovered" {
		t.Fatalf("expected title %q, got %q", "discovered", got.Title)
	}
	if string(got.Content) != "path" {
		t.Fatalf("expected content %q, got %q", "path", got.Content)
	}
}
