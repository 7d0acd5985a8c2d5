package link

import (
	"bytes"
	"testing"
	"time"

	"github.com/cvsouth/rns-go/identity"
)

func establishedPair(t *testing.T) (*Link, *Link) {
	t.Helper()
	responderID, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	var destHash [16]byte
	initiator, reqPayload, err := Request(destHash)
	if err != nil {
		t.Fatal(err)
	}
	responder, proofPayload, err := AcceptRequest(destHash, reqPayload, responderID)
	if err != nil {
		t.Fatal(err)
	}
	if err := initiator.AcceptProof(proofPayload, responderID); err != nil {
		t.Fatal(err)
	}
	return initiator, responder
}

func TestChannelSendDeliverRoundTrip(t *testing.T) {
	a, b := establishedPair(t)

	onWire := make(chan []byte, 1)
	chanA := NewChannel(a, func(token []byte) error {
		onWire <- token
		return nil
	}, nil)
	defer chanA.Close()
	chanA.RegisterType(1)

	chanB := NewChannel(b, func([]byte) error { return nil }, nil)
	defer chanB.Close()
	chanB.RegisterType(1)

	if err := chanA.Send(1, []byte("payload")); err != nil {
		t.Fatal(err)
	}

	var token []byte
	select {
	case token = <-onWire:
	case <-time.After(time.Second):
		t.Fatal("expected sendFunc to have been invoked")
	}

	if err := chanB.Deliver(token); err != nil {
		t.Fatal(err)
	}
	env, ok := chanB.Receive()
	if !ok {
		t.Fatal("expected a queued envelope")
	}
	if env.Type != 1 || !bytes.Equal(env.Payload, []byte("payload")) {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestChannelRejectsUnregisteredType(t *testing.T) {
	a, b := establishedPair(t)
	chanA := NewChannel(a, func([]byte) error { return nil }, nil)
	defer chanA.Close()
	chanB := NewChannel(b, func([]byte) error { return nil }, nil)
	defer chanB.Close()

	token, err := a.Encrypt(encodeEnvelope(Envelope{Type: 9, Payload: []byte("x")}))
	if err != nil {
		t.Fatal(err)
	}
	if err := chanB.Deliver(token); err == nil {
		t.Fatal("expected delivery of an unregistered message type to fail")
	}
}
