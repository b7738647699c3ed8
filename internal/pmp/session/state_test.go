package session

import "testing"

func TestCanTransitionHappyPath(t *testing.T) {
	chain := []State{NotConnected, Connecting, Handshake, TextMode, BinaryHandshake, BinaryMode, Disconnecting, NotConnected}
	for i := 0; i < len(chain)-1; i++ {
		if !CanTransition(chain[i], chain[i+1]) {
			t.Fatalf("expected %s -> %s to be legal", chain[i], chain[i+1])
		}
	}
}

func TestCanTransitionRejectsSkippingStates(t *testing.T) {
	if CanTransition(NotConnected, BinaryMode) {
		t.Fatalf("expected NotConnected -> BinaryMode to be illegal")
	}
	if CanTransition(TextMode, NotConnected) {
		t.Fatalf("expected TextMode -> NotConnected to be illegal without a Disconnecting/Aborting step")
	}
}

func TestHandshakeFailureIsTerminalBeforeNotConnected(t *testing.T) {
	if !CanTransition(Handshake, HandshakeFailure) {
		t.Fatalf("expected Handshake -> HandshakeFailure to be legal")
	}
	if !CanTransition(HandshakeFailure, NotConnected) {
		t.Fatalf("expected HandshakeFailure -> NotConnected to be legal")
	}
	if CanTransition(HandshakeFailure, BinaryMode) {
		t.Fatalf("expected HandshakeFailure to be terminal other than returning to NotConnected")
	}
}

func TestStateStringCoversAllValues(t *testing.T) {
	for s := NotConnected; s <= HandshakeFailure; s++ {
		if s.String() == "" {
			t.Fatalf("state %d has empty String()", int(s))
		}
	}
}
