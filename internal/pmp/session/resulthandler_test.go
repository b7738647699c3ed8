package session

import (
	"testing"

	"github.com/hyperquantum/pmp/internal/pmp/protoerr"
)

func TestResultHandlerCompleteGeneric(t *testing.T) {
	var gotCode protoerr.Code
	var gotInt uint32
	var gotBlob []byte
	h := &ResultHandler{OnResult: func(code protoerr.Code, intData uint32, blob []byte) {
		gotCode, gotInt, gotBlob = code, intData, blob
	}}
	h.CompleteGeneric(protoerr.InvalidHash, 7, []byte("x"))
	if gotCode != protoerr.InvalidHash || gotInt != 7 || string(gotBlob) != "x" {
		t.Fatalf("unexpected callback args: %v %d %q", gotCode, gotInt, gotBlob)
	}
}

func TestResultHandlerQueueConfirmationFallback(t *testing.T) {
	h := &ResultHandler{}
	if h.CompleteQueueConfirmation(1, 2) {
		t.Fatalf("expected false for handler without a queue-confirmation callback")
	}

	var gotIndex, gotQueueID uint32
	h2 := &ResultHandler{OnQueueConfirmation: func(index, queueID uint32) { gotIndex, gotQueueID = index, queueID }}
	if !h2.CompleteQueueConfirmation(3, 4) {
		t.Fatalf("expected true for handler with a queue-confirmation callback")
	}
	if gotIndex != 3 || gotQueueID != 4 {
		t.Fatalf("unexpected callback args: %d %d", gotIndex, gotQueueID)
	}
}

func TestResultHandlerFragmentFallback(t *testing.T) {
	h := &ResultHandler{}
	if h.Fragment("x") {
		t.Fatalf("expected false for handler without a fragment callback")
	}
}

func TestResultHandlerFailUsesConnectionBroken(t *testing.T) {
	var got protoerr.Code
	h := &ResultHandler{OnResult: func(code protoerr.Code, _ uint32, _ []byte) { got = code }}
	h.Fail()
	if got != protoerr.ConnectionToServerBroken {
		t.Fatalf("expected ConnectionToServerBroken, got %v", got)
	}
}
