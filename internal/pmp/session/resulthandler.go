package session

import "github.com/hyperquantum/pmp/internal/pmp/protoerr"

// ResultHandler is registered against an outstanding client_ref and
// completed exactly once, either by a matching reply or by session
// teardown (spec.md §4.2). Three variants exist; a handler populates only
// the callbacks relevant to the request it was registered for.
//
//   - Generic: OnResult alone, for requests answered by a plain
//     (error_code, int_data, blob_data) SimpleResultMessage.
//   - Queue-insertion: also sets OnQueueConfirmation, accepting the
//     (index, queue_id) confirmation carried by
//     QueueEntryAdditionConfirmationMessage on the same client_ref.
//   - Streaming: also sets OnFragment, accepting zero or more intermediate
//     payloads (e.g. history fragments) before the terminal OnResult call.
//
// Any variant may also set OnExtensionResult to accept an
// (extension_id, result_code) reply; without it such a reply is completed
// through OnResult as UnknownError.
type ResultHandler struct {
	OnResult            func(code protoerr.Code, intData uint32, blob []byte)
	OnQueueConfirmation func(index, queueID uint32)
	OnFragment          func(payload any)
	OnExtensionResult   func(extensionID uint8, resultCode uint8)
}

// CompleteGeneric invokes OnResult if set; a handler without OnResult
// (none exist today, but the shape allows it) is simply a no-op.
func (h *ResultHandler) CompleteGeneric(code protoerr.Code, intData uint32, blob []byte) {
	if h.OnResult != nil {
		h.OnResult(code, intData, blob)
	}
}

// CompleteQueueConfirmation invokes OnQueueConfirmation if this handler was
// registered for a queue-insertion request; otherwise it reports false so
// the caller can down-convert to a generic result with int_data==queue_id,
// matching older pre-confirmation-message semantics (spec.md §4.3).
func (h *ResultHandler) CompleteQueueConfirmation(index, queueID uint32) bool {
	if h.OnQueueConfirmation == nil {
		return false
	}
	h.OnQueueConfirmation(index, queueID)
	return true
}

// Fragment delivers one intermediate streaming payload. Reports whether
// this handler accepts fragments at all.
func (h *ResultHandler) Fragment(payload any) bool {
	if h.OnFragment == nil {
		return false
	}
	h.OnFragment(payload)
	return true
}

// Fail completes the handler with ConnectionToServerBroken, used when the
// session tears down with requests still outstanding.
func (h *ResultHandler) Fail() {
	h.CompleteGeneric(protoerr.ConnectionToServerBroken, 0, nil)
}
