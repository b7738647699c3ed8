package session

import (
	"fmt"
	"sync"
)

// clientRefLimit is the first value next_client_ref must not reach: the
// top bit is reserved to keep client_ref values unambiguous against
// message-type words that use it for standard/extension discrimination
// (spec.md §3 Lifecycle rules).
const clientRefLimit = 0x8000_0000

// ErrClientRefExhausted is returned once a session's next_client_ref would
// reach clientRefLimit; the caller must force-disconnect with reason
// ConnectionToServerBroken/Unknown.
var ErrClientRefExhausted = fmt.Errorf("client_ref exhausted: session must be force-disconnected")

// clientRefAllocator hands out strictly increasing, per-session client_ref
// values starting at 1.
type clientRefAllocator struct {
	mu   sync.Mutex
	next uint32
}

func newClientRefAllocator() *clientRefAllocator {
	return &clientRefAllocator{next: 1}
}

// allocate hands out the next client_ref, or ErrClientRefExhausted once the
// session has issued refs up to the reserved boundary.
func (a *clientRefAllocator) allocate() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next >= clientRefLimit {
		return 0, ErrClientRefExhausted
	}
	ref := a.next
	a.next++
	return ref, nil
}
