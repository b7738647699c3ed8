package session

import (
	"context"
	"sync"
	"time"
)

// idleDuration is how long either side waits without any inbound frame
// before sending its own keep-alive probe.
const idleDuration = 30 * time.Second

// replyDuration is how long the probing side then waits for any frame
// (not necessarily a keep-alive reply) before tearing the connection down.
const replyDuration = 5 * time.Second

// idleWatcher implements the keep-alive sub-protocol (spec.md §4.1): a
// 30 s idle timer armed on every inbound frame, and a 5 s reply deadline
// once a keep-alive probe has been sent.
type idleWatcher struct {
	mu           sync.Mutex
	lastActivity time.Time

	sendProbe func() error
	onTimeout func()
}

func newIdleWatcher(sendProbe func() error, onTimeout func()) *idleWatcher {
	return &idleWatcher{lastActivity: time.Now(), sendProbe: sendProbe, onTimeout: onTimeout}
}

// touch resets the idle clock; called for every frame of any kind that
// arrives, request or reply.
func (w *idleWatcher) touch() {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()
}

func (w *idleWatcher) sinceActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActivity
}

// run drives the idle/reply timer pair until ctx is cancelled or a timeout
// fires onTimeout. Intended to run in its own goroutine.
func (w *idleWatcher) run(ctx context.Context) {
	idleTimer := time.NewTimer(idleDuration)
	defer idleTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-idleTimer.C:
			elapsed := time.Since(w.sinceActivity())
			if elapsed < idleDuration {
				idleTimer.Reset(idleDuration - elapsed)
				continue
			}
			if err := w.sendProbe(); err != nil {
				w.onTimeout()
				return
			}
			sentAt := time.Now()
			replyTimer := time.NewTimer(replyDuration)
			select {
			case <-ctx.Done():
				replyTimer.Stop()
				return
			case <-replyTimer.C:
				if !w.sinceActivity().After(sentAt) {
					w.onTimeout()
					return
				}
			}
			idleTimer.Reset(idleDuration)
		}
	}
}
