// Package scrobble implements the scrobbling backend state machine and its
// Last.fm-compatible HTTP client: authentication, now-playing/scrobble
// submission, and the provider error-code -> state transition table.
package scrobble

import (
	"context"
	"fmt"
	"sync"

	"github.com/hyperquantum/pmp/internal/pmp/future"
)

// State is a phase of a per-user, per-provider scrobbling session.
type State int

const (
	StateNotInitialized State = iota
	StateWaitingForUserCredentials
	StateReadyForScrobbling
	StateTemporarilyUnavailable
	StatePermanentFatalError
)

func (s State) String() string {
	switch s {
	case StateNotInitialized:
		return "NotInitialized"
	case StateWaitingForUserCredentials:
		return "WaitingForUserCredentials"
	case StateReadyForScrobbling:
		return "ReadyForScrobbling"
	case StateTemporarilyUnavailable:
		return "TemporarilyUnavailable"
	case StatePermanentFatalError:
		return "PermanentFatalError"
	default:
		return "Unknown"
	}
}

// Track identifies what is playing for now-playing/scrobble submission.
type Track struct {
	Artist       string
	Title        string
	Album        string
	DurationSecs int
}

// Provider is the HTTP-facing dependency: everything backend.go needs from
// the concrete Last.fm client, kept separate so the state machine can be
// tested without a network.
type Provider interface {
	Authenticate(ctx context.Context, username, password string) (sessionKey string, err error)
	UpdateNowPlaying(ctx context.Context, sessionKey string, t Track) error
	Scrobble(ctx context.Context, sessionKey string, timestampUnix int64, t Track) error
}

// Backend drives one user's scrobbling session against a single provider.
type Backend struct {
	mu         sync.Mutex
	state      State
	sessionKey string
	provider   Provider
}

// NewBackend creates a backend bound to provider, starting NotInitialized.
func NewBackend(provider Provider) *Backend {
	return &Backend{provider: provider, state: StateNotInitialized}
}

// State returns the current state.
func (b *Backend) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Initialize transitions out of NotInitialized: to ReadyForScrobbling if a
// persisted session key is supplied, otherwise to WaitingForUserCredentials.
func (b *Backend) Initialize(persistedSessionKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateNotInitialized {
		return
	}
	if persistedSessionKey != "" {
		b.sessionKey = persistedSessionKey
		b.state = StateReadyForScrobbling
	} else {
		b.state = StateWaitingForUserCredentials
	}
}

// Authenticate exchanges a username/password for a session key. On success
// the backend becomes ReadyForScrobbling.
func (b *Backend) Authenticate(ctx context.Context, username, password string) *future.Future[string] {
	f, p := future.New[string]()
	go func() {
		key, err := b.provider.Authenticate(ctx, username, password)
		if err != nil {
			b.handleProviderError(err)
			p.Reject(err)
			return
		}
		b.mu.Lock()
		b.sessionKey = key
		b.state = StateReadyForScrobbling
		b.mu.Unlock()
		p.Resolve(key)
	}()
	return f
}

// UpdateNowPlaying submits a now-playing update. Requests are dropped
// (future fails with ErrNotReady) unless state == ReadyForScrobbling.
func (b *Backend) UpdateNowPlaying(ctx context.Context, t Track) *future.Future[struct{}] {
	return b.guardedCall(ctx, func(ctx context.Context, sessionKey string) error {
		return b.provider.UpdateNowPlaying(ctx, sessionKey, t)
	})
}

// ScrobbleTrack submits a completed scrobble. Same readiness gating as
// UpdateNowPlaying.
func (b *Backend) ScrobbleTrack(ctx context.Context, timestampUnix int64, t Track) *future.Future[struct{}] {
	return b.guardedCall(ctx, func(ctx context.Context, sessionKey string) error {
		return b.provider.Scrobble(ctx, sessionKey, timestampUnix, t)
	})
}

// ErrNotReady is returned when an operation is attempted outside
// ReadyForScrobbling.
var ErrNotReady = fmt.Errorf("scrobbling backend not ready")

func (b *Backend) guardedCall(ctx context.Context, op func(ctx context.Context, sessionKey string) error) *future.Future[struct{}] {
	b.mu.Lock()
	if b.state != StateReadyForScrobbling {
		b.mu.Unlock()
		return future.Failed[struct{}](ErrNotReady)
	}
	sessionKey := b.sessionKey
	b.mu.Unlock()

	f, p := future.New[struct{}]()
	go func() {
		if err := op(ctx, sessionKey); err != nil {
			b.handleProviderError(err)
			p.Reject(err)
			return
		}
		p.Resolve(struct{}{})
	}()
	return f
}

// handleProviderError applies the error-code transition table. Errors that
// are not a *ProviderError (e.g. a bare network failure) leave the state
// unchanged; callers retry those at the ordinary request cadence.
func (b *Backend) handleProviderError(err error) {
	perr, ok := err.(*ProviderError)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StatePermanentFatalError {
		return
	}
	switch {
	case perr.Code == 9:
		b.sessionKey = ""
		b.state = StateWaitingForUserCredentials
	case isTemporary(perr.Code):
		b.state = StateTemporarilyUnavailable
	case isFatal(perr.Code):
		b.state = StatePermanentFatalError
	}
}

func isTemporary(code int) bool {
	switch code {
	case 8, 11, 16, 29, 4:
		return true
	}
	return false
}

func isFatal(code int) bool {
	switch code {
	case 2, 3, 5, 6, 7, 10, 13, 26, 27:
		return true
	}
	return false
}

// Recover moves a TemporarilyUnavailable backend back to ReadyForScrobbling,
// called by the retry scheduler once its backoff has elapsed.
func (b *Backend) Recover() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateTemporarilyUnavailable {
		b.state = StateReadyForScrobbling
	}
}
