package scrobble

import (
	"context"
	"testing"
	"time"
)

type fakeProvider struct {
	authErr      error
	authKey      string
	nowPlayErr   error
	scrobbleErr  error
	nowPlayCalls int
}

func (f *fakeProvider) Authenticate(ctx context.Context, username, password string) (string, error) {
	if f.authErr != nil {
		return "", f.authErr
	}
	return f.authKey, nil
}

func (f *fakeProvider) UpdateNowPlaying(ctx context.Context, sessionKey string, t Track) error {
	f.nowPlayCalls++
	return f.nowPlayErr
}

func (f *fakeProvider) Scrobble(ctx context.Context, sessionKey string, timestampUnix int64, t Track) error {
	return f.scrobbleErr
}

func TestInitializeWithSessionKeyIsReady(t *testing.T) {
	b := NewBackend(&fakeProvider{})
	b.Initialize("existing-key")
	if b.State() != StateReadyForScrobbling {
		t.Fatalf("expected ReadyForScrobbling, got %v", b.State())
	}
}

func TestInitializeWithoutSessionKeyWaitsForCredentials(t *testing.T) {
	b := NewBackend(&fakeProvider{})
	b.Initialize("")
	if b.State() != StateWaitingForUserCredentials {
		t.Fatalf("expected WaitingForUserCredentials, got %v", b.State())
	}
}

func TestAuthenticateSucceedsAndBecomesReady(t *testing.T) {
	b := NewBackend(&fakeProvider{authKey: "sk123"})
	b.Initialize("")
	key, err := b.Authenticate(context.Background(), "alice", "pw").Wait()
	if err != nil || key != "sk123" {
		t.Fatalf("got (%q, %v)", key, err)
	}
	if b.State() != StateReadyForScrobbling {
		t.Fatalf("expected ReadyForScrobbling, got %v", b.State())
	}
}

func TestOperationsDroppedWhenNotReady(t *testing.T) {
	b := NewBackend(&fakeProvider{})
	_, err := b.UpdateNowPlaying(context.Background(), Track{Title: "x"}).Wait()
	if err != ErrNotReady {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestErrorCode9ClearsSessionAndWaitsForCredentials(t *testing.T) {
	b := NewBackend(&fakeProvider{nowPlayErr: &ProviderError{Code: 9}})
	b.Initialize("sk")
	if _, err := b.UpdateNowPlaying(context.Background(), Track{Title: "x"}).Wait(); err == nil {
		t.Fatalf("expected provider error to propagate")
	}
	if b.State() != StateWaitingForUserCredentials {
		t.Fatalf("expected WaitingForUserCredentials after code 9, got %v", b.State())
	}
}

func TestErrorCode10MovesToPermanentFatal(t *testing.T) {
	b := NewBackend(&fakeProvider{nowPlayErr: &ProviderError{Code: 10}})
	b.Initialize("sk")
	b.UpdateNowPlaying(context.Background(), Track{Title: "x"}).Wait()
	if b.State() != StatePermanentFatalError {
		t.Fatalf("expected PermanentFatalError, got %v", b.State())
	}
	// Subsequent operations are refused entirely.
	_, err := b.ScrobbleTrack(context.Background(), time.Now().Unix(), Track{}).Wait()
	if err != ErrNotReady {
		t.Fatalf("expected ErrNotReady after permanent fatal error, got %v", err)
	}
}

func TestErrorCode8MovesToTemporarilyUnavailable(t *testing.T) {
	b := NewBackend(&fakeProvider{nowPlayErr: &ProviderError{Code: 8}})
	b.Initialize("sk")
	b.UpdateNowPlaying(context.Background(), Track{Title: "x"}).Wait()
	if b.State() != StateTemporarilyUnavailable {
		t.Fatalf("expected TemporarilyUnavailable, got %v", b.State())
	}
	b.Recover()
	if b.State() != StateReadyForScrobbling {
		t.Fatalf("expected Recover to restore ReadyForScrobbling, got %v", b.State())
	}
}

func TestSignIsDeterministicAndOrderIndependent(t *testing.T) {
	c := NewLastFMClient("http://example.invalid", "key", "secret", "pmp-test/1.0")
	p1 := map[string]string{"b": "2", "a": "1", "api_key": "key"}
	p2 := map[string]string{"api_key": "key", "a": "1", "b": "2"}
	if c.sign(p1) != c.sign(p2) {
		t.Fatalf("expected signature to be independent of map iteration order")
	}
}
