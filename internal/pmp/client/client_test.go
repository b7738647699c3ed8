package client

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hyperquantum/pmp/internal/pmp/hashid"
	"github.com/hyperquantum/pmp/internal/pmp/history"
	"github.com/hyperquantum/pmp/internal/pmp/protocol"
	"github.com/hyperquantum/pmp/internal/pmp/queue"
	"github.com/hyperquantum/pmp/internal/pmp/server"
	"github.com/hyperquantum/pmp/internal/pmp/user"
)

type stubHistoryStore struct{}

func (stubHistoryStore) AppendHistory(r history.Record) (uint32, error) { return 1, nil }
func (stubHistoryStore) HistoryRecordsAfter(id uint32, limit int) ([]history.Record, error) {
	return nil, nil
}
func (stubHistoryStore) HistoryRecordsForGroup(userID uint32, hashIDs []uint32) ([]history.Record, error) {
	return nil, nil
}
func (stubHistoryStore) SaveCachedStats(userID, hashID uint32, s history.Stats) error { return nil }
func (stubHistoryStore) DeleteCachedStats(userID, hashID uint32) error                { return nil }
func (stubHistoryStore) LoadCachedStats(userID, hashID uint32) (history.Stats, bool, error) {
	return history.Stats{}, false, nil
}
func (stubHistoryStore) LatestHistoryID() (uint32, error) { return 0, nil }
func (stubHistoryStore) GetMisc(key string) (string, bool, error) {
	return "", false, nil
}
func (stubHistoryStore) CompareAndSetMisc(key, oldVal, newVal string) (bool, error) {
	return true, nil
}

type stubUserStore struct{ users []user.User }

func (s stubUserStore) LoadUsers() ([]user.User, error)  { return s.users, nil }
func (stubUserStore) SaveUser(u user.User) (uint32, error) { return 1, nil }

type stubHashPersister struct{}

func (stubHashPersister) SaveHash(id uint32, h hashid.FileHash) error      { return nil }
func (stubHashPersister) LoadHashes() (map[uint32]hashid.FileHash, error) { return nil, nil }

const testUserSaltStr = "salt"

func newTestServerWithUser(t *testing.T, login string, password string) (*server.Server, hashid.FileHash) {
	t.Helper()
	hashes := hashid.NewRegistrar(stubHashPersister{})
	relations := hashid.NewRelations()
	hist := history.NewEngine(stubHistoryStore{}, relations)
	salt := []byte(testUserSaltStr)
	stored := user.HashPassword(salt, password)
	users := user.NewRegistry(stubUserStore{users: []user.User{
		{ID: 1, Login: login, Salt: salt, StoredPasswordHash: stored},
	}})
	s := server.New(server.Config{ListenAddr: ":0"}, hashes, relations, hist, users, prometheus.NewRegistry())
	if err := s.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })

	hash := hashid.FileHash{Length: 123}
	return s, hash
}

func TestDialAndLogin(t *testing.T) {
	s, _ := newTestServerWithUser(t, "alice", "hunter2")
	c, err := Dial(s.Addr().String(), "test-client")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	password := ComputeLoginPassword([]byte(testUserSaltStr), "hunter2")
	res, err := c.Login(ctx, "alice", password)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("login rejected: %v", res.Err)
	}
}

func TestLoginWrongPasswordFails(t *testing.T) {
	s, _ := newTestServerWithUser(t, "bob", "correct-horse")
	c, err := Dial(s.Addr().String(), "test-client")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	password := ComputeLoginPassword([]byte(testUserSaltStr), "wrong-password")
	res, err := c.Login(ctx, "bob", password)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Err == nil {
		t.Fatalf("expected login to be rejected")
	}
}

func TestInsertAndPlaybackCommands(t *testing.T) {
	s, hash := newTestServerWithUser(t, "carol", "pw")
	c, err := Dial(s.Addr().String(), "test-client")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ins, err := c.InsertHashAtIndex(ctx, hash, queue.IndexNormal, 0)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if ins.Err != nil {
		t.Fatalf("insert rejected: %v", ins.Err)
	}
	if ins.QueueID == 0 {
		t.Fatalf("expected nonzero queue id")
	}

	if err := c.Play(); err != nil {
		t.Fatalf("play: %v", err)
	}
	if err := c.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := c.SetVolume(50); err != nil {
		t.Fatalf("set volume: %v", err)
	}

	removeRes, err := c.RemoveQueueEntry(ctx, ins.QueueID)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removeRes.Err != nil {
		t.Fatalf("remove rejected: %v", removeRes.Err)
	}
}

func TestPlayerStateBroadcastReachesCallback(t *testing.T) {
	s, hash := newTestServerWithUser(t, "dave", "pw")
	c, err := Dial(s.Addr().String(), "test-client")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	received := make(chan protocol.PlayerStateMessage, 8)
	c.OnPlayerState = func(msg protocol.PlayerStateMessage) { received <- msg }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.InsertHashAtFront(ctx, hash); err != nil {
		t.Fatalf("insert: %v", err)
	}

	select {
	case msg := <-received:
		if msg.QueueLength == 0 {
			t.Fatalf("expected queue length > 0 after insert")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("never received player state broadcast")
	}
}

func TestSecondLoginIsRejectedAsAlreadyLoggedIn(t *testing.T) {
	s, _ := newTestServerWithUser(t, "frank", "pw")
	c, err := Dial(s.Addr().String(), "test-client")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	password := ComputeLoginPassword([]byte(testUserSaltStr), "pw")
	if res, err := c.Login(ctx, "frank", password); err != nil || res.Err != nil {
		t.Fatalf("first login failed: err=%v res.Err=%v", err, res.Err)
	}

	res, err := c.Login(ctx, "frank", password)
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if res.Err == nil {
		t.Fatalf("expected second login on the same connection to be rejected")
	}
}

func TestActivateAndCancelDelayedStartRoundTrip(t *testing.T) {
	s, hash := newTestServerWithUser(t, "grace", "pw")
	c, err := Dial(s.Addr().String(), "test-client")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if !c.SupportsDelayedStart() {
		t.Fatalf("expected negotiated version to support delayed start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.InsertHashAtFront(ctx, hash); err != nil {
		t.Fatalf("insert: %v", err)
	}

	res, err := c.ActivateDelayedStart(ctx, time.Hour)
	if err != nil {
		t.Fatalf("activate delayed start: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("activate delayed start rejected: %v", res.Err)
	}

	res, err = c.CancelDelayedStart(ctx)
	if err != nil {
		t.Fatalf("cancel delayed start: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("cancel delayed start rejected: %v", res.Err)
	}
}

func TestScrobblingControlWithoutBackendReportsNotSupported(t *testing.T) {
	s, _ := newTestServerWithUser(t, "heidi", "pw")
	c, err := Dial(s.Addr().String(), "test-client")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Scrobbling(ctx, protocol.ScrobblingStatus, "lastfm", "", "")
	if err != nil {
		t.Fatalf("scrobbling: %v", err)
	}
	if res.Err == nil {
		t.Fatalf("expected scrobbling status to be rejected when no backend is configured")
	}
}

func TestGetHistoryFragmentReturnsEmptyFragment(t *testing.T) {
	s, _ := newTestServerWithUser(t, "erin", "pw")
	c, err := Dial(s.Addr().String(), "test-client")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	frag, err := c.GetHistoryFragment(ctx, 0, 10)
	if err != nil {
		t.Fatalf("get history fragment: %v", err)
	}
	if len(frag.Records) != 0 {
		t.Fatalf("expected no records from the stub history store, got %d", len(frag.Records))
	}
}
