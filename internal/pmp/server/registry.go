package server

// Connection registry and player state
// -------------------------------------
// Registry tracks every live session.Connection plus the domain services a
// session handler needs to act on: the shared queue, the hash registrar and
// equivalence relations, the history/statistics engine, the user directory,
// and the (simulated, per spec.md's explicit "audio decoding/output is out
// of scope" non-goal) playback state machine that PlayerState/TrackInfo/
// VolumeChanged messages are derived from.

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperquantum/pmp/internal/pmp/future"
	"github.com/hyperquantum/pmp/internal/pmp/hashid"
	"github.com/hyperquantum/pmp/internal/pmp/history"
	"github.com/hyperquantum/pmp/internal/pmp/protocol"
	"github.com/hyperquantum/pmp/internal/pmp/queue"
	"github.com/hyperquantum/pmp/internal/pmp/scrobble"
	"github.com/hyperquantum/pmp/internal/pmp/session"
	"github.com/hyperquantum/pmp/internal/pmp/user"
)

// Registry holds all live connections plus the domain services shared
// across them. Connection-set and player-state mutations and snapshot reads
// go through mu; the queue, registrar, relations, history engine and user
// registry each guard their own state with their own lock.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*session.Connection

	Queue        *queue.Queue
	Hashes       *hashid.Registrar
	Relations    *hashid.Relations
	History      *history.Engine
	Users        *user.Registry
	MaxQueueSize int

	player       playerState
	delayedTimer *time.Timer

	// ScrobbleBackend, if set (scrobbling is enabled and configured),
	// receives now-playing/scrobble-complete submissions driven by Play and
	// Skip (spec.md §4.7). ScrobbleRetry paces and recovers it.
	// TrackLookup resolves a queued hash id to the metadata a submission
	// needs; this tree has no tag store keyed by hash id (see DESIGN.md), so
	// the default lookup only reports a hash-derived title.
	ScrobbleBackend *scrobble.Backend
	ScrobbleRetry   *scrobble.RetryScheduler
	TrackLookup     func(hashID uint32) scrobble.Track
	scrobbleEnabled atomic.Bool

	// OnHistoryAppended, if set, is called after a completed track is
	// recorded to history (see Skip).
	OnHistoryAppended func(userID, hashID uint32)
}

func defaultTrackLookup(hashID uint32) scrobble.Track {
	return scrobble.Track{Title: fmt.Sprintf("hash-%d", hashID)}
}

// EnableScrobbling and DisableScrobbling toggle whether Play/Skip drive
// ScrobbleBackend at all (the CLI's "scrobbling enable|disable" verbs);
// ScrobblingEnabled reports the current setting. All three are no-ops with
// a false report when no backend is configured.
func (r *Registry) EnableScrobbling()  { r.scrobbleEnabled.Store(true) }
func (r *Registry) DisableScrobbling() { r.scrobbleEnabled.Store(false) }
func (r *Registry) ScrobblingEnabled() bool {
	return r.ScrobbleBackend != nil && r.scrobbleEnabled.Load()
}

// playerState is the server's view of playback: which queue entry is
// current, volume, running/paused/stopped, and an elapsed-time clock. It is
// a bookkeeping model only; nothing here decodes or outputs audio.
type playerState struct {
	state             protocol.PlayerState
	volume            uint8
	currentQueueID    uint32
	positionAt        time.Time // wall-clock instant positionMillis was last true
	positionMillis    int64
	indexationRunning bool
	delayedStart      bool
}

// NewRegistry creates an empty registry wired to the given domain services.
func NewRegistry(q *queue.Queue, hashes *hashid.Registrar, relations *hashid.Relations, hist *history.Engine, users *user.Registry, maxQueueSize int) *Registry {
	return &Registry{
		conns:        make(map[string]*session.Connection),
		Queue:        q,
		Hashes:       hashes,
		Relations:    relations,
		History:      hist,
		Users:        users,
		MaxQueueSize: maxQueueSize,
		player: playerState{
			state:      protocol.PlayerStateStopped,
			volume:     100,
			positionAt: time.Now(),
		},
		TrackLookup: defaultTrackLookup,
	}
}

// Add registers a new connection.
func (r *Registry) Add(c *session.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
}

// Remove drops a connection from the registry.
func (r *Registry) Remove(c *session.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c.ID())
}

// Count returns the number of tracked connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the currently tracked connections.
func (r *Registry) Snapshot() []*session.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Broadcast sends a standard-type message to every connected session in
// BinaryMode. Per-connection write errors are logged by the connection
// itself and do not abort the broadcast.
func (r *Registry) Broadcast(msgType protocol.ServerMessageType, payload []byte) {
	for _, c := range r.Snapshot() {
		if c.State() != session.BinaryMode {
			continue
		}
		if err := c.SendStandardMessage(uint16(msgType), payload); err != nil {
			c.Log().Warn("broadcast send failed", "type", uint16(msgType), "error", err)
		}
	}
}

// PlayerStateSnapshot returns the current PlayerStateMessage contents.
func (r *Registry) PlayerStateSnapshot() protocol.PlayerStateMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return protocol.PlayerStateMessage{
		State:          r.player.state,
		DelayedStart:   r.player.delayedStart,
		Volume:         r.player.volume,
		QueueLength:    uint32(r.Queue.Len()),
		CurrentQueueID: r.player.currentQueueID,
		PositionMillis: r.currentPositionMillisLocked(),
	}
}

func (r *Registry) currentPositionMillisLocked() int64 {
	if r.player.state != protocol.PlayerStatePlaying {
		return r.player.positionMillis
	}
	return r.player.positionMillis + time.Since(r.player.positionAt).Milliseconds()
}

// BroadcastPlayerState sends the current PlayerState to every connection.
func (r *Registry) BroadcastPlayerState() {
	r.Broadcast(protocol.ServerMsgPlayerState, r.PlayerStateSnapshot().Encode())
}

// SetVolume applies a new volume (silently ignoring out-of-range values,
// per spec.md §4.3) and broadcasts the change.
func (r *Registry) SetVolume(volume uint8) {
	msg := protocol.VolumeChangedMessage{Volume: volume}
	if !msg.IsApplicable() {
		return
	}
	r.mu.Lock()
	r.player.volume = volume
	r.mu.Unlock()
	r.Broadcast(protocol.ServerMsgVolumeChanged, msg.Encode())
}

// Play transitions playback to Playing, advancing the current queue entry
// to the head of the queue if nothing is current.
func (r *Registry) Play() {
	r.mu.Lock()
	if r.player.currentQueueID == 0 {
		if entries := r.Queue.Snapshot(); len(entries) > 0 {
			r.player.currentQueueID = entries[0].QueueID
		}
	}
	if r.player.state != protocol.PlayerStatePlaying {
		r.player.positionAt = time.Now()
	}
	r.player.state = protocol.PlayerStatePlaying
	current := r.player.currentQueueID
	r.mu.Unlock()
	r.BroadcastPlayerState()
	r.submitNowPlaying(current)
}

// submitNowPlaying tells the scrobble backend a track started playing, if
// one is wired and current names a real track.
func (r *Registry) submitNowPlaying(currentQueueID uint32) {
	if !r.ScrobblingEnabled() || currentQueueID == 0 {
		return
	}
	entry, ok := r.entryByID(currentQueueID)
	if !ok || entry.Type != queue.ItemTrack {
		return
	}
	track := r.TrackLookup(entry.HashID)
	r.driveScrobbleOutcome(r.ScrobbleBackend.UpdateNowPlaying(context.Background(), track))
}

func (r *Registry) entryByID(id uint32) (queue.Entry, bool) {
	for _, e := range r.Queue.Snapshot() {
		if e.QueueID == id {
			return e, true
		}
	}
	return queue.Entry{}, false
}

// driveScrobbleOutcome arms the retry scheduler once a submission's future
// resolves: a successful request resets the backoff, a failure that leaves
// the backend TemporarilyUnavailable schedules a recovery attempt.
func (r *Registry) driveScrobbleOutcome(f *future.Future[struct{}]) {
	if r.ScrobbleRetry == nil {
		return
	}
	f.Then(func(_ struct{}, err error) {
		if err == nil {
			r.ScrobbleRetry.Reset()
			return
		}
		if r.ScrobbleBackend.State() == scrobble.StateTemporarilyUnavailable {
			r.ScrobbleRetry.ScheduleRecovery(context.Background())
		}
	})
}

// ActivateDelayedStart arms a timer that begins playback after delay,
// marking the delayed-start flag in PlayerState meanwhile (spec.md §4.3's
// PlayerState top bit, protocol >= 20).
func (r *Registry) ActivateDelayedStart(delay time.Duration) {
	r.mu.Lock()
	if r.delayedTimer != nil {
		r.delayedTimer.Stop()
	}
	r.player.delayedStart = true
	r.delayedTimer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		r.player.delayedStart = false
		r.mu.Unlock()
		r.Play()
	})
	r.mu.Unlock()
	r.BroadcastPlayerState()
}

// CancelDelayedStart aborts a pending delayed start without starting
// playback.
func (r *Registry) CancelDelayedStart() {
	r.mu.Lock()
	if r.delayedTimer != nil {
		r.delayedTimer.Stop()
		r.delayedTimer = nil
	}
	r.player.delayedStart = false
	r.mu.Unlock()
	r.BroadcastPlayerState()
}

// Pause freezes the position clock and transitions to Paused.
func (r *Registry) Pause() {
	r.mu.Lock()
	r.player.positionMillis = r.currentPositionMillisLocked()
	r.player.state = protocol.PlayerStatePaused
	r.mu.Unlock()
	r.BroadcastPlayerState()
}

// Skip advances to the next queue entry (removing the current one) and
// resets the position clock. If the queue is now empty, playback stops.
//
// Since actual audio decoding/output is out of scope, there is no signal
// for "track genuinely finished" versus "user skipped early"; the advancing
// entry is recorded to history as fully heard, attributed to whichever
// session queued it (unattributed entries are not recorded).
func (r *Registry) Skip() {
	r.mu.Lock()
	var finished *queue.Entry
	if r.player.currentQueueID != 0 {
		if entries := r.Queue.Snapshot(); len(entries) > 0 && entries[0].QueueID == r.player.currentQueueID {
			e := entries[0]
			finished = &e
		}
		r.Queue.Remove(r.player.currentQueueID)
	}
	startedAt := r.player.positionAt
	var next uint32
	if entries := r.Queue.Snapshot(); len(entries) > 0 {
		next = entries[0].QueueID
	}
	r.player.currentQueueID = next
	r.player.positionMillis = 0
	r.player.positionAt = time.Now()
	if next == 0 {
		r.player.state = protocol.PlayerStateStopped
	}
	r.mu.Unlock()

	if finished != nil && finished.Type == queue.ItemTrack && finished.UserID != 0 && r.History != nil {
		if _, err := r.History.AddToHistory(finished.UserID, finished.HashID, startedAt, time.Now(), 1000, true); err == nil && r.OnHistoryAppended != nil {
			r.OnHistoryAppended(finished.UserID, finished.HashID)
		}
	}

	if finished != nil && finished.Type == queue.ItemTrack && r.ScrobblingEnabled() {
		track := r.TrackLookup(finished.HashID)
		r.driveScrobbleOutcome(r.ScrobbleBackend.ScrobbleTrack(context.Background(), startedAt.Unix(), track))
	}

	r.BroadcastPlayerState()
	r.submitNowPlaying(next)
}

// SetIndexationRunning records indexation progress and broadcasts the
// corresponding ServerEventNotification (spec.md §4.3).
func (r *Registry) SetIndexationRunning(running bool) {
	r.mu.Lock()
	r.player.indexationRunning = running
	r.mu.Unlock()
	code := protocol.ServerEventFullIndexationNotRunning
	if running {
		code = protocol.ServerEventFullIndexationRunning
	}
	msg := protocol.ServerEventNotificationMessage{Event: code}
	r.Broadcast(protocol.ServerMsgServerEventNotification, msg.Encode())
}

// InsertTrack resolves (indexType, index) against the current queue length,
// inserts a real-track entry for hashID attributed to userID (0 if the
// session is not logged in), and returns the resolved index and assigned
// queue id. Returns an error if the queue is already at capacity.
func (r *Registry) InsertTrack(indexType queue.IndexType, index int32, hashID, userID uint32) (int, uint32, error) {
	if r.MaxQueueSize > 0 && r.Queue.Len() >= r.MaxQueueSize {
		return 0, 0, errMaxQueueSizeExceeded
	}
	length := r.Queue.Len()
	resolved := queue.Resolve(indexType, int(index), length)
	idx, id := r.Queue.InsertAt(resolved, queue.Entry{Type: queue.ItemTrack, HashID: hashID, UserID: userID})
	return idx, id, nil
}

// InsertTrackAtFront is the unconditional head-insertion shortcut.
func (r *Registry) InsertTrackAtFront(hashID, userID uint32) (int, uint32, error) {
	return r.InsertTrack(queue.IndexNormal, 0, hashID, userID)
}

var errMaxQueueSizeExceeded = fmt.Errorf("maximum queue size exceeded")
