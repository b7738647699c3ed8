package client

// PMP client connection library
// ------------------------------
// Symmetric counterpart to internal/pmp/session.Connection: dial, perform
// the text+binary handshake as a client, then correlate outgoing requests
// (keyed by client_ref) against their replies via internal/pmp/future,
// while broadcast pushes (PlayerState, VolumeChanged, ServerEventNotification)
// are delivered through caller-set callbacks instead.

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hyperquantum/pmp/internal/pmp/future"
	"github.com/hyperquantum/pmp/internal/pmp/handshake"
	"github.com/hyperquantum/pmp/internal/pmp/hashid"
	"github.com/hyperquantum/pmp/internal/pmp/protocol"
	"github.com/hyperquantum/pmp/internal/pmp/queue"
	"github.com/hyperquantum/pmp/internal/pmp/user"
	"github.com/hyperquantum/pmp/internal/pmp/wire"
)

// DialTimeout bounds the initial TCP connect.
const DialTimeout = 5 * time.Second

// ProtocolVersion is the protocol version this client implements (spec.md
// §6: "current client protocol is 27"). Kept independent of the server
// package's own constant of the same value: client and server are separate
// programs that each only know their own side's version.
const ProtocolVersion = 27

// clientRefLimit mirrors internal/pmp/session's reserved client_ref
// boundary (spec.md §3 Lifecycle rules): the top bit must stay clear so a
// client_ref is never mistaken for a message-type word.
const clientRefLimit = 0x8000_0000

// ErrClientRefExhausted is returned once the connection has issued
// client_ref values up to the reserved boundary; the caller must
// reconnect.
var ErrClientRefExhausted = fmt.Errorf("client_ref exhausted: reconnect required")

// QueueInsertionResult is the outcome of InsertHashAtIndex/InsertHashAtFront.
type QueueInsertionResult struct {
	Err     error
	Index   uint32
	QueueID uint32
}

type pendingRequest struct {
	resultPromise *future.Promise[GenericResult]
	queuePromise  *future.Promise[QueueInsertionResult]
}

// GenericResult is the outcome of any request answered by a plain
// SimpleResultMessage (login, remove/move queue entry).
type GenericResult struct {
	Err     error
	IntData uint32
	Blob    []byte
}

// Client is one client-side connection to a PMP server.
type Client struct {
	conn   net.Conn
	reader *wire.Reader
	writer *wire.Writer

	negotiatedVersion int
	peerExtensions    []handshake.Extension

	refMu   sync.Mutex
	nextRef uint32

	mu           sync.Mutex
	pending      map[uint32]*pendingRequest
	historyQueue []*future.Promise[protocol.HistoryFragmentMessage]

	writeMu sync.Mutex
	wg      sync.WaitGroup

	// OnPlayerState, OnVolumeChanged and OnServerEvent, if set, are invoked
	// from the read-loop goroutine whenever the server pushes the
	// corresponding broadcast message; callers must not block in them.
	OnPlayerState   func(protocol.PlayerStateMessage)
	OnVolumeChanged func(protocol.VolumeChangedMessage)
	OnServerEvent   func(protocol.ServerEventNotificationMessage)
	OnTrackInfo     func(protocol.TrackInfoMessage)
	OnBulkTrackInfo func(protocol.BulkTrackInfoMessage)
}

// Dial connects to addr, performs the PMP handshake (discriminator, if
// non-empty, identifies this client in the text token exchange), and starts
// the read loop. The returned Client is ready for
// requests once Dial returns.
func Dial(addr, discriminator string) (*Client, error) {
	d := net.Dialer{Timeout: DialTimeout}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	result, br, err := handshake.ClientHandshake(conn, discriminator, ProtocolVersion, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}

	c := &Client{
		conn:              conn,
		reader:            wire.NewReader(br),
		writer:            wire.NewWriter(conn),
		negotiatedVersion: int(result.NegotiatedVersion),
		peerExtensions:    result.PeerExtensions,
		pending:           make(map[uint32]*pendingRequest),
		nextRef:           1,
	}
	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

// NegotiatedVersion returns the protocol version agreed during handshake.
func (c *Client) NegotiatedVersion() int { return c.negotiatedVersion }

// PeerSupportsExtension reports whether the server announced support for
// the named extension during handshake.
func (c *Client) PeerSupportsExtension(name string) (handshake.Extension, bool) {
	for _, e := range c.peerExtensions {
		if e.Name == name {
			return e, true
		}
	}
	return handshake.Extension{}, false
}

func (c *Client) nextClientRef() (uint32, error) {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	if c.nextRef >= clientRefLimit {
		return 0, ErrClientRefExhausted
	}
	ref := c.nextRef
	c.nextRef++
	return ref, nil
}

func (c *Client) sendStandard(msgType protocol.ClientMessageType, payload []byte) error {
	word, err := wire.EncodeStandardType(uint16(msgType))
	if err != nil {
		return err
	}
	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf, word)
	copy(buf[2:], payload)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writer.WriteFrame(buf)
}

// ComputeLoginPassword derives the Password bytes Login expects from a
// plaintext password and the account's stored salt: the stored-hash
// derivation followed by the session-salt step, using a zero-length
// session salt (see DESIGN.md's login session salt decision — there is no
// wire message delivering a fresh per-session salt, and spec.md disclaims
// cryptographic tamper-resistance as a goal).
func ComputeLoginPassword(userSalt []byte, plaintext string) []byte {
	return user.HashPasswordForSession(nil, user.HashPassword(userSalt, plaintext))
}

// await blocks until f resolves or ctx is cancelled first.
func await[T any](ctx context.Context, f *future.Future[T]) (T, error) {
	select {
	case <-f.Done():
		return f.Wait()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (c *Client) registerResult(ref uint32) (*future.Future[GenericResult], *pendingRequest) {
	f, p := future.New[GenericResult]()
	pr := &pendingRequest{resultPromise: p}
	c.mu.Lock()
	c.pending[ref] = pr
	c.mu.Unlock()
	return f, pr
}

func (c *Client) registerQueueInsertion(ref uint32) (*future.Future[QueueInsertionResult], *pendingRequest) {
	f, p := future.New[QueueInsertionResult]()
	pr := &pendingRequest{queuePromise: p}
	c.mu.Lock()
	c.pending[ref] = pr
	c.mu.Unlock()
	return f, pr
}

func (c *Client) takePending(ref uint32) (*pendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pr, ok := c.pending[ref]
	if ok {
		delete(c.pending, ref)
	}
	return pr, ok
}

func (c *Client) dropPending(ref uint32) {
	c.mu.Lock()
	delete(c.pending, ref)
	c.mu.Unlock()
}

// Login authenticates the connection. password should be produced by
// ComputeLoginPassword, not a plaintext password.
func (c *Client) Login(ctx context.Context, login string, password []byte) (GenericResult, error) {
	ref, err := c.nextClientRef()
	if err != nil {
		return GenericResult{}, err
	}
	f, _ := c.registerResult(ref)
	msg := protocol.LoginMessage{ClientRef: ref, Login: login, Password: password}
	if err := c.sendStandard(protocol.ClientMsgLogin, msg.Encode()); err != nil {
		c.dropPending(ref)
		return GenericResult{}, err
	}
	return await(ctx, f)
}

// InsertHashAtIndex requests hash be queued at the resolved (indexType,
// index) position.
func (c *Client) InsertHashAtIndex(ctx context.Context, hash hashid.FileHash, indexType queue.IndexType, index int32) (QueueInsertionResult, error) {
	ref, err := c.nextClientRef()
	if err != nil {
		return QueueInsertionResult{}, err
	}
	f, _ := c.registerQueueInsertion(ref)
	msg := protocol.InsertHashMessage{ClientRef: ref, Hash: hash, IndexType: indexType, Index: index}
	if err := c.sendStandard(protocol.ClientMsgInsertHashAtIndex, msg.Encode()); err != nil {
		c.dropPending(ref)
		return QueueInsertionResult{}, err
	}
	return await(ctx, f)
}

// InsertHashAtFront requests hash be queued at the head unconditionally.
func (c *Client) InsertHashAtFront(ctx context.Context, hash hashid.FileHash) (QueueInsertionResult, error) {
	ref, err := c.nextClientRef()
	if err != nil {
		return QueueInsertionResult{}, err
	}
	f, _ := c.registerQueueInsertion(ref)
	msg := protocol.InsertHashAtFrontMessage{ClientRef: ref, Hash: hash}
	if err := c.sendStandard(protocol.ClientMsgInsertHashAtFront, msg.Encode()); err != nil {
		c.dropPending(ref)
		return QueueInsertionResult{}, err
	}
	return await(ctx, f)
}

// RemoveQueueEntry requests removal of one queue entry by id.
func (c *Client) RemoveQueueEntry(ctx context.Context, queueID uint32) (GenericResult, error) {
	ref, err := c.nextClientRef()
	if err != nil {
		return GenericResult{}, err
	}
	f, _ := c.registerResult(ref)
	msg := protocol.RemoveQueueEntryMessage{ClientRef: ref, QueueID: queueID}
	if err := c.sendStandard(protocol.ClientMsgRemoveQueueEntry, msg.Encode()); err != nil {
		c.dropPending(ref)
		return GenericResult{}, err
	}
	return await(ctx, f)
}

// MoveQueueEntry requests a relative repositioning of one queue entry.
func (c *Client) MoveQueueEntry(ctx context.Context, queueID uint32, delta int32) (GenericResult, error) {
	ref, err := c.nextClientRef()
	if err != nil {
		return GenericResult{}, err
	}
	f, _ := c.registerResult(ref)
	msg := protocol.MoveQueueEntryMessage{ClientRef: ref, QueueID: queueID, Delta: delta}
	if err := c.sendStandard(protocol.ClientMsgMoveQueueEntry, msg.Encode()); err != nil {
		c.dropPending(ref)
		return GenericResult{}, err
	}
	return await(ctx, f)
}

// GetPlayerState requests an out-of-band PlayerState push; the reply
// arrives asynchronously through OnPlayerState, not as a correlated
// response (the wire message carries no client_ref).
func (c *Client) GetPlayerState() error {
	return c.sendStandard(protocol.ClientMsgGetPlayerState, nil)
}

// SetVolume requests a new volume. The server confirms via a broadcast
// VolumeChangedMessage (OnVolumeChanged), not a reply.
func (c *Client) SetVolume(volume uint8) error {
	msg := protocol.SetVolumeMessage{Volume: volume}
	return c.sendStandard(protocol.ClientMsgSetVolume, msg.Encode())
}

// Play, Pause and Skip send their empty-payload playback commands; none
// expect a direct reply.
func (c *Client) Play() error  { return c.sendStandard(protocol.ClientMsgPlay, nil) }
func (c *Client) Pause() error { return c.sendStandard(protocol.ClientMsgPause, nil) }
func (c *Client) Skip() error  { return c.sendStandard(protocol.ClientMsgSkip, nil) }

// SupportsDelayedStart reports whether the negotiated protocol version
// understands ActivateDelayedStart/CancelDelayedStart (spec.md §4.1's
// capability table; testable property S3).
func (c *Client) SupportsDelayedStart() bool {
	return c.negotiatedVersion >= protocol.ProtocolVersion20
}

// ActivateDelayedStart requests playback begin automatically after delay.
// On a connection below ProtocolVersion20 the request is still sent (the
// server's capability gate is authoritative), and fails synchronously with
// ServerTooOld; callers should check SupportsDelayedStart first to avoid
// the round trip.
func (c *Client) ActivateDelayedStart(ctx context.Context, delay time.Duration) (GenericResult, error) {
	ref, err := c.nextClientRef()
	if err != nil {
		return GenericResult{}, err
	}
	f, _ := c.registerResult(ref)
	msg := protocol.ActivateDelayedStartMessage{ClientRef: ref, DelayMillis: delay.Milliseconds()}
	if err := c.sendStandard(protocol.ClientMsgActivateDelayedStart, msg.Encode()); err != nil {
		c.dropPending(ref)
		return GenericResult{}, err
	}
	return await(ctx, f)
}

// CancelDelayedStart aborts a pending delayed start without starting
// playback.
func (c *Client) CancelDelayedStart(ctx context.Context) (GenericResult, error) {
	ref, err := c.nextClientRef()
	if err != nil {
		return GenericResult{}, err
	}
	f, _ := c.registerResult(ref)
	msg := protocol.CancelDelayedStartMessage{ClientRef: ref}
	if err := c.sendStandard(protocol.ClientMsgCancelDelayedStart, msg.Encode()); err != nil {
		c.dropPending(ref)
		return GenericResult{}, err
	}
	return await(ctx, f)
}

// Scrobbling drives the server's scrobbling backend: enable/disable toggle
// whether Play/Skip submit at all, status reports the backend's current
// scrobble.State (as ScrobblingStatusResult.State) and provider name (in
// Blob), and authenticate exchanges username/password for a session key.
func (c *Client) Scrobbling(ctx context.Context, action protocol.ScrobblingAction, provider, username, password string) (GenericResult, error) {
	ref, err := c.nextClientRef()
	if err != nil {
		return GenericResult{}, err
	}
	f, _ := c.registerResult(ref)
	msg := protocol.ScrobblingControlMessage{ClientRef: ref, Action: action, Provider: provider, Username: username, Password: password}
	if err := c.sendStandard(protocol.ClientMsgScrobblingControl, msg.Encode()); err != nil {
		c.dropPending(ref)
		return GenericResult{}, err
	}
	return await(ctx, f)
}

// GetHistoryFragment requests up to limit history records starting after
// startID. The reply has no client_ref of its own, so it is correlated
// FIFO against the order requests were sent on this connection (the
// server processes one client's requests strictly in order).
func (c *Client) GetHistoryFragment(ctx context.Context, startID, limit uint32) (protocol.HistoryFragmentMessage, error) {
	ref, err := c.nextClientRef()
	if err != nil {
		return protocol.HistoryFragmentMessage{}, err
	}
	f, p := future.New[protocol.HistoryFragmentMessage]()
	c.mu.Lock()
	c.historyQueue = append(c.historyQueue, p)
	c.mu.Unlock()
	msg := protocol.GetHistoryFragmentMessage{ClientRef: ref, StartID: startID, Limit: limit}
	if err := c.sendStandard(protocol.ClientMsgGetHistoryFragment, msg.Encode()); err != nil {
		return protocol.HistoryFragmentMessage{}, err
	}
	return await(ctx, f)
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		payload, err := c.reader.ReadFrame()
		if err != nil {
			c.failAllPending(fmt.Errorf("connection closed: %w", err))
			return
		}
		kind, standardType, _, _, body, err := protocol.DecodeFrame(payload)
		if err != nil || kind != wire.KindStandard {
			c.reader.ReleaseFrame(payload)
			continue
		}
		c.dispatch(protocol.ServerMessageType(standardType), body)
		c.reader.ReleaseFrame(payload)
	}
}

func (c *Client) dispatch(msgType protocol.ServerMessageType, body []byte) {
	switch msgType {
	case protocol.ServerMsgPlayerState:
		msg, err := protocol.DecodePlayerStateMessage(body)
		if err == nil && c.OnPlayerState != nil {
			c.OnPlayerState(msg)
		}

	case protocol.ServerMsgVolumeChanged:
		msg, err := protocol.DecodeVolumeChangedMessage(body)
		if err == nil && msg.IsApplicable() && c.OnVolumeChanged != nil {
			c.OnVolumeChanged(msg)
		}

	case protocol.ServerMsgTrackInfo:
		msg, err := protocol.DecodeTrackInfoMessage(body, c.negotiatedVersion)
		if err == nil && c.OnTrackInfo != nil {
			c.OnTrackInfo(msg)
		}

	case protocol.ServerMsgBulkTrackInfo:
		msg, err := protocol.DecodeBulkTrackInfoMessage(body, c.negotiatedVersion)
		if err == nil && c.OnBulkTrackInfo != nil {
			c.OnBulkTrackInfo(msg)
		}

	case protocol.ServerMsgQueueEntryAdditionConfirmation:
		msg, err := protocol.DecodeQueueEntryAdditionConfirmationMessage(body)
		if err != nil {
			return
		}
		if pr, ok := c.takePending(msg.ClientRef); ok && pr.queuePromise != nil {
			pr.queuePromise.Resolve(QueueInsertionResult{Index: msg.Index, QueueID: msg.QueueID})
		}

	case protocol.ServerMsgSimpleResult:
		msg, err := protocol.DecodeSimpleResultMessage(body)
		if err != nil {
			return
		}
		pr, ok := c.takePending(msg.ClientRef)
		if !ok {
			return
		}
		switch {
		case pr.resultPromise != nil:
			var resErr error
			if !msg.ErrorCode.IsSuccess() {
				resErr = fmt.Errorf("pmp: %s", msg.ErrorCode)
			}
			pr.resultPromise.Resolve(GenericResult{Err: resErr, IntData: msg.IntData, Blob: msg.BlobData})
		case pr.queuePromise != nil:
			// Down-converted queue-insertion reply (pre-confirmation-message
			// semantics, spec.md §4.3): int_data carries the assigned queue id.
			if msg.ErrorCode.IsSuccess() {
				pr.queuePromise.Resolve(QueueInsertionResult{QueueID: msg.IntData})
			} else {
				pr.queuePromise.Resolve(QueueInsertionResult{Err: fmt.Errorf("pmp: %s", msg.ErrorCode)})
			}
		}

	case protocol.ServerMsgHistoryFragment:
		msg, err := protocol.DecodeHistoryFragmentMessage(body)
		if err != nil {
			return
		}
		c.mu.Lock()
		var p *future.Promise[protocol.HistoryFragmentMessage]
		if len(c.historyQueue) > 0 {
			p = c.historyQueue[0]
			c.historyQueue = c.historyQueue[1:]
		}
		c.mu.Unlock()
		if p != nil {
			p.Resolve(msg)
		}

	case protocol.ServerMsgServerEventNotification:
		msg, err := protocol.DecodeServerEventNotificationMessage(body)
		if err == nil && c.OnServerEvent != nil {
			c.OnServerEvent(msg)
		}

	case protocol.ServerMsgServerExtensions:
		if msg, err := protocol.DecodeServerExtensionsMessage(body); err == nil {
			exts := make([]handshake.Extension, len(msg.Extensions))
			for i, e := range msg.Extensions {
				exts[i] = handshake.Extension{ID: e.ID, Version: e.Version, Name: e.Name}
			}
			c.peerExtensions = exts
		}

	case protocol.ServerMsgKeepAlive:
		_ = c.sendStandard(protocol.ClientMsgKeepAlive, nil)
	}
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint32]*pendingRequest)
	historyQueue := c.historyQueue
	c.historyQueue = nil
	c.mu.Unlock()

	for _, pr := range pending {
		if pr.resultPromise != nil {
			pr.resultPromise.Reject(err)
		}
		if pr.queuePromise != nil {
			pr.queuePromise.Reject(err)
		}
	}
	for _, p := range historyQueue {
		p.Reject(err)
	}
}

// Close tears down the connection and waits for the read loop to exit.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.wg.Wait()
	return err
}
