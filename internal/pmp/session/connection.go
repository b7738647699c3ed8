package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperquantum/pmp/internal/logger"
	"github.com/hyperquantum/pmp/internal/pmp/handshake"
	"github.com/hyperquantum/pmp/internal/pmp/protocol"
	"github.com/hyperquantum/pmp/internal/pmp/protoerr"
	"github.com/hyperquantum/pmp/internal/pmp/wire"
)

var connCounter uint64

func nextID() string { return fmt.Sprintf("s%06d", atomic.AddUint64(&connCounter, 1)) }

// Connection is one client's server-side session: wire framing over a
// net.Conn, the lifecycle state machine, client_ref allocation, the
// pending-result-handler table, and keep-alive. It owns the read loop;
// callers install a *protocol.Dispatcher to receive decoded client
// messages and, optionally, a callback for extension messages.
type Connection struct {
	id      string
	netConn net.Conn
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reader *wire.Reader
	writer *wire.Writer
	idle   *idleWatcher

	mu                sync.Mutex
	state             State
	negotiatedVersion int
	loggedInUserID    uint32
	loggedIn          bool
	peerExtensions    []handshake.Extension
	pending           map[uint32]*ResultHandler

	refs *clientRefAllocator

	Dispatcher         *protocol.Dispatcher
	OnExtensionMessage func(extensionID uint8, subType uint8, body []byte) error
}

// NewConnection wraps netConn as a fresh, NotConnected session. Callers
// drive the handshake themselves (see internal/pmp/handshake), then call
// EnterBinaryMode once it completes, then StartReadLoop.
func NewConnection(netConn net.Conn) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	id := nextID()
	c := &Connection{
		id:      id,
		netConn: netConn,
		log:     logger.WithConn(logger.Logger(), id, netConn.RemoteAddr().String()),
		ctx:     ctx,
		cancel:  cancel,
		reader:  wire.NewReader(netConn),
		writer:  wire.NewWriter(netConn),
		state:   NotConnected,
		pending: make(map[uint32]*ResultHandler),
		refs:    newClientRefAllocator(),
	}
	c.idle = newIdleWatcher(c.sendKeepAliveProbe, c.onKeepAliveTimeout)
	return c
}

// UseReader replaces the frame reader with one wrapping r. Callers use this
// after a text-mode handshake to continue reading from the handshake's
// buffered reader instead of the raw net.Conn, so no bytes read ahead during
// the handshake are lost.
func (c *Connection) UseReader(r io.Reader) {
	c.reader = wire.NewReader(r)
}

// ID returns the session's logical connection id (for logging).
func (c *Connection) ID() string { return c.id }

// Ctx returns the connection's lifetime context, done once Close has been
// called (or the read loop has torn the connection down on its own).
func (c *Connection) Ctx() context.Context { return c.ctx }

// Log returns the session's connection-scoped logger.
func (c *Connection) Log() *slog.Logger { return c.log }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState transitions the session, rejecting illegal transitions per the
// state table in state.go.
func (c *Connection) SetState(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !CanTransition(c.state, to) {
		return fmt.Errorf("illegal state transition %s -> %s", c.state, to)
	}
	c.log.Debug("state transition", "from", c.state.String(), "to", to.String())
	c.state = to
	return nil
}

// EnterBinaryMode records the negotiated protocol version and peer
// extensions from a completed handshake.Result and moves the session into
// BinaryMode.
func (c *Connection) EnterBinaryMode(result *handshake.Result) error {
	c.mu.Lock()
	c.negotiatedVersion = int(result.NegotiatedVersion)
	c.peerExtensions = result.PeerExtensions
	c.mu.Unlock()
	return c.SetState(BinaryMode)
}

// NegotiatedVersion returns the protocol version agreed during handshake.
func (c *Connection) NegotiatedVersion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.negotiatedVersion
}

// PeerSupportsExtension reports whether the connected peer announced
// support for the named extension.
func (c *Connection) PeerSupportsExtension(name string) (handshake.Extension, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.peerExtensions {
		if e.Name == name {
			return e, true
		}
	}
	return handshake.Extension{}, false
}

// SetLoggedInUser records the authenticated user for this session.
func (c *Connection) SetLoggedInUser(userID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedInUserID = userID
	c.loggedIn = true
}

// LoggedInUser returns the authenticated user id, if any.
func (c *Connection) LoggedInUser() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedInUserID, c.loggedIn
}

// AllocateClientRef hands out the next client_ref for an outgoing request.
// Once the allocator is exhausted, the session is moved into Aborting (when
// the state table allows that step from its current state) and
// ErrClientRefExhausted is returned; the caller must then disconnect with
// ConnectionToServerBroken.
func (c *Connection) AllocateClientRef() (uint32, error) {
	ref, err := c.refs.allocate()
	if err != nil {
		_ = c.SetState(Aborting)
		return 0, err
	}
	return ref, nil
}

// RegisterPending associates a ResultHandler with ref so a later reply can
// be correlated and completed.
func (c *Connection) RegisterPending(ref uint32, h *ResultHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[ref] = h
}

// takePending removes and returns the handler for ref, if any.
func (c *Connection) takePending(ref uint32) (*ResultHandler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.pending[ref]
	if ok {
		delete(c.pending, ref)
	}
	return h, ok
}

// peekPending returns the handler for ref without removing it, for
// streaming replies that may receive further fragments.
func (c *Connection) peekPending(ref uint32) (*ResultHandler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.pending[ref]
	return h, ok
}

// CompleteResult finishes a generic (error_code, int_data, blob_data)
// reply, removing the handler. Reports whether a handler was registered.
func (c *Connection) CompleteResult(ref uint32, code protoerr.Code, intData uint32, blob []byte) bool {
	h, ok := c.takePending(ref)
	if !ok {
		return false
	}
	h.CompleteGeneric(code, intData, blob)
	return true
}

// CompleteQueueConfirmation finishes a queue-insertion reply's
// (index, queue_id) half, removing the handler. A handler without a
// queue-confirmation callback gets a generic NoError result whose int_data
// is the queue id.
func (c *Connection) CompleteQueueConfirmation(ref, index, queueID uint32) bool {
	h, ok := c.takePending(ref)
	if !ok {
		return false
	}
	if !h.CompleteQueueConfirmation(index, queueID) {
		h.CompleteGeneric(protoerr.NoError, queueID, nil)
	}
	return true
}

// DeliverFragment routes one intermediate streaming payload to the
// still-pending handler for ref, without completing it.
func (c *Connection) DeliverFragment(ref uint32, payload any) bool {
	h, ok := c.peekPending(ref)
	if !ok {
		return false
	}
	return h.Fragment(payload)
}

// CompleteExtensionResult finishes an extension-result reply. A handler
// without an extension-result callback down-converts to UnknownError
// (spec.md §4.2).
func (c *Connection) CompleteExtensionResult(ref uint32, extensionID uint8, resultCode uint8) bool {
	h, ok := c.takePending(ref)
	if !ok {
		return false
	}
	if h.OnExtensionResult != nil {
		h.OnExtensionResult(extensionID, resultCode)
	} else {
		h.CompleteGeneric(protoerr.UnknownError, 0, nil)
	}
	return true
}

// failAllPending completes every outstanding handler with
// ConnectionToServerBroken, used on teardown.
func (c *Connection) failAllPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint32]*ResultHandler)
	c.mu.Unlock()
	for _, h := range pending {
		h.Fail()
	}
}

// SendStandardMessage frames and writes payload under a standard
// ServerMessageType/ClientMessageType word.
func (c *Connection) SendStandardMessage(msgType uint16, payload []byte) error {
	word, err := wire.EncodeStandardType(msgType)
	if err != nil {
		return err
	}
	return c.sendFrame(word, payload)
}

// SendExtensionMessage frames and writes payload under an extension
// (id, subtype) message-type word.
func (c *Connection) SendExtensionMessage(extensionID, subType uint8, payload []byte) error {
	return c.sendFrame(wire.EncodeExtensionType(extensionID, subType), payload)
}

func (c *Connection) sendFrame(word uint16, payload []byte) error {
	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf, word)
	copy(buf[2:], payload)
	return c.writer.WriteFrame(buf)
}

func (c *Connection) sendKeepAliveProbe() error {
	return c.SendStandardMessage(uint16(protocol.ServerMsgKeepAlive), nil)
}

func (c *Connection) onKeepAliveTimeout() {
	c.log.Warn("keep-alive reply deadline exceeded, tearing down connection")
	// Close waits for this goroutine, so it must run on another one.
	go func() { _ = c.Close() }()
}

// StartReadLoop launches the frame-read/dispatch goroutine and the
// keep-alive watchdog. The session must already be in BinaryMode.
func (c *Connection) StartReadLoop() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.idle.run(c.ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
}

func (c *Connection) readLoop() {
	for {
		payload, err := c.reader.ReadFrame()
		if err != nil {
			c.log.Debug("read loop ended", "error", err)
			// Close waits for this goroutine, so it must run on another one.
			go func() { _ = c.Close() }()
			return
		}
		c.idle.touch()

		kind, standardType, extensionID, subType, body, err := protocol.DecodeFrame(payload)
		if err != nil {
			c.log.Warn("malformed frame", "error", err)
			c.reader.ReleaseFrame(payload)
			continue
		}

		if kind == wire.KindStandard {
			if c.Dispatcher == nil {
				c.reader.ReleaseFrame(payload)
				continue
			}
			if err := c.Dispatcher.Dispatch(protocol.ClientMessageType(standardType), body); err != nil {
				c.log.Error("dispatch failed", "type", standardType, "error", err)
			}
			c.reader.ReleaseFrame(payload)
			continue
		}

		if c.OnExtensionMessage != nil {
			if err := c.OnExtensionMessage(extensionID, subType, body); err != nil {
				c.log.Error("extension dispatch failed", "extension_id", extensionID, "error", err)
			}
		}
		c.reader.ReleaseFrame(payload)
	}
}

// Close tears the connection down: cancels the context, closes the socket,
// waits for the read/keep-alive goroutines to exit, fails every pending
// handler, and returns to NotConnected.
func (c *Connection) Close() error {
	c.cancel()
	_ = c.netConn.Close()
	c.wg.Wait()
	c.failAllPending()
	c.mu.Lock()
	if c.state != Disconnecting && c.state != Aborting {
		c.state = Aborting
	}
	c.state = NotConnected
	c.mu.Unlock()
	return nil
}

// IdleTimeout and ReplyTimeout expose the keep-alive constants for tests
// and documentation; they are not configurable per spec.md §4.1.
func IdleTimeout() time.Duration  { return idleDuration }
func ReplyTimeout() time.Duration { return replyDuration }
