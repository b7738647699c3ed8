package server

// PMP server listener
// --------------------
// Provides the TCP listener + accept loop + per-connection handshake and
// dispatcher wiring. Each accepted connection performs the text+binary
// handshake (internal/pmp/handshake), is handed to a Registry-backed
// protocol.Dispatcher, and is tracked until close.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hyperquantum/pmp/internal/logger"
	"github.com/hyperquantum/pmp/internal/pmp/hashid"
	"github.com/hyperquantum/pmp/internal/pmp/handshake"
	"github.com/hyperquantum/pmp/internal/pmp/history"
	"github.com/hyperquantum/pmp/internal/pmp/protoerr"
	"github.com/hyperquantum/pmp/internal/pmp/protocol"
	"github.com/hyperquantum/pmp/internal/pmp/queue"
	"github.com/hyperquantum/pmp/internal/pmp/scrobble"
	"github.com/hyperquantum/pmp/internal/pmp/server/hooks"
	"github.com/hyperquantum/pmp/internal/pmp/session"
	"github.com/hyperquantum/pmp/internal/pmp/user"
)

// lastFMAPIURL is the Last.fm API endpoint the bundled provider talks to.
const lastFMAPIURL = "https://ws.audioscrobbler.com/2.0/"

// scrobbleRetryMinPeriod is the minimum interval of the retry scheduler's
// rate limiter, which paces callers of RetryScheduler.Wait.
const scrobbleRetryMinPeriod = 1 * time.Second

// scrobbleAuthTimeout bounds a synchronous authenticate request; the Last.fm
// API is the slowest dependency a client request can trigger.
const scrobbleAuthTimeout = 10 * time.Second

// ClientProtocolVersion is the server's own announced protocol version
// (spec.md §6: "current client protocol is 27").
const ClientProtocolVersion = 27

// Config holds server configuration knobs.
type Config struct {
	ListenAddr    string
	ServerCaption string
	MaxQueueSize  int

	HookScripts     []string // event_type=script_path pairs
	HookWebhooks    []string // event_type=webhook_url pairs
	HookStdioFormat string   // "json", "env", or "" (disabled)
	HookTimeout     string
	HookConcurrency int

	ScrobblingEnabled bool
	LastFMAPIKey      string
	LastFMAPISecret   string
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":23432"
	}
	if c.ServerCaption == "" {
		c.ServerCaption = "PMP server"
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = 1000
	}
}

// Server encapsulates the listener and its active connections.
type Server struct {
	cfg Config
	log *slog.Logger

	instanceID  uuid.UUID
	reg         *Registry
	hookManager *hooks.HookManager
	metrics     *serverMetrics
	cacheFixer  *history.CacheFixer

	mu          sync.RWMutex
	l           net.Listener
	acceptingWg sync.WaitGroup
	bgCancel    context.CancelFunc
	closing     bool
}

type serverMetrics struct {
	connections   prometheus.Gauge
	queueDepth    prometheus.Gauge
	historyAppend prometheus.Counter
	cacheFixerLag prometheus.Gauge
}

func newServerMetrics() *serverMetrics {
	return &serverMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pmp_server_connections",
			Help: "Number of currently connected sessions.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pmp_server_queue_depth",
			Help: "Number of entries currently in the playback queue.",
		}),
		historyAppend: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pmp_server_history_appended_total",
			Help: "Total number of history records appended.",
		}),
		cacheFixerLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pmp_server_cache_fixer_lag",
			Help: "Difference between the latest history id and the cache-fixer bookmark.",
		}),
	}
}

// New creates a new, unstarted Server wired to the given domain services.
// Metrics register themselves on reg (pass prometheus.DefaultRegisterer
// unless the caller maintains its own registry).
func New(cfg Config, hashes *hashid.Registrar, relations *hashid.Relations, hist *history.Engine, users *user.Registry, reg prometheus.Registerer) *Server {
	cfg.applyDefaults()
	registry := NewRegistry(queue.New(), hashes, relations, hist, users, cfg.MaxQueueSize)
	metrics := newServerMetrics()
	if reg != nil {
		reg.MustRegister(metrics.connections, metrics.queueDepth, metrics.historyAppend, metrics.cacheFixerLag)
	}
	s := &Server{
		cfg:         cfg,
		log:         logger.Logger().With("component", "pmp_server"),
		instanceID:  uuid.New(),
		reg:         registry,
		hookManager: initializeHookManager(cfg, logger.Logger()),
		metrics:     metrics,
		cacheFixer:  history.NewCacheFixer(hist),
	}
	registry.OnHistoryAppended = func(userID, hashID uint32) {
		metrics.historyAppend.Inc()
		s.triggerHookEvent(hooks.EventHistoryAppended, "", userID, map[string]interface{}{"hash_id": hashID})
	}

	if cfg.ScrobblingEnabled {
		provider := scrobble.NewLastFMClient(lastFMAPIURL, cfg.LastFMAPIKey, cfg.LastFMAPISecret, "pmp-server")
		backend := scrobble.NewBackend(provider)
		backend.Initialize("")
		registry.ScrobbleBackend = backend
		registry.ScrobbleRetry = scrobble.NewRetryScheduler(backend, scrobbleRetryMinPeriod)
		registry.EnableScrobbling()
	}
	return s
}

// InstanceID returns the UUID identifying this server process; Start logs
// it, and no wire message carries it.
func (s *Server) InstanceID() uuid.UUID { return s.instanceID }

// Registry exposes the connection/domain-service registry, mainly for tests
// and for the indexation/scrobbling subsystems to drive broadcasts.
func (s *Server) Registry() *Registry { return s.reg }

// Start begins listening and launches the accept loop.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.l != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	s.l = ln
	s.closing = false
	s.bgCancel = bgCancel
	s.mu.Unlock()

	s.log.Info("pmp server listening", "addr", ln.Addr().String(), "instance_id", s.instanceID.String())
	s.acceptingWg.Add(1)
	go s.acceptLoop()

	if s.cacheFixer != nil {
		go func() {
			if err := s.cacheFixer.Run(bgCtx); err != nil && bgCtx.Err() == nil {
				s.log.Warn("cache fixer stopped", "error", err)
			}
		}()
	}
	go s.reportMetricsPeriodically(bgCtx)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.acceptingWg.Done()
	for {
		s.mu.RLock()
		l := s.l
		s.mu.RUnlock()
		if l == nil {
			return
		}
		raw, err := l.Accept()
		if err != nil {
			s.mu.RLock()
			closing := s.closing
			s.mu.RUnlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept error", "error", err)
			return
		}
		go s.handleConn(raw)
	}
}

// handleConn performs the handshake, wires the dispatcher, and runs the
// connection until it is closed.
func (s *Server) handleConn(raw net.Conn) {
	c := session.NewConnection(raw)
	_ = c.SetState(session.Connecting)
	_ = c.SetState(session.Handshake)
	_ = c.SetState(session.TextMode)
	_ = c.SetState(session.BinaryHandshake)

	result, br, err := handshake.ServerHandshake(raw, s.cfg.ServerCaption, ClientProtocolVersion, nil)
	if err != nil {
		c.Log().Warn("handshake failed", "error", err)
		_ = c.SetState(session.HandshakeFailure)
		_ = raw.Close()
		return
	}
	c.UseReader(br)
	if err := c.EnterBinaryMode(result); err != nil {
		c.Log().Warn("enter binary mode failed", "error", err)
		_ = raw.Close()
		return
	}

	c.Dispatcher = s.newDispatcher(c)
	c.OnExtensionMessage = func(extensionID, subType uint8, body []byte) error {
		c.Log().Debug("unhandled extension message", "extension_id", extensionID, "subtype", subType, "len", len(body))
		return nil
	}

	s.reg.Add(c)
	s.metrics.connections.Inc()
	s.triggerHookEvent(hooks.EventClientConnected, c.ID(), 0, map[string]interface{}{
		"remote_addr": raw.RemoteAddr().String(),
	})

	c.StartReadLoop()
	<-c.Ctx().Done()

	s.reg.Remove(c)
	s.metrics.connections.Dec()
	s.triggerHookEvent(hooks.EventClientDisconnected, c.ID(), 0, nil)
}

// newDispatcher builds a protocol.Dispatcher bound to c and backed by the
// server's registry and domain services.
func (s *Server) newDispatcher(c *session.Connection) *protocol.Dispatcher {
	d := protocol.NewDispatcher(c.NegotiatedVersion(), c.Log())

	d.OnLogin = func(msg *protocol.LoginMessage) error {
		if _, ok := c.LoggedInUser(); ok {
			return s.replySimple(c, msg.ClientRef, protoerr.AlreadyLoggedIn, 0, nil)
		}
		u, ok := s.reg.Users.ByLogin(msg.Login)
		if !ok {
			return s.replySimple(c, msg.ClientRef, protoerr.UserLoginAuthenticationFailed, 0, nil)
		}
		// Open question decision (see DESIGN.md): this implementation has
		// no dedicated wire message to deliver a fresh per-session salt, so
		// the session hash is computed over an empty salt (equivalent to
		// SHA256(stored_hash)); spec.md §1 explicitly excludes
		// cryptographically strong/tamper-resistant hashing as a goal.
		if !user.VerifySessionHash(nil, u.StoredPasswordHash, msg.Password) {
			return s.replySimple(c, msg.ClientRef, protoerr.UserLoginAuthenticationFailed, 0, nil)
		}
		c.SetLoggedInUser(u.ID)
		s.triggerHookEvent(hooks.EventUserLoggedIn, c.ID(), u.ID, map[string]interface{}{"login": u.Login})
		return s.replySimple(c, msg.ClientRef, protoerr.NoError, u.ID, nil)
	}

	d.OnInsertHashAtIndex = func(msg *protocol.InsertHashMessage) error {
		return s.handleInsert(c, msg.ClientRef, msg.Hash, msg.IndexType, msg.Index)
	}
	d.OnInsertHashAtFront = func(msg *protocol.InsertHashAtFrontMessage) error {
		return s.handleInsert(c, msg.ClientRef, msg.Hash, queue.IndexNormal, 0)
	}

	d.OnRemoveQueueEntry = func(msg *protocol.RemoveQueueEntryMessage) error {
		if !s.reg.Queue.Remove(msg.QueueID) {
			return s.replySimple(c, msg.ClientRef, protoerr.QueueIdNotFound, 0, nil)
		}
		s.metrics.queueDepth.Set(float64(s.reg.Queue.Len()))
		s.triggerHookEvent(hooks.EventQueueEntryRemoved, c.ID(), 0, map[string]interface{}{"queue_id": msg.QueueID})
		s.reg.BroadcastPlayerState()
		return s.replySimple(c, msg.ClientRef, protoerr.NoError, 0, nil)
	}

	d.OnMoveQueueEntry = func(msg *protocol.MoveQueueEntryMessage) error {
		if !s.reg.Queue.Move(msg.QueueID, int(msg.Delta)) {
			return s.replySimple(c, msg.ClientRef, protoerr.QueueIdNotFound, 0, nil)
		}
		s.triggerHookEvent(hooks.EventQueueEntryMoved, c.ID(), 0, map[string]interface{}{"queue_id": msg.QueueID, "delta": msg.Delta})
		return s.replySimple(c, msg.ClientRef, protoerr.NoError, 0, nil)
	}

	d.OnGetPlayerState = func() error {
		return c.SendStandardMessage(uint16(protocol.ServerMsgPlayerState), s.reg.PlayerStateSnapshot().Encode())
	}

	d.OnSetVolume = func(msg *protocol.SetVolumeMessage) error {
		s.reg.SetVolume(msg.Volume)
		return nil
	}

	d.OnPlay = func() error {
		s.reg.Play()
		s.triggerHookEvent(hooks.EventPlaybackStarted, c.ID(), 0, nil)
		return nil
	}
	d.OnPause = func() error {
		s.reg.Pause()
		s.triggerHookEvent(hooks.EventPlaybackStopped, c.ID(), 0, nil)
		return nil
	}
	d.OnSkip = func() error {
		s.reg.Skip()
		s.metrics.queueDepth.Set(float64(s.reg.Queue.Len()))
		return nil
	}

	d.OnGetHistoryFragment = s.historyFragmentHandler(c)

	d.OnKeepAlive = func() error { return nil }

	d.OnCapabilityRejected = func(ref uint32) error {
		return s.replySimple(c, ref, protoerr.ServerTooOld, 0, nil)
	}

	d.OnActivateDelayedStart = func(msg *protocol.ActivateDelayedStartMessage) error {
		s.reg.ActivateDelayedStart(time.Duration(msg.DelayMillis) * time.Millisecond)
		return s.replySimple(c, msg.ClientRef, protoerr.NoError, 0, nil)
	}
	d.OnCancelDelayedStart = func(msg *protocol.CancelDelayedStartMessage) error {
		s.reg.CancelDelayedStart()
		return s.replySimple(c, msg.ClientRef, protoerr.NoError, 0, nil)
	}

	d.OnScrobblingControl = s.scrobblingControlHandler(c)

	return d
}

// scrobblingControlHandler answers the CLI's "scrobbling
// enable|disable|status|authenticate <provider>" verbs (spec.md §6).
// Enable/disable toggle whether Play/Skip drive the backend at all; status
// and authenticate operate the backend itself. Provider is accepted but
// unused: this tree wires a single Last.fm-compatible backend.
func (s *Server) scrobblingControlHandler(c *session.Connection) protocol.ScrobblingControlHandler {
	return func(msg *protocol.ScrobblingControlMessage) error {
		if s.reg.ScrobbleBackend == nil {
			return s.replySimple(c, msg.ClientRef, protoerr.ExtensionNotSupported, 0, nil)
		}
		switch msg.Action {
		case protocol.ScrobblingEnable:
			s.reg.EnableScrobbling()
			return s.replySimple(c, msg.ClientRef, protoerr.NoError, 0, nil)

		case protocol.ScrobblingDisable:
			s.reg.DisableScrobbling()
			return s.replySimple(c, msg.ClientRef, protoerr.NoError, 0, nil)

		case protocol.ScrobblingStatus:
			result := protocol.ScrobblingStatusResult{State: uint32(s.reg.ScrobbleBackend.State()), Provider: "lastfm"}
			return s.replySimple(c, msg.ClientRef, protoerr.NoError, result.State, result.Encode())

		case protocol.ScrobblingAuthenticate:
			ctx, cancel := context.WithTimeout(context.Background(), scrobbleAuthTimeout)
			_, err := s.reg.ScrobbleBackend.Authenticate(ctx, msg.Username, msg.Password).Wait()
			cancel()
			if err != nil {
				return s.replySimple(c, msg.ClientRef, protoerr.UserLoginAuthenticationFailed, 0, nil)
			}
			return s.replySimple(c, msg.ClientRef, protoerr.NoError, 0, nil)

		default:
			return s.replySimple(c, msg.ClientRef, protoerr.UnknownAction, 0, nil)
		}
	}
}

func (s *Server) historyFragmentHandler(c *session.Connection) protocol.GetHistoryFragmentHandler {
	return func(msg *protocol.GetHistoryFragmentMessage) error {
		limit := int(msg.Limit)
		if limit <= 0 || limit > maxHistoryFragmentRecords {
			limit = maxHistoryFragmentRecords
		}
		records, err := s.reg.History.RecordsAfter(msg.StartID, limit)
		if err != nil {
			c.Log().Error("history fragment lookup failed", "error", err)
			return s.replySimple(c, msg.ClientRef, protoerr.DatabaseProblem, 0, nil)
		}
		out := protocol.HistoryFragmentMessage{NextStartID: msg.StartID}
		out.Records = make([]protocol.HistoryFragmentRecord, len(records))
		for i, r := range records {
			out.Records[i] = protocol.HistoryFragmentRecord{
				ID:              r.ID,
				HashID:          r.HashID,
				UserID:          r.UserID,
				StartedAtMillis: r.StartedAt.UnixMilli(),
				EndedAtMillis:   r.EndedAt.UnixMilli(),
				Permillage:      uint16(r.Permillage),
				ValidForScoring: r.ValidForScoring,
			}
			out.NextStartID = r.ID
		}
		return c.SendStandardMessage(uint16(protocol.ServerMsgHistoryFragment), out.Encode())
	}
}

// maxHistoryFragmentRecords bounds a single fragment reply regardless of
// the client-requested limit.
const maxHistoryFragmentRecords = 500

func (s *Server) handleInsert(c *session.Connection, ref uint32, hash hashid.FileHash, indexType queue.IndexType, index int32) error {
	if hash.IsZero() {
		return s.replySimple(c, ref, protoerr.InvalidHash, 0, nil)
	}
	id, err := s.reg.Hashes.GetOrCreateID(hash)
	if err != nil {
		return s.replySimple(c, ref, protoerr.DatabaseProblem, 0, nil)
	}
	userID, _ := c.LoggedInUser()
	idx, queueID, err := s.reg.InsertTrack(indexType, index, id, userID)
	if err != nil {
		return s.replySimple(c, ref, protoerr.MaximumQueueSizeExceeded, 0, nil)
	}
	s.metrics.queueDepth.Set(float64(s.reg.Queue.Len()))
	s.triggerHookEvent(hooks.EventTrackEnqueued, c.ID(), userID, map[string]interface{}{"hash_id": id, "queue_id": queueID, "index": idx})
	s.reg.BroadcastPlayerState()
	confirmation := protocol.QueueEntryAdditionConfirmationMessage{ClientRef: ref, Index: uint32(idx), QueueID: queueID}
	return c.SendStandardMessage(uint16(protocol.ServerMsgQueueEntryAdditionConfirmation), confirmation.Encode())
}

func (s *Server) replySimple(c *session.Connection, ref uint32, code protoerr.Code, intData uint32, blob []byte) error {
	msg := protocol.SimpleResultMessage{ClientRef: ref, ErrorCode: code, IntData: intData, BlobData: blob}
	return c.SendStandardMessage(uint16(protocol.ServerMsgSimpleResult), msg.Encode())
}

// Stop gracefully shuts down the server: stops accepting new connections,
// closes all active ones, waits for the accept loop to exit.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.l == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	l := s.l
	s.l = nil
	bgCancel := s.bgCancel
	s.mu.Unlock()
	_ = l.Close()
	if bgCancel != nil {
		bgCancel()
	}

	for _, c := range s.reg.Snapshot() {
		_ = c.Close()
	}

	if s.hookManager != nil {
		if err := s.hookManager.Close(); err != nil {
			s.log.Error("error closing hook manager", "error", err)
		}
	}

	s.acceptingWg.Wait()
	s.log.Info("pmp server stopped")
	return nil
}

// Addr returns the bound listener address (nil if not started).
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.l == nil {
		return nil
	}
	return s.l.Addr()
}

// ConnectionCount returns the current number of tracked active connections.
func (s *Server) ConnectionCount() int { return s.reg.Count() }

// reportMetricsPeriodically keeps the cache-fixer-lag gauge fresh; the
// fixer itself only runs until it catches up, but lag can grow again as
// new history accumulates.
func (s *Server) reportMetricsPeriodically(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.cacheFixer == nil {
				continue
			}
			lag, err := s.cacheFixer.Lag()
			if err != nil {
				s.log.Debug("cache fixer lag query failed", "error", err)
				continue
			}
			s.metrics.cacheFixerLag.Set(float64(lag))
		}
	}
}

func initializeHookManager(cfg Config, log *slog.Logger) *hooks.HookManager {
	hookConfig := hooks.HookConfig{
		Timeout:     cfg.HookTimeout,
		Concurrency: cfg.HookConcurrency,
		StdioFormat: cfg.HookStdioFormat,
	}
	if hookConfig.Timeout == "" {
		hookConfig.Timeout = "30s"
	}
	if hookConfig.Concurrency == 0 {
		hookConfig.Concurrency = 10
	}

	manager := hooks.NewHookManager(hookConfig, log)

	if err := registerShellHooks(manager, cfg.HookScripts, log); err != nil {
		log.Error("failed to register shell hooks", "error", err)
	}
	if err := registerWebhookHooks(manager, cfg.HookWebhooks, log); err != nil {
		log.Error("failed to register webhook hooks", "error", err)
	}
	return manager
}

func (s *Server) triggerHookEvent(eventType hooks.EventType, connID string, userID uint32, data map[string]interface{}) {
	if s.hookManager == nil {
		return
	}
	event := hooks.NewEvent(eventType).WithConnID(connID)
	if userID != 0 {
		event.WithUserID(userID)
	}
	for k, v := range data {
		event.WithData(k, v)
	}
	s.hookManager.TriggerEvent(context.Background(), *event)
}

func registerShellHooks(manager *hooks.HookManager, scripts []string, log *slog.Logger) error {
	for i, script := range scripts {
		parts := strings.SplitN(script, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid shell hook format: %s", script)
		}
		eventType := hooks.EventType(parts[0])
		hook := hooks.NewShellHook(fmt.Sprintf("shell_%d", i), parts[1], 30*time.Second)
		if err := manager.RegisterHook(eventType, hook); err != nil {
			return fmt.Errorf("register shell hook %s: %w", script, err)
		}
		log.Info("registered shell hook", "event_type", eventType, "script_path", parts[1])
	}
	return nil
}

func registerWebhookHooks(manager *hooks.HookManager, webhooks []string, log *slog.Logger) error {
	for i, webhook := range webhooks {
		parts := strings.SplitN(webhook, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid webhook hook format: %s", webhook)
		}
		eventType := hooks.EventType(parts[0])
		hook := hooks.NewWebhookHook(fmt.Sprintf("webhook_%d", i), parts[1], 30*time.Second)
		if err := manager.RegisterHook(eventType, hook); err != nil {
			return fmt.Errorf("register webhook hook %s: %w", webhook, err)
		}
		log.Info("registered webhook hook", "event_type", eventType, "webhook_url", parts[1])
	}
	return nil
}
