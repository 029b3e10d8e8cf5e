package client

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/omochice/toy-chat-client/internal/metrics"
	"github.com/omochice/toy-chat-client/internal/transport"
)

const (
	// DefaultReconnectDelay is the fixed wait between a lost connection and the next attempt.
	DefaultReconnectDelay = 3000 * time.Millisecond
	// DefaultHandshakeTimeout bounds a single dial.
	DefaultHandshakeTimeout = 10 * time.Second

	writeTimeout = 10 * time.Second
)

// State is the lifecycle state of the chat connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Credentials supplies the bearer token used to open the connection.
type Credentials interface {
	Token() (string, bool)
}

// ChatURL builds the WebSocket target for token. The token travels as a
// query parameter, unlike REST calls which send it as a bearer header.
func ChatURL(base, token string) string {
	return strings.TrimSuffix(base, "/") + "/chat?token=" + url.QueryEscape(token)
}

// Options configures a Manager.
type Options struct {
	BaseURL          string
	Dialer           transport.Dialer
	Credentials      Credentials
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	Clock            clock.Clock
	Logger           zerolog.Logger
	Metrics          *metrics.Metrics
}

// Manager owns the single connection to the chat server. It connects when
// credentials are present, publishes status changes and reconnects after a
// fixed delay whenever the connection is lost.
type Manager struct {
	baseURL          string
	dialer           transport.Dialer
	creds            Credentials
	reconnectDelay   time.Duration
	handshakeTimeout time.Duration
	clock            clock.Clock
	log              zerolog.Logger
	metrics          *metrics.Metrics

	mu       sync.Mutex
	state    State
	conn     transport.Conn
	gen      uint64
	timer    *clock.Timer
	cancel   context.CancelFunc
	onFrame  func([]byte)
	watchers map[uint64]func(State)
	nextID   uint64

	// notifyMu serializes status publication. Lock order: notifyMu before mu.
	notifyMu  sync.Mutex
	published State

	wg sync.WaitGroup
}

// NewManager creates a Manager in the Disconnected state.
func NewManager(opts Options) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Manager{
		baseURL:          opts.BaseURL,
		dialer:           opts.Dialer,
		creds:            opts.Credentials,
		reconnectDelay:   opts.ReconnectDelay,
		handshakeTimeout: opts.HandshakeTimeout,
		clock:            opts.Clock,
		log:              opts.Logger.With().Str("component", "connection").Logger(),
		metrics:          opts.Metrics,
		watchers:         make(map[uint64]func(State)),
	}
}

// Connect starts a connection attempt in the background. It does nothing
// without a credential or while an attempt or connection is already live.
func (m *Manager) Connect() {
	m.mu.Lock()
	changed := m.connectLocked()
	m.mu.Unlock()

	if changed {
		m.publish()
	}
}

func (m *Manager) connectLocked() bool {
	if m.state != Disconnected {
		return false
	}
	token, ok := "", false
	if m.creds != nil {
		token, ok = m.creds.Token()
	}
	if !ok || token == "" {
		m.log.Debug().Msg("no credential, connect skipped")
		return false
	}

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.state = Connecting

	m.metrics.DialStarted()
	m.log.Info().Str("target", strings.TrimSuffix(m.baseURL, "/")+"/chat").Msg("connecting")

	m.wg.Add(1)
	go m.run(ctx, gen, ChatURL(m.baseURL, token))
	return true
}

// run dials and then reads until the connection ends.
func (m *Manager) run(ctx context.Context, gen uint64, target string) {
	defer m.wg.Done()

	dialCtx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	conn, err := m.dialer.Dial(dialCtx, target)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			m.metrics.DialFailed()
			m.log.Warn().Err(err).Msg("dial failed")
		}
		m.handleClose(gen, nil, false)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.state = Connected
	m.mu.Unlock()

	m.metrics.ConnectionOpened()
	m.log.Info().Str("remote", conn.RemoteAddr()).Msg("connected")
	m.publish()

	m.readLoop(ctx, gen, conn)
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn transport.Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.log.Warn().Err(err).Msg("connection lost")
			}
			m.handleClose(gen, conn, true)
			return
		}

		m.mu.Lock()
		fn := m.onFrame
		stale := gen != m.gen
		m.mu.Unlock()
		if stale {
			return
		}
		if fn != nil {
			fn(data)
		}
	}
}

// handleClose moves a live generation to Disconnected and schedules exactly
// one reconnect. Callbacks from a superseded generation only release conn.
func (m *Manager) handleClose(gen uint64, conn transport.Conn, wasOpen bool) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.conn = nil
	m.state = Disconnected
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	scheduled := false
	if m.timer == nil {
		m.timer = m.clock.AfterFunc(m.reconnectDelay, func() { m.reconnect(gen) })
		scheduled = true
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasOpen {
		m.metrics.ConnectionLost()
	}
	if scheduled {
		m.log.Info().Dur("delay", m.reconnectDelay).Msg("reconnect scheduled")
	}
	m.publish()
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.metrics.ReconnectFired()
	changed := m.connectLocked()
	m.mu.Unlock()

	if changed {
		m.publish()
	}
}

// Disconnect closes the connection and cancels any pending reconnect.
// Status watchers and the frame handler stay registered so a later Connect
// resumes delivery.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	changed := m.state != Disconnected
	m.state = Disconnected
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		m.metrics.ConnectionClosed()
		m.log.Info().Msg("disconnected")
	}
	if changed {
		m.publish()
	}
}

// Teardown disconnects, waits for background goroutines and releases every
// handler. It is idempotent and must not be called from a handler.
func (m *Manager) Teardown() {
	m.Disconnect()
	m.wg.Wait()

	m.mu.Lock()
	m.onFrame = nil
	m.watchers = make(map[uint64]func(State))
	m.mu.Unlock()
}

// Send writes one frame if connected and reports whether it was written.
// A failed write closes the connection, which then follows the reconnect path.
func (m *Manager) Send(data []byte) bool {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		m.log.Warn().Err(err).Msg("write failed")
		_ = conn.Close()
		return false
	}
	return true
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the connection is open.
func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// OnFrame sets the handler invoked for every inbound frame, in arrival order,
// on the read goroutine.
func (m *Manager) OnFrame(fn func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFrame = fn
}

// WatchStatus registers fn to be called on every state change and returns
// a function that unregisters it. fn must not call Connect, Disconnect or Teardown.
func (m *Manager) WatchStatus(fn func(State)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers, id)
	}
}

// publish delivers the current state to the watchers. Concurrent transitions
// may collapse; watchers always end on the latest state.
func (m *Manager) publish() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	state := m.state
	fns := make([]func(State), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	if state == m.published {
		return
	}
	m.published = state
	for _, fn := range fns {
		fn(state)
	}
}
