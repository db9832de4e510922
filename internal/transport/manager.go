// Package transport owns the single WebSocket connection to the streaming
// backend: it classifies connection lifecycle, reconnects with exponential
// backoff, and forwards raw inbound frames in wire order. It knows nothing
// about conversations.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Status is the connection lifecycle state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	// StatusError is the terminal state entered when automatic retries are
	// exhausted; only an explicit Reconnect leaves it.
	StatusError Status = "error"
)

var (
	// ErrClosed is returned once the manager has been torn down.
	ErrClosed = errors.New("transport closed")
	// ErrNotConnected is returned for writes without a live connection.
	ErrNotConnected = errors.New("not connected")
)

// Dialer opens a WebSocket connection. It is injectable for tests.
type Dialer func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)

// Config holds transport configuration.
type Config struct {
	// URL is the WebSocket endpoint (ws:// or wss://).
	URL string

	// Token is an opaque bearer token attached at dial time. Empty
	// disables the Authorization header.
	Token string

	// BaseDelay is the first reconnect delay. Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff. Default: 30s.
	MaxDelay time.Duration

	// MaxAttempts is the ceiling of consecutive failed connection
	// attempts before automatic reconnection stops. Default: 10.
	MaxAttempts int

	// SendRate limits outbound messages per second. Default: 20.
	SendRate rate.Limit
	// SendBurst is the outbound burst allowance. Default: 40.
	SendBurst int

	// Dialer overrides the default gorilla dialer, for tests.
	Dialer Dialer

	Logger *slog.Logger
}

// Callbacks are the notification hooks. All are optional and are invoked
// from the manager's goroutines without any internal lock held.
type Callbacks struct {
	// OnConnect fires after each successful connection. Used by the
	// client to request a fresh active-task snapshot.
	OnConnect func()

	// OnDisconnect fires when an established connection closes.
	OnDisconnect func(err error)

	// OnFrame receives each raw inbound frame synchronously, preserving
	// the order frames were received on the wire.
	OnFrame func(data []byte)

	// OnStatusChange fires on every lifecycle transition.
	OnStatusChange func(status Status)
}

// Manager maintains at most one live connection to a fixed endpoint.
type Manager struct {
	cfg     Config
	cb      Callbacks
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	conn       *websocket.Conn
	status     Status
	attempt    int // consecutive failed connection attempts
	retryTimer *time.Timer
	closed     bool
	gen        uint64 // connection generation, guards stale read-loop exits

	writeMu sync.Mutex
}

// New creates a transport manager. Call Connect to open the connection.
func New(cfg Config, cb Callbacks) *Manager {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = 20
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 40
	}
	if cfg.Dialer == nil {
		cfg.Dialer = func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
			return conn, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		cb:      cb,
		limiter: rate.NewLimiter(cfg.SendRate, cfg.SendBurst),
		ctx:     ctx,
		cancel:  cancel,
		status:  StatusDisconnected,
	}
}

// Status returns the current connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connect opens the connection. It is a no-op when already open or opening.
// A successful connection resets the backoff counter; a failed dial routes
// through the same backoff path as a dropped connection.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.status == StatusConnected || m.status == StatusConnecting {
		m.mu.Unlock()
		return nil
	}
	m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()
	m.notifyStatus(StatusConnecting)

	conn, err := m.cfg.Dialer(m.ctx, m.cfg.URL, m.authHeader())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		m.setStatusLocked(StatusDisconnected)
		m.scheduleReconnectLocked()
		st := m.status
		m.mu.Unlock()
		m.notifyStatus(st)
		if m.cfg.Logger != nil {
			m.cfg.Logger.Warn("connection failed", "url", m.cfg.URL, "error", err)
		}
		return fmt.Errorf("dial %s: %w", m.cfg.URL, err)
	}

	m.conn = conn
	m.attempt = 0
	m.gen++
	gen := m.gen
	m.setStatusLocked(StatusConnected)
	m.mu.Unlock()

	if m.cfg.Logger != nil {
		m.cfg.Logger.Info("connected", "url", m.cfg.URL)
	}
	m.notifyStatus(StatusConnected)
	if m.cb.OnConnect != nil {
		m.cb.OnConnect()
	}

	go m.readLoop(conn, gen)
	return nil
}

// Reconnect resets the backoff counter and dials immediately, regardless of
// the attempt ceiling. It is the escape hatch for the exhausted-retries
// terminal state.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.stopRetryLocked()
	m.attempt = 0
	m.mu.Unlock()
	return m.Connect()
}

// Close tears the transport down: the pending reconnect timer is cancelled
// and the socket closed. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopRetryLocked()
	conn := m.conn
	m.conn = nil
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	m.cancel()
	if conn != nil {
		conn.Close()
	}
	return nil
}

// Send writes a JSON message to the connection, rate limited.
func (m *Manager) Send(v any) error {
	if err := m.limiter.Wait(m.ctx); err != nil {
		return ErrClosed
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// readLoop forwards inbound frames until the connection fails. Frames are
// delivered synchronously so wire order is preserved into the decoder.
func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		if m.cb.OnFrame != nil {
			m.cb.OnFrame(data)
		}
	}
}

// handleClose routes every socket error or close through the single
// disconnect-and-backoff path. There is no separate fatal branch other than
// the attempt ceiling inside scheduleReconnectLocked.
func (m *Manager) handleClose(gen uint64, err error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.setStatusLocked(StatusDisconnected)
	m.scheduleReconnectLocked()
	st := m.status
	m.mu.Unlock()

	if m.cfg.Logger != nil {
		m.cfg.Logger.Warn("connection lost", "error", err)
	}
	m.notifyStatus(st)
	if m.cb.OnDisconnect != nil {
		m.cb.OnDisconnect(err)
	}
}

// scheduleReconnectLocked arms the backoff timer for the next attempt.
// After MaxAttempts consecutive failures no further attempt is scheduled
// and the manager enters StatusError until an explicit Reconnect.
func (m *Manager) scheduleReconnectLocked() {
	if m.closed {
		return
	}
	m.attempt++
	if m.attempt >= m.cfg.MaxAttempts {
		m.setStatusLocked(StatusError)
		if m.cfg.Logger != nil {
			m.cfg.Logger.Error("reconnect attempts exhausted",
				"attempts", m.attempt, "url", m.cfg.URL)
		}
		return
	}

	delay := backoffDelay(m.cfg.BaseDelay, m.cfg.MaxDelay, m.attempt-1)
	if m.cfg.Logger != nil {
		m.cfg.Logger.Info("scheduling reconnect", "attempt", m.attempt, "delay", delay)
	}
	m.stopRetryLocked()
	m.retryTimer = time.AfterFunc(delay, func() {
		m.Connect()
	})
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) setStatusLocked(s Status) {
	m.status = s
}

func (m *Manager) notifyStatus(s Status) {
	if m.cb.OnStatusChange != nil {
		m.cb.OnStatusChange(s)
	}
}

func (m *Manager) authHeader() http.Header {
	if m.cfg.Token == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+m.cfg.Token)
	return h
}

// backoffDelay computes the delay before retry number attempt (0-based):
// base*2^attempt capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt >= 31 {
		return max
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}
