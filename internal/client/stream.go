package client

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/inlet-dev/rivulet/internal/protocol"
	"github.com/inlet-dev/rivulet/internal/state"
	"github.com/inlet-dev/rivulet/internal/transport"
)

// eventBuffer is the capacity of the decoded-event channel between the
// transport read loop and the dispatch goroutine.
const eventBuffer = 256

// StreamConfig configures an open stream.
type StreamConfig struct {
	// Store receives every decoded event. Required.
	Store *state.Store

	// BackoffBase, BackoffMax and MaxAttempts tune reconnection; zero
	// values use the transport defaults (1s, 30s, 10).
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxAttempts int

	// OnStatusChange observes connection lifecycle transitions.
	OnStatusChange func(status transport.Status)

	Logger *slog.Logger
}

// Stream is the live multiplexed event stream feeding a state store. All
// events are drained by a single dispatch goroutine, so store mutations
// happen in exactly the order frames arrived on the wire.
type Stream struct {
	store  *state.Store
	tm     *transport.Manager
	events chan protocol.Event
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// OpenStream connects the WebSocket event stream and starts feeding the
// store. The first connection attempt is made synchronously; reconnection
// after that is automatic up to the configured attempt ceiling.
func (c *Client) OpenStream(cfg StreamConfig) (*Stream, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("open stream: nil store")
	}

	wsURL, err := c.streamURL()
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	s := &Stream{
		store:  cfg.Store,
		events: make(chan protocol.Event, eventBuffer),
		logger: cfg.Logger,
		done:   make(chan struct{}),
	}

	s.tm = transport.New(transport.Config{
		URL:         wsURL,
		Token:       c.token,
		BaseDelay:   cfg.BackoffBase,
		MaxDelay:    cfg.BackoffMax,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      cfg.Logger,
	}, transport.Callbacks{
		OnConnect:      s.onConnect,
		OnFrame:        s.onFrame,
		OnStatusChange: cfg.OnStatusChange,
	})

	go s.dispatchLoop()

	if err := s.tm.Connect(); err != nil {
		// The transport keeps retrying with backoff; the stream is
		// usable, just not connected yet.
		if cfg.Logger != nil {
			cfg.Logger.Warn("initial connection failed, retrying", "error", err)
		}
	}
	return s, nil
}

// streamURL derives the WebSocket endpoint from the REST base URL.
func (c *Client) streamURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = c.apiPrefix + "/stream"
	return u.String(), nil
}

// onConnect requests the active-task snapshot. This runs on every
// (re)connect so the registry and any mid-stream output are reconciled with
// server reality.
func (s *Stream) onConnect() {
	if err := s.tm.Send(map[string]any{"type": "active_tasks_request"}); err != nil {
		if s.logger != nil {
			s.logger.Warn("snapshot request failed", "error", err)
		}
	}
}

// onFrame decodes one raw frame and enqueues the event. Malformed frames
// are dropped here; they must never crash the session. Enqueueing from the
// single read loop keeps the channel in wire order.
func (s *Stream) onFrame(data []byte) {
	ev, err := protocol.Decode(data)
	if err != nil {
		if s.logger != nil {
			s.logger.Debug("dropping malformed frame", "error", err)
		}
		return
	}
	if ev == nil {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// dispatchLoop drains decoded events into the store. It is the only writer
// of conversation state.
func (s *Stream) dispatchLoop() {
	for {
		select {
		case ev := <-s.events:
			s.store.Apply(ev)
		case <-s.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case ev := <-s.events:
					s.store.Apply(ev)
				default:
					return
				}
			}
		}
	}
}

// SendPrompt sends a user message for a conversation and marks it thinking.
func (s *Stream) SendPrompt(conversationID, text string) error {
	if err := s.tm.Send(map[string]any{
		"type":            "user_message",
		"conversation_id": conversationID,
		"content":         text,
	}); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	s.store.AppendUserMessage(conversationID, text)
	return nil
}

// CancelTask requests cancellation of a conversation's running task. The
// server answers with an ordinary task_complete; the client has no distinct
// cancelled state.
func (s *Stream) CancelTask(conversationID string) error {
	taskID, ok := s.store.ActiveTask(conversationID)
	if !ok {
		return nil
	}
	if err := s.tm.Send(map[string]any{
		"type":            "cancel_task",
		"conversation_id": conversationID,
		"task_id":         taskID,
	}); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	return nil
}

// Status reports the transport connection state.
func (s *Stream) Status() transport.Status {
	return s.tm.Status()
}

// Reconnect resets the backoff counter and dials immediately. It is the
// recovery path once automatic retries are exhausted.
func (s *Stream) Reconnect() error {
	return s.tm.Reconnect()
}

// Close tears down the stream and the underlying transport. Idempotent.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.tm.Close()
		close(s.done)
	})
	return err
}
