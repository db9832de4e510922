package conversation

import (
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Phase is the streaming phase of one conversation turn.
type Phase int

const (
	// PhaseIdle means no task is producing output for this conversation.
	PhaseIdle Phase = iota
	// PhaseThinking covers the window between "task started / user sent"
	// and the first applied chunk.
	PhaseThinking
	// PhaseStreaming means chunks are being applied to a message.
	PhaseStreaming
)

func (p Phase) String() string {
	switch p {
	case PhaseThinking:
		return "thinking"
	case PhaseStreaming:
		return "streaming"
	default:
		return "idle"
	}
}

// DefaultMaxPending bounds the reorder buffer. If more chunks than this are
// buffered ahead of a gap, the gap is assumed permanently lost and is
// force-closed so the stream does not stall with unbounded memory growth.
const DefaultMaxPending = 256

type pendingChunk struct {
	index   int
	content string
}

// State is the reassembly state for a single conversation. It is not safe
// for concurrent use; the owning store serializes all access.
type State struct {
	ID string

	// Messages is append-only; entries are never reordered or removed,
	// only their content mutates while streaming.
	Messages []*Message

	// StreamingMessageID identifies the message currently receiving
	// chunks; empty when no stream is active.
	StreamingMessageID string

	// LastChunkIndex is the highest chunk index applied for the active
	// stream. -1 means no chunk applied yet; chunk 0 is expected next.
	LastChunkIndex int

	// ActiveTaskID is the task whose output drives the current stream.
	ActiveTaskID string

	// Thinking is true between task start (or user send) and the first
	// applied chunk.
	Thinking bool

	pending    []pendingChunk // sorted by index, all indices > LastChunkIndex
	maxPending int
	logger     *slog.Logger
}

// NewState creates the reassembly state for a conversation.
func NewState(id string, logger *slog.Logger) *State {
	return &State{
		ID:             id,
		LastChunkIndex: -1,
		maxPending:     DefaultMaxPending,
		logger:         logger,
	}
}

// SetMaxPending overrides the reorder buffer bound. Values <= 0 restore the
// default.
func (s *State) SetMaxPending(n int) {
	if n <= 0 {
		n = DefaultMaxPending
	}
	s.maxPending = n
}

// Phase reports the conversation's current streaming phase.
func (s *State) Phase() Phase {
	switch {
	case s.Thinking:
		return PhaseThinking
	case s.StreamingMessageID != "":
		return PhaseStreaming
	default:
		return PhaseIdle
	}
}

// AppendUser appends a user message and enters the thinking phase.
func (s *State) AppendUser(text string) *Message {
	msg := &Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Blocks:    []Block{&TextBlock{Text: text}},
		Timestamp: time.Now(),
	}
	s.Messages = append(s.Messages, msg)
	s.Thinking = true
	return msg
}

// StartStream begins a new stream for the given task: a new task means a
// new, independent chunk sequence space, so the reorder buffer is cleared
// and the next expected index is 0.
func (s *State) StartStream(taskID string) {
	s.StartStreamAt(taskID, -1)
}

// StartStreamAt begins a stream whose chunks resume after lastApplied, as
// supplied by a catch-up snapshot.
func (s *State) StartStreamAt(taskID string, lastApplied int) {
	s.ActiveTaskID = taskID
	s.LastChunkIndex = lastApplied
	s.pending = nil
	s.StreamingMessageID = ""
	s.Thinking = true
}

// ApplyChunk applies one chunk of streamed text by its sequence index.
//
// Indices at or below LastChunkIndex are duplicates of already-applied data
// and are discarded. The next expected index is applied immediately and the
// reorder buffer is drained while it stays contiguous. Indices further ahead
// are buffered until the gap closes.
func (s *State) ApplyChunk(index int, content string) {
	expected := s.LastChunkIndex + 1

	switch {
	case index < expected:
		if s.logger != nil {
			s.logger.Debug("discarding duplicate chunk",
				"conversation_id", s.ID, "index", index, "expected", expected)
		}

	case index == expected:
		s.applyText(content)
		s.LastChunkIndex = index
		s.drainPending()

	default:
		s.buffer(index, content)
	}
}

// buffer inserts an early chunk into the reorder buffer, kept sorted by
// index. Duplicates of an already-buffered index are dropped.
func (s *State) buffer(index int, content string) {
	pos := sort.Search(len(s.pending), func(i int) bool {
		return s.pending[i].index >= index
	})
	if pos < len(s.pending) && s.pending[pos].index == index {
		return
	}
	s.pending = append(s.pending, pendingChunk{})
	copy(s.pending[pos+1:], s.pending[pos:])
	s.pending[pos] = pendingChunk{index: index, content: content}

	if len(s.pending) > s.maxPending {
		s.forceCloseGap()
	}
}

// forceCloseGap gives up on a gap that is presumably permanently lost: the
// buffer is advanced past the missing indices and drained in order. Losing a
// fragment is preferable to stalling the stream forever.
func (s *State) forceCloseGap() {
	if len(s.pending) == 0 {
		return
	}
	if s.logger != nil {
		s.logger.Warn("reorder buffer full, skipping lost chunk gap",
			"conversation_id", s.ID,
			"expected", s.LastChunkIndex+1,
			"next_buffered", s.pending[0].index,
			"buffered", len(s.pending))
	}
	s.LastChunkIndex = s.pending[0].index - 1
	s.drainPending()
}

// drainPending applies buffered chunks while the smallest buffered index is
// exactly the next expected one.
func (s *State) drainPending() {
	for len(s.pending) > 0 && s.pending[0].index == s.LastChunkIndex+1 {
		next := s.pending[0]
		s.pending = s.pending[1:]
		s.applyText(next.content)
		s.LastChunkIndex = next.index
	}
}

// applyText merges text into the streaming message: appended to the trailing
// block when it is a text block, otherwise a new text block is opened. The
// first applied chunk ends the thinking phase.
func (s *State) applyText(content string) {
	msg := s.streamingMessage()
	s.Thinking = false
	if content == "" {
		return
	}
	if n := len(msg.Blocks); n > 0 {
		if tb, ok := msg.Blocks[n-1].(*TextBlock); ok {
			tb.Text += content
			return
		}
	}
	msg.Blocks = append(msg.Blocks, &TextBlock{Text: content})
}

// streamingMessage returns the message currently receiving output, creating
// a fresh assistant message when no stream is open.
func (s *State) streamingMessage() *Message {
	if s.StreamingMessageID != "" {
		for _, m := range s.Messages {
			if m.ID == s.StreamingMessageID {
				return m
			}
		}
	}
	msg := &Message{
		ID:          uuid.NewString(),
		Role:        RoleAssistant,
		Timestamp:   time.Now(),
		IsStreaming: true,
	}
	s.Messages = append(s.Messages, msg)
	s.StreamingMessageID = msg.ID
	return msg
}

// UpsertTool applies a tool status/result update by identity. Tool events
// are idempotent upserts, not streamed deltas: they may interleave with text
// chunks without touching the reorder buffer. An update for an unknown tool
// id creates the block.
func (s *State) UpsertTool(id, name string, input, result []byte, status ToolStatus) {
	for _, m := range s.Messages {
		if tb := m.FindTool(id); tb != nil {
			if name != "" {
				tb.Name = name
			}
			if input != nil {
				tb.Input = input
			}
			if result != nil {
				tb.Result = result
			}
			if status != "" {
				tb.Status = status
			}
			return
		}
	}

	if status == "" {
		status = ToolStatusPending
	}
	msg := s.streamingMessage()
	msg.Blocks = append(msg.Blocks, &ToolUseBlock{
		ID:     id,
		Name:   name,
		Input:  input,
		Result: result,
		Status: status,
	})
}

// AddArtifact appends an artifact block unless one with the same id already
// exists (snapshot replays may redeliver it).
func (s *State) AddArtifact(blk ArtifactBlock) {
	for _, m := range s.Messages {
		for _, b := range m.Blocks {
			if ab, ok := b.(*ArtifactBlock); ok && ab.ID == blk.ID {
				*ab = blk
				return
			}
		}
	}
	msg := s.streamingMessage()
	msg.Blocks = append(msg.Blocks, &blk)
}

// AppendError appends an error block to the streaming message.
func (s *State) AppendError(message string) {
	msg := s.streamingMessage()
	msg.Blocks = append(msg.Blocks, &ErrorBlock{Message: message})
}

// Complete ends the current turn. Every message still flagged as streaming
// is cleared, not only the one referenced by StreamingMessageID: that
// pointer may already be gone when a completion races a new stream start.
func (s *State) Complete() {
	for _, m := range s.Messages {
		if m.IsStreaming {
			m.IsStreaming = false
		}
	}
	s.StreamingMessageID = ""
	s.Thinking = false
	s.ActiveTaskID = ""
	s.pending = nil
}

// PendingCount reports how many chunks are held in the reorder buffer.
func (s *State) PendingCount() int {
	return len(s.pending)
}

// Text concatenates the text of every message in order, separated by
// nothing; primarily a test and diagnostics helper.
func (s *State) Text() string {
	var out string
	for _, m := range s.Messages {
		out += m.Text()
	}
	return out
}
