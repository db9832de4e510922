// Package state holds the session state store: the single mutable aggregate
// of all per-conversation reassembly states plus the active task registry.
// External consumers read it through selectors and mutate it only through
// the defined actions.
package state

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/inlet-dev/rivulet/internal/conversation"
	"github.com/inlet-dev/rivulet/internal/protocol"
)

// Store is the aggregate session state. Event-driven mutations arrive from a
// single dispatch goroutine; the mutex exists so read selectors are safe from
// any goroutine (CLI, UI) without breaking the single-writer invariant.
type Store struct {
	mu sync.RWMutex

	conversations map[string]*conversation.State

	// activeTasks maps conversation id -> running task id. It is rebuilt
	// wholesale from every active_tasks snapshot and updated incrementally
	// by task lifecycle events. Presence in this map is the sole signal
	// that a conversation has work in flight.
	activeTasks map[string]string

	maxPending int
	logger     *slog.Logger
}

// Option configures the store.
type Option func(*Store)

// WithLogger sets the logger used for dispatch diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMaxPending bounds each conversation's reorder buffer.
func WithMaxPending(n int) Option {
	return func(s *Store) { s.maxPending = n }
}

// NewStore creates an empty session state store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		conversations: make(map[string]*conversation.State),
		activeTasks:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// conv returns the conversation state, creating it lazily on first
// reference. Callers must hold the write lock.
func (s *Store) conv(id string) *conversation.State {
	c, ok := s.conversations[id]
	if !ok {
		c = conversation.NewState(id, s.logger)
		if s.maxPending > 0 {
			c.SetMaxPending(s.maxPending)
		}
		s.conversations[id] = c
	}
	return c
}

// Apply dispatches one decoded wire event into the aggregate. Every branch
// is synchronous and leaves the store in a valid state.
func (s *Store) Apply(ev protocol.Event) {
	if ev == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case protocol.ActiveTasks:
		s.replaceActiveTasks(e)

	case protocol.TaskStarted:
		s.activeTasks[e.ConversationID] = e.TaskID
		s.conv(e.ConversationID).StartStream(e.TaskID)

	case protocol.TaskChunk:
		c := s.conv(e.ConversationID)
		// A chunk for a task other than the active one belongs to a
		// superseded stream; its indices live in a different sequence
		// space and must not leak into the current message.
		if e.TaskID != "" && c.ActiveTaskID != "" && e.TaskID != c.ActiveTaskID {
			if s.logger != nil {
				s.logger.Debug("dropping chunk for superseded task",
					"conversation_id", e.ConversationID,
					"task_id", e.TaskID, "active_task_id", c.ActiveTaskID)
			}
			return
		}
		c.ApplyChunk(e.Index, e.Content)

	case protocol.TaskComplete:
		if current, ok := s.activeTasks[e.ConversationID]; ok {
			if e.TaskID == "" || current == e.TaskID {
				delete(s.activeTasks, e.ConversationID)
			}
		}
		c := s.conv(e.ConversationID)
		if e.TaskID == "" || c.ActiveTaskID == "" || c.ActiveTaskID == e.TaskID {
			c.Complete()
		}

	case protocol.ToolUpdate:
		status := conversation.ToolStatus(e.Status)
		s.conv(e.ConversationID).UpsertTool(e.ToolID, e.Name, nil, e.Result, status)

	case protocol.ArtifactCreated:
		s.conv(e.ConversationID).AddArtifact(conversation.ArtifactBlock{
			ID:          e.Artifact.ID,
			Title:       e.Artifact.Title,
			Filename:    e.Artifact.Filename,
			ContentType: e.Artifact.ContentType,
			MimeType:    e.Artifact.MimeType,
		})

	default:
		if s.logger != nil {
			s.logger.Debug("ignoring unhandled event", "event", ev)
		}
	}
}

// replaceActiveTasks reconciles the registry and conversation states against
// the server's post-connect snapshot. The registry is replaced wholesale:
// tasks absent from the snapshot are implicitly no longer running. Buffered
// output chunks are replayed through the ordinary ordered-application path
// so a client that connects mid-stream reconstructs the same text as one
// that was connected throughout.
func (s *Store) replaceActiveTasks(snap protocol.ActiveTasks) {
	previous := s.activeTasks
	s.activeTasks = make(map[string]string, len(snap.Tasks))

	for _, task := range snap.Tasks {
		if task.Status != "" && task.Status != "running" && task.Status != "pending" {
			continue
		}
		s.activeTasks[task.ConversationID] = task.ID

		c := s.conv(task.ConversationID)
		if c.ActiveTaskID != task.ID {
			// A task this client has never observed: open its stream
			// from scratch before replaying buffered output.
			c.StartStream(task.ID)
		}
		for _, chunk := range orderedChunks(task.OutputChunks) {
			if chunk.Type == "error" {
				c.AppendError(chunk.Data)
				// The error still occupies its slot in the sequence.
				c.ApplyChunk(chunk.Index, "")
				continue
			}
			c.ApplyChunk(chunk.Index, chunk.Data)
		}
	}

	// Conversations whose task vanished between snapshots finished while
	// we were away; close out their streams.
	for convID, taskID := range previous {
		if _, still := s.activeTasks[convID]; !still {
			c := s.conv(convID)
			if c.ActiveTaskID == taskID {
				c.Complete()
			}
		}
	}
}

// orderedChunks returns snapshot chunks sorted by index, so replay does not
// depend on server iteration order.
func orderedChunks(chunks []protocol.OutputChunk) []protocol.OutputChunk {
	out := make([]protocol.OutputChunk, len(chunks))
	copy(out, chunks)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// --- Intents ---

// AppendUserMessage records a locally sent user message and marks the
// conversation as thinking until the first response chunk arrives.
func (s *Store) AppendUserMessage(conversationID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conv(conversationID).AppendUser(text)
}

// DeleteConversation removes a conversation and its registry entry. This is
// the only way a conversation state is ever destroyed.
func (s *Store) DeleteConversation(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, conversationID)
	delete(s.activeTasks, conversationID)
}

// --- Selectors ---

// Messages returns a snapshot copy of a conversation's messages in order.
// Blocks are deep-copied: the live ones keep mutating under the write lock
// while a stream is active, and callers read the snapshot lock-free.
func (s *Store) Messages(conversationID string) []conversation.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	out := make([]conversation.Message, len(c.Messages))
	for i, m := range c.Messages {
		out[i] = m.Clone()
	}
	return out
}

// Phase reports a conversation's streaming phase.
func (s *Store) Phase(conversationID string) conversation.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return conversation.PhaseIdle
	}
	return c.Phase()
}

// IsThinking reports whether a conversation is waiting for its first chunk.
func (s *Store) IsThinking(conversationID string) bool {
	return s.Phase(conversationID) == conversation.PhaseThinking
}

// IsStreaming reports whether a conversation is receiving chunks.
func (s *Store) IsStreaming(conversationID string) bool {
	return s.Phase(conversationID) == conversation.PhaseStreaming
}

// HasActiveTask reports whether the registry lists a running task for the
// conversation.
func (s *Store) HasActiveTask(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.activeTasks[conversationID]
	return ok
}

// ActiveTask returns the running task id for a conversation, if any.
func (s *Store) ActiveTask(conversationID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.activeTasks[conversationID]
	return id, ok
}

// ActiveConversations lists the ids of all conversations with work in
// flight, sorted for stable output.
func (s *Store) ActiveConversations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.activeTasks))
	for id := range s.activeTasks {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ConversationIDs lists every known conversation id, sorted.
func (s *Store) ConversationIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Text returns the concatenated text of a conversation's messages;
// primarily a test and diagnostics helper.
func (s *Store) Text(conversationID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return ""
	}
	return c.Text()
}
