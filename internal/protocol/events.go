// Package protocol defines the wire events exchanged with the streaming
// backend and the decoder that turns raw WebSocket frames into typed events.
package protocol

import "encoding/json"

// Event is a decoded wire event. Exactly one concrete type implements each
// wire frame kind; dispatch sites switch exhaustively over the variants.
type Event interface {
	eventKind() string
}

// OutputChunk is one ordered fragment of streamed task output, as embedded
// in an ActiveTasks snapshot.
type OutputChunk struct {
	Index     int    `json:"index"`
	Type      string `json:"type,omitempty"`
	Data      string `json:"data"`
	Timestamp string `json:"timestamp,omitempty"`
}

// TaskSnapshot describes one currently running task in an ActiveTasks
// snapshot, including any output produced before this client connected.
type TaskSnapshot struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Status         string        `json:"status"`
	OutputChunks   []OutputChunk `json:"output_chunks,omitempty"`
}

// ActiveTasks is the server's post-connect snapshot of running tasks.
type ActiveTasks struct {
	Tasks []TaskSnapshot `json:"tasks"`
}

func (ActiveTasks) eventKind() string { return "active_tasks" }

// TaskStarted signals that a background task began producing output for a
// conversation.
type TaskStarted struct {
	ConversationID string `json:"conversation_id"`
	TaskID         string `json:"task_id"`
}

func (TaskStarted) eventKind() string { return "task_started" }

// TaskChunk carries one ordered text fragment of a task's output stream.
type TaskChunk struct {
	ConversationID string `json:"conversation_id"`
	TaskID         string `json:"task_id"`
	Index          int    `json:"index"`
	Content        string `json:"content"`
}

func (TaskChunk) eventKind() string { return "task_chunk" }

// TaskComplete signals that a task stopped producing output. Cancellations
// arrive as the same event; the client does not distinguish them.
type TaskComplete struct {
	ConversationID string `json:"conversation_id"`
	TaskID         string `json:"task_id"`
}

func (TaskComplete) eventKind() string { return "task_complete" }

// ToolUpdate patches the status or result of a tool invocation already
// present (or about to be present) in a conversation.
type ToolUpdate struct {
	ConversationID string          `json:"conversation_id"`
	ToolID         string          `json:"tool_id"`
	Name           string          `json:"name,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Status         string          `json:"status"`
}

func (ToolUpdate) eventKind() string { return "tool_update" }

// Artifact describes a generated artifact attached to a conversation.
type Artifact struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	MimeType    string `json:"mime_type"`
}

// ArtifactCreated announces a new artifact for a conversation.
type ArtifactCreated struct {
	ConversationID string   `json:"conversation_id"`
	Artifact       Artifact `json:"artifact"`
}

func (ArtifactCreated) eventKind() string { return "artifact_created" }
