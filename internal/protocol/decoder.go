package protocol

import (
	"encoding/json"
	"fmt"
)

// Decode parses a raw frame into a typed event.
//
// It returns (nil, nil) for recognized side-channel kinds and for unknown
// kinds: the stream routinely carries events this client has no use for, and
// they must never be treated as errors. It returns a non-nil error only for
// frames that are unparseable or missing required fields; callers are
// expected to log and drop those, never to fail the session.
func Decode(frame []byte) (Event, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if probe.Type == "" {
		return nil, fmt.Errorf("decode frame: missing type")
	}

	switch probe.Type {
	case "active_tasks":
		var ev ActiveTasks
		if err := json.Unmarshal(frame, &ev); err != nil {
			return nil, fmt.Errorf("decode active_tasks: %w", err)
		}
		for _, task := range ev.Tasks {
			if task.ID == "" || task.ConversationID == "" {
				return nil, fmt.Errorf("decode active_tasks: task missing id or conversation_id")
			}
		}
		return ev, nil

	case "task_started":
		var ev TaskStarted
		if err := json.Unmarshal(frame, &ev); err != nil {
			return nil, fmt.Errorf("decode task_started: %w", err)
		}
		if ev.ConversationID == "" || ev.TaskID == "" {
			return nil, fmt.Errorf("decode task_started: missing conversation_id or task_id")
		}
		return ev, nil

	case "task_chunk":
		// Index is required but 0 is a valid value, so presence is checked
		// against the raw fields rather than the zero value.
		var raw struct {
			ConversationID string `json:"conversation_id"`
			TaskID         string `json:"task_id"`
			Index          *int   `json:"index"`
			Content        string `json:"content"`
		}
		if err := json.Unmarshal(frame, &raw); err != nil {
			return nil, fmt.Errorf("decode task_chunk: %w", err)
		}
		if raw.ConversationID == "" || raw.Index == nil {
			return nil, fmt.Errorf("decode task_chunk: missing conversation_id or index")
		}
		if *raw.Index < 0 {
			return nil, fmt.Errorf("decode task_chunk: negative index %d", *raw.Index)
		}
		return TaskChunk{
			ConversationID: raw.ConversationID,
			TaskID:         raw.TaskID,
			Index:          *raw.Index,
			Content:        raw.Content,
		}, nil

	case "task_complete":
		var ev TaskComplete
		if err := json.Unmarshal(frame, &ev); err != nil {
			return nil, fmt.Errorf("decode task_complete: %w", err)
		}
		if ev.ConversationID == "" {
			return nil, fmt.Errorf("decode task_complete: missing conversation_id")
		}
		return ev, nil

	case "tool_update":
		var ev ToolUpdate
		if err := json.Unmarshal(frame, &ev); err != nil {
			return nil, fmt.Errorf("decode tool_update: %w", err)
		}
		if ev.ConversationID == "" || ev.ToolID == "" {
			return nil, fmt.Errorf("decode tool_update: missing conversation_id or tool_id")
		}
		return ev, nil

	case "artifact_created":
		var ev ArtifactCreated
		if err := json.Unmarshal(frame, &ev); err != nil {
			return nil, fmt.Errorf("decode artifact_created: %w", err)
		}
		if ev.ConversationID == "" || ev.Artifact.ID == "" {
			return nil, fmt.Errorf("decode artifact_created: missing conversation_id or artifact id")
		}
		return ev, nil
	}

	// Unknown and side-channel kinds (sync_progress, keepalive_ack, ...)
	// are skipped, not errors.
	return nil, nil
}
