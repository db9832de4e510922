// Package conversation implements the per-conversation reassembly state
// machine: it rebuilds each conversation's ordered message text from chunks
// that may arrive out of order or duplicated, and tracks tool-call and
// artifact blocks alongside the text stream.
package conversation

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolStatus is the lifecycle state of a tool invocation.
type ToolStatus string

const (
	ToolStatusPending  ToolStatus = "pending"
	ToolStatusRunning  ToolStatus = "running"
	ToolStatusComplete ToolStatus = "complete"
)

// Block is one typed segment within a message. The concrete variants are
// TextBlock, ToolUseBlock, ArtifactBlock and ErrorBlock; consumers switch
// exhaustively over them.
type Block interface {
	blockKind() string
}

// TextBlock holds streamed assistant text. Consecutive text chunks are
// merged into the trailing TextBlock of the streaming message.
type TextBlock struct {
	Text string
}

func (*TextBlock) blockKind() string { return "text" }

// ToolUseBlock records a tool invocation. It is located by ID and patched in
// place when later events report a result or status change; it is never
// removed once added.
type ToolUseBlock struct {
	ID     string
	Name   string
	Input  json.RawMessage
	Result json.RawMessage
	Status ToolStatus
}

func (*ToolUseBlock) blockKind() string { return "tool_use" }

// ArtifactBlock references a generated artifact.
type ArtifactBlock struct {
	ID          string
	Title       string
	Filename    string
	ContentType string
	MimeType    string
}

func (*ArtifactBlock) blockKind() string { return "artifact" }

// ErrorBlock carries an error surfaced inside the conversation.
type ErrorBlock struct {
	Message string
}

func (*ErrorBlock) blockKind() string { return "error" }

// Message is one conversation entry: an ordered sequence of blocks.
// Insertion order of messages is append order and is never changed; only
// block content mutates while a message is streaming.
type Message struct {
	ID          string
	Role        Role
	Blocks      []Block
	Timestamp   time.Time
	IsStreaming bool
}

// Clone returns a deep copy of the message. Blocks are cloned, not shared:
// the originals keep mutating while a stream is live, so a snapshot handed
// to another goroutine must not alias them.
func (m *Message) Clone() Message {
	out := *m
	out.Blocks = make([]Block, len(m.Blocks))
	for i, blk := range m.Blocks {
		switch b := blk.(type) {
		case *TextBlock:
			c := *b
			out.Blocks[i] = &c
		case *ToolUseBlock:
			c := *b
			c.Input = append(json.RawMessage(nil), b.Input...)
			c.Result = append(json.RawMessage(nil), b.Result...)
			out.Blocks[i] = &c
		case *ArtifactBlock:
			c := *b
			out.Blocks[i] = &c
		case *ErrorBlock:
			c := *b
			out.Blocks[i] = &c
		default:
			out.Blocks[i] = blk
		}
	}
	return out
}

// Text returns the concatenation of all text blocks in the message.
func (m *Message) Text() string {
	var b strings.Builder
	for _, blk := range m.Blocks {
		if tb, ok := blk.(*TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	return b.String()
}

// FindTool returns the tool-use block with the given id, or nil.
func (m *Message) FindTool(id string) *ToolUseBlock {
	for _, blk := range m.Blocks {
		if tb, ok := blk.(*ToolUseBlock); ok && tb.ID == id {
			return tb
		}
	}
	return nil
}
