//go:build integration

// Package client contains integration tests for the Rivulet client.
// These tests verify full conversation lifecycle scenarios against the
// in-process mock streaming backend.
//
// Run with: go test -tags=integration ./tests/integration/...
package client

import (
	"fmt"
	"testing"
	"time"

	"github.com/inlet-dev/rivulet/internal/client"
	"github.com/inlet-dev/rivulet/internal/state"
	"github.com/inlet-dev/rivulet/tests/mocks/streamd"
)

func openStream(t *testing.T, srv *streamd.Server) (*state.Store, *client.Stream) {
	t.Helper()
	store := state.NewStore()
	c := client.New(srv.URL())
	stream, err := c.OpenStream(client.StreamConfig{
		Store:       store,
		BackoffBase: 5 * time.Millisecond,
		BackoffMax:  50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	t.Cleanup(func() { stream.Close() })

	select {
	case <-srv.Connected():
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
	}
	return store, stream
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestMultiplexedConversations runs two conversations over one connection
// with interleaved, partially out-of-order chunks and verifies each
// conversation reassembles only its own output.
func TestMultiplexedConversations(t *testing.T) {
	srv := streamd.New()
	defer srv.Close()
	store, _ := openStream(t, srv)

	srv.Send(map[string]any{"type": "task_started", "conversation_id": "alpha", "task_id": "t-a"})
	srv.Send(map[string]any{"type": "task_started", "conversation_id": "beta", "task_id": "t-b"})

	// Interleave the two streams, with beta's chunks arriving out of order.
	srv.Send(map[string]any{"type": "task_chunk", "conversation_id": "alpha", "task_id": "t-a", "index": 0, "content": "alpha-0 "})
	srv.Send(map[string]any{"type": "task_chunk", "conversation_id": "beta", "task_id": "t-b", "index": 1, "content": "beta-1"})
	srv.Send(map[string]any{"type": "task_chunk", "conversation_id": "alpha", "task_id": "t-a", "index": 1, "content": "alpha-1"})
	srv.Send(map[string]any{"type": "task_chunk", "conversation_id": "beta", "task_id": "t-b", "index": 0, "content": "beta-0 "})

	srv.Send(map[string]any{"type": "task_complete", "conversation_id": "alpha", "task_id": "t-a"})

	waitFor(t, func() bool {
		return store.Text("alpha") == "alpha-0 alpha-1" && !store.HasActiveTask("alpha")
	}, "alpha completion")
	waitFor(t, func() bool { return store.Text("beta") == "beta-0 beta-1" }, "beta text")

	if !store.HasActiveTask("beta") {
		t.Error("beta should still be running after alpha completes")
	}

	srv.Send(map[string]any{"type": "task_complete", "conversation_id": "beta", "task_id": "t-b"})
	waitFor(t, func() bool { return !store.HasActiveTask("beta") }, "beta completion")
}

// TestFullTurnWithToolsAndArtifacts drives a complete assistant turn:
// prompt, streamed text around a tool call, an artifact, completion.
func TestFullTurnWithToolsAndArtifacts(t *testing.T) {
	srv := streamd.New()
	defer srv.Close()
	store, stream := openStream(t, srv)

	if err := stream.SendPrompt("c1", "write a report"); err != nil {
		t.Fatalf("SendPrompt failed: %v", err)
	}
	waitFor(t, func() bool {
		for _, m := range srv.Received() {
			if m["type"] == "user_message" {
				return true
			}
		}
		return false
	}, "server to receive the prompt")

	srv.Send(map[string]any{"type": "task_started", "conversation_id": "c1", "task_id": "t1"})
	srv.Send(map[string]any{"type": "task_chunk", "conversation_id": "c1", "task_id": "t1", "index": 0, "content": "Looking into it. "})
	srv.Send(map[string]any{"type": "tool_update", "conversation_id": "c1", "tool_id": "tool-1", "name": "search", "status": "running"})
	srv.Send(map[string]any{"type": "tool_update", "conversation_id": "c1", "tool_id": "tool-1", "status": "complete", "result": map[string]any{"hits": 3}})
	srv.Send(map[string]any{"type": "task_chunk", "conversation_id": "c1", "task_id": "t1", "index": 1, "content": "Done."})
	srv.Send(map[string]any{"type": "artifact_created", "conversation_id": "c1", "artifact": map[string]any{"id": "a1", "title": "Report", "filename": "report.md"}})
	srv.Send(map[string]any{"type": "task_complete", "conversation_id": "c1", "task_id": "t1"})

	waitFor(t, func() bool { return !store.HasActiveTask("c1") }, "turn completion")

	if got := store.Text("c1"); got != "Looking into it. Done." {
		t.Errorf("assistant text = %q", got)
	}

	msgs := store.Messages("c1")
	if len(msgs) != 2 {
		t.Fatalf("expected user + assistant messages, got %d", len(msgs))
	}
	if got := msgs[0].Text(); got != "write a report" {
		t.Errorf("user message = %q", got)
	}
	tool := msgs[1].FindTool("tool-1")
	if tool == nil {
		t.Fatal("tool block missing")
	}
	if tool.Status != "complete" || tool.Name != "search" {
		t.Errorf("tool block = %+v", tool)
	}
}

// TestManyChunksInOrder streams a long response and checks nothing is lost
// or duplicated.
func TestManyChunksInOrder(t *testing.T) {
	srv := streamd.New()
	defer srv.Close()
	store, _ := openStream(t, srv)

	srv.Send(map[string]any{"type": "task_started", "conversation_id": "c1", "task_id": "t1"})
	want := ""
	for i := 0; i < 200; i++ {
		part := fmt.Sprintf("%d;", i)
		want += part
		srv.Send(map[string]any{"type": "task_chunk", "conversation_id": "c1", "task_id": "t1", "index": i, "content": part})
	}
	srv.Send(map[string]any{"type": "task_complete", "conversation_id": "c1", "task_id": "t1"})

	waitFor(t, func() bool { return !store.HasActiveTask("c1") }, "completion")
	if got := store.Text("c1"); got != want {
		t.Errorf("long stream mismatch: got %d bytes, want %d", len(got), len(want))
	}
}
