package conversation

import (
	"fmt"
	"testing"
)

func newTestState() *State {
	return NewState("c1", nil)
}

// permutations returns all orderings of the given indices.
func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var result [][]int
	var permute func(current []int, remaining []int)
	permute = func(current []int, remaining []int) {
		if len(remaining) == 0 {
			cp := make([]int, len(current))
			copy(cp, current)
			result = append(result, cp)
			return
		}
		for i, v := range remaining {
			rest := make([]int, 0, len(remaining)-1)
			rest = append(rest, remaining[:i]...)
			rest = append(rest, remaining[i+1:]...)
			permute(append(current, v), rest)
		}
	}
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	permute(nil, indices)
	return result
}

func TestApplyChunkAllPermutations(t *testing.T) {
	chunks := []string{"The ", "quick ", "brown ", "fox"}
	want := "The quick brown fox"

	for _, perm := range permutations(len(chunks)) {
		s := newTestState()
		s.StartStream("t1")
		for _, idx := range perm {
			s.ApplyChunk(idx, chunks[idx])
		}
		if got := s.Text(); got != want {
			t.Errorf("permutation %v: text = %q, want %q", perm, got, want)
		}
		if s.PendingCount() != 0 {
			t.Errorf("permutation %v: %d chunks left buffered", perm, s.PendingCount())
		}
	}
}

func TestApplyChunkScenarioHello(t *testing.T) {
	s := newTestState()
	s.StartStream("t1")

	s.ApplyChunk(0, "Hel")
	s.ApplyChunk(2, "o")
	s.ApplyChunk(1, "l")

	if got := s.Text(); got != "Hello" {
		t.Errorf("text = %q, want %q", got, "Hello")
	}
	if s.LastChunkIndex != 2 {
		t.Errorf("LastChunkIndex = %d, want 2", s.LastChunkIndex)
	}
}

func TestApplyChunkDuplicatesAreNoOps(t *testing.T) {
	s := newTestState()
	s.StartStream("t1")

	s.ApplyChunk(0, "a")
	s.ApplyChunk(1, "b")
	// Re-deliver both applied chunks plus a duplicate of a buffered one.
	s.ApplyChunk(0, "a")
	s.ApplyChunk(1, "b")
	s.ApplyChunk(3, "d")
	s.ApplyChunk(3, "d")
	s.ApplyChunk(2, "c")

	if got := s.Text(); got != "abcd" {
		t.Errorf("text = %q, want %q", got, "abcd")
	}
}

func TestStartStreamResetsReorderBuffer(t *testing.T) {
	s := newTestState()
	s.StartStream("t1")
	s.ApplyChunk(0, "old")
	s.ApplyChunk(5, "stale-buffered")
	s.Complete()

	s.StartStream("t2")
	if s.LastChunkIndex != -1 {
		t.Fatalf("LastChunkIndex = %d after StartStream, want -1", s.LastChunkIndex)
	}
	if s.PendingCount() != 0 {
		t.Fatalf("pending = %d after StartStream, want 0", s.PendingCount())
	}

	s.ApplyChunk(0, "new")
	// The stale buffered chunk from t1 must not appear in t2's message.
	if len(s.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(s.Messages))
	}
	if got := s.Messages[1].Text(); got != "new" {
		t.Errorf("new stream text = %q, want %q", got, "new")
	}
}

func TestStartStreamAtResumesFromSnapshotIndex(t *testing.T) {
	s := newTestState()
	s.StartStreamAt("t1", 2)

	// Chunks 0..2 were consumed before this client connected; 3 is next.
	s.ApplyChunk(0, "dup")
	s.ApplyChunk(3, "live")

	if got := s.Text(); got != "live" {
		t.Errorf("text = %q, want %q", got, "live")
	}
	if s.LastChunkIndex != 3 {
		t.Errorf("LastChunkIndex = %d, want 3", s.LastChunkIndex)
	}
}

func TestThinkingPhaseTransitions(t *testing.T) {
	s := newTestState()
	if s.Phase() != PhaseIdle {
		t.Fatalf("initial phase = %v, want idle", s.Phase())
	}

	s.AppendUser("hi there")
	if s.Phase() != PhaseThinking {
		t.Fatalf("phase after user message = %v, want thinking", s.Phase())
	}

	s.StartStream("t1")
	if s.Phase() != PhaseThinking {
		t.Fatalf("phase after task start = %v, want thinking", s.Phase())
	}

	s.ApplyChunk(0, "first")
	if s.Phase() != PhaseStreaming {
		t.Fatalf("phase after first chunk = %v, want streaming", s.Phase())
	}

	s.Complete()
	if s.Phase() != PhaseIdle {
		t.Fatalf("phase after completion = %v, want idle", s.Phase())
	}
}

func TestThinkingNotEndedByBufferedChunk(t *testing.T) {
	s := newTestState()
	s.StartStream("t1")

	// An early chunk is buffered, not applied: still thinking.
	s.ApplyChunk(2, "later")
	if !s.Thinking {
		t.Error("buffered chunk must not end the thinking phase")
	}

	s.ApplyChunk(0, "first")
	if s.Thinking {
		t.Error("applied chunk must end the thinking phase")
	}
}

func TestCompleteClearsAllStreamingFlags(t *testing.T) {
	s := newTestState()
	s.StartStream("t1")
	s.ApplyChunk(0, "one")

	// Simulate the race: a new stream start already cleared the pointer
	// while the first message is still flagged streaming.
	first := s.Messages[0]
	s.StartStream("t2")
	s.ApplyChunk(0, "two")

	if !first.IsStreaming {
		t.Fatal("precondition: first message should still be streaming")
	}

	s.Complete()
	for i, m := range s.Messages {
		if m.IsStreaming {
			t.Errorf("message %d still flagged streaming after Complete", i)
		}
	}
	if s.StreamingMessageID != "" {
		t.Error("StreamingMessageID not cleared by Complete")
	}

	// Complete with no active pointer must still be safe.
	s.Complete()
}

func TestTextBlockAppendMerging(t *testing.T) {
	s := newTestState()
	s.StartStream("t1")
	s.ApplyChunk(0, "hello ")
	s.ApplyChunk(1, "world")

	msg := s.Messages[0]
	if len(msg.Blocks) != 1 {
		t.Fatalf("expected a single merged text block, got %d blocks", len(msg.Blocks))
	}

	// A tool block interleaved with text opens a new text block after it.
	s.UpsertTool("tool-1", "query_sheet", nil, nil, ToolStatusRunning)
	s.ApplyChunk(2, " again")

	if len(msg.Blocks) != 3 {
		t.Fatalf("expected text/tool/text blocks, got %d", len(msg.Blocks))
	}
	if _, ok := msg.Blocks[1].(*ToolUseBlock); !ok {
		t.Errorf("middle block is %T, want *ToolUseBlock", msg.Blocks[1])
	}
	if tb, ok := msg.Blocks[2].(*TextBlock); !ok || tb.Text != " again" {
		t.Errorf("trailing block = %#v, want new text block %q", msg.Blocks[2], " again")
	}
	if got := msg.Text(); got != "hello world again" {
		t.Errorf("message text = %q", got)
	}
}

func TestUpsertToolPatchesByID(t *testing.T) {
	s := newTestState()
	s.StartStream("t1")
	s.ApplyChunk(0, "running a tool: ")

	s.UpsertTool("tool-1", "fetch_rows", []byte(`{"limit":10}`), nil, ToolStatusPending)
	s.UpsertTool("tool-1", "", nil, nil, ToolStatusRunning)
	s.UpsertTool("tool-1", "", nil, []byte(`{"rows":3}`), ToolStatusComplete)

	msg := s.Messages[0]
	tool := msg.FindTool("tool-1")
	if tool == nil {
		t.Fatal("tool block not found")
	}
	if tool.Name != "fetch_rows" {
		t.Errorf("Name = %q, patch must not erase it", tool.Name)
	}
	if tool.Status != ToolStatusComplete {
		t.Errorf("Status = %q, want complete", tool.Status)
	}
	if string(tool.Result) != `{"rows":3}` {
		t.Errorf("Result = %s", tool.Result)
	}

	// Upserts never duplicate the block.
	count := 0
	for _, b := range msg.Blocks {
		if tb, ok := b.(*ToolUseBlock); ok && tb.ID == "tool-1" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("tool block count = %d, want 1", count)
	}
}

func TestUpsertToolForUnknownIDCreatesBlock(t *testing.T) {
	s := newTestState()
	s.StartStream("t1")

	s.UpsertTool("tool-9", "", nil, nil, "")
	tool := s.Messages[0].FindTool("tool-9")
	if tool == nil {
		t.Fatal("tool block was not created")
	}
	if tool.Status != ToolStatusPending {
		t.Errorf("default status = %q, want pending", tool.Status)
	}
}

func TestAddArtifactIsIdempotent(t *testing.T) {
	s := newTestState()
	s.StartStream("t1")
	art := ArtifactBlock{ID: "a1", Title: "Report", Filename: "report.html", MimeType: "text/html"}

	s.AddArtifact(art)
	art.Title = "Report v2"
	s.AddArtifact(art)

	count := 0
	var got *ArtifactBlock
	for _, m := range s.Messages {
		for _, b := range m.Blocks {
			if ab, ok := b.(*ArtifactBlock); ok && ab.ID == "a1" {
				count++
				got = ab
			}
		}
	}
	if count != 1 {
		t.Fatalf("artifact block count = %d, want 1", count)
	}
	if got.Title != "Report v2" {
		t.Errorf("Title = %q, redelivery should update in place", got.Title)
	}
}

func TestPendingBufferBoundForceClosesGap(t *testing.T) {
	s := newTestState()
	s.SetMaxPending(4)
	s.StartStream("t1")

	// Chunk 0 never arrives; everything else buffers until the bound trips.
	for i := 1; i <= 5; i++ {
		s.ApplyChunk(i, fmt.Sprintf("<%d>", i))
	}

	if got := s.Text(); got != "<1><2><3><4><5>" {
		t.Errorf("text after forced gap close = %q", got)
	}
	if s.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0 after forced drain", s.PendingCount())
	}
	if s.LastChunkIndex != 5 {
		t.Errorf("LastChunkIndex = %d, want 5", s.LastChunkIndex)
	}
}

func TestAppendErrorBlock(t *testing.T) {
	s := newTestState()
	s.StartStream("t1")
	s.ApplyChunk(0, "partial")
	s.AppendError("upstream worker crashed")

	msg := s.Messages[0]
	last := msg.Blocks[len(msg.Blocks)-1]
	eb, ok := last.(*ErrorBlock)
	if !ok {
		t.Fatalf("last block is %T, want *ErrorBlock", last)
	}
	if eb.Message != "upstream worker crashed" {
		t.Errorf("Message = %q", eb.Message)
	}
	// Text extraction skips non-text blocks.
	if got := s.Text(); got != "partial" {
		t.Errorf("text = %q, want %q", got, "partial")
	}
}

func TestMessagesOrderIsInsertionOrder(t *testing.T) {
	s := newTestState()
	s.AppendUser("question one")
	s.StartStream("t1")
	s.ApplyChunk(0, "answer one")
	s.Complete()
	s.AppendUser("question two")
	s.StartStream("t2")
	s.ApplyChunk(0, "answer two")
	s.Complete()

	wantRoles := []Role{RoleUser, RoleAssistant, RoleUser, RoleAssistant}
	if len(s.Messages) != len(wantRoles) {
		t.Fatalf("message count = %d, want %d", len(s.Messages), len(wantRoles))
	}
	for i, want := range wantRoles {
		if s.Messages[i].Role != want {
			t.Errorf("message %d role = %q, want %q", i, s.Messages[i].Role, want)
		}
	}
}
