package protocol

import (
	"testing"
)

func TestDecodeTaskChunk(t *testing.T) {
	frame := []byte(`{"type":"task_chunk","conversation_id":"c1","task_id":"t1","index":0,"content":"Hel"}`)
	ev, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	chunk, ok := ev.(TaskChunk)
	if !ok {
		t.Fatalf("expected TaskChunk, got %T", ev)
	}
	if chunk.ConversationID != "c1" || chunk.TaskID != "t1" || chunk.Index != 0 || chunk.Content != "Hel" {
		t.Errorf("unexpected chunk: %+v", chunk)
	}
}

func TestDecodeActiveTasks(t *testing.T) {
	frame := []byte(`{"type":"active_tasks","tasks":[{"id":"t1","conversation_id":"c1","status":"running","output_chunks":[{"index":0,"type":"text","data":"hi","timestamp":"2026-01-01T00:00:00Z"}]}]}`)
	ev, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	snap, ok := ev.(ActiveTasks)
	if !ok {
		t.Fatalf("expected ActiveTasks, got %T", ev)
	}
	if len(snap.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(snap.Tasks))
	}
	task := snap.Tasks[0]
	if task.ID != "t1" || task.ConversationID != "c1" || task.Status != "running" {
		t.Errorf("unexpected task: %+v", task)
	}
	if len(task.OutputChunks) != 1 || task.OutputChunks[0].Data != "hi" {
		t.Errorf("unexpected output chunks: %+v", task.OutputChunks)
	}
}

func TestDecodeTaskLifecycle(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"task_started","conversation_id":"c1","task_id":"t1"}`))
	if err != nil {
		t.Fatalf("Decode task_started failed: %v", err)
	}
	if _, ok := ev.(TaskStarted); !ok {
		t.Fatalf("expected TaskStarted, got %T", ev)
	}

	ev, err = Decode([]byte(`{"type":"task_complete","conversation_id":"c1","task_id":"t1"}`))
	if err != nil {
		t.Fatalf("Decode task_complete failed: %v", err)
	}
	if _, ok := ev.(TaskComplete); !ok {
		t.Fatalf("expected TaskComplete, got %T", ev)
	}
}

func TestDecodeToolUpdate(t *testing.T) {
	frame := []byte(`{"type":"tool_update","conversation_id":"c1","tool_id":"tool-1","result":{"rows":3},"status":"complete"}`)
	ev, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	tu, ok := ev.(ToolUpdate)
	if !ok {
		t.Fatalf("expected ToolUpdate, got %T", ev)
	}
	if tu.ToolID != "tool-1" || tu.Status != "complete" {
		t.Errorf("unexpected tool update: %+v", tu)
	}
}

func TestDecodeArtifactCreated(t *testing.T) {
	frame := []byte(`{"type":"artifact_created","conversation_id":"c1","artifact":{"id":"a1","title":"Report","filename":"report.html","content_type":"app","mime_type":"text/html"}}`)
	ev, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	ac, ok := ev.(ArtifactCreated)
	if !ok {
		t.Fatalf("expected ArtifactCreated, got %T", ev)
	}
	if ac.Artifact.ID != "a1" || ac.Artifact.Title != "Report" {
		t.Errorf("unexpected artifact: %+v", ac.Artifact)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `{{{`},
		{"missing type", `{"conversation_id":"c1"}`},
		{"chunk without index", `{"type":"task_chunk","conversation_id":"c1","content":"x"}`},
		{"chunk negative index", `{"type":"task_chunk","conversation_id":"c1","index":-1,"content":"x"}`},
		{"chunk without conversation", `{"type":"task_chunk","index":0,"content":"x"}`},
		{"started without task", `{"type":"task_started","conversation_id":"c1"}`},
		{"tool without id", `{"type":"tool_update","conversation_id":"c1","status":"running"}`},
		{"artifact without id", `{"type":"artifact_created","conversation_id":"c1","artifact":{"title":"x"}}`},
		{"snapshot task missing ids", `{"type":"active_tasks","tasks":[{"status":"running"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.frame))
			if err == nil {
				t.Errorf("expected error, got event %#v", ev)
			}
		})
	}
}

func TestDecodeIgnoredKinds(t *testing.T) {
	tests := []string{
		`{"type":"sync_progress","percent":50}`,
		`{"type":"keepalive_ack"}`,
		`{"type":"some_future_event","data":123}`,
	}
	for _, frame := range tests {
		ev, err := Decode([]byte(frame))
		if err != nil {
			t.Errorf("Decode(%s) returned error: %v", frame, err)
		}
		if ev != nil {
			t.Errorf("Decode(%s) returned event %#v, want nil", frame, ev)
		}
	}
}

func TestDecodeChunkIndexZeroIsValid(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"task_chunk","conversation_id":"c1","index":0,"content":""}`))
	if err != nil {
		t.Fatalf("index 0 must be valid: %v", err)
	}
	if ev.(TaskChunk).Index != 0 {
		t.Error("index 0 lost in decode")
	}
}
