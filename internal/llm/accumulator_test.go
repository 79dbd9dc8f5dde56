package llm

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestStreamAccumulator_TextRoundTrip(t *testing.T) {
	acc := NewStreamAccumulator("openai", "m")
	deltas := []string{"Hel", "lo, ", "world"}

	acc.Feed(StreamEvent{Type: StreamEventStreamStart})
	acc.Feed(StreamEvent{Type: StreamEventTextStart, TextID: "t1"})
	for _, d := range deltas {
		acc.Feed(StreamEvent{Type: StreamEventTextDelta, TextID: "t1", Delta: d})
	}
	acc.Feed(StreamEvent{Type: StreamEventTextEnd, TextID: "t1"})
	acc.Feed(StreamEvent{Type: StreamEventFinish, FinishReason: &FinishReason{Reason: "stop"}})

	resp := acc.Response()
	want := strings.Join(deltas, "")
	if got := resp.Text(); got != want {
		t.Fatalf("Text() = %q, want %q", got, want)
	}
	if resp.Finish.Reason != "stop" {
		t.Fatalf("Finish = %+v", resp.Finish)
	}
}

func TestStreamAccumulator_ReasoningOrderedBeforeText(t *testing.T) {
	acc := NewStreamAccumulator("anthropic", "m")

	// Interleave reasoning and text deltas; per §9 Open Questions, reasoning
	// must be ordered strictly before text in the assembled response
	// regardless of stream interleaving.
	acc.Feed(StreamEvent{Type: StreamEventTextStart, TextID: "t1"})
	acc.Feed(StreamEvent{Type: StreamEventTextDelta, TextID: "t1", Delta: "partial answer"})
	acc.Feed(StreamEvent{Type: StreamEventReasoningStart, ReasoningID: "r1"})
	acc.Feed(StreamEvent{Type: StreamEventReasoningDelta, ReasoningID: "r1", Delta: "thinking it through"})
	acc.Feed(StreamEvent{Type: StreamEventReasoningEnd, ReasoningID: "r1", Signature: "sig-1"})

	resp := acc.Response()
	if len(resp.Message.Content) < 2 {
		t.Fatalf("expected at least 2 content parts, got %+v", resp.Message.Content)
	}
	if resp.Message.Content[0].Kind != ContentThinking {
		t.Fatalf("first content part = %v, want thinking", resp.Message.Content[0].Kind)
	}
	if resp.Message.Content[0].Thinking.Text != "thinking it through" {
		t.Fatalf("reasoning text = %q", resp.Message.Content[0].Thinking.Text)
	}
	if resp.Message.Content[0].Thinking.Signature != "sig-1" {
		t.Fatalf("reasoning signature = %q", resp.Message.Content[0].Thinking.Signature)
	}
	lastKind := resp.Message.Content[len(resp.Message.Content)-1].Kind
	if lastKind != ContentText && lastKind != ContentToolCall {
		t.Fatalf("expected text/tool-call to follow reasoning, got %v", lastKind)
	}
}

func TestStreamAccumulator_ToolCallArgumentsDecodeOnEnd(t *testing.T) {
	acc := NewStreamAccumulator("openai", "m")

	acc.Feed(StreamEvent{Type: StreamEventToolCallStart, ToolCall: &ToolCallData{ID: "c1", Name: "read_file", Type: "function"}})
	acc.Feed(StreamEvent{Type: StreamEventToolCallDelta, ToolCall: &ToolCallData{ID: "c1", Arguments: []byte(`{"path":`)}})
	acc.Feed(StreamEvent{Type: StreamEventToolCallDelta, ToolCall: &ToolCallData{ID: "c1", Arguments: []byte(`"a.go"}`)}})
	acc.Feed(StreamEvent{Type: StreamEventToolCallEnd, ToolCall: &ToolCallData{ID: "c1"}})

	resp := acc.Response()
	calls := resp.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	if calls[0].Name != "read_file" {
		t.Fatalf("tool call name = %q", calls[0].Name)
	}
	if string(calls[0].Arguments) != `{"path":"a.go"}` {
		t.Fatalf("tool call arguments = %s", calls[0].Arguments)
	}
}

func TestStreamAccumulator_UndecodableToolArguments_FallBackToRawString(t *testing.T) {
	acc := NewStreamAccumulator("openai", "m")

	acc.Feed(StreamEvent{Type: StreamEventToolCallStart, ToolCall: &ToolCallData{ID: "c1", Name: "grep"}})
	acc.Feed(StreamEvent{Type: StreamEventToolCallDelta, ToolCall: &ToolCallData{ID: "c1", Arguments: []byte(`not json {`)}})
	acc.Feed(StreamEvent{Type: StreamEventToolCallEnd, ToolCall: &ToolCallData{ID: "c1"}})

	resp := acc.Response()
	calls := resp.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	var decoded string
	if err := json.Unmarshal(calls[0].Arguments, &decoded); err != nil {
		t.Fatalf("expected fallback raw-string JSON, got undecodable %s: %v", calls[0].Arguments, err)
	}
	if decoded != "not json {" {
		t.Fatalf("decoded = %q", decoded)
	}
}

func TestStreamAccumulator_IncompleteToolCall_OmittedFromResponse(t *testing.T) {
	acc := NewStreamAccumulator("openai", "m")

	acc.Feed(StreamEvent{Type: StreamEventToolCallStart, ToolCall: &ToolCallData{ID: "c1", Name: "grep"}})
	acc.Feed(StreamEvent{Type: StreamEventToolCallDelta, ToolCall: &ToolCallData{ID: "c1", Arguments: []byte(`{}`)}})
	// No ToolCallEnd: the call never completed (e.g. mid-stream abort).

	resp := acc.Response()
	if len(resp.ToolCalls()) != 0 {
		t.Fatalf("expected no tool calls for an unfinished buffer, got %+v", resp.ToolCalls())
	}
}

func TestStreamAccumulator_BeginStepResetsButKeepsHistory(t *testing.T) {
	acc := NewStreamAccumulator("openai", "m")

	acc.Feed(StreamEvent{Type: StreamEventTextDelta, Delta: "first"})
	first := acc.FinalizeStep()
	if first.Text() != "first" {
		t.Fatalf("first step text = %q", first.Text())
	}

	acc.BeginStep()
	acc.Feed(StreamEvent{Type: StreamEventTextDelta, Delta: "second"})
	second := acc.FinalizeStep()
	if second.Text() != "second" {
		t.Fatalf("second step text = %q", second.Text())
	}

	steps := acc.Steps()
	if len(steps) != 2 {
		t.Fatalf("expected 2 snapshotted steps, got %d", len(steps))
	}
	if steps[0].Text() != "first" || steps[1].Text() != "second" {
		t.Fatalf("steps = %+v", steps)
	}
}
