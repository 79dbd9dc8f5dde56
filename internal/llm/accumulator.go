package llm

import "encoding/json"

// toolCallBuffer accumulates one in-flight tool call's streamed arguments.
type toolCallBuffer struct {
	id   string
	name string
	typ  string
	args string
	done bool
}

// StreamAccumulator is a stateful consumer of a provider-neutral event
// stream. It carries no provider-specific branching: every event it
// understands has already been normalized by the adapter that produced it.
//
// A session keeps one accumulator per in-flight completion. BeginStep resets
// the per-step buffers (used when a single logical turn spans several
// provider round-trips, e.g. a "continue" resumption); FinalizeStep snapshots
// the step's Response into the step history without losing it.
type StreamAccumulator struct {
	provider string
	model    string

	textSegments      []string
	reasoningSegments []ThinkingPart

	toolOrder []string
	toolCalls map[string]*toolCallBuffer

	usage        Usage
	finishReason FinishReason
	responseID   string
	warnings     []string

	steps []Response
}

// NewStreamAccumulator builds an empty accumulator for one completion.
func NewStreamAccumulator(provider, model string) *StreamAccumulator {
	return &StreamAccumulator{
		provider:  provider,
		model:     model,
		toolCalls: make(map[string]*toolCallBuffer),
	}
}

// Feed consumes one stream event, updating the accumulator's state.
// Event kinds the accumulator does not model (stream_start, text_start,
// text_end) are accepted as no-ops: their information is implicit in
// segment ordering.
func (a *StreamAccumulator) Feed(ev StreamEvent) {
	switch ev.Type {
	case StreamEventTextDelta:
		a.appendTextDelta(ev.Delta)
	case StreamEventReasoningStart:
		a.reasoningSegments = append(a.reasoningSegments, ThinkingPart{})
	case StreamEventReasoningDelta:
		a.appendReasoningDelta(ev.Delta)
	case StreamEventReasoningEnd:
		a.closeReasoning(ev.Signature, ev.Redacted)
	case StreamEventToolCallStart:
		if ev.ToolCall == nil {
			return
		}
		a.toolOrder = append(a.toolOrder, ev.ToolCall.ID)
		a.toolCalls[ev.ToolCall.ID] = &toolCallBuffer{
			id:   ev.ToolCall.ID,
			name: ev.ToolCall.Name,
			typ:  ev.ToolCall.Type,
		}
	case StreamEventToolCallDelta:
		if ev.ToolCall == nil {
			return
		}
		buf, ok := a.toolCalls[ev.ToolCall.ID]
		if !ok {
			buf = &toolCallBuffer{id: ev.ToolCall.ID, name: ev.ToolCall.Name}
			a.toolOrder = append(a.toolOrder, ev.ToolCall.ID)
			a.toolCalls[ev.ToolCall.ID] = buf
		}
		if ev.ToolCall.Name != "" {
			buf.name = ev.ToolCall.Name
		}
		if ev.ToolCall.Type != "" {
			buf.typ = ev.ToolCall.Type
		}
		buf.args += string(ev.ToolCall.Arguments)
	case StreamEventToolCallEnd:
		if ev.ToolCall == nil {
			return
		}
		buf, ok := a.toolCalls[ev.ToolCall.ID]
		if !ok {
			buf = &toolCallBuffer{id: ev.ToolCall.ID}
			a.toolOrder = append(a.toolOrder, ev.ToolCall.ID)
			a.toolCalls[ev.ToolCall.ID] = buf
		}
		if ev.ToolCall.Name != "" {
			buf.name = ev.ToolCall.Name
		}
		if ev.ToolCall.Type != "" {
			buf.typ = ev.ToolCall.Type
		}
		if len(ev.ToolCall.Arguments) > 0 {
			buf.args = string(ev.ToolCall.Arguments)
		}
		buf.done = true
	case StreamEventFinish:
		if ev.FinishReason != nil {
			a.finishReason = *ev.FinishReason
		}
		if ev.Usage != nil {
			a.usage = *ev.Usage
		}
		if ev.Response != nil {
			a.responseID = ev.Response.ResponseID
		}
	case StreamEventError:
		if ev.Err != nil {
			a.warnings = append(a.warnings, ev.Err.Error())
		}
	}
}

func (a *StreamAccumulator) appendTextDelta(delta string) {
	if len(a.textSegments) == 0 {
		a.textSegments = append(a.textSegments, "")
	}
	a.textSegments[len(a.textSegments)-1] += delta
}

func (a *StreamAccumulator) appendReasoningDelta(delta string) {
	if len(a.reasoningSegments) == 0 {
		a.reasoningSegments = append(a.reasoningSegments, ThinkingPart{})
	}
	i := len(a.reasoningSegments) - 1
	a.reasoningSegments[i].Text += delta
}

func (a *StreamAccumulator) closeReasoning(signature string, redacted bool) {
	if len(a.reasoningSegments) == 0 {
		a.reasoningSegments = append(a.reasoningSegments, ThinkingPart{})
	}
	i := len(a.reasoningSegments) - 1
	a.reasoningSegments[i].Signature = signature
	a.reasoningSegments[i].Redacted = redacted
}

// BeginStep resets the per-step buffers (text, reasoning, tool calls) while
// preserving the step history recorded so far via FinalizeStep.
func (a *StreamAccumulator) BeginStep() {
	a.textSegments = nil
	a.reasoningSegments = nil
	a.toolOrder = nil
	a.toolCalls = make(map[string]*toolCallBuffer)
	a.finishReason = FinishReason{}
	a.usage = Usage{}
	a.responseID = ""
}

// FinalizeStep snapshots the current step's assembled Response into the
// step history and returns it.
func (a *StreamAccumulator) FinalizeStep() Response {
	r := a.Response()
	a.steps = append(a.steps, r)
	return r
}

// Steps returns every Response snapshotted by FinalizeStep, in order.
func (a *StreamAccumulator) Steps() []Response {
	return append([]Response{}, a.steps...)
}

// Warnings returns any transport-level warnings observed (e.g. mid-stream
// error events that did not abort the stream).
func (a *StreamAccumulator) Warnings() []string {
	return append([]string{}, a.warnings...)
}

// Response assembles the current step's content: reasoning segments first
// (one ContentPart per segment, in arrival order), then the single text
// part if any text was accumulated, then one tool-call ContentPart per
// completed call in the order each call was first seen (tool_call_start or,
// absent that, its first delta).
func (a *StreamAccumulator) Response() Response {
	var parts []ContentPart
	for _, seg := range a.reasoningSegments {
		if seg.Text == "" && seg.Signature == "" && !seg.Redacted {
			continue
		}
		s := seg
		kind := ContentThinking
		if s.Redacted {
			kind = ContentRedThinking
		}
		parts = append(parts, ContentPart{Kind: kind, Thinking: &s})
	}

	text := ""
	for _, seg := range a.textSegments {
		text += seg
	}
	if text != "" {
		parts = append(parts, ContentPart{Kind: ContentText, Text: text})
	}

	for _, id := range a.toolOrder {
		buf, ok := a.toolCalls[id]
		if !ok || !buf.done {
			continue
		}
		parts = append(parts, ContentPart{Kind: ContentToolCall, ToolCall: &ToolCallData{
			ID:        buf.id,
			Name:      buf.name,
			Arguments: decodeToolArguments(buf.args),
			Type:      buf.typ,
		}})
	}

	return Response{
		Provider:   a.provider,
		Model:      a.model,
		Message:    Message{Role: RoleAssistant, Content: parts},
		Finish:     a.finishReason,
		Usage:      a.usage,
		ResponseID: a.responseID,
	}
}

// decodeToolArguments validates the buffered argument string as JSON,
// keeping it verbatim when valid. When the accumulated text is not valid
// JSON (a truncated or malformed stream), it falls back to encoding the raw
// string as a JSON string value so callers always receive parseable JSON.
func decodeToolArguments(raw string) json.RawMessage {
	if raw == "" {
		return nil
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	return json.RawMessage(b)
}
