package agent

import "time"

// EventKind identifies one kind of SessionEvent a Session emits over its
// lifetime, matching the event taxonomy named for the Agent Session.
type EventKind string

const (
	EventSessionStart       EventKind = "session_start"
	EventUserInput          EventKind = "user_input"
	EventAssistantTextStart EventKind = "assistant_text_start"
	EventAssistantTextDelta EventKind = "assistant_text_delta"
	EventAssistantTextEnd   EventKind = "assistant_text_end"
	EventToolCallStart      EventKind = "tool_call_start"
	EventToolCallOutputDelta EventKind = "tool_call_output_delta"
	EventToolCallEnd        EventKind = "tool_call_end"
	EventSteeringInjected   EventKind = "steering_injected"
	EventLoopDetection      EventKind = "loop_detection"
	EventTurnLimit          EventKind = "turn_limit"
	EventWarning            EventKind = "warning"
	EventError              EventKind = "error"
	EventInputComplete      EventKind = "input_complete"
	EventSessionEnd         EventKind = "session_end"
)

// SessionEvent is one timestamped, typed notification a Session publishes on
// its event channel. Data carries kind-specific fields (e.g. "tool_name",
// "call_id", "delta") as a loosely-typed bag, matching the engine's own
// Event convention (internal/attractor/engine/events.go) rather than one
// struct type per kind.
type SessionEvent struct {
	Kind      EventKind
	Timestamp time.Time
	SessionID string
	Data      map[string]any
}

// SessionState is the Agent Session's lifecycle state.
type SessionState string

const (
	StateIdle          SessionState = "idle"
	StateProcessing    SessionState = "processing"
	StateAwaitingInput SessionState = "awaiting_input"
	StateClosed        SessionState = "closed"
)
