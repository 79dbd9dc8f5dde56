package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the speaker of a Message in a provider-neutral conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind discriminates the payload carried by a ContentPart.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentThinking   ContentKind = "thinking"
	ContentRedThinking ContentKind = "redacted_thinking"
	ContentToolCall   ContentKind = "tool_call"
	ContentToolResult ContentKind = "tool_result"
)

// ThinkingPart carries a reasoning segment, optionally signed or redacted by the provider.
type ThinkingPart struct {
	Text      string
	Signature string
	Redacted  bool
}

// ToolCallData is a single tool invocation requested by the assistant.
type ToolCallData struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Type      string          `json:"type,omitempty"`
}

// ToolResultData carries the outcome of executing a ToolCallData back to the model.
type ToolResultData struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    any    `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ContentPart is one typed slice of a Message's content. Exactly one of the
// pointer/value fields is populated, selected by Kind.
type ContentPart struct {
	Kind ContentKind

	Text     string
	Thinking *ThinkingPart
	ToolCall *ToolCallData
	ToolResult *ToolResultData
}

// Message is one provider-neutral turn in a conversation.
type Message struct {
	Role    Role
	Content []ContentPart

	// Name and ToolCallID are set on tool-result messages (Role == RoleTool).
	Name       string
	ToolCallID string

	ReasoningEffort *string `json:"-"`
}

// Text concatenates all text content parts of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Content {
		if p.Kind == ContentText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolCalls returns every tool-call content part's ToolCallData.
func (m Message) ToolCalls() []ToolCallData {
	var out []ToolCallData
	for _, p := range m.Content {
		if p.Kind == ContentToolCall && p.ToolCall != nil {
			out = append(out, *p.ToolCall)
		}
	}
	return out
}

// User builds a plain-text user message.
func User(text string) Message {
	return Message{Role: RoleUser, Content: []ContentPart{{Kind: ContentText, Text: text}}}
}

// System builds a plain-text system message.
func System(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentPart{{Kind: ContentText, Text: text}}}
}

// Assistant builds a plain-text assistant message.
func Assistant(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentPart{{Kind: ContentText, Text: text}}}
}

// ToolResultNamed builds a tool-result message for a single call, identified by
// both its call id and the tool name (used for display/fingerprinting).
func ToolResultNamed(callID, toolName, output string, isError bool) Message {
	return Message{
		Role:       RoleTool,
		Name:       toolName,
		ToolCallID: callID,
		Content: []ContentPart{{
			Kind: ContentToolResult,
			ToolResult: &ToolResultData{
				ToolCallID: callID,
				Name:       toolName,
				Content:    output,
				IsError:    isError,
			},
		}},
	}
}

// ToolDefinition is a provider-neutral JSON-schema tool declaration.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ValidateToolName rejects empty or whitespace-only tool names.
func ValidateToolName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	return nil
}

// Usage reports token accounting for one completion.
type Usage struct {
	InputTokens     int
	OutputTokens    int
	ReasoningTokens int
	TotalTokens     int
}

// FinishReason is the provider-reported reason generation stopped.
type FinishReason struct {
	Reason string
}

// Request is a provider-neutral completion request.
type Request struct {
	Provider string
	Model    string
	Messages []Message
	Tools    []ToolDefinition

	MaxTokens       *int
	ReasoningEffort *string
	ProviderOptions map[string]any
}

// Validate checks the minimal invariants every provider adapter can rely on.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ConfigurationError{Message: "request.Model must not be empty"}
	}
	if len(r.Messages) == 0 {
		return &ConfigurationError{Message: "request.Messages must not be empty"}
	}
	return nil
}

// Response is a provider-neutral completion result.
type Response struct {
	Provider   string
	Model      string
	Message    Message
	Finish     FinishReason
	Usage      Usage
	ResponseID string
}

// Text returns the assistant message's concatenated text content.
func (r Response) Text() string { return r.Message.Text() }

// ToolCalls returns the assistant message's tool calls, if any.
func (r Response) ToolCalls() []ToolCallData { return r.Message.ToolCalls() }
