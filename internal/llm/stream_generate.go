package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Tool pairs a provider-neutral tool declaration with an optional local
// executor. A Tool with a nil Execute is "passive": the model may call it,
// but StreamGenerate surfaces the call and stops rather than looping.
type Tool struct {
	Definition ToolDefinition
	Execute    func(ctx context.Context, args any) (any, error)
}

// GenerateOptions configures one StreamGenerate call, including its
// multi-round tool-calling loop.
type GenerateOptions struct {
	Client   *Client
	Provider string
	Model    string

	// Prompt is a convenience for a single user message. Ignored if Messages
	// is set.
	Prompt   *string
	Messages []Message

	Tools           []Tool
	MaxToolRounds   *int
	ReasoningEffort *string
	ProviderOptions map[string]any

	// RetryPolicy governs retrying a stream attempt that fails before any
	// data was delivered (the adapter's Stream call itself errors, or an
	// ERROR event arrives before any delta). Once any delta has reached the
	// caller, a failing stream is never retried.
	RetryPolicy *RetryPolicy
	Sleep       SleepFunc
}

const defaultMaxToolRounds = 25

// StreamResult is the handle StreamGenerate returns: a live event channel
// plus a Response() that blocks for the final assembled result.
type StreamResult struct {
	events chan StreamEvent
	done   chan struct{}
	cancel context.CancelFunc

	mu      sync.Mutex
	resp    *Response
	err     error
}

func (r *StreamResult) Events() <-chan StreamEvent { return r.events }

// Close aborts the in-flight request, if any, and releases resources.
func (r *StreamResult) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

// Response blocks until the tool-round loop completes (successfully or not)
// and returns the final assembled response.
func (r *StreamResult) Response() (*Response, error) {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resp, r.err
}

// StreamGenerate drives a full multi-round tool-calling completion over a
// Client, normalizing provider streaming events into one event channel and
// executing locally-registered tools between rounds (mirrors the Agent
// Session's tool-round loop, but as a standalone, session-free helper).
func StreamGenerate(ctx context.Context, opts GenerateOptions) (*StreamResult, error) {
	if opts.Client == nil {
		return nil, &ConfigurationError{Message: "GenerateOptions.Client must not be nil"}
	}
	messages := opts.Messages
	if len(messages) == 0 && opts.Prompt != nil {
		messages = []Message{User(*opts.Prompt)}
	}
	if len(messages) == 0 {
		return nil, &ConfigurationError{Message: "GenerateOptions requires Messages or Prompt"}
	}

	runCtx, cancel := context.WithCancel(ctx)
	res := &StreamResult{
		events: make(chan StreamEvent, 256),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	toolDefs := make([]ToolDefinition, 0, len(opts.Tools))
	execByName := make(map[string]func(context.Context, any) (any, error), len(opts.Tools))
	for _, t := range opts.Tools {
		toolDefs = append(toolDefs, t.Definition)
		execByName[t.Definition.Name] = t.Execute
	}

	maxRounds := defaultMaxToolRounds
	if opts.MaxToolRounds != nil {
		maxRounds = *opts.MaxToolRounds
	}

	go runStreamGenerate(runCtx, opts, messages, toolDefs, execByName, maxRounds, res)

	return res, nil
}

func runStreamGenerate(
	ctx context.Context,
	opts GenerateOptions,
	messages []Message,
	toolDefs []ToolDefinition,
	execByName map[string]func(context.Context, any) (any, error),
	maxRounds int,
	res *StreamResult,
) {
	defer close(res.events)
	defer close(res.done)

	toolRounds := 0
	for {
		req := Request{
			Provider:        opts.Provider,
			Model:           opts.Model,
			Messages:        messages,
			Tools:           toolDefs,
			ReasoningEffort: opts.ReasoningEffort,
			ProviderOptions: opts.ProviderOptions,
		}

		resp, err := attemptStream(ctx, opts.Client, req, opts.RetryPolicy, opts.Sleep, res.events)
		if err != nil {
			res.mu.Lock()
			res.err = err
			res.mu.Unlock()
			return
		}

		messages = append(messages, resp.Message)
		calls := resp.ToolCalls()
		if len(calls) == 0 {
			rp := resp
			res.mu.Lock()
			res.resp = &rp
			res.mu.Unlock()
			return
		}

		anyActive := false
		for _, c := range calls {
			if fn := execByName[c.Name]; fn != nil {
				anyActive = true
				break
			}
		}
		if !anyActive || toolRounds >= maxRounds {
			rp := resp
			res.mu.Lock()
			res.resp = &rp
			res.mu.Unlock()
			return
		}
		toolRounds++

		for _, c := range calls {
			fn, ok := execByName[c.Name]
			if !ok || fn == nil {
				continue
			}
			var args any
			if len(c.Arguments) > 0 {
				_ = json.Unmarshal(c.Arguments, &args)
			}
			out, execErr := fn(ctx, args)
			content := toolOutputString(out)
			if execErr != nil {
				if content == "" {
					content = execErr.Error()
				}
				messages = append(messages, ToolResultNamed(c.ID, c.Name, content, true))
				continue
			}
			messages = append(messages, ToolResultNamed(c.ID, c.Name, content, false))
		}

		rp := resp
		res.events <- StreamEvent{Type: StreamEventStepFinish, Response: &rp, FinishReason: &rp.Finish, Usage: &rp.Usage}
	}
}

// attemptStream opens and drains one multi-attempt streaming call, retrying
// per policy only while no data has reached the caller yet.
func attemptStream(ctx context.Context, client *Client, req Request, policy *RetryPolicy, sleep SleepFunc, out chan<- StreamEvent) (Response, error) {
	p := RetryPolicy{}
	if policy != nil {
		p = *policy
	}
	if sleep == nil {
		sleep = defaultSleep
	}

	for attempt := 1; ; attempt++ {
		st, err := client.Stream(ctx, req)
		if err != nil {
			if attempt <= p.MaxRetries {
				if serr := sleep(ctx, retryDelay(p, attempt, seedFor(ctx, attempt))); serr != nil {
					return Response{}, serr
				}
				continue
			}
			return Response{}, err
		}

		resp, delivered, derr := drainStream(ctx, req.Provider, st, out)
		if derr == nil {
			return resp, nil
		}
		if !delivered && attempt <= p.MaxRetries {
			if serr := sleep(ctx, retryDelay(p, attempt, seedFor(ctx, attempt))); serr != nil {
				return Response{}, serr
			}
			continue
		}
		return Response{}, derr
	}
}

func drainStream(ctx context.Context, provider string, st Stream, out chan<- StreamEvent) (resp Response, delivered bool, err error) {
	acc := NewStreamAccumulator(provider, "")
	var final *Response
	for {
		select {
		case <-ctx.Done():
			ae := NewAbortError(provider)
			out <- StreamEvent{Type: StreamEventError, Err: ae}
			_ = st.Close()
			return Response{}, delivered, ae
		case ev, ok := <-st.Events():
			if !ok {
				if final != nil {
					return *final, delivered, nil
				}
				return Response{}, delivered, NewStreamError(provider, "stream closed before finish")
			}
			out <- ev
			acc.Feed(ev)
			switch ev.Type {
			case StreamEventTextDelta, StreamEventToolCallDelta, StreamEventToolCallStart, StreamEventReasoningDelta:
				delivered = true
			case StreamEventFinish:
				if ev.Response != nil {
					final = ev.Response
				} else {
					final = new(Response)
					*final = acc.FinalizeStep()
				}
			case StreamEventError:
				if ev.Err != nil {
					return Response{}, delivered, ev.Err
				}
				return Response{}, delivered, NewStreamError(provider, "stream reported an error")
			}
		}
	}
}

func toolOutputString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
