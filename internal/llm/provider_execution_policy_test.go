package llm

import (
	"context"
	"testing"
)

func TestApplyExecutionPolicy_RaisesMaxTokensToFloor(t *testing.T) {
	req := Request{Provider: "acme", Model: "m"}
	policy := ProviderExecutionPolicy{MinMaxTokens: 16000, Reason: "acme truncates tool-history continuations below this floor"}

	out := ApplyExecutionPolicy(req, policy)
	if out.MaxTokens == nil || *out.MaxTokens != 16000 {
		t.Fatalf("MaxTokens = %v, want 16000", out.MaxTokens)
	}
}

func TestApplyExecutionPolicy_LeavesHigherExplicitValueAlone(t *testing.T) {
	v := 32000
	req := Request{Provider: "acme", Model: "m", MaxTokens: &v}
	policy := ProviderExecutionPolicy{MinMaxTokens: 16000}

	out := ApplyExecutionPolicy(req, policy)
	if out.MaxTokens != &v || *out.MaxTokens != 32000 {
		t.Fatalf("MaxTokens = %v, want unchanged 32000", out.MaxTokens)
	}
}

func TestApplyExecutionPolicy_ZeroPolicyIsNoOp(t *testing.T) {
	req := Request{Provider: "acme", Model: "m"}
	out := ApplyExecutionPolicy(req, ProviderExecutionPolicy{})
	if out.MaxTokens != nil {
		t.Fatalf("MaxTokens = %v, want nil", out.MaxTokens)
	}
}

func TestExecutionPolicyRegistry_PerProviderLookup(t *testing.T) {
	reg := NewExecutionPolicyRegistry()
	reg.Register("acme", ProviderExecutionPolicy{MinMaxTokens: 16000})

	if got := reg.Policy("acme").MinMaxTokens; got != 16000 {
		t.Fatalf("acme policy MinMaxTokens = %d, want 16000", got)
	}
	if got := reg.Policy("unregistered-provider"); got != (ProviderExecutionPolicy{}) {
		t.Fatalf("unregistered provider policy = %+v, want zero value", got)
	}
}

func TestExecutionPolicyMiddleware_ShapesRequestBeforeAdapter(t *testing.T) {
	reg := NewExecutionPolicyRegistry()
	reg.Register("acme", ProviderExecutionPolicy{MinMaxTokens: 16000})

	c := NewClient()
	var seenMaxTokens *int
	a := &fnAdapter{
		name: "acme",
		complete: func(ctx context.Context, req Request) (Response, error) {
			seenMaxTokens = req.MaxTokens
			return Response{Provider: "acme", Model: req.Model, Message: Assistant("ok")}, nil
		},
	}
	c.Register(a)
	c.Use(ExecutionPolicyMiddleware(reg))

	_, err := c.Complete(context.Background(), Request{Provider: "acme", Model: "m", Messages: []Message{User("hi")}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if seenMaxTokens == nil || *seenMaxTokens != 16000 {
		t.Fatalf("adapter saw MaxTokens = %v, want 16000", seenMaxTokens)
	}
}

// fnAdapter is a minimal ProviderAdapter backed by a closure, used to inspect
// the request the middleware chain ultimately delivers.
type fnAdapter struct {
	name     string
	complete func(ctx context.Context, req Request) (Response, error)
}

func (a *fnAdapter) Name() string { return a.name }

func (a *fnAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	return a.complete(ctx, req)
}

func (a *fnAdapter) Stream(ctx context.Context, req Request) (Stream, error) {
	return nil, context.Canceled
}
