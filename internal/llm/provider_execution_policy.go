package llm

import (
	"context"

	"github.com/pipeweave/pipeweave/internal/providerspec"
)

// ProviderExecutionPolicy is a per-provider request-shaping rule applied
// between request construction and the provider adapter call — e.g. forcing
// a minimum max-tokens value for a provider whose low defaults are known to
// truncate tool-history continuations.
type ProviderExecutionPolicy struct {
	ForceStream  bool
	MinMaxTokens int
	Reason       string
}

// ExecutionPolicyRegistry holds one ProviderExecutionPolicy per canonical
// provider key. It carries no vendor knowledge of its own: callers register
// whichever provider quirks their deployment needs to work around.
type ExecutionPolicyRegistry struct {
	policies map[string]ProviderExecutionPolicy
}

// NewExecutionPolicyRegistry returns an empty registry.
func NewExecutionPolicyRegistry() *ExecutionPolicyRegistry {
	return &ExecutionPolicyRegistry{policies: map[string]ProviderExecutionPolicy{}}
}

// Register associates a policy with a provider name (any alias accepted by
// providerspec.CanonicalProviderKey).
func (r *ExecutionPolicyRegistry) Register(provider string, policy ProviderExecutionPolicy) {
	if r.policies == nil {
		r.policies = map[string]ProviderExecutionPolicy{}
	}
	r.policies[providerspec.CanonicalProviderKey(provider)] = policy
}

// Policy returns the registered policy for provider, or the zero value
// (no-op) if none was registered.
func (r *ExecutionPolicyRegistry) Policy(provider string) ProviderExecutionPolicy {
	if r == nil || r.policies == nil {
		return ProviderExecutionPolicy{}
	}
	return r.policies[providerspec.CanonicalProviderKey(provider)]
}

// ApplyExecutionPolicy raises req.MaxTokens to policy.MinMaxTokens when the
// request's current value (explicit or unset, treated as 0) falls short.
// A zero-value policy is a no-op.
func ApplyExecutionPolicy(req Request, policy ProviderExecutionPolicy) Request {
	if policy.MinMaxTokens <= 0 {
		return req
	}
	current := 0
	if req.MaxTokens != nil {
		current = *req.MaxTokens
	}
	if current >= policy.MinMaxTokens {
		return req
	}
	v := policy.MinMaxTokens
	req.MaxTokens = &v
	return req
}

// ExecutionPolicyMiddleware builds a Middleware that applies reg's policy to
// every outgoing request (Complete and Stream alike) before it reaches the
// adapter. ForceStream is left for the caller to honor at the call-site that
// picks Complete vs. Stream; this middleware only shapes the request itself.
func ExecutionPolicyMiddleware(reg *ExecutionPolicyRegistry) Middleware {
	return Middleware{
		Complete: func(ctx context.Context, req Request, next CompleteFunc) (Response, error) {
			return next(ctx, ApplyExecutionPolicy(req, reg.Policy(req.Provider)))
		},
		Stream: func(ctx context.Context, req Request, next StreamFunc) (Stream, error) {
			return next(ctx, ApplyExecutionPolicy(req, reg.Policy(req.Provider)))
		},
	}
}
