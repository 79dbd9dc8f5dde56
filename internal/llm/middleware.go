package llm

import "context"

// CompleteFunc is the signature of a non-streaming completion call.
type CompleteFunc func(ctx context.Context, req Request) (Response, error)

// StreamFunc is the signature of a streaming completion call.
type StreamFunc func(ctx context.Context, req Request) (Stream, error)

// MiddlewareFunc wraps the Complete and/or Stream request phases. Either may
// be left nil to pass through unmodified. Middleware is applied in
// registration order on the request path and reverse order on the
// response/event path (each middleware wraps the next).
type MiddlewareFunc struct {
	Complete func(ctx context.Context, req Request, next CompleteFunc) (Response, error)
	Stream   func(ctx context.Context, req Request, next StreamFunc) (Stream, error)
}

// Middleware is the type accepted by Client.Use.
type Middleware = MiddlewareFunc

func applyMiddlewareComplete(base CompleteFunc, mws []Middleware) CompleteFunc {
	handler := base
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		if mw.Complete == nil {
			continue
		}
		next := handler
		fn := mw.Complete
		handler = func(ctx context.Context, req Request) (Response, error) {
			return fn(ctx, req, next)
		}
	}
	return handler
}

func applyMiddlewareStream(base StreamFunc, mws []Middleware) StreamFunc {
	handler := base
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		if mw.Stream == nil {
			continue
		}
		next := handler
		fn := mw.Stream
		handler = func(ctx context.Context, req Request) (Stream, error) {
			return fn(ctx, req, next)
		}
	}
	return handler
}
