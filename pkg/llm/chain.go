package llm

import (
	"context"
)

// Middleware wraps a Backend with additional behavior. Middlewares are
// composed with Chain() into a processing pipeline around the base backend.
type Middleware func(next Backend) Backend

// backendFunc adapts plain functions to the Backend interface, for
// middleware implementations that only override some methods.
type backendFunc struct {
	complete  func(context.Context, Request) (Response, error)
	stream    func(context.Context, Request) (<-chan StreamChunk, error)
	modelName func() string
}

func (f backendFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f.complete(ctx, req)
}

func (f backendFunc) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	return f.stream(ctx, req)
}

func (f backendFunc) ModelName() string {
	return f.modelName()
}

// WrapBackend creates a Backend from the provided function implementations.
func WrapBackend(
	complete func(context.Context, Request) (Response, error),
	stream func(context.Context, Request) (<-chan StreamChunk, error),
	modelName func() string,
) Backend {
	return backendFunc{
		complete:  complete,
		stream:    stream,
		modelName: modelName,
	}
}

// Chain composes middlewares around a base Backend. Middlewares are applied
// in order, with earlier middlewares outermost:
//
//	Chain(backend, mw1, mw2, mw3) builds mw1 -> mw2 -> mw3 -> backend
//
// so mw1 sees the request first and the response last.
func Chain(base Backend, middlewares ...Middleware) Backend {
	backend := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		backend = middlewares[i](backend)
	}
	return backend
}
