package llm

import (
	"context"
)

// Middleware represents a function that wraps a Provider with additional behavior.
// Middleware functions are composed using Chain() to create a processing pipeline.
type Middleware func(next Provider) Provider

// providerFunc adapts a plain function to the Provider interface.
type providerFunc struct {
	send func(context.Context, Request) (Response, error)
	name string
}

func (f providerFunc) Send(ctx context.Context, req Request) (Response, error) {
	return f.send(ctx, req)
}

func (f providerFunc) Name() string {
	return f.name
}

// WrapProvider creates a Provider from a send function. Middleware uses it to
// decorate next while keeping next's name.
func WrapProvider(name string, send func(context.Context, Request) (Response, error)) Provider {
	return providerFunc{send: send, name: name}
}

// Chain composes multiple middlewares around a base Provider.
// Middlewares are applied in order, with earlier middlewares being outermost.
//
// For example: Chain(p, mw1, mw2, mw3) creates the call stack:
//
//	mw1 -> mw2 -> mw3 -> p
func Chain(base Provider, middlewares ...Middleware) Provider {
	p := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] == nil {
			continue
		}
		p = middlewares[i](p)
	}
	return p
}
