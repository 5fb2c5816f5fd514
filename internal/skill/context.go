package skill

import (
	"context"
	"time"

	"github.com/rendis/agentrt/pkg/schema"
)

// AsyncRegistrar registers a fire-and-forget operation for the running task
// and returns its correlation id.
type AsyncRegistrar func(ctx context.Context, source string, timeout time.Duration) (string, error)

type registrarKey struct{}

// WithAsyncRegistrar makes r available to nodes running under ctx.
func WithAsyncRegistrar(ctx context.Context, r AsyncRegistrar) context.Context {
	return context.WithValue(ctx, registrarKey{}, r)
}

// RegisterAsync registers an async operation from inside a node. The
// returned correlation id must be handed to whoever will call back.
func RegisterAsync(ctx context.Context, source string, timeout time.Duration) (string, error) {
	r, ok := ctx.Value(registrarKey{}).(AsyncRegistrar)
	if !ok || r == nil {
		return "", schema.NewError(schema.ErrCodeUnsupportedOperation, "no task bound to context")
	}
	return r(ctx, source, timeout)
}
