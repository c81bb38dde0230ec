// Package correlation tags each request with an identifier that follows
// it through logs and response headers.
package correlation

import (
	"context"
	"strings"

	"github.com/rs/xid"
)

type contextKey struct{}

// Generate mints a new correlation ID.
func Generate() string {
	return xid.New().String()
}

// Set stores id on ctx.
func Set(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, id)
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}

// Ensure returns ctx carrying a correlation ID, minting one when absent.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := Generate()
	return Set(ctx, id), id
}
