// Package risk - request context propagation for collectors
package risk

import (
	"context"
	"time"
)

// RequestContext carries the caller-side attributes of the request
// being scored (IP, user agent, timestamp). Collectors read it from
// the context so that the Assess signature stays subject-oriented.
type RequestContext struct {
	IPAddress  string
	UserAgent  string
	Timestamp  time.Time
	Attributes map[string]string
}

type contextKey struct{}

// WithRequestContext attaches request attributes to a context
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// RequestContextFrom extracts request attributes, if present
func RequestContextFrom(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(contextKey{}).(RequestContext)
	return rc, ok
}
