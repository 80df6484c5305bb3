package lspsession

import (
	"context"
	"fmt"
)

// Reporter receives progress lines for the request that started an operation.
type Reporter func(msg string)

type reporterKey struct{}

// WithReporter attaches r to ctx. Progress of operations run with ctx is sent to r.
func WithReporter(ctx context.Context, r Reporter) context.Context {
	return context.WithValue(ctx, reporterKey{}, r)
}

// Report sends a formatted progress line to the reporter attached to ctx, if any.
func Report(ctx context.Context, format string, args ...interface{}) {
	r, ok := ctx.Value(reporterKey{}).(Reporter)
	if !ok || r == nil {
		return
	}
	r(fmt.Sprintf(format, args...))
}
