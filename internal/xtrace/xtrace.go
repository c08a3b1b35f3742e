// Package xtrace provides low-volume debug breadcrumbs for the stage and
// event-loop packages, backed by golang.org/x/net/trace. It is deliberately
// separate from the FSM step trace file specified by spec.md §4.C, which has
// its own fixed three-line format and must never be routed through here.
package xtrace

import (
	"context"

	"golang.org/x/net/trace"
)

type traceKey struct{}

// NewContext returns a child of ctx carrying a new x/net/trace.Trace of the
// given family and title. Use WithContext to attach an existing Trace
// instead (eg one owned by a long-lived Stage rather than a single request).
func NewContext(ctx context.Context, family, title string) (context.Context, func()) {
	var tr = trace.New(family, title)
	return context.WithValue(ctx, traceKey{}, tr), tr.Finish
}

// WithContext attaches an already-constructed trace.Trace to ctx.
func WithContext(ctx context.Context, tr trace.Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, tr)
}

// Printf lazily formats and appends a line to the Trace carried by ctx, if
// any. It is a no-op when ctx carries no Trace, mirroring the teacher's
// addTrace helper (consumer/service.go).
func Printf(ctx context.Context, format string, args ...any) {
	if tr, ok := ctx.Value(traceKey{}).(trace.Trace); ok {
		tr.LazyPrintf(format, args...)
	}
}

// Errorf is like Printf but also marks the Trace as having seen an error.
func Errorf(ctx context.Context, format string, args ...any) {
	if tr, ok := ctx.Value(traceKey{}).(trace.Trace); ok {
		tr.LazyPrintf(format, args...)
		tr.SetError()
	}
}
