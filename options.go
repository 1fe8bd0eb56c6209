package worker

import (
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Option configures a Host.
type Option func(*hostOptions)

type hostOptions struct {
	logger         *zap.Logger
	tracerProvider trace.TracerProvider
	origin         Fetcher
	pool           *ants.Pool
}

// WithLogger sets the host logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *hostOptions) { o.logger = l }
}

// WithTracerProvider sets the provider for invocation spans. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *hostOptions) { o.tracerProvider = tp }
}

// WithOrigin sets the fetcher used for PassThroughOnException, overriding
// HostConfig.Origin.
func WithOrigin(f Fetcher) Option {
	return func(o *hostOptions) { o.origin = f }
}

// WithPool runs waitUntil tasks and queue batches on p instead of a pool
// sized by HostConfig.BackgroundWorkers. The host does not release p.
func WithPool(p *ants.Pool) Option {
	return func(o *hostOptions) { o.pool = p }
}
