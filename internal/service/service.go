// Package service implements service bindings: fetchers that forward a
// worker request to another in-process worker or to a remote HTTP origin.
package service

import (
	"context"
	"fmt"

	"github.com/cryguy/worker/v3/internal/core"
)

// Executor runs a fetch invocation. *worker.Host satisfies it.
type Executor interface {
	Execute(ctx context.Context, req *core.WorkerRequest) *core.WorkerResult
}

// Local forwards requests to a worker hosted in the same process. The target
// runs with its own env; the caller's bindings and secrets never reach it.
type Local struct {
	target Executor
}

var _ core.Fetcher = (*Local)(nil)

// NewLocal returns a fetcher that dispatches to target.
func NewLocal(target Executor) *Local {
	return &Local{target: target}
}

func (l *Local) Fetch(ctx context.Context, req *core.WorkerRequest) (*core.WorkerResponse, error) {
	if l.target == nil {
		return nil, fmt.Errorf("%w: service target not set", core.ErrBindingNotFound)
	}
	result := l.target.Execute(ctx, req.Clone())
	if result.Error != nil {
		return nil, result.Error
	}
	if result.Response == nil {
		return nil, fmt.Errorf("target worker returned no response")
	}
	return result.Response, nil
}
