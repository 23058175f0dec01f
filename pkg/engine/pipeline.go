package engine

import (
	"context"
	"fmt"
)

type pipeline[S any] struct {
	service string
	desired DesiredBuilder[S]
	client  Client[S]
	diff    DiffFunc[S]
	layer   LayerFunc
}

// NewPipeline binds a desired-state builder, a service client and a diff
// function into a Pipeline.
func NewPipeline[S any](
	service string,
	desired DesiredBuilder[S],
	client Client[S],
	diff DiffFunc[S],
	layer LayerFunc,
) Pipeline {
	return &pipeline[S]{
		service: service,
		desired: desired,
		client:  client,
		diff:    diff,
		layer:   layer,
	}
}

func (p *pipeline[S]) Service() string {
	return p.service
}

func (p *pipeline[S]) Applier() Applier {
	return p.client
}

// Plan takes both snapshots before computing anything, so the diff never
// sees the result of a write made in the same run. Transient read failures
// are retried through retry; once the ceiling is reached the read error
// fails the plan.
func (p *pipeline[S]) Plan(ctx context.Context, retry Retrier) (*Plan, error) {
	var (
		desired  S
		warnings []string
		current  S
	)

	err := p.run(ctx, retry, "build desired state", func(ctx context.Context) error {
		var err error
		desired, warnings, err = p.desired(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build desired state: %w", err)
	}

	err = p.run(ctx, retry, "read current state", func(ctx context.Context) error {
		var err error
		current, err = p.client.Read(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read current state: %w", err)
	}

	ops := p.diff(desired, current)
	return NewPlan(p.service, ops, p.layer, warnings...), nil
}

func (p *pipeline[S]) run(ctx context.Context, retry Retrier, call string, fn func(ctx context.Context) error) error {
	if retry == nil {
		return fn(ctx)
	}
	return retry.Retry(ctx, p.service, call, fn)
}
