package pipeline

import (
	"context"
)

// Handler runs the remaining stages for a connection.
type Handler func(ctx context.Context, cc *Context) error

// Stage is one step of the pipeline. A stage either calls next to continue or
// returns without calling it to short-circuit the remaining stages.
//
// Stages are shared across connections and must keep per-connection state in
// the Context or on the stack.
type Stage interface {
	Serve(ctx context.Context, cc *Context, next Handler) error
}

// StageFunc adapts a function to a Stage.
type StageFunc func(ctx context.Context, cc *Context, next Handler) error

func (f StageFunc) Serve(ctx context.Context, cc *Context, next Handler) error {
	return f(ctx, cc, next)
}

// Builder collects stages in order.
type Builder struct {
	stages []Stage
}

// Use appends stages to the end of the pipeline.
func (b *Builder) Use(stages ...Stage) *Builder {
	b.stages = append(b.stages, stages...)
	return b
}

// Len returns the number of stages added.
func (b *Builder) Len() int { return len(b.stages) }

// Build folds the stages right to left into one handler. The continuation of
// the last stage is a no-op.
func (b *Builder) Build() Handler {
	next := Handler(func(context.Context, *Context) error { return nil })
	for i := len(b.stages) - 1; i >= 0; i-- {
		stage, cont := b.stages[i], next
		next = func(ctx context.Context, cc *Context) error {
			return stage.Serve(ctx, cc, cont)
		}
	}
	return next
}
