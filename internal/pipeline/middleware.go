package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"

	"tradeagent/internal/logger"
	"tradeagent/internal/trace"
	"tradeagent/internal/types"
)

// StageError 封装阶段失败信息。
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Stage
	}
	return e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// runStage runs fn in its own goroutine inside a span. When ctx expires first
// the goroutine is abandoned and a budget error is returned; a panic becomes
// an error.
func runStage(ctx context.Context, runID, stage string, fn func(ctx context.Context) error) error {
	sctx, span := trace.StartStage(ctx, runID, stage)
	done := make(chan error, 1)
	go func() {
		defer safeRecover(stage, done)
		done <- fn(sctx)
	}()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = types.NewError(types.KindBudget, stage, ctx.Err())
	}
	trace.End(span, err)
	if err != nil {
		return &StageError{Stage: stage, Err: err}
	}
	return nil
}

func safeRecover(tag string, done chan<- error) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v\n%s", tag, r, debug.Stack())
		done <- fmt.Errorf("panic: %v", r)
	}
}
