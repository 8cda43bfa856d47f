package scheduler

import (
	"context"
	"fmt"
	"time"
)

// awaitResult carries the outcome of a worker invocation.
type awaitResult[T any] struct {
	value T
	err   error
}

// Await runs fn on a worker goroutine and waits for it with an outer timeout.
// It always returns the (possibly zero) result plus a human-readable error
// string; callers treat a non-empty string as a phase failure. A panicking
// worker is reported, not propagated. On timeout the worker keeps running
// until its context fires, but its result is discarded.
func Await[T any](ctx context.Context, timeout time.Duration, name string, fn func(context.Context) (T, error)) (T, string) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan awaitResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				ch <- awaitResult[T]{value: zero, err: fmt.Errorf("unknown runtime error: %v", r)}
			}
		}()
		value, err := fn(ctx)
		ch <- awaitResult[T]{value: value, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return res.value, fmt.Sprintf("Error running %s: %s", name, res.err)
		}
		return res.value, ""
	case <-ctx.Done():
		var zero T
		return zero, fmt.Sprintf("Timeout (%s) running %s", timeout, name)
	}
}

// AwaitErr is Await for operations without a result value.
func AwaitErr(ctx context.Context, timeout time.Duration, name string, fn func(context.Context) error) string {
	_, errStr := Await(ctx, timeout, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return errStr
}
