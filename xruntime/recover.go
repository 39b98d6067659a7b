// Package xruntime provides panic-safety helpers for long-lived background
// goroutines (dispatcher loop, consumer harness).
package xruntime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/meridianbank/lib-eventrelay/log"
)

// PanicPolicy controls what happens after a recovered panic.
type PanicPolicy int

const (
	// KeepRunning logs the panic and lets the goroutine exit normally.
	KeepRunning PanicPolicy = iota
	// Repanic logs the panic and re-raises it.
	Repanic
)

const maxStackBytes = 8 << 10

// Recover is meant to be deferred inside goroutines. It recovers a panic,
// logs it with a bounded stack trace, and applies the policy.
func Recover(ctx context.Context, logger log.Logger, component, operation string, policy PanicPolicy) {
	recovered := recover()
	if recovered == nil {
		return
	}

	stack := debug.Stack()
	if len(stack) > maxStackBytes {
		stack = stack[:maxStackBytes]
	}

	if logger == nil {
		logger = log.NewNop()
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("component", component),
		log.String("operation", operation),
		log.String("panic", fmt.Sprintf("%v", recovered)),
		log.String("stack", string(stack)),
	)

	if policy == Repanic {
		panic(recovered)
	}
}

// SafeGo runs fn in a new goroutine protected by Recover with KeepRunning.
func SafeGo(logger log.Logger, name string, fn func()) {
	go func() {
		defer Recover(context.Background(), logger, "goroutine", name, KeepRunning)

		fn()
	}()
}
