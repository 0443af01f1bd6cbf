package engine

import (
	"context"

	"scriptflow/internal/storage"
)

// Callbacks is how a running executor reports back into the engine.
// Calls are made from the executor's goroutine; the engine guards every
// apply against the execution's terminal state, so callbacks arriving
// after cancellation are dropped rather than appended.
type Callbacks struct {
	OnProgress   func(percent int)
	OnLog        func(level storage.LogLevel, message string, data map[string]any)
	OnScreenshot func(ref string)
}

// Executor performs the actual automation given code and parameters.
// It is opaque to the engine: a goja runtime, a real browser driver and a
// test double all satisfy it the same way. Run must honor ctx cancellation
// and return the script's result value, or an error for failure. A timeout
// surfaces as ctx expiry; the engine records it as a failed execution with
// error "timeout".
type Executor interface {
	Run(ctx context.Context, code string, params map[string]any, cb Callbacks) (any, error)
}
