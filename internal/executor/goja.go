// Package executor provides the embedded JavaScript executor. Each run gets
// a fresh goja VM with a minimal automation API (params, progress, log,
// screenshot); cancellation and deadlines arrive through the context and
// interrupt the VM.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"
	"github.com/rs/zerolog/log"

	"scriptflow/internal/engine"
	"scriptflow/internal/storage"
)

// Config controls the VM.
type Config struct {
	MaxCallStackSize int
}

// DefaultConfig returns the standard VM limits.
func DefaultConfig() Config {
	return Config{MaxCallStackSize: 1024}
}

// Goja runs scripts in an embedded JS runtime. It satisfies engine.Executor.
type Goja struct {
	cfg Config
}

// NewGoja creates the executor.
func NewGoja(cfg Config) *Goja {
	if cfg.MaxCallStackSize <= 0 {
		cfg.MaxCallStackSize = 1024
	}
	return &Goja{cfg: cfg}
}

// Run executes code and returns the script's completion value. The VM is
// interrupted when ctx is done; the resulting error unwraps to ctx.Err so
// the engine can tell a timeout from a user cancel.
func (g *Goja) Run(ctx context.Context, code string, params map[string]any, cb engine.Callbacks) (any, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(g.cfg.MaxCallStackSize)

	if err := g.setupGlobals(vm, params, cb); err != nil {
		return nil, fmt.Errorf("preparing runtime: %w", err)
	}

	// Interrupt watcher. stop is closed before Run returns so the watcher
	// never outlives the VM it points at.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	val, err := vm.RunString(code)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var stackOverflow *goja.StackOverflowError
		if errors.As(err, &stackOverflow) {
			return nil, fmt.Errorf("%w: call stack exceeded", engine.ErrMemoryLimit)
		}
		return nil, scriptError(err)
	}

	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}

func (g *Goja) setupGlobals(vm *goja.Runtime, params map[string]any, cb engine.Callbacks) error {
	// Dynamic code generation is already refused by the gate; neutering it
	// here as well keeps a rule-set gap from becoming an escape.
	if err := vm.Set("eval", goja.Undefined()); err != nil {
		return err
	}

	if params == nil {
		params = map[string]any{}
	}
	if err := vm.Set("params", params); err != nil {
		return err
	}

	if err := vm.Set("progress", func(call goja.FunctionCall) goja.Value {
		p := int(call.Argument(0).ToInteger())
		if cb.OnProgress != nil {
			cb.OnProgress(p)
		}
		return goja.Undefined()
	}); err != nil {
		return err
	}

	if err := vm.Set("screenshot", func(call goja.FunctionCall) goja.Value {
		ref := call.Argument(0).String()
		if cb.OnScreenshot != nil && ref != "" {
			cb.OnScreenshot(ref)
		}
		return goja.Undefined()
	}); err != nil {
		return err
	}

	logObj := vm.NewObject()
	levels := map[string]storage.LogLevel{
		"debug": storage.LevelDebug,
		"info":  storage.LevelInfo,
		"warn":  storage.LevelWarn,
		"error": storage.LevelError,
	}
	for name, level := range levels {
		lvl := level
		if err := logObj.Set(name, func(call goja.FunctionCall) goja.Value {
			if cb.OnLog == nil {
				return goja.Undefined()
			}
			msg := call.Argument(0).String()
			var data map[string]any
			if len(call.Arguments) > 1 {
				if exported, ok := call.Argument(1).Export().(map[string]any); ok {
					data = exported
				}
			}
			cb.OnLog(lvl, msg, data)
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}
	if err := vm.Set("log", logObj); err != nil {
		return err
	}
	// console.log as an alias; scripts pasted from a browser expect it.
	console := vm.NewObject()
	if err := console.Set("log", logObj.Get("info")); err != nil {
		return err
	}
	if err := console.Set("error", logObj.Get("error")); err != nil {
		return err
	}
	if err := console.Set("warn", logObj.Get("warn")); err != nil {
		return err
	}
	return vm.Set("console", console)
}

func scriptError(err error) error {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return fmt.Errorf("script error: %s", exc.Value().String())
	}
	log.Debug().Err(err).Msg("script failed without a JS exception")
	return err
}
