package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"scriptflow/internal/engine"
	"scriptflow/internal/storage"
)

// collectingCallbacks records every callback invocation.
type collectingCallbacks struct {
	mu          sync.Mutex
	progress    []int
	logs        []storage.LogEntry
	screenshots []string
}

func (c *collectingCallbacks) callbacks() engine.Callbacks {
	return engine.Callbacks{
		OnProgress: func(p int) {
			c.mu.Lock()
			c.progress = append(c.progress, p)
			c.mu.Unlock()
		},
		OnLog: func(level storage.LogLevel, msg string, data map[string]any) {
			c.mu.Lock()
			c.logs = append(c.logs, storage.LogEntry{Level: level, Message: msg, Data: data})
			c.mu.Unlock()
		},
		OnScreenshot: func(ref string) {
			c.mu.Lock()
			c.screenshots = append(c.screenshots, ref)
			c.mu.Unlock()
		},
	}
}

func TestRunReturnsCompletionValue(t *testing.T) {
	g := NewGoja(DefaultConfig())

	result, err := g.Run(context.Background(), `1 + 2`, nil, engine.Callbacks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.(int64) != 3 {
		t.Errorf("result = %v, want 3", result)
	}
}

func TestRunExportsObjects(t *testing.T) {
	g := NewGoja(DefaultConfig())

	result, err := g.Run(context.Background(), `({status: "done", count: 2})`, nil, engine.Callbacks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("result type = %T", result)
	}
	if m["status"] != "done" {
		t.Errorf("status = %v", m["status"])
	}
}

func TestRunUndefinedResultIsNil(t *testing.T) {
	g := NewGoja(DefaultConfig())

	result, err := g.Run(context.Background(), `var x = 1;`, nil, engine.Callbacks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != nil {
		t.Errorf("result = %v, want nil", result)
	}
}

func TestRunParamsVisible(t *testing.T) {
	g := NewGoja(DefaultConfig())

	result, err := g.Run(context.Background(), `params.url`, map[string]any{"url": "https://example.com"}, engine.Callbacks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != "https://example.com" {
		t.Errorf("result = %v", result)
	}
}

func TestRunCallbacks(t *testing.T) {
	g := NewGoja(DefaultConfig())
	c := &collectingCallbacks{}

	code := `
progress(25);
log.info("step one", {page: "login"});
log.error("boom");
screenshot("shots/login.png");
progress(75);
"finished"
`
	result, err := g.Run(context.Background(), code, nil, c.callbacks())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != "finished" {
		t.Errorf("result = %v", result)
	}

	if len(c.progress) != 2 || c.progress[0] != 25 || c.progress[1] != 75 {
		t.Errorf("progress = %v", c.progress)
	}
	if len(c.logs) != 2 {
		t.Fatalf("got %d logs, want 2", len(c.logs))
	}
	if c.logs[0].Level != storage.LevelInfo || c.logs[0].Message != "step one" {
		t.Errorf("first log = %+v", c.logs[0])
	}
	if c.logs[0].Data["page"] != "login" {
		t.Errorf("log data = %v", c.logs[0].Data)
	}
	if c.logs[1].Level != storage.LevelError {
		t.Errorf("second log level = %s", c.logs[1].Level)
	}
	if len(c.screenshots) != 1 || c.screenshots[0] != "shots/login.png" {
		t.Errorf("screenshots = %v", c.screenshots)
	}
}

func TestRunConsoleAlias(t *testing.T) {
	g := NewGoja(DefaultConfig())
	c := &collectingCallbacks{}

	_, err := g.Run(context.Background(), `console.log("hello"); console.warn("careful");`, nil, c.callbacks())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(c.logs) != 2 {
		t.Fatalf("got %d logs, want 2", len(c.logs))
	}
	if c.logs[0].Level != storage.LevelInfo || c.logs[1].Level != storage.LevelWarn {
		t.Errorf("levels = %s, %s", c.logs[0].Level, c.logs[1].Level)
	}
}

func TestRunScriptException(t *testing.T) {
	g := NewGoja(DefaultConfig())

	_, err := g.Run(context.Background(), `throw new Error("selector not found")`, nil, engine.Callbacks{})
	if err == nil {
		t.Fatal("no error from throwing script")
	}
	if !strings.Contains(err.Error(), "script error") {
		t.Errorf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "selector not found") {
		t.Errorf("err = %v, want original message", err)
	}
}

func TestRunSyntaxError(t *testing.T) {
	g := NewGoja(DefaultConfig())

	if _, err := g.Run(context.Background(), `var = ;`, nil, engine.Callbacks{}); err == nil {
		t.Fatal("no error for invalid syntax")
	}
}

func TestRunCancelInterruptsVM(t *testing.T) {
	g := NewGoja(DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := g.Run(ctx, `for(;;) {}`, nil, engine.Callbacks{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("interrupt took %s", elapsed)
	}
}

func TestRunDeadlineInterruptsVM(t *testing.T) {
	g := NewGoja(DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Run(ctx, `for(;;) {}`, nil, engine.Callbacks{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestRunStackOverflowIsMemoryLimit(t *testing.T) {
	g := NewGoja(Config{MaxCallStackSize: 64})

	_, err := g.Run(context.Background(), `function f() { return f(); } f();`, nil, engine.Callbacks{})
	if !errors.Is(err, engine.ErrMemoryLimit) {
		t.Fatalf("err = %v, want ErrMemoryLimit", err)
	}
}

func TestRunEvalNeutered(t *testing.T) {
	g := NewGoja(DefaultConfig())

	result, err := g.Run(context.Background(), `typeof eval`, nil, engine.Callbacks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != "undefined" {
		t.Errorf("typeof eval = %v, want undefined", result)
	}
}

func TestRunFreshVMPerRun(t *testing.T) {
	g := NewGoja(DefaultConfig())

	if _, err := g.Run(context.Background(), `globalThis.leak = "secret"`, nil, engine.Callbacks{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	result, err := g.Run(context.Background(), `typeof leak`, nil, engine.Callbacks{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if result != "undefined" {
		t.Errorf("state leaked across runs: typeof leak = %v", result)
	}
}
