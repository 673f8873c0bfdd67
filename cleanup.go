package main

import (
	"context"
	"os"
	"sync"
)

// cleanupFunc is a named teardown step registered while the jail is being
// assembled.
type cleanupFunc struct {
	name string
	fn   func() error
}

// cleanupStack collects teardown steps and runs them exactly once, newest
// first, when the jail winds down.
type cleanupStack struct {
	mu    sync.Mutex
	once  sync.Once
	funcs []cleanupFunc
}

func (c *cleanupStack) push(name string, fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funcs = append(c.funcs, cleanupFunc{name: name, fn: fn})
}

// run executes the registered steps in reverse registration order. A failing
// step is logged and does not stop the remaining steps.
func (c *cleanupStack) run(ctx context.Context) {
	c.once.Do(func() {
		c.mu.Lock()
		funcs := make([]cleanupFunc, len(c.funcs))
		copy(funcs, c.funcs)
		c.mu.Unlock()

		logger := Logger(ctx).With("component", "jail")
		for i := len(funcs) - 1; i >= 0; i-- {
			cf := funcs[i]
			if cf.fn == nil {
				continue
			}
			if err := cf.fn(); err != nil {
				logger.Warn("Teardown step failed", "name", cf.name, "error", err)
			} else {
				logger.Debug("Teardown step completed", "name", cf.name)
			}
		}
	})
}

// removePidFile deletes the recorded pid file; a file already gone is fine.
func removePidFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
