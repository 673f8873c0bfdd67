package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/time/rate"
)

// forwardSignals relays every catchable signal from the launcher to the
// jailed child so the jail behaves like the foreground process it replaced.
// The returned stop function detaches the handler.
func forwardSignals(ctx context.Context, proc *os.Process) func() {
	logger := Logger(ctx).With("component", "signals")

	sigChan := make(chan os.Signal, 16)
	signal.Notify(sigChan)

	done := make(chan struct{})
	// A tight resend loop (terminal resize storms, job control) should not
	// flood the debug log.
	logLimit := rate.NewLimiter(rate.Limit(1), 5)

	go func() {
		for {
			select {
			case <-done:
				return
			case sig, ok := <-sigChan:
				if !ok {
					return
				}
				switch sig {
				case syscall.SIGCHLD, syscall.SIGURG:
					// SIGCHLD is the child itself exiting; SIGURG is
					// runtime preemption noise. Neither is forwarded.
					continue
				}
				if err := proc.Signal(sig); err != nil {
					if logLimit.Allow() {
						logger.Debug("Failed to forward signal", "signal", sig, "error", err)
					}
					continue
				}
				if logLimit.Allow() {
					logger.Debug("Forwarded signal", "signal", sig)
				}
			}
		}
	}()

	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}

// exitCodeFromStatus maps a wait status to the exit code an init surrogate
// propagates: the raw status for normal exits, 128+signal for signal deaths.
func exitCodeFromStatus(status syscall.WaitStatus) int {
	if status.Signaled() {
		return 128 + int(status.Signal())
	}
	return status.ExitStatus()
}
