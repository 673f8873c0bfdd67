package main

import (
	"context"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// startWithPTY starts the target under a pseudo-terminal and proxies the
// launcher's terminal to it. Used by the init surrogate when the launcher is
// attached to a terminal: the surrogate must keep running to reap orphans,
// so the target cannot inherit the controlling tty via exec. The caller waits
// on the returned process itself; cleanup restores the terminal and stops the
// resize watcher.
func startWithPTY(ctx context.Context, argv0 string, argv []string, env []string) (proc *exec.Cmd, cleanup func(), err error) {
	logger := Logger(ctx).With("component", "tty")

	cmd := exec.Command(argv0)
	if len(argv) > 1 {
		cmd = exec.Command(argv0, argv[1:]...)
	}
	cmd.Env = env

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, nil, NewLaunchErrorWithCause(ErrApply, "failed to start target with pty", err).
			WithComponent("tty")
	}

	var restoreTerm func()
	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		// Track terminal resizes for as long as the target runs.
		winch := make(chan os.Signal, 1)
		signal.Notify(winch, syscall.SIGWINCH)
		go func() {
			for range winch {
				if err := pty.InheritSize(os.Stdin, ptmx); err != nil {
					logger.Debug("PTY resize failed", "error", err)
				}
			}
		}()
		winch <- syscall.SIGWINCH

		oldState, rawErr := term.MakeRaw(stdinFd)
		if rawErr != nil {
			logger.Debug("Failed to set raw mode", "error", rawErr)
			restoreTerm = func() { signal.Stop(winch) }
		} else {
			restoreTerm = func() {
				signal.Stop(winch)
				term.Restore(stdinFd, oldState)
			}
		}
	} else {
		if err := pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 80}); err != nil {
			logger.Debug("Failed to set default pty size", "error", err)
		}
		restoreTerm = func() {}
	}

	// The stdin copy blocks on the launcher's terminal and only unblocks on
	// input, so it runs detached. The ptmx side drains until the target
	// exits and the pty slave closes.
	go func() {
		io.Copy(ptmx, os.Stdin)
	}()
	go func() {
		io.Copy(os.Stdout, ptmx)
	}()

	cleanup = func() {
		restoreTerm()
		ptmx.Close()
	}
	return cmd, cleanup, nil
}
