package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Jail supervises the jailed child process from the parent side: it re-execs
// the launcher binary in the requested namespaces, streams the launch plan to
// it, waits for the setup handshake, and then tracks the child until exit.
type Jail struct {
	Plan *LaunchPlan

	cmd           *exec.Cmd
	syncPipeRead  *os.File
	syncPipeWrite *os.File
	cleanup       cleanupStack
}

// NewJail creates a jail controller for the given compiled plan.
func NewJail(plan *LaunchPlan) *Jail {
	return &Jail{Plan: plan}
}

// Run launches the child and supervises it to completion. The returned int is
// the exit code the launcher should report: the child's own status in the
// normal case, 0 when the plan asks for an immediate return after hand-off.
func (j *Jail) Run(ctx context.Context) (int, error) {
	cfg := &j.Plan.Config
	logger := Logger(ctx).With("component", "jail")
	defer j.cleanup.run(ctx)

	// Move into our own process group so forwarded signals reach the jail
	// and not the launcher's siblings. Some session leaders cannot do this;
	// EPERM is harmless there.
	if err := syscall.Setpgid(0, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		return 1, NewLaunchErrorWithCause(ErrApply, "failed to create process group", err).
			WithComponent("jail")
	}

	planPipe, err := j.createChild(ctx)
	if err != nil {
		return 1, err
	}

	if err := j.cmd.Start(); err != nil {
		return 1, NewLaunchErrorWithCause(ErrApply, "failed to start jailed child", err).
			WithComponent("jail")
	}
	// Drop our copy of the write end so a child that dies during setup
	// surfaces as EOF on the read side instead of a stuck read.
	j.syncPipeWrite.Close()
	childPid := j.cmd.Process.Pid
	logger.Debug("Started jailed child", "pid", childPid, "strategy", j.Plan.Strategy,
		"namespaces", cfg.Namespaces.String())

	if cfg.PidFile != "" {
		if err := writePidFile(cfg.PidFile, childPid); err != nil {
			j.cmd.Process.Kill()
			return 1, err
		}
		// A detached child outlives us; its pid file has to as well.
		if !cfg.ExitImmediately {
			pidFile := cfg.PidFile
			j.cleanup.push("pid file", func() error { return removePidFile(pidFile) })
		}
	}

	if err := j.sendPlan(planPipe); err != nil {
		j.cmd.Process.Kill()
		return 1, err
	}

	if err := j.waitForChildReady(); err != nil {
		return 1, NewLaunchErrorWithCause(ErrApply, "jail setup failed", err).
			WithComponent("jail")
	}

	if cfg.ExitImmediately {
		// The caller exits now; the child is re-parented and keeps running.
		logger.Debug("Exiting immediately after hand-off", "pid", childPid)
		j.cmd.Process.Release()
		return 0, nil
	}

	if cfg.ForwardSignals {
		stopForwarding := forwardSignals(ctx, j.cmd.Process)
		defer stopForwarding()
	}

	return j.wait(ctx)
}

// createChild builds the re-exec command with namespaces, id maps, and the
// sync pipe wired up. It returns the write end of the plan pipe; the child's
// stdin carries the serialized plan and nothing else.
func (j *Jail) createChild(ctx context.Context) (io.WriteCloser, error) {
	cfg := &j.Plan.Config

	cmd := exec.CommandContext(ctx, "/proc/self/exe", "child")
	planPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, NewLaunchErrorWithCause(ErrApply, "failed to create plan pipe", err).
			WithComponent("jail")
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: cfg.Namespaces.CloneFlags(),
	}

	if cfg.Namespaces.Has(NSUser) {
		if err := configureIDMappings(cmd, &cfg.Identity); err != nil {
			return nil, err
		}
	}

	// Sync pipe: write end goes to the child as fd 3, read end stays here
	// for the readiness handshake. The launcher's own stdin rides along as
	// fd 4 since the plan occupies the child's fd 0.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, NewLaunchErrorWithCause(ErrApply, "failed to create sync pipe", err).
			WithComponent("jail")
	}
	cmd.ExtraFiles = []*os.File{w, os.Stdin}
	j.cleanup.push("sync pipe", r.Close)

	j.cmd = cmd
	j.syncPipeRead = r
	j.syncPipeWrite = w
	return planPipe, nil
}

// configureIDMappings translates the resolved id-map specs into the process
// attributes the runtime writes to /proc/<pid>/{uid_map,gid_map}.
func configureIDMappings(cmd *exec.Cmd, id *ResolvedIdentity) error {
	if id.SetUIDMap {
		maps, err := parseIDMapSpec(id.UIDMap)
		if err != nil {
			return NewLaunchErrorWithCause(ErrApply, "invalid uid map", err).
				WithContext("map", id.UIDMap).
				WithComponent("jail")
		}
		cmd.SysProcAttr.UidMappings = maps
	}
	if id.SetGIDMap {
		maps, err := parseIDMapSpec(id.GIDMap)
		if err != nil {
			return NewLaunchErrorWithCause(ErrApply, "invalid gid map", err).
				WithContext("map", id.GIDMap).
				WithComponent("jail")
		}
		cmd.SysProcAttr.GidMappings = maps
		// Writing a gid map without CAP_SETGID requires setgroups to be
		// denied first (user_namespaces(7)).
		cmd.SysProcAttr.GidMappingsEnableSetgroups = !id.DisableSetgroups
	}
	return nil
}

// parseIDMapSpec parses an id map in the newuidmap format: one or more
// "inner outer count" triples separated by commas.
func parseIDMapSpec(spec string) ([]syscall.SysProcIDMap, error) {
	var maps []syscall.SysProcIDMap
	for _, entry := range strings.Split(spec, ",") {
		fields := strings.Fields(entry)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed id map entry %q, want 'inner outer count'", entry)
		}
		var nums [3]int
		for i, f := range fields {
			n, err := strconv.Atoi(f)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("malformed id map entry %q: %q is not a valid id", entry, f)
			}
			nums[i] = n
		}
		maps = append(maps, syscall.SysProcIDMap{
			ContainerID: nums[0],
			HostID:      nums[1],
			Size:        nums[2],
		})
	}
	if len(maps) == 0 {
		return nil, fmt.Errorf("empty id map spec")
	}
	return maps, nil
}

// sendPlan streams the launch plan to the child and closes the pipe so the
// child's decoder sees EOF.
func (j *Jail) sendPlan(planPipe io.WriteCloser) error {
	if err := json.NewEncoder(planPipe).Encode(j.Plan); err != nil {
		return NewLaunchErrorWithCause(ErrApply, "failed to send plan to child", err).
			WithComponent("jail")
	}
	if err := planPipe.Close(); err != nil {
		return NewLaunchErrorWithCause(ErrApply, "failed to close plan pipe", err).
			WithComponent("jail")
	}
	return nil
}

// waitForChildReady blocks until the child signals that jail setup finished.
// The success signal is a single '1' byte; anything else is a JSON-encoded
// ChildError describing the failed setup phase.
func (j *Jail) waitForChildReady() error {
	syncPipeRead := j.syncPipeRead

	readyChan := make(chan error, 1)
	go func() {
		defer close(readyChan)

		buf := make([]byte, 1024)
		n, err := syncPipeRead.Read(buf)
		if err != nil {
			readyChan <- fmt.Errorf("sync pipe read failed: %w", err)
			return
		}

		if n == 1 && buf[0] == '1' {
			readyChan <- nil
			return
		}

		var childErr ChildError
		if jsonErr := json.Unmarshal(buf[:n], &childErr); jsonErr != nil {
			readyChan <- fmt.Errorf("child sent unexpected data on sync pipe: %q", string(buf[:n]))
			return
		}
		readyChan <- childErr
	}()

	select {
	case err := <-readyChan:
		if err != nil {
			j.cmd.Process.Kill()
			return err
		}
		return nil
	case <-time.After(pipeTimeout):
		j.cmd.Process.Kill()
		return fmt.Errorf("timed out waiting for child setup after %v", pipeTimeout)
	}
}

// wait blocks until the child exits and maps its wait status to the exit code
// the launcher reports. Signal deaths surface as 128+signal, matching the
// shell convention.
func (j *Jail) wait(ctx context.Context) (int, error) {
	err := j.cmd.Wait()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				sig := ws.Signal()
				Logger(ctx).Debug("Jailed child killed by signal", "signal", sig)
				return 128 + int(sig), nil
			}
			return ws.ExitStatus(), nil
		}
		return exitErr.ExitCode(), nil
	}
	return 1, NewLaunchErrorWithCause(ErrApply, "failed waiting for jailed child", err).
		WithComponent("jail")
}

// writePidFile records the jailed child's pid for external supervisors.
func writePidFile(path string, pid int) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return NewLaunchErrorWithCause(ErrApply, "failed to write pid file", err).
			WithContext("path", path).
			WithComponent("jail")
	}
	return nil
}
