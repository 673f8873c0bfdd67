package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"unsafe"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// runChild executes inside the freshly cloned namespaces. It applies the
// compiled configuration phase by phase, reports the first failure to the
// parent over the sync pipe, and finally either replaces itself with the
// target or stays behind as a minimal init to reap orphans.
//
// The returned int is only meaningful on the init-surrogate path; the exec
// path does not return on success.
func runChild(ctx context.Context, plan *LaunchPlan) (int, error) {
	// Namespace entry and exec are per-thread operations; everything below
	// must stay on this thread.
	runtime.LockOSThread()

	cfg := &plan.Config
	logger := Logger(ctx).With("context", "child", "pid", os.Getpid())

	pipe := os.NewFile(syncPipeFD, "pipe")
	if pipe == nil {
		return 1, fmt.Errorf("sync pipe at fd %d is nil", syncPipeFD)
	}
	defer pipe.Close()

	// The plan pipe consumed fd 0. Restore the launcher's real stdin onto
	// it so the target (and the terminal check on the init path) see
	// whatever the user attached.
	if err := unix.Dup3(stdinFD, 0, 0); err != nil {
		logger.Warn("Failed to restore stdin", "fd", stdinFD, "error", err)
	} else {
		unix.Close(stdinFD)
	}

	// sendError reports a failed phase to the parent and returns the
	// original error so the child exits non-zero.
	sendError := func(phase string, err error) error {
		logger.Error("Jail setup failed", "phase", phase, "error", err)
		errData, jsonErr := json.Marshal(ChildError{Phase: phase, Msg: err.Error(), Err: err})
		if jsonErr != nil {
			fmt.Fprintf(pipe, `{"phase":%q,"msg":%q}`, phase, err.Error())
		} else {
			pipe.Write(errData)
		}
		return err
	}

	if cfg.EnterMountNS != "" {
		if err := enterMountNamespace(cfg.EnterMountNS); err != nil {
			return 1, sendError("enter_mount_ns", err)
		}
	}
	if cfg.EnterNetNS != "" {
		if err := enterNetNamespace(cfg.EnterNetNS); err != nil {
			return 1, sendError("enter_net_ns", err)
		}
	} else if cfg.Namespaces.Has(NSNet) {
		if err := bringUpLoopback(); err != nil {
			// A net namespace without loopback is still usable; matchers
			// of 127.0.0.1 just fail in the jail.
			logger.Warn("Failed to bring up loopback in new net namespace", "error", err)
		}
	}

	if cfg.HasMountNamespace() && !cfg.SkipRemountPrivate {
		// Stop mount events from propagating back to the parent namespace.
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
			return 1, sendError("remount_private", fmt.Errorf("failed to remount / as private: %w", err))
		}
	}

	for _, b := range cfg.Binds {
		if err := applyBind(cfg, b); err != nil {
			return 1, sendError("bind", err)
		}
	}
	for _, m := range cfg.Mounts {
		if err := applyMount(cfg, m); err != nil {
			return 1, sendError("mount", err)
		}
	}
	if cfg.TmpfsSize > 0 {
		if err := mountTmpfs(cfg); err != nil {
			return 1, sendError("tmpfs", err)
		}
	}
	if cfg.MountDev {
		if err := setupDev(ctx, cfg); err != nil {
			return 1, sendError("dev", err)
		}
	}

	if cfg.HasPivotRoot() {
		if err := pivotRoot(ctx, cfg.PivotRootDir); err != nil {
			return 1, sendError("root", err)
		}
	} else if cfg.HasChroot() {
		if err := unix.Chroot(cfg.ChrootDir); err != nil {
			return 1, sendError("root", fmt.Errorf("chroot to %s failed: %w", cfg.ChrootDir, err))
		}
		if err := unix.Chdir("/"); err != nil {
			return 1, sendError("root", fmt.Errorf("chdir to new root failed: %w", err))
		}
	}

	if err := setupProc(cfg); err != nil {
		return 1, sendError("proc", err)
	}

	if cfg.Hostname != "" {
		if err := unix.Sethostname([]byte(cfg.Hostname)); err != nil {
			return 1, sendError("hostname", fmt.Errorf("sethostname failed: %w", err))
		}
	}

	for _, rl := range cfg.Rlimits {
		if err := unix.Setrlimit(rl.Type, &unix.Rlimit{Cur: rl.Cur, Max: rl.Max}); err != nil {
			return 1, sendError("rlimit", fmt.Errorf("setrlimit %d failed: %w", rl.Type, err))
		}
	}

	if cfg.SessionKeyring {
		if _, err := unix.KeyctlJoinSessionKeyring(""); err != nil {
			return 1, sendError("keyring", fmt.Errorf("failed to join new session keyring: %w", err))
		}
	}

	if cfg.AltSyscall != "" {
		if err := useAltSyscallTable(cfg.AltSyscall); err != nil {
			return 1, sendError("alt_syscall", err)
		}
	}

	if cfg.CapsRestricted {
		// Securebits go in before the uid change so KEEP_CAPS is already
		// in force when root privileges are dropped.
		if err := applySecurebits(cfg.SecurebitsSkipMask); err != nil {
			return 1, sendError("securebits", err)
		}
	}

	if err := dropIdentity(&cfg.Identity); err != nil {
		return 1, sendError("identity", err)
	}

	if cfg.CapsRestricted {
		if err := restrictCapabilities(cfg.CapsMask, cfg.AmbientCaps); err != nil {
			return 1, sendError("capabilities", err)
		}
	}

	if cfg.NoNewPrivs {
		if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
			return 1, sendError("no_new_privs", fmt.Errorf("failed to set no_new_privs: %w", err))
		}
	}

	// Resolve the target and build its environment before seccomp goes
	// live: path lookup opens directories, which a tight filter policy has
	// no reason to allow.
	env := targetEnviron(plan)
	argv0, err := exec.LookPath(plan.Argv[0])
	if err != nil {
		return 1, sendError("exec", fmt.Errorf("target not found: %w", err))
	}

	if cfg.Seccomp.Mode == SeccompStrict && plan.Strategy == PreloadExec {
		// Delegated: the shim enters strict mode inside the target, after
		// exec. Entering it here would SIGKILL the exec.
	} else if err := applySeccomp(cfg.Seccomp); err != nil {
		return 1, sendError("seccomp", err)
	}

	// Setup is complete; release the parent.
	if _, err := pipe.Write([]byte("1")); err != nil {
		logger.Error("Failed to signal parent on sync pipe, parent will time out", "error", err)
	}
	pipe.Close()

	if cfg.Namespaces.Has(NSPID) && !cfg.RunAsInit {
		return runInitSurrogate(ctx, argv0, plan.Argv, env)
	}

	logger.Debug("Handing off to target", "path", argv0, "strategy", plan.Strategy)
	if err := unix.Exec(argv0, plan.Argv, env); err != nil {
		return 1, sendError("exec", fmt.Errorf("exec %s failed: %w", argv0, err))
	}
	return 0, nil // unreachable
}

// targetEnviron builds the target's environment. For preload hand-off the
// shared object is prepended to any LD_PRELOAD already present, matching
// ld.so's whitespace-separated list format.
func targetEnviron(plan *LaunchPlan) []string {
	env := os.Environ()
	if plan.Strategy != PreloadExec || plan.PreloadPath == "" {
		return env
	}
	if plan.Config.Seccomp.Mode == SeccompStrict {
		env = append(env, seccompModeEnv+"=strict")
	}
	const key = "LD_PRELOAD="
	for i, kv := range env {
		if strings.HasPrefix(kv, key) {
			env[i] = key + plan.PreloadPath + " " + kv[len(key):]
			return env
		}
	}
	return append(env, key+plan.PreloadPath)
}

// runInitSurrogate runs the target as a child of this process and stays
// behind as pid 1 of the new pid namespace, reaping every orphan until the
// target itself exits. The surrogate's exit tears down the namespace and
// kills anything the target left running.
func runInitSurrogate(ctx context.Context, argv0 string, argv []string, env []string) (int, error) {
	logger := Logger(ctx).With("component", "init")

	var target *exec.Cmd
	cleanup := func() {}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		var err error
		target, cleanup, err = startWithPTY(ctx, argv0, argv, env)
		if err != nil {
			return 1, err
		}
	} else {
		target = exec.Command(argv0)
		if len(argv) > 1 {
			target = exec.Command(argv0, argv[1:]...)
		}
		target.Env = env
		target.Stdin = os.Stdin
		target.Stdout = os.Stdout
		target.Stderr = os.Stderr
		if err := target.Start(); err != nil {
			return 1, NewLaunchErrorWithCause(ErrApply, "failed to start target", err).
				WithComponent("init")
		}
	}
	defer cleanup()

	targetPid := target.Process.Pid
	logger.Debug("Acting as init surrogate", "target_pid", targetPid)

	stopForwarding := forwardSignals(ctx, target.Process)
	defer stopForwarding()

	// Reap everything; only the target's status is propagated. exec.Cmd's
	// own Wait is never called since wait4(-1) collects its child too.
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, 0, nil)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return 1, NewLaunchErrorWithCause(ErrApply, "init surrogate wait failed", err).
				WithComponent("init")
		}
		if pid == targetPid {
			logger.Debug("Target exited", "pid", pid, "status", status)
			return exitCodeFromStatus(status), nil
		}
		logger.Debug("Reaped orphan", "pid", pid)
	}
}

// --- Namespace entry ---

func enterMountNamespace(path string) error {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("failed to open mount namespace %s: %w", path, err)
	}
	defer unix.Close(fd)
	if err := unix.Setns(fd, unix.CLONE_NEWNS); err != nil {
		return fmt.Errorf("failed to enter mount namespace %s: %w", path, err)
	}
	return nil
}

func enterNetNamespace(path string) error {
	handle, err := netns.GetFromPath(path)
	if err != nil {
		return fmt.Errorf("failed to open net namespace %s: %w", path, err)
	}
	defer handle.Close()
	if err := netns.Set(handle); err != nil {
		return fmt.Errorf("failed to enter net namespace %s: %w", path, err)
	}
	return nil
}

func bringUpLoopback() error {
	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("failed to find loopback interface: %w", err)
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		return fmt.Errorf("failed to bring up loopback: %w", err)
	}
	return nil
}

// --- Filesystem phases ---
//
// All mount targets are resolved against the future root while it is still
// reachable from the host view; the root change happens afterwards.

func applyBind(cfg *ValidatedConfiguration, b BindDirective) error {
	dest := cfg.OriginalPath(b.Dest)
	if err := prepareMountPoint(b.Source, dest); err != nil {
		return err
	}
	if err := unix.Mount(b.Source, dest, "bind", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("failed to bind %s to %s: %w", b.Source, dest, err)
	}
	if !b.Writable {
		// Read-only must be applied as a remount; the initial bind
		// ignores MS_RDONLY.
		if err := unix.Mount("", dest, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
			return fmt.Errorf("failed to remount bind %s read-only: %w", dest, err)
		}
	}
	return nil
}

// prepareMountPoint creates the bind target: a directory for directory
// sources, an empty file otherwise.
func prepareMountPoint(source, dest string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("bind source %s not accessible: %w", source, err)
	}
	if info.IsDir() {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return fmt.Errorf("failed to create bind target %s: %w", dest, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create bind target directory for %s: %w", dest, err)
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("failed to create bind target file %s: %w", dest, err)
	}
	return f.Close()
}

func applyMount(cfg *ValidatedConfiguration, m MountDirective) error {
	dest := cfg.OriginalPath(m.Dest)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create mount point %s: %w", dest, err)
	}
	if err := unix.Mount(m.Source, dest, m.FSType, m.Flags, m.Data); err != nil {
		return fmt.Errorf("failed to mount %s (%s) at %s: %w", m.Source, m.FSType, dest, err)
	}
	return nil
}

func mountTmpfs(cfg *ValidatedConfiguration) error {
	dest := cfg.OriginalPath("/tmp")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	data := fmt.Sprintf("size=%d,mode=1777", cfg.TmpfsSize)
	if err := unix.Mount("tmpfs", dest, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, data); err != nil {
		return fmt.Errorf("failed to mount tmpfs at %s: %w", dest, err)
	}
	return nil
}

// setupDev mounts a small tmpfs /dev and populates the nodes a minimal
// userland expects. Node creation is best-effort: a jail without CAP_MKNOD
// still gets the tmpfs.
func setupDev(ctx context.Context, cfg *ValidatedConfiguration) error {
	logger := Logger(ctx).With("component", "dev")

	dev := cfg.OriginalPath("/dev")
	if err := os.MkdirAll(dev, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dev, err)
	}
	if err := unix.Mount("tmpfs", dev, "tmpfs", unix.MS_NOSUID|unix.MS_STRICTATIME, "mode=755,size=65536k"); err != nil {
		return fmt.Errorf("failed to mount tmpfs at %s: %w", dev, err)
	}

	devices := []struct {
		name         string
		mode         uint32
		major, minor uint32
	}{
		{"null", unix.S_IFCHR | 0o666, 1, 3},
		{"zero", unix.S_IFCHR | 0o666, 1, 5},
		{"full", unix.S_IFCHR | 0o666, 1, 7},
		{"random", unix.S_IFCHR | 0o666, 1, 8},
		{"urandom", unix.S_IFCHR | 0o666, 1, 9},
	}
	for _, d := range devices {
		path := filepath.Join(dev, d.name)
		if err := unix.Mknod(path, d.mode, int(unix.Mkdev(d.major, d.minor))); err != nil && !os.IsExist(err) {
			logger.Warn("Failed to create device node", "path", path, "error", err)
		}
	}
	return nil
}

// pivotRoot swaps the root filesystem for newRoot, falling back to chroot on
// kernels or filesystems where pivot_root is not possible.
func pivotRoot(ctx context.Context, newRoot string) error {
	logger := Logger(ctx).With("component", "root")

	// pivot_root requires new_root to be a mount point.
	if err := unix.Mount(newRoot, newRoot, "bind", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("failed to bind mount new root: %w", err)
	}

	putOld := filepath.Join(newRoot, ".pivot_root")
	if err := os.MkdirAll(putOld, 0o700); err != nil {
		return fmt.Errorf("failed to create .pivot_root directory: %w", err)
	}
	defer os.RemoveAll(putOld)

	if err := unix.PivotRoot(newRoot, putOld); err != nil {
		logger.Warn("pivot_root failed, falling back to chroot", "error", err)
		if err := unix.Chroot(newRoot); err != nil {
			return fmt.Errorf("chroot fallback also failed: %w", err)
		}
		return unix.Chdir("/")
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("failed to chdir to new root: %w", err)
	}
	if err := unix.Unmount("/.pivot_root", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("failed to unmount old root: %w", err)
	}
	return nil
}

// setupProc gives a pid namespace its own procfs view and applies the
// read-only remount when requested.
func setupProc(cfg *ValidatedConfiguration) error {
	if cfg.Namespaces.Has(NSPID) && cfg.HasMountNamespace() {
		if err := os.MkdirAll("/proc", 0o555); err != nil && !os.IsExist(err) {
			return fmt.Errorf("failed to create /proc: %w", err)
		}
		flags := uintptr(unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC)
		if cfg.RemountProcRO {
			flags |= unix.MS_RDONLY
		}
		if err := unix.Mount("proc", "/proc", "proc", flags, ""); err != nil {
			return fmt.Errorf("failed to mount /proc: %w", err)
		}
		return nil
	}
	if cfg.RemountProcRO {
		flags := uintptr(unix.MS_REMOUNT | unix.MS_BIND | unix.MS_RDONLY |
			unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC)
		if err := unix.Mount("", "/proc", "", flags, ""); err != nil {
			return fmt.Errorf("failed to remount /proc read-only: %w", err)
		}
	}
	return nil
}

// --- Privilege phases ---

func applySecurebits(skipMask uint64) error {
	bits := uintptr(defaultSecurebits &^ skipMask)
	if bits == 0 {
		return nil
	}
	if err := unix.Prctl(unix.PR_SET_SECUREBITS, bits, 0, 0, 0); err != nil {
		return fmt.Errorf("failed to set securebits %#x: %w", bits, err)
	}
	return nil
}

// dropIdentity changes supplementary groups, gid, and uid, in that order, so
// each step still has the privilege the next one needs.
func dropIdentity(id *ResolvedIdentity) error {
	if id.SetGID || id.SetUID {
		switch {
		case id.KeepSupplementaryGroups:
			// Caller's groups are kept as-is.
		case id.InheritSupplementaryGroups:
			gids, err := supplementaryGroups(id)
			if err != nil {
				return err
			}
			if err := syscall.Setgroups(gids); err != nil {
				return fmt.Errorf("failed to set supplementary groups: %w", err)
			}
		case !id.DisableSetgroups:
			if err := syscall.Setgroups([]int{}); err != nil {
				return fmt.Errorf("failed to clear supplementary groups: %w", err)
			}
		}
	}
	if id.SetGID {
		if err := syscall.Setresgid(int(id.GID), int(id.GID), int(id.GID)); err != nil {
			return fmt.Errorf("failed to set gid %d: %w", id.GID, err)
		}
	}
	if id.SetUID {
		if err := syscall.Setresuid(int(id.UID), int(id.UID), int(id.UID)); err != nil {
			return fmt.Errorf("failed to set uid %d: %w", id.UID, err)
		}
	}
	return nil
}

// supplementaryGroups resolves the group list of the jailed user for the
// inherit-groups case, the initgroups(3) analogue.
func supplementaryGroups(id *ResolvedIdentity) ([]int, error) {
	var u *user.User
	var err error
	if id.Username != "" {
		u, err = user.Lookup(id.Username)
	} else {
		u, err = user.LookupId(strconv.FormatUint(uint64(id.UID), 10))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up jailed user for group inheritance: %w", err)
	}
	groupIDs, err := u.GroupIds()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate groups for %s: %w", u.Username, err)
	}
	gids := make([]int, 0, len(groupIDs))
	for _, g := range groupIDs {
		n, err := strconv.Atoi(g)
		if err != nil {
			continue
		}
		gids = append(gids, n)
	}
	return gids, nil
}

// restrictCapabilities drops every capability outside mask from the bounding
// set, installs mask as the effective/permitted sets, and optionally raises
// the kept capabilities into the ambient set so they survive exec.
func restrictCapabilities(mask uint64, ambient bool) error {
	for c := uintptr(0); c <= unix.CAP_LAST_CAP; c++ {
		if mask&(1<<c) != 0 {
			continue
		}
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, c, 0, 0, 0); err != nil {
			return fmt.Errorf("failed to drop capability %d from bounding set: %w", c, err)
		}
	}

	var capData [2]unix.CapUserData
	for c := uint(0); c <= unix.CAP_LAST_CAP; c++ {
		if mask&(1<<c) == 0 {
			continue
		}
		bit := uint32(1 << (c % 32))
		capData[c/32].Effective |= bit
		capData[c/32].Permitted |= bit
		if ambient {
			// Ambient raise requires the capability in both the
			// permitted and inheritable sets.
			capData[c/32].Inheritable |= bit
		}
	}
	header := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	if err := unix.Capset(&header, &capData[0]); err != nil {
		return fmt.Errorf("failed to set capabilities %#x: %w", mask, err)
	}

	if ambient {
		for c := uintptr(0); c <= unix.CAP_LAST_CAP; c++ {
			if mask&(1<<c) == 0 {
				continue
			}
			if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_RAISE, c, 0, 0); err != nil {
				return fmt.Errorf("failed to raise ambient capability %d: %w", c, err)
			}
		}
	}
	return nil
}

// useAltSyscallTable switches the process to a named in-kernel syscall table.
// Only kernels carrying the alt-syscall patch set accept this prctl.
func useAltSyscallTable(table string) error {
	namePtr, err := syscall.BytePtrFromString(table)
	if err != nil {
		return fmt.Errorf("invalid alt-syscall table name %q: %w", table, err)
	}
	if _, _, errno := syscall.Syscall(unix.SYS_PRCTL, prAltSyscall, 1,
		uintptr(unsafe.Pointer(namePtr))); errno != 0 {
		return fmt.Errorf("failed to select alt-syscall table %q: %w", table, errno)
	}
	return nil
}
