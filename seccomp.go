package main

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// Seccomp filter files are runtime-spec JSON profiles (specs.LinuxSeccomp)
// compiled to classic-BPF programs. The compiler is deliberately small: one
// jump-table pass over the profile's rules plus the mandatory architecture
// pre-check.

var (
	seccompActionMap = map[specs.LinuxSeccompAction]uint32{
		specs.ActKill:  unix.SECCOMP_RET_KILL,
		specs.ActTrap:  unix.SECCOMP_RET_TRAP,
		specs.ActErrno: unix.SECCOMP_RET_ERRNO,
		specs.ActTrace: unix.SECCOMP_RET_TRACE,
		specs.ActAllow: unix.SECCOMP_RET_ALLOW,
		specs.ActLog:   unix.SECCOMP_RET_LOG,
	}

	archMap = map[string]specs.Arch{
		"amd64": specs.ArchX86_64,
		"arm64": specs.ArchAARCH64,
	}

	seccompArchConstMap = map[specs.Arch]uint32{
		specs.ArchX86_64:  unix.AUDIT_ARCH_X86_64,
		specs.ArchAARCH64: unix.AUDIT_ARCH_AARCH64,
	}
)

// seccompSyscallNum maps syscall names accepted in filter files to numbers
// for the host architecture. Only syscalls present on every supported
// architecture are listed; arch-specific compatibility calls (open, poll,
// dup2) are not.
var seccompSyscallNum = map[string]uint32{
	"read": unix.SYS_READ, "write": unix.SYS_WRITE, "openat": unix.SYS_OPENAT,
	"close": unix.SYS_CLOSE, "fstat": unix.SYS_FSTAT, "lseek": unix.SYS_LSEEK,
	"mmap": unix.SYS_MMAP, "mprotect": unix.SYS_MPROTECT, "munmap": unix.SYS_MUNMAP,
	"brk": unix.SYS_BRK, "ioctl": unix.SYS_IOCTL, "pread64": unix.SYS_PREAD64,
	"pwrite64": unix.SYS_PWRITE64, "readv": unix.SYS_READV, "writev": unix.SYS_WRITEV,
	"sched_yield": unix.SYS_SCHED_YIELD, "mremap": unix.SYS_MREMAP,
	"msync": unix.SYS_MSYNC, "mincore": unix.SYS_MINCORE, "madvise": unix.SYS_MADVISE,
	"dup": unix.SYS_DUP, "dup3": unix.SYS_DUP3, "pipe2": unix.SYS_PIPE2,
	"nanosleep": unix.SYS_NANOSLEEP, "getpid": unix.SYS_GETPID,
	"getppid": unix.SYS_GETPPID, "gettid": unix.SYS_GETTID,
	"socket": unix.SYS_SOCKET, "connect": unix.SYS_CONNECT,
	"accept": unix.SYS_ACCEPT, "accept4": unix.SYS_ACCEPT4,
	"sendto": unix.SYS_SENDTO, "recvfrom": unix.SYS_RECVFROM,
	"sendmsg": unix.SYS_SENDMSG, "recvmsg": unix.SYS_RECVMSG,
	"shutdown": unix.SYS_SHUTDOWN, "bind": unix.SYS_BIND, "listen": unix.SYS_LISTEN,
	"getsockname": unix.SYS_GETSOCKNAME, "getpeername": unix.SYS_GETPEERNAME,
	"socketpair": unix.SYS_SOCKETPAIR, "setsockopt": unix.SYS_SETSOCKOPT,
	"getsockopt": unix.SYS_GETSOCKOPT, "clone": unix.SYS_CLONE,
	"execve": unix.SYS_EXECVE, "execveat": unix.SYS_EXECVEAT,
	"exit": unix.SYS_EXIT, "exit_group": unix.SYS_EXIT_GROUP,
	"wait4": unix.SYS_WAIT4, "kill": unix.SYS_KILL, "uname": unix.SYS_UNAME,
	"fcntl": unix.SYS_FCNTL, "flock": unix.SYS_FLOCK, "fsync": unix.SYS_FSYNC,
	"fdatasync": unix.SYS_FDATASYNC, "truncate": unix.SYS_TRUNCATE,
	"ftruncate": unix.SYS_FTRUNCATE, "getcwd": unix.SYS_GETCWD,
	"chdir": unix.SYS_CHDIR, "fchdir": unix.SYS_FCHDIR,
	"fchmod": unix.SYS_FCHMOD, "fchown": unix.SYS_FCHOWN, "umask": unix.SYS_UMASK,
	"getrlimit": unix.SYS_GETRLIMIT, "setrlimit": unix.SYS_SETRLIMIT,
	"getrusage": unix.SYS_GETRUSAGE, "sysinfo": unix.SYS_SYSINFO,
	"ptrace": unix.SYS_PTRACE, "getuid": unix.SYS_GETUID, "getgid": unix.SYS_GETGID,
	"geteuid": unix.SYS_GETEUID, "getegid": unix.SYS_GETEGID,
	"setuid": unix.SYS_SETUID, "setgid": unix.SYS_SETGID,
	"setpgid": unix.SYS_SETPGID, "setsid": unix.SYS_SETSID,
	"setreuid": unix.SYS_SETREUID, "setregid": unix.SYS_SETREGID,
	"getgroups": unix.SYS_GETGROUPS, "setgroups": unix.SYS_SETGROUPS,
	"setresuid": unix.SYS_SETRESUID, "getresuid": unix.SYS_GETRESUID,
	"setresgid": unix.SYS_SETRESGID, "getresgid": unix.SYS_GETRESGID,
	"getpgid": unix.SYS_GETPGID, "getsid": unix.SYS_GETSID,
	"capget": unix.SYS_CAPGET, "capset": unix.SYS_CAPSET,
	"rt_sigaction": unix.SYS_RT_SIGACTION, "rt_sigprocmask": unix.SYS_RT_SIGPROCMASK,
	"rt_sigreturn": unix.SYS_RT_SIGRETURN, "rt_sigpending": unix.SYS_RT_SIGPENDING,
	"rt_sigtimedwait": unix.SYS_RT_SIGTIMEDWAIT, "rt_sigsuspend": unix.SYS_RT_SIGSUSPEND,
	"sigaltstack": unix.SYS_SIGALTSTACK, "personality": unix.SYS_PERSONALITY,
	"statfs": unix.SYS_STATFS, "fstatfs": unix.SYS_FSTATFS,
	"getpriority": unix.SYS_GETPRIORITY, "setpriority": unix.SYS_SETPRIORITY,
	"mlock": unix.SYS_MLOCK, "munlock": unix.SYS_MUNLOCK,
	"mlockall": unix.SYS_MLOCKALL, "munlockall": unix.SYS_MUNLOCKALL,
	"pivot_root": unix.SYS_PIVOT_ROOT, "prctl": unix.SYS_PRCTL,
	"chroot": unix.SYS_CHROOT, "sync": unix.SYS_SYNC, "mount": unix.SYS_MOUNT,
	"umount2": unix.SYS_UMOUNT2, "sethostname": unix.SYS_SETHOSTNAME,
	"setdomainname": unix.SYS_SETDOMAINNAME, "getdents64": unix.SYS_GETDENTS64,
	"epoll_create1": unix.SYS_EPOLL_CREATE1, "epoll_ctl": unix.SYS_EPOLL_CTL,
	"epoll_pwait": unix.SYS_EPOLL_PWAIT, "eventfd2": unix.SYS_EVENTFD2,
	"signalfd4": unix.SYS_SIGNALFD4, "timerfd_create": unix.SYS_TIMERFD_CREATE,
	"timerfd_settime": unix.SYS_TIMERFD_SETTIME, "timerfd_gettime": unix.SYS_TIMERFD_GETTIME,
	"inotify_init1": unix.SYS_INOTIFY_INIT1, "inotify_add_watch": unix.SYS_INOTIFY_ADD_WATCH,
	"inotify_rm_watch": unix.SYS_INOTIFY_RM_WATCH, "ppoll": unix.SYS_PPOLL,
	"pselect6": unix.SYS_PSELECT6, "unlinkat": unix.SYS_UNLINKAT,
	"renameat": unix.SYS_RENAMEAT, "mkdirat": unix.SYS_MKDIRAT,
	"mknodat": unix.SYS_MKNODAT, "fchownat": unix.SYS_FCHOWNAT,
	"fchmodat": unix.SYS_FCHMODAT, "faccessat": unix.SYS_FACCESSAT,
	"faccessat2": unix.SYS_FACCESSAT2, "readlinkat": unix.SYS_READLINKAT,
	"symlinkat": unix.SYS_SYMLINKAT, "linkat": unix.SYS_LINKAT,
	"utimensat": unix.SYS_UTIMENSAT, "futex": unix.SYS_FUTEX,
	"set_tid_address": unix.SYS_SET_TID_ADDRESS, "set_robust_list": unix.SYS_SET_ROBUST_LIST,
	"get_robust_list": unix.SYS_GET_ROBUST_LIST, "clock_gettime": unix.SYS_CLOCK_GETTIME,
	"clock_getres": unix.SYS_CLOCK_GETRES, "clock_nanosleep": unix.SYS_CLOCK_NANOSLEEP,
	"clock_settime": unix.SYS_CLOCK_SETTIME, "tgkill": unix.SYS_TGKILL,
	"tkill": unix.SYS_TKILL, "restart_syscall": unix.SYS_RESTART_SYSCALL,
	"getrandom": unix.SYS_GETRANDOM, "memfd_create": unix.SYS_MEMFD_CREATE,
	"seccomp": unix.SYS_SECCOMP, "bpf": unix.SYS_BPF,
	"membarrier": unix.SYS_MEMBARRIER, "mlock2": unix.SYS_MLOCK2,
	"copy_file_range": unix.SYS_COPY_FILE_RANGE, "preadv": unix.SYS_PREADV,
	"pwritev": unix.SYS_PWRITEV, "preadv2": unix.SYS_PREADV2,
	"pwritev2": unix.SYS_PWRITEV2, "statx": unix.SYS_STATX,
	"rseq": unix.SYS_RSEQ, "pidfd_open": unix.SYS_PIDFD_OPEN,
	"pidfd_send_signal": unix.SYS_PIDFD_SEND_SIGNAL, "close_range": unix.SYS_CLOSE_RANGE,
	"openat2": unix.SYS_OPENAT2,
}

func getSyscallNum(name string) (uint32, error) {
	num, ok := seccompSyscallNum[name]
	if !ok {
		return 0, fmt.Errorf("unknown syscall: %s", name)
	}
	return num, nil
}

func bpfStmt(code uint16, k uint32) unix.SockFilter {
	return unix.SockFilter{Code: code, K: k}
}

func bpfJump(code uint16, k uint32, jt, jf uint8) unix.SockFilter {
	return unix.SockFilter{Code: code, Jt: jt, Jf: jf, K: k}
}

// loadSeccompProfile reads and decodes a filter file.
func loadSeccompProfile(path string) (*specs.LinuxSeccomp, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seccomp filter file: %w", err)
	}
	profile := &specs.LinuxSeccomp{}
	if err := json.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("failed to parse seccomp filter file: %w", err)
	}
	return profile, nil
}

// buildSeccompFilter compiles a profile into a BPF program. With logFailures
// set, a denying default action is rewritten to SECCOMP_RET_LOG so blocked
// syscalls are reported instead of silently failed.
func buildSeccompFilter(profile *specs.LinuxSeccomp, logFailures bool) ([]unix.SockFilter, error) {
	hostArch, ok := archMap[runtime.GOARCH]
	if !ok {
		return nil, fmt.Errorf("unsupported host architecture for seccomp: %s", runtime.GOARCH)
	}
	hostArchConst := seccompArchConstMap[hostArch]

	archSupported := false
	for _, arch := range profile.Architectures {
		if arch == hostArch {
			archSupported = true
			break
		}
	}
	if !archSupported {
		return nil, fmt.Errorf("seccomp profile does not support host architecture %s", hostArch)
	}

	defaultAction, ok := seccompActionMap[profile.DefaultAction]
	if !ok {
		return nil, fmt.Errorf("unknown default seccomp action: %s", profile.DefaultAction)
	}
	if logFailures && defaultAction != unix.SECCOMP_RET_ALLOW {
		defaultAction = unix.SECCOMP_RET_LOG
	}

	// Mandatory prelude: kill on a foreign architecture, then load the
	// syscall number. Keeping one ret per rule bounds every conditional
	// jump to a single instruction, which classic BPF's 8-bit offsets
	// require.
	bpf := []unix.SockFilter{
		bpfStmt(unix.BPF_LD|unix.BPF_W|unix.BPF_ABS, 4), // A = seccomp_data.arch
		bpfJump(unix.BPF_JMP|unix.BPF_JEQ|unix.BPF_K, hostArchConst, 1, 0),
		bpfStmt(unix.BPF_RET|unix.BPF_K, unix.SECCOMP_RET_KILL),
		bpfStmt(unix.BPF_LD|unix.BPF_W|unix.BPF_ABS, 0), // A = seccomp_data.nr
	}

	for _, rule := range profile.Syscalls {
		actionCode, ok := seccompActionMap[rule.Action]
		if !ok {
			return nil, fmt.Errorf("unknown seccomp action in profile: %s", rule.Action)
		}
		if rule.Action == specs.ActErrno && rule.ErrnoRet != nil {
			actionCode |= uint32(*rule.ErrnoRet) & unix.SECCOMP_RET_DATA
		}
		for _, name := range rule.Names {
			num, err := getSyscallNum(name)
			if err != nil {
				return nil, err
			}
			bpf = append(bpf,
				bpfJump(unix.BPF_JMP|unix.BPF_JEQ|unix.BPF_K, num, 0, 1),
				bpfStmt(unix.BPF_RET|unix.BPF_K, actionCode))
		}
	}

	bpf = append(bpf, bpfStmt(unix.BPF_RET|unix.BPF_K, defaultAction))
	return bpf, nil
}

// applySeccomp installs the requested seccomp filter on the calling thread.
// This is the last jail step before exec; nothing after it can rely on a
// syscall the filter denies, and execve itself must be permitted.
func applySeccomp(cfg SeccompConfig) error {
	switch cfg.Mode {
	case SeccompNone:
		return nil

	case SeccompStrict:
		// Strict mode allows only read/write/exit/sigreturn, so entering
		// it here would SIGKILL the execve that follows. The preload shim
		// enters it inside the target instead.
		return fmt.Errorf("strict seccomp must be entered by the preload shim, not before exec")

	case SeccompFilter:
		profile, err := loadSeccompProfile(cfg.FilterPath)
		if err != nil {
			return err
		}
		filter, err := buildSeccompFilter(profile, cfg.LogFailures)
		if err != nil {
			return err
		}
		prog := &unix.SockFprog{
			Len:    uint16(len(filter)),
			Filter: &filter[0],
		}
		if cfg.Tsync {
			_, _, errno := unix.Syscall(unix.SYS_SECCOMP,
				unix.SECCOMP_SET_MODE_FILTER,
				unix.SECCOMP_FILTER_FLAG_TSYNC,
				uintptr(unsafe.Pointer(prog)))
			if errno != 0 {
				return fmt.Errorf("seccomp(SET_MODE_FILTER, TSYNC): %w", errno)
			}
			return nil
		}
		if err := unix.Prctl(unix.PR_SET_SECCOMP, unix.SECCOMP_MODE_FILTER,
			uintptr(unsafe.Pointer(prog)), 0, 0); err != nil {
			return fmt.Errorf("prctl(SET_SECCOMP, FILTER): %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown seccomp mode %d", cfg.Mode)
	}
}
