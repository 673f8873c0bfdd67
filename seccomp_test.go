package main

import (
	"runtime"
	"strings"
	"testing"

	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

func hostArch(t *testing.T) specs.Arch {
	t.Helper()
	arch, ok := archMap[runtime.GOARCH]
	if !ok {
		t.Skipf("no seccomp arch mapping for %s", runtime.GOARCH)
	}
	return arch
}

func TestBuildSeccompFilterPrelude(t *testing.T) {
	profile := &specs.LinuxSeccomp{
		DefaultAction: specs.ActAllow,
		Architectures: []specs.Arch{hostArch(t)},
	}
	bpf, err := buildSeccompFilter(profile, false)
	if err != nil {
		t.Fatalf("Unexpected build error: %v", err)
	}
	// Prelude (4 instructions) plus the default return.
	if len(bpf) != 5 {
		t.Fatalf("Expected 5 instructions, got %d", len(bpf))
	}
	if bpf[0].Code != unix.BPF_LD|unix.BPF_W|unix.BPF_ABS || bpf[0].K != 4 {
		t.Errorf("Expected arch load first, got %#v", bpf[0])
	}
	if bpf[2].K != unix.SECCOMP_RET_KILL {
		t.Errorf("Expected foreign-arch kill, got %#v", bpf[2])
	}
	if last := bpf[len(bpf)-1]; last.K != unix.SECCOMP_RET_ALLOW {
		t.Errorf("Expected default allow at the end, got %#v", last)
	}
}

func TestBuildSeccompFilterRules(t *testing.T) {
	profile := &specs.LinuxSeccomp{
		DefaultAction: specs.ActErrno,
		Architectures: []specs.Arch{hostArch(t)},
		Syscalls: []specs.LinuxSyscall{
			{Names: []string{"read", "write"}, Action: specs.ActAllow},
		},
	}
	bpf, err := buildSeccompFilter(profile, false)
	if err != nil {
		t.Fatalf("Unexpected build error: %v", err)
	}
	// Prelude + 2 syscalls * (jump + ret) + default.
	if len(bpf) != 4+4+1 {
		t.Fatalf("Expected 9 instructions, got %d", len(bpf))
	}
	if bpf[4].K != uint32(unix.SYS_READ) {
		t.Errorf("Expected jump on read's number, got %#v", bpf[4])
	}
	// Every conditional jump must stay within classic BPF's 8-bit range.
	for i, ins := range bpf {
		if ins.Code&unix.BPF_JMP != 0 && (ins.Jt > 1 || ins.Jf > 1) {
			t.Errorf("Instruction %d jumps too far: %#v", i, ins)
		}
	}
}

func TestBuildSeccompFilterErrnoFolding(t *testing.T) {
	errno := uint(13) // EACCES
	profile := &specs.LinuxSeccomp{
		DefaultAction: specs.ActAllow,
		Architectures: []specs.Arch{hostArch(t)},
		Syscalls: []specs.LinuxSyscall{
			{Names: []string{"ptrace"}, Action: specs.ActErrno, ErrnoRet: &errno},
		},
	}
	bpf, err := buildSeccompFilter(profile, false)
	if err != nil {
		t.Fatalf("Unexpected build error: %v", err)
	}
	ret := bpf[5]
	want := uint32(unix.SECCOMP_RET_ERRNO) | 13
	if ret.K != want {
		t.Errorf("Expected errno return %#x, got %#x", want, ret.K)
	}
}

func TestBuildSeccompFilterLogFailures(t *testing.T) {
	profile := &specs.LinuxSeccomp{
		DefaultAction: specs.ActKill,
		Architectures: []specs.Arch{hostArch(t)},
	}
	bpf, err := buildSeccompFilter(profile, true)
	if err != nil {
		t.Fatalf("Unexpected build error: %v", err)
	}
	if last := bpf[len(bpf)-1]; last.K != unix.SECCOMP_RET_LOG {
		t.Errorf("Expected denying default rewritten to log, got %#x", last.K)
	}

	// An allowing default is left alone.
	profile.DefaultAction = specs.ActAllow
	bpf, err = buildSeccompFilter(profile, true)
	if err != nil {
		t.Fatalf("Unexpected build error: %v", err)
	}
	if last := bpf[len(bpf)-1]; last.K != unix.SECCOMP_RET_ALLOW {
		t.Errorf("Expected default allow preserved, got %#x", last.K)
	}
}

func TestBuildSeccompFilterUnknownSyscall(t *testing.T) {
	profile := &specs.LinuxSeccomp{
		DefaultAction: specs.ActAllow,
		Architectures: []specs.Arch{hostArch(t)},
		Syscalls: []specs.LinuxSyscall{
			{Names: []string{"not_a_syscall"}, Action: specs.ActAllow},
		},
	}
	if _, err := buildSeccompFilter(profile, false); err == nil {
		t.Error("Expected error for unknown syscall name")
	}
}

func TestBuildSeccompFilterForeignProfile(t *testing.T) {
	foreign := specs.ArchMIPS
	profile := &specs.LinuxSeccomp{
		DefaultAction: specs.ActAllow,
		Architectures: []specs.Arch{foreign},
	}
	if _, err := buildSeccompFilter(profile, false); err == nil {
		t.Error("Expected error for profile without the host architecture")
	}
}

func TestGetSyscallNum(t *testing.T) {
	if _, err := getSyscallNum("openat"); err != nil {
		t.Errorf("Expected openat to resolve: %v", err)
	}
	if _, err := getSyscallNum("open"); err == nil {
		t.Error("Arch-specific compatibility syscalls must not resolve")
	}
}

func TestApplySeccompStrictRefused(t *testing.T) {
	// Strict mode before exec would SIGKILL the exec itself; the launcher
	// process must refuse to enter it and leave it to the preload shim.
	err := applySeccomp(SeccompConfig{Mode: SeccompStrict})
	if err == nil {
		t.Fatal("Expected strict mode to be refused before exec")
	}
	if !strings.Contains(err.Error(), "preload") {
		t.Errorf("Expected the preload shim named in the error, got %q", err.Error())
	}
}
