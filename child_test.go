package main

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

func TestTargetEnvironDirect(t *testing.T) {
	plan := &LaunchPlan{Strategy: DirectExec}
	for _, kv := range targetEnviron(plan) {
		if strings.HasPrefix(kv, "LD_PRELOAD=") && strings.Contains(kv, "microjail") {
			t.Errorf("Direct exec must not inject a preload, got %q", kv)
		}
	}
}

func TestTargetEnvironPreloadAppended(t *testing.T) {
	os.Unsetenv("LD_PRELOAD")
	plan := &LaunchPlan{Strategy: PreloadExec, PreloadPath: "/lib/shim.so"}

	var found bool
	for _, kv := range targetEnviron(plan) {
		if kv == "LD_PRELOAD=/lib/shim.so" {
			found = true
		}
	}
	if !found {
		t.Error("Expected LD_PRELOAD entry with the shim path")
	}
}

func TestTargetEnvironPreloadPrepended(t *testing.T) {
	t.Setenv("LD_PRELOAD", "/lib/existing.so")
	plan := &LaunchPlan{Strategy: PreloadExec, PreloadPath: "/lib/shim.so"}

	var got string
	for _, kv := range targetEnviron(plan) {
		if strings.HasPrefix(kv, "LD_PRELOAD=") {
			got = kv
		}
	}
	if got != "LD_PRELOAD=/lib/shim.so /lib/existing.so" {
		t.Errorf("Expected shim prepended to existing preload list, got %q", got)
	}
}

func TestTargetEnvironStrictSeccompFlag(t *testing.T) {
	plan := &LaunchPlan{
		Config:      ValidatedConfiguration{Seccomp: SeccompConfig{Mode: SeccompStrict}},
		Strategy:    PreloadExec,
		PreloadPath: "/lib/shim.so",
	}

	var found bool
	for _, kv := range targetEnviron(plan) {
		if kv == seccompModeEnv+"=strict" {
			found = true
		}
	}
	if !found {
		t.Error("Expected the strict-mode flag in the preload environment")
	}

	// Without the preload stage there is no shim to read the flag.
	plan = &LaunchPlan{
		Config:   ValidatedConfiguration{Seccomp: SeccompConfig{Mode: SeccompStrict}},
		Strategy: DirectExec,
	}
	for _, kv := range targetEnviron(plan) {
		if strings.HasPrefix(kv, seccompModeEnv+"=") {
			t.Errorf("Direct exec must not carry the strict-mode flag, got %q", kv)
		}
	}
}

func TestExitCodeFromStatus(t *testing.T) {
	// Normal exit: code in bits 8-15.
	if got := exitCodeFromStatus(syscall.WaitStatus(3 << 8)); got != 3 {
		t.Errorf("Expected exit code 3, got %d", got)
	}
	if got := exitCodeFromStatus(syscall.WaitStatus(0)); got != 0 {
		t.Errorf("Expected exit code 0, got %d", got)
	}
	// Signal death: 128+signal, shell convention.
	if got := exitCodeFromStatus(syscall.WaitStatus(9)); got != 137 {
		t.Errorf("Expected 137 for SIGKILL, got %d", got)
	}
}

func TestPrepareMountPointDirectory(t *testing.T) {
	src := t.TempDir()
	dest := filepath.Join(t.TempDir(), "a", "b", "c")
	if err := prepareMountPoint(src, dest); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	info, err := os.Stat(dest)
	if err != nil || !info.IsDir() {
		t.Errorf("Expected directory mount point at %s", dest)
	}
}

func TestPrepareMountPointFile(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "resolv.conf")
	if err := os.WriteFile(src, []byte("nameserver 127.0.0.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "etc", "resolv.conf")
	if err := prepareMountPoint(src, dest); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	info, err := os.Stat(dest)
	if err != nil || info.IsDir() {
		t.Errorf("Expected file mount point at %s", dest)
	}
}

func TestPrepareMountPointMissingSource(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "dest")
	if err := prepareMountPoint(filepath.Join(t.TempDir(), "nope"), dest); err == nil {
		t.Error("Expected error for missing bind source")
	}
}
