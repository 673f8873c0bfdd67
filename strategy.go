package main

import (
	"debug/elf"
	"fmt"
	"os"
	"runtime"
)

// The launch strategy selector combines the validated configuration with the
// target's linkage class and commits to exactly one way of starting the
// program, or refuses to start it at all. Failing closed here is the point:
// a capability-restricted static binary without ambient caps would silently
// run unconfined, so it is rejected rather than downgraded.

const (
	// defaultPreloadPath is where the capability-finalization shim is
	// installed.
	defaultPreloadPath = "/usr/lib/microjail/libmicrojailpreload.so"
	// preloadPathEnv overrides the shim location.
	preloadPathEnv = "MICROJAIL_PRELOAD"
	// seccompModeEnv tells the shim to enter strict seccomp inside the
	// target after exec.
	seccompModeEnv = "MICROJAIL_SECCOMP"
)

// preloadPath returns the shim path, honoring the environment override.
func preloadPath() string {
	if p := os.Getenv(preloadPathEnv); p != "" {
		return p
	}
	return defaultPreloadPath
}

// PreloadProber verifies the preload shared object is loadable in the
// current, still-unsandboxed process. Discovering a broken shim after
// namespaces have been entered would leave no clean way to report it, so the
// probe runs before any irreversible step.
type PreloadProber interface {
	Probe(path string) error
}

// elfPreloadProber checks the shim the way the dynamic linker would: it must
// exist, be readable, and be a shared object built for the host architecture.
type elfPreloadProber struct{}

func (elfPreloadProber) Probe(path string) error {
	f, err := elf.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if f.Type != elf.ET_DYN {
		return fmt.Errorf("%s is not a shared object (type %v)", path, f.Type)
	}
	if m := hostELFMachine(); m != elf.EM_NONE && f.Machine != m {
		return fmt.Errorf("%s is built for %v, host needs %v", path, f.Machine, m)
	}
	return nil
}

func hostELFMachine() elf.Machine {
	switch runtime.GOARCH {
	case "amd64":
		return elf.EM_X86_64
	case "arm64":
		return elf.EM_AARCH64
	default:
		return elf.EM_NONE
	}
}

// StrategySelector decides between direct and preload-injected exec.
type StrategySelector struct {
	Preload     PreloadProber
	PreloadPath string
}

// newStrategySelector builds the production selector.
func newStrategySelector() *StrategySelector {
	return &StrategySelector{
		Preload:     elfPreloadProber{},
		PreloadPath: preloadPath(),
	}
}

// Select returns the launch strategy for the configuration and linkage
// class. A PreloadExec decision is only committed once the shim probe
// succeeds.
func (s *StrategySelector) Select(cfg *ValidatedConfiguration, linkage LinkageClass) (LaunchStrategy, error) {
	switch linkage {
	case LinkageDynamic:
		// The preload mechanism is attachable, enabling in-process
		// capability finalization after exec.
		if err := s.probe(); err != nil {
			return "", err
		}
		return PreloadExec, nil

	case LinkageStatic:
		if cfg.CapsRestricted && !cfg.AmbientCaps {
			// A static target cannot retain a preload-injected
			// capability-adjustment step and would run unconfined.
			return "", NewLaunchError(ErrConstraint,
				"can't run statically-linked binaries with capabilities (-c) without also setting ambient capabilities; try passing --ambient").
				WithComponent("strategy")
		}
		if cfg.CapsRestricted && cfg.AmbientCaps {
			// Ambient caps survive exec, but finalizing them still
			// runs through the preload stage.
			if err := s.probe(); err != nil {
				return "", err
			}
			return PreloadExec, nil
		}
		if cfg.Seccomp.Mode == SeccompStrict {
			// Strict mode is entered inside the target by the shim;
			// entering it before exec kills the exec itself.
			return "", NewLaunchError(ErrConstraint,
				"can't use strict seccomp (-s) with statically-linked binaries; it is applied through the preload stage after exec").
				WithComponent("strategy")
		}
		return DirectExec, nil

	default:
		return "", NewLaunchError(ErrNotExecutable, "target linkage could not be determined").
			WithComponent("strategy")
	}
}

func (s *StrategySelector) probe() error {
	if err := s.Preload.Probe(s.PreloadPath); err != nil {
		return NewLaunchErrorWithCause(ErrPreloadUnavailable,
			fmt.Sprintf("preload library '%s' is not loadable", s.PreloadPath), err).
			WithComponent("strategy")
	}
	return nil
}
