package main

import (
	"debug/elf"
	"fmt"

	"golang.org/x/sys/unix"
)

// LinkageClass is whether a binary needs a dynamic linker (dynamic) or is
// fully self-contained (static).
type LinkageClass int

const (
	LinkageUnknown LinkageClass = iota
	LinkageStatic
	LinkageDynamic
)

func (l LinkageClass) String() string {
	switch l {
	case LinkageStatic:
		return "static"
	case LinkageDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// ExecutableInspector probes the target binary. The ELF-backed implementation
// is elfInspector; tests inject fakes.
type ExecutableInspector interface {
	ClassifyLinkage(path string) (LinkageClass, error)
	CanExecute(path string) bool
}

// elfInspector reads the target's ELF header from disk.
type elfInspector struct{}

func (elfInspector) CanExecute(path string) bool {
	return unix.Access(path, unix.X_OK) == nil
}

func (elfInspector) ClassifyLinkage(path string) (LinkageClass, error) {
	f, err := elf.Open(path)
	if err != nil {
		return LinkageUnknown, err
	}
	defer f.Close()

	// A PT_INTERP segment names the dynamic linker; its absence makes the
	// binary self-contained. Static PIEs carry PT_DYNAMIC but no interp
	// and run fine without a loader, so only PT_INTERP counts.
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_INTERP {
			return LinkageDynamic, nil
		}
	}
	return LinkageStatic, nil
}

// classifyTarget determines the target's linkage class, honoring a -T
// override. With an override the binary is never touched, so a jail whose
// chroot is not yet populated can still be compiled. Without one, the target
// is probed through its host-side path (the view before any root change) and
// the result is cached in the launch plan; the binary is not re-inspected
// afterward.
func classifyTarget(cfg *ValidatedConfiguration, insp ExecutableInspector, target string, override LinkageClass) (LinkageClass, error) {
	if override != LinkageUnknown {
		return override, nil
	}

	path := cfg.OriginalPath(target)
	if !insp.CanExecute(path) {
		return LinkageUnknown, NewLaunchError(ErrNotExecutable,
			fmt.Sprintf("target program '%s' is not accessible", target)).
			WithContext("path", path).
			WithComponent("linkage")
	}

	class, err := insp.ClassifyLinkage(path)
	if err != nil {
		return LinkageUnknown, NewLaunchErrorWithCause(ErrNotExecutable,
			fmt.Sprintf("target program '%s' is not a valid ELF file", target), err).
			WithContext("path", path).
			WithComponent("linkage")
	}
	return class, nil
}
