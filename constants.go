package main

import "time"

const (
	// syncPipeFD is the file descriptor the child uses to report setup
	// completion (or a ChildError) back to the parent.
	syncPipeFD = 3

	// stdinFD carries the launcher's real stdin into the child. The plan
	// pipe occupies fd 0, so the child restores this one onto fd 0 before
	// handing off to the target.
	stdinFD = 4

	// pipeTimeout is the maximum duration the parent waits for the child
	// to finish jail setup and signal readiness.
	pipeTimeout = 30 * time.Second

	// prAltSyscall is the ChromeOS prctl that switches the process to an
	// alternate in-kernel syscall table. Not in golang.org/x/sys.
	prAltSyscall = 0x43724f53 // 'CrOS'
)

// Securebits (linux/securebits.h). golang.org/x/sys does not export these.
const (
	secbitNoRoot              = 1 << 0
	secbitNoRootLocked        = 1 << 1
	secbitNoSetuidFixup       = 1 << 2
	secbitNoSetuidFixupLocked = 1 << 3
	secbitKeepCaps            = 1 << 4
	secbitKeepCapsLocked      = 1 << 5
)

// defaultSecurebits is what capability restriction sets unless bits are
// exempted via -B: NOROOT, NO_SETUID_FIXUP and KEEP_CAPS together with their
// respective locks.
const defaultSecurebits = secbitNoRoot | secbitNoRootLocked |
	secbitNoSetuidFixup | secbitNoSetuidFixupLocked |
	secbitKeepCaps | secbitKeepCapsLocked
