package main

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// --- Directives ---
//
// A Directive is one normalized unit of jail configuration derived from a
// single command-line flag occurrence. Directives are immutable once parsed;
// the ordered slice produced by the parser is the only parse output. Order
// matters only for last-occurrence-wins on repeatable scalar flags (uid/gid
// maps); everything else is evaluated as a set by the constraint validator.

// Directive is the tagged-value interface implemented by every variant.
type Directive interface {
	// Flag returns the command-line flag the directive came from, for
	// error messages.
	Flag() string
}

// NamespaceSet is a bitmask of namespace kinds the jailed process enters.
type NamespaceSet uint32

const (
	NSMount NamespaceSet = 1 << iota
	NSPID
	NSNet
	NSIPC
	NSUTS
	NSCgroup
	NSUser
)

// Has reports whether all namespaces in mask are present in the set.
func (s NamespaceSet) Has(mask NamespaceSet) bool { return s&mask == mask }

// CloneFlags translates the set into clone(2) flags for SysProcAttr.
func (s NamespaceSet) CloneFlags() uintptr {
	var flags uintptr
	for _, m := range []struct {
		ns NamespaceSet
		fl uintptr
	}{
		{NSMount, unix.CLONE_NEWNS},
		{NSPID, unix.CLONE_NEWPID},
		{NSNet, unix.CLONE_NEWNET},
		{NSIPC, unix.CLONE_NEWIPC},
		{NSUTS, unix.CLONE_NEWUTS},
		{NSCgroup, unix.CLONE_NEWCGROUP},
		{NSUser, unix.CLONE_NEWUSER},
	} {
		if s.Has(m.ns) {
			flags |= m.fl
		}
	}
	return flags
}

func (s NamespaceSet) String() string {
	names := []struct {
		ns   NamespaceSet
		name string
	}{
		{NSMount, "mount"}, {NSPID, "pid"}, {NSNet, "net"}, {NSIPC, "ipc"},
		{NSUTS, "uts"}, {NSCgroup, "cgroup"}, {NSUser, "user"},
	}
	var out []string
	for _, n := range names {
		if s.Has(n.ns) {
			out = append(out, n.name)
		}
	}
	if len(out) == 0 {
		return "none"
	}
	return strings.Join(out, ",")
}

// BindDirective bind-mounts src at dest inside the jail (-b).
type BindDirective struct {
	Source   string
	Dest     string
	Writable bool
}

func (BindDirective) Flag() string { return "-b" }

// MountDirective mounts a filesystem inside the jail (-k).
type MountDirective struct {
	Source string
	Dest   string
	FSType string
	Flags  uintptr
	Data   string
}

func (MountDirective) Flag() string { return "-k" }

// RlimitDirective sets one resource limit on the jailed process (-R).
type RlimitDirective struct {
	Type int
	Cur  uint64
	Max  uint64
}

func (RlimitDirective) Flag() string { return "-R" }

// CapsMaskDirective restricts the jailed process to the capabilities in
// Mask (-c).
type CapsMaskDirective struct {
	Mask uint64
}

func (CapsMaskDirective) Flag() string { return "-c" }

// SecurebitsSkipDirective exempts the securebits in Mask from being set when
// capabilities are restricted (-B).
type SecurebitsSkipDirective struct {
	Mask uint64
}

func (SecurebitsSkipDirective) Flag() string { return "-B" }

// SeccompMode identifies which seccomp flavor is requested.
type SeccompMode int

const (
	SeccompNone SeccompMode = iota
	SeccompStrict
	SeccompFilter
)

// SeccompDirective selects seccomp mode 1 (-s) or a filter file (-S).
type SeccompDirective struct {
	Mode       SeccompMode
	FilterPath string
}

func (d SeccompDirective) Flag() string {
	if d.Mode == SeccompFilter {
		return "-S"
	}
	return "-s"
}

// SeccompTsyncDirective synchronizes the seccomp filter across the thread
// group (-Y).
type SeccompTsyncDirective struct{}

func (SeccompTsyncDirective) Flag() string { return "-Y" }

// LogSeccompFailuresDirective reports blocked syscalls instead of silently
// failing them (-L).
type LogSeccompFailuresDirective struct{}

func (LogSeccompFailuresDirective) Flag() string { return "-L" }

// AltSyscallDirective selects an alternate in-kernel syscall table (-a).
type AltSyscallDirective struct {
	Table string
}

func (AltSyscallDirective) Flag() string { return "-a" }

// NamespaceDirective requests entry into the named new namespaces
// (-v, -p, -l, -N, -U, --uts).
type NamespaceDirective struct {
	Set  NamespaceSet
	flag string
}

func (d NamespaceDirective) Flag() string { return d.flag }

// EnterNetNSDirective joins the existing network namespace bound at Path
// (-e with an argument).
type EnterNetNSDirective struct {
	Path string
}

func (EnterNetNSDirective) Flag() string { return "-e" }

// EnterMountNSDirective joins the existing mount namespace bound at Path (-V).
type EnterMountNSDirective struct {
	Path string
}

func (EnterMountNSDirective) Flag() string { return "-V" }

// UserDirective changes the jailed uid to the given user specifier (-u).
type UserDirective struct {
	Spec string
}

func (UserDirective) Flag() string { return "-u" }

// GroupDirective changes the jailed gid to the given group specifier (-g).
type GroupDirective struct {
	Spec string
}

func (GroupDirective) Flag() string { return "-g" }

// UIDMapDirective sets the uid map of the user namespace (-m). Raw is empty
// when no mapping argument was supplied; a default map is synthesized by the
// identity resolver in that case.
type UIDMapDirective struct {
	Raw string
}

func (UIDMapDirective) Flag() string { return "-m" }

// GIDMapDirective sets the gid map of the user namespace (-M).
type GIDMapDirective struct {
	Raw string
}

func (GIDMapDirective) Flag() string { return "-M" }

// ChrootDirective chroots into Dir before exec (-C).
type ChrootDirective struct {
	Dir string
}

func (ChrootDirective) Flag() string { return "-C" }

// PivotRootDirective pivot_roots into Dir before exec (-P).
type PivotRootDirective struct {
	Dir string
}

func (PivotRootDirective) Flag() string { return "-P" }

// TmpfsDirective mounts a tmpfs of Size bytes at /tmp (-t).
type TmpfsDirective struct {
	Size uint64
}

func (TmpfsDirective) Flag() string { return "-t" }

// MountDevDirective creates a minimal /dev inside the jail (-d).
type MountDevDirective struct{}

func (MountDevDirective) Flag() string { return "-d" }

// RemountProcRODirective remounts /proc read-only (-r).
type RemountProcRODirective struct{}

func (RemountProcRODirective) Flag() string { return "-r" }

// SkipRemountPrivateDirective skips marking existing mounts MS_PRIVATE (-K).
type SkipRemountPrivateDirective struct{}

func (SkipRemountPrivateDirective) Flag() string { return "-K" }

// LogDestination names a logging sink.
type LogDestination string

const (
	LogToSyslog LogDestination = "syslog"
	LogToStderr LogDestination = "stderr"
)

// LogDirective routes launcher logging to the given destination (--logging).
type LogDirective struct {
	Dest LogDestination
}

func (LogDirective) Flag() string { return "--logging" }

// RunAsInitDirective runs the target as init (pid 1) in the pid
// namespace (-I).
type RunAsInitDirective struct{}

func (RunAsInitDirective) Flag() string { return "-I" }

// ExitImmediatelyDirective makes the launcher exit right after the hand-off
// instead of acting as an init surrogate (-i).
type ExitImmediatelyDirective struct{}

func (ExitImmediatelyDirective) Flag() string { return "-i" }

// AmbientCapsDirective raises the restricted capabilities into the ambient
// set so they survive exec (--ambient).
type AmbientCapsDirective struct{}

func (AmbientCapsDirective) Flag() string { return "--ambient" }

// NoForwardSignalsDirective disables signal forwarding to the jailed
// process (-z).
type NoForwardSignalsDirective struct{}

func (NoForwardSignalsDirective) Flag() string { return "-z" }

// InheritGroupsDirective inherits supplementary groups from the jailed
// uid (-G).
type InheritGroupsDirective struct{}

func (InheritGroupsDirective) Flag() string { return "-G" }

// KeepGroupsDirective keeps the calling uid's supplementary groups (-y).
type KeepGroupsDirective struct{}

func (KeepGroupsDirective) Flag() string { return "-y" }

// NoNewPrivsDirective sets the no_new_privs bit (-n).
type NoNewPrivsDirective struct{}

func (NoNewPrivsDirective) Flag() string { return "-n" }

// SessionKeyringDirective creates and joins a new anonymous session
// keyring (-w).
type SessionKeyringDirective struct{}

func (SessionKeyringDirective) Flag() string { return "-w" }

// HostnameDirective sets the hostname inside a new UTS namespace (--uts=name).
type HostnameDirective struct {
	Name string
}

func (HostnameDirective) Flag() string { return "--uts" }

// PidFileDirective writes the jailed pid to Path (-f).
type PidFileDirective struct {
	Path string
}

func (PidFileDirective) Flag() string { return "-f" }

// LinkageOverrideDirective asserts the target's linkage class without
// touching the binary (-T).
type LinkageOverrideDirective struct {
	Linkage LinkageClass
}

func (LinkageOverrideDirective) Flag() string { return "-T" }

// --- Resolved identity ---

// ResolvedIdentity is the numeric identity the jailed process assumes, plus
// the id-map decisions derived alongside it. Immutable after resolution.
type ResolvedIdentity struct {
	UID      uint32 `json:"uid"`
	GID      uint32 `json:"gid"`
	SetUID   bool   `json:"set_uid"`
	SetGID   bool   `json:"set_gid"`
	Username string `json:"username,omitempty"` // set only for name lookups, used for initgroups

	InheritSupplementaryGroups bool `json:"inherit_supplementary_groups"`
	KeepSupplementaryGroups    bool `json:"keep_supplementary_groups"`

	// Id maps for the user namespace, either user-supplied or synthesized.
	UIDMap    string `json:"uid_map,omitempty"`
	GIDMap    string `json:"gid_map,omitempty"`
	SetUIDMap bool   `json:"set_uid_map"`
	SetGIDMap bool   `json:"set_gid_map"`

	// DisableSetgroups must be honored before the gid map is written when
	// the caller lacks CAP_SETGID (user_namespaces(7)).
	DisableSetgroups bool `json:"disable_setgroups"`
}

// --- Validated configuration ---

// SeccompConfig is the resolved seccomp request.
type SeccompConfig struct {
	Mode        SeccompMode `json:"mode"`
	FilterPath  string      `json:"filter_path,omitempty"`
	Tsync       bool        `json:"tsync"`
	LogFailures bool        `json:"log_failures"`
}

// ValidatedConfiguration is the full directive set after cross-directive
// validation, with namespace implications applied. It is built once by the
// constraint validator and read-only afterward; the derived predicates are
// methods so they can never go stale.
type ValidatedConfiguration struct {
	Namespaces NamespaceSet `json:"namespaces"`
	// RequestedMountNS records an explicit new-mount-namespace directive,
	// as opposed to one implied by -p/-P/-t/-r/-d. The bind and
	// skip-remount rules are evaluated against the explicit request.
	RequestedMountNS bool `json:"requested_mount_ns"`

	Binds   []BindDirective   `json:"binds,omitempty"`
	Mounts  []MountDirective  `json:"mounts,omitempty"`
	Rlimits []RlimitDirective `json:"rlimits,omitempty"`

	CapsRestricted     bool   `json:"caps_restricted"`
	CapsMask           uint64 `json:"caps_mask"`
	AmbientCaps        bool   `json:"ambient_caps"`
	SecurebitsSkipMask uint64 `json:"securebits_skip_mask"`
	NoNewPrivs         bool   `json:"no_new_privs"`

	Seccomp    SeccompConfig `json:"seccomp"`
	AltSyscall string        `json:"alt_syscall,omitempty"`

	ChrootDir          string `json:"chroot_dir,omitempty"`
	PivotRootDir       string `json:"pivot_root_dir,omitempty"`
	TmpfsSize          uint64 `json:"tmpfs_size,omitempty"`
	MountDev           bool   `json:"mount_dev"`
	RemountProcRO      bool   `json:"remount_proc_ro"`
	SkipRemountPrivate bool   `json:"skip_remount_private"`

	EnterNetNS   string `json:"enter_net_ns,omitempty"`
	EnterMountNS string `json:"enter_mount_ns,omitempty"`
	Hostname     string `json:"hostname,omitempty"`

	Identity ResolvedIdentity `json:"identity"`

	SessionKeyring  bool `json:"session_keyring"`
	RunAsInit       bool `json:"run_as_init"`
	ExitImmediately bool `json:"exit_immediately"`
	ForwardSignals  bool `json:"forward_signals"`

	PidFile string         `json:"pid_file,omitempty"`
	LogDest LogDestination `json:"log_dest"`
}

// HasChroot reports whether a chroot was requested.
func (c *ValidatedConfiguration) HasChroot() bool { return c.ChrootDir != "" }

// HasPivotRoot reports whether a pivot_root was requested.
func (c *ValidatedConfiguration) HasPivotRoot() bool { return c.PivotRootDir != "" }

// HasMountNamespace reports whether the jail enters a new mount namespace,
// whether requested explicitly or implied by another directive.
func (c *ValidatedConfiguration) HasMountNamespace() bool { return c.Namespaces.Has(NSMount) }

// HasBindings reports whether any bind-mount directives are present.
func (c *ValidatedConfiguration) HasBindings() bool { return len(c.Binds) > 0 }

// NewRoot returns the jail's root directory, or "" when the root is not
// changed.
func (c *ValidatedConfiguration) NewRoot() string {
	if c.ChrootDir != "" {
		return c.ChrootDir
	}
	return c.PivotRootDir
}

// OriginalPath returns the host-side view of a path inside the jail, before
// any root change takes effect. Used to probe the target binary while it is
// still reachable.
func (c *ValidatedConfiguration) OriginalPath(path string) string {
	root := c.NewRoot()
	if root == "" || !strings.HasPrefix(path, "/") {
		return path
	}
	return root + path
}

// --- Launch plan ---

// LaunchStrategy names how the target program is started.
type LaunchStrategy string

const (
	// DirectExec starts the target without preload injection.
	DirectExec LaunchStrategy = "direct-exec"
	// PreloadExec injects the preload shared object at exec time so
	// capability finalization can run inside the target's address space.
	PreloadExec LaunchStrategy = "preload-exec"
)

// LaunchPlan is the terminal artifact of directive compilation. It is handed
// to the jail controller and never mutated afterward.
type LaunchPlan struct {
	Config   ValidatedConfiguration `json:"config"`
	Strategy LaunchStrategy         `json:"strategy"`
	Argv     []string               `json:"argv"`
	// PreloadPath is the shared object injected for PreloadExec.
	PreloadPath string `json:"preload_path,omitempty"`
}

// ChildError carries a setup failure from the jailed child back to the
// parent over the sync pipe.
type ChildError struct {
	Phase string `json:"phase"`
	Msg   string `json:"msg"`
	Err   error  `json:"-"`
}

func (e ChildError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("child failed during phase '%s': %s (cause: %v)", e.Phase, e.Msg, e.Err)
	}
	return fmt.Sprintf("child failed during phase '%s': %s", e.Phase, e.Msg)
}

// Unwrap provides compatibility with errors.Is and errors.As.
func (e ChildError) Unwrap() error {
	return e.Err
}
