package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// The directive parser turns the raw argument vector into an ordered
// []Directive. Each flag validates its own local syntax only; relationships
// between directives are the constraint validator's job. pflag invokes
// Value.Set in argv order, so the slice preserves occurrence order for the
// last-wins flags (-m/-M).

// noArgSentinel is assigned by pflag when an optional-argument flag is given
// without a value (-t, -e, -m, -M, --uts).
const noArgSentinel = "\x00"

// maxFilterPathLen bounds the seccomp filter path, as in the C launcher.
const maxFilterPathLen = 4096

// defaultTmpfsSize is the /tmp tmpfs size when -t carries no argument.
const defaultTmpfsSize = 64 * 1024 * 1024

var (
	errHelpRequested        = errors.New("help requested")
	errSeccompHelpRequested = errors.New("seccomp filter help requested")
)

// flagValue adapts a parse function to the pflag.Value interface.
type flagValue struct {
	typ string
	fn  func(string) error
}

func (v *flagValue) String() string     { return "" }
func (v *flagValue) Type() string       { return v.typ }
func (v *flagValue) Set(s string) error { return v.fn(s) }

type directiveParser struct {
	fs         *pflag.FlagSet
	directives []Directive

	// firstErr keeps the original structured error; pflag rewraps Set
	// errors into plain strings, so the typed value is preserved here.
	firstErr error

	seccompMode SeccompMode
	help        bool
	seccompHelp bool
}

// parseDirectives compiles the argument vector into an ordered directive
// sequence plus the target argv. It fails with a parse_error on the first
// malformed token and has no side effects beyond its return values.
func parseDirectives(args []string) ([]Directive, []string, error) {
	p := &directiveParser{
		fs: pflag.NewFlagSet("microjail", pflag.ContinueOnError),
	}
	p.fs.SetInterspersed(false)
	p.fs.SetOutput(os.Stderr)
	// The caller prints usage; pflag must not print its own on failure.
	p.fs.Usage = func() {}
	p.register()

	if err := p.fs.Parse(args); err != nil {
		if p.firstErr != nil {
			return nil, nil, p.firstErr
		}
		if errors.Is(err, pflag.ErrHelp) {
			return nil, nil, errHelpRequested
		}
		return nil, nil, NewLaunchErrorWithCause(ErrParse, "invalid arguments", err).
			WithComponent("parser")
	}
	if p.help {
		return nil, nil, errHelpRequested
	}
	if p.seccompHelp {
		return nil, nil, errSeccompHelpRequested
	}

	target := p.fs.Args()
	if len(target) == 0 {
		return nil, nil, parseError("<program>", "no target program specified")
	}
	return p.directives, target, nil
}

// add appends a directive produced by a flag occurrence.
func (p *directiveParser) add(d Directive) {
	p.directives = append(p.directives, d)
}

// fail records and returns the first structured parse error.
func (p *directiveParser) fail(flag, reason string) error {
	err := parseError(flag, reason)
	if p.firstErr == nil {
		p.firstErr = err
	}
	return err
}

// stringFlag registers a required-argument flag.
func (p *directiveParser) stringFlag(long, short, usage string, fn func(string) error) {
	p.fs.VarP(&flagValue{typ: "string", fn: fn}, long, short, usage)
}

// optFlag registers an optional-argument flag; fn receives noArgSentinel when
// the value is absent.
func (p *directiveParser) optFlag(long, short, usage string, fn func(string) error) {
	p.fs.VarP(&flagValue{typ: "string", fn: fn}, long, short, usage)
	p.fs.Lookup(long).NoOptDefVal = noArgSentinel
}

// boolFlag registers a no-argument flag. The bool type lets pflag combine
// shorthands (-vrp).
func (p *directiveParser) boolFlag(long, short, usage string, fn func() error) {
	p.fs.VarP(&flagValue{typ: "bool", fn: func(string) error { return fn() }}, long, short, usage)
	p.fs.Lookup(long).NoOptDefVal = "true"
}

func (p *directiveParser) register() {
	p.boolFlag("help", "h", "print this help", func() error {
		p.help = true
		return nil
	})
	p.boolFlag("seccomp-help", "H", "print seccomp filter help", func() error {
		p.seccompHelp = true
		return nil
	})

	p.stringFlag("user", "u", "change uid to <user>", func(s string) error {
		p.add(UserDirective{Spec: s})
		return nil
	})
	p.stringFlag("group", "g", "change gid to <group>", func(s string) error {
		p.add(GroupDirective{Spec: s})
		return nil
	})

	p.boolFlag("seccomp", "s", "use seccomp mode 1", func() error {
		if p.seccompMode == SeccompFilter {
			return p.fail("-s", "do not use -s and -S together")
		}
		p.seccompMode = SeccompStrict
		p.add(SeccompDirective{Mode: SeccompStrict})
		return nil
	})
	p.stringFlag("seccomp-filter", "S", "set seccomp filter using <file>", func(s string) error {
		if p.seccompMode == SeccompStrict {
			return p.fail("-S", "do not use -s and -S together")
		}
		if len(s) >= maxFilterPathLen {
			return p.fail("-S", "filter path is too long")
		}
		p.seccompMode = SeccompFilter
		p.add(SeccompDirective{Mode: SeccompFilter, FilterPath: s})
		return nil
	})
	p.boolFlag("tsync", "Y", "synchronize seccomp filters across thread group", func() error {
		p.add(SeccompTsyncDirective{})
		return nil
	})
	p.boolFlag("log-seccomp", "L", "report blocked syscalls to the log", func() error {
		p.add(LogSeccompFailuresDirective{})
		return nil
	})

	p.stringFlag("caps", "c", "restrict caps to <caps> (hex mask)", func(s string) error {
		mask, err := parseHexMask(s)
		if err != nil {
			return p.fail("-c", fmt.Sprintf("invalid cap set '%s'", s))
		}
		p.add(CapsMaskDirective{Mask: mask})
		return nil
	})
	p.stringFlag("securebits-skip", "B", "skip setting securebits in <mask>", func(s string) error {
		mask, err := parseHexMask(s)
		if err != nil {
			return p.fail("-B", fmt.Sprintf("invalid securebit mask '%s'", s))
		}
		p.add(SecurebitsSkipDirective{Mask: mask})
		return nil
	})
	p.boolFlag("ambient", "", "raise ambient capabilities (requires -c)", func() error {
		p.add(AmbientCapsDirective{})
		return nil
	})

	p.stringFlag("chroot", "C", "chroot(2) to <dir>", func(s string) error {
		p.add(ChrootDirective{Dir: s})
		return nil
	})
	p.stringFlag("pivot-root", "P", "pivot_root(2) to <dir> (implies -v)", func(s string) error {
		p.add(PivotRootDirective{Dir: s})
		return nil
	})

	p.stringFlag("bind", "b", "bind <src>,<dest>[,<writable>] into the jail", func(s string) error {
		d, err := parseBind(s)
		if err != nil {
			return p.fail("-b", err.Error())
		}
		p.add(d)
		return nil
	})
	p.stringFlag("mount", "k", "mount <src>,<dest>,<type>[,<flags>][,<data>]", func(s string) error {
		d, err := parseMount(s)
		if err != nil {
			return p.fail("-k", err.Error())
		}
		p.add(d)
		return nil
	})
	p.stringFlag("rlimit", "R", "set rlimit <type>,<cur>,<max>", func(s string) error {
		d, err := parseRlimit(s)
		if err != nil {
			return p.fail("-R", err.Error())
		}
		p.add(d)
		return nil
	})

	p.boolFlag("mount-ns", "v", "enter new mount namespace", func() error {
		p.add(NamespaceDirective{Set: NSMount, flag: "-v"})
		return nil
	})
	p.stringFlag("enter-mount-ns", "V", "enter the mount namespace bound at <file>", func(s string) error {
		p.add(EnterMountNSDirective{Path: s})
		return nil
	})
	p.boolFlag("pid-ns", "p", "enter new pid namespace (implies -vr)", func() error {
		p.add(NamespaceDirective{Set: NSPID, flag: "-p"})
		return nil
	})
	p.boolFlag("ipc-ns", "l", "enter new IPC namespace", func() error {
		p.add(NamespaceDirective{Set: NSIPC, flag: "-l"})
		return nil
	})
	p.boolFlag("cgroup-ns", "N", "enter new cgroup namespace", func() error {
		p.add(NamespaceDirective{Set: NSCgroup, flag: "-N"})
		return nil
	})
	p.boolFlag("user-ns", "U", "enter new user namespace (implies -p)", func() error {
		p.add(NamespaceDirective{Set: NSUser, flag: "-U"})
		return nil
	})
	p.optFlag("netns", "e", "enter new net namespace, or existing one at [file]", func(s string) error {
		if s == noArgSentinel {
			p.add(NamespaceDirective{Set: NSNet, flag: "-e"})
		} else {
			p.add(EnterNetNSDirective{Path: s})
		}
		return nil
	})
	p.optFlag("uts", "", "enter new UTS namespace (and set hostname)", func(s string) error {
		p.add(NamespaceDirective{Set: NSUTS, flag: "--uts"})
		if s != noArgSentinel {
			p.add(HostnameDirective{Name: s})
		}
		return nil
	})

	p.optFlag("uid-map", "m", "set the uid map of a user namespace (implies -pU)", func(s string) error {
		if s == noArgSentinel {
			p.add(UIDMapDirective{})
		} else {
			p.add(UIDMapDirective{Raw: s})
		}
		return nil
	})
	p.optFlag("gid-map", "M", "set the gid map of a user namespace (implies -pU)", func(s string) error {
		if s == noArgSentinel {
			p.add(GIDMapDirective{})
		} else {
			p.add(GIDMapDirective{Raw: s})
		}
		return nil
	})

	p.optFlag("tmpfs", "t", "mount tmpfs at /tmp, optional size (implies -v)", func(s string) error {
		size := uint64(defaultTmpfsSize)
		if s != noArgSentinel {
			var err error
			size, err = parseSize(s)
			if err != nil {
				return p.fail("-t", fmt.Sprintf("invalid /tmp tmpfs size '%s'", s))
			}
		}
		p.add(TmpfsDirective{Size: size})
		return nil
	})
	p.boolFlag("mount-dev", "d", "create a minimal /dev (implies -v)", func() error {
		p.add(MountDevDirective{})
		return nil
	})
	p.boolFlag("remount-proc-ro", "r", "remount /proc read-only (implies -v)", func() error {
		p.add(RemountProcRODirective{})
		return nil
	})
	p.boolFlag("skip-remount-private", "K", "don't mark existing mounts as MS_PRIVATE", func() error {
		p.add(SkipRemountPrivateDirective{})
		return nil
	})

	p.boolFlag("inherit-groups", "G", "inherit supplementary groups from uid", func() error {
		p.add(InheritGroupsDirective{})
		return nil
	})
	p.boolFlag("keep-groups", "y", "keep uid's supplementary groups", func() error {
		p.add(KeepGroupsDirective{})
		return nil
	})

	p.boolFlag("no-new-privs", "n", "set no_new_privs", func() error {
		p.add(NoNewPrivsDirective{})
		return nil
	})
	p.boolFlag("keyring", "w", "create and join a new anonymous session keyring", func() error {
		p.add(SessionKeyringDirective{})
		return nil
	})
	p.stringFlag("alt-syscall", "a", "use alternate syscall table <table>", func(s string) error {
		if s == "" {
			return p.fail("-a", "empty alt-syscall table name")
		}
		p.add(AltSyscallDirective{Table: s})
		return nil
	})

	p.boolFlag("exit-immediately", "i", "exit immediately after fork, do not act as init", func() error {
		p.add(ExitImmediatelyDirective{})
		return nil
	})
	p.boolFlag("run-as-init", "I", "run <program> as init (pid 1), implies -p", func() error {
		p.add(RunAsInitDirective{})
		return nil
	})
	p.boolFlag("no-forward-signals", "z", "don't forward signals to the jailed process", func() error {
		p.add(NoForwardSignalsDirective{})
		return nil
	})

	p.stringFlag("pid-file", "f", "write the jailed pid to <file>", func(s string) error {
		p.add(PidFileDirective{Path: s})
		return nil
	})
	p.stringFlag("type", "T", "assume <program> is a 'static' or 'dynamic' ELF binary", func(s string) error {
		switch s {
		case "static":
			p.add(LinkageOverrideDirective{Linkage: LinkageStatic})
		case "dynamic":
			p.add(LinkageOverrideDirective{Linkage: LinkageDynamic})
		default:
			return p.fail("-T", "ELF type must be 'static' or 'dynamic'")
		}
		return nil
	})
	p.stringFlag("logging", "", "log to 'syslog' (default) or 'stderr'", func(s string) error {
		switch LogDestination(s) {
		case LogToSyslog:
			p.add(LogDirective{Dest: LogToSyslog})
		case LogToStderr:
			p.add(LogDirective{Dest: LogToStderr})
		default:
			return p.fail("--logging", "logging destination must be 'syslog' or 'stderr'")
		}
		return nil
	})
}

// --- Per-directive syntax ---

// parseHexMask parses a full-string base-16 unsigned 64-bit mask; any
// trailing unparsed character is an error.
func parseHexMask(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, errors.New("empty mask")
	}
	return strconv.ParseUint(s, 16, 64)
}

func parseBind(s string) (BindDirective, error) {
	fields := strings.SplitN(s, ",", 3)
	if len(fields) < 2 || fields[0] == "" || fields[1] == "" {
		return BindDirective{}, fmt.Errorf("bad binding '%s': need <src>,<dest>[,<writable>]", s)
	}
	d := BindDirective{Source: fields[0], Dest: fields[1]}
	if len(fields) == 3 {
		w, err := strconv.Atoi(fields[2])
		if err != nil {
			return BindDirective{}, fmt.Errorf("bad binding writable flag '%s'", fields[2])
		}
		d.Writable = w != 0
	}
	return d, nil
}

func parseMount(s string) (MountDirective, error) {
	fields := strings.SplitN(s, ",", 5)
	if len(fields) < 3 || fields[0] == "" || fields[1] == "" || fields[2] == "" {
		return MountDirective{}, fmt.Errorf("bad mount '%s': need <src>,<dest>,<type>[,<flags>][,<data>]", s)
	}
	d := MountDirective{Source: fields[0], Dest: fields[1], FSType: fields[2]}
	if len(fields) >= 4 && fields[3] != "" {
		flags, err := parseHexMask(fields[3])
		if err != nil {
			return MountDirective{}, fmt.Errorf("bad mount flags '%s'", fields[3])
		}
		d.Flags = uintptr(flags)
	}
	if len(fields) == 5 {
		d.Data = fields[4]
	}
	return d, nil
}

func parseRlimit(s string) (RlimitDirective, error) {
	fields := strings.Split(s, ",")
	if len(fields) != 3 {
		return RlimitDirective{}, fmt.Errorf("bad rlimit '%s': need <type>,<cur>,<max>", s)
	}
	typ, err := strconv.Atoi(fields[0])
	if err != nil {
		return RlimitDirective{}, fmt.Errorf("bad rlimit type '%s'", fields[0])
	}
	cur, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return RlimitDirective{}, fmt.Errorf("bad rlimit current value '%s'", fields[1])
	}
	max, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return RlimitDirective{}, fmt.Errorf("bad rlimit max value '%s'", fields[2])
	}
	return RlimitDirective{Type: typ, Cur: cur, Max: max}, nil
}

// parseSize parses a byte size with an optional K/M/G suffix.
func parseSize(s string) (uint64, error) {
	if s == "" {
		return 0, errors.New("empty size")
	}
	mult := uint64(1)
	switch s[len(s)-1] {
	case 'K', 'k':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'M', 'm':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'G', 'g':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if mult > 1 && n > ^uint64(0)/mult {
		return 0, errors.New("size overflows")
	}
	return n * mult, nil
}

func usage(w *os.File) {
	fmt.Fprintf(w, `Usage: microjail [-dGhHiIKlLnNprsUvwyYz]
  [-a <table>]
  [-b <src>,<dest>[,<writable>]] [-k <src>,<dest>,<type>[,<flags>][,<data>]]
  [-c <caps>] [-C <dir>] [-P <dir>] [-e[file]] [-f <file>] [-g <group>]
  [-m[map]] [-M[map]] [-B <mask>] [-R <type>,<cur>,<max>] [-S <file>]
  [-t[size]] [-T <type>] [-u <user>] [-V <file>]
  [--ambient] [--uts[=name]] [--logging=<syslog|stderr>]
  <program> [args...]

  -a <table>:   Use alternate syscall table <table>.
  -b <...>:     Bind <src> to <dest> in chroot. Multiple instances allowed.
  -B <mask>:    Skip setting securebits in <mask> when restricting caps (-c).
  -c <caps>:    Restrict caps to <caps>.
  -C <dir>:     chroot(2) to <dir>. Not compatible with -P.
  -d:           Create a minimal /dev (implies -v).
  -e[file]:     Enter new network namespace, or existing one if [file] given.
  -f <file>:    Write the pid of the jailed process to <file>.
  -g <group>:   Change gid to <group>.
  -G:           Inherit supplementary groups from uid. Not compatible with -y.
  -i:           Exit immediately after fork (do not act as init).
  -I:           Run <program> as init (pid 1) inside a new pid namespace.
  -k <...>:     Mount <src> at <dest>. Multiple instances allowed.
  -K:           Don't mark all existing mounts as MS_PRIVATE.
  -l:           Enter new IPC namespace.
  -L:           Report blocked syscalls to the log when using seccomp filter.
  -m[map]:      Set the uid map of a user namespace (implies -pU).
                With no mapping, map the current uid to the chosen uid.
  -M[map]:      Set the gid map of a user namespace (implies -pU).
  -n:           Set no_new_privs.
  -N:           Enter a new cgroup namespace.
  -p:           Enter new pid namespace (implies -vr).
  -P <dir>:     pivot_root(2) to <dir> (implies -v). Not compatible with -C.
  -r:           Remount /proc read-only (implies -v).
  -R <...>:     Set rlimits, can be specified multiple times.
  -s:           Use seccomp mode 1 (not the same as -S).
  -S <file>:    Set seccomp filter using <file>.
  -t[size]:     Mount tmpfs at /tmp (implies -v). Default size 64M.
  -T <type>:    Assume <program> is a 'static' or 'dynamic' ELF binary.
  -u <user>:    Change uid to <user>.
  -U:           Enter new user namespace (implies -p).
  -v:           Enter new mount namespace.
  -V <file>:    Enter specified mount namespace.
  -w:           Create and join a new anonymous session keyring.
  -y:           Keep uid's supplementary groups. Not compatible with -G.
  -Y:           Synchronize seccomp filters across thread group.
  -z:           Don't forward signals to jailed process.
  --ambient:    Raise ambient capabilities. Requires -c.
  --uts[=name]: Enter a new UTS namespace (and set hostname).
  --logging=<s>: Use <s> as the logging system, 'syslog' or 'stderr'.
`)
}

// seccompFilterUsage lists the syscall names the filter compiler knows.
func seccompFilterUsage(w *os.File) {
	fmt.Fprintf(w, "Usage: microjail -S <policy.file> <program> [args...]\n\nSystem call names supported:\n")
	names := make([]string, 0, len(seccompSyscallNum))
	for name := range seccompSyscallNum {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s [%d]\n", name, seccompSyscallNum[name])
	}
}
