package main

// The constraint validator folds the full directive sequence into a
// ValidatedConfiguration. Its rules are combinatorial across the whole set,
// so nothing here runs interleaved with parsing: the sequence is collected
// first, then judged by set membership, never by a single token.

// validateDirectives checks every cross-directive rule and, on success,
// builds the immutable configuration with namespace implications applied.
func validateDirectives(directives []Directive, id ResolvedIdentity) (*ValidatedConfiguration, error) {
	cfg := &ValidatedConfiguration{
		Identity:       id,
		ForwardSignals: true,
		LogDest:        LogToSyslog,
	}

	// Requested-as-written state, recorded before implications so the
	// rules below see exactly what the user asked for.
	var (
		requested   NamespaceSet
		runAsInit   bool
		idMapGiven  bool
		seccompSeen [2]bool // strict, filter
	)

	for _, d := range directives {
		switch d := d.(type) {
		case BindDirective:
			cfg.Binds = append(cfg.Binds, d)
		case MountDirective:
			cfg.Mounts = append(cfg.Mounts, d)
		case RlimitDirective:
			cfg.Rlimits = append(cfg.Rlimits, d)
		case CapsMaskDirective:
			cfg.CapsRestricted = true
			cfg.CapsMask = d.Mask
		case AmbientCapsDirective:
			cfg.AmbientCaps = true
		case SecurebitsSkipDirective:
			cfg.SecurebitsSkipMask = d.Mask
		case SeccompDirective:
			if d.Mode == SeccompStrict {
				seccompSeen[0] = true
			} else {
				seccompSeen[1] = true
				cfg.Seccomp.FilterPath = d.FilterPath
			}
			cfg.Seccomp.Mode = d.Mode
		case SeccompTsyncDirective:
			cfg.Seccomp.Tsync = true
		case LogSeccompFailuresDirective:
			cfg.Seccomp.LogFailures = true
		case AltSyscallDirective:
			cfg.AltSyscall = d.Table
		case NamespaceDirective:
			requested |= d.Set
		case EnterNetNSDirective:
			cfg.EnterNetNS = d.Path
		case EnterMountNSDirective:
			cfg.EnterMountNS = d.Path
		case ChrootDirective:
			cfg.ChrootDir = d.Dir
		case PivotRootDirective:
			cfg.PivotRootDir = d.Dir
		case TmpfsDirective:
			cfg.TmpfsSize = d.Size
		case MountDevDirective:
			cfg.MountDev = true
		case RemountProcRODirective:
			cfg.RemountProcRO = true
		case SkipRemountPrivateDirective:
			cfg.SkipRemountPrivate = true
		case LogDirective:
			cfg.LogDest = d.Dest
		case RunAsInitDirective:
			runAsInit = true
			cfg.RunAsInit = true
		case ExitImmediatelyDirective:
			cfg.ExitImmediately = true
		case NoForwardSignalsDirective:
			cfg.ForwardSignals = false
		case NoNewPrivsDirective:
			cfg.NoNewPrivs = true
		case SessionKeyringDirective:
			cfg.SessionKeyring = true
		case HostnameDirective:
			cfg.Hostname = d.Name
		case PidFileDirective:
			cfg.PidFile = d.Path
		case UIDMapDirective, GIDMapDirective:
			idMapGiven = true
		}
	}

	// Rule 1: chroot and pivot_root are mutually exclusive.
	if cfg.ChrootDir != "" && cfg.PivotRootDir != "" {
		return nil, constraintError("chroot (-C) and pivot_root (-P) are mutually exclusive")
	}

	// Rule 2: bind mounts only make sense when the jail's mount view is
	// separated from the host by a chroot, pivot_root, or an explicitly
	// requested new mount namespace.
	if len(cfg.Binds) > 0 && cfg.ChrootDir == "" && cfg.PivotRootDir == "" && !requested.Has(NSMount) {
		return nil, constraintError("bind mounts require a chroot, pivot_root, or new mount namespace")
	}

	// Rule 3: remounting / as MS_PRIVATE only happens when entering a new
	// mount namespace, so skipping it only applies in that case.
	if cfg.SkipRemountPrivate && !requested.Has(NSMount) {
		return nil, constraintError("can't skip marking mounts as MS_PRIVATE without a mount namespace")
	}

	// Rule 4: the two supplementary-group policies contradict each other.
	if id.InheritSupplementaryGroups && id.KeepSupplementaryGroups {
		return nil, constraintError("-y and -G are not compatible")
	}

	// Rule 5: ambient capabilities are an add-on to capability
	// restriction, never a standalone request.
	if cfg.AmbientCaps && !cfg.CapsRestricted {
		return nil, constraintError("can't set ambient capabilities (--ambient) without restricting capabilities (-c)")
	}

	// Rule 6: at most one seccomp mode, regardless of directive order.
	// The parser fails fast on the conflict; this re-check keeps the rule
	// a property of the set rather than of parse order.
	if seccompSeen[0] && seccompSeen[1] {
		return nil, constraintError("do not use -s and -S together")
	}

	cfg.RequestedMountNS = requested.Has(NSMount)
	cfg.Namespaces = requested | impliedNamespaces(cfg, requested, runAsInit, idMapGiven)

	// Entering an existing net namespace by path replaces creating a
	// fresh one.
	if cfg.EnterNetNS != "" {
		cfg.Namespaces &^= NSNet
	}

	// A pid namespace means /proc must be remounted for the jail to see
	// its own process view.
	if cfg.Namespaces.Has(NSPID) {
		cfg.RemountProcRO = true
	}

	return cfg, nil
}

// impliedNamespaces computes the namespaces pulled in by other directives:
// pivot_root, tmpfs, /dev and read-only /proc all need a private mount view;
// id maps and -I need the pid/user namespaces they operate on.
func impliedNamespaces(cfg *ValidatedConfiguration, requested NamespaceSet, runAsInit, idMapGiven bool) NamespaceSet {
	var implied NamespaceSet

	if cfg.PivotRootDir != "" || cfg.TmpfsSize > 0 || cfg.MountDev || cfg.RemountProcRO {
		implied |= NSMount
	}
	if runAsInit {
		implied |= NSPID
	}
	if idMapGiven || cfg.Identity.SetUIDMap || cfg.Identity.SetGIDMap {
		implied |= NSUser | NSPID
	}
	if requested.Has(NSUser) {
		implied |= NSPID
	}
	if requested.Has(NSPID) || implied.Has(NSPID) {
		implied |= NSMount
	}
	if cfg.Hostname != "" {
		implied |= NSUTS
	}
	return implied
}
