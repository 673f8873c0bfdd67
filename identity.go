package main

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// UserDatabase resolves user and group names to numeric ids. The OS-backed
// implementation is osUserDatabase; tests inject fakes.
type UserDatabase interface {
	LookupUser(name string) (uid, gid uint32, err error)
	LookupGroup(name string) (gid uint32, err error)
}

// osUserDatabase looks identities up in the system user database.
type osUserDatabase struct{}

func (osUserDatabase) LookupUser(name string) (uint32, uint32, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, err
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("non-numeric uid '%s' for user '%s'", u.Uid, name)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("non-numeric gid '%s' for user '%s'", u.Gid, name)
	}
	return uint32(uid), uint32(gid), nil
}

func (osUserDatabase) LookupGroup(name string) (uint32, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	gid, err := strconv.ParseUint(g.Gid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("non-numeric gid '%s' for group '%s'", g.Gid, name)
	}
	return uint32(gid), nil
}

// CapabilityProber answers whether the calling process holds a capability in
// its effective set. The policy decision built on the answer (disabling
// setgroups when CAP_SETGID is absent) lives in the identity resolver, not
// here.
type CapabilityProber interface {
	HasEffective(cap int) (bool, error)
}

// unixCapabilityProber queries the process capability sets via capget(2).
type unixCapabilityProber struct{}

func (unixCapabilityProber) HasEffective(cap int) (bool, error) {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return false, fmt.Errorf("capget: %w", err)
	}
	if cap < 0 || cap >= 64 {
		return false, fmt.Errorf("capability %d out of range", cap)
	}
	return data[cap/32].Effective&(1<<uint(cap%32)) != 0, nil
}

// IdentityResolver turns user/group specifiers into a ResolvedIdentity and
// synthesizes default id maps for user-namespace requests.
type IdentityResolver struct {
	Users UserDatabase
	Caps  CapabilityProber

	// Real ids of the calling process, the source side of synthesized
	// id maps.
	CallerUID uint32
	CallerGID uint32
}

// newIdentityResolver builds a resolver backed by the OS user database and
// the process's real capability sets.
func newIdentityResolver(callerUID, callerGID uint32) *IdentityResolver {
	return &IdentityResolver{
		Users:     osUserDatabase{},
		Caps:      unixCapabilityProber{},
		CallerUID: callerUID,
		CallerGID: callerGID,
	}
}

// Resolve walks the directive sequence and produces the immutable identity
// for the launch. Repeated -m/-M directives follow last-occurrence-wins.
func (r *IdentityResolver) Resolve(directives []Directive) (ResolvedIdentity, error) {
	var id ResolvedIdentity

	var (
		uidMapSeen, gidMapSeen bool
		uidMapRaw, gidMapRaw   string
		userNSRequested        bool
	)

	for _, d := range directives {
		switch d := d.(type) {
		case UserDirective:
			if uid, ok := parseNumericID(d.Spec); ok {
				id.UID = uid
				id.SetUID = true
				id.Username = ""
				break
			}
			uid, gid, err := r.Users.LookupUser(d.Spec)
			if err != nil {
				return ResolvedIdentity{}, NewLaunchErrorWithCause(ErrUnknownIdentity,
					fmt.Sprintf("bad user '%s'", d.Spec), err).
					WithComponent("identity")
			}
			id.UID = uid
			id.GID = gid
			id.SetUID = true
			id.SetGID = true
			id.Username = d.Spec
		case GroupDirective:
			if gid, ok := parseNumericID(d.Spec); ok {
				id.GID = gid
				id.SetGID = true
				break
			}
			gid, err := r.Users.LookupGroup(d.Spec)
			if err != nil {
				return ResolvedIdentity{}, NewLaunchErrorWithCause(ErrUnknownIdentity,
					fmt.Sprintf("bad group '%s'", d.Spec), err).
					WithComponent("identity")
			}
			id.GID = gid
			id.SetGID = true
		case InheritGroupsDirective:
			id.InheritSupplementaryGroups = true
		case KeepGroupsDirective:
			id.KeepSupplementaryGroups = true
		case UIDMapDirective:
			uidMapSeen = true
			uidMapRaw = d.Raw
		case GIDMapDirective:
			gidMapSeen = true
			gidMapRaw = d.Raw
		case NamespaceDirective:
			if d.Set.Has(NSUser) {
				userNSRequested = true
			}
		}
	}

	// A user-namespace request without explicit maps still gets safe
	// defaults: map the caller's real id to the chosen id (root when none
	// was chosen), count one.
	id.SetUIDMap = uidMapSeen || userNSRequested
	id.SetGIDMap = gidMapSeen || userNSRequested

	if id.SetUIDMap {
		id.UIDMap = uidMapRaw
		if id.UIDMap == "" {
			id.UIDMap = buildIDMap(id.UID, r.CallerUID)
		}
	}
	if id.SetGIDMap {
		id.GIDMap = gidMapRaw
		if id.GIDMap == "" {
			id.GIDMap = buildIDMap(id.GID, r.CallerGID)
		}

		// Without CAP_SETGID the kernel refuses the gid map unless
		// setgroups(2) has been disabled first (user_namespaces(7)).
		// Getting this wrong makes the map un-appliable, so it is
		// decided here and carried in the configuration.
		hasSetgid, err := r.Caps.HasEffective(unix.CAP_SETGID)
		if err != nil {
			return ResolvedIdentity{}, NewLaunchErrorWithCause(ErrApply,
				"could not query process capabilities", err).
				WithComponent("identity")
		}
		if !hasSetgid {
			id.DisableSetgroups = true
		}
	}

	return id, nil
}

// parseNumericID reports whether the specifier is entirely numeric, and its
// value. Numeric specifiers never touch the user database.
func parseNumericID(s string) (uint32, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// buildIDMap renders a single-entry id map in newuidmap(1) order:
// "<target-id> <caller-id> 1".
func buildIDMap(target, caller uint32) string {
	return fmt.Sprintf("%d %d 1", target, caller)
}
