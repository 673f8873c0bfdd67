package main

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

// fakeUserDatabase records lookups so tests can assert numeric specifiers
// never touch the database.
type fakeUserDatabase struct {
	users   map[string][2]uint32
	groups  map[string]uint32
	lookups int
}

func (db *fakeUserDatabase) LookupUser(name string) (uint32, uint32, error) {
	db.lookups++
	if ids, ok := db.users[name]; ok {
		return ids[0], ids[1], nil
	}
	return 0, 0, fmt.Errorf("user %q not found", name)
}

func (db *fakeUserDatabase) LookupGroup(name string) (uint32, error) {
	db.lookups++
	if gid, ok := db.groups[name]; ok {
		return gid, nil
	}
	return 0, fmt.Errorf("group %q not found", name)
}

type fakeCapabilityProber struct {
	caps map[int]bool
	err  error
}

func (p *fakeCapabilityProber) HasEffective(cap int) (bool, error) {
	if p.err != nil {
		return false, p.err
	}
	return p.caps[cap], nil
}

func testResolver(db UserDatabase, caps CapabilityProber) *IdentityResolver {
	return &IdentityResolver{
		Users:     db,
		Caps:      caps,
		CallerUID: 1000,
		CallerGID: 1000,
	}
}

func TestResolveNumericNeverHitsDatabase(t *testing.T) {
	db := &fakeUserDatabase{}
	r := testResolver(db, &fakeCapabilityProber{caps: map[int]bool{unix.CAP_SETGID: true}})

	id, err := r.Resolve([]Directive{
		UserDirective{Spec: "1000"},
		GroupDirective{Spec: "1000"},
	})
	if err != nil {
		t.Fatalf("Unexpected resolve error: %v", err)
	}
	if db.lookups != 0 {
		t.Errorf("Expected no database lookups for numeric specifiers, got %d", db.lookups)
	}
	if !id.SetUID || id.UID != 1000 {
		t.Errorf("Expected uid 1000, got %#v", id)
	}
	if !id.SetGID || id.GID != 1000 {
		t.Errorf("Expected gid 1000, got %#v", id)
	}
	if id.Username != "" {
		t.Errorf("Expected no username for numeric uid, got %q", id.Username)
	}
}

func TestResolveNameLookup(t *testing.T) {
	db := &fakeUserDatabase{users: map[string][2]uint32{"daemon": {2, 2}}}
	r := testResolver(db, &fakeCapabilityProber{caps: map[int]bool{unix.CAP_SETGID: true}})

	id, err := r.Resolve([]Directive{UserDirective{Spec: "daemon"}})
	if err != nil {
		t.Fatalf("Unexpected resolve error: %v", err)
	}
	// A name lookup carries the user's primary group along.
	if !id.SetUID || !id.SetGID || id.UID != 2 || id.GID != 2 {
		t.Errorf("Expected uid/gid 2/2 from name lookup, got %#v", id)
	}
	if id.Username != "daemon" {
		t.Errorf("Expected username to survive for group inheritance, got %q", id.Username)
	}
}

func TestResolveUnknownUser(t *testing.T) {
	r := testResolver(&fakeUserDatabase{}, &fakeCapabilityProber{})

	_, err := r.Resolve([]Directive{UserDirective{Spec: "nobody-here"}})
	if err == nil {
		t.Fatal("Expected error for unknown user")
	}
	if CodeOf(err) != ErrUnknownIdentity {
		t.Errorf("Expected unknown_identity, got %q", CodeOf(err))
	}

	_, err = r.Resolve([]Directive{GroupDirective{Spec: "nobody-here"}})
	if CodeOf(err) != ErrUnknownIdentity {
		t.Errorf("Expected unknown_identity for group, got %q", CodeOf(err))
	}
}

func TestResolveSynthesizesDefaultMaps(t *testing.T) {
	r := testResolver(&fakeUserDatabase{}, &fakeCapabilityProber{caps: map[int]bool{unix.CAP_SETGID: true}})

	// -U alone: both maps synthesized, mapping the caller to root.
	id, err := r.Resolve([]Directive{NamespaceDirective{Set: NSUser, flag: "-U"}})
	if err != nil {
		t.Fatalf("Unexpected resolve error: %v", err)
	}
	if !id.SetUIDMap || !id.SetGIDMap {
		t.Error("Expected both id maps for a user namespace request")
	}
	if id.UIDMap != "0 1000 1" {
		t.Errorf("Expected uid map '0 1000 1', got %q", id.UIDMap)
	}
	if id.GIDMap != "0 1000 1" {
		t.Errorf("Expected gid map '0 1000 1', got %q", id.GIDMap)
	}
}

func TestResolveDefaultMapTargetsChosenUID(t *testing.T) {
	r := testResolver(&fakeUserDatabase{}, &fakeCapabilityProber{caps: map[int]bool{unix.CAP_SETGID: true}})

	id, err := r.Resolve([]Directive{
		UserDirective{Spec: "5"},
		UIDMapDirective{},
	})
	if err != nil {
		t.Fatalf("Unexpected resolve error: %v", err)
	}
	if id.UIDMap != "5 1000 1" {
		t.Errorf("Expected uid map '5 1000 1', got %q", id.UIDMap)
	}
}

func TestResolveUIDMapLastOccurrenceWins(t *testing.T) {
	r := testResolver(&fakeUserDatabase{}, &fakeCapabilityProber{caps: map[int]bool{unix.CAP_SETGID: true}})

	id, err := r.Resolve([]Directive{
		UIDMapDirective{Raw: "0 1000 1"},
		UIDMapDirective{Raw: "10 1000 1"},
	})
	if err != nil {
		t.Fatalf("Unexpected resolve error: %v", err)
	}
	if id.UIDMap != "10 1000 1" {
		t.Errorf("Expected last uid map to win, got %q", id.UIDMap)
	}
}

func TestResolveDisablesSetgroupsWithoutCapSetgid(t *testing.T) {
	r := testResolver(&fakeUserDatabase{}, &fakeCapabilityProber{caps: map[int]bool{}})

	id, err := r.Resolve([]Directive{GIDMapDirective{Raw: "0 1000 1"}})
	if err != nil {
		t.Fatalf("Unexpected resolve error: %v", err)
	}
	if !id.DisableSetgroups {
		t.Error("Expected setgroups to be disabled without CAP_SETGID")
	}

	r = testResolver(&fakeUserDatabase{}, &fakeCapabilityProber{caps: map[int]bool{unix.CAP_SETGID: true}})
	id, err = r.Resolve([]Directive{GIDMapDirective{Raw: "0 1000 1"}})
	if err != nil {
		t.Fatalf("Unexpected resolve error: %v", err)
	}
	if id.DisableSetgroups {
		t.Error("Expected setgroups to stay enabled with CAP_SETGID")
	}
}

func TestResolveProbeFailure(t *testing.T) {
	r := testResolver(&fakeUserDatabase{}, &fakeCapabilityProber{err: errors.New("capget broken")})

	_, err := r.Resolve([]Directive{GIDMapDirective{Raw: "0 1000 1"}})
	if err == nil {
		t.Fatal("Expected error when the capability probe fails")
	}
	if CodeOf(err) != ErrApply {
		t.Errorf("Expected apply_failure, got %q", CodeOf(err))
	}
}

func TestResolveNoIdentityDirectives(t *testing.T) {
	db := &fakeUserDatabase{}
	r := testResolver(db, &fakeCapabilityProber{})

	id, err := r.Resolve(nil)
	if err != nil {
		t.Fatalf("Unexpected resolve error: %v", err)
	}
	if id.SetUID || id.SetGID || id.SetUIDMap || id.SetGIDMap {
		t.Errorf("Expected empty identity, got %#v", id)
	}
}
