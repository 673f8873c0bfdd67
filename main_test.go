package main

import (
	"context"
	"testing"

	"golang.org/x/sys/unix"
)

// stubInspector reports a fixed linkage class without touching the disk.
type stubInspector struct {
	class LinkageClass
}

func (s stubInspector) ClassifyLinkage(string) (LinkageClass, error) { return s.class, nil }
func (s stubInspector) CanExecute(string) bool                       { return true }

func testCompiler(class LinkageClass, probeErr error) *PlanCompiler {
	prober := &fakePreloadProber{err: probeErr}
	return &PlanCompiler{
		Resolver: testResolver(
			&fakeUserDatabase{},
			&fakeCapabilityProber{caps: map[int]bool{unix.CAP_SETGID: true}},
		),
		Inspector: stubInspector{class: class},
		Selector:  &StrategySelector{Preload: prober, PreloadPath: "/lib/test-preload.so"},
	}
}

func TestCompileDynamicWithMountNamespace(t *testing.T) {
	pc := testCompiler(LinkageDynamic, nil)
	directives := []Directive{
		BindDirective{Source: "/lib", Dest: "/lib"},
		NamespaceDirective{Set: NSMount, flag: "-v"},
	}

	plan, err := pc.Compile(context.Background(), directives, []string{"/bin/tool"})
	if err != nil {
		t.Fatalf("Unexpected compile error: %v", err)
	}
	if plan.Strategy != PreloadExec {
		t.Errorf("Expected preload-exec for dynamic target, got %v", plan.Strategy)
	}
	if plan.PreloadPath != "/lib/test-preload.so" {
		t.Errorf("Expected preload path in plan, got %q", plan.PreloadPath)
	}
	if !plan.Config.HasMountNamespace() {
		t.Error("Expected mount namespace in configuration")
	}
	if !plan.Config.HasBindings() {
		t.Error("Expected bindings in configuration")
	}
	if len(plan.Argv) != 1 || plan.Argv[0] != "/bin/tool" {
		t.Errorf("Expected target argv preserved, got %v", plan.Argv)
	}
}

func TestCompileStaticAmbientCaps(t *testing.T) {
	pc := testCompiler(LinkageStatic, nil)
	directives := []Directive{
		CapsMaskDirective{Mask: 0x1},
		AmbientCapsDirective{},
	}

	plan, err := pc.Compile(context.Background(), directives, []string{"/bin/tool"})
	if err != nil {
		t.Fatalf("Unexpected compile error: %v", err)
	}
	if plan.Strategy != PreloadExec {
		t.Errorf("Expected preload-exec for static+caps+ambient, got %v", plan.Strategy)
	}
	if !plan.Config.AmbientCaps || plan.Config.CapsMask != 0x1 {
		t.Errorf("Expected ambient caps with mask 0x1, got %#v", plan.Config)
	}
}

func TestCompileStaticCapsWithoutAmbientFails(t *testing.T) {
	pc := testCompiler(LinkageStatic, nil)
	directives := []Directive{CapsMaskDirective{Mask: 0x1}}

	_, err := pc.Compile(context.Background(), directives, []string{"/bin/tool"})
	if err == nil {
		t.Fatal("Expected compile to fail closed")
	}
	if CodeOf(err) != ErrConstraint {
		t.Errorf("Expected constraint_violation, got %q", CodeOf(err))
	}
}

func TestCompileConstraintBeforeLinkage(t *testing.T) {
	// A directive conflict must surface even though the inspector would
	// also fail; validation runs before the binary is touched.
	pc := testCompiler(LinkageUnknown, nil)
	directives := []Directive{
		ChrootDirective{Dir: "/jail"},
		PivotRootDirective{Dir: "/jail"},
	}

	_, err := pc.Compile(context.Background(), directives, []string{"/bin/tool"})
	if CodeOf(err) != ErrConstraint {
		t.Errorf("Expected constraint_violation, got %q (%v)", CodeOf(err), err)
	}
}

func TestCompileLinkageOverrideLastWins(t *testing.T) {
	// The inspector would say dynamic but the final override pins static,
	// and static without caps runs direct.
	pc := testCompiler(LinkageDynamic, nil)
	directives := []Directive{
		LinkageOverrideDirective{Linkage: LinkageDynamic},
		LinkageOverrideDirective{Linkage: LinkageStatic},
	}

	plan, err := pc.Compile(context.Background(), directives, []string{"/bin/tool"})
	if err != nil {
		t.Fatalf("Unexpected compile error: %v", err)
	}
	if plan.Strategy != DirectExec {
		t.Errorf("Expected direct-exec from last override, got %v", plan.Strategy)
	}
}

func TestCompileUserNamespaceDefaults(t *testing.T) {
	pc := testCompiler(LinkageStatic, nil)
	directives := []Directive{NamespaceDirective{Set: NSUser, flag: "-U"}}

	plan, err := pc.Compile(context.Background(), directives, []string{"/bin/tool"})
	if err != nil {
		t.Fatalf("Unexpected compile error: %v", err)
	}
	id := plan.Config.Identity
	if !id.SetUIDMap || !id.SetGIDMap {
		t.Error("Expected synthesized id maps for -U alone")
	}
	if id.UIDMap != "0 1000 1" || id.GIDMap != "0 1000 1" {
		t.Errorf("Expected default maps '0 1000 1', got %q / %q", id.UIDMap, id.GIDMap)
	}
	if !plan.Config.Namespaces.Has(NSUser | NSPID | NSMount) {
		t.Errorf("Expected user+pid+mount namespaces, got %v", plan.Config.Namespaces)
	}
}

func TestLogDestinationLastWins(t *testing.T) {
	dest := logDestination([]Directive{
		LogDirective{Dest: LogToStderr},
		LogDirective{Dest: LogToSyslog},
		LogDirective{Dest: LogToStderr},
	})
	if dest != LogToStderr {
		t.Errorf("Expected stderr after last --logging, got %v", dest)
	}
	if logDestination(nil) != LogToSyslog {
		t.Error("Expected syslog default")
	}
}
