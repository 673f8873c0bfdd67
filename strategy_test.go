package main

import (
	"errors"
	"strings"
	"testing"
)

type fakePreloadProber struct {
	err    error
	probed []string
}

func (p *fakePreloadProber) Probe(path string) error {
	p.probed = append(p.probed, path)
	return p.err
}

func testSelector(probeErr error) (*StrategySelector, *fakePreloadProber) {
	prober := &fakePreloadProber{err: probeErr}
	return &StrategySelector{Preload: prober, PreloadPath: "/lib/test-preload.so"}, prober
}

func TestSelectDynamicUsesPreload(t *testing.T) {
	sel, prober := testSelector(nil)
	cfg := &ValidatedConfiguration{}

	strategy, err := sel.Select(cfg, LinkageDynamic)
	if err != nil {
		t.Fatalf("Unexpected select error: %v", err)
	}
	if strategy != PreloadExec {
		t.Errorf("Expected preload-exec for dynamic target, got %v", strategy)
	}
	if len(prober.probed) != 1 {
		t.Errorf("Expected exactly one probe, got %d", len(prober.probed))
	}
}

func TestSelectStaticDirect(t *testing.T) {
	sel, prober := testSelector(errors.New("must not be probed"))
	cfg := &ValidatedConfiguration{}

	strategy, err := sel.Select(cfg, LinkageStatic)
	if err != nil {
		t.Fatalf("Unexpected select error: %v", err)
	}
	if strategy != DirectExec {
		t.Errorf("Expected direct-exec for plain static target, got %v", strategy)
	}
	if len(prober.probed) != 0 {
		t.Error("Static target without caps must not probe the preload")
	}
}

func TestSelectStaticWithCapsRejected(t *testing.T) {
	sel, _ := testSelector(nil)
	cfg := &ValidatedConfiguration{CapsRestricted: true, CapsMask: 0x1}

	_, err := sel.Select(cfg, LinkageStatic)
	if err == nil {
		t.Fatal("Expected rejection of static target with caps but no ambient")
	}
	if CodeOf(err) != ErrConstraint {
		t.Errorf("Expected constraint_violation, got %q", CodeOf(err))
	}
	if !strings.Contains(err.Error(), "--ambient") {
		t.Errorf("Expected remediation hint in error, got %q", err.Error())
	}
}

func TestSelectStaticWithAmbientCaps(t *testing.T) {
	sel, prober := testSelector(nil)
	cfg := &ValidatedConfiguration{CapsRestricted: true, CapsMask: 0x1, AmbientCaps: true}

	strategy, err := sel.Select(cfg, LinkageStatic)
	if err != nil {
		t.Fatalf("Unexpected select error: %v", err)
	}
	if strategy != PreloadExec {
		t.Errorf("Expected preload-exec for static+caps+ambient, got %v", strategy)
	}
	if len(prober.probed) != 1 {
		t.Errorf("Expected the preload to be probed, got %d probes", len(prober.probed))
	}
}

func TestSelectStrictSeccompStaticRejected(t *testing.T) {
	sel, prober := testSelector(nil)
	cfg := &ValidatedConfiguration{Seccomp: SeccompConfig{Mode: SeccompStrict}}

	_, err := sel.Select(cfg, LinkageStatic)
	if err == nil {
		t.Fatal("Expected rejection of strict seccomp on a direct-exec target")
	}
	if CodeOf(err) != ErrConstraint {
		t.Errorf("Expected constraint_violation, got %q", CodeOf(err))
	}
	if !strings.Contains(err.Error(), "preload") {
		t.Errorf("Expected the preload stage named in the error, got %q", err.Error())
	}
	if len(prober.probed) != 0 {
		t.Error("Rejected target must not probe the preload")
	}
}

func TestSelectStrictSeccompDynamicAllowed(t *testing.T) {
	sel, _ := testSelector(nil)
	cfg := &ValidatedConfiguration{Seccomp: SeccompConfig{Mode: SeccompStrict}}

	strategy, err := sel.Select(cfg, LinkageDynamic)
	if err != nil {
		t.Fatalf("Unexpected select error: %v", err)
	}
	if strategy != PreloadExec {
		t.Errorf("Expected preload-exec for strict seccomp on a dynamic target, got %v", strategy)
	}
}

func TestSelectPreloadProbeFailure(t *testing.T) {
	sel, _ := testSelector(errors.New("wrong architecture"))
	cfg := &ValidatedConfiguration{}

	_, err := sel.Select(cfg, LinkageDynamic)
	if err == nil {
		t.Fatal("Expected error when the preload probe fails")
	}
	if CodeOf(err) != ErrPreloadUnavailable {
		t.Errorf("Expected preload_unavailable, got %q", CodeOf(err))
	}
}

func TestSelectUnknownLinkage(t *testing.T) {
	sel, _ := testSelector(nil)
	_, err := sel.Select(&ValidatedConfiguration{}, LinkageUnknown)
	if err == nil {
		t.Fatal("Expected error for unknown linkage")
	}
	if CodeOf(err) != ErrNotExecutable {
		t.Errorf("Expected not_executable, got %q", CodeOf(err))
	}
}

func TestPreloadPathEnvOverride(t *testing.T) {
	t.Setenv(preloadPathEnv, "/opt/custom.so")
	if got := preloadPath(); got != "/opt/custom.so" {
		t.Errorf("Expected env override, got %q", got)
	}

	t.Setenv(preloadPathEnv, "")
	if got := preloadPath(); got != defaultPreloadPath {
		t.Errorf("Expected default path, got %q", got)
	}
}
