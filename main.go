package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "child" {
		os.Exit(childMain())
	}
	os.Exit(parentMain(os.Args[1:]))
}

// childMain is the re-exec entry point running inside the new namespaces.
// The launch plan arrives serialized on stdin.
func childMain() int {
	var plan LaunchPlan
	if err := json.NewDecoder(os.Stdin).Decode(&plan); err != nil {
		fmt.Fprintf(os.Stderr, "microjail: failed to decode launch plan: %v\n", err)
		return 1
	}

	logger := initLogger(plan.Config.LogDest)
	slog.SetDefault(logger)
	ctx := WithLogger(context.Background(), logger)

	code, err := runChild(ctx, &plan)
	if err != nil {
		logger.Error("Jailed child failed", "error", err)
		if code == 0 {
			code = 1
		}
	}
	return code
}

func parentMain(args []string) int {
	directives, argv, err := parseDirectives(args)
	switch {
	case errors.Is(err, errHelpRequested):
		usage(os.Stdout)
		return 0
	case errors.Is(err, errSeccompHelpRequested):
		seccompFilterUsage(os.Stderr)
		return 1
	case err != nil:
		fmt.Fprintf(os.Stderr, "microjail: %v\n", err)
		usage(os.Stderr)
		return 1
	}
	logger := initLogger(logDestination(directives))
	slog.SetDefault(logger)
	ctx := WithLogger(context.Background(), logger)

	plan, err := newPlanCompiler().Compile(ctx, directives, argv)
	if err != nil {
		logger.Error("Failed to compile launch plan", "error", err, "code", CodeOf(err))
		return 1
	}

	code, err := NewJail(plan).Run(ctx)
	if err != nil {
		logger.Error("Jail failed", "error", err)
		return 1
	}
	return code
}

// logDestination applies last-occurrence-wins over --logging directives so
// the logger can be initialized before the rest of the pipeline runs.
func logDestination(directives []Directive) LogDestination {
	dest := LogToSyslog
	for _, d := range directives {
		if ld, ok := d.(LogDirective); ok {
			dest = ld.Dest
		}
	}
	return dest
}

// PlanCompiler runs the directive-to-plan pipeline: identity resolution,
// cross-directive validation, target classification, and strategy selection.
type PlanCompiler struct {
	Resolver  *IdentityResolver
	Inspector ExecutableInspector
	Selector  *StrategySelector
}

func newPlanCompiler() *PlanCompiler {
	return &PlanCompiler{
		Resolver:  newIdentityResolver(uint32(os.Getuid()), uint32(os.Getgid())),
		Inspector: elfInspector{},
		Selector:  newStrategySelector(),
	}
}

// Compile turns the parsed directive sequence and target argv into an
// immutable launch plan, or fails with the first compilation error.
func (pc *PlanCompiler) Compile(ctx context.Context, directives []Directive, argv []string) (*LaunchPlan, error) {
	logger := Logger(ctx).With("component", "compiler")

	id, err := pc.Resolver.Resolve(directives)
	if err != nil {
		return nil, err
	}

	cfg, err := validateDirectives(directives, id)
	if err != nil {
		return nil, err
	}

	// Repeated -T overrides follow last-occurrence-wins, like the id maps.
	override := LinkageUnknown
	for _, d := range directives {
		if lo, ok := d.(LinkageOverrideDirective); ok {
			override = lo.Linkage
		}
	}

	linkage, err := classifyTarget(cfg, pc.Inspector, argv[0], override)
	if err != nil {
		return nil, err
	}

	strategy, err := pc.Selector.Select(cfg, linkage)
	if err != nil {
		return nil, err
	}

	// Tolerated but worth flagging: a writable bind combined with a gid map
	// can expose host files to group ids that only exist inside the jail.
	if cfg.Identity.SetGIDMap {
		for _, b := range cfg.Binds {
			if b.Writable {
				logger.Warn("Writable bind with a gid map may widen write access inside the user namespace",
					"source", b.Source, "dest", b.Dest)
				break
			}
		}
	}

	plan := &LaunchPlan{Config: *cfg, Strategy: strategy, Argv: argv}
	if strategy == PreloadExec {
		plan.PreloadPath = pc.Selector.PreloadPath
	}
	logger.Debug("Compiled launch plan", "strategy", strategy, "linkage", linkage,
		"namespaces", cfg.Namespaces.String())
	return plan, nil
}
