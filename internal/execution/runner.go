package execution

import (
	"sort"
	"strings"
	"sync"
)

// Runner is the language-specific strategy for building and running a
// project (spec §4.4). Implementations own their toolchain invocations.
type Runner interface {
	// Language is the runner's identifier, e.g. "csharp", "python", "javascript".
	Language() string

	// Priority orders dispatch; lower is tried first.
	Priority() int

	// CanHandle inspects the extracted project tree for this runner's
	// manifest/marker files.
	CanHandle(dir string) bool

	// Analyze inspects language-specific manifests and fills in the
	// language/project-type-specific parts of a ProjectStructureAnalysis.
	Analyze(dir string, analysis *ProjectStructureAnalysis) error

	// Validate confirms the local toolchain is usable and optionally runs
	// a lightweight syntax check on a bounded sample of sources.
	Validate(dir string) (warnings []string, err error)

	// Build runs restore/install, compile, and warning-parsing sub-steps.
	Build(ctx *BuildContext) (*BuildResult, error)

	// Execute resolves the runnable target, builds an argv, and hands off
	// to the tier dispatcher.
	Execute(run *RunContext, dispatch TierDispatchFunc) (*ExecutionResult, error)
}

// BuildContext carries everything a runner's Build step needs.
type BuildContext struct {
	ProjectDir        string
	PackageVolumeName string
	Args              BuildArgs
	Mounts            PackageCacheMounter

	// Run is the in-flight RunContext shared with the Execute step,
	// carrying the cancellable context, execution id, and package volume
	// name that a real build sub-step needs to run through Dispatch.
	Run *RunContext

	// Dispatch hands one toolchain invocation (restore/install, compile,
	// or an ownership-fix step) to the sandbox driver directly, bypassing
	// the tier dispatcher: build sub-steps are not subject to RAM/Disk
	// OOM-retry (spec §4.4, §4.5).
	Dispatch BuildDispatchFunc
}

// BuildStepSpec describes one sandboxed toolchain invocation dispatched
// from a runner's Build step.
type BuildStepSpec struct {
	Argv          []string
	Cwd           string
	EnableNetwork bool
	PackageMount  PackageCacheMount
	// RunAsRoot runs this one step as root inside the sandbox, for the
	// package-cache ownership-fix sub-step only (spec §9 "ownership /
	// lifecycle").
	RunAsRoot bool
}

// BuildDispatchFunc is supplied by the engine so a runner's Build step can
// hand restore/install/compile sub-steps to the sandbox driver directly.
type BuildDispatchFunc func(run *RunContext, step BuildStepSpec) (*ExecutionResult, error)

// TierDispatchFunc is supplied by the engine so a runner's Execute can
// hand the constructed argv to the tier dispatcher without importing it
// directly, keeping the runner leaf-level per the dependency order in
// spec §2 (Sandbox Driver -> Runners -> Tier Dispatcher -> ... -> Engine).
type TierDispatchFunc func(run *RunContext, argv []string, cwd string) (*ExecutionResult, error)

// runOwnershipFix dispatches the root-privileged chown sub-step against a
// freshly mounted package-cache volume, once, before any unprivileged
// restore/install sub-step touches it (spec §9 "Package-cache volume
// ownership"). Returns (nil, nil) when the mounter has no fix command for
// this mount (e.g. sandboxing disabled).
func runOwnershipFix(ctx *BuildContext, mount PackageCacheMount) (*ExecutionResult, error) {
	if ctx.Run == nil || ctx.Run.PackageVolumeName == "" || ctx.Dispatch == nil {
		return nil, nil
	}
	argv := ctx.Mounts.OwnershipFixArgv(mount.ContainerPath)
	if len(argv) == 0 {
		return nil, nil
	}
	return ctx.Dispatch(ctx.Run, BuildStepSpec{
		Argv:          argv,
		Cwd:           ctx.ProjectDir,
		EnableNetwork: false,
		PackageMount:  mount,
		RunAsRoot:     true,
	})
}

// appendStepOutput records one build sub-step's real stdout/stderr into the
// running build log, the way the sandbox driver produced it, rather than an
// echo of the command that was run.
func appendStepOutput(out *strings.Builder, result *ExecutionResult) {
	if result == nil {
		return
	}
	if result.Stdout != "" {
		out.WriteString(result.Stdout)
		if !strings.HasSuffix(result.Stdout, "\n") {
			out.WriteString("\n")
		}
	}
	if result.Stderr != "" {
		out.WriteString(result.Stderr)
		if !strings.HasSuffix(result.Stderr, "\n") {
			out.WriteString("\n")
		}
	}
}

// registry is the process-wide, priority-ordered set of runners.
type registry struct {
	mu      sync.RWMutex
	runners []Runner
}

var defaultRegistry = &registry{}

// RegisterRunner adds a runner to the default registry, keeping it sorted
// by ascending priority. Safe for concurrent use; typically called once
// per runner at process init.
func RegisterRunner(r Runner) {
	defaultRegistry.register(r)
}

func (reg *registry) register(r Runner) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.runners = append(reg.runners, r)
	sort.SliceStable(reg.runners, func(i, j int) bool {
		return reg.runners[i].Priority() < reg.runners[j].Priority()
	})
}

// SelectRunner returns the first registered runner (in priority order)
// whose CanHandle returns true for dir, or nil if none match.
func SelectRunner(dir string) Runner {
	return defaultRegistry.selectRunner(dir)
}

func (reg *registry) selectRunner(dir string) Runner {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, r := range reg.runners {
		if r.CanHandle(dir) {
			return r
		}
	}
	return nil
}

// RunnerByLanguage returns the registered runner whose Language matches
// (case-insensitively), or nil.
func RunnerByLanguage(language string) Runner {
	language = strings.ToLower(strings.TrimSpace(language))
	defaultRegistry.mu.RLock()
	defer defaultRegistry.mu.RUnlock()
	for _, r := range defaultRegistry.runners {
		if r.Language() == language {
			return r
		}
	}
	return nil
}

func init() {
	RegisterRunner(newCSharpRunner())
	RegisterRunner(newPythonRunner())
	RegisterRunner(newNodeRunner())
}
