package execution

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// csharpRunner builds and runs .NET console projects (spec §4.4).
type csharpRunner struct{}

func newCSharpRunner() Runner { return &csharpRunner{} }

func (r *csharpRunner) Language() string { return "csharp" }
func (r *csharpRunner) Priority() int    { return 10 }

func (r *csharpRunner) CanHandle(dir string) bool {
	return len(findFilesGlob(dir, "*.csproj")) > 0
}

var csprojOutputTypeRe = regexp.MustCompile(`(?is)<OutputType>\s*(Exe|WinExe)\s*</OutputType>`)

// selectRunnableProject picks the .csproj declaring an Exe/WinExe
// OutputType, preferring it over library projects; falls back to the
// first project found if none declare one, reporting the fallback via the
// returned bool (Analyze records it in the analysis metadata).
func (r *csharpRunner) selectRunnableProject(dir string) (path string, usedFallback bool) {
	projects := findFilesGlob(dir, "*.csproj")
	sort.Strings(projects)
	if len(projects) == 0 {
		return "", false
	}
	for _, p := range projects {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if csprojOutputTypeRe.Match(data) {
			return p, false
		}
	}
	return projects[0], true
}

func (r *csharpRunner) Analyze(dir string, analysis *ProjectStructureAnalysis) error {
	analysis.Language = "csharp"
	analysis.ProjectType = "dotnet-console"
	analysis.HasBuildFile = true

	proj, fallback := r.selectRunnableProject(dir)
	if proj != "" {
		rel, _ := filepath.Rel(dir, proj)
		analysis.EntryPoints = append(analysis.EntryPoints, rel)
		analysis.MainEntryPoint = rel
	}
	if fallback {
		if analysis.Metadata == nil {
			analysis.Metadata = map[string]interface{}{}
		}
		analysis.Metadata["csharpRunnableProjectFallback"] = true
	}

	for _, p := range findFilesGlob(dir, "*.csproj") {
		deps, err := extractPackageReferences(p)
		if err == nil {
			analysis.Dependencies = append(analysis.Dependencies, deps...)
		}
	}
	return nil
}

var packageRefRe = regexp.MustCompile(`(?is)<PackageReference\s+Include="([^"]+)"`)

func extractPackageReferences(csprojPath string) ([]string, error) {
	data, err := os.ReadFile(csprojPath)
	if err != nil {
		return nil, err
	}
	matches := packageRefRe.FindAllStringSubmatch(string(data), -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out, nil
}

func (r *csharpRunner) Validate(dir string) ([]string, error) {
	var warnings []string
	if _, err := exec.LookPath("dotnet"); err != nil {
		warnings = append(warnings, "dotnet toolchain not found on PATH; build/execute will fail")
	}
	return warnings, nil
}

// Build restores, then compiles, a runnable project through the sandbox
// driver (spec §4.4 sub-steps 2-4). No UIComponent/WorkflowInputs helper
// source is generated before the compile, by this runner or by the engine;
// this runner only resolves the project to run.
func (r *csharpRunner) Build(ctx *BuildContext) (*BuildResult, error) {
	if ctx.Args.SkipBuild {
		return &BuildResult{Success: true}, nil
	}

	mount, hasMount := ctx.Mounts.MountFor("csharp")
	if hasMount {
		if fixResult, err := runOwnershipFix(ctx, mount); err != nil || (fixResult != nil && !fixResult.Success) {
			return &BuildResult{Success: false, Error: "package-cache ownership fix failed"}, nil
		}
	}

	var out strings.Builder

	if ctx.Args.RestoreDependencies {
		restoreArgs := append([]string{"dotnet", "restore"}, ctx.Args.AdditionalArgs...)
		restoreResult, err := ctx.Dispatch(ctx.Run, BuildStepSpec{
			Argv: restoreArgs, Cwd: ctx.ProjectDir, EnableNetwork: true, PackageMount: mount,
		})
		appendStepOutput(&out, restoreResult)
		if err != nil || restoreResult == nil || !restoreResult.Success {
			return &BuildResult{Success: false, Output: out.String(), Error: "dotnet restore failed"}, nil
		}
	}

	proj, _ := r.selectRunnableProject(ctx.ProjectDir)
	buildArgs := []string{"dotnet", "build", "--no-restore", "--configuration", firstNonEmpty(ctx.Args.Configuration, "Release")}
	if proj != "" {
		buildArgs = append(buildArgs, "--project", proj)
	}
	buildResult, err := ctx.Dispatch(ctx.Run, BuildStepSpec{
		Argv: buildArgs, Cwd: ctx.ProjectDir, EnableNetwork: false, PackageMount: mount,
	})
	appendStepOutput(&out, buildResult)
	if err != nil || buildResult == nil {
		return &BuildResult{Success: false, Output: out.String(), Error: "dotnet build failed to run"}, nil
	}

	return &BuildResult{
		Success:  buildResult.Success,
		Output:   out.String(),
		Error:    buildResult.ErrorMessage,
		Warnings: parseDotnetWarnings(out.String()),
	}, nil
}

var dotnetWarningRe = regexp.MustCompile(`(?m)^.*:\s*warning\s+[A-Z]+\d+:.*$`)

func parseDotnetWarnings(output string) []string {
	return dotnetWarningRe.FindAllString(output, -1)
}

func (r *csharpRunner) Execute(run *RunContext, dispatch TierDispatchFunc) (*ExecutionResult, error) {
	proj, _ := r.selectRunnableProject(run.ProjectDir)

	var argv []string
	if proj != "" {
		argv = []string{"dotnet", "run", "--project", proj, "--no-build", "--no-restore"}
	} else {
		argv = []string{"dotnet", "run", "--no-build", "--no-restore"}
	}

	if len(run.Parameters) > 0 {
		payload, err := json.Marshal(run.Parameters)
		if err != nil {
			return nil, fmt.Errorf("marshal execution parameters: %w", err)
		}
		argv = append(argv, "--", string(payload))
	}

	run.Language = "csharp"
	return dispatch(run, argv, run.ProjectDir)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
