package execution

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// nodeRunner runs Node.js projects, choosing yarn or npm as the package
// manager (spec §4.4).
type nodeRunner struct{}

func newNodeRunner() Runner { return &nodeRunner{} }

func (r *nodeRunner) Language() string { return "javascript" }
func (r *nodeRunner) Priority() int    { return 40 }

func (r *nodeRunner) CanHandle(dir string) bool {
	return fileExists(filepath.Join(dir, "package.json"))
}

type nodePackageManifest struct {
	Main            string            `json:"main"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

func (r *nodeRunner) readManifest(dir string) (*nodePackageManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, err
	}
	var m nodePackageManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}
	return &m, nil
}

var nodeEntryFallbacks = []string{"index.js", "app.js", "server.js", "main.js", "start.js"}

func (r *nodeRunner) selectEntryPoint(dir string) string {
	if m, err := r.readManifest(dir); err == nil && m.Main != "" {
		return m.Main
	}
	for _, name := range nodeEntryFallbacks {
		if fileExists(filepath.Join(dir, name)) {
			return name
		}
	}
	return ""
}

func (r *nodeRunner) usesYarn(dir string) bool {
	return fileExists(filepath.Join(dir, "yarn.lock"))
}

func (r *nodeRunner) Analyze(dir string, analysis *ProjectStructureAnalysis) error {
	analysis.Language = "javascript"
	analysis.ProjectType = "node"
	analysis.HasBuildFile = true

	if entry := r.selectEntryPoint(dir); entry != "" {
		analysis.EntryPoints = append(analysis.EntryPoints, entry)
		analysis.MainEntryPoint = entry
	}

	if m, err := r.readManifest(dir); err == nil {
		for dep := range m.Dependencies {
			analysis.Dependencies = append(analysis.Dependencies, dep)
		}
	}
	return nil
}

func (r *nodeRunner) Validate(dir string) ([]string, error) {
	var warnings []string
	if r.usesYarn(dir) {
		if _, err := exec.LookPath("yarn"); err != nil {
			warnings = append(warnings, "yarn.lock present but yarn not found on PATH")
		}
	} else if _, err := exec.LookPath("npm"); err != nil {
		warnings = append(warnings, "npm not found on PATH")
	}
	return warnings, nil
}

func (r *nodeRunner) Build(ctx *BuildContext) (*BuildResult, error) {
	if ctx.Args.SkipBuild {
		return &BuildResult{Success: true}, nil
	}

	mount, hasMount := ctx.Mounts.MountFor("javascript")
	if hasMount {
		if fixResult, err := runOwnershipFix(ctx, mount); err != nil || (fixResult != nil && !fixResult.Success) {
			return &BuildResult{Success: false, Error: "package-cache ownership fix failed"}, nil
		}
	}

	var out strings.Builder
	manager := "npm"
	if r.usesYarn(ctx.ProjectDir) {
		manager = "yarn"
	}

	installResult, err := ctx.Dispatch(ctx.Run, BuildStepSpec{
		Argv: []string{manager, "install"}, Cwd: ctx.ProjectDir, EnableNetwork: true, PackageMount: mount,
	})
	appendStepOutput(&out, installResult)
	if err != nil || installResult == nil || !installResult.Success {
		return &BuildResult{Success: false, Output: out.String(), Error: manager + " install failed"}, nil
	}

	if m, err := r.readManifest(ctx.ProjectDir); err == nil {
		if _, hasBuild := m.Scripts["build"]; hasBuild {
			buildArgv := []string{manager, "run", "build"}
			if manager == "yarn" {
				buildArgv = []string{"yarn", "build"}
			}
			buildResult, err := ctx.Dispatch(ctx.Run, BuildStepSpec{
				Argv: buildArgv, Cwd: ctx.ProjectDir, EnableNetwork: false, PackageMount: mount,
			})
			appendStepOutput(&out, buildResult)
			if err != nil || buildResult == nil {
				return &BuildResult{Success: false, Output: out.String(), Error: manager + " build failed to run"}, nil
			}
			return &BuildResult{Success: buildResult.Success, Output: out.String(), Error: buildResult.ErrorMessage}, nil
		}
	}

	return &BuildResult{Success: true, Output: out.String()}, nil
}

func (r *nodeRunner) Execute(run *RunContext, dispatch TierDispatchFunc) (*ExecutionResult, error) {
	entry := r.selectEntryPoint(run.ProjectDir)
	if entry == "" {
		return nil, fmt.Errorf("no node entry point found")
	}

	argv := []string{"node", entry}
	run.Language = "javascript"
	return dispatch(run, argv, run.ProjectDir)
}
