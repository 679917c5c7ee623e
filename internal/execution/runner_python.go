package execution

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// pythonRunner runs single- and multi-file Python projects (spec §4.4).
type pythonRunner struct {
	// UIComponentHelperSource and WorkflowInputsHelperSource are written
	// verbatim before every execution. The runner registered at init has
	// both empty and nothing in the engine sets them, so by default the two
	// helper modules are written as empty files.
	UIComponentHelperSource   string
	WorkflowInputsHelperSource string
}

func newPythonRunner() Runner { return &pythonRunner{} }

func (r *pythonRunner) Language() string { return "python" }
func (r *pythonRunner) Priority() int    { return 20 }

func (r *pythonRunner) CanHandle(dir string) bool {
	return fileExists(filepath.Join(dir, "requirements.txt")) || len(findFilesGlob(dir, "*.py")) > 0
}

var pythonEntryPreference = []string{"main.py", "__main__.py", "app.py", "run.py", "start.py"}

var pythonMainIdiomRe = regexp.MustCompile(`__name__\s*==\s*["']__main__["']`)

// selectEntryPoint implements spec §4.4's Python preference order, falling
// back to a scan for the `__name__ == "__main__"` idiom.
func (r *pythonRunner) selectEntryPoint(dir string) string {
	for _, name := range pythonEntryPreference {
		if fileExists(filepath.Join(dir, name)) {
			return name
		}
	}
	for _, path := range findFilesGlob(dir, "*.py") {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if pythonMainIdiomRe.Match(data) {
			rel, _ := filepath.Rel(dir, path)
			return rel
		}
	}
	return ""
}

func (r *pythonRunner) Analyze(dir string, analysis *ProjectStructureAnalysis) error {
	analysis.Language = "python"
	analysis.ProjectType = "python-script"
	analysis.HasBuildFile = fileExists(filepath.Join(dir, "requirements.txt"))

	if entry := r.selectEntryPoint(dir); entry != "" {
		analysis.EntryPoints = append(analysis.EntryPoints, entry)
		analysis.MainEntryPoint = entry
	}

	reqPath := filepath.Join(dir, "requirements.txt")
	if data, err := os.ReadFile(reqPath); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			analysis.Dependencies = append(analysis.Dependencies, line)
		}
	}
	return nil
}

func (r *pythonRunner) Validate(dir string) ([]string, error) {
	var warnings []string
	if _, err := exec.LookPath("python3"); err != nil {
		if _, err2 := exec.LookPath("python"); err2 != nil {
			warnings = append(warnings, "python toolchain not found on PATH; execute will fail")
		}
	}
	if fileExists(filepath.Join(dir, "requirements.txt")) {
		if _, err := exec.LookPath("pip"); err != nil {
			if _, err2 := exec.LookPath("pip3"); err2 != nil {
				warnings = append(warnings, "pip not found on PATH; dependency restore will fail")
			}
		}
	}
	return warnings, nil
}

func (r *pythonRunner) Build(ctx *BuildContext) (*BuildResult, error) {
	if ctx.Args.SkipBuild || !fileExists(filepath.Join(ctx.ProjectDir, "requirements.txt")) {
		return &BuildResult{Success: true}, nil
	}

	mount, hasMount := ctx.Mounts.MountFor("python")
	if hasMount {
		if fixResult, err := runOwnershipFix(ctx, mount); err != nil || (fixResult != nil && !fixResult.Success) {
			return &BuildResult{Success: false, Error: "package-cache ownership fix failed"}, nil
		}
	}

	var out strings.Builder
	installArgs := append([]string{"pip", "install", "-r", "requirements.txt"}, ctx.Args.AdditionalArgs...)
	installResult, err := ctx.Dispatch(ctx.Run, BuildStepSpec{
		Argv: installArgs, Cwd: ctx.ProjectDir, EnableNetwork: true, PackageMount: mount,
	})
	appendStepOutput(&out, installResult)
	if err != nil || installResult == nil {
		return &BuildResult{Success: false, Output: out.String(), Error: "pip install failed to run"}, nil
	}

	return &BuildResult{
		Success: installResult.Success,
		Output:  out.String(),
		Error:   installResult.ErrorMessage,
	}, nil
}

const pythonUIComponentModuleName = "ui_component_metadata.py"
const pythonWorkflowInputsModuleName = "workflow_inputs.py"

// writeGeneratedHelpers persists the two generated helper modules into
// project/ before every run (spec §4.4 "write two generated helper files";
// overwritten each run).
func (r *pythonRunner) writeGeneratedHelpers(projectDir string) error {
	if err := os.WriteFile(filepath.Join(projectDir, pythonUIComponentModuleName), []byte(r.UIComponentHelperSource), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", pythonUIComponentModuleName, err)
	}
	if err := os.WriteFile(filepath.Join(projectDir, pythonWorkflowInputsModuleName), []byte(r.WorkflowInputsHelperSource), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", pythonWorkflowInputsModuleName, err)
	}
	return nil
}

func (r *pythonRunner) Execute(run *RunContext, dispatch TierDispatchFunc) (*ExecutionResult, error) {
	if err := r.writeGeneratedHelpers(run.ProjectDir); err != nil {
		return nil, err
	}

	entry := r.selectEntryPoint(run.ProjectDir)
	if entry == "" {
		return nil, fmt.Errorf("no python entry point found")
	}

	argv := []string{"python3", entry}
	run.Language = "python"
	return dispatch(run, argv, run.ProjectDir)
}
