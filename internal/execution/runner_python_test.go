package execution

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPythonRunnerCanHandle(t *testing.T) {
	r := newPythonRunner()
	dir := t.TempDir()
	require.False(t, r.CanHandle(dir))

	writeTestFile(t, dir, "script.py", "print('hi')\n")
	require.True(t, r.CanHandle(dir))
}

func TestPythonRunnerPrefersNamedEntryPointOverScan(t *testing.T) {
	r := newPythonRunner().(*pythonRunner)
	dir := t.TempDir()
	writeTestFile(t, dir, "other.py", "if __name__ == '__main__':\n    pass\n")
	writeTestFile(t, dir, "main.py", "print('entry')\n")

	require.Equal(t, "main.py", r.selectEntryPoint(dir))
}

func TestPythonRunnerFallsBackToMainIdiomScan(t *testing.T) {
	r := newPythonRunner().(*pythonRunner)
	dir := t.TempDir()
	writeTestFile(t, dir, "util.py", "def helper(): pass\n")
	writeTestFile(t, dir, "entry.py", "if __name__ == \"__main__\":\n    run()\n")

	require.Equal(t, "entry.py", r.selectEntryPoint(dir))
}

func TestPythonRunnerAnalyzeParsesRequirements(t *testing.T) {
	r := newPythonRunner()
	dir := t.TempDir()
	writeTestFile(t, dir, "main.py", "print('hi')\n")
	writeTestFile(t, dir, "requirements.txt", "# comment\nrequests==2.31.0\n\nflask\n")

	analysis := &ProjectStructureAnalysis{}
	require.NoError(t, r.Analyze(dir, analysis))
	require.True(t, analysis.HasBuildFile)
	require.Equal(t, "main.py", analysis.MainEntryPoint)
	require.Contains(t, analysis.Dependencies, "requests==2.31.0")
	require.Contains(t, analysis.Dependencies, "flask")
}

func TestPythonRunnerWritesGeneratedHelpers(t *testing.T) {
	r := &pythonRunner{UIComponentHelperSource: "# ui\n", WorkflowInputsHelperSource: "# inputs\n"}
	dir := t.TempDir()

	require.NoError(t, r.writeGeneratedHelpers(dir))
	require.True(t, fileExists(dir+"/"+pythonUIComponentModuleName))
	require.True(t, fileExists(dir+"/"+pythonWorkflowInputsModuleName))
}

func TestPythonRunnerBuildDispatchesPipInstallWithNetwork(t *testing.T) {
	r := newPythonRunner()
	dir := t.TempDir()
	writeTestFile(t, dir, "requirements.txt", "requests==2.31.0\n")

	var gotArgv []string
	var gotNetwork bool
	dispatch := func(run *RunContext, step BuildStepSpec) (*ExecutionResult, error) {
		gotArgv = step.Argv
		gotNetwork = step.EnableNetwork
		return &ExecutionResult{Success: true, Stdout: "Successfully installed requests-2.31.0\n"}, nil
	}

	ctx := &BuildContext{
		ProjectDir: dir,
		Args:       BuildArgs{},
		Mounts:     noopPackageCacheMounter{},
		Run:        &RunContext{ExecutionID: "exec-1", ProjectDir: dir},
		Dispatch:   dispatch,
	}

	result, err := r.Build(ctx)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, []string{"pip", "install", "-r", "requirements.txt"}, gotArgv)
	require.True(t, gotNetwork)
}

func TestPythonRunnerBuildFailsWhenInstallFails(t *testing.T) {
	r := newPythonRunner()
	dir := t.TempDir()
	writeTestFile(t, dir, "requirements.txt", "not-a-real-package==999\n")

	dispatch := func(run *RunContext, step BuildStepSpec) (*ExecutionResult, error) {
		return &ExecutionResult{Success: false, ErrorMessage: "pip install failed"}, nil
	}

	ctx := &BuildContext{
		ProjectDir: dir,
		Mounts:     noopPackageCacheMounter{},
		Run:        &RunContext{ExecutionID: "exec-2", ProjectDir: dir},
		Dispatch:   dispatch,
	}

	result, err := r.Build(ctx)
	require.NoError(t, err)
	require.False(t, result.Success)
}
