package execution

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCSharpRunnerCanHandle(t *testing.T) {
	r := newCSharpRunner()
	dir := t.TempDir()
	require.False(t, r.CanHandle(dir))

	writeTestFile(t, dir, "App.csproj", `<Project Sdk="Microsoft.NET.Sdk"><PropertyGroup><OutputType>Exe</OutputType></PropertyGroup></Project>`)
	require.True(t, r.CanHandle(dir))
}

func TestCSharpRunnerSelectsExecutableProjectOverLibrary(t *testing.T) {
	r := newCSharpRunner().(*csharpRunner)
	dir := t.TempDir()
	writeTestFile(t, dir, "Lib.csproj", `<Project Sdk="Microsoft.NET.Sdk"><PropertyGroup><OutputType>Library</OutputType></PropertyGroup></Project>`)
	writeTestFile(t, dir, "App.csproj", `<Project Sdk="Microsoft.NET.Sdk"><PropertyGroup><OutputType>Exe</OutputType></PropertyGroup></Project>`)

	proj, fallback := r.selectRunnableProject(dir)
	require.False(t, fallback)
	require.Contains(t, proj, "App.csproj")
}

func TestCSharpRunnerFallsBackWhenNoOutputTypeDeclared(t *testing.T) {
	r := newCSharpRunner().(*csharpRunner)
	dir := t.TempDir()
	writeTestFile(t, dir, "Lib.csproj", `<Project Sdk="Microsoft.NET.Sdk"></Project>`)

	proj, fallback := r.selectRunnableProject(dir)
	require.True(t, fallback)
	require.Contains(t, proj, "Lib.csproj")
}

func TestCSharpRunnerAnalyzeExtractsPackageReferences(t *testing.T) {
	r := newCSharpRunner()
	dir := t.TempDir()
	writeTestFile(t, dir, "App.csproj", `<Project Sdk="Microsoft.NET.Sdk">
		<PropertyGroup><OutputType>Exe</OutputType></PropertyGroup>
		<ItemGroup><PackageReference Include="Newtonsoft.Json" Version="13.0.1" /></ItemGroup>
	</Project>`)

	analysis := &ProjectStructureAnalysis{}
	require.NoError(t, r.Analyze(dir, analysis))
	require.Equal(t, "csharp", analysis.Language)
	require.Equal(t, "App.csproj", analysis.MainEntryPoint)
	require.Contains(t, analysis.Dependencies, "Newtonsoft.Json")
}

func TestCSharpRunnerBuildDispatchesRestoreThenCompile(t *testing.T) {
	r := newCSharpRunner()
	dir := t.TempDir()
	writeTestFile(t, dir, "App.csproj", `<Project Sdk="Microsoft.NET.Sdk"><PropertyGroup><OutputType>Exe</OutputType></PropertyGroup></Project>`)

	var argvs [][]string
	var networks []bool
	dispatch := func(run *RunContext, step BuildStepSpec) (*ExecutionResult, error) {
		argvs = append(argvs, step.Argv)
		networks = append(networks, step.EnableNetwork)
		return &ExecutionResult{Success: true, Stdout: "Build succeeded.\n"}, nil
	}

	ctx := &BuildContext{
		ProjectDir: dir,
		Args:       BuildArgs{RestoreDependencies: true},
		Mounts:     noopPackageCacheMounter{},
		Run:        &RunContext{ExecutionID: "exec-1", ProjectDir: dir},
		Dispatch:   dispatch,
	}

	result, err := r.Build(ctx)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, argvs, 2)
	require.Equal(t, []string{"dotnet", "restore"}, argvs[0])
	require.True(t, networks[0])
	require.Contains(t, argvs[1], "dotnet")
	require.Contains(t, argvs[1], "build")
	require.False(t, networks[1])
}

func TestCSharpRunnerBuildFailsOnCompileError(t *testing.T) {
	r := newCSharpRunner()
	dir := t.TempDir()
	writeTestFile(t, dir, "App.csproj", `<Project Sdk="Microsoft.NET.Sdk"><PropertyGroup><OutputType>Exe</OutputType></PropertyGroup></Project>`)
	writeTestFile(t, dir, "Program.cs", "class { }")

	dispatch := func(run *RunContext, step BuildStepSpec) (*ExecutionResult, error) {
		return &ExecutionResult{
			Success:      false,
			Stderr:       "Program.cs(1,7): error CS1514: { expected\n",
			ErrorMessage: "build failed",
		}, nil
	}

	ctx := &BuildContext{
		ProjectDir: dir,
		Args:       BuildArgs{},
		Mounts:     noopPackageCacheMounter{},
		Run:        &RunContext{ExecutionID: "exec-2", ProjectDir: dir},
		Dispatch:   dispatch,
	}

	result, err := r.Build(ctx)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "build failed", result.Error)
}
