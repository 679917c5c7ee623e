package execution

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/stretchr/testify/require"
)

// fakeContainerRuntime lets tests script the sequence of RunContainer
// outcomes without a real Docker daemon.
type fakeContainerRuntime struct {
	runs    int
	results []ContainerRunResult
}

func (f *fakeContainerRuntime) CreateVolume(ctx context.Context, name string) error { return nil }
func (f *fakeContainerRuntime) RemoveVolume(ctx context.Context, name string) error { return nil }
func (f *fakeContainerRuntime) KillContainer(ctx context.Context, id string) error  { return nil }

func (f *fakeContainerRuntime) RunContainer(ctx context.Context, spec ContainerSpec, pump OutputPump) (ContainerRunResult, error) {
	idx := f.runs
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.runs++
	return f.results[idx], nil
}

func TestTierDispatcherRAMRetriesOnOOMThenSucceeds(t *testing.T) {
	runtime := &fakeContainerRuntime{
		results: []ContainerRunResult{
			{ExitCode: 137, Stderr: "Cannot allocate memory"},
			{ExitCode: 0},
		},
	}
	driver := NewSandboxDriver(runtime, map[string]string{"python": "sandbox-python"}, true, nil, zap.NewNop())
	cfg := DefaultTieredExecutionConfig()
	cfg.Enabled = true
	dispatcher := NewTierDispatcher(cfg, driver, noopPackageCacheMounter{}, zap.NewNop())

	run := &RunContext{Context: context.Background(), ExecutionID: "exec-1", Language: "python", Tier: TierRAM, ProjectDir: t.TempDir(), OutputsDir: t.TempDir()}
	result, err := dispatcher.Dispatch(run, []string{"python3", "main.py"}, run.ProjectDir)

	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 2, runtime.runs)
}

func TestTierDispatcherRAMGivesUpOnNonOOMFailure(t *testing.T) {
	runtime := &fakeContainerRuntime{
		results: []ContainerRunResult{
			{ExitCode: 1, Stderr: "syntax error on line 4"},
		},
	}
	driver := NewSandboxDriver(runtime, map[string]string{"python": "sandbox-python"}, true, nil, zap.NewNop())
	cfg := DefaultTieredExecutionConfig()
	cfg.Enabled = true
	dispatcher := NewTierDispatcher(cfg, driver, noopPackageCacheMounter{}, zap.NewNop())

	run := &RunContext{Context: context.Background(), ExecutionID: "exec-2", Language: "python", Tier: TierRAM, ProjectDir: t.TempDir(), OutputsDir: t.TempDir()}
	result, err := dispatcher.Dispatch(run, []string{"python3", "main.py"}, run.ProjectDir)

	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, 1, runtime.runs)
}

func TestTierDispatcherUnspecifiedTierFallsBack(t *testing.T) {
	runtime := &fakeContainerRuntime{results: []ContainerRunResult{{ExitCode: 0}}}
	driver := NewSandboxDriver(runtime, map[string]string{"python": "sandbox-python"}, true, nil, zap.NewNop())
	cfg := DefaultTieredExecutionConfig()
	cfg.Enabled = true
	dispatcher := NewTierDispatcher(cfg, driver, noopPackageCacheMounter{}, zap.NewNop())

	run := &RunContext{Context: context.Background(), ExecutionID: "exec-3", Language: "python", Tier: TierUnspecified, ProjectDir: t.TempDir(), OutputsDir: t.TempDir()}
	result, err := dispatcher.Dispatch(run, []string{"python3", "main.py"}, run.ProjectDir)

	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 1, runtime.runs)
}

func TestMatchesAnyTriggerCaseInsensitive(t *testing.T) {
	require.True(t, matchesAnyTrigger("Process killed: OOMKILLED", []string{"oomkilled"}))
	require.False(t, matchesAnyTrigger("all good", []string{"oomkilled"}))
}
