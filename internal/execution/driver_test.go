package execution

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stretchr/testify/require"
)

func TestSandboxDriverRunDirectSuccess(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available on PATH")
	}

	driver := NewSandboxDriver(nil, nil, false, nil, zap.NewNop())
	spec := DriverSpec{
		ExecutionID: "exec-direct-1",
		Argv:        []string{"sh", "-c", "echo hello; echo oops error happened 1>&2"},
		Cwd:         t.TempDir(),
	}

	result := driver.Run(context.Background(), spec)

	require.True(t, result.Success)
	require.Equal(t, 0, result.ExitCode)
	require.Contains(t, result.Stdout, "hello")
	require.Contains(t, result.Stderr, "oops error happened")
}

func TestSandboxDriverRunDirectNonZeroExit(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available on PATH")
	}

	driver := NewSandboxDriver(nil, nil, false, nil, zap.NewNop())
	spec := DriverSpec{
		ExecutionID: "exec-direct-2",
		Argv:        []string{"sh", "-c", "exit 3"},
		Cwd:         t.TempDir(),
	}

	result := driver.Run(context.Background(), spec)

	require.False(t, result.Success)
	require.Equal(t, 3, result.ExitCode)
}

func TestSandboxDriverRunDirectTimeout(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available on PATH")
	}

	driver := NewSandboxDriver(nil, nil, false, nil, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	spec := DriverSpec{
		ExecutionID: "exec-direct-3",
		Argv:        []string{"sh", "-c", "sleep 5"},
		Cwd:         t.TempDir(),
	}

	result := driver.Run(ctx, spec)

	require.False(t, result.Success)
	require.Equal(t, FailureTimeout, result.FailureCode)
	require.Equal(t, -1, result.ExitCode)
}

func TestSandboxDriverRunDirectPreservesNaturalExitOverCancel(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available on PATH")
	}

	driver := NewSandboxDriver(nil, nil, false, nil, zap.NewNop())
	// The process exits well before the deadline of its cancellable context;
	// its natural exit code must be reported, not a timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	spec := DriverSpec{
		ExecutionID: "exec-direct-4",
		Argv:        []string{"sh", "-c", "exit 7"},
		Cwd:         t.TempDir(),
	}

	result := driver.Run(ctx, spec)

	require.Equal(t, 7, result.ExitCode)
	require.NotEqual(t, FailureTimeout, result.FailureCode)
}

func TestSandboxDriverRunBuildStepDispatchesThroughRun(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available on PATH")
	}

	driver := NewSandboxDriver(nil, nil, false, nil, zap.NewNop())
	run := &RunContext{
		Context:     context.Background(),
		ExecutionID: "exec-build-1",
		ProjectDir:  t.TempDir(),
	}

	result, err := driver.RunBuildStep(run, BuildStepSpec{
		Argv: []string{"sh", "-c", "echo restoring"},
		Cwd:  run.ProjectDir,
	})

	require.NoError(t, err)
	require.True(t, result.Success)
	require.Contains(t, result.Stdout, "restoring")
}

func TestClassifyingPumpStderrClassification(t *testing.T) {
	var stdoutLines, stderrLines []string
	sink := &capturingSink{
		stdoutFn: func(_, line string, _ time.Time) { stdoutLines = append(stdoutLines, line) },
		stderrFn: func(_, line string, _ time.Time) { stderrLines = append(stderrLines, line) },
	}
	pump := &classifyingPump{sink: sink, executionID: "exec-classify"}

	pump.OnStderr("Traceback: Error occurred")
	pump.OnStderr("just some informational text")

	require.Equal(t, []string{"Traceback: Error occurred"}, stderrLines)
	require.Equal(t, []string{"just some informational text"}, stdoutLines)
}

type capturingSink struct {
	stdoutFn func(executionID, line string, ts time.Time)
	stderrFn func(executionID, line string, ts time.Time)
}

func (c *capturingSink) StreamStdout(executionID, line string, ts time.Time) { c.stdoutFn(executionID, line, ts) }
func (c *capturingSink) StreamStderr(executionID, line string, ts time.Time) { c.stderrFn(executionID, line, ts) }
func (c *capturingSink) StreamCompleted(string, StreamCompletedEvent)        {}
