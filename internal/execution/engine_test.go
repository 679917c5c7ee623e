package execution

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stretchr/testify/require"

	"apex-exec/internal/metadata"
	"apex-exec/internal/storage"
)

// writeArtifact writes a file directly under the FilesystemStore's backing
// root, since Store has no Write method (artifacts are produced upstream
// of this engine's scope).
func writeArtifact(t *testing.T, artifactRoot, programID, versionID, path, content string) {
	t.Helper()
	full := filepath.Join(artifactRoot, programID, versionID, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestEngineExecuteHappyPathPython(t *testing.T) {
	artifactRoot := filepath.Join(t.TempDir(), "artifacts")
	store := storage.NewFilesystemStore(artifactRoot)
	provider := metadata.NewInMemoryProvider()

	provider.PutProgram(&metadata.Program{ID: "prog-1", CurrentVersion: "v1", Status: metadata.ProgramActive})
	provider.PutVersion(&metadata.Version{ID: "v1", ProgramID: "prog-1", VersionNumber: 1, Status: metadata.VersionApproved})

	writeArtifact(t, artifactRoot, "prog-1", "v1", "main.py", "print('hi')\n")

	var gotArgv []string
	dispatch := func(run *RunContext, argv []string, cwd string) (*ExecutionResult, error) {
		gotArgv = argv
		return &ExecutionResult{Success: true, ExitCode: 0, Stdout: "hi\n", StartedAt: time.Now(), CompletedAt: time.Now()}, nil
	}

	cfg := EngineConfig{
		WorkingDirectory:      t.TempDir(),
		DefaultTimeoutMinutes: 1,
		ValidatorConfig:       ValidatorConfig{MaxProjectSizeBytes: 10 * 1024 * 1024},
	}
	engine := NewEngine(cfg, provider, store, nil, dispatch, nil, nil, zap.NewNop())

	result := engine.Execute(context.Background(), ExecutionRequest{ProgramID: "prog-1"}, "exec-1")

	require.True(t, result.Success)
	require.Equal(t, FailureNone, result.FailureCode)
	require.Equal(t, []string{"python3", "main.py"}, gotArgv)
	require.Equal(t, 0, engine.ActiveExecutionCount())
}

func TestEngineExecuteRejectsArchivedProgram(t *testing.T) {
	artifactRoot := filepath.Join(t.TempDir(), "artifacts")
	store := storage.NewFilesystemStore(artifactRoot)
	provider := metadata.NewInMemoryProvider()
	provider.PutProgram(&metadata.Program{ID: "prog-2", CurrentVersion: "v1", Status: metadata.ProgramArchived})
	provider.PutVersion(&metadata.Version{ID: "v1", ProgramID: "prog-2", VersionNumber: 1, Status: metadata.VersionApproved})
	writeArtifact(t, artifactRoot, "prog-2", "v1", "main.py", "print('hi')\n")

	cfg := EngineConfig{WorkingDirectory: t.TempDir(), DefaultTimeoutMinutes: 1}
	engine := NewEngine(cfg, provider, store, nil, nil, nil, nil, zap.NewNop())

	result := engine.Execute(context.Background(), ExecutionRequest{ProgramID: "prog-2"}, "exec-2")
	require.False(t, result.Success)
	require.Equal(t, FailureIneligibleVersion, result.FailureCode)
}

func TestEngineExecuteUnresolvableVersion(t *testing.T) {
	artifactRoot := filepath.Join(t.TempDir(), "artifacts")
	store := storage.NewFilesystemStore(artifactRoot)
	provider := metadata.NewInMemoryProvider()

	cfg := EngineConfig{WorkingDirectory: t.TempDir(), DefaultTimeoutMinutes: 1}
	engine := NewEngine(cfg, provider, store, nil, nil, nil, nil, zap.NewNop())

	result := engine.Execute(context.Background(), ExecutionRequest{ProgramID: "missing"}, "exec-3")
	require.False(t, result.Success)
	require.Equal(t, FailureVersionUnresolvable, result.FailureCode)
}

func TestEngineExecuteEmptyExtractionFails(t *testing.T) {
	artifactRoot := filepath.Join(t.TempDir(), "artifacts")
	store := storage.NewFilesystemStore(artifactRoot)
	provider := metadata.NewInMemoryProvider()
	provider.PutProgram(&metadata.Program{ID: "prog-4", CurrentVersion: "v1", Status: metadata.ProgramActive})
	provider.PutVersion(&metadata.Version{ID: "v1", ProgramID: "prog-4", VersionNumber: 1, Status: metadata.VersionApproved})
	// Version directory exists but is empty: List succeeds with zero files.
	require.NoError(t, os.MkdirAll(filepath.Join(artifactRoot, "prog-4", "v1"), 0o755))

	cfg := EngineConfig{WorkingDirectory: t.TempDir(), DefaultTimeoutMinutes: 1}
	engine := NewEngine(cfg, provider, store, nil, nil, nil, nil, zap.NewNop())

	result := engine.Execute(context.Background(), ExecutionRequest{ProgramID: "prog-4"}, "exec-4")
	require.False(t, result.Success)
	require.Equal(t, FailureExtractionEmpty, result.FailureCode)
}

func TestEngineCancelReachesInFlightSession(t *testing.T) {
	artifactRoot := filepath.Join(t.TempDir(), "artifacts")
	store := storage.NewFilesystemStore(artifactRoot)
	provider := metadata.NewInMemoryProvider()
	provider.PutProgram(&metadata.Program{ID: "prog-5", CurrentVersion: "v1", Status: metadata.ProgramActive})
	provider.PutVersion(&metadata.Version{ID: "v1", ProgramID: "prog-5", VersionNumber: 1, Status: metadata.VersionApproved})
	writeArtifact(t, artifactRoot, "prog-5", "v1", "main.py", "print('hi')\n")

	dispatchStarted := make(chan struct{})
	dispatch := func(run *RunContext, argv []string, cwd string) (*ExecutionResult, error) {
		close(dispatchStarted)
		<-run.Context.Done()
		return nil, run.Context.Err()
	}

	cfg := EngineConfig{WorkingDirectory: t.TempDir(), DefaultTimeoutMinutes: 1}
	engine := NewEngine(cfg, provider, store, nil, dispatch, nil, nil, zap.NewNop())

	resultCh := make(chan *ExecutionResult, 1)
	go func() {
		resultCh <- engine.Execute(context.Background(), ExecutionRequest{ProgramID: "prog-5"}, "exec-5")
	}()

	<-dispatchStarted
	require.True(t, engine.Cancel("exec-5"))

	select {
	case result := <-resultCh:
		require.False(t, result.Success)
		require.Equal(t, FailureRunnerError, result.FailureCode)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cancelled execution")
	}
}
