package execution

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"apex-exec/internal/metadata"
	"apex-exec/internal/storage"
)

// EngineConfig is the subset of engine-wide configuration the pipeline
// consults directly; the rest (sandbox images, tiered execution, resource
// limits) is threaded through the dispatcher and driver already built
// around it.
type EngineConfig struct {
	WorkingDirectory      string
	DefaultTimeoutMinutes float64
	ValidatorConfig       ValidatorConfig
	EnableSandbox         bool
}

// Engine is the project execution engine (spec §4.1).
type Engine struct {
	cfg          EngineConfig
	metadata     metadata.Provider
	artifacts    storage.Store
	mounter      PackageCacheMounter
	dispatch     TierDispatchFunc
	buildDispatch BuildDispatchFunc
	sink         StreamSink
	sessions     *sessionRegistry
	log          *zap.Logger
}

// NewEngine wires an Engine from its external collaborators. buildDispatch
// is typically a *SandboxDriver's RunBuildStep method value, so Build runs
// through the same driver as Execute without going through RAM/Disk tiering.
func NewEngine(
	cfg EngineConfig,
	provider metadata.Provider,
	store storage.Store,
	mounter PackageCacheMounter,
	dispatch TierDispatchFunc,
	buildDispatch BuildDispatchFunc,
	sink StreamSink,
	log *zap.Logger,
) *Engine {
	if sink == nil {
		sink = noopStreamSink{}
	}
	if mounter == nil {
		mounter = noopPackageCacheMounter{}
	}
	return &Engine{
		cfg:           cfg,
		metadata:      provider,
		artifacts:     store,
		mounter:       mounter,
		dispatch:      dispatch,
		buildDispatch: buildDispatch,
		sink:          sink,
		sessions:      newSessionRegistry(),
		log:           log,
	}
}

// Execute runs the full 12-step pipeline (spec §4.1).
func (e *Engine) Execute(ctx context.Context, req ExecutionRequest, executionID string) *ExecutionResult {
	startedAt := time.Now()
	log := e.log.With(zap.String("execution_id", executionID), zap.String("program_id", req.ProgramID))

	timeoutMinutes := e.cfg.DefaultTimeoutMinutes
	if timeoutMinutes <= 0 {
		timeoutMinutes = 2880
	}
	if req.ResourceLimits != nil && req.ResourceLimits.TimeMinutes > 0 {
		timeoutMinutes = req.ResourceLimits.TimeMinutes
	}

	cancelSource := req.Cancel
	if cancelSource == nil {
		cancelSource = ctx
	}
	runCtx, cancel := context.WithTimeout(cancelSource, time.Duration(timeoutMinutes*float64(time.Minute)))
	defer cancel()

	session := &ExecutionSession{
		ExecutionID: executionID,
		StartedAt:   startedAt,
		cancelFunc:  cancel,
	}
	e.sessions.register(session)

	var packageVolume string
	var buildResult *BuildResult

	result := e.runPipeline(runCtx, log, req, executionID, session, &packageVolume, &buildResult)

	// finally: best-effort volume teardown, optional project/ cleanup, deregister.
	if packageVolume != "" && e.mounter != nil {
		if err := e.mounter.RemoveVolume(context.Background(), packageVolume); err != nil {
			log.Warn("failed to remove package-cache volume", zap.Error(err))
		}
	}
	if req.CleanupOnCompletion && session.ProjectDirectory != "" {
		_ = os.RemoveAll(session.ProjectDirectory)
	}
	e.sessions.deregister(executionID)

	return result
}

// runPipeline implements steps 2-12; step 1 (registration, cancel handle)
// already happened in Execute.
func (e *Engine) runPipeline(ctx context.Context, log *zap.Logger, req ExecutionRequest, executionID string, session *ExecutionSession, packageVolumeOut *string, buildResultOut **BuildResult) *ExecutionResult {
	startedAt := session.StartedAt
	fail := func(code FailureCode, msg string) *ExecutionResult {
		return &ExecutionResult{
			ExecutionID:  executionID,
			Success:      false,
			ExitCode:     -1,
			ErrorMessage: msg,
			FailureCode:  code,
			StartedAt:    startedAt,
			CompletedAt:  time.Now(),
		}
	}

	// Step 2: package-cache volume.
	if e.cfg.EnableSandbox && e.mounter != nil {
		volName, err := e.mounter.CreateVolume(ctx, executionID)
		if err != nil {
			return fail(FailureInfrastructure, fmt.Sprintf("create package-cache volume: %v", err))
		}
		*packageVolumeOut = volName
		session.PackageVolumeName = volName
	}

	// Step 3: resolve version.
	version, err := e.resolveVersion(ctx, req)
	if err != nil {
		return fail(FailureVersionUnresolvable, err.Error())
	}
	session.VersionID = version.ID

	// Step 4: validate state.
	program, err := e.metadata.ProgramGet(ctx, req.ProgramID)
	if err != nil {
		return fail(FailureVersionUnresolvable, err.Error())
	}
	if program.Status == metadata.ProgramArchived || program.Status == metadata.ProgramDeleted {
		return fail(FailureIneligibleVersion, fmt.Sprintf("program %s is %s", req.ProgramID, program.Status))
	}
	if version.Status != metadata.VersionApproved {
		return fail(FailureIneligibleVersion, fmt.Sprintf("version %s is %s, not approved", version.ID, version.Status))
	}

	// Step 5: directory layout.
	execDir := filepath.Join(e.cfg.WorkingDirectory, req.ProgramID, version.ID, "execution", executionID)
	projectDir := filepath.Join(execDir, "project")
	outputsDir := filepath.Join(execDir, "outputs")
	logsDir := filepath.Join(execDir, "logs")
	for _, d := range []string{projectDir, outputsDir, logsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fail(FailureInfrastructure, fmt.Sprintf("create directory layout: %v", err))
		}
	}
	session.ExecutionDirectory = execDir
	session.ProjectDirectory = projectDir

	// Step 6: extract files.
	extracted, extractErr := e.extractFiles(ctx, req.ProgramID, version.ID, projectDir, log)
	if extractErr != nil {
		return fail(FailureInfrastructure, extractErr.Error())
	}
	if extracted == 0 {
		return fail(FailureExtractionEmpty, "extraction produced no files")
	}

	// Step 7: analyze.
	analysis, err := AnalyzeProject(projectDir)
	if err != nil {
		return fail(FailureInfrastructure, fmt.Sprintf("analyze project: %v", err))
	}
	session.ProjectStructure = analysis

	// Step 8: validate.
	validation, err := ValidateProject(projectDir, e.cfg.ValidatorConfig)
	if err != nil {
		return fail(FailureInfrastructure, fmt.Sprintf("validate project: %v", err))
	}
	if !validation.Valid {
		return fail(FailureValidationFailed, fmt.Sprintf("validation failed: %v", validation.Errors))
	}

	// Step 9: select runner.
	runner := SelectRunner(projectDir)
	if runner == nil {
		return fail(FailureNoRunner, "no runner could handle this project")
	}
	session.Runner = runner

	// Step 10: build. runContext is built here (rather than at step 12
	// alone) so Build and Execute share the same cancellable context,
	// execution id, and package volume name.
	runContext := &RunContext{
		Context:           ctx,
		ExecutionID:       executionID,
		Language:          analysis.Language,
		ProjectDir:        projectDir,
		OutputsDir:        outputsDir,
		Environment:       req.Environment,
		Parameters:        req.Parameters,
		PackageVolumeName: session.PackageVolumeName,
		Tier:              req.ExecutionTier,
		JobProfile:        req.JobProfile,
	}

	if analysis.HasBuildFile && !req.BuildArgs.SkipBuild {
		buildCtx := &BuildContext{
			ProjectDir:        projectDir,
			PackageVolumeName: session.PackageVolumeName,
			Args:              req.BuildArgs,
			Mounts:            e.mounter,
			Run:               runContext,
			Dispatch:          e.buildDispatch,
		}
		br, err := runner.Build(buildCtx)
		if err != nil || br == nil || !br.Success {
			msg := "build failed"
			if err != nil {
				msg = err.Error()
			} else if br != nil {
				msg = br.Error
			}
			res := fail(FailureBuildFailed, msg)
			res.BuildResult = br
			return res
		}
		*buildResultOut = br
	}

	// Step 11: snapshot.
	initialFiles, err := SnapshotFiles(projectDir)
	if err != nil {
		return fail(FailureInfrastructure, fmt.Sprintf("snapshot project directory: %v", err))
	}
	session.InitialFiles = initialFiles

	// Step 12: execute, collect, persist.
	result, err := runner.Execute(runContext, e.dispatch)
	if err != nil {
		return fail(FailureRunnerError, err.Error())
	}
	if result == nil {
		return fail(FailureRunnerError, "runner returned no result")
	}
	result.ExecutionID = executionID
	if *buildResultOut != nil {
		result.BuildResult = *buildResultOut
	}

	if req.SaveResults {
		files, err := CollectArtifacts(ctx, projectDir, outputsDir, initialFiles)
		if err != nil {
			log.Warn("artifact collection failed", zap.Error(err))
		}
		result.OutputFiles = files
	}

	if err := WriteExecutionLogs(logsDir, result); err != nil {
		log.Warn("failed to persist execution logs", zap.Error(err))
	}

	return result
}

func (e *Engine) resolveVersion(ctx context.Context, req ExecutionRequest) (*metadata.Version, error) {
	if req.VersionID != "" {
		return e.metadata.VersionGet(ctx, req.VersionID)
	}
	program, err := e.metadata.ProgramGet(ctx, req.ProgramID)
	if err == nil && program.CurrentVersion != "" {
		if v, verr := e.metadata.VersionGet(ctx, program.CurrentVersion); verr == nil {
			return v, nil
		}
	}
	v, err := e.metadata.VersionGetLatest(ctx, req.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("no resolvable version for program %s: %w", req.ProgramID, err)
	}
	return v, nil
}

func (e *Engine) extractFiles(ctx context.Context, programID, versionID, projectDir string, log *zap.Logger) (int, error) {
	files, err := e.artifacts.List(ctx, programID, versionID)
	if err != nil {
		return 0, fmt.Errorf("list artifact files: %w", err)
	}

	extracted := 0
	for _, f := range files {
		data, err := e.artifacts.Read(ctx, programID, versionID, f.Path)
		if err != nil {
			log.Warn("failed to extract file, skipping", zap.String("path", f.Path), zap.Error(err))
			continue
		}
		dest := filepath.Join(projectDir, f.Path)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			log.Warn("failed to create directory for extracted file", zap.String("path", f.Path), zap.Error(err))
			continue
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			log.Warn("failed to write extracted file", zap.String("path", f.Path), zap.Error(err))
			continue
		}
		extracted++
	}
	return extracted, nil
}

// Cancel implements spec §4.1's Cancel operation.
func (e *Engine) Cancel(executionID string) bool {
	return e.sessions.cancel(executionID)
}

// Validate extracts programId/versionId to a temp directory and runs the
// Project Validator, always deleting the temp directory on exit
// (spec §4.1).
func (e *Engine) Validate(ctx context.Context, programID, versionID string) (*ValidationResult, error) {
	tmpDir, err := e.extractToTempDir(ctx, programID, versionID)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	return ValidateProject(tmpDir, e.cfg.ValidatorConfig)
}

// Analyze extracts programId/versionId to a temp directory and runs the
// Project Analyzer, always deleting the temp directory on exit
// (spec §4.1).
func (e *Engine) Analyze(ctx context.Context, programID, versionID string) (*ProjectStructureAnalysis, error) {
	tmpDir, err := e.extractToTempDir(ctx, programID, versionID)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	return AnalyzeProject(tmpDir)
}

func (e *Engine) extractToTempDir(ctx context.Context, programID, versionID string) (string, error) {
	tmpDir, err := os.MkdirTemp("", "apex-exec-inspect-*")
	if err != nil {
		return "", fmt.Errorf("create temp directory: %w", err)
	}
	if _, err := e.extractFiles(ctx, programID, versionID, tmpDir, e.log); err != nil {
		os.RemoveAll(tmpDir)
		return "", err
	}
	return tmpDir, nil
}

// ActiveExecutionCount exposes the active-sessions registry size for a
// fronting scheduler to enforce maxConcurrentExecutions (spec §4.1
// "Concurrent capacity").
func (e *Engine) ActiveExecutionCount() int {
	return e.sessions.activeCount()
}
