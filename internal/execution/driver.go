package execution

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DriverSpec is everything the Sandbox Process Driver needs to launch one
// child process, either directly on the host or inside a container
// (spec §4.5).
type DriverSpec struct {
	ExecutionID    string
	Language       string
	Argv           []string
	Cwd            string
	ProjectDir     string
	OutputsDir     string
	Env            map[string]string
	PackageVolume  string
	PackageMount   PackageCacheMount
	EnableNetwork  bool
	MemoryMB       int
	CPUs           float64
	PidsLimit      int64
	TmpfsSizeMB    int    // RAM tier
	DiskVolumePath string // Disk tier, empty means RAM tier
	// RunAsRoot runs this step as root instead of the unprivileged
	// "sandbox" user, for the package-cache ownership-fix sub-step only.
	RunAsRoot bool
}

// SandboxDriver runs a single child process to completion, in direct or
// sandboxed mode, pumping its output live and honoring cancellation
// (spec §4.5).
type SandboxDriver struct {
	runtime       ContainerRuntime
	sandboxImages map[string]string
	enableSandbox bool
	sink          StreamSink
	log           *zap.Logger
}

// NewSandboxDriver builds a driver. runtime may be nil iff enableSandbox
// is false (direct-mode-only deployments, e.g. local dev or tests).
func NewSandboxDriver(runtime ContainerRuntime, sandboxImages map[string]string, enableSandbox bool, sink StreamSink, log *zap.Logger) *SandboxDriver {
	if sink == nil {
		sink = noopStreamSink{}
	}
	return &SandboxDriver{
		runtime:       runtime,
		sandboxImages: sandboxImages,
		enableSandbox: enableSandbox,
		sink:          sink,
		log:           log,
	}
}

// RunBuildStep runs one non-tiered toolchain invocation for a runner's
// Build step (restore/install, compile, or an ownership-fix) directly
// through the driver, bypassing the tier dispatcher entirely (spec §4.4,
// §4.5 "package-install steps require network; compile and execute do not").
func (d *SandboxDriver) RunBuildStep(run *RunContext, step BuildStepSpec) (*ExecutionResult, error) {
	spec := DriverSpec{
		ExecutionID:   run.ExecutionID,
		Language:      run.Language,
		Argv:          step.Argv,
		Cwd:           step.Cwd,
		ProjectDir:    run.ProjectDir,
		OutputsDir:    run.OutputsDir,
		Env:           run.Environment,
		PackageVolume: run.PackageVolumeName,
		PackageMount:  step.PackageMount,
		EnableNetwork: step.EnableNetwork,
		RunAsRoot:     step.RunAsRoot,
	}
	return d.Run(run.Context, spec), nil
}

// Run executes spec to completion and normalizes the result. ctx carries
// the execution's composite cancel handle (spec §9 "cancellation everywhere").
func (d *SandboxDriver) Run(ctx context.Context, spec DriverSpec) *ExecutionResult {
	startedAt := time.Now()
	result := &ExecutionResult{ExecutionID: spec.ExecutionID, StartedAt: startedAt}

	pump := &classifyingPump{sink: d.sink, executionID: spec.ExecutionID}

	var (
		exitCode int
		stdout   string
		stderr   string
		killed   bool
		runErr   error
	)

	if d.enableSandbox && d.runtime != nil {
		exitCode, stdout, stderr, killed, runErr = d.runSandboxed(ctx, spec, pump)
	} else {
		exitCode, stdout, stderr, killed, runErr = d.runDirect(ctx, spec, pump)
	}

	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	result.Stdout = stdout
	result.Stderr = stderr
	result.Resources.OutputBytes = int64(len(stdout) + len(stderr))

	switch {
	case ctx.Err() == context.DeadlineExceeded && (killed || runErr != nil):
		// a process that exited naturally before the kill falls through to
		// the default branch and keeps its exit code.
		result.Success = false
		result.ExitCode = -1
		result.ErrorMessage = "execution timed out"
		result.FailureCode = FailureTimeout
		d.sink.StreamCompleted(spec.ExecutionID, StreamCompletedEvent{
			Status: "timed_out", ExitCode: -1, ErrorMessage: result.ErrorMessage,
			CompletedAt: result.CompletedAt, Duration: result.Duration,
		})
	case ctx.Err() == context.Canceled:
		result.Success = false
		result.ExitCode = -1
		result.ErrorMessage = "cancelled due to timeout or user request"
		result.FailureCode = FailureCancelled
		if killed {
			// process tree was actually killed; natural exit, if any, is lost.
		} else if runErr == nil {
			// process exited naturally between cancel signal and kill attempt.
			result.Success = exitCode == 0
			result.ExitCode = exitCode
			result.ErrorMessage = ""
			result.FailureCode = FailureNone
		}
		d.sink.StreamCompleted(spec.ExecutionID, StreamCompletedEvent{
			Status: "cancelled", ExitCode: result.ExitCode, ErrorMessage: result.ErrorMessage,
			CompletedAt: result.CompletedAt, Duration: result.Duration, Success: result.Success,
		})
	case runErr != nil:
		result.Success = false
		result.ExitCode = -1
		result.ErrorMessage = runErr.Error()
		result.FailureCode = FailureRunnerError
		d.sink.StreamCompleted(spec.ExecutionID, StreamCompletedEvent{
			Status: "failed", ExitCode: -1, ErrorMessage: result.ErrorMessage,
			CompletedAt: result.CompletedAt, Duration: result.Duration,
		})
	default:
		result.Success = exitCode == 0
		result.ExitCode = exitCode
		d.sink.StreamCompleted(spec.ExecutionID, StreamCompletedEvent{
			Status: "completed", ExitCode: exitCode, Success: result.Success,
			CompletedAt: result.CompletedAt, Duration: result.Duration,
		})
	}

	return result
}

// classifyingPump implements OutputPump, classifying stderr lines per
// spec §4.5: a stderr line is "error" iff it case-insensitively contains
// "error"; otherwise it is informational and emitted on the stdout stream.
type classifyingPump struct {
	sink        StreamSink
	executionID string
}

func (p *classifyingPump) OnStdout(line string) {
	p.safeStream(func() { p.sink.StreamStdout(p.executionID, line, time.Now()) })
}

func (p *classifyingPump) OnStderr(line string) {
	if strings.Contains(strings.ToLower(line), "error") {
		p.safeStream(func() { p.sink.StreamStderr(p.executionID, line, time.Now()) })
	} else {
		p.safeStream(func() { p.sink.StreamStdout(p.executionID, line, time.Now()) })
	}
}

// safeStream guards the best-effort streaming contract: a panicking sink
// must never break the execution (spec §9 "streaming is best-effort").
func (p *classifyingPump) safeStream(f func()) {
	defer func() { _ = recover() }()
	f()
}

// runSandboxed launches spec inside the configured container runtime.
func (d *SandboxDriver) runSandboxed(ctx context.Context, spec DriverSpec, pump OutputPump) (exitCode int, stdout, stderr string, killed bool, err error) {
	image := d.sandboxImages[strings.ToLower(spec.Language)]
	if image == "" {
		return -1, "", "", false, fmt.Errorf("no sandbox image configured for language %q", spec.Language)
	}

	user := "sandbox"
	if spec.RunAsRoot {
		user = "root"
	}

	cspec := ContainerSpec{
		Name:            "exec-" + spec.ExecutionID,
		Image:           image,
		Cmd:             spec.Argv,
		WorkingDir:      "/app",
		Env:             spec.Env,
		NetworkEnabled:  spec.EnableNetwork,
		MemoryMB:        spec.MemoryMB,
		CPUs:            spec.CPUs,
		PidsLimit:       spec.PidsLimit,
		User:            user,
		CapDropAll:      !spec.RunAsRoot,
		NoNewPrivileges: true,
		BindMounts: []BindMount{
			{Source: spec.ProjectDir, Target: "/app"},
			{Source: spec.OutputsDir, Target: "/outputs"},
		},
	}

	if spec.PackageVolume != "" && spec.PackageMount.ContainerPath != "" {
		cspec.VolumeMounts = append(cspec.VolumeMounts, VolumeMount{
			VolumeName: spec.PackageVolume,
			Target:     spec.PackageMount.ContainerPath,
		})
		for k, v := range spec.PackageMount.EnvironmentMap {
			if cspec.Env == nil {
				cspec.Env = map[string]string{}
			}
			cspec.Env[k] = v
		}
	}

	if spec.DiskVolumePath != "" {
		cspec.BindMounts = append(cspec.BindMounts, BindMount{
			Source: spec.DiskVolumePath,
			Target: "/execution_volume",
		})
	} else {
		size := spec.TmpfsSizeMB
		if size <= 0 {
			size = 512
		}
		if cspec.Tmpfs == nil {
			cspec.Tmpfs = map[string]string{}
		}
		cspec.Tmpfs["/tmp"] = fmt.Sprintf("rw,exec,nosuid,size=%dm", size)
	}

	runResult, runErr := d.runtime.RunContainer(ctx, cspec, pump)
	return runResult.ExitCode, runResult.Stdout, runResult.Stderr, runResult.Killed, runErr
}

// runDirect spawns the executable directly on the host, used when
// sandboxing is disabled. Grounded on the teacher's process-group
// kill-on-cancel pattern (sandbox.go).
func (d *SandboxDriver) runDirect(ctx context.Context, spec DriverSpec, pump OutputPump) (exitCode int, stdout, stderr string, killed bool, err error) {
	if len(spec.Argv) == 0 {
		return -1, "", "", false, fmt.Errorf("empty argv")
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Cwd
	cmd.Env = buildEnviron(spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return -1, "", "", false, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return -1, "", "", false, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return -1, "", "", false, fmt.Errorf("start process: %w", err)
	}

	var stdoutBuf, stderrBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); scanInto(stdoutPipe, &stdoutBuf, pump.OnStdout) }()
	go func() { defer wg.Done(); scanInto(stderrPipe, &stderrBuf, pump.OnStderr) }()

	waitErrCh := make(chan error, 1)
	go func() { waitErrCh <- cmd.Wait() }()

	applyWaitErr := func(waitErr error) {
		if waitErr == nil {
			return
		}
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			err = fmt.Errorf("process wait: %w", waitErr)
		}
	}

	select {
	case waitErr := <-waitErrCh:
		applyWaitErr(waitErr)
	case <-ctx.Done():
		// The process may have exited naturally in the same instant
		// cancellation fired; prefer that over forcing a kill so the
		// natural exit code survives (spec §9 "cancel vs. natural exit").
		select {
		case waitErr := <-waitErrCh:
			applyWaitErr(waitErr)
		default:
			killed = true
			killProcessGroup(cmd)
			select {
			case waitErr := <-waitErrCh:
				applyWaitErr(waitErr)
			case <-time.After(5 * time.Second):
			}
		}
	}

	wg.Wait()
	return exitCode, stdoutBuf.String(), stderrBuf.String(), killed, err
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.Sleep(2 * time.Second)
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

func scanInto(r io.Reader, buf *strings.Builder, emit func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		emit(line)
	}
}

func buildEnviron(env map[string]string) []string {
	base := os.Environ()
	for k, v := range env {
		base = append(base, k+"="+v)
	}
	return base
}
