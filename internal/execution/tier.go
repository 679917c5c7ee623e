package execution

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RAMPoolConfig configures the RAM tier's iterative-relaunch-on-OOM loop
// (spec §4.6).
type RAMPoolConfig struct {
	TmpfsBaseSizeMB  int
	MaxRetries       int
	MultiplierFactor float64
	MaxSizeMB        int
	TriggerPatterns  []string
}

// DiskPoolConfig configures the Disk tier's per-execution persistent
// volume (spec §4.6).
type DiskPoolConfig struct {
	DiskVolumePath         string
	EnableVolumeReuse      bool
	VolumeCleanupDelay     time.Duration
}

// JobProfile names a resource/tier preset a request can opt into
// (spec §6 "tieredExecution.jobProfiles").
type JobProfile struct {
	RAMCostGB            float64
	CPUCost              float64
	PreferredTier        Tier
	MaxExecutionMinutes  float64
}

// TieredExecutionConfig is the full tier-dispatcher configuration
// (spec §6).
type TieredExecutionConfig struct {
	Enabled           bool
	RAMPool           RAMPoolConfig
	DiskPool          DiskPoolConfig
	JobProfiles       map[string]JobProfile
	DefaultJobProfile string
}

// DefaultTieredExecutionConfig mirrors the spec's stated defaults.
func DefaultTieredExecutionConfig() TieredExecutionConfig {
	return TieredExecutionConfig{
		Enabled: false,
		RAMPool: RAMPoolConfig{
			TmpfsBaseSizeMB:  512,
			MaxRetries:       3,
			MultiplierFactor: 1.5,
			MaxSizeMB:        4096,
			TriggerPatterns:  []string{"No space left on device", "Cannot allocate memory", "OOMKilled"},
		},
		DiskPool: DiskPoolConfig{
			DiskVolumePath:     filepath.Join(os.TempDir(), "apex-exec-disk-pool"),
			EnableVolumeReuse:  false,
			VolumeCleanupDelay: 0,
		},
	}
}

// TierDispatcher chooses between the RAM and Disk tiers and drives the
// sandbox driver accordingly (spec §4.6).
type TierDispatcher struct {
	cfg     TieredExecutionConfig
	driver  *SandboxDriver
	mounter PackageCacheMounter
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewTierDispatcher builds a dispatcher. limiter paces RAM-tier retry
// relaunches so a single execution cannot spin the host on allocation
// failures (golang.org/x/time/rate, per the domain stack). mounter may be
// nil when sandboxing is disabled.
func NewTierDispatcher(cfg TieredExecutionConfig, driver *SandboxDriver, mounter PackageCacheMounter, log *zap.Logger) *TierDispatcher {
	return &TierDispatcher{
		cfg:     cfg,
		driver:  driver,
		mounter: mounter,
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		log:     log,
	}
}

// Dispatch implements TierDispatchFunc: it is handed to runners so their
// Execute step never needs to import the tier package directly.
func (td *TierDispatcher) Dispatch(run *RunContext, argv []string, cwd string) (*ExecutionResult, error) {
	base := DriverSpec{
		ExecutionID:   run.ExecutionID,
		Language:      run.Language,
		Argv:          argv,
		Cwd:           cwd,
		ProjectDir:    run.ProjectDir,
		OutputsDir:    run.OutputsDir,
		Env:           run.Environment,
		PackageVolume: run.PackageVolumeName,
		EnableNetwork: false,
	}
	if td.mounter != nil {
		if mount, ok := td.mounter.MountFor(run.Language); ok {
			base.PackageMount = mount
		}
	}

	if !td.cfg.Enabled || run.Tier == TierUnspecified {
		td.log.Warn("tiered execution disabled or tier unspecified; single non-tiered launch", zap.String("execution_id", run.ExecutionID))
		return td.driver.Run(run.Context, base), nil
	}

	switch run.Tier {
	case TierRAM:
		return td.dispatchRAM(run, base), nil
	case TierDisk:
		return td.dispatchDisk(run, base), nil
	default:
		td.log.Warn("unknown execution tier, falling back to non-tiered launch",
			zap.String("execution_id", run.ExecutionID), zap.String("tier", string(run.Tier)))
		return td.driver.Run(run.Context, base), nil
	}
}

// dispatchRAM is the bounded OOM-retry loop (spec §4.6). Attempts are
// strictly sequential; tmpfs size is non-decreasing and capped.
func (td *TierDispatcher) dispatchRAM(run *RunContext, base DriverSpec) *ExecutionResult {
	pool := td.cfg.RAMPool
	if pool.TmpfsBaseSizeMB <= 0 {
		pool.TmpfsBaseSizeMB = 512
	}
	if pool.MaxRetries <= 0 {
		pool.MaxRetries = 3
	}
	if pool.MultiplierFactor <= 1 {
		pool.MultiplierFactor = 1.5
	}
	if pool.MaxSizeMB <= 0 {
		pool.MaxSizeMB = 4096
	}

	tmpfsSize := pool.TmpfsBaseSizeMB
	var result *ExecutionResult

	for attempt := 1; ; attempt++ {
		spec := base
		spec.TmpfsSizeMB = tmpfsSize
		result = td.driver.Run(run.Context, spec)

		if result.Success || attempt >= pool.MaxRetries {
			return result
		}
		if !matchesAnyTrigger(result.Stdout+"\n"+result.Stderr, pool.TriggerPatterns) {
			return result
		}

		nextSize := int(float64(tmpfsSize) * pool.MultiplierFactor)
		if nextSize > pool.MaxSizeMB {
			nextSize = pool.MaxSizeMB
		}
		if nextSize <= tmpfsSize {
			return result
		}
		tmpfsSize = nextSize

		if err := td.limiter.Wait(run.Context); err != nil {
			return result
		}
	}
}

// dispatchDisk runs a single attempt against a per-execution persistent
// volume directory (spec §4.6).
func (td *TierDispatcher) dispatchDisk(run *RunContext, base DriverSpec) *ExecutionResult {
	volPath := filepath.Join(td.cfg.DiskPool.DiskVolumePath, run.ExecutionID)
	if err := os.MkdirAll(volPath, 0o755); err != nil {
		return &ExecutionResult{
			ExecutionID:  run.ExecutionID,
			Success:      false,
			ExitCode:     -1,
			ErrorMessage: fmt.Sprintf("create disk tier volume: %v", err),
			FailureCode:  FailureInfrastructure,
			StartedAt:    timeNow(),
			CompletedAt:  timeNow(),
		}
	}
	if !td.cfg.DiskPool.EnableVolumeReuse {
		defer os.RemoveAll(volPath)
	}

	base.DiskVolumePath = volPath
	return td.driver.Run(run.Context, base)
}

func matchesAnyTrigger(output string, patterns []string) bool {
	lower := strings.ToLower(output)
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func timeNow() time.Time { return time.Now() }
