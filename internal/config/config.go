// Package config defines the execution engine's startup configuration and
// validates it exhaustively, in the teacher's multi-violation style
// (collecting every problem instead of failing on the first).
package config

import (
	"fmt"
	"strings"

	"apex-exec/internal/execution"
)

// ResourceLimitsConfig holds the engine-wide resource limits. Validate
// requires MemoryMB and CPUs to be positive; nothing else in this module
// reads these values, so they are not applied to any execution.
type ResourceLimitsConfig struct {
	MemoryMB    int
	CPUs        float64
	PidsLimit   int64
	TimeMinutes float64
}

// EngineConfig aggregates everything the execution engine needs at
// startup (spec §3, §4.1, §5, §6).
type EngineConfig struct {
	WorkingDirectory         string
	MaxConcurrentExecutions  int
	DefaultTimeoutMinutes    float64
	MaxProjectSizeBytes      int64
	BlockedFileExtensions    []string
	EnableSecurityScanning   bool
	CleanupOnCompletion      bool
	ExecutionRetentionDays   int
	EnableSandbox            bool
	SandboxImages            map[string]string
	EnableNetworkAccess      bool
	ResourceLimits           ResourceLimitsConfig
	TieredExecution          execution.TieredExecutionConfig
}

// Default returns the engine's documented defaults (spec §4.3, §4.5, §4.6).
func Default() EngineConfig {
	return EngineConfig{
		WorkingDirectory:        "/var/lib/apex-exec/executions",
		MaxConcurrentExecutions: 10,
		DefaultTimeoutMinutes:   10,
		MaxProjectSizeBytes:     500 * 1024 * 1024,
		BlockedFileExtensions:   []string{".exe", ".bat", ".cmd", ".ps1", ".sh", ".scr", ".vbs"},
		EnableSecurityScanning:  true,
		CleanupOnCompletion:     true,
		ExecutionRetentionDays:  7,
		EnableSandbox:           true,
		SandboxImages: map[string]string{
			"csharp":     "apex-exec/sandbox-csharp:latest",
			"python":     "apex-exec/sandbox-python:latest",
			"javascript": "apex-exec/sandbox-node:latest",
		},
		EnableNetworkAccess: false,
		ResourceLimits: ResourceLimitsConfig{
			MemoryMB:    512,
			CPUs:        1.0,
			PidsLimit:   128,
			TimeMinutes: 10,
		},
		TieredExecution: execution.DefaultTieredExecutionConfig(),
	}
}

// ValidationError aggregates every configuration violation found, in the
// teacher's SecretsValidationError style: never fail on the first problem.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid engine configuration: %s", strings.Join(e.Violations, "; "))
}

// Validate checks cfg and returns a *ValidationError listing every
// violation found, or nil if cfg is usable.
func Validate(cfg EngineConfig) error {
	var violations []string

	if strings.TrimSpace(cfg.WorkingDirectory) == "" {
		violations = append(violations, "workingDirectory must not be empty")
	}
	if cfg.MaxConcurrentExecutions <= 0 {
		violations = append(violations, "maxConcurrentExecutions must be positive")
	}
	if cfg.DefaultTimeoutMinutes <= 0 {
		violations = append(violations, "defaultTimeoutMinutes must be positive")
	}
	if cfg.MaxProjectSizeBytes <= 0 {
		violations = append(violations, "maxProjectSizeBytes must be positive")
	}
	if cfg.ExecutionRetentionDays < 0 {
		violations = append(violations, "executionRetentionDays must not be negative")
	}
	if cfg.EnableSandbox && len(cfg.SandboxImages) == 0 {
		violations = append(violations, "sandboxImages must be configured when enableSandbox is true")
	}
	if cfg.ResourceLimits.MemoryMB <= 0 {
		violations = append(violations, "resourceLimits.memoryMB must be positive")
	}
	if cfg.ResourceLimits.CPUs <= 0 {
		violations = append(violations, "resourceLimits.cpus must be positive")
	}
	if cfg.TieredExecution.Enabled {
		if cfg.TieredExecution.RAMPool.TmpfsBaseSizeMB <= 0 {
			violations = append(violations, "tieredExecution.ramPool.tmpfsBaseSizeMB must be positive")
		}
		if cfg.TieredExecution.RAMPool.MaxSizeMB < cfg.TieredExecution.RAMPool.TmpfsBaseSizeMB {
			violations = append(violations, "tieredExecution.ramPool.maxSizeMB must be >= tmpfsBaseSizeMB")
		}
		if cfg.TieredExecution.DiskPool.DiskVolumePath == "" {
			violations = append(violations, "tieredExecution.diskPool.diskVolumePath must not be empty")
		}
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}
