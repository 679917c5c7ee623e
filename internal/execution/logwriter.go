package execution

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// executionMetadata is the compact summary persisted alongside the full
// result (spec §4.7).
type executionMetadata struct {
	ExecutionID     string  `json:"executionId"`
	StartedAt       string  `json:"startedAt"`
	CompletedAt     string  `json:"completedAt"`
	DurationSeconds float64 `json:"durationSeconds"`
	ExitCode        int     `json:"exitCode"`
	Success         bool    `json:"success"`
	CPUSeconds      float64 `json:"cpuSeconds"`
	PeakMemoryBytes int64   `json:"peakMemoryBytes"`
	OutputFileCount int     `json:"outputFileCount"`
}

// WriteExecutionLogs persists execution-result.json, output.log/error.log
// (only when non-empty), and execution-metadata.json under logsDir
// (spec §4.7).
func WriteExecutionLogs(logsDir string, result *ExecutionResult) error {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}

	resultJSON, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal execution result: %w", err)
	}
	if err := os.WriteFile(filepath.Join(logsDir, "execution-result.json"), resultJSON, 0o644); err != nil {
		return fmt.Errorf("write execution-result.json: %w", err)
	}

	if result.Stdout != "" {
		if err := os.WriteFile(filepath.Join(logsDir, "output.log"), []byte(result.Stdout), 0o644); err != nil {
			return fmt.Errorf("write output.log: %w", err)
		}
	}
	if result.Stderr != "" {
		if err := os.WriteFile(filepath.Join(logsDir, "error.log"), []byte(result.Stderr), 0o644); err != nil {
			return fmt.Errorf("write error.log: %w", err)
		}
	}

	meta := executionMetadata{
		ExecutionID:     result.ExecutionID,
		StartedAt:       result.StartedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		CompletedAt:     result.CompletedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		DurationSeconds: result.Duration.Seconds(),
		ExitCode:        result.ExitCode,
		Success:         result.Success,
		CPUSeconds:      result.Resources.CPUSeconds,
		PeakMemoryBytes: result.Resources.PeakMemoryByte,
		OutputFileCount: len(result.OutputFiles),
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal execution metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(logsDir, "execution-metadata.json"), metaJSON, 0o644); err != nil {
		return fmt.Errorf("write execution-metadata.json: %w", err)
	}

	return nil
}
