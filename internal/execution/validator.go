package execution

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// defaultBlockedExtensions mirrors spec §4.3's example blocklist.
var defaultBlockedExtensions = []string{".exe", ".bat", ".cmd", ".ps1", ".sh", ".scr", ".vbs"}

// securityScanExtensions names the source file types the §4.3.1 scan reads.
var securityScanExtensions = map[string]bool{
	".cs": true, ".py": true, ".java": true, ".js": true, ".ts": true, ".php": true, ".rb": true,
}

// suspiciousPattern is one substring the security scan searches source
// files for, with its associated per-hit severity (spec §4.3.1).
type suspiciousPattern struct {
	Substring string
	Severity  string
}

var suspiciousPatterns = []suspiciousPattern{
	{"Process.Start", "high"},
	{"System.Diagnostics.Process", "high"},
	{"Runtime.getRuntime().exec", "high"},
	{"ProcessBuilder", "high"},
	{"os.system(", "high"},
	{"subprocess.call", "high"},
	{"subprocess.Popen", "high"},
	{"require('child_process')", "high"},
	{"require(\"child_process\")", "high"},
	{"eval(", "medium"},
	{"exec(", "medium"},
	{"shell_exec(", "high"},
	{"passthru(", "high"},
	{"proc_open(", "high"},
	{"__import__('os')", "medium"},
}

// ValidatorConfig carries the tunables a Project Validator call needs from
// the engine's configuration.
type ValidatorConfig struct {
	BlockedFileExtensions []string
	MaxProjectSizeBytes   int64
}

// ValidateProject sequentially applies the checks from spec §4.3 and
// returns the aggregated result. Any error makes the project invalid;
// the security scan is always advisory.
func ValidateProject(dir string, cfg ValidatorConfig) (*ValidationResult, error) {
	result := &ValidationResult{Valid: true}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("project directory does not exist: %s", dir))
		return result, nil
	}

	blocked := cfg.BlockedFileExtensions
	if len(blocked) == 0 {
		blocked = defaultBlockedExtensions
	}
	maxSize := cfg.MaxProjectSizeBytes
	if maxSize <= 0 {
		maxSize = 500 * 1024 * 1024
	}

	var (
		fileCount int64
		totalSize int64
	)

	err = filepath.Walk(dir, func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if fi.IsDir() {
			if isExcludedDir(fi.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		fileCount++
		totalSize += fi.Size()

		ext := strings.ToLower(filepath.Ext(path))
		for _, b := range blocked {
			if ext == strings.ToLower(b) {
				rel, _ := filepath.Rel(dir, path)
				result.Warnings = append(result.Warnings, fmt.Sprintf("blocked file extension %s: %s", ext, rel))
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk project directory: %w", err)
	}

	if fileCount == 0 {
		result.Valid = false
		result.Errors = append(result.Errors, "project directory is empty")
	}
	if totalSize > maxSize {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("project size %d bytes exceeds limit %d bytes", totalSize, maxSize))
	}

	scan, err := scanForSecurityIssues(dir)
	if err != nil {
		return nil, fmt.Errorf("security scan: %w", err)
	}
	result.Security = scan

	if runner := SelectRunner(dir); runner != nil {
		warnings, rerr := runner.Validate(dir)
		if rerr != nil {
			result.Valid = false
			result.Errors = append(result.Errors, rerr.Error())
		}
		result.Warnings = append(result.Warnings, warnings...)
	} else {
		result.Suggestions = append(result.Suggestions, "no language runner recognized this project's structure")
	}

	return result, nil
}

// scanForSecurityIssues implements spec §4.3.1: an advisory pattern scan
// over the language source extensions, bucketed into a risk level by hit
// count.
func scanForSecurityIssues(dir string) (*SecurityScanResult, error) {
	result := &SecurityScanResult{}

	err := filepath.Walk(dir, func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if fi.IsDir() {
			if isExcludedDir(fi.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !securityScanExtensions[ext] {
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		content := string(data)
		rel, _ := filepath.Rel(dir, path)
		for _, pat := range suspiciousPatterns {
			if strings.Contains(content, pat.Substring) {
				result.Issues = append(result.Issues, SecurityIssue{
					File:     rel,
					Pattern:  pat.Substring,
					Severity: pat.Severity,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.RiskLevel = bucketRiskLevel(len(result.Issues))
	return result, nil
}

func bucketRiskLevel(issueCount int) SecuritySeverity {
	switch {
	case issueCount == 0:
		return RiskNone
	case issueCount < 3:
		return RiskLow
	case issueCount < 6:
		return RiskMedium
	case issueCount < 10:
		return RiskHigh
	default:
		return RiskCritical
	}
}
