package execution

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateProjectEmptyDirectory(t *testing.T) {
	dir := t.TempDir()

	result, err := ValidateProject(dir, ValidatorConfig{})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors[0], "empty")
}

func TestValidateProjectBlockedExtensionIsWarningOnly(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "setup.sh", "#!/bin/sh\necho hi\n")
	writeTestFile(t, dir, "main.py", "print('hi')\n")

	result, err := ValidateProject(dir, ValidatorConfig{})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "setup.sh")
}

func TestValidateProjectSizeLimitIsError(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "main.py", "print('hi')\n")

	result, err := ValidateProject(dir, ValidatorConfig{MaxProjectSizeBytes: 1})
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestSecurityScanFlagsSuspiciousCalls(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "danger.py", "import subprocess\nsubprocess.call(['ls'])\n")

	scan, err := scanForSecurityIssues(dir)
	require.NoError(t, err)
	require.Len(t, scan.Issues, 1)
	assert.Equal(t, filepath.Clean("danger.py"), scan.Issues[0].File)
	assert.Equal(t, RiskLow, scan.RiskLevel)
}

func TestBucketRiskLevel(t *testing.T) {
	assert.Equal(t, RiskNone, bucketRiskLevel(0))
	assert.Equal(t, RiskLow, bucketRiskLevel(1))
	assert.Equal(t, RiskMedium, bucketRiskLevel(3))
	assert.Equal(t, RiskHigh, bucketRiskLevel(6))
	assert.Equal(t, RiskCritical, bucketRiskLevel(10))
}
