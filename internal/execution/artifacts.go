package execution

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var wellKnownOutputDirs = map[string]bool{
	"dist": true, "build": true, "target": true, "out": true, "output": true,
}

// CollectArtifacts implements spec §4.7: it selects files created or
// renamed during the run, plus anything under a well-known output
// directory, and copies them into outputsDir. Cancellation must not fail
// the overall execution — a cancelled ctx simply yields fewer files.
func CollectArtifacts(ctx context.Context, projectDir, outputsDir string, initialFiles map[string]struct{}) ([]string, error) {
	var collected []string

	err := filepath.Walk(projectDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if ctx.Err() != nil {
			return filepath.SkipDir
		}
		if info.IsDir() {
			if isExcludedDir(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(projectDir, path)
		if relErr != nil {
			return nil
		}
		if isExcludedArtifact(rel) {
			return nil
		}

		_, wasInitial := initialFiles[rel]
		firstSegment := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
		if !wellKnownOutputDirs[firstSegment] && wasInitial {
			return nil
		}

		dest := filepath.Join(outputsDir, rel)
		if err := copyArtifactFile(path, dest); err != nil {
			return nil // best-effort; one bad file must not fail collection
		}
		collected = append(collected, dest)
		return nil
	})
	if err != nil {
		return collected, fmt.Errorf("walk project directory for artifacts: %w", err)
	}

	return collected, nil
}

// generatedHelperStems are written by a runner immediately before execution
// (e.g. the python runner's workflow_inputs.py/ui_component_metadata.py) and
// must never be collected as run outputs even though they postdate the
// pre-execution snapshot.
var generatedHelperStems = map[string]bool{
	"WorkflowInputs":       true,
	"workflow_inputs":      true,
	"ui_component_metadata": true,
}

func isExcludedArtifact(rel string) bool {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for _, p := range parts {
		if isExcludedDir(p) {
			return true
		}
	}
	stem := strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
	return generatedHelperStems[stem]
}

func copyArtifactFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// SnapshotFiles lists every regular file's relative path under dir,
// excluding the conventional exclusion directories (spec §3 "initialFiles").
func SnapshotFiles(dir string) (map[string]struct{}, error) {
	snapshot := map[string]struct{}{}
	err := filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if info.IsDir() {
			if isExcludedDir(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return nil
		}
		snapshot[rel] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot project directory: %w", err)
	}
	return snapshot, nil
}
