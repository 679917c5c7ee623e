package execution

import (
	"os"
	"path/filepath"
)

// findFilesGlob walks dir recursively and returns every regular file whose
// base name matches pattern (filepath.Match syntax), skipping the
// conventional exclusion directories so manifest discovery doesn't descend
// into dependency trees.
func findFilesGlob(dir, pattern string) []string {
	var matches []string
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if isExcludedDir(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(pattern, info.Name()); ok {
			matches = append(matches, path)
		}
		return nil
	})
	return matches
}

func isExcludedDir(name string) bool {
	switch name {
	case "__pycache__", ".git", "node_modules", "bin", "obj":
		return true
	default:
		return false
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
