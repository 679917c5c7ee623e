package execution

import (
	"os"
	"path/filepath"
	"strings"
)

// AnalyzeProject walks dir and builds a ProjectStructureAnalysis: a coarse
// file inventory plus whatever the first matching runner contributes
// (spec §4.2).
func AnalyzeProject(dir string) (*ProjectStructureAnalysis, error) {
	analysis := &ProjectStructureAnalysis{Metadata: map[string]interface{}{}}

	var totalLines int
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
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
			rel = path
		}
		ext := strings.ToLower(filepath.Ext(path))
		estLines := int(info.Size() / 50)
		if estLines < 1 {
			estLines = 1
		}
		entry := FileEntry{
			RelativePath: rel,
			Extension:    ext,
			SizeBytes:    info.Size(),
			TypeLabel:    classifyFileType(path, ext),
			EstLines:     estLines,
		}
		totalLines += estLines

		switch {
		case isBinaryExtension(ext):
			analysis.BinaryFiles = append(analysis.BinaryFiles, entry)
		case isConfigExtension(ext, info.Name()):
			analysis.ConfigFiles = append(analysis.ConfigFiles, entry)
		default:
			analysis.SourceFiles = append(analysis.SourceFiles, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	runner := SelectRunner(dir)
	if runner != nil {
		if err := runner.Analyze(dir, analysis); err != nil {
			return nil, err
		}
	}

	totalFiles := len(analysis.SourceFiles) + len(analysis.ConfigFiles) + len(analysis.BinaryFiles)
	analysis.Complexity = computeComplexity(totalFiles, len(analysis.Dependencies), totalLines)

	return analysis, nil
}

// computeComplexity implements spec §4.2's scoring formula and level buckets.
func computeComplexity(files, deps, totalLines int) Complexity {
	score := minF(0.1*float64(files), 5) +
		minF(0.2*float64(deps), 3) +
		minF(float64(totalLines)/1000, 2)

	var level ComplexityLevel
	switch {
	case score < 2:
		level = ComplexitySimple
	case score < 5:
		level = ComplexityModerate
	case score < 8:
		level = ComplexityComplex
	default:
		level = ComplexityVeryComplex
	}

	return Complexity{
		TotalFiles:      files,
		DependencyCount: deps,
		EstTotalLines:   totalLines,
		Score:           score,
		Level:           level,
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func classifyFileType(path, ext string) string {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case ext == ".cs":
		return "C# source"
	case ext == ".py":
		return "Python source"
	case ext == ".ts" || ext == ".tsx":
		return "TypeScript"
	case ext == ".js" || ext == ".jsx":
		return "JavaScript"
	case ext == ".json" || ext == ".xml" || ext == ".yaml" || ext == ".yml":
		return "JSON/XML/YAML config"
	case ext == ".sln":
		return "C#/VS solution"
	case name == "pom.xml":
		return "Maven POM"
	case strings.HasPrefix(name, "build.gradle"):
		return "Gradle build"
	case ext == ".md":
		return "markdown"
	case ext == ".html" || ext == ".htm":
		return "HTML"
	case ext == ".css":
		return "CSS"
	case name == "dockerfile" || strings.HasPrefix(name, "dockerfile."):
		return "Docker file"
	case ext == ".txt" || ext == "":
		return "text"
	default:
		return "Other"
	}
}

func isBinaryExtension(ext string) bool {
	switch ext {
	case ".exe", ".dll", ".so", ".dylib", ".bin", ".pyc":
		return true
	default:
		return false
	}
}

func isConfigExtension(ext, name string) bool {
	lowerName := strings.ToLower(name)
	switch ext {
	case ".json", ".xml", ".yaml", ".yml", ".csproj", ".sln":
		return true
	}
	switch lowerName {
	case "requirements.txt", "package.json", "pom.xml", "dockerfile":
		return true
	default:
		return false
	}
}
