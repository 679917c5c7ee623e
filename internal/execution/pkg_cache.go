package execution

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// PackageCacheMount describes where a language's dependency cache volume
// is mounted inside the sandbox, and the environment variables that point
// the toolchain at it.
type PackageCacheMount struct {
	ContainerPath  string
	EnvironmentMap map[string]string
}

// defaultCacheLocations mirrors spec §4.4 step 2's examples: each
// language's conventional cache directory under the sandbox's executor
// home.
var defaultCacheLocations = map[string]PackageCacheMount{
	"csharp": {
		ContainerPath:  "/home/executor/.nuget",
		EnvironmentMap: map[string]string{"NUGET_PACKAGES": "/home/executor/.nuget"},
	},
	"python": {
		ContainerPath:  "/home/executor/.cache/pip",
		EnvironmentMap: map[string]string{"PIP_CACHE_DIR": "/home/executor/.cache/pip"},
	},
	"javascript": {
		ContainerPath:  "/home/executor/node_modules",
		EnvironmentMap: map[string]string{"NPM_CONFIG_CACHE": "/home/executor/node_modules"},
	},
}

// PackageCacheMounter is the owning abstraction for a session's package
// cache volume: one per execution, created before Build and destroyed in
// the engine's finally block (spec §3 "Ownership / lifecycle").
type PackageCacheMounter interface {
	CreateVolume(ctx context.Context, executionID string) (volumeName string, err error)
	RemoveVolume(ctx context.Context, volumeName string) error
	MountFor(language string) (PackageCacheMount, bool)
	// OwnershipFixArgv returns the command that must run once, as root,
	// against the freshly mounted volume before any unprivileged restore
	// step touches it (spec §9 "Package-cache volume ownership").
	OwnershipFixArgv(mountPath string) []string
}

// dockerPackageCacheMounter backs each session's cache with a named Docker
// volume, grounded on ContainerRuntime.CreateVolume/RemoveVolume (spec §6
// "Container runtime").
type dockerPackageCacheMounter struct {
	runtime ContainerRuntime
}

// NewDockerPackageCacheMounter builds a PackageCacheMounter that creates
// one Docker volume per execution via the given runtime.
func NewDockerPackageCacheMounter(runtime ContainerRuntime) PackageCacheMounter {
	return &dockerPackageCacheMounter{runtime: runtime}
}

func (m *dockerPackageCacheMounter) CreateVolume(ctx context.Context, executionID string) (string, error) {
	name := fmt.Sprintf("exec-pkgcache-%s-%s", sanitizeCacheName(executionID), uuid.NewString()[:8])
	if err := m.runtime.CreateVolume(ctx, name); err != nil {
		return "", fmt.Errorf("create package-cache volume: %w", err)
	}
	return name, nil
}

func (m *dockerPackageCacheMounter) RemoveVolume(ctx context.Context, volumeName string) error {
	if volumeName == "" {
		return nil
	}
	if err := m.runtime.RemoveVolume(ctx, volumeName); err != nil {
		return fmt.Errorf("remove package-cache volume %s: %w", volumeName, err)
	}
	return nil
}

func (m *dockerPackageCacheMounter) MountFor(language string) (PackageCacheMount, bool) {
	lang := strings.ToLower(strings.TrimSpace(language))
	mount, ok := defaultCacheLocations[lang]
	return mount, ok
}

// OwnershipFixArgv matches the teacher's root-then-unprivileged split in
// container_sandbox.go: the first build sub-step runs as root and hands
// the mount to the non-root "sandbox" user before anything else touches it.
func (m *dockerPackageCacheMounter) OwnershipFixArgv(mountPath string) []string {
	return []string{"chown", "-R", "sandbox:sandbox", mountPath}
}

// noopPackageCacheMounter is used when sandboxing is disabled: there is no
// volume to create, and MountFor reports no mount point for any language.
type noopPackageCacheMounter struct{}

func (noopPackageCacheMounter) CreateVolume(context.Context, string) (string, error) { return "", nil }
func (noopPackageCacheMounter) RemoveVolume(context.Context, string) error            { return nil }
func (noopPackageCacheMounter) MountFor(string) (PackageCacheMount, bool)             { return PackageCacheMount{}, false }
func (noopPackageCacheMounter) OwnershipFixArgv(string) []string                      { return nil }

func sanitizeCacheName(in string) string {
	in = strings.ToLower(strings.TrimSpace(in))
	if in == "" {
		return "default"
	}
	var b strings.Builder
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
