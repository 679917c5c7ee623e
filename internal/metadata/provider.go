// Package metadata defines the read-only program/version/UI-component
// lookups the execution engine consumes (spec §6 "Metadata lookups").
package metadata

import (
	"context"
	"fmt"
	"sync"
)

// ProgramStatus and VersionStatus are the lifecycle states the engine
// checks before resolving a runnable version.
type ProgramStatus string

const (
	ProgramActive   ProgramStatus = "active"
	ProgramArchived ProgramStatus = "archived"
	ProgramDeleted  ProgramStatus = "deleted"
)

type VersionStatus string

const (
	VersionPending  VersionStatus = "pending"
	VersionApproved VersionStatus = "approved"
	VersionRejected VersionStatus = "rejected"
	VersionArchived VersionStatus = "archived"
)

// Program is the subset of program metadata the engine needs.
type Program struct {
	ID             string
	CurrentVersion string
	Status         ProgramStatus
}

// Version is the subset of version metadata the engine needs.
type Version struct {
	ID            string
	ProgramID     string
	VersionNumber int
	Status        VersionStatus
}

// UIComponentMetadata is the generated-source input for language runners
// that emit a helper module referencing it (spec §4.4 C#/Python specifics).
type UIComponentMetadata struct {
	ProgramID string
	Source    string // language-appropriate generated source text
}

// Provider is the external, consumed metadata-lookup interface (spec §6).
type Provider interface {
	ProgramGet(ctx context.Context, id string) (*Program, error)
	VersionGet(ctx context.Context, id string) (*Version, error)
	VersionGetLatest(ctx context.Context, programID string) (*Version, error)
	UIComponentGetLatestActive(ctx context.Context, programID string) (*UIComponentMetadata, error)
}

// InMemoryProvider is a fake Provider backed by maps, for tests and local
// development without a metadata database in scope (spec §6 treats this
// as an opaque external interface).
type InMemoryProvider struct {
	mu         sync.RWMutex
	programs   map[string]*Program
	versions   map[string]*Version
	components map[string]*UIComponentMetadata
}

func NewInMemoryProvider() *InMemoryProvider {
	return &InMemoryProvider{
		programs:   map[string]*Program{},
		versions:   map[string]*Version{},
		components: map[string]*UIComponentMetadata{},
	}
}

func (p *InMemoryProvider) PutProgram(pr *Program) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.programs[pr.ID] = pr
}

func (p *InMemoryProvider) PutVersion(v *Version) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.versions[v.ID] = v
}

func (p *InMemoryProvider) PutUIComponent(c *UIComponentMetadata) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.components[c.ProgramID] = c
}

func (p *InMemoryProvider) ProgramGet(_ context.Context, id string) (*Program, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pr, ok := p.programs[id]
	if !ok {
		return nil, fmt.Errorf("program %s not found", id)
	}
	return pr, nil
}

func (p *InMemoryProvider) VersionGet(_ context.Context, id string) (*Version, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.versions[id]
	if !ok {
		return nil, fmt.Errorf("version %s not found", id)
	}
	return v, nil
}

func (p *InMemoryProvider) VersionGetLatest(_ context.Context, programID string) (*Version, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var latest *Version
	for _, v := range p.versions {
		if v.ProgramID != programID {
			continue
		}
		if latest == nil || v.VersionNumber > latest.VersionNumber {
			latest = v
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("no versions found for program %s", programID)
	}
	return latest, nil
}

func (p *InMemoryProvider) UIComponentGetLatestActive(_ context.Context, programID string) (*UIComponentMetadata, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.components[programID]
	if !ok {
		return &UIComponentMetadata{ProgramID: programID, Source: ""}, nil
	}
	return c, nil
}
