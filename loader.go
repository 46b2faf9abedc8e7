package hotswap

import (
	"context"
	"fmt"
)

// ModuleLoader turns a module artifact into an executable instance
// inside the sandbox host matching its artifact kind. The loader checks
// dependency presence and version ranges against the registry before
// any code is instantiated.
type ModuleLoader struct {
	logger   Logger
	registry *ModuleRegistry
	hosts    map[ArtifactKind]CapabilitySandbox
}

// NewModuleLoader creates a loader over the given sandbox hosts.
func NewModuleLoader(registry *ModuleRegistry, hosts map[ArtifactKind]CapabilitySandbox, logger Logger) *ModuleLoader {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &ModuleLoader{logger: logger, registry: registry, hosts: hosts}
}

// Instantiate validates the descriptor, resolves its dependencies and
// loads the artifact into a fresh sandbox. The returned instance is in
// the Loading state and not yet visible to lookups.
func (l *ModuleLoader) Instantiate(ctx context.Context, desc *ModuleDescriptor) (*ModuleInstance, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	digest, err := desc.ContentDigest()
	if err != nil {
		return nil, err
	}
	if err := l.checkDependencies(desc); err != nil {
		return nil, err
	}

	host, ok := l.hosts[desc.Artifact.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrArtifactKindUnknown, desc.Artifact.Kind)
	}
	handle, err := host.Instantiate(ctx, desc)
	if err != nil {
		return nil, err
	}

	inst := newModuleInstance(desc, host, handle)
	l.logger.Debug("module instantiated", "module", desc.Name, "version", desc.Version,
		"kind", desc.Artifact.Kind, "digest", digest[:12])
	return inst, nil
}

// checkDependencies verifies every declared dependency is loaded and
// within its version range. Dependency edges are checked against the
// registry's live instances, not against descriptors on disk.
func (l *ModuleLoader) checkDependencies(desc *ModuleDescriptor) error {
	for _, dep := range desc.Dependencies {
		inst, ok := l.registry.Lookup(dep.Name)
		if !ok {
			return fmt.Errorf("%w: %s requires %s", ErrDependencyMissing, desc.Name, dep.Name)
		}
		if dep.Range == "" {
			continue
		}
		r, err := ParseVersionRange(dep.Range)
		if err != nil {
			return err
		}
		if !r.Matches(inst.Version()) {
			return fmt.Errorf("%w: %s requires %s %s, loaded %s",
				ErrDependencyVersion, desc.Name, dep.Name, dep.Range, inst.Version())
		}
	}
	return nil
}
