package hotswap

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ModuleRegistry is the authoritative table of loaded instances, their
// versions and dependency edges. It enforces the core invariant that at
// most one Ready instance exists per module name, provides per-name
// mutual exclusion for reload transactions, and performs the single
// atomic update that makes a swap externally visible.
//
// The registry is handed to components explicitly; there is no
// process-wide singleton.
type ModuleRegistry struct {
	logger Logger
	audit  AuditLog

	mu      sync.RWMutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	instance *ModuleInstance
	gate     *invocationGate
	reloadMu chan struct{} // capacity 1; held by the active transaction
}

// NewModuleRegistry creates an empty registry. Registrations and
// retirements are mirrored to the given audit log.
func NewModuleRegistry(logger Logger, audit AuditLog) *ModuleRegistry {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &ModuleRegistry{
		logger:  logger,
		audit:   audit,
		entries: make(map[string]*registryEntry),
	}
}

// Register records a first-ever load for a module name. It fails with
// ErrRegistryConflict when a live instance already exists: replacing a
// running instance is only legal through a reload transaction.
func (r *ModuleRegistry) Register(ctx context.Context, inst *ModuleInstance) error {
	if inst == nil || inst.Descriptor == nil {
		return ErrDescriptorNil
	}
	name := inst.Name()

	r.mu.Lock()
	if existing, ok := r.entries[name]; ok {
		state := existing.instance.State()
		if state != InstanceRetired && state != InstanceFaulted {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrRegistryConflict, name)
		}
	}
	entry := &registryEntry{
		instance: inst,
		gate:     newInvocationGate(),
		reloadMu: make(chan struct{}, 1),
	}
	r.entries[name] = entry
	r.mu.Unlock()

	inst.setState(InstanceReady)
	r.mirror(ctx, AuditEntry{
		Kind:   AuditInstanceRegistered,
		Module: name,
		Detail: map[string]any{"version": inst.Version(), "instanceId": inst.ID},
	})
	r.logger.Info("module registered", "module", name, "version", inst.Version(), "instance", inst.ID)
	return nil
}

// Lookup returns the current instance for a name. The handle is valid
// until the next successful reload of that name; callers must not cache
// it across reloads.
func (r *ModuleRegistry) Lookup(name string) (*ModuleInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return entry.instance, true
}

// Resolve waits out any in-progress drain gate for the name, then
// returns the serving instance. Lookups themselves never block; only
// routed invocations pass through here.
func (r *ModuleRegistry) Resolve(ctx context.Context, name string) (*ModuleInstance, error) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	if err := entry.gate.wait(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok = r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return entry.instance, nil
}

// Retire marks the named module retired and removes it from lookups.
func (r *ModuleRegistry) Retire(ctx context.Context, name string) error {
	r.mu.Lock()
	entry, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	inst := entry.instance
	delete(r.entries, name)
	r.mu.Unlock()

	inst.setState(InstanceRetired)
	r.mirror(ctx, AuditEntry{
		Kind:   AuditInstanceRetired,
		Module: name,
		Detail: map[string]any{"version": inst.Version(), "instanceId": inst.ID},
	})
	r.logger.Info("module retired", "module", name, "version", inst.Version())
	return nil
}

// swap atomically re-points the name at a new instance and returns the
// previous one. This is the single point where a reload becomes
// externally visible: the map update happens under one exclusive lock,
// so concurrent lookups observe either the old or the new instance and
// never an intermediate value.
func (r *ModuleRegistry) swap(ctx context.Context, name string, next *ModuleInstance) (*ModuleInstance, error) {
	r.mu.Lock()
	entry, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	prev := entry.instance
	entry.instance = next
	r.mu.Unlock()

	next.setState(InstanceReady)
	r.mirror(ctx, AuditEntry{
		Kind:   AuditInstanceRegistered,
		Module: name,
		Detail: map[string]any{"version": next.Version(), "instanceId": next.ID, "replaced": prev.ID},
	})
	return prev, nil
}

// beginReload acquires the per-name transaction lock without blocking.
// Exactly one reload transaction may be in progress per module name;
// transactions against different names proceed independently.
func (r *ModuleRegistry) beginReload(name string) (release func(), err error) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	select {
	case entry.reloadMu <- struct{}{}:
		return func() { <-entry.reloadMu }, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrReloadInProgress, name)
	}
}

// closeGate stops routing new invocations for the name; callers queue
// on the gate until it reopens.
func (r *ModuleRegistry) closeGate(name string) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if ok {
		entry.gate.close()
	}
}

// openGate resumes routing for the name.
func (r *ModuleRegistry) openGate(name string) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if ok {
		entry.gate.open()
	}
}

// Names returns the registered module names, sorted. Sorted order
// doubles as the deterministic lock order for callers coordinating
// across multiple names.
func (r *ModuleRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Statuses returns operator-facing status for every registered module.
func (r *ModuleRegistry) Statuses() []InstanceStatus {
	r.mu.RLock()
	instances := make([]*ModuleInstance, 0, len(r.entries))
	for _, e := range r.entries {
		instances = append(instances, e.instance)
	}
	r.mu.RUnlock()

	out := make([]InstanceStatus, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out
}

func (r *ModuleRegistry) mirror(ctx context.Context, entry AuditEntry) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Append(ctx, entry); err != nil {
		r.logger.Error("failed to mirror registry event to audit log", "module", entry.Module, "error", err)
	}
}

// invocationGate is a reusable barrier. Open means the current channel
// is closed and waiters pass immediately; closed means waiters block
// until the channel is closed by open().
type invocationGate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newInvocationGate() *invocationGate {
	g := &invocationGate{ch: make(chan struct{})}
	close(g.ch)
	return g
}

func (g *invocationGate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		// Was open; install a fresh blocking channel.
		g.ch = make(chan struct{})
	default:
		// Already closed.
	}
}

func (g *invocationGate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		// Already open.
	default:
		close(g.ch)
	}
}

func (g *invocationGate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
