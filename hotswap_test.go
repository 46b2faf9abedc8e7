package hotswap

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fakeHost is an in-memory CapabilitySandbox used to exercise the
// registry, coordinator and runtime without a real interpreter.
type fakeHost struct {
	mu             sync.Mutex
	handles        map[string]*fakeHandle
	instantiateErr error
	invokeErr      error
	invokeDelay    time.Duration
	invokeFn       func(op string, payload []byte) ([]byte, error)
	snapshotErr    error
	restoreErr     error
	terminated     []string
}

type fakeHandle struct {
	id    string
	state []byte
}

func (h *fakeHandle) ID() string         { return h.id }
func (h *fakeHandle) Kind() ArtifactKind { return ArtifactPortable }

func newFakeHost() *fakeHost {
	return &fakeHost{handles: make(map[string]*fakeHandle)}
}

func (f *fakeHost) Instantiate(ctx context.Context, desc *ModuleDescriptor) (SandboxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.instantiateErr != nil {
		return nil, f.instantiateErr
	}
	h := &fakeHandle{id: uuid.NewString(), state: []byte(`{}`)}
	f.handles[h.id] = h
	return h, nil
}

func (f *fakeHost) Invoke(ctx context.Context, handle SandboxHandle, operation string, payload []byte) ([]byte, error) {
	f.mu.Lock()
	delay, fnErr, fn := f.invokeDelay, f.invokeErr, f.invokeFn
	_, live := f.handles[handle.ID()]
	f.mu.Unlock()
	if !live {
		return nil, ErrSandboxTerminated
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fn != nil {
		return fn(operation, payload)
	}
	if fnErr != nil {
		return nil, fnErr
	}
	return []byte(`"ok"`), nil
}

func (f *fakeHost) Snapshot(ctx context.Context, handle SandboxHandle) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	h, ok := f.handles[handle.ID()]
	if !ok {
		return nil, ErrSandboxTerminated
	}
	out := make([]byte, len(h.state))
	copy(out, h.state)
	return out, nil
}

func (f *fakeHost) Restore(ctx context.Context, handle SandboxHandle, state []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreErr != nil {
		return f.restoreErr
	}
	h, ok := f.handles[handle.ID()]
	if !ok {
		return ErrSandboxTerminated
	}
	h.state = make([]byte, len(state))
	copy(h.state, state)
	return nil
}

func (f *fakeHost) Terminate(handle SandboxHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handles[handle.ID()]; ok {
		delete(f.handles, handle.ID())
		f.terminated = append(f.terminated, handle.ID())
	}
	return nil
}

// setState seeds the fake sandbox state behind a handle.
func (f *fakeHost) setState(handle SandboxHandle, state []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.handles[handle.ID()]; ok {
		h.state = state
	}
}

func (f *fakeHost) terminatedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.terminated)
}

// testDescriptor builds a minimal valid portable descriptor.
func testDescriptor(name, version string) *ModuleDescriptor {
	return &ModuleDescriptor{
		Name:          name,
		Version:       version,
		SchemaVersion: 1,
		Artifact: Artifact{
			Kind:   ArtifactPortable,
			Source: fmt.Sprintf("// %s %s\nfunc Handle(op, payload string) (string, error) { return payload, nil }", name, version),
		},
		Exports: []string{"handle"},
	}
}

// testLogger records log lines for assertions.
type testLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *testLogger) log(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+": "+msg)
}

func (l *testLogger) Info(msg string, args ...any)  { l.log("INFO", msg) }
func (l *testLogger) Error(msg string, args ...any) { l.log("ERROR", msg) }
func (l *testLogger) Warn(msg string, args ...any)  { l.log("WARN", msg) }
func (l *testLogger) Debug(msg string, args ...any) { l.log("DEBUG", msg) }

// coordFixture assembles the full reload machinery over fake sandboxes.
type coordFixture struct {
	host        *fakeHost
	registry    *ModuleRegistry
	loader      *ModuleLoader
	state       *StateManager
	gatekeeper  *SafetyGatekeeper
	checkpoints *MemoryCheckpointStore
	audit       *MemoryAuditLog
	subject     *eventBus
	coordinator *HotReloadCoordinator
}

func newCoordFixture(t *testing.T, cfg CoordinatorConfig) *coordFixture {
	t.Helper()
	logger := &testLogger{}
	f := &coordFixture{
		host:        newFakeHost(),
		audit:       NewMemoryAuditLog(),
		checkpoints: NewMemoryCheckpointStore(),
		state:       NewStateManager(logger),
		subject:     newEventBus(logger),
	}
	f.registry = NewModuleRegistry(logger, f.audit)
	f.loader = NewModuleLoader(f.registry, map[ArtifactKind]CapabilitySandbox{ArtifactPortable: f.host}, logger)

	defaults := DefaultConfig()
	gk, err := NewSafetyGatekeeper(GatekeeperConfig{
		CapabilityCeilings: defaults.CapabilityCeilings,
		DeniedPatterns:     defaults.DeniedPatterns,
		PerfRegressionPct:  defaults.PerfRegressionPct,
		BenchmarkSamples:   4,
	}, f.checkpoints, f.audit, logger)
	if err != nil {
		t.Fatalf("building gatekeeper: %v", err)
	}
	f.gatekeeper = gk
	f.coordinator = NewHotReloadCoordinator(cfg, f.registry, f.loader, f.state, gk, f.checkpoints, f.audit, f.subject, logger)
	return f
}

// loadModule performs the first load the way the runtime does: register
// plus an initial checkpoint so reloads pass the reversibility gate.
func (f *coordFixture) loadModule(t *testing.T, desc *ModuleDescriptor) *ModuleInstance {
	t.Helper()
	ctx := context.Background()
	inst, err := f.loader.Instantiate(ctx, desc)
	if err != nil {
		t.Fatalf("instantiating %s: %v", desc.Ref(), err)
	}
	if err := f.registry.Register(ctx, inst); err != nil {
		t.Fatalf("registering %s: %v", desc.Ref(), err)
	}
	snap, err := f.state.Snapshot(ctx, inst)
	if err != nil {
		t.Fatalf("snapshotting %s: %v", desc.Ref(), err)
	}
	inst.attachSnapshot(snap)
	if _, err := f.checkpoints.Record(ctx, desc, snap); err != nil {
		t.Fatalf("recording checkpoint for %s: %v", desc.Ref(), err)
	}
	return inst
}

// auditKinds extracts the ordered kinds from the audit log for
// sequence assertions.
func auditKinds(t *testing.T, log AuditLog, n int) []AuditKind {
	t.Helper()
	entries, err := log.Tail(context.Background(), n)
	if err != nil {
		t.Fatalf("tailing audit log: %v", err)
	}
	kinds := make([]AuditKind, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}
