package hotswap

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InstanceState is the lifecycle state of a loaded module instance.
type InstanceState string

const (
	// InstanceLoading means the sandbox is being instantiated; the
	// instance is not yet visible to lookups.
	InstanceLoading InstanceState = "Loading"

	// InstanceReady means the instance is serving traffic. The registry
	// enforces at most one Ready instance per module name.
	InstanceReady InstanceState = "Ready"

	// InstanceDraining means new invocations are queued while in-flight
	// ones finish ahead of a swap.
	InstanceDraining InstanceState = "Draining"

	// InstanceRetired means the instance has been replaced or unloaded
	// and its sandbox terminated.
	InstanceRetired InstanceState = "Retired"

	// InstanceFaulted means a quota or capability breach excluded the
	// instance from new traffic.
	InstanceFaulted InstanceState = "Faulted"
)

// ModuleInstance is a loaded, running ModuleDescriptor. It owns a
// sandbox handle, a lifecycle state and a reference to its current
// state snapshot. Snapshot ownership is exclusive and transfers
// atomically during a swap.
type ModuleInstance struct {
	ID         string
	Descriptor *ModuleDescriptor
	LoadedAt   time.Time

	sandbox CapabilitySandbox
	handle  SandboxHandle

	mu       sync.Mutex
	state    InstanceState
	snapshot *StateSnapshot
	inflight int
	idle     *sync.Cond

	// call latency stats feeding the gatekeeper's performance check
	callCount int64
	callTotal time.Duration
}

func newModuleInstance(desc *ModuleDescriptor, sandbox CapabilitySandbox, handle SandboxHandle) *ModuleInstance {
	inst := &ModuleInstance{
		ID:         uuid.NewString(),
		Descriptor: desc,
		LoadedAt:   time.Now(),
		sandbox:    sandbox,
		handle:     handle,
		state:      InstanceLoading,
	}
	inst.idle = sync.NewCond(&inst.mu)
	return inst
}

// State returns the current lifecycle state.
func (i *ModuleInstance) State() InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *ModuleInstance) setState(s InstanceState) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// Name is the module name from the descriptor.
func (i *ModuleInstance) Name() string { return i.Descriptor.Name }

// Version is the module version from the descriptor.
func (i *ModuleInstance) Version() string { return i.Descriptor.Version }

// beginCall admits a new invocation, refusing instances that are not
// serving. The caller must pair it with endCall.
func (i *ModuleInstance) beginCall() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch i.state {
	case InstanceReady, InstanceDraining:
		// Draining admits nothing new at the router; in-flight calls
		// that already passed the gate still complete here.
	case InstanceFaulted:
		return ErrInstanceFaulted
	default:
		return ErrInstanceNotReady
	}
	i.inflight++
	return nil
}

func (i *ModuleInstance) endCall(took time.Duration) {
	i.mu.Lock()
	i.inflight--
	i.callCount++
	i.callTotal += took
	if i.inflight == 0 {
		i.idle.Broadcast()
	}
	i.mu.Unlock()
}

// Inflight returns the number of invocations currently executing.
func (i *ModuleInstance) Inflight() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.inflight
}

// meanLatency is the observed mean call latency, zero when the
// instance has served no calls yet.
func (i *ModuleInstance) meanLatency() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.callCount == 0 {
		return 0
	}
	return i.callTotal / time.Duration(i.callCount)
}

// awaitIdle blocks until no invocations are in flight or the context
// expires. Used by the coordinator's Draining phase; expiry aborts the
// transaction rather than cancelling user work.
func (i *ModuleInstance) awaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		i.mu.Lock()
		for i.inflight > 0 {
			i.idle.Wait()
		}
		i.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Wake the waiter goroutine so it exits once calls settle.
		i.mu.Lock()
		i.idle.Broadcast()
		i.mu.Unlock()
		return ErrDrainDeadline
	}
}

// attachSnapshot transfers snapshot ownership to this instance. The
// previous owner, if any, must have released it first.
func (i *ModuleInstance) attachSnapshot(s *StateSnapshot) {
	i.mu.Lock()
	i.snapshot = s
	i.mu.Unlock()
}

// releaseSnapshot detaches and returns the owned snapshot.
func (i *ModuleInstance) releaseSnapshot() *StateSnapshot {
	i.mu.Lock()
	s := i.snapshot
	i.snapshot = nil
	i.mu.Unlock()
	return s
}

// Snapshot returns the currently owned snapshot reference, which may be
// nil for a module that has never been snapshotted.
func (i *ModuleInstance) Snapshot() *StateSnapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.snapshot
}

// InstanceStatus is a read-only view of an instance for the operator
// interface.
type InstanceStatus struct {
	Module     string        `json:"module"`
	Version    string        `json:"version"`
	InstanceID string        `json:"instanceId"`
	State      InstanceState `json:"state"`
	LoadedAt   time.Time     `json:"loadedAt"`
	Inflight   int           `json:"inflight"`
	Calls      int64         `json:"calls"`
}

// Status snapshots the instance for display.
func (i *ModuleInstance) Status() InstanceStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return InstanceStatus{
		Module:     i.Descriptor.Name,
		Version:    i.Descriptor.Version,
		InstanceID: i.ID,
		State:      i.state,
		LoadedAt:   i.LoadedAt,
		Inflight:   i.inflight,
		Calls:      i.callCount,
	}
}
