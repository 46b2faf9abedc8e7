package hotswap

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ResourceQuota bounds what a sandboxed instance may consume. A zero
// bound means unlimited. Breach of any bound aborts the offending call,
// marks the instance Faulted and raises a ViolationRecord; it never
// crashes the host process.
type ResourceQuota struct {
	// MaxMemoryBytes caps the bytes of state and payload the instance
	// may hold live at once.
	MaxMemoryBytes uint64

	// MaxCPUTime caps cumulative time spent executing module code
	// across all calls.
	MaxCPUTime time.Duration

	// MaxWallClock caps the wall-clock duration of a single call.
	MaxWallClock time.Duration

	// MaxCallDepth caps transitive module-to-module call depth.
	MaxCallDepth int
}

// quotaMeter tracks consumption against a ResourceQuota. Checks run on
// every call boundary, not only at instantiation, so an instance cannot
// warm up under quota and later exceed it undetected.
type quotaMeter struct {
	mu       sync.Mutex
	quota    ResourceQuota
	cpuSpent time.Duration
	memory   uint64
}

func newQuotaMeter(q ResourceQuota) *quotaMeter {
	return &quotaMeter{quota: q}
}

// checkDepth verifies the call depth bound before a call enters the
// sandbox.
func (m *quotaMeter) checkDepth(depth int) error {
	if m.quota.MaxCallDepth > 0 && depth > m.quota.MaxCallDepth {
		return ErrQuotaCallDepth
	}
	return nil
}

// checkMemory accounts payload bytes against the memory ceiling.
func (m *quotaMeter) checkMemory(add uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quota.MaxMemoryBytes > 0 && m.memory+add > m.quota.MaxMemoryBytes {
		return ErrQuotaMemory
	}
	m.memory += add
	return nil
}

// releaseMemory returns previously accounted bytes.
func (m *quotaMeter) releaseMemory(sub uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub > m.memory {
		m.memory = 0
		return
	}
	m.memory -= sub
}

// chargeCPU accounts time spent executing module code and reports a
// breach of the cumulative ceiling.
func (m *quotaMeter) chargeCPU(d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cpuSpent += d
	if m.quota.MaxCPUTime > 0 && m.cpuSpent > m.quota.MaxCPUTime {
		return ErrQuotaCPUTime
	}
	return nil
}

// wallDeadline returns the per-call wall-clock ceiling, zero when
// unlimited.
func (m *quotaMeter) wallDeadline() time.Duration {
	return m.quota.MaxWallClock
}

// ViolationRecord is the immutable audit entry describing a capability
// or quota breach. It references the offending instance and, when the
// breach happened inside a reload transaction, that transaction's id.
type ViolationRecord struct {
	ID            string
	Time          time.Time
	Module        string
	InstanceID    string
	TransactionID uint64
	Capability    string
	Reason        string
}

func newViolationRecord(module, instanceID, capability, reason string, txID uint64) ViolationRecord {
	return ViolationRecord{
		ID:            uuid.NewString(),
		Time:          time.Now(),
		Module:        module,
		InstanceID:    instanceID,
		TransactionID: txID,
		Capability:    capability,
		Reason:        reason,
	}
}
