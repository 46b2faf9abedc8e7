package hotswap

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditKind classifies an audit entry.
type AuditKind string

const (
	AuditInstanceRegistered AuditKind = "instance.registered"
	AuditInstanceRetired    AuditKind = "instance.retired"
	AuditInstanceLoaded     AuditKind = "instance.loaded"
	AuditInstanceFaulted    AuditKind = "instance.faulted"
	AuditReloadStarted      AuditKind = "reload.started"
	AuditReloadPhase        AuditKind = "reload.phase"
	AuditReloadCommitted    AuditKind = "reload.committed"
	AuditReloadRolledBack   AuditKind = "reload.rolled_back"
	AuditSafetyVerdict      AuditKind = "safety.verdict"
	AuditViolation          AuditKind = "violation"
	AuditCheckpointRecorded AuditKind = "checkpoint.recorded"
	AuditCheckpointPruned   AuditKind = "checkpoint.pruned"
	AuditCheckpointRevert   AuditKind = "checkpoint.revert"
)

// AuditEntry is one immutable record in the append-only audit log.
type AuditEntry struct {
	ID          string         `json:"id"`
	Sequence    uint64         `json:"sequence"`
	Time        time.Time      `json:"time"`
	Kind        AuditKind      `json:"kind"`
	Module      string         `json:"module,omitempty"`
	Transaction uint64         `json:"transaction,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// AuditLog is the append-only record of every load, reload, verdict,
// violation and rollback. Entries are never mutated or reordered;
// implementations assign the sequence number.
type AuditLog interface {
	// Append records an entry. The entry's ID, Sequence and Time fields
	// are assigned by the log when zero.
	Append(ctx context.Context, entry AuditEntry) error

	// Tail returns the most recent n entries, oldest first.
	Tail(ctx context.Context, n int) ([]AuditEntry, error)
}

// MemoryAuditLog keeps the audit trail in memory. Used in tests and as
// the fallback when no data directory is configured.
type MemoryAuditLog struct {
	mu      sync.Mutex
	seq     uint64
	entries []AuditEntry
}

// NewMemoryAuditLog creates an empty in-memory audit log.
func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

// Append implements AuditLog.
func (l *MemoryAuditLog) Append(ctx context.Context, entry AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	entry.Sequence = l.seq
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	l.entries = append(l.entries, entry)
	return nil
}

// Tail implements AuditLog.
func (l *MemoryAuditLog) Tail(ctx context.Context, n int) ([]AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]AuditEntry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out, nil
}
