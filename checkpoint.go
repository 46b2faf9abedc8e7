package hotswap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CheckpointID identifies a checkpoint within a module's chain.
type CheckpointID string

// Checkpoint is an immutable, timestamped (descriptor, snapshot) pair
// plus a link to the previous checkpoint, forming a chain. Checkpoints
// are garbage-collected by retention policy, never mutated.
type Checkpoint struct {
	ID         CheckpointID      `json:"id"`
	Module     string            `json:"module"`
	Parent     CheckpointID      `json:"parent,omitempty"`
	RecordedAt time.Time         `json:"recordedAt"`
	Descriptor *ModuleDescriptor `json:"descriptor"`
	Snapshot   *StateSnapshot    `json:"snapshot"`
}

// CheckpointStore persists recoverable snapshots and exposes the chain
// a rollback can target. Every Committed transaction records exactly
// one checkpoint; the per-module "current" pointer is what the registry
// reloads from on process restart.
type CheckpointStore interface {
	// Record appends a checkpoint to the module's chain and moves the
	// current pointer to it.
	Record(ctx context.Context, desc *ModuleDescriptor, snap *StateSnapshot) (*Checkpoint, error)

	// Get returns one checkpoint by id.
	Get(ctx context.Context, module string, id CheckpointID) (*Checkpoint, error)

	// Latest returns the checkpoint the current pointer designates, or
	// ErrCheckpointNotFound when the module has no chain.
	Latest(ctx context.Context, module string) (*Checkpoint, error)

	// Chain returns up to limit checkpoints ending at the current
	// pointer, oldest first. limit <= 0 returns the whole chain.
	Chain(ctx context.Context, module string, limit int) ([]*Checkpoint, error)

	// Prune drops all but the newest retainLastN checkpoints of the
	// module's chain and returns how many were removed. The checkpoint
	// the current pointer designates is always retained.
	Prune(ctx context.Context, module string, retainLastN int) (int, error)

	// Modules lists module names with at least one checkpoint.
	Modules(ctx context.Context) ([]string, error)

	// Close releases underlying resources.
	Close() error
}

// MemoryCheckpointStore keeps checkpoint chains in memory. Used in
// tests and when no data directory is configured.
type MemoryCheckpointStore struct {
	mu     sync.Mutex
	chains map[string][]*Checkpoint
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{chains: make(map[string][]*Checkpoint)}
}

// Record implements CheckpointStore.
func (s *MemoryCheckpointStore) Record(ctx context.Context, desc *ModuleDescriptor, snap *StateSnapshot) (*Checkpoint, error) {
	if desc == nil {
		return nil, ErrDescriptorNil
	}
	// A nil snapshot records a descriptor-only checkpoint; recovery and
	// revert treat it as a fresh start for that version.
	if snap != nil {
		if err := snap.Verify(); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[desc.Name]
	var parent CheckpointID
	if len(chain) > 0 {
		parent = chain[len(chain)-1].ID
	}
	cp := &Checkpoint{
		ID:         CheckpointID(uuid.NewString()),
		Module:     desc.Name,
		Parent:     parent,
		RecordedAt: time.Now(),
		Descriptor: desc,
		Snapshot:   snap,
	}
	s.chains[desc.Name] = append(chain, cp)
	return cp, nil
}

// Get implements CheckpointStore.
func (s *MemoryCheckpointStore) Get(ctx context.Context, module string, id CheckpointID) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cp := range s.chains[module] {
		if cp.ID == id {
			return cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrCheckpointNotFound, module, id)
}

// Latest implements CheckpointStore.
func (s *MemoryCheckpointStore) Latest(ctx context.Context, module string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[module]
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, module)
	}
	return chain[len(chain)-1], nil
}

// Chain implements CheckpointStore.
func (s *MemoryCheckpointStore) Chain(ctx context.Context, module string, limit int) ([]*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[module]
	if limit > 0 && limit < len(chain) {
		chain = chain[len(chain)-limit:]
	}
	out := make([]*Checkpoint, len(chain))
	copy(out, chain)
	return out, nil
}

// Prune implements CheckpointStore.
func (s *MemoryCheckpointStore) Prune(ctx context.Context, module string, retainLastN int) (int, error) {
	if retainLastN < 1 {
		retainLastN = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[module]
	if len(chain) <= retainLastN {
		return 0, nil
	}
	dropped := len(chain) - retainLastN
	s.chains[module] = append([]*Checkpoint(nil), chain[dropped:]...)
	return dropped, nil
}

// Modules implements CheckpointStore.
func (s *MemoryCheckpointStore) Modules(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.chains))
	for name := range s.chains {
		names = append(names, name)
	}
	return names, nil
}

// Close implements CheckpointStore.
func (s *MemoryCheckpointStore) Close() error { return nil }
