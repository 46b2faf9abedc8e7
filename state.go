package hotswap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StateSnapshot is an opaque, versioned serialization of a module's
// internal data, tagged with the schema version it was produced under.
// Snapshots serve both hot-reload continuity and checkpoint/rollback.
// Ownership is exclusive: a snapshot is referenced by at most one live
// instance, transferred atomically during a swap.
type StateSnapshot struct {
	ID            string    `json:"id"`
	Module        string    `json:"module"`
	SchemaVersion int       `json:"schemaVersion"`
	Data          []byte    `json:"data"`
	Checksum      string    `json:"checksum"`
	TakenAt       time.Time `json:"takenAt"`
}

func newStateSnapshot(module string, schemaVersion int, data []byte) *StateSnapshot {
	sum := sha256.Sum256(data)
	return &StateSnapshot{
		ID:            uuid.NewString(),
		Module:        module,
		SchemaVersion: schemaVersion,
		Data:          data,
		Checksum:      hex.EncodeToString(sum[:]),
		TakenAt:       time.Now(),
	}
}

// Verify recomputes the data checksum.
func (s *StateSnapshot) Verify() error {
	if s == nil {
		return ErrSnapshotNil
	}
	sum := sha256.Sum256(s.Data)
	if hex.EncodeToString(sum[:]) != s.Checksum {
		return ErrSnapshotChecksum
	}
	return nil
}

// StateManager serializes and migrates module state across versions.
// Migration is declarative: the target descriptor carries schema
// transforms that are chained and applied in order. If no transform
// path connects the snapshot's schema to the target's, migration fails
// closed instead of attempting a lossy best-effort conversion.
type StateManager struct {
	logger Logger
}

// NewStateManager creates a state manager.
func NewStateManager(logger Logger) *StateManager {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &StateManager{logger: logger}
}

// Snapshot captures the instance's internal state through its sandbox.
func (m *StateManager) Snapshot(ctx context.Context, inst *ModuleInstance) (*StateSnapshot, error) {
	data, err := inst.sandbox.Snapshot(ctx, inst.handle)
	if err != nil {
		return nil, fmt.Errorf("snapshotting %s: %w", inst.Descriptor.Ref(), err)
	}
	snap := newStateSnapshot(inst.Name(), inst.Descriptor.SchemaVersion, data)
	m.logger.Debug("state snapshot taken", "module", inst.Name(), "schema", snap.SchemaVersion, "bytes", len(data))
	return snap, nil
}

// Migrate transforms a snapshot to the target descriptor's schema by
// chaining the descriptor's declared transforms. Equal schema versions
// pass through with a fresh snapshot identity.
func (m *StateManager) Migrate(snap *StateSnapshot, target *ModuleDescriptor) (*StateSnapshot, error) {
	if err := snap.Verify(); err != nil {
		return nil, err
	}
	if snap.SchemaVersion == target.SchemaVersion {
		return newStateSnapshot(target.Name, target.SchemaVersion, snap.Data), nil
	}

	path, err := transformPath(target.Transforms, snap.SchemaVersion, target.SchemaVersion)
	if err != nil {
		return nil, err
	}

	var state map[string]any
	if len(snap.Data) == 0 {
		state = map[string]any{}
	} else if err := json.Unmarshal(snap.Data, &state); err != nil {
		return nil, fmt.Errorf("decoding snapshot for migration: %w", err)
	}
	if state == nil {
		state = map[string]any{}
	}

	for _, step := range path {
		for _, op := range step.Ops {
			if err := applyTransformOp(state, op); err != nil {
				return nil, fmt.Errorf("schema %d -> %d: %w", step.FromVersion, step.ToVersion, err)
			}
		}
	}

	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encoding migrated state: %w", err)
	}
	m.logger.Debug("state migrated", "module", target.Name, "from", snap.SchemaVersion, "to", target.SchemaVersion)
	return newStateSnapshot(target.Name, target.SchemaVersion, data), nil
}

// Restore loads a snapshot into a freshly instantiated sandbox. Calling
// it twice with the same snapshot yields the same observable state; the
// idempotence is delegated to the module's Restore entry, which
// receives the full state rather than a delta.
func (m *StateManager) Restore(ctx context.Context, inst *ModuleInstance, snap *StateSnapshot) error {
	if err := snap.Verify(); err != nil {
		return err
	}
	if snap.SchemaVersion != inst.Descriptor.SchemaVersion {
		return fmt.Errorf("%w: snapshot schema %d, instance schema %d",
			ErrNoMigrationPath, snap.SchemaVersion, inst.Descriptor.SchemaVersion)
	}
	if err := inst.sandbox.Restore(ctx, inst.handle, snap.Data); err != nil {
		return fmt.Errorf("restoring %s: %w", inst.Descriptor.Ref(), err)
	}
	return nil
}

// transformPath chains declared transforms from one schema version to
// another, strictly forward, failing closed when any hop is missing.
func transformPath(transforms []SchemaTransform, from, to int) ([]SchemaTransform, error) {
	if from > to {
		return nil, fmt.Errorf("%w: cannot migrate backwards from %d to %d", ErrNoMigrationPath, from, to)
	}
	byFrom := make(map[int]SchemaTransform, len(transforms))
	for _, t := range transforms {
		byFrom[t.FromVersion] = t
	}
	var path []SchemaTransform
	cursor := from
	for cursor < to {
		step, ok := byFrom[cursor]
		if !ok || step.ToVersion > to {
			return nil, fmt.Errorf("%w: from %d to %d (stuck at %d)", ErrNoMigrationPath, from, to, cursor)
		}
		path = append(path, step)
		cursor = step.ToVersion
	}
	return path, nil
}

func applyTransformOp(state map[string]any, op TransformOp) error {
	switch op.Op {
	case "add":
		// Only fill when absent so replaying a migration over already
		// migrated state is harmless.
		if _, exists := state[op.Field]; !exists {
			state[op.Field] = op.Default
		}
		return nil
	case "remove":
		delete(state, op.Field)
		return nil
	case "rename":
		val, exists := state[op.Field]
		if !exists {
			return fmt.Errorf("%w: rename %q", ErrTransformFieldAbsent, op.Field)
		}
		if op.To == "" {
			return fmt.Errorf("%w: rename %q has no target", ErrTransformUnknownOp, op.Field)
		}
		delete(state, op.Field)
		state[op.To] = val
		return nil
	case "reshape":
		return reshapeField(state, op)
	default:
		return fmt.Errorf("%w: %q", ErrTransformUnknownOp, op.Op)
	}
}

// reshapeField moves a value from one dotted path to another, creating
// intermediate objects along the target path.
func reshapeField(state map[string]any, op TransformOp) error {
	if op.To == "" {
		return fmt.Errorf("%w: reshape %q has no target", ErrTransformUnknownOp, op.Field)
	}
	val, err := takePath(state, strings.Split(op.Field, "."))
	if err != nil {
		return fmt.Errorf("%w: reshape %q", ErrTransformFieldAbsent, op.Field)
	}
	putPath(state, strings.Split(op.To, "."), val)
	return nil
}

func takePath(state map[string]any, path []string) (any, error) {
	cursor := state
	for i, key := range path {
		if i == len(path)-1 {
			val, exists := cursor[key]
			if !exists {
				return nil, ErrTransformFieldAbsent
			}
			delete(cursor, key)
			return val, nil
		}
		next, ok := cursor[key].(map[string]any)
		if !ok {
			return nil, ErrTransformFieldAbsent
		}
		cursor = next
	}
	return nil, ErrTransformFieldAbsent
}

func putPath(state map[string]any, path []string, val any) {
	cursor := state
	for i, key := range path {
		if i == len(path)-1 {
			cursor[key] = val
			return
		}
		next, ok := cursor[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			cursor[key] = next
		}
		cursor = next
	}
}
