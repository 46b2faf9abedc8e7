package hotswap

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func migrateJSON(t *testing.T, mgr *StateManager, from int, data string, target *ModuleDescriptor) map[string]any {
	t.Helper()
	snap := newStateSnapshot(target.Name, from, []byte(data))
	out, err := mgr.Migrate(snap, target)
	require.NoError(t, err)
	var state map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &state))
	return state
}

func TestStateMigrate(t *testing.T) {
	mgr := NewStateManager(&testLogger{})

	t.Run("should_pass_through_equal_schema_with_fresh_identity", func(t *testing.T) {
		desc := testDescriptor("cache", "1.1.0")
		desc.SchemaVersion = 2
		snap := newStateSnapshot("cache", 2, []byte(`{"count":5}`))
		out, err := mgr.Migrate(snap, desc)
		require.NoError(t, err)
		assert.NotEqual(t, snap.ID, out.ID)
		assert.Equal(t, snap.Data, out.Data)
		assert.Equal(t, 2, out.SchemaVersion)
	})

	t.Run("should_apply_add_remove_rename_in_declared_order", func(t *testing.T) {
		desc := testDescriptor("cache", "2.0.0")
		desc.SchemaVersion = 2
		desc.Transforms = []SchemaTransform{{
			FromVersion: 1,
			ToVersion:   2,
			Ops: []TransformOp{
				{Op: "rename", Field: "hits", To: "requests"},
				{Op: "remove", Field: "legacy"},
				{Op: "add", Field: "region", Default: "us-east"},
			},
		}}
		state := migrateJSON(t, mgr, 1, `{"hits":12,"legacy":true}`, desc)
		assert.Equal(t, float64(12), state["requests"])
		assert.Equal(t, "us-east", state["region"])
		assert.NotContains(t, state, "hits")
		assert.NotContains(t, state, "legacy")
	})

	t.Run("should_reshape_values_across_nested_paths", func(t *testing.T) {
		desc := testDescriptor("cache", "2.0.0")
		desc.SchemaVersion = 2
		desc.Transforms = []SchemaTransform{{
			FromVersion: 1,
			ToVersion:   2,
			Ops: []TransformOp{
				{Op: "reshape", Field: "ttl", To: "limits.ttl"},
				{Op: "reshape", Field: "meta.owner", To: "owner"},
			},
		}}
		state := migrateJSON(t, mgr, 1, `{"ttl":30,"meta":{"owner":"core"}}`, desc)
		limits, ok := state["limits"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, float64(30), limits["ttl"])
		assert.Equal(t, "core", state["owner"])
	})

	t.Run("should_chain_multiple_hops", func(t *testing.T) {
		desc := testDescriptor("cache", "3.0.0")
		desc.SchemaVersion = 3
		desc.Transforms = []SchemaTransform{
			{FromVersion: 2, ToVersion: 3, Ops: []TransformOp{{Op: "add", Field: "tier", Default: "standard"}}},
			{FromVersion: 1, ToVersion: 2, Ops: []TransformOp{{Op: "rename", Field: "n", To: "count"}}},
		}
		state := migrateJSON(t, mgr, 1, `{"n":1}`, desc)
		assert.Equal(t, float64(1), state["count"])
		assert.Equal(t, "standard", state["tier"])
	})

	t.Run("should_keep_existing_value_when_add_replays", func(t *testing.T) {
		desc := testDescriptor("cache", "2.0.0")
		desc.SchemaVersion = 2
		desc.Transforms = []SchemaTransform{{
			FromVersion: 1,
			ToVersion:   2,
			Ops:         []TransformOp{{Op: "add", Field: "region", Default: "us-east"}},
		}}
		state := migrateJSON(t, mgr, 1, `{"region":"eu-west"}`, desc)
		assert.Equal(t, "eu-west", state["region"])
	})

	t.Run("should_fail_closed_when_a_hop_is_missing", func(t *testing.T) {
		desc := testDescriptor("cache", "3.0.0")
		desc.SchemaVersion = 3
		desc.Transforms = []SchemaTransform{
			{FromVersion: 1, ToVersion: 2, Ops: []TransformOp{{Op: "add", Field: "x", Default: 1}}},
		}
		snap := newStateSnapshot("cache", 1, []byte(`{}`))
		_, err := mgr.Migrate(snap, desc)
		require.ErrorIs(t, err, ErrNoMigrationPath)
	})

	t.Run("should_refuse_backward_migration", func(t *testing.T) {
		desc := testDescriptor("cache", "1.0.0")
		desc.SchemaVersion = 1
		snap := newStateSnapshot("cache", 2, []byte(`{}`))
		_, err := mgr.Migrate(snap, desc)
		require.ErrorIs(t, err, ErrNoMigrationPath)
	})

	t.Run("should_fail_on_rename_of_absent_field", func(t *testing.T) {
		desc := testDescriptor("cache", "2.0.0")
		desc.SchemaVersion = 2
		desc.Transforms = []SchemaTransform{{
			FromVersion: 1,
			ToVersion:   2,
			Ops:         []TransformOp{{Op: "rename", Field: "missing", To: "other"}},
		}}
		snap := newStateSnapshot("cache", 1, []byte(`{}`))
		_, err := mgr.Migrate(snap, desc)
		require.ErrorIs(t, err, ErrTransformFieldAbsent)
	})

	t.Run("should_reject_tampered_snapshots", func(t *testing.T) {
		desc := testDescriptor("cache", "1.0.0")
		snap := newStateSnapshot("cache", 1, []byte(`{"count":1}`))
		snap.Data = []byte(`{"count":999}`)
		_, err := mgr.Migrate(snap, desc)
		require.ErrorIs(t, err, ErrSnapshotChecksum)
	})
}

func TestStateSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	mgr := NewStateManager(&testLogger{})

	t.Run("should_round_trip_state_through_the_sandbox", func(t *testing.T) {
		_, host, loader := registryFixture(t)
		inst := instantiate(t, loader, testDescriptor("cache", "1.0.0"))
		host.setState(inst.handle, []byte(`{"count":4}`))

		snap, err := mgr.Snapshot(ctx, inst)
		require.NoError(t, err)
		assert.Equal(t, "cache", snap.Module)
		require.NoError(t, snap.Verify())

		next := instantiate(t, loader, testDescriptor("cache", "1.0.1"))
		require.NoError(t, mgr.Restore(ctx, next, snap))
		restored, err := host.Snapshot(ctx, next.handle)
		require.NoError(t, err)
		assert.JSONEq(t, `{"count":4}`, string(restored))
	})

	t.Run("should_restore_idempotently", func(t *testing.T) {
		_, host, loader := registryFixture(t)
		inst := instantiate(t, loader, testDescriptor("cache", "1.0.0"))
		snap := newStateSnapshot("cache", 1, []byte(`{"count":9}`))
		require.NoError(t, mgr.Restore(ctx, inst, snap))
		require.NoError(t, mgr.Restore(ctx, inst, snap))
		data, err := host.Snapshot(ctx, inst.handle)
		require.NoError(t, err)
		assert.JSONEq(t, `{"count":9}`, string(data))
	})

	t.Run("should_refuse_restore_across_schema_versions", func(t *testing.T) {
		_, _, loader := registryFixture(t)
		inst := instantiate(t, loader, testDescriptor("cache", "1.0.0"))
		snap := newStateSnapshot("cache", 7, []byte(`{}`))
		err := mgr.Restore(ctx, inst, snap)
		require.ErrorIs(t, err, ErrNoMigrationPath)
	})
}
