package hotswap

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRecorder collects event types seen on the bus.
type eventRecorder struct {
	mu    sync.Mutex
	types []string
}

func (r *eventRecorder) observe(subject Subject, t *testing.T) {
	t.Helper()
	err := subject.RegisterObserver(NewFunctionalObserver("test-recorder", func(_ context.Context, event CloudEvent) error {
		r.mu.Lock()
		r.types = append(r.types, event.Type())
		r.mu.Unlock()
		return nil
	}))
	require.NoError(t, err)
}

func (r *eventRecorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, et := range r.types {
		if et == eventType {
			n++
		}
	}
	return n
}

// recordFailingStore refuses Record while delegating everything else,
// standing in for a checkpoint backend that fails at commit time.
type recordFailingStore struct {
	CheckpointStore
	recordErr error
}

func (s *recordFailingStore) Record(ctx context.Context, desc *ModuleDescriptor, snap *StateSnapshot) (*Checkpoint, error) {
	if s.recordErr != nil {
		return nil, s.recordErr
	}
	return s.CheckpointStore.Record(ctx, desc, snap)
}

func TestCoordinatorReload(t *testing.T) {
	t.Run("should_commit_and_swap_atomically", func(t *testing.T) {
		f := newCoordFixture(t, CoordinatorConfig{})
		rec := &eventRecorder{}
		rec.observe(f.subject, t)
		ctx := context.Background()

		old := f.loadModule(t, testDescriptor("greeter", "1.0.0"))
		f.host.setState(old.handle.(*fakeHandle), []byte(`{"count":3}`))

		tx, err := f.coordinator.Reload(ctx, "greeter", testDescriptor("greeter", "1.1.0"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeCommitted, tx.Outcome())
		assert.Equal(t, PhaseCommitted, tx.Phase())

		current, ok := f.registry.Lookup("greeter")
		require.True(t, ok)
		assert.NotEqual(t, old.ID, current.ID)
		assert.Equal(t, "1.1.0", current.Version())
		assert.Equal(t, InstanceReady, current.State())
		assert.Equal(t, InstanceRetired, old.State())
		assert.Equal(t, 1, f.host.terminatedCount())

		// State carried across the swap.
		restored, err := f.host.Snapshot(ctx, current.handle)
		require.NoError(t, err)
		assert.JSONEq(t, `{"count":3}`, string(restored))

		// The chain gained a checkpoint whose parent is the initial one.
		chain, err := f.checkpoints.Chain(ctx, "greeter", 10)
		require.NoError(t, err)
		require.Len(t, chain, 2)
		assert.Equal(t, chain[1].ID, chain[0].Parent)

		// Routing resumed after commit.
		_, err = f.registry.Resolve(ctx, "greeter")
		require.NoError(t, err)

		assert.Equal(t, 1, rec.count(EventTypeReloadCommitted))
		assert.Equal(t, 1, rec.count(EventTypeCheckpointRecorded))
		assert.Zero(t, rec.count(EventTypeReloadRolledBack))
	})

	t.Run("should_migrate_state_through_declared_transforms", func(t *testing.T) {
		f := newCoordFixture(t, CoordinatorConfig{})
		ctx := context.Background()

		old := f.loadModule(t, testDescriptor("counter", "1.0.0"))
		f.host.setState(old.handle.(*fakeHandle), []byte(`{"hits":5}`))

		target := testDescriptor("counter", "2.0.0")
		target.SchemaVersion = 2
		target.Transforms = []SchemaTransform{{
			FromVersion: 1,
			ToVersion:   2,
			Ops: []TransformOp{
				{Op: "rename", Field: "hits", To: "requests"},
				{Op: "add", Field: "region", Default: "us-east"},
			},
		}}

		tx, err := f.coordinator.Reload(ctx, "counter", target)
		require.NoError(t, err)
		require.Equal(t, OutcomeCommitted, tx.Outcome())

		current, _ := f.registry.Lookup("counter")
		restored, err := f.host.Snapshot(ctx, current.handle)
		require.NoError(t, err)
		var state map[string]any
		require.NoError(t, json.Unmarshal(restored, &state))
		assert.Equal(t, float64(5), state["requests"])
		assert.Equal(t, "us-east", state["region"])
		_, stillOld := state["hits"]
		assert.False(t, stillOld)
	})

	t.Run("should_roll_back_when_no_migration_path_exists", func(t *testing.T) {
		f := newCoordFixture(t, CoordinatorConfig{})
		ctx := context.Background()

		old := f.loadModule(t, testDescriptor("counter", "1.0.0"))
		f.host.setState(old.handle.(*fakeHandle), []byte(`{"hits":5}`))

		target := testDescriptor("counter", "2.0.0")
		target.SchemaVersion = 3 // no transform chain reaches 3

		tx, err := f.coordinator.Reload(ctx, "counter", target)
		require.ErrorIs(t, err, ErrNoMigrationPath)
		assert.Equal(t, OutcomeRolledBack, tx.Outcome())
		assert.Equal(t, PhaseMigrating, tx.FailedPhase())

		current, ok := f.registry.Lookup("counter")
		require.True(t, ok)
		assert.Same(t, old, current)
		assert.Equal(t, InstanceReady, current.State())
	})

	t.Run("should_reject_capability_escalation_before_any_phase_runs", func(t *testing.T) {
		f := newCoordFixture(t, CoordinatorConfig{})
		rec := &eventRecorder{}
		rec.observe(f.subject, t)
		ctx := context.Background()

		old := f.loadModule(t, testDescriptor("fetcher", "1.0.0"))

		target := testDescriptor("fetcher", "1.1.0")
		target.Capabilities = []string{"network:connect:evil.example.com:443"}

		tx, err := f.coordinator.Reload(ctx, "fetcher", target)
		require.Error(t, err)
		var rejection *SafetyRejection
		require.ErrorAs(t, err, &rejection)
		require.Len(t, rejection.Failed(), 1)
		assert.Equal(t, "security", rejection.Failed()[0].Gate)

		assert.Equal(t, OutcomeRolledBack, tx.Outcome())
		assert.Equal(t, PhasePreparing, tx.FailedPhase())

		// The old instance keeps serving, handle-identical.
		current, _ := f.registry.Lookup("fetcher")
		assert.Same(t, old, current)
		_, err = f.registry.Resolve(ctx, "fetcher")
		require.NoError(t, err)

		// A refused change request is a rollback, not a violation: the
		// module never ran outside its grants.
		assert.Equal(t, 1, rec.count(EventTypeReloadRolledBack))
		assert.Zero(t, rec.count(EventTypeViolationDetected))
	})

	t.Run("should_abort_on_drain_timeout_without_cancelling_inflight_work", func(t *testing.T) {
		f := newCoordFixture(t, CoordinatorConfig{DrainTimeout: 50 * time.Millisecond})
		ctx := context.Background()

		old := f.loadModule(t, testDescriptor("slow", "1.0.0"))
		require.NoError(t, old.beginCall()) // a call that never finishes in time

		tx, err := f.coordinator.Reload(ctx, "slow", testDescriptor("slow", "1.1.0"))
		require.ErrorIs(t, err, ErrDrainDeadline)
		assert.Equal(t, OutcomeRolledBack, tx.Outcome())
		assert.Equal(t, PhaseDraining, tx.FailedPhase())
		assert.Contains(t, tx.Reason(), "drain timeout")

		// The in-flight call was not cancelled and the instance serves on.
		assert.Equal(t, 1, old.Inflight())
		old.endCall(time.Millisecond)
		current, _ := f.registry.Lookup("slow")
		assert.Same(t, old, current)
		assert.Equal(t, InstanceReady, current.State())
		_, err = f.registry.Resolve(ctx, "slow")
		require.NoError(t, err)
	})

	t.Run("should_refuse_concurrent_transactions_per_name", func(t *testing.T) {
		f := newCoordFixture(t, CoordinatorConfig{})
		f.loadModule(t, testDescriptor("busy", "1.0.0"))

		release, err := f.registry.beginReload("busy")
		require.NoError(t, err)
		defer release()

		_, err = f.coordinator.Reload(context.Background(), "busy", testDescriptor("busy", "1.1.0"))
		require.ErrorIs(t, err, ErrReloadInProgress)
	})

	t.Run("should_back_off_after_repeated_failures", func(t *testing.T) {
		f := newCoordFixture(t, CoordinatorConfig{BackoffBase: time.Hour})
		ctx := context.Background()
		f.loadModule(t, testDescriptor("flappy", "1.0.0"))

		bad := testDescriptor("flappy", "1.1.0")
		bad.Capabilities = []string{"network:connect:evil.example.com:443"}
		_, err := f.coordinator.Reload(ctx, "flappy", bad)
		require.Error(t, err)

		_, err = f.coordinator.Reload(ctx, "flappy", testDescriptor("flappy", "1.2.0"))
		require.ErrorIs(t, err, ErrReloadInProgress)
		assert.Contains(t, err.Error(), "backing off")
	})

	t.Run("should_fail_verification_and_restore_old_instance", func(t *testing.T) {
		f := newCoordFixture(t, CoordinatorConfig{})
		ctx := context.Background()
		old := f.loadModule(t, testDescriptor("broken", "1.0.0"))

		f.host.invokeErr = assert.AnError // verification invocations fail
		tx, err := f.coordinator.Reload(ctx, "broken", testDescriptor("broken", "1.1.0"))
		f.host.invokeErr = nil
		require.ErrorIs(t, err, ErrVerificationFailed)
		assert.Equal(t, PhaseVerifying, tx.FailedPhase())

		// Swap already happened; rollback re-pointed the registry.
		current, _ := f.registry.Lookup("broken")
		assert.Same(t, old, current)
		assert.Equal(t, InstanceReady, current.State())
	})

	t.Run("should_report_commit_as_the_failed_phase_when_checkpointing_fails", func(t *testing.T) {
		f := newCoordFixture(t, CoordinatorConfig{})
		ctx := context.Background()
		old := f.loadModule(t, testDescriptor("stuck", "1.0.0"))

		flaky := &recordFailingStore{CheckpointStore: f.checkpoints, recordErr: assert.AnError}
		coordinator := NewHotReloadCoordinator(CoordinatorConfig{}, f.registry, f.loader,
			f.state, f.gatekeeper, flaky, f.audit, f.subject, &testLogger{})

		tx, err := coordinator.Reload(ctx, "stuck", testDescriptor("stuck", "1.1.0"))
		require.ErrorIs(t, err, assert.AnError)
		assert.Equal(t, OutcomeRolledBack, tx.Outcome())
		assert.Equal(t, PhaseCommitted, tx.FailedPhase())

		// Verification passed; the failure is the commit step, and the
		// old instance is back in service.
		current, _ := f.registry.Lookup("stuck")
		assert.Same(t, old, current)
		assert.Equal(t, InstanceReady, current.State())
	})
}

func TestCoordinatorRevert(t *testing.T) {
	t.Run("should_revert_through_the_same_phase_machine", func(t *testing.T) {
		f := newCoordFixture(t, CoordinatorConfig{})
		rec := &eventRecorder{}
		rec.observe(f.subject, t)
		ctx := context.Background()

		v1 := testDescriptor("api", "1.0.0")
		old := f.loadModule(t, v1)
		f.host.setState(old.handle.(*fakeHandle), []byte(`{"sessions":7}`))

		_, err := f.coordinator.Reload(ctx, "api", testDescriptor("api", "2.0.0"))
		require.NoError(t, err)

		chain, err := f.checkpoints.Chain(ctx, "api", 10)
		require.NoError(t, err)
		require.Len(t, chain, 2)
		prior := chain[1] // the v1 checkpoint

		tx, err := f.coordinator.Revert(ctx, "api", prior)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCommitted, tx.Outcome())

		current, _ := f.registry.Lookup("api")
		assert.Equal(t, "1.0.0", current.Version())

		// Revert restored the checkpoint's state, not the live state.
		restored, err := f.host.Snapshot(ctx, current.handle)
		require.NoError(t, err)
		assert.JSONEq(t, `{"sessions":7}`, string(restored))

		// The revert itself was checkpointed: history moves forward.
		chain, err = f.checkpoints.Chain(ctx, "api", 10)
		require.NoError(t, err)
		assert.Len(t, chain, 3)

		// Phase events fired for the revert exactly as for a reload.
		assert.GreaterOrEqual(t, rec.count(EventTypeReloadPhaseChanged), 14)
	})

	t.Run("should_refuse_nil_checkpoint", func(t *testing.T) {
		f := newCoordFixture(t, CoordinatorConfig{})
		f.loadModule(t, testDescriptor("api", "1.0.0"))
		_, err := f.coordinator.Revert(context.Background(), "api", nil)
		require.ErrorIs(t, err, ErrCheckpointNotFound)
	})
}

func TestTransactionCancel(t *testing.T) {
	t.Run("should_cancel_before_swap", func(t *testing.T) {
		tx := &ReloadTransaction{}
		require.NoError(t, tx.Cancel())
		assert.True(t, tx.canceled.Load())
	})

	t.Run("should_refuse_cancel_after_swap", func(t *testing.T) {
		tx := &ReloadTransaction{}
		tx.swapped.Store(true)
		require.ErrorIs(t, tx.Cancel(), ErrCancelAfterSwap)
	})

	t.Run("should_honor_cancellation_at_phase_boundary", func(t *testing.T) {
		f := newCoordFixture(t, CoordinatorConfig{})
		tx := &ReloadTransaction{Module: "any"}
		require.NoError(t, tx.Cancel())
		err := f.coordinator.enterPhase(context.Background(), tx, PhaseDraining)
		require.ErrorIs(t, err, ErrTransactionCanceled)
	})
}
