package hotswap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ReloadPhase is one step of the reload state machine. Phases advance
// linearly; every non-idle phase has exactly one failure exit, to
// RolledBack.
type ReloadPhase string

const (
	PhaseIdle         ReloadPhase = "Idle"
	PhasePreparing    ReloadPhase = "Preparing"
	PhaseDraining     ReloadPhase = "Draining"
	PhaseSnapshotting ReloadPhase = "Snapshotting"
	PhaseMigrating    ReloadPhase = "Migrating"
	PhaseSwapping     ReloadPhase = "Swapping"
	PhaseRestoring    ReloadPhase = "Restoring"
	PhaseVerifying    ReloadPhase = "Verifying"
	PhaseCommitted    ReloadPhase = "Committed"
	PhaseRolledBack   ReloadPhase = "RolledBack"
)

// ReloadOutcome is the terminal result of a transaction.
type ReloadOutcome string

const (
	OutcomePending    ReloadOutcome = "Pending"
	OutcomeCommitted  ReloadOutcome = "Committed"
	OutcomeRolledBack ReloadOutcome = "RolledBack"
)

// ReloadTransaction is the unit of work tracked by the coordinator: a
// monotonic id, the source instance, the target descriptor, the current
// phase and a terminal outcome.
type ReloadTransaction struct {
	ID       uint64
	Module   string
	Target   *ModuleDescriptor
	SourceID string

	mu          sync.Mutex
	phase       ReloadPhase
	outcome     ReloadOutcome
	failedPhase ReloadPhase
	reason      string
	verdicts    []SafetyVerdict
	startedAt   time.Time
	finishedAt  time.Time

	canceled atomic.Bool
	swapped  atomic.Bool
}

// Phase returns the transaction's current phase.
func (tx *ReloadTransaction) Phase() ReloadPhase {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.phase
}

// Outcome returns the terminal outcome, or OutcomePending while the
// transaction runs.
func (tx *ReloadTransaction) Outcome() ReloadOutcome {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.outcome
}

// FailedPhase reports where a rolled-back transaction died.
func (tx *ReloadTransaction) FailedPhase() ReloadPhase {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.failedPhase
}

// Reason returns the human-readable failure reason, empty on commit.
func (tx *ReloadTransaction) Reason() string {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.reason
}

// Verdicts returns the gatekeeper verdicts collected during Preparing.
func (tx *ReloadTransaction) Verdicts() []SafetyVerdict {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make([]SafetyVerdict, len(tx.verdicts))
	copy(out, tx.verdicts)
	return out
}

// Cancel requests operator cancellation. It is honored at the next
// phase boundary, and only before Swapping: once the swap is what
// callers observe, the only way back is a subsequent rollback
// transaction.
func (tx *ReloadTransaction) Cancel() error {
	if tx.swapped.Load() {
		return ErrCancelAfterSwap
	}
	tx.canceled.Store(true)
	return nil
}

// CoordinatorConfig bounds the coordinator's phases and its failure
// backoff.
type CoordinatorConfig struct {
	// DrainTimeout bounds the Draining phase; expiry with in-flight
	// calls outstanding aborts the transaction rather than cancelling
	// user work.
	DrainTimeout time.Duration

	// VerifyTimeout bounds the Verifying liveness suite.
	VerifyTimeout time.Duration

	// BackoffBase and BackoffCap shape the per-module exponential
	// backoff after repeated failed transactions.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 2 * time.Minute
	}
}

// HotReloadCoordinator orchestrates the transactional replacement of
// one module instance with another. Exactly one transaction may be in
// progress per module name (the registry enforces the lock);
// transactions on different names run concurrently and independently.
type HotReloadCoordinator struct {
	cfg         CoordinatorConfig
	logger      Logger
	registry    *ModuleRegistry
	loader      *ModuleLoader
	state       *StateManager
	gatekeeper  *SafetyGatekeeper
	checkpoints CheckpointStore
	audit       AuditLog
	subject     Subject

	txSeq atomic.Uint64

	mu       sync.Mutex
	active   map[string]*ReloadTransaction
	failures map[string]*failureTrack
}

type failureTrack struct {
	count int
	last  time.Time
}

// NewHotReloadCoordinator wires the coordinator to its collaborators.
func NewHotReloadCoordinator(cfg CoordinatorConfig, registry *ModuleRegistry, loader *ModuleLoader,
	state *StateManager, gatekeeper *SafetyGatekeeper, checkpoints CheckpointStore,
	audit AuditLog, subject Subject, logger Logger) *HotReloadCoordinator {
	cfg.applyDefaults()
	if logger == nil {
		logger = NoopLogger{}
	}
	return &HotReloadCoordinator{
		cfg:         cfg,
		logger:      logger,
		registry:    registry,
		loader:      loader,
		state:       state,
		gatekeeper:  gatekeeper,
		checkpoints: checkpoints,
		audit:       audit,
		subject:     subject,
		active:      make(map[string]*ReloadTransaction),
		failures:    make(map[string]*failureTrack),
	}
}

// Active returns the in-progress transaction for a module name, if any.
func (c *HotReloadCoordinator) Active(name string) (*ReloadTransaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.active[name]
	return tx, ok
}

// Reload replaces the running instance of name with target. The old
// instance keeps serving until the atomic swap; any failure between
// Preparing and Verifying rolls the registry back to the pre-transaction
// instance. There is no retry-in-place: callers wanting another attempt
// start a new transaction.
func (c *HotReloadCoordinator) Reload(ctx context.Context, name string, target *ModuleDescriptor) (*ReloadTransaction, error) {
	return c.run(ctx, name, target, nil)
}

// Revert replaces the running instance with a recorded checkpoint's
// descriptor and snapshot. Rollback is not a special code path: it runs
// the same eight-phase machine, which is what guarantees it inherits
// the same draining, atomic-swap and verification properties.
func (c *HotReloadCoordinator) Revert(ctx context.Context, name string, cp *Checkpoint) (*ReloadTransaction, error) {
	if cp == nil {
		return nil, ErrCheckpointNotFound
	}
	return c.run(ctx, name, cp.Descriptor, cp.Snapshot)
}

func (c *HotReloadCoordinator) run(ctx context.Context, name string, target *ModuleDescriptor, restoreFrom *StateSnapshot) (*ReloadTransaction, error) {
	if target == nil {
		return nil, ErrDescriptorNil
	}
	old, ok := c.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}

	if wait, backing := c.shouldBackoff(name); backing {
		return nil, fmt.Errorf("%w: backing off %v after repeated failures for %s", ErrReloadInProgress, wait, name)
	}

	release, err := c.registry.beginReload(name)
	if err != nil {
		return nil, err
	}
	defer release()

	tx := &ReloadTransaction{
		ID:        c.txSeq.Add(1),
		Module:    name,
		Target:    target,
		SourceID:  old.ID,
		phase:     PhaseIdle,
		outcome:   OutcomePending,
		startedAt: time.Now(),
	}
	c.mu.Lock()
	c.active[name] = tx
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, name)
		c.mu.Unlock()
	}()

	c.auditTx(ctx, tx, AuditReloadStarted, map[string]any{
		"from": old.Descriptor.Ref(), "to": target.Ref(), "revert": restoreFrom != nil,
	})

	if err := c.execute(ctx, tx, old, restoreFrom); err != nil {
		c.recordFailure(name)
		return tx, err
	}
	c.resetFailures(name)
	return tx, nil
}

// execute drives the phase machine. Every phase entry checks operator
// cancellation; every failure funnels through rollback exactly once.
func (c *HotReloadCoordinator) execute(ctx context.Context, tx *ReloadTransaction, old *ModuleInstance, restoreFrom *StateSnapshot) error {
	name := tx.Module

	// Preparing: instantiate the target in a parallel sandbox while the
	// old instance keeps serving, then pass it through the gatekeeper.
	if err := c.enterPhase(ctx, tx, PhasePreparing); err != nil {
		return c.rollback(ctx, tx, old, nil, err)
	}
	next, err := c.loader.Instantiate(ctx, tx.Target)
	if err != nil {
		return c.rollback(ctx, tx, old, nil, &PhaseError{Phase: PhasePreparing, Err: err})
	}

	verdicts, err := c.gatekeeper.Evaluate(ctx, &GateContext{
		Module:      name,
		Transaction: tx.ID,
		Current:     old,
		Target:      tx.Target,
		Sandbox:     next.sandbox,
		Prepared:    next.handle,
	})
	tx.mu.Lock()
	tx.verdicts = verdicts
	tx.mu.Unlock()
	if err != nil {
		return c.rollback(ctx, tx, old, next, &PhaseError{Phase: PhasePreparing, Err: err})
	}

	// Draining: close the routing gate so new invocations queue, then
	// wait for in-flight calls to finish within the deadline.
	if err := c.enterPhase(ctx, tx, PhaseDraining); err != nil {
		return c.rollback(ctx, tx, old, next, err)
	}
	c.registry.closeGate(name)
	old.setState(InstanceDraining)
	drainCtx, cancelDrain := context.WithTimeout(ctx, c.cfg.DrainTimeout)
	drainErr := old.awaitIdle(drainCtx)
	cancelDrain()
	if drainErr != nil {
		return c.rollback(ctx, tx, old, next, &PhaseError{Phase: PhaseDraining, Err: drainErr})
	}

	// Snapshotting: capture the drained instance's state, or verify the
	// checkpoint snapshot when reverting.
	if err := c.enterPhase(ctx, tx, PhaseSnapshotting); err != nil {
		return c.rollback(ctx, tx, old, next, err)
	}
	snap := restoreFrom
	if snap == nil {
		snap, err = c.state.Snapshot(ctx, old)
		if err != nil {
			return c.rollback(ctx, tx, old, next, &PhaseError{Phase: PhaseSnapshotting, Err: err})
		}
	} else if err := snap.Verify(); err != nil {
		return c.rollback(ctx, tx, old, next, &PhaseError{Phase: PhaseSnapshotting, Err: err})
	}

	// Migrating: transform to the target schema, failing closed when no
	// transform path exists.
	if err := c.enterPhase(ctx, tx, PhaseMigrating); err != nil {
		return c.rollback(ctx, tx, old, next, err)
	}
	migrated, err := c.state.Migrate(snap, tx.Target)
	if err != nil {
		return c.rollback(ctx, tx, old, next, &PhaseError{Phase: PhaseMigrating, Err: err})
	}

	// Swapping: the single point where external visibility changes. One
	// indivisible registry update; lookups observe old or new, never an
	// intermediate value. Cancellation is no longer honored from here.
	if err := c.enterPhase(ctx, tx, PhaseSwapping); err != nil {
		return c.rollback(ctx, tx, old, next, err)
	}
	tx.swapped.Store(true)
	if _, err := c.registry.swap(ctx, name, next); err != nil {
		tx.swapped.Store(false)
		return c.rollback(ctx, tx, old, next, &PhaseError{Phase: PhaseSwapping, Err: err})
	}

	// Restoring: move the migrated snapshot into the new sandbox and
	// transfer ownership from the old instance.
	if err := c.enterPhase(ctx, tx, PhaseRestoring); err != nil {
		return c.rollback(ctx, tx, old, next, err)
	}
	if err := c.state.Restore(ctx, next, migrated); err != nil {
		return c.rollback(ctx, tx, old, next, &PhaseError{Phase: PhaseRestoring, Err: err})
	}
	old.releaseSnapshot()
	next.attachSnapshot(migrated)

	// Verifying: a small liveness suite against the new instance.
	if err := c.enterPhase(ctx, tx, PhaseVerifying); err != nil {
		return c.rollback(ctx, tx, old, next, err)
	}
	if err := c.verify(ctx, next); err != nil {
		return c.rollback(ctx, tx, old, next, &PhaseError{Phase: PhaseVerifying, Err: err})
	}

	// Committed: checkpoint, reopen routing, retire the old instance.
	cp, err := c.checkpoints.Record(ctx, tx.Target, migrated)
	if err != nil {
		return c.rollback(ctx, tx, old, next, &PhaseError{Phase: PhaseCommitted, Err: err})
	}
	c.emit(ctx, EventTypeCheckpointRecorded, map[string]any{
		"module": name, "checkpoint": string(cp.ID), "version": tx.Target.Version,
	})
	c.setTerminal(tx, PhaseCommitted, OutcomeCommitted, "", "")
	c.registry.openGate(name)
	old.setState(InstanceRetired)
	if err := old.sandbox.Terminate(old.handle); err != nil {
		c.logger.Warn("failed to terminate retired sandbox", "module", name, "instance", old.ID, "error", err)
	}

	c.auditTx(ctx, tx, AuditReloadCommitted, map[string]any{
		"from": old.Descriptor.Ref(), "to": tx.Target.Ref(), "checkpointed": true,
	})
	c.emit(ctx, EventTypeReloadCommitted, map[string]any{
		"module": name, "transaction": tx.ID, "from": old.Descriptor.Ref(), "to": tx.Target.Ref(),
	})
	c.emit(ctx, EventTypeInstanceLoaded, map[string]any{
		"module": name, "version": tx.Target.Version, "instanceId": next.ID,
	})
	c.logger.Info("reload committed", "module", name, "transaction", tx.ID,
		"from", old.Descriptor.Ref(), "to", tx.Target.Ref(), "took", time.Since(tx.startedAt))
	return nil
}

// enterPhase advances the machine, honoring operator cancellation at
// the boundary, and emits the phase-change event.
func (c *HotReloadCoordinator) enterPhase(ctx context.Context, tx *ReloadTransaction, phase ReloadPhase) error {
	if tx.canceled.Load() && !tx.swapped.Load() {
		return &PhaseError{Phase: phase, Err: ErrTransactionCanceled}
	}
	tx.mu.Lock()
	tx.phase = phase
	tx.mu.Unlock()

	c.auditTx(ctx, tx, AuditReloadPhase, map[string]any{"phase": string(phase)})
	c.emit(ctx, EventTypeReloadPhaseChanged, map[string]any{
		"module": tx.Module, "transaction": tx.ID, "phase": string(phase),
	})
	return nil
}

// verify invokes each exported operation once, concurrently, as the
// liveness/sanity suite.
func (c *HotReloadCoordinator) verify(ctx context.Context, inst *ModuleInstance) error {
	verifyCtx, cancel := context.WithTimeout(ctx, c.cfg.VerifyTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(verifyCtx)
	for _, op := range inst.Descriptor.Exports {
		op := op
		g.Go(func() error {
			if _, err := inst.sandbox.Invoke(gctx, inst.handle, op, []byte("{}")); err != nil {
				return fmt.Errorf("%w: operation %s: %w", ErrVerificationFailed, op, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// rollback is the single failure exit: re-point the registry at the old
// instance when the swap already happened, discard the new instance,
// reopen routing and re-mark the old instance Ready. The registry ends
// up handle-identical to the pre-transaction state.
func (c *HotReloadCoordinator) rollback(ctx context.Context, tx *ReloadTransaction, old *ModuleInstance, next *ModuleInstance, cause error) error {
	failedPhase := tx.Phase()
	var perr *PhaseError
	if errors.As(cause, &perr) {
		failedPhase = perr.Phase
	}

	if tx.swapped.Load() {
		if _, err := c.registry.swap(ctx, tx.Module, old); err != nil {
			c.logger.Error("rollback failed to re-point registry", "module", tx.Module, "error", err)
		}
	}
	if next != nil {
		next.setState(InstanceRetired)
		if err := next.sandbox.Terminate(next.handle); err != nil {
			c.logger.Warn("failed to terminate discarded sandbox", "module", tx.Module, "error", err)
		}
	}
	old.setState(InstanceReady)
	c.registry.openGate(tx.Module)

	c.setTerminal(tx, PhaseRolledBack, OutcomeRolledBack, failedPhase, cause.Error())

	c.auditTx(ctx, tx, AuditReloadRolledBack, map[string]any{
		"failedPhase": string(failedPhase), "reason": cause.Error(),
	})
	c.emit(ctx, EventTypeReloadRolledBack, map[string]any{
		"module": tx.Module, "transaction": tx.ID, "failedPhase": string(failedPhase), "reason": cause.Error(),
	})
	c.logger.Warn("reload rolled back", "module", tx.Module, "transaction", tx.ID,
		"failedPhase", failedPhase, "reason", cause.Error())
	return cause
}

func (c *HotReloadCoordinator) setTerminal(tx *ReloadTransaction, phase ReloadPhase, outcome ReloadOutcome, failedPhase ReloadPhase, reason string) {
	tx.mu.Lock()
	tx.phase = phase
	tx.outcome = outcome
	tx.failedPhase = failedPhase
	tx.reason = reason
	tx.finishedAt = time.Now()
	tx.mu.Unlock()
}

func (c *HotReloadCoordinator) auditTx(ctx context.Context, tx *ReloadTransaction, kind AuditKind, detail map[string]any) {
	if c.audit == nil {
		return
	}
	_ = c.audit.Append(ctx, AuditEntry{Kind: kind, Module: tx.Module, Transaction: tx.ID, Detail: detail})
}

func (c *HotReloadCoordinator) emit(ctx context.Context, eventType string, data map[string]any) {
	if c.subject == nil {
		return
	}
	_ = c.subject.NotifyObservers(ctx, NewCloudEvent(eventType, data))
}

// shouldBackoff reports whether reloads of name are inside the
// exponential backoff window after repeated failures.
func (c *HotReloadCoordinator) shouldBackoff(name string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	track, ok := c.failures[name]
	if !ok || track.count == 0 {
		return 0, false
	}
	backoff := c.cfg.BackoffBase
	for i := 1; i < track.count; i++ {
		backoff *= 2
		if backoff >= c.cfg.BackoffCap {
			backoff = c.cfg.BackoffCap
			break
		}
	}
	elapsed := time.Since(track.last)
	if elapsed < backoff {
		return backoff - elapsed, true
	}
	return 0, false
}

func (c *HotReloadCoordinator) recordFailure(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	track, ok := c.failures[name]
	if !ok {
		track = &failureTrack{}
		c.failures[name] = track
	}
	track.count++
	track.last = time.Now()
}

func (c *HotReloadCoordinator) resetFailures(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, name)
}
