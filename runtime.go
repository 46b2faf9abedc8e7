// Package hotswap is a self-modifying module runtime: it hosts
// versioned, capability-sandboxed modules inside a single long-running
// process and replaces them at runtime without dropping in-flight work.
//
// Every replacement runs as a transaction through an eight-phase state
// machine (prepare, drain, snapshot, migrate, swap, restore, verify,
// commit) with exactly one failure exit to a rolled-back state. A
// safety gatekeeper evaluates structure, interface compatibility,
// capability ceilings, performance and reversibility before any swap,
// and every committed version is checkpointed so operators can revert
// to a known-good prior version through the same machine.
package hotswap

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Runtime assembles the registry, sandbox hosts, loader, coordinator,
// gatekeeper, checkpoint store and audit log into one process-level
// facade. It is the only type most embedders need.
type Runtime struct {
	cfg    RuntimeConfig
	logger Logger
	quota  ResourceQuota

	store       *BadgerStore
	audit       AuditLog
	checkpoints CheckpointStore
	registry    *ModuleRegistry
	loader      *ModuleLoader
	state       *StateManager
	gatekeeper  *SafetyGatekeeper
	coordinator *HotReloadCoordinator
	subject     Subject
	metrics     *MetricsCollector
	hosts       map[ArtifactKind]CapabilitySandbox

	watcher *DescriptorWatcher
	admin   *AdminServer
	cron    *cron.Cron

	mu      sync.Mutex
	started bool
}

// NewRuntime wires a runtime from config. With an empty DataDir the
// checkpoint store and audit log live in memory and do not survive a
// restart.
func NewRuntime(cfg RuntimeConfig, logger Logger) (*Runtime, error) {
	if logger == nil {
		logger = NoopLogger{}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	quota, err := cfg.DefaultQuota()
	if err != nil {
		return nil, err
	}

	storePath := ""
	if cfg.DataDir != "" {
		storePath = filepath.Join(cfg.DataDir, "store")
	}
	store, err := OpenBadgerStore(storePath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}

	rt := &Runtime{
		cfg:         cfg,
		logger:      logger,
		quota:       quota,
		store:       store,
		audit:       store,
		checkpoints: store,
		state:       NewStateManager(logger),
		subject:     newEventBus(logger),
		metrics:     NewMetricsCollector(),
		cron:        cron.New(),
	}
	rt.registry = NewModuleRegistry(logger, rt.audit)
	rt.hosts = map[ArtifactKind]CapabilitySandbox{
		ArtifactPortable: NewInterpHost(logger, quota),
		ArtifactNative:   NewNativeHost(logger, quota, rt),
	}
	rt.loader = NewModuleLoader(rt.registry, rt.hosts, logger)

	rt.gatekeeper, err = NewSafetyGatekeeper(GatekeeperConfig{
		CapabilityCeilings: cfg.CapabilityCeilings,
		DeniedPatterns:     cfg.DeniedPatterns,
		PerfRegressionPct:  cfg.PerfRegressionPct,
		BenchmarkSamples:   cfg.BenchmarkSamples,
	}, rt.checkpoints, rt.audit, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	rt.coordinator = NewHotReloadCoordinator(CoordinatorConfig{
		DrainTimeout:  cfg.DrainTimeout.Std(),
		VerifyTimeout: cfg.VerifyTimeout.Std(),
		BackoffBase:   cfg.BackoffBase.Std(),
		BackoffCap:    cfg.BackoffCap.Std(),
	}, rt.registry, rt.loader, rt.state, rt.gatekeeper, rt.checkpoints, rt.audit, rt.subject, logger)

	if err := rt.subject.RegisterObserver(rt.metrics, metricEventTypes()...); err != nil {
		store.Close()
		return nil, err
	}

	if cfg.AdminAddr != "" {
		rt.admin = NewAdminServer(cfg.AdminAddr, rt, logger)
	}
	if cfg.WatchDir != "" {
		rt.watcher, err = NewDescriptorWatcher(cfg.WatchDir, rt.Deploy, logger)
		if err != nil {
			store.Close()
			return nil, err
		}
	}
	return rt, nil
}

// Start recovers previously committed modules from the checkpoint
// store, then brings up the descriptor watcher, the prune schedule and
// the admin server.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	if rt.started {
		rt.mu.Unlock()
		return nil
	}
	rt.started = true
	rt.mu.Unlock()

	if err := rt.recoverFromCheckpoints(ctx); err != nil {
		return err
	}
	if _, err := rt.cron.AddFunc(rt.cfg.PruneSchedule, func() { rt.pruneAll(context.Background()) }); err != nil {
		return fmt.Errorf("%w: prune schedule: %w", ErrConfigInvalid, err)
	}
	rt.cron.Start()
	if rt.watcher != nil {
		if err := rt.watcher.Start(ctx); err != nil {
			return err
		}
	}
	if rt.admin != nil {
		rt.admin.Start()
	}
	rt.logger.Info("runtime started", "modules", len(rt.registry.Names()), "dataDir", rt.cfg.DataDir)
	return nil
}

// Stop terminates every sandbox and shuts down the background
// machinery. Running instances are retired, not checkpointed: the
// checkpoint chain already holds their last committed state.
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.mu.Lock()
	if !rt.started {
		rt.mu.Unlock()
		return nil
	}
	rt.started = false
	rt.mu.Unlock()

	rt.cron.Stop()
	if rt.watcher != nil {
		rt.watcher.Stop()
	}
	if rt.admin != nil {
		if err := rt.admin.Stop(ctx); err != nil {
			rt.logger.Error("admin server shutdown failed", "error", err)
		}
	}
	for _, name := range rt.registry.Names() {
		inst, ok := rt.registry.Lookup(name)
		if !ok {
			continue
		}
		if err := rt.registry.Retire(ctx, name); err != nil {
			rt.logger.Error("failed to retire module on shutdown", "module", name, "error", err)
		}
		if err := inst.sandbox.Terminate(inst.handle); err != nil {
			rt.logger.Warn("failed to terminate sandbox on shutdown", "module", name, "error", err)
		}
	}
	if err := rt.store.Close(); err != nil {
		return err
	}
	rt.logger.Info("runtime stopped")
	return nil
}

// recoverFromCheckpoints re-registers every module whose checkpoint
// chain has a current pointer, restoring its last committed state. The
// gatekeeper is not re-run: the recorded descriptor already passed it
// when the checkpoint was committed.
func (rt *Runtime) recoverFromCheckpoints(ctx context.Context) error {
	modules, err := rt.checkpoints.Modules(ctx)
	if err != nil {
		return err
	}
	for _, name := range modules {
		if _, ok := rt.registry.Lookup(name); ok {
			continue
		}
		cp, err := rt.checkpoints.Latest(ctx, name)
		if err != nil {
			rt.logger.Error("recovery skipped module with unreadable checkpoint", "module", name, "error", err)
			continue
		}
		inst, err := rt.loader.Instantiate(ctx, cp.Descriptor)
		if err != nil {
			rt.logger.Error("recovery failed to instantiate module", "module", name, "error", err)
			continue
		}
		if cp.Snapshot != nil {
			if err := rt.state.Restore(ctx, inst, cp.Snapshot); err != nil {
				rt.logger.Error("recovery failed to restore state", "module", name, "error", err)
				_ = inst.sandbox.Terminate(inst.handle)
				continue
			}
			inst.attachSnapshot(cp.Snapshot)
		}
		if err := rt.registry.Register(ctx, inst); err != nil {
			_ = inst.sandbox.Terminate(inst.handle)
			return err
		}
		rt.emit(ctx, EventTypeInstanceLoaded, map[string]any{
			"module": name, "version": cp.Descriptor.Version, "instanceId": inst.ID, "recovered": true,
		})
		rt.logger.Info("module recovered from checkpoint", "module", name, "version", cp.Descriptor.Version, "checkpoint", cp.ID)
	}
	return nil
}

// Load performs a first-ever load of a module: gatekeeper evaluation
// with no prior instance, instantiation, registration and an initial
// checkpoint so the very first version is already revertible-to.
func (rt *Runtime) Load(ctx context.Context, desc *ModuleDescriptor) (*ModuleInstance, error) {
	if desc == nil {
		return nil, ErrDescriptorNil
	}
	if rt.live(desc.Name) {
		return nil, fmt.Errorf("%w: %s", ErrRegistryConflict, desc.Name)
	}

	if _, err := rt.gatekeeper.Evaluate(ctx, &GateContext{Module: desc.Name, Target: desc}); err != nil {
		return nil, err
	}
	inst, err := rt.loader.Instantiate(ctx, desc)
	if err != nil {
		return nil, err
	}
	if err := rt.registry.Register(ctx, inst); err != nil {
		_ = inst.sandbox.Terminate(inst.handle)
		return nil, err
	}

	snap, err := rt.state.Snapshot(ctx, inst)
	if err != nil {
		rt.logger.Warn("initial snapshot failed, checkpointing descriptor only", "module", desc.Name, "error", err)
		snap = nil
	} else {
		inst.attachSnapshot(snap)
	}
	cp, err := rt.checkpoints.Record(ctx, desc, snap)
	if err != nil {
		// Without a checkpoint the module would be live but
		// irreversible, so undo the registration.
		_ = rt.registry.Retire(ctx, desc.Name)
		_ = inst.sandbox.Terminate(inst.handle)
		return nil, fmt.Errorf("recording initial checkpoint: %w", err)
	}

	_ = rt.audit.Append(ctx, AuditEntry{
		Kind:   AuditInstanceLoaded,
		Module: desc.Name,
		Detail: map[string]any{"version": desc.Version, "instanceId": inst.ID, "checkpoint": string(cp.ID)},
	})
	rt.emit(ctx, EventTypeInstanceLoaded, map[string]any{
		"module": desc.Name, "version": desc.Version, "instanceId": inst.ID,
	})
	rt.emit(ctx, EventTypeCheckpointRecorded, map[string]any{
		"module": desc.Name, "checkpoint": string(cp.ID), "version": desc.Version,
	})
	return inst, nil
}

// Reload replaces the running instance of desc.Name through the full
// transactional machine. The returned transaction carries the phase
// history on failure.
func (rt *Runtime) Reload(ctx context.Context, desc *ModuleDescriptor) (*ReloadTransaction, error) {
	if desc == nil {
		return nil, ErrDescriptorNil
	}
	return rt.coordinator.Reload(ctx, desc.Name, desc)
}

// Deploy loads or reloads the descriptor at path, depending on whether
// the module is already registered. The descriptor watcher and the CLI
// both funnel through here, so dropped files get exactly the gated
// treatment explicit API calls do.
func (rt *Runtime) Deploy(ctx context.Context, path string) error {
	desc, err := LoadDescriptor(path)
	if err != nil {
		return err
	}
	if rt.live(desc.Name) {
		_, err = rt.Reload(ctx, desc)
		return err
	}
	_, err = rt.Load(ctx, desc)
	return err
}

// live reports whether a registered instance is still eligible for
// traffic under the given name.
func (rt *Runtime) live(name string) bool {
	inst, ok := rt.registry.Lookup(name)
	return ok && inst.State() != InstanceRetired && inst.State() != InstanceFaulted
}

// Rollback reverts a module to a recorded checkpoint through the same
// eight-phase machine a forward reload uses. With an empty id it
// targets the most recent prior checkpoint: the latest record describes
// the currently running version, so its parent is the previous
// known-good one.
func (rt *Runtime) Rollback(ctx context.Context, name string, id CheckpointID) (*ReloadTransaction, error) {
	var cp *Checkpoint
	var err error
	if id == "" {
		latest, err := rt.checkpoints.Latest(ctx, name)
		if err != nil {
			return nil, err
		}
		if latest.Parent == "" {
			return nil, fmt.Errorf("%w: %s", ErrNothingToRevert, name)
		}
		cp, err = rt.checkpoints.Get(ctx, name, latest.Parent)
		if err != nil {
			return nil, err
		}
	} else {
		cp, err = rt.checkpoints.Get(ctx, name, id)
		if err != nil {
			return nil, err
		}
	}

	_ = rt.audit.Append(ctx, AuditEntry{
		Kind:   AuditCheckpointRevert,
		Module: name,
		Detail: map[string]any{"checkpoint": string(cp.ID), "version": cp.Descriptor.Version},
	})
	return rt.coordinator.Revert(ctx, name, cp)
}

// Invoke routes one operation call to the named module. Calls queue
// while the module is draining for a reload and resume against
// whichever instance the transaction leaves in place. A quota breach
// faults the instance and removes it from traffic.
func (rt *Runtime) Invoke(ctx context.Context, name, operation string, payload []byte) ([]byte, error) {
	inst, err := rt.registry.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	if _, ok := inst.Descriptor.ExportSet()[operation]; !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrOperationUnknown, name, operation)
	}
	if err := inst.beginCall(); err != nil {
		return nil, err
	}
	rt.metrics.invocationStarted(name)
	start := time.Now()
	out, err := inst.sandbox.Invoke(ctx, inst.handle, operation, payload)
	took := time.Since(start)
	inst.endCall(took)
	rt.metrics.invocationFinished(name)
	rt.metrics.observeInvocation(name, operation, took, err)

	if err != nil && isQuotaBreach(err) {
		rt.fault(ctx, inst, err)
	}
	return out, err
}

// CallModule performs a cross-module call on behalf of caller. The
// caller's manifest must grant module:call for the callee, and the
// hop is recorded in the context so sandbox hosts can meter call
// depth.
func (rt *Runtime) CallModule(ctx context.Context, caller, callee, operation string, payload []byte) ([]byte, error) {
	callerInst, ok := rt.registry.Lookup(caller)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, caller)
	}
	manifest, err := callerInst.Descriptor.Manifest()
	if err != nil {
		return nil, err
	}
	if !manifest.PermitsCall(callee) {
		rec := newViolationRecord(caller, callerInst.ID,
			fmt.Sprintf("%s:call:%s", CapKindModule, callee),
			fmt.Sprintf("cross-module call to %s not granted", callee), 0)
		rt.RecordViolation(rec)
		return nil, fmt.Errorf("%w: %s -> %s", ErrCrossModuleDenied, caller, callee)
	}
	frame := callFrameFrom(ctx)
	return rt.Invoke(withCallFrame(ctx, caller, frame.depth+1), callee, operation, payload)
}

// fault marks the instance faulted, terminates its sandbox and records
// the violation. Faulted instances stay in the registry so their state
// is inspectable, but beginCall refuses them.
func (rt *Runtime) fault(ctx context.Context, inst *ModuleInstance, cause error) {
	inst.setState(InstanceFaulted)
	if err := inst.sandbox.Terminate(inst.handle); err != nil {
		rt.logger.Warn("failed to terminate faulted sandbox", "module", inst.Name(), "error", err)
	}
	_ = rt.audit.Append(ctx, AuditEntry{
		Kind:   AuditInstanceFaulted,
		Module: inst.Name(),
		Detail: map[string]any{"instanceId": inst.ID, "reason": cause.Error()},
	})
	rec := newViolationRecord(inst.Name(), inst.ID, quotaCapability(cause), cause.Error(), 0)
	rt.RecordViolation(rec)
	rt.logger.Error("module faulted", "module", inst.Name(), "instance", inst.ID, "reason", cause.Error())
}

// RecordViolation implements ViolationSink: every capability or quota
// breach lands in the audit log and on the event bus, whether it was
// raised by a sandbox interposer or by the router.
func (rt *Runtime) RecordViolation(rec ViolationRecord) {
	ctx := context.Background()
	_ = rt.audit.Append(ctx, AuditEntry{
		Kind:        AuditViolation,
		Module:      rec.Module,
		Transaction: rec.TransactionID,
		Detail: map[string]any{
			"instanceId": rec.InstanceID, "capability": rec.Capability, "reason": rec.Reason,
		},
	})
	rt.emit(ctx, EventTypeViolationDetected, map[string]any{
		"module": rec.Module, "capability": rec.Capability, "kind": capabilityKind(rec.Capability), "reason": rec.Reason,
	})
}

// isQuotaBreach reports whether err is one of the metered resource
// limits rather than an ordinary module error.
func isQuotaBreach(err error) bool {
	return errors.Is(err, ErrQuotaMemory) ||
		errors.Is(err, ErrQuotaCPUTime) ||
		errors.Is(err, ErrQuotaWallClock) ||
		errors.Is(err, ErrQuotaCallDepth)
}

// quotaCapability maps a quota error to the capability string recorded
// on its violation.
func quotaCapability(err error) string {
	switch {
	case errors.Is(err, ErrQuotaMemory):
		return "memory:limit"
	case errors.Is(err, ErrQuotaCPUTime):
		return "cpu:limit"
	case errors.Is(err, ErrQuotaWallClock):
		return "clock:limit"
	case errors.Is(err, ErrQuotaCallDepth):
		return "calls:depth"
	default:
		return ""
	}
}

func capabilityKind(capability string) string {
	if idx := strings.IndexByte(capability, ':'); idx > 0 {
		return capability[:idx]
	}
	return capability
}

// Status returns the operator-facing view of one module.
func (rt *Runtime) Status(name string) (InstanceStatus, error) {
	inst, ok := rt.registry.Lookup(name)
	if !ok {
		return InstanceStatus{}, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return inst.Status(), nil
}

// Statuses returns status for every registered module, sorted by name.
func (rt *Runtime) Statuses() []InstanceStatus {
	return rt.registry.Statuses()
}

// Audit returns the most recent n audit entries, oldest first.
func (rt *Runtime) Audit(ctx context.Context, n int) ([]AuditEntry, error) {
	return rt.audit.Tail(ctx, n)
}

// Checkpoints returns the newest-first checkpoint chain for a module.
func (rt *Runtime) Checkpoints(ctx context.Context, name string, limit int) ([]*Checkpoint, error) {
	return rt.checkpoints.Chain(ctx, name, limit)
}

// Cancel requests cancellation of the in-progress reload for name.
func (rt *Runtime) Cancel(name string) error {
	tx, ok := rt.coordinator.Active(name)
	if !ok {
		return fmt.Errorf("%w: no active transaction for %s", ErrModuleNotFound, name)
	}
	return tx.Cancel()
}

// Subject exposes the event bus for external observers.
func (rt *Runtime) Subject() Subject { return rt.subject }

// Metrics exposes the Prometheus collector for exposition.
func (rt *Runtime) Metrics() *MetricsCollector { return rt.metrics }

// pruneAll trims every module's checkpoint chain to the configured
// retention, keeping at least the current checkpoint.
func (rt *Runtime) pruneAll(ctx context.Context) {
	modules, err := rt.checkpoints.Modules(ctx)
	if err != nil {
		rt.logger.Error("checkpoint prune could not list modules", "error", err)
		return
	}
	for _, name := range modules {
		pruned, err := rt.checkpoints.Prune(ctx, name, rt.cfg.CheckpointRetain)
		if err != nil {
			rt.logger.Error("checkpoint prune failed", "module", name, "error", err)
			continue
		}
		if pruned == 0 {
			continue
		}
		_ = rt.audit.Append(ctx, AuditEntry{
			Kind:   AuditCheckpointPruned,
			Module: name,
			Detail: map[string]any{"pruned": pruned, "retained": rt.cfg.CheckpointRetain},
		})
		rt.emit(ctx, EventTypeCheckpointPruned, map[string]any{"module": name, "pruned": pruned})
		rt.logger.Debug("pruned checkpoints", "module", name, "pruned", pruned)
	}
}

func (rt *Runtime) emit(ctx context.Context, eventType string, data map[string]any) {
	_ = rt.subject.NotifyObservers(ctx, NewCloudEvent(eventType, data))
}
