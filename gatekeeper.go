package hotswap

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SafetyVerdict is the result of one gatekeeper gate.
type SafetyVerdict struct {
	Gate   string `json:"gate"`
	Pass   bool   `json:"pass"`
	Reason string `json:"reason"`
}

// GateContext carries everything a gate needs to judge a change
// request: the currently serving instance (nil on first load), the
// target descriptor, and the target already instantiated in a parallel
// sandbox during the Preparing phase.
type GateContext struct {
	Module      string
	Transaction uint64
	Current     *ModuleInstance
	Target      *ModuleDescriptor
	Sandbox     CapabilitySandbox
	Prepared    SandboxHandle
}

// SafetyGate is one independent check in the approval pipeline. Gates
// are order-independent: each judges the change request on its own
// evidence and never depends on another gate's verdict.
type SafetyGate interface {
	Name() string
	Check(ctx context.Context, gc *GateContext) SafetyVerdict
}

// GatekeeperConfig holds the configured ceilings the gates judge
// against.
type GatekeeperConfig struct {
	// CapabilityCeilings is the maximum capability surface the host
	// grants; every requested capability must be covered by one.
	CapabilityCeilings []string

	// DeniedPatterns are substrings whose presence in a portable
	// artifact's source fails the security gate.
	DeniedPatterns []string

	// PerfRegressionPct is the maximum tolerated mean-latency
	// regression of the new instance versus the running one, percent.
	PerfRegressionPct float64

	// BenchmarkSamples is how many invocations the performance gate
	// runs against the prepared sandbox.
	BenchmarkSamples int
}

// SafetyGatekeeper runs the five-gate approval pipeline a change
// request must pass before any reload phase transition begins. All five
// verdicts are always computed and recorded to the audit log regardless
// of outcome; a single failure blocks the transaction (fail-closed).
type SafetyGatekeeper struct {
	gates  []SafetyGate
	audit  AuditLog
	logger Logger
}

// NewSafetyGatekeeper assembles the standard five gates.
func NewSafetyGatekeeper(cfg GatekeeperConfig, checkpoints CheckpointStore, audit AuditLog, logger Logger) (*SafetyGatekeeper, error) {
	if logger == nil {
		logger = NoopLogger{}
	}
	ceilings, err := ParseCapabilitySet(cfg.CapabilityCeilings)
	if err != nil {
		return nil, fmt.Errorf("parsing capability ceilings: %w", err)
	}
	samples := cfg.BenchmarkSamples
	if samples <= 0 {
		samples = 16
	}
	return &SafetyGatekeeper{
		gates: []SafetyGate{
			&structureGate{},
			&semanticDiffGate{},
			&securityGate{ceilings: ceilings, deniedPatterns: cfg.DeniedPatterns},
			&performanceGate{regressionPct: cfg.PerfRegressionPct, samples: samples},
			&reversibilityGate{checkpoints: checkpoints},
		},
		audit:  audit,
		logger: logger,
	}, nil
}

// Evaluate runs every gate, records every verdict, and returns a
// SafetyRejection carrying all five verdicts when any gate fails.
func (k *SafetyGatekeeper) Evaluate(ctx context.Context, gc *GateContext) ([]SafetyVerdict, error) {
	verdicts := make([]SafetyVerdict, 0, len(k.gates))
	allPass := true
	for _, gate := range k.gates {
		v := gate.Check(ctx, gc)
		verdicts = append(verdicts, v)
		if !v.Pass {
			allPass = false
		}
		if k.audit != nil {
			_ = k.audit.Append(ctx, AuditEntry{
				Kind:        AuditSafetyVerdict,
				Module:      gc.Module,
				Transaction: gc.Transaction,
				Detail:      map[string]any{"gate": v.Gate, "pass": v.Pass, "reason": v.Reason},
			})
		}
		k.logger.Debug("safety verdict", "module", gc.Module, "gate", v.Gate, "pass", v.Pass, "reason", v.Reason)
	}
	if !allPass {
		return verdicts, &SafetyRejection{Module: gc.Module, Verdicts: verdicts}
	}
	return verdicts, nil
}

// permittedCapabilityKinds is the closed set of kinds the host
// understands. Requesting any other kind is a structural failure, not a
// ceiling breach.
var permittedCapabilityKinds = map[string]bool{
	CapKindFilesystem: true,
	CapKindNetwork:    true,
	CapKindModule:     true,
	CapKindMemory:     true,
	CapKindCPU:        true,
	CapKindClock:      true,
	CapKindCalls:      true,
}

// structureGate checks that the manifest is well-formed and that every
// declared capability kind is one the host can enforce.
type structureGate struct{}

func (*structureGate) Name() string { return "structure" }

func (*structureGate) Check(ctx context.Context, gc *GateContext) SafetyVerdict {
	if err := gc.Target.Validate(); err != nil {
		return SafetyVerdict{Gate: "structure", Pass: false, Reason: err.Error()}
	}
	manifest, err := gc.Target.Manifest()
	if err != nil {
		return SafetyVerdict{Gate: "structure", Pass: false, Reason: err.Error()}
	}
	for _, c := range manifest.Capabilities() {
		if !permittedCapabilityKinds[c.Kind] {
			return SafetyVerdict{Gate: "structure", Pass: false,
				Reason: fmt.Sprintf("capability kind %q is not enforceable by this host", c.Kind)}
		}
	}
	return SafetyVerdict{Gate: "structure", Pass: true, Reason: "manifest well-formed"}
}

// semanticDiffGate checks the new descriptor's public interface against
// the running one: dropping an exported operation is only allowed when
// the change is explicitly marked breaking.
type semanticDiffGate struct{}

func (*semanticDiffGate) Name() string { return "semantic-diff" }

func (*semanticDiffGate) Check(ctx context.Context, gc *GateContext) SafetyVerdict {
	if gc.Current == nil {
		return SafetyVerdict{Gate: "semantic-diff", Pass: true, Reason: "first load, no prior interface"}
	}
	newExports := gc.Target.ExportSet()
	var missing []string
	for _, op := range gc.Current.Descriptor.Exports {
		if _, ok := newExports[op]; !ok {
			missing = append(missing, op)
		}
	}
	if len(missing) == 0 {
		return SafetyVerdict{Gate: "semantic-diff", Pass: true, Reason: "public interface compatible"}
	}
	sort.Strings(missing)
	if gc.Target.Breaking {
		return SafetyVerdict{Gate: "semantic-diff", Pass: true,
			Reason: fmt.Sprintf("breaking change acknowledged, drops: %s", strings.Join(missing, ", "))}
	}
	return SafetyVerdict{Gate: "semantic-diff", Pass: false,
		Reason: fmt.Sprintf("drops exported operations without breaking acknowledgement: %s", strings.Join(missing, ", "))}
}

// securityGate checks every requested capability against the configured
// ceilings and scans portable source for known-bad patterns.
type securityGate struct {
	ceilings       *CapabilitySet
	deniedPatterns []string
}

func (*securityGate) Name() string { return "security" }

func (g *securityGate) Check(ctx context.Context, gc *GateContext) SafetyVerdict {
	manifest, err := gc.Target.Manifest()
	if err != nil {
		return SafetyVerdict{Gate: "security", Pass: false, Reason: err.Error()}
	}
	for _, c := range manifest.Capabilities() {
		if !g.ceilings.Covers(c) {
			return SafetyVerdict{Gate: "security", Pass: false,
				Reason: fmt.Sprintf("requested capability %s exceeds configured ceiling", c)}
		}
	}
	if src := gc.Target.Artifact.Source; src != "" {
		for _, pattern := range g.deniedPatterns {
			if strings.Contains(src, pattern) {
				return SafetyVerdict{Gate: "security", Pass: false,
					Reason: fmt.Sprintf("artifact contains denied pattern %q", pattern)}
			}
		}
	}
	return SafetyVerdict{Gate: "security", Pass: true, Reason: "capabilities within ceilings"}
}

// performanceGate micro-benchmarks the prepared instance and fails when
// its mean latency regresses beyond the configured percentage versus
// the currently running instance.
type performanceGate struct {
	regressionPct float64
	samples       int
}

func (*performanceGate) Name() string { return "performance" }

func (g *performanceGate) Check(ctx context.Context, gc *GateContext) SafetyVerdict {
	if gc.Current == nil {
		return SafetyVerdict{Gate: "performance", Pass: true, Reason: "first load, no baseline"}
	}
	baseline := gc.Current.meanLatency()
	if baseline == 0 {
		return SafetyVerdict{Gate: "performance", Pass: true, Reason: "running instance has no latency baseline"}
	}
	if gc.Prepared == nil || gc.Sandbox == nil || len(gc.Target.Exports) == 0 {
		return SafetyVerdict{Gate: "performance", Pass: false, Reason: "no prepared sandbox to benchmark"}
	}

	op := gc.Target.Exports[0]
	start := time.Now()
	completed := 0
	for i := 0; i < g.samples; i++ {
		if _, err := gc.Sandbox.Invoke(ctx, gc.Prepared, op, []byte("{}")); err != nil {
			return SafetyVerdict{Gate: "performance", Pass: false,
				Reason: fmt.Sprintf("benchmark invocation failed: %v", err)}
		}
		completed++
	}
	mean := time.Since(start) / time.Duration(completed)
	limit := time.Duration(float64(baseline) * (1 + g.regressionPct/100))
	if mean > limit {
		return SafetyVerdict{Gate: "performance", Pass: false,
			Reason: fmt.Sprintf("mean latency %v exceeds %v (baseline %v + %.0f%%)", mean, limit, baseline, g.regressionPct)}
	}
	return SafetyVerdict{Gate: "performance", Pass: true,
		Reason: fmt.Sprintf("mean latency %v within %.0f%% of baseline %v", mean, g.regressionPct, baseline)}
}

// reversibilityGate verifies a checkpoint chain exists the transaction
// could roll back to. A first load has nothing to revert and passes.
type reversibilityGate struct {
	checkpoints CheckpointStore
}

func (*reversibilityGate) Name() string { return "reversibility" }

func (g *reversibilityGate) Check(ctx context.Context, gc *GateContext) SafetyVerdict {
	if gc.Current == nil {
		return SafetyVerdict{Gate: "reversibility", Pass: true, Reason: "first load, nothing to revert"}
	}
	if g.checkpoints == nil {
		return SafetyVerdict{Gate: "reversibility", Pass: false, Reason: "no checkpoint store configured"}
	}
	cp, err := g.checkpoints.Latest(ctx, gc.Module)
	if err != nil {
		return SafetyVerdict{Gate: "reversibility", Pass: false,
			Reason: fmt.Sprintf("no rollback target: %v", err)}
	}
	return SafetyVerdict{Gate: "reversibility", Pass: true,
		Reason: fmt.Sprintf("rollback target checkpoint %s", cp.ID)}
}
