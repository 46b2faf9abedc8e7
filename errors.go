package hotswap

import (
	"errors"
	"fmt"
	"strings"
)

// Runtime errors
var (
	// Descriptor / load errors
	ErrDescriptorNil          = errors.New("module descriptor is nil")
	ErrDescriptorNameEmpty    = errors.New("module descriptor name cannot be empty")
	ErrDescriptorInvalid      = errors.New("module descriptor failed validation")
	ErrArtifactMissing        = errors.New("module artifact has neither source nor path")
	ErrArtifactDigestMismatch = errors.New("module artifact digest does not match content")
	ErrArtifactKindUnknown    = errors.New("unknown artifact kind")
	ErrDependencyMissing      = errors.New("module depends on a module that is not loaded")
	ErrDependencyVersion      = errors.New("loaded dependency does not satisfy version constraint")
	ErrInvalidVersion         = errors.New("module version is not valid semver")
	ErrDescriptorNameMismatch = errors.New("descriptor name does not match the addressed module")
	ErrInvalidVersionRange    = errors.New("dependency version range is malformed")

	// Capability errors
	ErrCapabilityMalformed = errors.New("capability does not match kind:action:scope grammar")
	ErrCapabilityDenied    = errors.New("capability denied")

	// Registry errors
	ErrRegistryConflict = errors.New("a ready instance is already registered for this module name")
	ErrModuleNotFound   = errors.New("module not found in registry")
	ErrInstanceNotReady = errors.New("module instance is not ready")
	ErrReloadInProgress = errors.New("a reload transaction is already in progress for this module")

	// Sandbox / invocation errors
	ErrSandboxTerminated = errors.New("sandbox handle has been terminated")
	ErrOperationUnknown  = errors.New("module does not export the requested operation")
	ErrQuotaMemory       = errors.New("memory quota exceeded")
	ErrQuotaCPUTime      = errors.New("cpu-time quota exceeded")
	ErrQuotaWallClock    = errors.New("wall-clock quota exceeded")
	ErrQuotaCallDepth    = errors.New("call-depth quota exceeded")
	ErrCrossModuleDenied = errors.New("caller manifest does not grant a call capability for the callee")
	ErrInstanceFaulted   = errors.New("module instance is faulted and excluded from traffic")
	ErrForbiddenImport   = errors.New("module source imports a package outside the allowed set")
	ErrSymbolMissing     = errors.New("module code does not define the required entry symbol")

	// State errors
	ErrSnapshotNil          = errors.New("state snapshot is nil")
	ErrSnapshotChecksum     = errors.New("state snapshot checksum mismatch")
	ErrNoMigrationPath      = errors.New("no transform path between schema versions")
	ErrTransformUnknownOp   = errors.New("unknown schema transform operation")
	ErrTransformFieldAbsent = errors.New("schema transform references a field absent from the state")

	// Transaction errors
	ErrDrainDeadline       = errors.New("drain timeout")
	ErrTransactionCanceled = errors.New("reload transaction canceled by operator")
	ErrCancelAfterSwap     = errors.New("reload transaction cannot be canceled after the swap phase")
	ErrVerificationFailed  = errors.New("new instance failed verification")

	// Checkpoint errors
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrCheckpointCorrupt  = errors.New("checkpoint record is corrupt")
	ErrNothingToRevert    = errors.New("no prior checkpoint exists for this module")

	// Config errors
	ErrConfigUnknownFormat = errors.New("config file format not recognized")
	ErrConfigInvalid       = errors.New("runtime config failed validation")

	// Event errors
	ErrObserverNil = errors.New("observer cannot be nil")
)

// SafetyRejection is returned when one or more gatekeeper gates fail.
// It carries every verdict so callers can diagnose the full gate run,
// not just the first failure.
type SafetyRejection struct {
	Module   string
	Verdicts []SafetyVerdict
}

// Error implements the error interface, listing the failing gates.
func (r *SafetyRejection) Error() string {
	var failed []string
	for _, v := range r.Verdicts {
		if !v.Pass {
			failed = append(failed, fmt.Sprintf("%s: %s", v.Gate, v.Reason))
		}
	}
	return fmt.Sprintf("safety rejection for module %q: %s", r.Module, strings.Join(failed, "; "))
}

// Failed returns the subset of verdicts that did not pass.
func (r *SafetyRejection) Failed() []SafetyVerdict {
	var out []SafetyVerdict
	for _, v := range r.Verdicts {
		if !v.Pass {
			out = append(out, v)
		}
	}
	return out
}

// PhaseError wraps an error with the reload phase it occurred in, so a
// failed transaction reports where it died alongside why.
type PhaseError struct {
	Phase ReloadPhase
	Err   error
}

// Error implements the error interface.
func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s: %v", e.Phase, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *PhaseError) Unwrap() error { return e.Err }
