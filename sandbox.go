package hotswap

import (
	"context"
)

// SandboxHandle is an opaque reference to an instantiated module inside
// a sandbox host. Handles are only meaningful to the host that created
// them.
type SandboxHandle interface {
	// ID returns the unique handle identifier.
	ID() string

	// Kind returns the artifact kind the handle executes.
	Kind() ArtifactKind
}

// CapabilitySandbox executes module code so that it can only observe or
// affect the world through its granted capabilities, with resource
// consumption metered against its quota.
//
// Two hosts satisfy this interface: the portable interpreter host for
// untrusted or generated modules, and the native shared-object host
// with an interposition layer for trusted, performance-critical ones.
// The rest of the runtime only sees this contract and typed errors; it
// never touches interpreter values or foreign calling conventions
// directly.
//
// Implementations must be safe for concurrent Invoke calls against the
// same handle, and must enforce quota checks on every call boundary.
// A mid-call quota breach aborts that call with a quota error; it must
// not crash the host process. The router translates the error into a
// Faulted instance and a ViolationRecord.
type CapabilitySandbox interface {
	// Instantiate loads the descriptor's artifact into a fresh sandbox.
	Instantiate(ctx context.Context, desc *ModuleDescriptor) (SandboxHandle, error)

	// Invoke runs one exported operation with an opaque payload.
	Invoke(ctx context.Context, h SandboxHandle, operation string, payload []byte) ([]byte, error)

	// Snapshot captures the module's internal state as opaque bytes.
	Snapshot(ctx context.Context, h SandboxHandle) ([]byte, error)

	// Restore loads previously captured state into the sandbox. It must
	// be idempotent: restoring the same bytes twice produces the same
	// observable internal state.
	Restore(ctx context.Context, h SandboxHandle, state []byte) error

	// Terminate tears the sandbox down. Idempotent.
	Terminate(h SandboxHandle) error
}

// callFrame carries cross-module call provenance through contexts so
// hosts can meter call depth and enforce module:call grants.
type callFrame struct {
	caller string
	depth  int
}

type callFrameKey struct{}

// withCallFrame records the calling module and its depth on the
// context.
func withCallFrame(ctx context.Context, caller string, depth int) context.Context {
	return context.WithValue(ctx, callFrameKey{}, callFrame{caller: caller, depth: depth})
}

// callFrameFrom extracts the call frame; external (non-module) callers
// get depth zero and no caller name.
func callFrameFrom(ctx context.Context) callFrame {
	if f, ok := ctx.Value(callFrameKey{}).(callFrame); ok {
		return f
	}
	return callFrame{}
}
