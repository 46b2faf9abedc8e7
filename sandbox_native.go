package hotswap

import (
	"context"
	"fmt"
	"net"
	"os"
	"plugin"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HostAPI is the only door a native module has to the world. The
// sandbox hands an implementation to the module's Bind symbol at
// instantiation; every method checks the module's capability manifest
// before touching the resource, so capability enforcement happens at
// the interposition layer rather than inside module code.
type HostAPI interface {
	// ReadFile reads a file the manifest grants filesystem:read on.
	ReadFile(path string) ([]byte, error)

	// WriteFile writes a file the manifest grants filesystem:write on.
	WriteFile(path string, data []byte) error

	// Dial opens an outbound connection the manifest grants
	// network:connect on.
	Dial(network, address string) (net.Conn, error)
}

// ViolationSink receives capability and quota breach records raised by
// sandbox hosts. The runtime wires this to the audit log, the event
// subject and instance faulting.
type ViolationSink interface {
	RecordViolation(v ViolationRecord)
}

// Native module entry symbols, looked up in the opened shared object:
//
//	func Handle(op, payload string) (string, error)   // required
//	func Snapshot() (string, error)                    // optional
//	func Restore(state string) error                   // optional
//	func Bind(host hotswap.HostAPI)                    // optional
const nativeEntrySymbol = "Handle"

// NativeHost runs trusted modules from shared objects loaded
// in-process. Isolation is by interposition, not by memory: the module
// sees only HostAPI, and every HostAPI call is checked against the
// manifest and metered against the quota.
//
// Shared objects cannot be unloaded by the Go runtime; Terminate drops
// the handle and refuses further calls, and identical artifacts are
// deduplicated by content digest so repeated reloads of the same
// payload do not accumulate mappings.
type NativeHost struct {
	logger     Logger
	defaults   ResourceQuota
	violations ViolationSink

	mu      sync.Mutex
	handles map[string]*nativeHandle
	plugins map[string]*plugin.Plugin // keyed by content digest
}

// NewNativeHost creates the native sandbox host.
func NewNativeHost(logger Logger, defaults ResourceQuota, violations ViolationSink) *NativeHost {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &NativeHost{
		logger:     logger,
		defaults:   defaults,
		violations: violations,
		handles:    make(map[string]*nativeHandle),
		plugins:    make(map[string]*plugin.Plugin),
	}
}

type nativeHandle struct {
	id      string
	module  string
	exports map[string]struct{}
	meter   *quotaMeter

	mu         sync.Mutex
	terminated bool
	handleFn   func(string, string) (string, error)
	snapshotFn func() (string, error)
	restoreFn  func(string) error
}

func (h *nativeHandle) ID() string         { return h.id }
func (h *nativeHandle) Kind() ArtifactKind { return ArtifactNative }

// Instantiate opens the shared object (reusing a prior mapping when the
// digest matches), binds the entry symbols and hands the module its
// interposed HostAPI.
func (s *NativeHost) Instantiate(ctx context.Context, desc *ModuleDescriptor) (SandboxHandle, error) {
	if desc == nil {
		return nil, ErrDescriptorNil
	}
	if desc.Artifact.Path == "" {
		return nil, fmt.Errorf("%w: native artifact requires a library path", ErrArtifactMissing)
	}
	digest, err := desc.ContentDigest()
	if err != nil {
		return nil, err
	}

	manifest, err := desc.Manifest()
	if err != nil {
		return nil, err
	}
	quota, err := manifest.Quota(s.defaults)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	p, cached := s.plugins[digest]
	s.mu.Unlock()
	if !cached {
		p, err = plugin.Open(desc.Artifact.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: opening %s: %w", errLoadWrap(desc), desc.Artifact.Path, err)
		}
		s.mu.Lock()
		s.plugins[digest] = p
		s.mu.Unlock()
	}

	sym, err := p.Lookup(nativeEntrySymbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSymbolMissing, nativeEntrySymbol, err)
	}
	handleFn, ok := sym.(func(string, string) (string, error))
	if !ok {
		return nil, fmt.Errorf("%w: %s has wrong signature", ErrSymbolMissing, nativeEntrySymbol)
	}

	h := &nativeHandle{
		id:       uuid.NewString(),
		module:   desc.Name,
		exports:  desc.ExportSet(),
		meter:    newQuotaMeter(quota),
		handleFn: handleFn,
	}
	if sym, err := p.Lookup("Snapshot"); err == nil {
		if fn, ok := sym.(func() (string, error)); ok {
			h.snapshotFn = fn
		}
	}
	if sym, err := p.Lookup("Restore"); err == nil {
		if fn, ok := sym.(func(string) error); ok {
			h.restoreFn = fn
		}
	}
	if sym, err := p.Lookup("Bind"); err == nil {
		if bind, ok := sym.(func(HostAPI)); ok {
			bind(&interposer{host: s, handle: h, manifest: manifest})
		}
	}

	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()

	s.logger.Debug("native module instantiated", "module", desc.Name, "version", desc.Version, "handle", h.id)
	return h, nil
}

// Invoke mirrors the portable host's boundary checks: depth and memory
// on entry, wall clock around the call, cumulative cpu-time after.
func (s *NativeHost) Invoke(ctx context.Context, handle SandboxHandle, operation string, payload []byte) ([]byte, error) {
	h, err := s.handle(handle)
	if err != nil {
		return nil, err
	}
	if _, ok := h.exports[operation]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrOperationUnknown, operation)
	}

	frame := callFrameFrom(ctx)
	if err := h.meter.checkDepth(frame.depth); err != nil {
		return nil, err
	}
	if err := h.meter.checkMemory(uint64(len(payload))); err != nil {
		return nil, err
	}
	defer h.meter.releaseMemory(uint64(len(payload)))

	callCtx := ctx
	if wall := h.meter.wallDeadline(); wall > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, wall)
		defer cancel()
	}

	type callResult struct {
		out string
		err error
	}
	resultCh := make(chan callResult, 1)
	start := time.Now()
	go func() {
		h.mu.Lock()
		terminated := h.terminated
		h.mu.Unlock()
		if terminated {
			resultCh <- callResult{err: ErrSandboxTerminated}
			return
		}
		out, err := h.handleFn(operation, string(payload))
		resultCh <- callResult{out: out, err: err}
	}()

	select {
	case res := <-resultCh:
		if cpuErr := h.meter.chargeCPU(time.Since(start)); cpuErr != nil {
			return nil, cpuErr
		}
		if res.err != nil {
			return nil, fmt.Errorf("module %s operation %s: %w", h.module, operation, res.err)
		}
		return []byte(res.out), nil
	case <-callCtx.Done():
		_ = h.meter.chargeCPU(time.Since(start))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrQuotaWallClock
	}
}

// Snapshot captures module state through the optional Snapshot symbol.
func (s *NativeHost) Snapshot(ctx context.Context, handle SandboxHandle) ([]byte, error) {
	h, err := s.handle(handle)
	if err != nil {
		return nil, err
	}
	if h.snapshotFn == nil {
		return []byte("{}"), nil
	}
	out, err := h.snapshotFn()
	if err != nil {
		return nil, fmt.Errorf("module %s snapshot: %w", h.module, err)
	}
	return []byte(out), nil
}

// Restore loads state through the optional Restore symbol.
func (s *NativeHost) Restore(ctx context.Context, handle SandboxHandle, state []byte) error {
	h, err := s.handle(handle)
	if err != nil {
		return err
	}
	if h.restoreFn == nil {
		return nil
	}
	if err := h.restoreFn(string(state)); err != nil {
		return fmt.Errorf("module %s restore: %w", h.module, err)
	}
	return nil
}

// Terminate refuses further calls through the handle. The mapping stays
// resident (shared objects cannot unload) but is reused on digest match.
func (s *NativeHost) Terminate(handle SandboxHandle) error {
	h, err := s.handle(handle)
	if err != nil {
		return nil
	}
	h.mu.Lock()
	h.terminated = true
	h.mu.Unlock()
	s.mu.Lock()
	delete(s.handles, h.id)
	s.mu.Unlock()
	return nil
}

func (s *NativeHost) handle(handle SandboxHandle) (*nativeHandle, error) {
	if handle == nil {
		return nil, ErrSandboxTerminated
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[handle.ID()]
	if !ok {
		return nil, ErrSandboxTerminated
	}
	return h, nil
}

func (s *NativeHost) recordViolation(h *nativeHandle, capability Capability, reason string) {
	if s.violations == nil {
		return
	}
	s.violations.RecordViolation(newViolationRecord(h.module, h.id, capability.String(), reason, 0))
}

// interposer is the HostAPI given to native modules. Every method
// checks the manifest first and raises a ViolationRecord on denial, so
// a module cannot silently probe beyond its grants.
type interposer struct {
	host     *NativeHost
	handle   *nativeHandle
	manifest *CapabilitySet
}

func (ip *interposer) ReadFile(path string) ([]byte, error) {
	if !ip.manifest.Permits(CapKindFilesystem, "read", path) {
		denied := Capability{Kind: CapKindFilesystem, Action: "read", Scope: path}
		ip.host.recordViolation(ip.handle, denied, "filesystem read outside granted prefixes")
		return nil, fmt.Errorf("%w: %s", ErrCapabilityDenied, denied)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("host read %s: %w", path, err)
	}
	if err := ip.handle.meter.checkMemory(uint64(len(data))); err != nil {
		ip.host.recordViolation(ip.handle, Capability{Kind: CapKindMemory, Action: "limit"}, err.Error())
		return nil, err
	}
	ip.handle.meter.releaseMemory(uint64(len(data)))
	return data, nil
}

func (ip *interposer) WriteFile(path string, data []byte) error {
	if !ip.manifest.Permits(CapKindFilesystem, "write", path) {
		denied := Capability{Kind: CapKindFilesystem, Action: "write", Scope: path}
		ip.host.recordViolation(ip.handle, denied, "filesystem write outside granted prefixes")
		return fmt.Errorf("%w: %s", ErrCapabilityDenied, denied)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("host write %s: %w", path, err)
	}
	return nil
}

func (ip *interposer) Dial(network, address string) (net.Conn, error) {
	if !ip.manifest.Permits(CapKindNetwork, "connect", address) {
		denied := Capability{Kind: CapKindNetwork, Action: "connect", Scope: address}
		ip.host.recordViolation(ip.handle, denied, "outbound connection outside granted hosts")
		return nil, fmt.Errorf("%w: %s", ErrCapabilityDenied, denied)
	}
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("host dial %s: %w", address, err)
	}
	return conn, nil
}
