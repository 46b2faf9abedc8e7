package hotswap

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// interpAllowedImports is the stdlib subset portable modules may
// import. Anything touching the filesystem, the network, processes or
// unsafe memory is excluded; portable modules interact with the world
// only through operation payloads. Modules that genuinely need I/O run
// on the native host behind the interposition layer instead.
var interpAllowedImports = map[string]bool{
	"bytes":           true,
	"encoding/base64": true,
	"encoding/json":   true,
	"errors":          true,
	"fmt":             true,
	"math":            true,
	"math/rand":       true,
	"regexp":          true,
	"sort":            true,
	"strconv":         true,
	"strings":         true,
	"time":            true,
	"unicode":         true,
}

// Entry symbols a portable module defines in package main:
//
//	func Handle(op, payload string) (string, error)   // required
//	func Snapshot() (string, error)                    // optional
//	func Restore(state string) error                   // optional
//
// Modules without Snapshot/Restore are treated as stateless.
const interpEntrySymbol = "main.Handle"

// InterpHost executes portable module source in an embedded Go
// interpreter. Each handle owns its own interpreter, so instances are
// memory-isolated from one another and from the host by construction.
type InterpHost struct {
	logger   Logger
	defaults ResourceQuota

	mu      sync.Mutex
	handles map[string]*interpHandle
}

// NewInterpHost creates the portable sandbox host. The default quota
// applies to any bound a module's manifest does not declare.
func NewInterpHost(logger Logger, defaults ResourceQuota) *InterpHost {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &InterpHost{
		logger:   logger,
		defaults: defaults,
		handles:  make(map[string]*interpHandle),
	}
}

type interpHandle struct {
	id      string
	module  string
	exports map[string]struct{}
	meter   *quotaMeter

	// The interpreter is not safe for concurrent evaluation; calls are
	// serialized per handle.
	mu         sync.Mutex
	terminated bool
	handleFn   func(string, string) (string, error)
	snapshotFn func() (string, error)
	restoreFn  func(string) error
}

func (h *interpHandle) ID() string         { return h.id }
func (h *interpHandle) Kind() ArtifactKind { return ArtifactPortable }

// Instantiate validates the module source's imports, evaluates it in a
// fresh interpreter and binds the entry symbols.
func (s *InterpHost) Instantiate(ctx context.Context, desc *ModuleDescriptor) (SandboxHandle, error) {
	if desc == nil {
		return nil, ErrDescriptorNil
	}
	source := desc.Artifact.Source
	if source == "" {
		return nil, fmt.Errorf("%w: portable artifact requires inline source", ErrArtifactMissing)
	}
	if err := validatePortableImports(source); err != nil {
		return nil, fmt.Errorf("%w: %w", errLoadWrap(desc), err)
	}

	manifest, err := desc.Manifest()
	if err != nil {
		return nil, err
	}
	quota, err := manifest.Quota(s.defaults)
	if err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("%w: loading stdlib symbols: %w", errLoadWrap(desc), err)
	}
	if _, err := i.Eval(wrapPortableSource(source)); err != nil {
		return nil, fmt.Errorf("%w: evaluating module source: %w", errLoadWrap(desc), err)
	}

	entry, err := i.Eval(interpEntrySymbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSymbolMissing, interpEntrySymbol, err)
	}
	handleFn, ok := entry.Interface().(func(string, string) (string, error))
	if !ok {
		return nil, fmt.Errorf("%w: %s has wrong signature", ErrSymbolMissing, interpEntrySymbol)
	}

	h := &interpHandle{
		id:       uuid.NewString(),
		module:   desc.Name,
		exports:  desc.ExportSet(),
		meter:    newQuotaMeter(quota),
		handleFn: handleFn,
	}
	if v, err := i.Eval("main.Snapshot"); err == nil {
		if fn, ok := v.Interface().(func() (string, error)); ok {
			h.snapshotFn = fn
		}
	}
	if v, err := i.Eval("main.Restore"); err == nil {
		if fn, ok := v.Interface().(func(string) error); ok {
			h.restoreFn = fn
		}
	}

	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()

	s.logger.Debug("portable module instantiated", "module", desc.Name, "version", desc.Version, "handle", h.id)
	return h, nil
}

// Invoke runs one exported operation, enforcing quota on the call
// boundary: call depth on entry, payload bytes against the memory
// ceiling, wall clock around the call and cumulative cpu-time after it.
func (s *InterpHost) Invoke(ctx context.Context, handle SandboxHandle, operation string, payload []byte) ([]byte, error) {
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
		defer h.mu.Unlock()
		if h.terminated {
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
// Stateless modules yield an empty snapshot.
func (s *InterpHost) Snapshot(ctx context.Context, handle SandboxHandle) ([]byte, error) {
	h, err := s.handle(handle)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminated {
		return nil, ErrSandboxTerminated
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

// Restore loads state through the optional Restore symbol. Restoring
// into a stateless module is a no-op.
func (s *InterpHost) Restore(ctx context.Context, handle SandboxHandle, state []byte) error {
	h, err := s.handle(handle)
	if err != nil {
		return err
	}
	if err := h.meter.checkMemory(uint64(len(state))); err != nil {
		return err
	}
	defer h.meter.releaseMemory(uint64(len(state)))
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminated {
		return ErrSandboxTerminated
	}
	if h.restoreFn == nil {
		return nil
	}
	if err := h.restoreFn(string(state)); err != nil {
		return fmt.Errorf("module %s restore: %w", h.module, err)
	}
	return nil
}

// Terminate discards the handle; the interpreter becomes garbage once
// no call holds it.
func (s *InterpHost) Terminate(handle SandboxHandle) error {
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

func (s *InterpHost) handle(handle SandboxHandle) (*interpHandle, error) {
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

func errLoadWrap(desc *ModuleDescriptor) error {
	return fmt.Errorf("loading %s", desc.Ref())
}

// validatePortableImports rejects source importing anything outside
// the allowlist before it reaches the interpreter.
func validatePortableImports(source string) error {
	var forbidden []string
	inBlock := false
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock && trimmed != "":
			if pkg := importPath(trimmed); pkg != "" && !interpAllowedImports[pkg] {
				forbidden = append(forbidden, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			if pkg := importPath(strings.TrimPrefix(trimmed, "import ")); pkg != "" && !interpAllowedImports[pkg] {
				forbidden = append(forbidden, pkg)
			}
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("%w: %s", ErrForbiddenImport, strings.Join(forbidden, ", "))
	}
	return nil
}

// importPath extracts the quoted path from an import line, tolerating
// aliases and trailing comments.
func importPath(line string) string {
	start := strings.Index(line, `"`)
	if start < 0 {
		return ""
	}
	end := strings.Index(line[start+1:], `"`)
	if end < 0 {
		return ""
	}
	return line[start+1 : start+1+end]
}

// wrapPortableSource ensures the source carries a package clause.
func wrapPortableSource(source string) string {
	if strings.Contains(source, "package main") {
		return source
	}
	return "package main\n\n" + source
}
