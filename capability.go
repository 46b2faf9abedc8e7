package hotswap

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// Capability is an atomic permission grant following the grammar
// <kind>:<action>:<scope>, for example:
//
//	filesystem:read:/docs
//	network:connect:localhost:*
//	module:call:parser
//	memory:limit:100MB
//
// Capabilities are additive and never inherited implicitly; a module
// requests exactly the set it needs in its descriptor manifest.
type Capability struct {
	Kind   string
	Action string
	Scope  string
}

// Capability kinds understood by the host. Descriptors requesting any
// other kind fail the gatekeeper's structure check.
const (
	CapKindFilesystem = "filesystem"
	CapKindNetwork    = "network"
	CapKindModule     = "module"
	CapKindMemory     = "memory"
	CapKindCPU        = "cpu"
	CapKindClock      = "clock"
	CapKindCalls      = "calls"
)

// ParseCapability parses a capability string of the form
// kind:action:scope. The scope may itself contain colons (network
// scopes are host:port), so only the first two separators split.
func ParseCapability(s string) (Capability, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Capability{}, fmt.Errorf("%w: %q", ErrCapabilityMalformed, s)
	}
	return Capability{Kind: parts[0], Action: parts[1], Scope: parts[2]}, nil
}

// String renders the capability back in grammar form.
func (c Capability) String() string {
	return c.Kind + ":" + c.Action + ":" + c.Scope
}

// scopeCovers reports whether a granted scope covers a requested scope
// for the given capability kind. Filesystem scopes cover by path
// prefix; network scopes cover host:port with * wildcards per segment;
// everything else covers by exact match or a granted "*".
func scopeCovers(kind, granted, requested string) bool {
	if granted == "*" {
		return true
	}
	switch kind {
	case CapKindFilesystem:
		g := path.Clean(granted)
		r := path.Clean(requested)
		if g == "/" {
			return strings.HasPrefix(r, "/")
		}
		return r == g || strings.HasPrefix(r, g+"/")
	case CapKindNetwork:
		gHost, gPort := splitHostPort(granted)
		rHost, rPort := splitHostPort(requested)
		if gHost != "*" && gHost != rHost {
			return false
		}
		if gPort != "*" && gPort != rPort {
			return false
		}
		return true
	default:
		return granted == requested
	}
}

func splitHostPort(s string) (host, port string) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return s, "*"
	}
	return s[:idx], s[idx+1:]
}

// CapabilitySet is a parsed capability manifest.
type CapabilitySet struct {
	caps []Capability
}

// ParseCapabilitySet parses a flat manifest of capability strings. The
// whole set fails if any entry is malformed.
func ParseCapabilitySet(manifest []string) (*CapabilitySet, error) {
	set := &CapabilitySet{caps: make([]Capability, 0, len(manifest))}
	for _, s := range manifest {
		c, err := ParseCapability(s)
		if err != nil {
			return nil, err
		}
		set.caps = append(set.caps, c)
	}
	return set, nil
}

// Capabilities returns the parsed grants in manifest order.
func (s *CapabilitySet) Capabilities() []Capability {
	out := make([]Capability, len(s.caps))
	copy(out, s.caps)
	return out
}

// Permits reports whether the set grants the requested kind/action on
// the requested scope.
func (s *CapabilitySet) Permits(kind, action, scope string) bool {
	for _, c := range s.caps {
		if c.Kind != kind || c.Action != action {
			continue
		}
		if scopeCovers(kind, c.Scope, scope) {
			return true
		}
	}
	return false
}

// PermitsCall reports whether the manifest explicitly lists the callee
// module name. Cross-module calls without this grant are refused to
// prevent confused-deputy escalation.
func (s *CapabilitySet) PermitsCall(callee string) bool {
	return s.Permits(CapKindModule, "call", callee)
}

// Covers reports whether the set (acting as a ceiling) covers the
// given capability: same kind and action, with the requested scope
// inside some granted scope. Limit-style capabilities (memory, cpu,
// clock, calls) are covered when the requested bound does not exceed
// the ceiling's bound.
func (s *CapabilitySet) Covers(req Capability) bool {
	for _, c := range s.caps {
		if c.Kind != req.Kind || c.Action != req.Action {
			continue
		}
		switch req.Kind {
		case CapKindMemory:
			ceil, err1 := parseByteSize(c.Scope)
			want, err2 := parseByteSize(req.Scope)
			if err1 == nil && err2 == nil && want <= ceil {
				return true
			}
		case CapKindCPU, CapKindClock:
			ceil, err1 := time.ParseDuration(c.Scope)
			want, err2 := time.ParseDuration(req.Scope)
			if err1 == nil && err2 == nil && want <= ceil {
				return true
			}
		case CapKindCalls:
			ceil, err1 := strconv.Atoi(c.Scope)
			want, err2 := strconv.Atoi(req.Scope)
			if err1 == nil && err2 == nil && want <= ceil {
				return true
			}
		default:
			if scopeCovers(req.Kind, c.Scope, req.Scope) {
				return true
			}
		}
	}
	return false
}

// Quota extracts the resource bounds declared via limit capabilities,
// falling back to the given defaults for any bound not declared.
func (s *CapabilitySet) Quota(defaults ResourceQuota) (ResourceQuota, error) {
	q := defaults
	for _, c := range s.caps {
		switch {
		case c.Kind == CapKindMemory && c.Action == "limit":
			bytes, err := parseByteSize(c.Scope)
			if err != nil {
				return q, fmt.Errorf("%w: memory limit %q: %w", ErrCapabilityMalformed, c.Scope, err)
			}
			q.MaxMemoryBytes = bytes
		case c.Kind == CapKindCPU && c.Action == "limit":
			d, err := time.ParseDuration(c.Scope)
			if err != nil {
				return q, fmt.Errorf("%w: cpu limit %q: %w", ErrCapabilityMalformed, c.Scope, err)
			}
			q.MaxCPUTime = d
		case c.Kind == CapKindClock && c.Action == "limit":
			d, err := time.ParseDuration(c.Scope)
			if err != nil {
				return q, fmt.Errorf("%w: clock limit %q: %w", ErrCapabilityMalformed, c.Scope, err)
			}
			q.MaxWallClock = d
		case c.Kind == CapKindCalls && c.Action == "depth":
			n, err := strconv.Atoi(c.Scope)
			if err != nil {
				return q, fmt.Errorf("%w: call depth %q: %w", ErrCapabilityMalformed, c.Scope, err)
			}
			q.MaxCallDepth = n
		}
	}
	return q, nil
}

// byteSizeUnits maps size suffixes to multipliers. Both IEC-ish short
// forms (KB, MB, GB) and bare byte counts are accepted.
var byteSizeUnits = []struct {
	suffix string
	mult   uint64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

func parseByteSize(s string) (uint64, error) {
	trimmed := strings.TrimSpace(strings.ToUpper(s))
	for _, u := range byteSizeUnits {
		if strings.HasSuffix(trimmed, u.suffix) {
			numeric := strings.TrimSuffix(trimmed, u.suffix)
			n, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size %q: %w", s, err)
			}
			return uint64(n * float64(u.mult)), nil
		}
	}
	n, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}
