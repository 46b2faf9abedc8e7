package hotswap

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// ArtifactKind selects the sandbox host a module runs under.
type ArtifactKind string

const (
	// ArtifactPortable is interpreted module source, memory-isolated by
	// construction. Used for untrusted or machine-generated modules.
	ArtifactPortable ArtifactKind = "portable"

	// ArtifactNative is a shared object loaded in-process behind the
	// interposition layer. Used for trusted, performance-critical
	// modules.
	ArtifactNative ArtifactKind = "native"
)

// Artifact is the code payload of a module: either inline portable
// source or a path to a native library. Artifacts are content-addressed
// by sha256 so identical payloads deduplicate.
type Artifact struct {
	Kind   ArtifactKind `yaml:"kind" validate:"required,oneof=portable native"`
	Source string       `yaml:"source,omitempty"`
	Path   string       `yaml:"path,omitempty"`
	Digest string       `yaml:"digest,omitempty"`
}

// Dependency declares a required module and the semver range the
// loaded instance must satisfy, e.g. {Name: "parser", Range: ">=1.2.0 <2.0.0"}.
type Dependency struct {
	Name  string `yaml:"name" validate:"required"`
	Range string `yaml:"range,omitempty"`
}

// TransformOp is one declarative step of a schema migration.
type TransformOp struct {
	// Op is one of "add", "remove", "rename", "reshape".
	Op string `yaml:"op" validate:"required,oneof=add remove rename reshape"`

	// Field is the field the op applies to. For "reshape" it is a
	// dotted source path.
	Field string `yaml:"field" validate:"required"`

	// To is the target name ("rename") or dotted target path
	// ("reshape").
	To string `yaml:"to,omitempty"`

	// Default is the value inserted by "add" when the field is absent.
	Default any `yaml:"default,omitempty"`
}

// SchemaTransform migrates state from one schema version to the next.
// A descriptor carries the full list of transforms it knows about;
// StateManager chains them to build a path from the snapshot's schema
// to the descriptor's declared schema.
type SchemaTransform struct {
	FromVersion int           `yaml:"from" validate:"gte=0"`
	ToVersion   int           `yaml:"to" validate:"gtfield=FromVersion"`
	Ops         []TransformOp `yaml:"ops"`
}

// ModuleDescriptor identifies a loadable module version: name, semver,
// code artifact, capability manifest, dependency list and declared
// state schema. Descriptors are immutable once created.
type ModuleDescriptor struct {
	Name          string            `yaml:"name" validate:"required"`
	Version       string            `yaml:"version" validate:"required"`
	SchemaVersion int               `yaml:"schemaVersion" validate:"gte=0"`
	Artifact      Artifact          `yaml:"artifact" validate:"required"`
	Capabilities  []string          `yaml:"capabilities"`
	Dependencies  []Dependency      `yaml:"dependencies,omitempty" validate:"dive"`
	Exports       []string          `yaml:"exports" validate:"min=1"`
	Transforms    []SchemaTransform `yaml:"transforms,omitempty" validate:"dive"`

	// Breaking acknowledges an intentionally incompatible public
	// interface; without it the gatekeeper's semantic-diff gate refuses
	// a reload that drops exported operations.
	Breaking bool `yaml:"breaking,omitempty"`

	manifest *CapabilitySet
	digest   string
}

var descriptorValidate = validator.New(validator.WithRequiredStructEnabled())

// LoadDescriptor reads and validates a module descriptor from a YAML
// file.
func LoadDescriptor(path string) (*ModuleDescriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading descriptor %s: %w", path, err)
	}
	return ParseDescriptor(raw)
}

// ParseDescriptor parses and validates a YAML descriptor document.
func ParseDescriptor(raw []byte) (*ModuleDescriptor, error) {
	var d ModuleDescriptor
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDescriptorInvalid, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks structural validity: struct tags, capability grammar,
// semver and artifact payload presence. It is also reused by the
// gatekeeper's structure gate.
func (d *ModuleDescriptor) Validate() error {
	if d == nil {
		return ErrDescriptorNil
	}
	if strings.TrimSpace(d.Name) == "" {
		return ErrDescriptorNameEmpty
	}
	if err := descriptorValidate.Struct(d); err != nil {
		return fmt.Errorf("%w: %w", ErrDescriptorInvalid, err)
	}
	if !semver.IsValid(canonicalVersion(d.Version)) {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, d.Version)
	}
	if d.Artifact.Source == "" && d.Artifact.Path == "" {
		return ErrArtifactMissing
	}
	if _, err := d.Manifest(); err != nil {
		return err
	}
	for _, dep := range d.Dependencies {
		if dep.Range == "" {
			continue
		}
		if _, err := ParseVersionRange(dep.Range); err != nil {
			return err
		}
	}
	return nil
}

// Manifest returns the parsed capability set, parsing lazily on first
// use.
func (d *ModuleDescriptor) Manifest() (*CapabilitySet, error) {
	if d.manifest != nil {
		return d.manifest, nil
	}
	set, err := ParseCapabilitySet(d.Capabilities)
	if err != nil {
		return nil, err
	}
	d.manifest = set
	return set, nil
}

// ContentDigest returns the sha256 of the artifact payload, computing
// and caching it on first call. When the descriptor carries an explicit
// digest it is verified against the payload.
func (d *ModuleDescriptor) ContentDigest() (string, error) {
	if d.digest != "" {
		return d.digest, nil
	}
	payload := []byte(d.Artifact.Source)
	if d.Artifact.Source == "" {
		raw, err := os.ReadFile(d.Artifact.Path)
		if err != nil {
			return "", fmt.Errorf("reading artifact %s: %w", d.Artifact.Path, err)
		}
		payload = raw
	}
	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])
	if d.Artifact.Digest != "" && d.Artifact.Digest != digest {
		return "", fmt.Errorf("%w: declared %s computed %s", ErrArtifactDigestMismatch, d.Artifact.Digest, digest)
	}
	d.digest = digest
	return digest, nil
}

// Ref is a short human-readable identity, e.g. "parser@1.1.0".
func (d *ModuleDescriptor) Ref() string {
	return d.Name + "@" + d.Version
}

// ExportSet returns the exported operation names as a lookup set.
func (d *ModuleDescriptor) ExportSet() map[string]struct{} {
	set := make(map[string]struct{}, len(d.Exports))
	for _, op := range d.Exports {
		set[op] = struct{}{}
	}
	return set
}

// canonicalVersion normalizes to the "vMAJOR.MINOR.PATCH" form that
// golang.org/x/mod/semver expects.
func canonicalVersion(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// VersionRange is a parsed dependency constraint: a conjunction of
// comparisons like ">=1.2.0 <2.0.0". An empty range matches anything.
type VersionRange struct {
	terms []rangeTerm
}

type rangeTerm struct {
	op      string
	version string
}

// ParseVersionRange parses a space-separated conjunction of semver
// comparisons. Supported operators: =, >, >=, <, <=.
func ParseVersionRange(s string) (*VersionRange, error) {
	r := &VersionRange{}
	for _, tok := range strings.Fields(s) {
		op := "="
		rest := tok
		for _, candidate := range []string{">=", "<=", ">", "<", "="} {
			if strings.HasPrefix(tok, candidate) {
				op = candidate
				rest = tok[len(candidate):]
				break
			}
		}
		if !semver.IsValid(canonicalVersion(rest)) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidVersionRange, s)
		}
		r.terms = append(r.terms, rangeTerm{op: op, version: canonicalVersion(rest)})
	}
	return r, nil
}

// Matches reports whether the given version satisfies every term.
func (r *VersionRange) Matches(version string) bool {
	v := canonicalVersion(version)
	for _, t := range r.terms {
		cmp := semver.Compare(v, t.version)
		switch t.op {
		case "=":
			if cmp != 0 {
				return false
			}
		case ">":
			if cmp <= 0 {
				return false
			}
		case ">=":
			if cmp < 0 {
				return false
			}
		case "<":
			if cmp >= 0 {
				return false
			}
		case "<=":
			if cmp > 0 {
				return false
			}
		}
	}
	return true
}
