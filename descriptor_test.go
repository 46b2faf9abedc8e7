package hotswap

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const descriptorYAML = `
name: wordcount
version: 1.1.0
schemaVersion: 2
artifact:
  kind: portable
  source: |
    func Handle(op, payload string) (string, error) {
        return payload, nil
    }
capabilities:
  - filesystem:read:/data
  - memory:limit:32MB
dependencies:
  - name: tokenizer
    range: ">=1.0.0 <2.0.0"
exports:
  - handle
  - stats
transforms:
  - from: 1
    to: 2
    ops:
      - op: rename
        field: words
        to: counts
`

func TestParseDescriptor(t *testing.T) {
	t.Run("should_parse_a_full_yaml_document", func(t *testing.T) {
		d, err := ParseDescriptor([]byte(descriptorYAML))
		require.NoError(t, err)
		assert.Equal(t, "wordcount", d.Name)
		assert.Equal(t, "wordcount@1.1.0", d.Ref())
		assert.Equal(t, 2, d.SchemaVersion)
		assert.Equal(t, ArtifactPortable, d.Artifact.Kind)
		assert.Equal(t, []string{"handle", "stats"}, d.Exports)
		require.Len(t, d.Dependencies, 1)
		assert.Equal(t, ">=1.0.0 <2.0.0", d.Dependencies[0].Range)
		require.Len(t, d.Transforms, 1)
		assert.Equal(t, "rename", d.Transforms[0].Ops[0].Op)

		manifest, err := d.Manifest()
		require.NoError(t, err)
		assert.True(t, manifest.Permits("filesystem", "read", "/data/input.txt"))
	})

	t.Run("should_reject_invalid_documents", func(t *testing.T) {
		cases := map[string]error{
			"name: ''\nversion: 1.0.0":   ErrDescriptorNameEmpty,
			"name: x\nversion: banana\nartifact: {kind: portable, source: code}\nexports: [handle]": ErrInvalidVersion,
			"name: x\nversion: 1.0.0\nartifact: {kind: portable}\nexports: [handle]":                ErrArtifactMissing,
			"name: x\nversion: 1.0.0\nartifact: {kind: portable, source: code}\nexports: [handle]\ncapabilities: [nonsense]": ErrCapabilityMalformed,
		}
		for doc, want := range cases {
			_, err := ParseDescriptor([]byte(doc))
			assert.ErrorIs(t, err, want, "document:\n%s", doc)
		}
	})

	t.Run("should_reject_missing_exports", func(t *testing.T) {
		_, err := ParseDescriptor([]byte("name: x\nversion: 1.0.0\nartifact: {kind: portable, source: code}"))
		require.ErrorIs(t, err, ErrDescriptorInvalid)
	})

	t.Run("should_reject_bad_dependency_ranges", func(t *testing.T) {
		d := testDescriptor("x", "1.0.0")
		d.Dependencies = []Dependency{{Name: "y", Range: "~>1.0"}}
		require.Error(t, d.Validate())
	})
}

func TestLoadDescriptor(t *testing.T) {
	t.Run("should_load_from_disk", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "wordcount.yaml")
		require.NoError(t, os.WriteFile(path, []byte(descriptorYAML), 0o644))
		d, err := LoadDescriptor(path)
		require.NoError(t, err)
		assert.Equal(t, "wordcount", d.Name)
	})

	t.Run("should_surface_read_errors", func(t *testing.T) {
		_, err := LoadDescriptor("/nonexistent/path.yaml")
		require.Error(t, err)
	})
}

func TestContentDigest(t *testing.T) {
	t.Run("should_hash_inline_source", func(t *testing.T) {
		d := testDescriptor("x", "1.0.0")
		sum := sha256.Sum256([]byte(d.Artifact.Source))
		digest, err := d.ContentDigest()
		require.NoError(t, err)
		assert.Equal(t, hex.EncodeToString(sum[:]), digest)
	})

	t.Run("should_verify_a_declared_digest", func(t *testing.T) {
		d := testDescriptor("x", "1.0.0")
		sum := sha256.Sum256([]byte(d.Artifact.Source))
		d.Artifact.Digest = hex.EncodeToString(sum[:])
		_, err := d.ContentDigest()
		require.NoError(t, err)

		tampered := testDescriptor("x", "1.0.0")
		tampered.Artifact.Digest = "deadbeef"
		_, err = tampered.ContentDigest()
		require.ErrorIs(t, err, ErrArtifactDigestMismatch)
	})

	t.Run("should_hash_artifact_files", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "mod.bin")
		require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))
		d := testDescriptor("x", "1.0.0")
		d.Artifact.Source = ""
		d.Artifact.Path = path
		sum := sha256.Sum256([]byte("payload"))
		digest, err := d.ContentDigest()
		require.NoError(t, err)
		assert.Equal(t, hex.EncodeToString(sum[:]), digest)
	})
}

func TestVersionRange(t *testing.T) {
	t.Run("should_match_conjunctions", func(t *testing.T) {
		r, err := ParseVersionRange(">=1.2.0 <2.0.0")
		require.NoError(t, err)
		assert.True(t, r.Matches("1.2.0"))
		assert.True(t, r.Matches("1.9.3"))
		assert.False(t, r.Matches("1.1.9"))
		assert.False(t, r.Matches("2.0.0"))
	})

	t.Run("should_support_exact_pins", func(t *testing.T) {
		r, err := ParseVersionRange("=1.4.2")
		require.NoError(t, err)
		assert.True(t, r.Matches("1.4.2"))
		assert.False(t, r.Matches("1.4.3"))

		bare, err := ParseVersionRange("1.4.2")
		require.NoError(t, err)
		assert.True(t, bare.Matches("1.4.2"))
	})

	t.Run("should_match_everything_when_empty", func(t *testing.T) {
		r, err := ParseVersionRange("")
		require.NoError(t, err)
		assert.True(t, r.Matches("0.0.1"))
		assert.True(t, r.Matches("99.0.0"))
	})

	t.Run("should_reject_garbage", func(t *testing.T) {
		_, err := ParseVersionRange(">=not.a.version")
		require.Error(t, err)
	})
}
