package hotswap

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDeployer struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (d *recordingDeployer) deploy(_ context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paths = append(d.paths, path)
	return d.err
}

func (d *recordingDeployer) snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.paths...)
}

func watcherFixture(t *testing.T, deploy func(ctx context.Context, path string) error) (*DescriptorWatcher, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := NewDescriptorWatcher(dir, deploy, NoopLogger{})
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w, dir
}

func waitForDeploys(t *testing.T, rec *recordingDeployer, want int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got := rec.snapshot()
		if len(got) >= want {
			return got
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d deployments, got %v", want, rec.snapshot())
	return nil
}

func TestDescriptorWatcher(t *testing.T) {
	t.Run("should_deploy_settled_descriptor_file", func(t *testing.T) {
		rec := &recordingDeployer{}
		_, dir := watcherFixture(t, rec.deploy)

		path := filepath.Join(dir, "counter.yaml")
		require.NoError(t, os.WriteFile(path, []byte("name: counter\n"), 0o644))

		got := waitForDeploys(t, rec, 1)
		assert.Equal(t, []string{path}, got)
	})

	t.Run("should_ignore_non_descriptor_files", func(t *testing.T) {
		rec := &recordingDeployer{}
		_, dir := watcherFixture(t, rec.deploy)

		require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "module.yml"), []byte("name: m\n"), 0o644))

		got := waitForDeploys(t, rec, 1)
		assert.Equal(t, []string{filepath.Join(dir, "module.yml")}, got)

		// Give the loop a couple more ticks; the .txt file must never arrive.
		time.Sleep(200 * time.Millisecond)
		assert.Len(t, rec.snapshot(), 1)
	})

	t.Run("should_debounce_rapid_writes_into_one_deployment", func(t *testing.T) {
		rec := &recordingDeployer{}
		_, dir := watcherFixture(t, rec.deploy)

		path := filepath.Join(dir, "burst.yaml")
		for i := 0; i < 5; i++ {
			require.NoError(t, os.WriteFile(path, []byte("name: burst\n"), 0o644))
			time.Sleep(10 * time.Millisecond)
		}

		waitForDeploys(t, rec, 1)
		time.Sleep(200 * time.Millisecond)
		assert.Len(t, rec.snapshot(), 1)
	})

	t.Run("should_keep_running_after_deploy_error", func(t *testing.T) {
		rec := &recordingDeployer{err: assert.AnError}
		_, dir := watcherFixture(t, rec.deploy)

		require.NoError(t, os.WriteFile(filepath.Join(dir, "first.yaml"), []byte("name: a\n"), 0o644))
		waitForDeploys(t, rec, 1)

		rec.mu.Lock()
		rec.err = nil
		rec.mu.Unlock()

		require.NoError(t, os.WriteFile(filepath.Join(dir, "second.yaml"), []byte("name: b\n"), 0o644))
		got := waitForDeploys(t, rec, 2)
		assert.Contains(t, got, filepath.Join(dir, "second.yaml"))
	})

	t.Run("should_skip_files_removed_before_settling", func(t *testing.T) {
		rec := &recordingDeployer{}
		dir := t.TempDir()
		w, err := NewDescriptorWatcher(dir, rec.deploy, NoopLogger{})
		require.NoError(t, err)
		w.debounce = 300 * time.Millisecond
		require.NoError(t, w.Start(context.Background()))
		t.Cleanup(w.Stop)

		path := filepath.Join(dir, "gone.yaml")
		require.NoError(t, os.WriteFile(path, []byte("name: gone\n"), 0o644))
		require.NoError(t, os.Remove(path))

		time.Sleep(600 * time.Millisecond)
		assert.Empty(t, rec.snapshot())
	})

	t.Run("should_tolerate_repeated_stop", func(t *testing.T) {
		rec := &recordingDeployer{}
		w, _ := watcherFixture(t, rec.deploy)
		w.Stop()
		w.Stop()
	})
}
