package hotswap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func adminFixture(t *testing.T) (*Runtime, *httptest.Server) {
	t.Helper()
	rt := runtimeFixture(t, nil)
	admin := NewAdminServer("127.0.0.1:0", rt, &testLogger{})
	srv := httptest.NewServer(admin.server.Handler)
	t.Cleanup(srv.Close)
	return rt, srv
}

// writeDescriptorFile serializes a descriptor the way operators write
// them, so deploy endpoints exercise the YAML path end to end.
func writeDescriptorFile(t *testing.T, desc *ModuleDescriptor) string {
	t.Helper()
	raw, err := yaml.Marshal(desc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), desc.Name+".yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string, into any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp
}

func TestAdminServer(t *testing.T) {
	ctx := context.Background()

	t.Run("should_report_status_for_loaded_modules", func(t *testing.T) {
		rt, srv := adminFixture(t)
		_, err := rt.Load(ctx, counterDescriptor("1.0.0"))
		require.NoError(t, err)

		var all []InstanceStatus
		resp := getJSON(t, srv.URL+"/status", &all)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		require.Len(t, all, 1)
		assert.Equal(t, "counter", all[0].Module)

		var one InstanceStatus
		resp = getJSON(t, srv.URL+"/status/counter", &one)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "1.0.0", one.Version)

		resp = getJSON(t, srv.URL+"/status/ghost", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("should_deploy_then_reload_through_the_same_endpoint", func(t *testing.T) {
		rt, srv := adminFixture(t)
		path := writeDescriptorFile(t, counterDescriptor("1.0.0"))

		resp := postJSON(t, srv.URL+"/modules", reloadRequest{Descriptor: path})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var out reloadResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Equal(t, outcomeLoaded, out.Outcome)
		assert.Empty(t, out.Transaction)
		status, err := rt.Status("counter")
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", status.Version)

		next := writeDescriptorFile(t, counterDescriptor("1.1.0"))
		resp = postJSON(t, srv.URL+"/modules", reloadRequest{Descriptor: next})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		out = reloadResponse{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Equal(t, string(OutcomeCommitted), out.Outcome)
		assert.NotEmpty(t, out.Transaction)
		status, err = rt.Status("counter")
		require.NoError(t, err)
		assert.Equal(t, "1.1.0", status.Version)
	})

	t.Run("should_reload_only_the_addressed_module", func(t *testing.T) {
		rt, srv := adminFixture(t)
		_, err := rt.Load(ctx, counterDescriptor("1.0.0"))
		require.NoError(t, err)
		path := writeDescriptorFile(t, counterDescriptor("1.1.0"))

		resp := postJSON(t, srv.URL+"/modules/other/reload", reloadRequest{Descriptor: path})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp = postJSON(t, srv.URL+"/modules/counter/reload", reloadRequest{Descriptor: path})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var out reloadResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Equal(t, string(OutcomeCommitted), out.Outcome)
		assert.NotEmpty(t, out.Transaction)
	})

	t.Run("should_surface_rejected_reloads_with_the_failed_phase", func(t *testing.T) {
		rt, srv := adminFixture(t)
		_, err := rt.Load(ctx, counterDescriptor("1.0.0"))
		require.NoError(t, err)

		bad := counterDescriptor("2.0.0")
		bad.Capabilities = []string{"network:connect:upstream.example.com:443"}
		path := writeDescriptorFile(t, bad)

		resp := postJSON(t, srv.URL+"/modules/counter/reload", reloadRequest{Descriptor: path})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		var out reloadResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Equal(t, string(PhasePreparing), out.FailedPhase)
		assert.NotEmpty(t, out.Error)
	})

	t.Run("should_roll_back_over_http", func(t *testing.T) {
		rt, srv := adminFixture(t)
		_, err := rt.Load(ctx, counterDescriptor("1.0.0"))
		require.NoError(t, err)
		_, err = rt.Reload(ctx, counterDescriptor("1.1.0"))
		require.NoError(t, err)

		resp := postJSON(t, srv.URL+"/modules/counter/rollback", rollbackRequest{})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		status, err := rt.Status("counter")
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", status.Version)
	})

	t.Run("should_expose_audit_and_checkpoints", func(t *testing.T) {
		rt, srv := adminFixture(t)
		_, err := rt.Load(ctx, counterDescriptor("1.0.0"))
		require.NoError(t, err)

		var entries []AuditEntry
		resp := getJSON(t, srv.URL+"/audit?limit=10", &entries)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, entries)

		resp = getJSON(t, srv.URL+"/audit?limit=banana", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var chain []*Checkpoint
		resp = getJSON(t, srv.URL+"/checkpoints/counter", &chain)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, chain, 1)
	})

	t.Run("should_serve_prometheus_metrics", func(t *testing.T) {
		rt, srv := adminFixture(t)
		_, err := rt.Load(ctx, counterDescriptor("1.0.0"))
		require.NoError(t, err)
		invokeString(t, rt, "counter", "add", "1")

		resp, err := http.Get(srv.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		buf := new(bytes.Buffer)
		_, err = buf.ReadFrom(resp.Body)
		require.NoError(t, err)
		body := buf.String()
		assert.Contains(t, body, "hotswap_instances_loaded_total")
		assert.Contains(t, body, fmt.Sprintf("hotswap_invocation_duration_seconds_count{module=%q,operation=%q,status=%q}", "counter", "add", "ok"))
	})
}
