package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contentServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/notes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		body := strings.Repeat("backpressure in message queues and consumer lag. ", 30)
		fmt.Fprintf(w, "<html><body><main><h1>Queues</h1><p>%s</p></main></body></html>", body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAddProcessSearchWorkflow(t *testing.T) {
	cfg := writeTestConfig(t)
	srv := contentServer(t)

	out, err := runCommand(t, "add", srv.URL+"/notes", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Added:      1")

	out, err = runCommand(t, "process", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Succeeded: 1")
	assert.Contains(t, out, "Failed:    0")

	out, err = runCommand(t, "search", "consumer lag backpressure", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "/notes")

	out, err = runCommand(t, "status", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "fetched")
}

func TestSearchJSONOutput(t *testing.T) {
	cfg := writeTestConfig(t)
	srv := contentServer(t)

	_, err := runCommand(t, "add", srv.URL+"/notes", "--config", cfg)
	require.NoError(t, err)
	_, err = runCommand(t, "process", "--config", cfg)
	require.NoError(t, err)

	out, err := runCommand(t, "search", "message queues", "--config", cfg, "--format", "json", "--limit", "3")
	require.NoError(t, err)

	var results []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.NotEmpty(t, results)
	assert.Contains(t, results[0]["source_url"], "/notes")
	assert.NotEmpty(t, results[0]["score_kind"])
}

func TestSearchEmptyIndex(t *testing.T) {
	cfg := writeTestConfig(t)
	out, err := runCommand(t, "search", "anything at all", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "No results.")
}

func TestStatusJSONOnEmptyBase(t *testing.T) {
	cfg := writeTestConfig(t)
	out, err := runCommand(t, "status", "--config", cfg, "--format", "json")
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.EqualValues(t, 0, payload["sources"])
	assert.EqualValues(t, 0, payload["chunks"])
}

func TestResetRequiresForce(t *testing.T) {
	cfg := writeTestConfig(t)
	_, err := runCommand(t, "reset", "--config", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")
}

func TestResetWithForce(t *testing.T) {
	cfg := writeTestConfig(t)
	srv := contentServer(t)

	_, err := runCommand(t, "add", srv.URL+"/notes", "--config", cfg)
	require.NoError(t, err)
	_, err = runCommand(t, "process", "--config", cfg)
	require.NoError(t, err)

	out, err := runCommand(t, "reset", "--force", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "reset")

	out, err = runCommand(t, "status", "--config", cfg, "--format", "json")
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.EqualValues(t, 0, payload["sources"])
}

func TestClearDropsFailedEntries(t *testing.T) {
	cfg := writeTestConfig(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	_, err := runCommand(t, "add", srv.URL+"/gone", "--config", cfg)
	require.NoError(t, err)
	out, err := runCommand(t, "process", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Failed:    1")

	out, err = runCommand(t, "clear", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1")
}

// writeChannelTestConfig is writeTestConfig plus a transcript service and
// tight channel enumeration caps.
func writeChannelTestConfig(t *testing.T, transcriptEndpoint string) string {
	t.Helper()
	dataDir := t.TempDir()
	content := fmt.Sprintf(`paths:
  catalog_db: %s
  vector_dir: %s
  workspace_root: %s
queue:
  rate_per_host: 1000
embedding:
  provider: static
  dimensions: 256
llm:
  host: ""
fetch:
  transcript_endpoint: %s
discovery:
  channel_max_videos: 2
  channel_full_videos: 5
refresh:
  enabled: false
log_level: error
`,
		filepath.Join(dataDir, "catalog.db"),
		filepath.Join(dataDir, "vectors"),
		filepath.Join(dataDir, "workspaces"),
		transcriptEndpoint)

	path := filepath.Join(dataDir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestProcessFullChannelsRaisesEnumerationCap(t *testing.T) {
	var (
		mu     sync.Mutex
		limits []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/channel", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		limits = append(limits, r.URL.Query().Get("limit"))
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"videos": []map[string]string{}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := writeChannelTestConfig(t, srv.URL)

	_, err := runCommand(t, "add", "https://www.youtube.com/@acme", "--config", cfg)
	require.NoError(t, err)
	_, err = runCommand(t, "process", "--config", cfg)
	require.NoError(t, err)

	_, err = runCommand(t, "add", "https://www.youtube.com/@widgets", "--config", cfg)
	require.NoError(t, err)
	_, err = runCommand(t, "process", "--full-channels", "--config", cfg)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, limits, 2)
	assert.Equal(t, "2", limits[0], "default run uses channel_max_videos")
	assert.Equal(t, "5", limits[1], "--full-channels uses channel_full_videos")
}

func TestRefreshOnEmptyBase(t *testing.T) {
	cfg := writeTestConfig(t)
	out, err := runCommand(t, "refresh", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Checked:   0")
}

func TestRefreshWatchRequiresEnabled(t *testing.T) {
	// The test config disables scheduled refresh.
	cfg := writeTestConfig(t)
	_, err := runCommand(t, "refresh", "--watch", "--config", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh.enabled")
}
