package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-kb/quarry/pkg/version"
)

// writeTestConfig writes a config file that keeps everything local: static
// embeddings, no LLM endpoint, refresh disabled.
func writeTestConfig(t *testing.T) string {
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
refresh:
  enabled: false
log_level: error
`,
		filepath.Join(dataDir, "catalog.db"),
		filepath.Join(dataDir, "vectors"),
		filepath.Join(dataDir, "workspaces"))

	path := filepath.Join(dataDir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// runCommand executes the CLI with args and returns combined output.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootHelpListsCommands(t *testing.T) {
	out, err := runCommand(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"add", "process", "search", "status", "refresh", "clear", "reset", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestRootVersionFlag(t *testing.T) {
	out, err := runCommand(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "quarry version "+version.Version)
}

func TestRootUnknownCommandFails(t *testing.T) {
	_, err := runCommand(t, "frobnicate")
	require.Error(t, err)
}

func TestRootMissingConfigFileFails(t *testing.T) {
	_, err := runCommand(t, "status", "--config", "/nonexistent/quarry.yaml")
	require.Error(t, err)
}
