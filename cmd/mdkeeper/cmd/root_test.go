package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdkeeper/mdkeeper/internal/retriever"
)

// runCLI executes the command tree once with fresh global flag state.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	flagConfig, flagDBPath, flagFormat = "", "", "text"

	root := NewRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// writeTestConfig pins the hash backend so no test touches a model
// endpoint.
func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	dbPath := filepath.Join(dir, "state", "index.db")
	cfgPath := filepath.Join(dir, "markdownkeeper.toml")
	content := fmt.Sprintf(`[storage]
database_path = %q

[embeddings]
backend = "hash"

[logging]
level = "error"
`, dbPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))
	return cfgPath
}

func TestInitDBScanAndQuery(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	out, err := runCLI(t, "init-db", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "database ready")

	mdPath := filepath.Join(dir, "deploy.md")
	require.NoError(t, os.WriteFile(mdPath,
		[]byte("# Deploy Guide\n\nkubernetes rollout steps for the cluster\n"), 0o644))

	out, err = runCLI(t, "scan-file", mdPath, "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Deploy Guide")

	out, err = runCLI(t, "query", "kubernetes rollout", "--config", cfgPath, "--format", "json")
	require.NoError(t, err)

	var resp retriever.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "Deploy Guide", resp.Results[0].Document.Title)
}

func TestGetDocByID(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	mdPath := filepath.Join(dir, "doc.md")
	require.NoError(t, os.WriteFile(mdPath, []byte("# Doc\n\nbody words here\n"), 0o644))
	_, err := runCLI(t, "scan-file", mdPath, "--config", cfgPath)
	require.NoError(t, err)

	out, err := runCLI(t, "get-doc", "1", "--config", cfgPath, "--include-content")
	require.NoError(t, err)
	assert.Contains(t, out, "Doc")
	assert.Contains(t, out, "body words here")

	_, err = runCLI(t, "get-doc", "999", "--config", cfgPath)
	assert.Error(t, err)
}

func TestFindConcept(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	mdPath := filepath.Join(dir, "doc.md")
	require.NoError(t, os.WriteFile(mdPath,
		[]byte("---\nconcepts: [terraform]\n---\n# Infra\n\nbody\n"), 0o644))
	_, err := runCLI(t, "scan-file", mdPath, "--config", cfgPath)
	require.NoError(t, err)

	out, err := runCLI(t, "find-concept", "terraform", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Infra")
}

func TestCheckLinksExitsNonzeroOnBroken(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	mdPath := filepath.Join(dir, "doc.md")
	require.NoError(t, os.WriteFile(mdPath, []byte("# Doc\n\n[gone](missing.md)\n"), 0o644))
	_, err := runCLI(t, "scan-file", mdPath, "--config", cfgPath)
	require.NoError(t, err)

	_, err = runCLI(t, "check-links", "--config", cfgPath)
	require.Error(t, err)
	var policy policyError
	assert.True(t, errors.As(err, &policy), "broken links are a policy violation, not a crash")
}

func TestBuildIndexRequiresOutputDir(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	_, err := runCLI(t, "build-index", "--config", cfgPath)
	var usage usageError
	require.True(t, errors.As(err, &usage))

	out := filepath.Join(dir, "indexes")
	_, err = runCLI(t, "init-db", "--config", cfgPath)
	require.NoError(t, err)
	got, err := runCLI(t, "build-index", "--config", cfgPath, "--output-dir", out)
	require.NoError(t, err)
	assert.Contains(t, got, "master.md")
}

func TestUsageErrorsExitTwo(t *testing.T) {
	_, err := runCLI(t, "query")
	var usage usageError
	assert.True(t, errors.As(err, &usage), "missing argument is a usage error")

	_, err = runCLI(t, "get-doc", "not-a-number")
	assert.True(t, errors.As(err, &usage))
}

func TestShowConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	out, err := runCLI(t, "show-config", "--config", cfgPath)
	require.NoError(t, err)

	var resolved map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &resolved))
	storage, ok := resolved["Storage"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, storage["DatabasePath"], "index.db")
}

func TestStatsOnEmptyIndex(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	_, err := runCLI(t, "init-db", "--config", cfgPath)
	require.NoError(t, err)

	out, err := runCLI(t, "stats", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "documents:     0")
}

func TestWatchOneShotPollingIndexesTree(t *testing.T) {
	dir := t.TempDir()
	docs := filepath.Join(dir, "docs")
	require.NoError(t, os.MkdirAll(docs, 0o755))

	dbPath := filepath.Join(dir, "state", "index.db")
	cfgPath := filepath.Join(dir, "markdownkeeper.toml")
	content := fmt.Sprintf(`[watch]
roots = [%q]
debounce_ms = 0

[storage]
database_path = %q

[embeddings]
backend = "hash"

[logging]
level = "error"
`, docs, dbPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))

	require.NoError(t, os.WriteFile(filepath.Join(docs, "a.md"), []byte("# Alpha\n\nwords\n"), 0o644))

	_, err := runCLI(t, "watch", "--config", cfgPath,
		"--mode", "polling", "--interval", "50ms", "--iterations", "2")
	require.NoError(t, err)

	out, err := runCLI(t, "stats", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "documents:     1")
}
