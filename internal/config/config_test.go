package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, []string{"."}, cfg.Watch.Roots)
	assert.Equal(t, []string{".md", ".markdown"}, cfg.Watch.Extensions)
	assert.Equal(t, 500, cfg.Watch.DebounceMS)
	assert.Equal(t, ".markdownkeeper/index.db", cfg.Storage.DatabasePath)
	assert.Equal(t, "127.0.0.1", cfg.API.Host)
	assert.Equal(t, 8765, cfg.API.Port)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 3600, cfg.Cache.TTLSeconds)
	assert.Equal(t, "auto", cfg.Embeddings.Backend)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingDefaultFileUsesDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.True(t, mkerrors.Is(err, mkerrors.KindInvalid))
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markdownkeeper.toml")
	content := `
[watch]
roots = ["docs", "notes"]
debounce_ms = 250

[storage]
database_path = "/var/lib/mdkeeper/index.db"

[api]
port = 9000

[metadata]
required_frontmatter_fields = ["title", "tags"]
auto_fill_category = true

[embeddings]
backend = "hash"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"docs", "notes"}, cfg.Watch.Roots)
	assert.Equal(t, 250, cfg.Watch.DebounceMS)
	// Unset fields keep their defaults.
	assert.Equal(t, []string{".md", ".markdown"}, cfg.Watch.Extensions)
	assert.Equal(t, "/var/lib/mdkeeper/index.db", cfg.Storage.DatabasePath)
	assert.Equal(t, 9000, cfg.API.Port)
	assert.Equal(t, "127.0.0.1", cfg.API.Host)
	assert.Equal(t, []string{"title", "tags"}, cfg.Metadata.RequiredFrontmatterFields)
	assert.True(t, cfg.Metadata.AutoFillCategory)
	assert.Equal(t, "hash", cfg.Embeddings.Backend)
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[watch\nroots=1"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, mkerrors.Is(err, mkerrors.KindInvalid))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty roots", func(c *Config) { c.Watch.Roots = nil }},
		{"negative debounce", func(c *Config) { c.Watch.DebounceMS = -1 }},
		{"extension without dot", func(c *Config) { c.Watch.Extensions = []string{"md"} }},
		{"empty database path", func(c *Config) { c.Storage.DatabasePath = "" }},
		{"port too low", func(c *Config) { c.API.Port = 0 }},
		{"port too high", func(c *Config) { c.API.Port = 70000 }},
		{"zero ttl", func(c *Config) { c.Cache.TTLSeconds = 0 }},
		{"unknown backend", func(c *Config) { c.Embeddings.Backend = "gpu" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, mkerrors.Is(err, mkerrors.KindInvalid))
		})
	}
}

func TestMatchesExtension(t *testing.T) {
	w := Default().Watch
	assert.True(t, w.MatchesExtension("docs/guide.md"))
	assert.True(t, w.MatchesExtension("README.MD"))
	assert.True(t, w.MatchesExtension("notes.markdown"))
	assert.False(t, w.MatchesExtension("main.go"))
	assert.False(t, w.MatchesExtension("mdfile.txt"))
}
