// Package config loads the TOML configuration file and applies defaults.
package config

import (
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
)

// DefaultFileName is the config file looked up in the working directory
// when no --config flag is given.
const DefaultFileName = "markdownkeeper.toml"

// Config is the full resolved configuration.
type Config struct {
	Watch      WatchConfig      `toml:"watch"`
	Storage    StorageConfig    `toml:"storage"`
	API        APIConfig        `toml:"api"`
	Metadata   MetadataConfig   `toml:"metadata"`
	Cache      CacheConfig      `toml:"cache"`
	Embeddings EmbeddingsConfig `toml:"embeddings"`
	Logging    LoggingConfig    `toml:"logging"`
}

// WatchConfig controls which files the watcher and scanner consider.
type WatchConfig struct {
	Roots      []string `toml:"roots"`
	Extensions []string `toml:"extensions"`
	DebounceMS int      `toml:"debounce_ms"`
}

// StorageConfig locates the SQLite database. The vector sidecar lives
// next to it.
type StorageConfig struct {
	DatabasePath string `toml:"database_path"`
}

// APIConfig is the JSON-RPC HTTP listen address.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// MetadataConfig controls frontmatter schema enforcement.
type MetadataConfig struct {
	RequiredFrontmatterFields []string `toml:"required_frontmatter_fields"`
	AutoFillCategory          bool     `toml:"auto_fill_category"`
}

// CacheConfig controls the query result cache.
type CacheConfig struct {
	Enabled    bool `toml:"enabled"`
	TTLSeconds int  `toml:"ttl_seconds"`
}

// EmbeddingsConfig selects the embedding backend. Backend is one of
// "auto" (probe the model endpoint, fall back to hashing), "model",
// or "hash".
type EmbeddingsConfig struct {
	Model   string `toml:"model"`
	Backend string `toml:"backend"`
}

// LoggingConfig mirrors logging.Config for file-based configuration.
type LoggingConfig struct {
	Level    string `toml:"level"`
	FilePath string `toml:"file_path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Watch: WatchConfig{
			Roots:      []string{"."},
			Extensions: []string{".md", ".markdown"},
			DebounceMS: 500,
		},
		Storage: StorageConfig{
			DatabasePath: ".markdownkeeper/index.db",
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8765,
		},
		Metadata: MetadataConfig{
			AutoFillCategory: false,
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTLSeconds: 3600,
		},
		Embeddings: EmbeddingsConfig{
			Model:   "all-MiniLM-L6-v2",
			Backend: "auto",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the TOML file at path over the defaults. An empty path
// tries DefaultFileName and falls back to pure defaults when absent.
// A path given explicitly must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = DefaultFileName
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return Config{}, mkerrors.Wrap(mkerrors.KindInvalid, "config.Load", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, mkerrors.Wrapf(mkerrors.KindInvalid, "config.Load", err, "parse %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and shapes. Returned errors are KindInvalid.
func (c *Config) Validate() error {
	const op = "config.Validate"

	if len(c.Watch.Roots) == 0 {
		return mkerrors.New(mkerrors.KindInvalid, op, "watch.roots must not be empty")
	}
	if c.Watch.DebounceMS < 0 {
		return mkerrors.Newf(mkerrors.KindInvalid, op, "watch.debounce_ms must be >= 0, got %d", c.Watch.DebounceMS)
	}
	for _, ext := range c.Watch.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return mkerrors.Newf(mkerrors.KindInvalid, op, "watch.extensions entries must start with a dot, got %q", ext)
		}
	}
	if c.Storage.DatabasePath == "" {
		return mkerrors.New(mkerrors.KindInvalid, op, "storage.database_path must not be empty")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return mkerrors.Newf(mkerrors.KindInvalid, op, "api.port must be in [1, 65535], got %d", c.API.Port)
	}
	if c.Cache.TTLSeconds <= 0 {
		return mkerrors.Newf(mkerrors.KindInvalid, op, "cache.ttl_seconds must be > 0, got %d", c.Cache.TTLSeconds)
	}
	switch c.Embeddings.Backend {
	case "auto", "model", "hash":
	default:
		return mkerrors.Newf(mkerrors.KindInvalid, op, "embeddings.backend must be auto, model, or hash, got %q", c.Embeddings.Backend)
	}
	return nil
}

// MatchesExtension reports whether path ends in one of the configured
// markdown extensions (case-insensitive).
func (c *WatchConfig) MatchesExtension(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range c.Extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}
