// Package config resolves the SectorFlux runtime configuration from three
// layers: built-in defaults, an optional sectorflux.yaml, and environment
// variables, in that order of increasing precedence.
//
// The environment layer exists for compatibility with plain shell usage:
//
//	OLLAMA_HOST      upstream daemon URL (default http://localhost:11434)
//	SECTORFLUX_PORT  listen port (default 8888)
//	SECTORFLUX_DB    SQLite path (default sectorflux.db)
//
// A .env file in the working directory is folded into the environment at
// load time, without overriding variables that are already set.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/gobwas/glob"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks for the YAML file unless told otherwise.
const DefaultPath = "sectorflux.yaml"

// DefaultPort is the listen port when neither YAML nor environment set one.
const DefaultPort = 8888

// Config is the resolved SectorFlux configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// ServerConfig defines where the proxy listens.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// UpstreamConfig points at the Ollama-compatible daemon the proxy
// forwards to. Host is a full base URL including scheme.
type UpstreamConfig struct {
	Host string `yaml:"host"`
}

// StoreConfig locates the SQLite database file.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig controls the exact-match response cache.
//
// ExcludeModels holds glob patterns (e.g. "*-embed*", "codellama:*");
// requests whose model matches any pattern bypass the cache entirely.
// This section is hot-reloaded when the YAML file changes.
type CacheConfig struct {
	Enabled       bool     `yaml:"enabled"`
	ExcludeModels []string `yaml:"excludeModels"`
}

// DashboardConfig controls dashboard conveniences, not the dashboard
// itself: the UI is always served.
type DashboardConfig struct {
	OpenBrowser bool `yaml:"openBrowser"`
}

// Load resolves the configuration: defaults, then the YAML file at path
// (missing file is fine), then environment variables. A present but
// unreadable or invalid file is an error.
func Load(path string) (*Config, error) {
	// Fold a local .env into the environment first. Existing variables
	// win, so an exported OLLAMA_HOST beats the file.
	_ = godotenv.Load()

	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a commented sectorflux.yaml with default values.
// Used by `sectorflux init`. Refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# SectorFlux Configuration
#
# Environment variables override this file:
#   OLLAMA_HOST, SECTORFLUX_PORT, SECTORFLUX_DB
#
# server:
#   port: Listen port
#
# upstream:
#   host: Base URL of the Ollama daemon
#
# store:
#   path: SQLite database file (holds request history and response cache)
#
# cache:
#   enabled: Serve identical requests from the response cache
#   excludeModels: Glob patterns for models that must bypass the cache
#
# dashboard:
#   openBrowser: Open the dashboard in a browser on startup

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with every field at its default.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port: DefaultPort,
		},
		Upstream: UpstreamConfig{
			Host: "http://localhost:11434",
		},
		Store: StoreConfig{
			Path: "sectorflux.db",
		},
		Cache: CacheConfig{
			Enabled: true,
		},
		Dashboard: DashboardConfig{
			OpenBrowser: true,
		},
	}
}

// applyEnv overlays environment variables onto cfg. An unparseable or
// out-of-range SECTORFLUX_PORT is ignored with a warning rather than
// failing startup.
func applyEnv(cfg *Config) {
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		cfg.Upstream.Host = host
	}
	if path := os.Getenv("SECTORFLUX_DB"); path != "" {
		cfg.Store.Path = path
	}
	if raw := os.Getenv("SECTORFLUX_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 1 || port > 65535 {
			slog.Warn("ignoring invalid SECTORFLUX_PORT", "value", raw)
			return
		}
		cfg.Server.Port = port
	}
}

// validate checks the config for logical errors after all layers apply.
func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.Upstream.Host == "" {
		return fmt.Errorf("upstream.host must not be empty")
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	for _, pat := range cfg.Cache.ExcludeModels {
		if _, err := glob.Compile(pat); err != nil {
			return fmt.Errorf("cache.excludeModels pattern %q: %w", pat, err)
		}
	}
	return nil
}
