// Package main is the CLI entry point for SectorFlux, a transparent
// reverse proxy that sits between a local LLM client and an
// Ollama-compatible daemon.
//
// Every request passes through unchanged while SectorFlux records what
// the daemon never shows:
//
//	client --> SectorFlux (:8888) --> Ollama (:11434)
//	            |-- stream passthrough + TTFT measurement
//	            |-- telemetry extraction (tokens, eval durations)
//	            |-- async SQLite history (last 100 requests)
//	            |-- exact-match response cache with bypass header
//	            +-- live dashboard + chat UI on the same port
//
// Commands (cobra):
//
//	sectorflux           - Run the proxy server (same as 'serve')
//	sectorflux serve     - Run the proxy server
//	sectorflux init      - Write a default sectorflux.yaml
//	sectorflux version   - Print version information
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/particlesector/sectorflux/internal/config"
	"github.com/particlesector/sectorflux/internal/dashboard"
	"github.com/particlesector/sectorflux/internal/proxy"
	"github.com/particlesector/sectorflux/internal/store"
	"github.com/particlesector/sectorflux/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// configPath is the global --config flag, inherited by all subcommands.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "sectorflux",
	Short: "SectorFlux - transparent proxy for Ollama",
	Long: `SectorFlux is a transparent reverse proxy for a local Ollama daemon.
It forwards /api/generate and /api/chat byte-for-byte while recording
latency, time-to-first-token, and token telemetry for every request,
keeps a rolling SQLite history, serves cached responses for repeated
prompts, and hosts a live dashboard on the same port.

Point your client at SectorFlux instead of Ollama; nothing else changes.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)",
		version.String, version.Commit, version.BuildDate),
	// Running with no subcommand starts the server, matching the
	// expectation that the binary simply runs.
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configPath,
		"config",
		config.DefaultPath,
		"Path to the sectorflux.yaml configuration file",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

// Serve flags. Flags are the outermost configuration layer: they beat
// the YAML file and the environment when explicitly set.
var (
	flagPort      int
	flagDB        string
	flagNoBrowser bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the SectorFlux proxy server",
	Long: `Run the proxy server. Configuration is layered: built-in defaults,
then sectorflux.yaml (if present), then environment variables
(OLLAMA_HOST, SECTORFLUX_PORT, SECTORFLUX_DB, also read from .env),
then explicit command-line flags.

Editing the cache section of sectorflux.yaml while the server runs
applies the change live; other sections need a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&flagPort, "port", 0, "Listen port (overrides config)")
	serveCmd.Flags().StringVar(&flagDB, "db", "", "SQLite database path (overrides config)")
	serveCmd.Flags().BoolVar(&flagNoBrowser, "no-browser", false, "Do not open the dashboard in a browser")

	// The bare root invocation runs the server too, so it takes the
	// same flags.
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default sectorflux.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteDefault(configPath); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", configPath)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sectorflux %s\n  commit: %s\n  built:  %s\n",
			version.String, version.Commit, version.BuildDate)
	},
}

// runServe wires the whole stack together and blocks until shutdown.
func runServe(cmd *cobra.Command, args []string) error {
	// --- Step 1: Configuration ---
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cmd.Flags().Changed("port") {
		if flagPort < 1 || flagPort > 65535 {
			return fmt.Errorf("invalid --port %d", flagPort)
		}
		cfg.Server.Port = flagPort
	}
	if cmd.Flags().Changed("db") {
		cfg.Store.Path = flagDB
	}
	if flagNoBrowser {
		cfg.Dashboard.OpenBrowser = false
	}

	// --- Step 2: History store ---
	// Opens (or creates) the SQLite file and starts the write-behind
	// worker. Closed last so queued log entries get flushed.
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store at %s: %w", cfg.Store.Path, err)
	}
	defer st.Close()

	// --- Step 3: Proxy engine ---
	eng := proxy.New(proxy.Options{
		Store:         st,
		Upstream:      cfg.Upstream.Host,
		CacheEnabled:  cfg.Cache.Enabled,
		ExcludeModels: cfg.Cache.ExcludeModels,
	})

	// --- Step 4: Dashboard, broadcaster, and the full route table ---
	// POST /api/shutdown signals shutdownCh; the buffered send keeps
	// repeated requests from blocking the handler.
	shutdownCh := make(chan struct{}, 1)
	dash := dashboard.New(dashboard.Options{
		Store:    st,
		Engine:   eng,
		Upstream: cfg.Upstream.Host,
		OnShutdown: func() {
			select {
			case shutdownCh <- struct{}{}:
			default:
			}
		},
	})
	defer dash.Close()

	// --- Step 5: Hot reload for the cache section ---
	// The watcher fires on writes to the config file; only the cache
	// settings are applied live.
	watcher, err := config.NewWatcher(configPath, func() {
		fresh, loadErr := config.Load(configPath)
		if loadErr != nil {
			slog.Warn("config reload skipped", "error", loadErr)
			return
		}
		if fresh.Server.Port != cfg.Server.Port ||
			fresh.Upstream.Host != cfg.Upstream.Host ||
			fresh.Store.Path != cfg.Store.Path {
			slog.Warn("server, upstream, and store changes need a restart; only cache settings apply live")
		}
		eng.SetCacheEnabled(fresh.Cache.Enabled)
		eng.SetCacheExcludes(fresh.Cache.ExcludeModels)
		slog.Info("cache config reloaded",
			"enabled", fresh.Cache.Enabled,
			"excluded_models", len(fresh.Cache.ExcludeModels))
	})
	if err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}
	defer watcher.Close()

	// --- Step 6: HTTP server ---
	// No global read/write timeouts: generation streams run for as
	// long as the model takes. ReadHeaderTimeout still bounds idle
	// connections.
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           dash.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("sectorflux starting",
		"version", version.String,
		"addr", addr,
		"upstream", cfg.Upstream.Host,
		"db", cfg.Store.Path,
		"cache", cfg.Cache.Enabled)

	if cfg.Dashboard.OpenBrowser {
		go openBrowser(fmt.Sprintf("http://localhost:%d", cfg.Server.Port))
	}

	// --- Step 7: Run until a signal, the shutdown API, or a server error ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down on signal")
	case <-shutdownCh:
		slog.Info("shutting down on API request")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Give in-flight streams a grace period to finish, then let the
	// deferred closes flush the rest (broadcaster, watcher, store).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown", "error", err)
	}

	slog.Info("sectorflux stopped")
	return nil
}

// openBrowser points the default browser at the dashboard. Best
// effort: a headless machine just logs and moves on. The delay gives
// the listener time to come up.
func openBrowser(url string) {
	time.Sleep(time.Second)

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	case "darwin":
		cmd = exec.Command("open", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		slog.Debug("could not open browser", "url", url, "error", err)
	}
}
