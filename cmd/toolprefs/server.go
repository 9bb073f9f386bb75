package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/toolprefs/internal/api"
	"github.com/kalambet/toolprefs/internal/config"
	"github.com/kalambet/toolprefs/internal/fsutil"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		withMCP   bool
		retention time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the management API (HTTP, and MCP over stdio) in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), opts, withMCP, retention)
		},
	}
	cmd.Flags().BoolVar(&withMCP, "mcp", true, "also serve MCP over stdin/stdout")
	cmd.Flags().DurationVar(&retention, "history-retention", 90*24*time.Hour, "drop journal entries older than this on start (0 keeps everything)")
	return cmd
}

func newStopCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running toolprefs server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return stopServer(opts.cfg)
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show toolprefs status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), opts)
		},
	}
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "toolprefs.pid")
}

func writePIDFile(path string) error {
	return fsutil.WriteFileAtomic(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(parent context.Context, opts *rootOptions, withMCP bool, retention time.Duration) error {
	cfg := opts.cfg
	slog.Info("toolprefs starting", "version", version, "prefs_file", cfg.Prefs.File)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Check if a server is already running via the health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	client := newAPIClient(cfg.Server.Port, apiToken)
	if client.healthy(parent) {
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("toolprefs is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("toolprefs is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := opts.open("server")
	if err != nil {
		return err
	}
	defer s.Close()

	if s.journal != nil && retention > 0 {
		if n, err := s.journal.PurgePreferenceChanges(time.Now().Add(-retention)); err != nil {
			slog.Warn("purging old journal entries", "error", err)
		} else if n > 0 {
			slog.Info("purged old journal entries", "count", n)
		}
	}

	deps := api.Deps{Prefs: s.mgr, Token: apiToken}
	mcpDeps := api.MCPDeps{Prefs: s.mgr, Version: version}
	if s.journal != nil {
		deps.History = s.journal
		mcpDeps.History = s.journal
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		printStep("toolprefs listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		printStep("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(mcpDeps))
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
}

func stopServer(cfg config.Config) error {
	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("toolprefs is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop toolprefs (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to toolprefs (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context, opts *rootOptions) error {
	cfg := opts.cfg

	s, err := opts.open("cli")
	if err != nil {
		printStatus("Preferences", "%s (unreadable: %v)", cfg.Prefs.File, err)
	} else {
		defer s.Close()
		printStatus("Preferences", "%s (%d stored)", s.mgr.Path(), len(s.mgr.All()))
		if s.journal != nil {
			if changes, err := s.journal.ListPreferenceChanges("", 1); err == nil && len(changes) > 0 {
				printStatus("Last change", "%s %s (%s)", changes[0].PluginID, changes[0].Action,
					changes[0].CreatedAt.Local().Format(time.RFC3339))
			}
		}
	}

	token, tokenErr := config.GetAPIToken(config.NewKeychain())
	if tokenErr != nil {
		slog.Debug("API token unavailable", "error", tokenErr)
	}
	client := newAPIClient(cfg.Server.Port, token)
	if !client.healthy(ctx) {
		printStatus("Server", "stopped")
	} else {
		printStatus("Server", "running on port %d", cfg.Server.Port)
		if pid, err := readPIDFile(pidFilePath(cfg.Storage.DataDir)); err == nil {
			printStatus("PID", "%d", pid)
		}
		if tokenErr == nil {
			var remote map[string]any
			if err := client.getJSON(ctx, "/plugins", &remote); err == nil {
				printStatus("Served records", "%d", len(remote))
			} else {
				printStatus("Served records", "unavailable (%v)", err)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
