package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kalambet/medbridge/internal/api"
	"github.com/kalambet/medbridge/internal/config"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the queue workers (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running medbridge server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show server and model provider status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showHealth()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	Long: `Serve the MCP tools over stdio.

By default jobs are left to a running "medbridge serve". Pass --workers to
process them in this process as well.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetBool("workers")
		return runMCP(workers)
	},
}

func init() {
	mcpCmd.Flags().Bool("workers", false, "also run the queue workers")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "medbridge.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
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

func runServer() error {
	printStep("%s", versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Log.Level)

	token, err := config.EnsureAPIToken(config.NewSecretStore())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	logger.Info("API bearer token available")

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(cfg.BaseURL() + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("medbridge is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("medbridge is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, "serve")
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			printWarning("shutting down: %v", err)
		}
	}()
	if err := a.start(ctx, true); err != nil {
		return err
	}

	handler := api.NewHandler(api.Deps{
		Messages:      a.pipeline,
		Conversations: a.store,
		Collections:   a.collections,
		Retriever:     a.aggregator,
		Documents:     a.ingest,
		Imports:       a.imports,
		Queues:        a.store,
		Embedding:     a.provider.Config(),
		Token:         token,
		Logger:        logger.With("component", "api"),
	})

	addr := net.JoinHostPort(cfg.Server.Bind, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("medbridge listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		printStep("shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout. Queue workers stop in a.close.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCP(workers bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, "mcp")
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.start(ctx, workers); err != nil {
		return err
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Messages:  a.pipeline,
		Retriever: a.aggregator,
		Queues:    a.store,
	}, version)
	logger.Info("MCP server started (stdio transport)", "workers", workers)
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("medbridge is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop medbridge (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to medbridge (PID %d)", pid)
	return nil
}

func showHealth() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(cfg.BaseURL() + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on %s", cfg.BaseURL())
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Provider", "%s", cfg.Provider.Name)
	printStatus("Chat model", "%s", cfg.Provider.ChatModel)
	printStatus("Embed model", "%s (%d dims)", cfg.Provider.EmbedModel, cfg.Provider.EmbedDims)
	speech := "disabled"
	if cfg.Speech.TranscribeURL != "" || cfg.Speech.SynthesizeURL != "" {
		speech = "enabled"
	}
	printStatus("Speech", "%s", speech)
	printStatus("Events", "%s", cfg.Events.Backend)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
