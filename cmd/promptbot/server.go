package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
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
	"golang.org/x/net/netutil"

	"github.com/kalambet/promptbot/internal/api"
	"github.com/kalambet/promptbot/internal/config"
	"github.com/kalambet/promptbot/internal/serving"
	"github.com/kalambet/promptbot/internal/storage"
	"github.com/kalambet/promptbot/internal/trainer"
	"github.com/kalambet/promptbot/internal/watcher"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the promptbot server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running promptbot server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and model status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio without the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "promptbot.pid")
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

func setupLogging(cfg config.Config) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})))
}

// newService builds the Model Service. store may be nil, in which case
// training runs are not recorded.
func newService(cfg config.Config, store *storage.Store) *serving.Service {
	var opts []serving.Option
	if store != nil {
		opts = append(opts, serving.WithHistory(store))
	}
	return serving.New(serving.Config{
		DataPath:         cfg.Model.DataPath,
		ModelPath:        cfg.Model.ModelPath,
		BatchConcurrency: cfg.Model.BatchConcurrency,
	}, opts...)
}

// enqueueRetrain queues a training job unless one is already waiting.
func enqueueRetrain(store *storage.Store, trigger string) {
	n, err := store.PendingJobCount(trainer.JobType)
	if err != nil {
		slog.Warn("checking pending training jobs failed", "error", err)
	}
	if n > 0 {
		slog.Debug("training already queued, skipping", "pending", n)
		return
	}
	id, err := trainer.Enqueue(store, trigger)
	if err != nil {
		slog.Error("queueing retrain failed", "error", err)
		return
	}
	slog.Info("retrain queued", "job_id", id, "trigger", trigger)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "promptbot version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("promptbot is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("promptbot is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	svc := newService(cfg, store)
	slog.Info("model service ready",
		"state", svc.State().String(),
		"data_path", cfg.Model.DataPath,
		"model_path", cfg.Model.ModelPath,
	)

	// Background training worker.
	worker := trainer.NewWorker(store, svc, 500*time.Millisecond)
	go worker.Run(ctx)

	if cfg.Watch.Enabled {
		w := watcher.New(cfg.Model.DataPath, cfg.Watch.DebounceDuration(), func(context.Context) {
			enqueueRetrain(store, "watch")
		})
		if err := w.Watch(ctx); err != nil {
			slog.Warn("dataset watcher disabled", "error", err)
		}
	}

	if cfg.Server.MCPStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Service: svc})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)
	}

	srv := &http.Server{
		Handler:           api.NewHandler(api.AppDeps{Store: store, Service: svc}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "promptbot listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runMCP serves only the MCP tools over stdio, for use as an MCP client
// subprocess.
func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Service: newService(cfg, store)})
	err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
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
		printError("promptbot is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop promptbot (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to promptbot (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := newAPIClientFor(cfg, 2*time.Second)
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		showLocalModelStatus(cfg)
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)

	modelResp, err := client.get(ctx, "/model")
	if err == nil {
		var st serving.Status
		if decodeJSON(modelResp, &st) == nil {
			printModelStatus(st)
		}
	}

	countsResp, err := client.get(ctx, "/predictions/labels")
	if err == nil {
		var counts map[string]int
		if decodeJSON(countsResp, &counts) == nil {
			total := 0
			for _, n := range counts {
				total += n
			}
			printStatus("Predictions", "%d", total)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// showLocalModelStatus reports on the model file when no server is running.
func showLocalModelStatus(cfg config.Config) {
	svc := newService(cfg, nil)
	if !svc.IsModelReady() {
		printStatus("Model", "%s", svc.State())
		return
	}
	printModelStatus(svc.Status())
}

func printModelStatus(st serving.Status) {
	printStatus("Model", "%s", st.State)
	printStatus("Model file", "%s", st.ModelPath)
	printStatus("Dataset", "%s", st.DataPath)
	if len(st.Labels) > 0 {
		printStatus("Labels", "%s", strings.Join(st.Labels, ", "))
	}
	if st.TrainedAt != nil {
		printStatus("Trained at", "%s", st.TrainedAt.Local().Format(time.DateTime))
	}
}
