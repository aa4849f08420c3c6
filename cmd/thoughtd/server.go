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

	"github.com/kalambet/thoughtd/internal/api"
	"github.com/kalambet/thoughtd/internal/arbiter"
	"github.com/kalambet/thoughtd/internal/config"
	"github.com/kalambet/thoughtd/internal/entitlement"
	"github.com/kalambet/thoughtd/internal/processor"
	"github.com/kalambet/thoughtd/internal/provider"
	"github.com/kalambet/thoughtd/internal/queue"
	"github.com/kalambet/thoughtd/internal/ratelimit"
	"github.com/kalambet/thoughtd/internal/storage"
	"github.com/kalambet/thoughtd/internal/toolspec"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the thoughtd server and processing worker (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running thoughtd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the thought tools over MCP (stdio)",
	Long: `Serve add_thought, process_thought, revert_thought and thought_status over
the MCP stdio transport. The tools act as --user (default: mcp.user_id), and a
processing worker runs in the same process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show thoughtd system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "thoughtd.pid")
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

// services is the processing stack shared by the HTTP and MCP entry points.
type services struct {
	store    *storage.Store
	checker  *entitlement.Checker
	catalog  *toolspec.Catalog
	notifier *processor.Notifier
	proc     *processor.Processor
	worker   *queue.Worker
	closers  []func() error
}

func newProvider(cfg config.Config) (provider.Provider, error) {
	switch cfg.Provider.Backend {
	case config.BackendOllama:
		return provider.NewOllama(cfg.Ollama.BaseURL, cfg.Provider.Model)
	default:
		return provider.NewOpenRouter(cfg.Provider.OpenRouterAPIKey, cfg.Provider.Model), nil
	}
}

func buildServices(cfg config.Config) (*services, error) {
	thresholds := arbiter.Thresholds{
		AutoApply: cfg.Processing.AutoApplyThreshold,
		Suggest:   cfg.Processing.SuggestThreshold,
	}
	if err := thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid processing thresholds: %w", err)
	}

	catalog, err := toolspec.Load(cfg.Tools.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("loading tool catalog: %w", err)
	}

	prov, err := newProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating AI provider: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	s := &services{store: store, catalog: catalog, closers: []func() error{store.Close}}

	var counters ratelimit.Store = store
	if cfg.Redis.URL != "" {
		rs, err := ratelimit.NewRedisStore(cfg.Redis.URL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("opening redis rate limiter: %w", err)
		}
		s.closers = append(s.closers, rs.Close)
		counters = rs
		slog.Info("rate limits backed by redis")
	}

	s.checker = entitlement.NewCheckerWithTTL(store, cfg.Entitlement.CacheTTL)
	s.notifier = processor.NewNotifier(0, nil)
	s.proc = processor.New(processor.Deps{
		Store:        store,
		Context:      store,
		Recorder:     store,
		Provider:     prov,
		Catalog:      catalog,
		Limiter:      ratelimit.New(counters, cfg.Processing.DailyLimit, cfg.Processing.MinInterval),
		Entitlements: s.checker,
		Guests:       entitlement.NewGuestGate(store, cfg.Guest.OverrideKey),
		Notifier:     s.notifier,
	}, processor.Options{
		Thresholds:       thresholds,
		MaxReprocess:     cfg.Processing.MaxReprocess,
		ProviderTimeout:  cfg.Provider.Timeout,
		GuestOverrideKey: cfg.Guest.OverrideKey,
	})
	s.worker = queue.NewWorker(store, s.proc, queue.Options{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		Lease:        s.proc.Lease(),
	})
	return s, nil
}

// Close flushes pending side effects and releases the stores, newest first.
func (s *services) Close() {
	if s.notifier != nil {
		s.notifier.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Warn("closing resource", "error", err)
		}
	}
}

// startWorker runs the worker until ctx is done. The returned channel is
// closed once in-flight jobs have finished.
func (s *services) startWorker(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.worker.Run(ctx)
	}()
	return done
}

func setupLogging(cfg config.Config) func() error {
	logger, cleanup := config.SetupLogger(cfg.Log.Level, cfg.Log.File)
	slog.SetDefault(logger)
	return cleanup
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "thoughtd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	defer setupLogging(cfg)()

	apiToken, err := config.GetAPIToken(config.NewSecrets())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("thoughtd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("thoughtd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	handler := api.NewAppHandler(api.AppDeps{
		Processor:    svc.proc,
		Store:        svc.store,
		Entitlements: svc.checker,
		Catalog:      svc.catalog,
		Token:        apiToken,
		GuestTTL:     cfg.Guest.SessionTTL,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	workerDone := svc.startWorker(ctx)
	slog.Info("processing worker started",
		"concurrency", cfg.Worker.Concurrency,
		"provider", cfg.Provider.Backend,
		"model", cfg.Provider.Model,
	)

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "thoughtd listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	<-workerDone
	return serveErr
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	defer setupLogging(cfg)()

	userID, err := resolveUser(cfg.MCP.UserID)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	workerDone := svc.startWorker(ctx)

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Processor: svc.proc,
		Caller:    processor.Caller{UserID: userID},
	})
	slog.Info("MCP server started (stdio transport)", "user_id", userID)

	err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
	stop()
	<-workerDone
	if err != nil && !errors.Is(err, context.Canceled) {
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
		printError("thoughtd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop thoughtd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to thoughtd (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Provider", "%s (%s)", cfg.Provider.Backend, cfg.Provider.Model)
	if cfg.Provider.Backend == config.BackendOllama {
		if ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version"); err != nil {
			printStatus("Ollama", "not running")
		} else {
			ollamaResp.Body.Close()
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		}
	}
	printStatus("Rate limits", "%s, %d/day, %s between runs", limiterLabel(cfg), cfg.Processing.DailyLimit, cfg.Processing.MinInterval)
	printStatus("Thresholds", "auto-apply >= %.2f, suggest >= %.2f", cfg.Processing.AutoApplyThreshold, cfg.Processing.SuggestThreshold)
	printStatus("Worker", "%d concurrent, poll %s", cfg.Worker.Concurrency, cfg.Worker.PollInterval)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func limiterLabel(cfg config.Config) string {
	if cfg.Redis.URL != "" {
		return "redis"
	}
	return "sqlite"
}
