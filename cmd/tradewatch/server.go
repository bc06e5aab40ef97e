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
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/tradewatch/tradewatch/internal/api"
	"github.com/tradewatch/tradewatch/internal/config"
	"github.com/tradewatch/tradewatch/internal/monitor"
	"github.com/tradewatch/tradewatch/internal/notify"
	"github.com/tradewatch/tradewatch/internal/ollama"
	"github.com/tradewatch/tradewatch/internal/oracle"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, ETL worker and scheduled monitoring (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running tradewatch server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, model and data status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "tradewatch.pid")
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

// ensureAPIToken generates and stores a bearer token on first start.
func ensureAPIToken(cfg *config.Config) error {
	if cfg.Server.APIToken != "" {
		return nil
	}
	token := uuid.NewString()
	if err := config.SetSecret("server.api_token", token); err != nil {
		return err
	}
	cfg.Server.APIToken = token
	printSuccess("Generated API token (stored in %s)", config.SecretsFilePath())
	return nil
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "tradewatch version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := ensureAPIToken(&cfg); err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ollama.EnsureReady(ctx, a.ollama, cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
		return err
	}
	if err := a.loadRulesFile(); err != nil {
		return err
	}

	worker := a.newWorker()
	go worker.Run(ctx)

	pipeline := a.newPipeline()
	if cfg.Ingest.HSCodesFile != "" && cfg.Ingest.Schedule != "" {
		c := cron.New()
		_, err := c.AddFunc(cfg.Ingest.Schedule, func() {
			codes, err := a.hsCodes("")
			if err != nil {
				a.logger.Error("scheduled ingestion skipped", "error", err)
				return
			}
			if _, err := pipeline.Run(ctx, codes); err != nil {
				a.logger.Error("scheduled ingestion failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid ingest.schedule %q: %w", cfg.Ingest.Schedule, err)
		}
		c.Start()
		defer c.Stop()
		a.logger.Info("ingestion scheduled", "schedule", cfg.Ingest.Schedule)
	}

	var (
		o          oracle.Oracle
		cycle      api.CycleRunner
		dispatcher *notify.Dispatcher
	)
	if err := cfg.RequireLLMKey(); err != nil {
		printWarning("%v", err)
		printWarning("/ask and monitoring are disabled until an LLM API key is configured")
	} else {
		o = a.newOracle()
		dispatcher = a.newDispatcher()
		engine := a.newEngine(o, dispatcher)
		cycle = engine

		sched, err := monitor.NewScheduler(engine, a.rules, monitor.SchedulerConfig{
			Schedule:     cfg.Monitor.Schedule,
			CycleTimeout: a.cycleTimeout(),
			Logger:       a.logger.With("component", "scheduler"),
		})
		if err != nil {
			return err
		}
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Stop()
		a.logger.Info("monitoring scheduled", "schedule", cfg.Monitor.Schedule, "next", sched.Next())
	}

	handler := api.NewAppHandler(api.AppDeps{
		Rules:      a.rules,
		History:    a.history,
		Oracle:     o,
		Monitor:    cycle,
		Documents:  pipeline,
		Token:      cfg.Server.APIToken,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Logger:     a.logger.With("component", "api"),
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Rules:   a.rules,
			History: a.history,
			Oracle:  o,
			Monitor: cycle,
		}, version)
		go func() {
			if err := api.ServeStdio(ctx, mcpSrv, os.Stdin, os.Stdout); err != nil {
				a.logger.Error("MCP stdio server error", "error", err)
			}
		}()
		a.logger.Info("MCP server started (stdio transport)")
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
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
		fmt.Fprintf(os.Stderr, "tradewatch listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if dispatcher != nil {
		dispatcher.Wait()
	}
	return err
}

// runMCP serves MCP on stdio against the local database, without the HTTP
// API or schedulers.
func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := api.MCPDeps{Rules: a.rules, History: a.history}
	var dispatcher *notify.Dispatcher
	if cfg.RequireLLMKey() == nil {
		o := a.newOracle()
		dispatcher = a.newDispatcher()
		deps.Oracle = o
		deps.Monitor = a.newEngine(o, dispatcher)
	}

	err = api.ServeStdio(ctx, api.NewMCPServer(deps, version), os.Stdin, os.Stdout)
	if dispatcher != nil {
		dispatcher.Wait()
	}
	return err
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("tradewatch is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop tradewatch (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to tradewatch (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	if serverHealthy(ctx, client, serverURL(cfg)) {
		printStatus("Server", "running on %s", serverURL(cfg))
	} else {
		printStatus("Server", "stopped")
	}

	if ollama.New(cfg.Ollama.BaseURL).IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}
	printStatus("Chat model", "%s", cfg.Ollama.ChatModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Answer model", "%s", cfg.LLM.Model)
	if cfg.LLM.APIKey == "" {
		printStatus("LLM API key", "%s", colorize(colorYellow, "not set"))
	}

	a, err := openApp(cfg)
	if err != nil {
		printError("%v", err)
		return nil
	}
	defer a.Close()

	if rs, err := a.rules.List(false); err == nil {
		enabled := 0
		for _, r := range rs {
			if r.Enabled {
				enabled++
			}
		}
		printStatus("Rules", "%d (%d enabled)", len(rs), enabled)
	}
	if total, fired, err := a.store.CountEvents(); err == nil {
		printStatus("Alert history", "%s evaluations, %s fired", humanize.Comma(int64(total)), humanize.Comma(int64(fired)))
	}
	if counts, err := a.store.CountTradeRecords(); err == nil {
		printStatus("Trade records", "%s", formatCounts(counts))
	}
	if counts, err := a.vectors.CountBySourceType(ctx); err == nil {
		printStatus("Indexed chunks", "%s", formatCounts(counts))
	}
	if counts, err := a.store.JobCounts(); err == nil {
		printStatus("ETL jobs", "%s", formatCounts(counts))
	}
	if v, err := a.store.SchemaVersion(); err == nil {
		printStatus("Schema", "v%d", v)
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func serverHealthy(ctx context.Context, client *http.Client, base string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// formatCounts renders {"a":1,"b":2} as "a 1, b 2" in key order.
func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + " " + humanize.Comma(int64(counts[k]))
	}
	return strings.Join(parts, ", ")
}
