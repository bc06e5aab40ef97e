package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tradewatch/tradewatch/internal/composer"
	"github.com/tradewatch/tradewatch/internal/config"
	"github.com/tradewatch/tradewatch/internal/facts"
	"github.com/tradewatch/tradewatch/internal/history"
	"github.com/tradewatch/tradewatch/internal/ingest"
	"github.com/tradewatch/tradewatch/internal/metrics"
	"github.com/tradewatch/tradewatch/internal/monitor"
	"github.com/tradewatch/tradewatch/internal/notify"
	"github.com/tradewatch/tradewatch/internal/ollama"
	"github.com/tradewatch/tradewatch/internal/oracle"
	"github.com/tradewatch/tradewatch/internal/providers"
	"github.com/tradewatch/tradewatch/internal/proxy"
	"github.com/tradewatch/tradewatch/internal/reranking"
	"github.com/tradewatch/tradewatch/internal/retrieval"
	"github.com/tradewatch/tradewatch/internal/rules"
	"github.com/tradewatch/tradewatch/internal/storage"
)

// app holds the components every command that touches the local database
// needs. Heavier pieces (oracle, dispatcher, providers) are built on demand.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *storage.Store
	rules   *rules.Store
	history *history.Log

	ollama   *ollama.Client
	embedder *retrieval.Embedder
	vectors  *retrieval.SQLiteStore
}

func openApp(cfg config.Config) (*app, error) {
	logger := setupLogging(cfg.Log.Level)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	hist, err := history.Open(store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening alert history: %w", err)
	}

	oc := ollama.New(cfg.Ollama.BaseURL)
	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		rules:    rules.NewStore(store, rules.WithLogger(logger.With("component", "rules"))),
		history:  hist,
		ollama:   oc,
		embedder: retrieval.NewEmbedder(oc, cfg.Ollama.EmbedModel),
		vectors:  retrieval.NewSQLiteStore(store.DB()),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		printWarning("closing storage: %v", err)
	}
}

// loadRulesFile imports the configured rules file, replacing rules with the
// same ID. Invalid entries are logged and skipped.
func (a *app) loadRulesFile() error {
	if a.cfg.Monitor.RulesFile == "" {
		return nil
	}
	res, err := a.rules.Import(a.cfg.Monitor.RulesFile, true)
	if err != nil {
		return fmt.Errorf("loading rules file: %w", err)
	}
	a.logger.Info("rules file loaded",
		"file", a.cfg.Monitor.RulesFile,
		"added", len(res.Added),
		"updated", len(res.Updated),
		"skipped", len(res.Skipped),
	)
	return nil
}

// newOracle assembles the retrieval-augmented oracle. The caller must have
// checked that an LLM API key is configured.
func (a *app) newOracle() *oracle.RAG {
	cfg := a.cfg
	llm := proxy.NewClient(cfg.LLM.APIKey,
		proxy.WithBaseURL(cfg.LLM.BaseURL),
		proxy.WithHTTPClient(&http.Client{Timeout: cfg.LLM.Timeout}),
	)
	reranker := reranking.New(a.ollama, reranking.Options{
		Model:     cfg.Ollama.ChatModel,
		Timeout:   cfg.Retrieval.RerankTimeout,
		Threshold: cfg.Retrieval.RerankThreshold,
		TopK:      cfg.Retrieval.TopK,
	}, cfg.Retrieval.Rerank)

	return oracle.NewRAG(
		retrieval.NewRetriever(a.embedder, a.vectors),
		composer.New(cfg.Retrieval.MaxContextTokens),
		llm,
		facts.NewExtractor(a.ollama, cfg.Ollama.ChatModel, cfg.Ollama.FactsTimeout),
		oracle.Config{
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			TopK:        cfg.Retrieval.TopK,
			MinScore:    float32(cfg.Retrieval.MinScore),
			Timeout:     cfg.LLM.Timeout,
			RateLimit:   cfg.LLM.RateLimit,
		},
		oracle.WithReranker(reranker),
		oracle.WithObserver(metrics.ObserveOracle),
		oracle.WithLogger(a.logger.With("component", "oracle")),
	)
}

// newDispatcher returns nil when no notification channel is configured.
func (a *app) newDispatcher() *notify.Dispatcher {
	al := a.cfg.Alerts
	var senders []notify.Sender

	if al.SMTPHost != "" || al.EmailTo != "" {
		ec := notify.EmailConfig{
			Host:     al.SMTPHost,
			Port:     al.SMTPPort,
			Username: al.SMTPUsername,
			Password: al.SMTPPassword,
			From:     al.EmailFrom,
			To:       al.Recipients(),
		}
		if err := ec.Validate(); err != nil {
			a.logger.Warn("email alerts disabled", "error", err)
		} else {
			senders = append(senders, notify.NewEmailSender(ec))
		}
	}
	if al.SlackWebhookURL != "" {
		senders = append(senders, notify.NewSlackSender(al.SlackWebhookURL))
	}

	if len(senders) == 0 {
		a.logger.Warn("no notification channels configured, firings are only recorded")
		return nil
	}
	return notify.NewDispatcher(senders,
		notify.WithTimeout(al.DispatchTimeout),
		notify.WithLogger(a.logger.With("component", "notify")),
	)
}

// newEngine wires the evaluation engine. d may be nil.
func (a *app) newEngine(o oracle.Oracle, d *notify.Dispatcher) *monitor.Engine {
	var dispatcher monitor.Dispatcher
	if d != nil {
		dispatcher = d
	}
	mc := a.cfg.Monitor
	return monitor.New(o, a.history, dispatcher, monitor.Config{
		DefaultCooldown: mc.Cooldown,
		OracleTimeout:   mc.OracleTimeout,
		Concurrency:     mc.Concurrency,
		RateLimit:       mc.RateLimit,
	}, monitor.WithLogger(a.logger.With("component", "monitor")))
}

// newPipeline wires the provider clients. Comtrade is always enabled; the
// bill-of-lading source only when a base URL is configured.
func (a *app) newPipeline() *providers.Pipeline {
	cfg := a.cfg
	pc := providers.PipelineConfig{
		Comtrade: providers.NewComtradeClient(cfg.Comtrade.APIKey,
			providers.WithBaseURL(cfg.Comtrade.BaseURL),
			providers.WithRateLimit(cfg.Comtrade.RateLimit),
			providers.WithLogger(a.logger),
		),
		DaysBack: cfg.BOL.DaysBack,
		Logger:   a.logger.With("component", "providers"),
	}
	if cfg.BOL.BaseURL != "" {
		pc.BOL = providers.NewBOLClient(cfg.BOL.Provider, cfg.BOL.BaseURL, cfg.BOL.APIKey,
			providers.WithRateLimit(cfg.BOL.RateLimit),
			providers.WithLogger(a.logger),
		)
	}
	return providers.NewPipeline(a.store, pc)
}

func (a *app) newWorker() *ingest.Worker {
	return ingest.NewWorker(a.store, a.embedder, a.vectors, a.cfg.Ingest.PollInterval)
}

// hsCodes reads the watched HS code list.
func (a *app) hsCodes(override string) ([]string, error) {
	path := override
	if path == "" {
		path = a.cfg.Ingest.HSCodesFile
	}
	if path == "" {
		return nil, errors.New("no HS code list configured: set ingest.hs_codes_file or pass --hs-codes")
	}
	return providers.LoadHSCodes(path)
}

// cycleTimeout falls back to an hour when unset.
func (a *app) cycleTimeout() time.Duration {
	if a.cfg.Monitor.CycleTimeout > 0 {
		return a.cfg.Monitor.CycleTimeout
	}
	return time.Hour
}
