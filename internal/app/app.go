// Package app assembles the auditor and its collaborators from a loaded
// config. Both binaries share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sameehj/sextant/pkg/agent"
	"github.com/sameehj/sextant/pkg/agent/llm"
	"github.com/sameehj/sextant/pkg/config"
	"github.com/sameehj/sextant/pkg/decision"
	"github.com/sameehj/sextant/pkg/eval"
	"github.com/sameehj/sextant/pkg/isr"
	"github.com/sameehj/sextant/pkg/mcp"
	"github.com/sameehj/sextant/pkg/probe"
	"github.com/sameehj/sextant/pkg/retry"
	"github.com/sameehj/sextant/pkg/server"
	"github.com/sameehj/sextant/pkg/store"
	"github.com/sameehj/sextant/pkg/telemetry"
	"github.com/sameehj/sextant/pkg/version"
)

type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Auditor  *isr.Auditor
	Registry *prometheus.Registry
	Metrics  *telemetry.Metrics
	// Store is nil when persistence is disabled.
	Store *store.FileStore
}

// New builds the probe chain (provider client, probe) and the auditor. Probe
// calls are not retried: a failed call degrades to a neutral sample.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	client, err := newLogprobClient(cfg.Probe, logger)
	if err != nil {
		return nil, err
	}

	prober := probe.New(client, cfg.Probe.TopK)
	prober.SetLogger(logger)
	if len(cfg.Probe.YesTokens) > 0 {
		prober.SetYesTokens(cfg.Probe.YesTokens)
	}

	auditor, err := isr.New(cfg.Audit.Config, prober)
	if err != nil {
		return nil, err
	}
	strategy, err := isr.StrategyByName(cfg.Audit.Strategy)
	if err != nil {
		return nil, err
	}
	auditor.SetStrategy(strategy)
	auditor.SetLogger(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)
	auditor.SetObserver(metrics)

	a := &App{Config: cfg, Logger: logger, Auditor: auditor, Registry: reg, Metrics: metrics}
	if cfg.Store.Enabled {
		a.Store = store.NewFileStore(cfg.Store.Dir)
	}
	return a, nil
}

func newLogprobClient(cfg config.ProbeConfig, logger *slog.Logger) (probe.LogprobClient, error) {
	switch cfg.Provider {
	case "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("OLLAMA_HOST")
		}
		return probe.NewOllamaClient(baseURL, cfg.Model), nil
	case "openai", "":
		c, err := probe.NewOpenAIClient(probe.OpenAIOptions{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			Model:   cfg.Model,
			BaseURL: firstNonEmpty(cfg.BaseURL, os.Getenv("OPENAI_BASE_URL")),
		})
		if err != nil {
			return nil, err
		}
		c.SetLogger(logger)
		return c, nil
	default:
		return nil, fmt.Errorf("unknown probe provider: %s", cfg.Provider)
	}
}

// ChatClient returns the tool-calling model used by the agent and by the
// model decision source.
func (a *App) ChatClient() (agent.LLMClient, error) {
	cfg := a.Config.Agent
	switch cfg.Provider {
	case "anthropic":
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, errors.New("missing ANTHROPIC_API_KEY")
		}
		c := llm.NewAnthropicClient(key, cfg.Model, firstNonEmpty(cfg.BaseURL, os.Getenv("ANTHROPIC_BASE_URL")))
		c.SetLogger(a.Logger)
		return c, nil
	case "openai", "":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, errors.New("missing OPENAI_API_KEY")
		}
		c := llm.NewOpenAIClient(key, cfg.Model, firstNonEmpty(cfg.BaseURL, os.Getenv("OPENAI_BASE_URL")))
		c.SetLogger(a.Logger)
		return c, nil
	default:
		return nil, fmt.Errorf("unknown agent provider: %s", cfg.Provider)
	}
}

// DecisionSource builds the configured source. When the source is a rule
// file and watching is enabled, the rules reload on change until ctx is done.
func (a *App) DecisionSource(ctx context.Context) (decision.Source, error) {
	var chat agent.LLMClient
	if a.Config.Decision.Source == "model" {
		c, err := a.ChatClient()
		if err != nil {
			return nil, err
		}
		retrying := retry.Wrap(c, a.Config.Decision.Retry)
		retrying.SetLogger(a.Logger)
		chat = retrying
	}
	src, err := decision.NewSource(a.Config.Decision.Source, a.Config.Decision.RulesPath, chat)
	if err != nil {
		return nil, err
	}
	if rules, ok := src.(*decision.RuleSource); ok && a.Config.Decision.Watch {
		w := decision.NewWatcher(rules)
		w.SetLogger(a.Logger)
		go func() {
			if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error("rules_watch_failed", "error", err)
			}
		}()
	}
	return src, nil
}

// Agent builds the compliance agent. Audits it runs are recorded when the
// store is enabled.
func (a *App) Agent() (*agent.Agent, error) {
	chat, err := a.ChatClient()
	if err != nil {
		return nil, err
	}
	opts := agent.Options{
		MaxIterations: a.Config.Agent.MaxIterations,
		CallTimeout:   a.Config.Agent.CallTimeout,
		OnAudit: func(o agent.AuditOutcome) {
			if o.Result != nil {
				a.Record("agent", o.Context, o.ProposedDecision, *o.Result)
			}
		},
	}
	ag := agent.New(chat, a.Auditor, opts)
	ag.SetLogger(a.Logger)
	return ag, nil
}

func (a *App) MCPServer() *mcp.Server {
	srv := mcp.NewServer(a.Auditor, version.Version)
	srv.SetLogger(a.Logger)
	if a.Store != nil {
		srv.SetRecorder(a.Store)
	}
	return srv
}

// HTTPServer builds the API server. A nil source disables /v1/decide.
func (a *App) HTTPServer(addr string, source decision.Source) *server.Server {
	if addr == "" {
		addr = a.Config.Server.Addr
	}
	opts := server.Options{
		Source:   source,
		Gatherer: a.Registry,
		MCP:      a.MCPServer(),
		Version:  version.Version,
	}
	if a.Store != nil {
		opts.Recorder = a.Store
	}
	srv := server.New(addr, a.Auditor, opts)
	srv.SetLogger(a.Logger)
	return srv
}

// Evaluator builds a batch runner over source. Its audits are recorded with
// origin "run" when the store is enabled.
func (a *App) Evaluator(source decision.Source) *eval.Runner {
	r := eval.NewRunner(source, a.Auditor)
	r.SetLogger(a.Logger)
	if a.Store != nil {
		r.SetRecorder(a.Record)
	}
	return r
}

// Record persists an audit and returns its ID, or "" when the store is
// disabled or the write failed.
func (a *App) Record(origin, auditContext, proposed string, res isr.Result) string {
	if a.Store == nil {
		return ""
	}
	rec := store.NewRecord(origin, auditContext, proposed, res)
	if err := a.Store.Save(&rec); err != nil {
		a.Logger.Error("audit_record_failed", "error", err)
		return ""
	}
	return rec.ID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
