package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sameehj/sextant/internal/app"
	"github.com/sameehj/sextant/pkg/config"
	"github.com/sameehj/sextant/pkg/decision"
	"github.com/sameehj/sextant/pkg/eval"
	"github.com/sameehj/sextant/pkg/runtime/logging"
	"github.com/sameehj/sextant/pkg/telemetry"
	"github.com/sameehj/sextant/pkg/version"
)

var (
	cfgFile  string
	logLevel string
	trace    bool
)

func main() {
	root := &cobra.Command{
		Use:           "sextant",
		Short:         "Audit LLM decisions with the Information Sufficiency Ratio",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.sextant/config.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&trace, "trace", false, "write OpenTelemetry spans to stderr")

	root.AddCommand(auditCmd())
	root.AddCommand(decideCmd())
	root.AddCommand(runCmd())
	root.AddCommand(agentCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(mcpCmd())
	root.AddCommand(auditsCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads config and builds the app. The returned func flushes traces.
func setup() (*app.App, func(), error) {
	if err := config.LoadDotEnv("."); err != nil {
		return nil, nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.LoadConfig(config.ResolvePath(cfgFile))
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	cleanup := func() {}
	if trace {
		shutdown, err := telemetry.SetupTracing(os.Stderr, version.Service, version.Version)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { _ = shutdown(context.Background()) }
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return a, cleanup, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func auditCmd() *cobra.Command {
	var (
		auditContext string
		contextFile  string
		proposed     string
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit a proposed decision against its context",
		RunE: func(cmd *cobra.Command, args []string) error {
			if contextFile != "" {
				text, err := readInput(contextFile)
				if err != nil {
					return err
				}
				auditContext = text
			}
			a, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := signalContext()
			defer cancel()
			res, err := a.Auditor.Audit(ctx, auditContext, proposed)
			if err != nil {
				return err
			}
			out := map[string]any{
				"decision": res.Decision,
				"metrics":  res.Metrics,
				"reason":   res.Reason,
				"path":     res.Path,
			}
			if id := a.Record("cli", auditContext, proposed, res); id != "" {
				out["audit_id"] = id
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&auditContext, "context", "", "context the decision was made from")
	cmd.Flags().StringVar(&contextFile, "context-file", "", "read the context from a file (- for stdin)")
	cmd.Flags().StringVar(&proposed, "decision", "", "proposed decision to audit, e.g. APROVADO")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func decideCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "decide CASE_FILE",
		Short: "Propose a decision for a case (YAML or JSON) and audit it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadCase(args[0])
			if err != nil {
				return err
			}
			a, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()
			if source != "" {
				a.Config.Decision.Source = source
			}

			ctx, cancel := signalContext()
			defer cancel()
			src, err := a.DecisionSource(ctx)
			if err != nil {
				return err
			}
			proposal, err := src.Decide(ctx, c)
			if err != nil {
				return err
			}
			auditContext := c.Describe()
			res, err := a.Auditor.Audit(ctx, auditContext, proposal.Decision)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"audit_id": a.Record("cli", auditContext, proposal.Decision, res),
				"proposal": proposal,
				"audit":    res,
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "override decision source (rules or model)")
	return cmd
}

func runCmd() *cobra.Command {
	var (
		source string
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "run CASES_FILE",
		Short: "Decide and audit every case in a case set, then report against the expected decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "markdown" {
				return fmt.Errorf("unknown report format %q (json or markdown)", format)
			}
			cases, err := eval.LoadCases(args[0])
			if err != nil {
				return err
			}
			a, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()
			if source != "" {
				a.Config.Decision.Source = source
			}

			ctx, cancel := signalContext()
			defer cancel()
			src, err := a.DecisionSource(ctx)
			if err != nil {
				return err
			}
			report, err := a.Evaluator(src).Run(ctx, cases)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if format == "markdown" {
				return report.WriteMarkdown(w)
			}
			return report.WriteJSON(w)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "override decision source (rules or model)")
	cmd.Flags().StringVar(&format, "format", "json", "report format: json or markdown")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the report to a file instead of stdout")
	return cmd
}

func agentCmd() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Chat with the compliance agent; every decision is audited first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()
			ag, err := a.Agent()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			out := cmd.OutOrStdout()
			if query != "" {
				turn, err := ag.Handle(ctx, query)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, turn.Answer)
				return nil
			}

			scanner := bufio.NewScanner(cmd.InOrStdin())
			fmt.Fprint(out, "> ")
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				switch line {
				case "":
				case "exit", "quit":
					return nil
				case "reset":
					ag.Reset()
					fmt.Fprintln(out, "conversation cleared")
				default:
					turn, err := ag.Handle(ctx, line)
					if err != nil {
						fmt.Fprintln(os.Stderr, "error:", err)
						break
					}
					for _, o := range turn.Audits {
						if o.Result != nil {
							fmt.Fprintf(out, "[audit %s: %s, ISR %.4f]\n", o.ProposedDecision, o.Result.Decision, o.Result.Metrics.ISR)
						} else {
							fmt.Fprintf(out, "[audit %s failed: %s]\n", o.ProposedDecision, o.Error)
						}
					}
					fmt.Fprintln(out, turn.Answer)
				}
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprint(out, "> ")
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "ask a single question and exit")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()
			ctx, cancel := signalContext()
			defer cancel()

			src, err := a.DecisionSource(ctx)
			if err != nil {
				a.Logger.Warn("decision_source_disabled", "error", err)
				src = nil
			}
			srv := a.HTTPServer(addr, src)
			fmt.Fprintf(os.Stderr, "sextant listening on %s\n", srv.Addr())
			return srv.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the audit tool over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()
			ctx, cancel := signalContext()
			defer cancel()
			err = a.MCPServer().ServeStdio(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func auditsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audits", Short: "Inspect recorded audits"}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent audits",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()
			if a.Store == nil {
				return errors.New("audit store is disabled")
			}
			records, err := a.Store.List(limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range records {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\tISR=%.4f\n", r.ID, r.CreatedAt.Format("2006-01-02T15:04:05Z"), r.ProposedDecision, r.Result.Decision, r.Result.Metrics.ISR)
			}
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum records to show (0 = all)")

	show := &cobra.Command{
		Use:   "show ID",
		Short: "Show one audit record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()
			if a.Store == nil {
				return errors.New("audit store is disabled")
			}
			rec, err := a.Store.Load(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

func readInput(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(data), nil
}

// loadCase reads a case file. JSON is valid YAML, so one decoder serves both.
func loadCase(path string) (decision.Case, error) {
	text, err := readInput(path)
	if err != nil {
		return decision.Case{}, err
	}
	var c decision.Case
	if err := yaml.Unmarshal([]byte(text), &c); err != nil {
		return decision.Case{}, fmt.Errorf("parse case: %w", err)
	}
	return c, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
