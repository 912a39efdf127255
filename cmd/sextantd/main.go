package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/sameehj/sextant/internal/app"
	"github.com/sameehj/sextant/pkg/config"
	"github.com/sameehj/sextant/pkg/runtime/logging"
	"github.com/sameehj/sextant/pkg/telemetry"
	"github.com/sameehj/sextant/pkg/version"
)

var (
	cfgFile string
	addr    string
	envDir  string
	trace   bool
	watch   bool
)

func main() {
	pflag.StringVar(&cfgFile, "config", "", "config file (default: ~/.sextant/config.yaml)")
	pflag.StringVar(&addr, "addr", "", "HTTP listen address")
	pflag.StringVar(&envDir, "env-dir", ".", "directory holding an optional .env file")
	pflag.BoolVar(&trace, "trace", false, "write OpenTelemetry spans to stderr")
	pflag.BoolVar(&watch, "watch-rules", false, "reload the rule file when it changes")
	pflag.Parse()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(envDir); err != nil {
		return err
	}
	cfg, err := config.LoadConfig(config.ResolvePath(cfgFile))
	if err != nil {
		return err
	}
	if watch {
		cfg.Decision.Watch = true
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	if trace {
		shutdown, err := telemetry.SetupTracing(os.Stderr, version.Service, version.Version)
		if err != nil {
			return err
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	src, err := a.DecisionSource(ctx)
	if err != nil {
		logger.Warn("decision_source_disabled", "error", err)
		src = nil
	}
	srv := a.HTTPServer(addr, src)
	logger.Info("sextantd_starting", "version", version.String(), "addr", srv.Addr())
	return srv.Start(ctx)
}
