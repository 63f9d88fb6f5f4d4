// clawd is the session orchestration daemon: it owns the durable
// session store, one worker per live conversation, history compaction,
// sub-agent delegation, and the channel adapters feeding them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/dyzdyz010/clawd/internal/bus"
	"github.com/dyzdyz010/clawd/internal/channels"
	"github.com/dyzdyz010/clawd/internal/compaction"
	"github.com/dyzdyz010/clawd/internal/config"
	"github.com/dyzdyz010/clawd/internal/maintenance"
	otelPkg "github.com/dyzdyz010/clawd/internal/otel"
	"github.com/dyzdyz010/clawd/internal/persistence"
	"github.com/dyzdyz010/clawd/internal/runner"
	"github.com/dyzdyz010/clawd/internal/runner/proc"
	"github.com/dyzdyz010/clawd/internal/session"
	"github.com/dyzdyz010/clawd/internal/subagent"
	"github.com/dyzdyz010/clawd/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("clawd", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if isatty.IsTerminal(os.Stderr.Fd()) && !*quiet {
		fmt.Fprintf(os.Stderr, "clawd %s · home=%s\n", Version, cfg.HomeDir)
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	eventBus := bus.New()

	if err := os.MkdirAll(cfg.Runner.Workspace, 0o755); err != nil {
		fatalStartup(logger, "E_WORKSPACE_CREATE", err)
	}
	factory, err := proc.NewFactory(proc.Config{Command: cfg.Runner.Command, Logger: logger})
	if err != nil {
		fatalStartup(logger, "E_RUNNER_CONFIG", err)
	}
	completer, err := proc.NewCompleter(cfg.Runner.Command, logger)
	if err != nil {
		fatalStartup(logger, "E_RUNNER_CONFIG", err)
	}

	compactor := compaction.New(store, completer, compaction.Config{
		Threshold:        cfg.Compaction.Threshold,
		KeepRecent:       cfg.Compaction.KeepRecent,
		SummaryModel:     cfg.Compaction.SummaryModel,
		DefaultModel:     cfg.DefaultModel,
		MaxSummaryTokens: cfg.Compaction.MaxSummaryTokens,
		ContextLimits:    cfg.ContextLimits,
	}, logger)

	manager := session.NewManager(session.ManagerConfig{
		AgentID:      cfg.AgentID,
		DefaultModel: cfg.DefaultModel,
		Policy: session.ResetPolicy{
			Mode:         cfg.Session.Reset.Mode,
			DailyHourUTC: cfg.Session.Reset.DailyHourUTC,
			IdleTimeout:  cfg.IdleTimeout(),
			Triggers:     cfg.Session.Reset.Triggers,
		},
		SendTimeout:      cfg.SendTimeout(),
		SendTimeoutFloor: cfg.SendTimeoutFloor(),
		Runner: runner.Config{
			Model:        cfg.DefaultModel,
			SystemPrompt: cfg.Runner.SystemPrompt,
			Workspace:    cfg.Runner.Workspace,
			AllowedTools: cfg.Runner.AllowedTools,
			DeniedTools:  cfg.Runner.DeniedTools,
		},
	}, session.Deps{
		Store:     store,
		Bus:       eventBus,
		Factory:   factory,
		Compactor: compactor,
		Metrics:   metrics,
		Tracer:    otelProvider.Tracer,
		Logger:    logger,
	})

	registry := channels.NewRegistry()
	spawner := subagent.New(subagent.Config{
		AgentID:        cfg.AgentID,
		DefaultTimeout: time.Duration(cfg.Subagent.TimeoutSeconds) * time.Second,
		MaxTimeout:     time.Duration(cfg.Subagent.MaxTimeoutSeconds) * time.Second,
		ResultMaxChars: cfg.Subagent.ResultMaxChars,
	}, manager, store, eventBus, registry, metrics, otelProvider.Tracer, logger)

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			fatalStartup(logger, "E_TELEGRAM_TOKEN", fmt.Errorf("telegram enabled without a token"))
		}
		tg := channels.NewTelegramChannel(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.AllowedIDs, manager, logger)
		tg.AttachSpawner(spawner)
		registry.Register(tg.Name(), tg)
		go func() {
			if err := tg.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("telegram channel exited", "error", err)
				stop()
			}
		}()
	}

	var sweeper *maintenance.Sweeper
	if cfg.Maintenance.CronExpr != "" {
		sweeper, err = maintenance.New(maintenance.Config{
			Store:           store,
			Logger:          logger,
			CronExpr:        cfg.Maintenance.CronExpr,
			ArchiveIdle:     time.Duration(cfg.Maintenance.ArchiveIdleDays) * 24 * time.Hour,
			RetentionWindow: time.Duration(cfg.Maintenance.RetentionMessageDays) * 24 * time.Hour,
		})
		if err != nil {
			fatalStartup(logger, "E_MAINTENANCE_CONFIG", err)
		}
		sweeper.Start(ctx)
		if next, nerr := maintenance.NextRunTime(cfg.Maintenance.CronExpr, time.Now().UTC()); nerr == nil {
			logger.Info("maintenance sweeper scheduled", "next_run", next)
		}
	}

	logger.Info("clawd started",
		"agent_id", cfg.AgentID,
		"model", cfg.DefaultModel,
		"reset_mode", string(cfg.Session.Reset.Mode),
		"telegram", cfg.Channels.Telegram.Enabled)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Stop intake first, drain workers with a bound, then let the
	// detached sub-agent runs report against stopped workers.
	if sweeper != nil {
		sweeper.Stop()
	}
	manager.StopAll(context.Background(), 10*time.Second)
	spawner.Wait()
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "clawd: startup failure [%s]: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
