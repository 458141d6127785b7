package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley/internal/adapter/api"
	"parley/internal/adapter/gateway"
	"parley/internal/adapter/processor"
	"parley/internal/adapter/store"
	"parley/internal/domain"
	"parley/internal/infra/config"
	"parley/internal/infra/logger"
	"parley/internal/infra/tracer"
	"parley/internal/usecase"
	"parley/internal/usecase/engine"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config
	cfgPath := flag.String("config", "", "path to config.yaml (empty = defaults)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Stores
	var (
		users         domain.UserStore
		messages      domain.MessageStore
		notifications domain.NotificationStore
	)
	switch cfg.Storage.Driver {
	case "sqlite":
		st, err := store.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		defer st.Close()
		users, messages, notifications = st, st, st
	default:
		st := store.NewMemoryStore()
		users, messages, notifications = st, st, st
	}

	// 4. Engine, correlator, services
	eng := engine.New(logger.WithComponent(log, "engine"))
	correlator := usecase.NewCorrelator(logger.WithComponent(log, "correlator"))
	notifySvc := usecase.NewNotificationService(notifications, eng,
		logger.WithComponent(log, "notify"))
	talkSvc := usecase.NewTalkService(eng, correlator, users, messages,
		cfg.Talk.ReplyTimeoutDuration(), logger.WithComponent(log, "talk"))

	// 5. Pipelines
	var proc domain.Processor
	switch cfg.Processor.Kind {
	case "silent":
		proc = processor.NewSilent()
	default:
		proc = processor.NewEcho(eng, cfg.Processor.DelayDuration(), log)
	}
	eng.Use(domain.DirectionIncoming, "processor", proc.Process)
	eng.Use(domain.DirectionOutgoing, "correlate", func(_ context.Context, ev *domain.Event) error {
		correlator.Resolve(ev)
		return nil
	})

	// A failing stage surfaces as an error-level notification for the bot.
	eng.SetStageFailureFunc(func(ev *domain.Event, stage string, stageErr error) {
		msg := fmt.Sprintf("event %s failed in stage %s: %v", ev.ID, stage, stageErr)
		if _, err := notifySvc.Create(context.Background(), ev.BotID, msg, domain.NotificationError); err != nil {
			log.Error("stage failure notification failed", "event", ev.ID, "error", err)
		}
	})

	// 6. Event stream gateway (enterprise edition)
	var stream http.Handler
	var ws *gateway.Server
	if cfg.Capabilities().EventStream {
		ws = gateway.NewServer(logger.WithComponent(log, "gateway"))
		eng.SubscribeOutgoing("gateway", ws.HandleEvent)
		stream = ws
	}

	eng.Start()
	defer eng.Close()

	// 7. Janitor
	if cfg.Janitor.Enabled {
		jan := usecase.NewJanitor(messages, notifications, eng, correlator,
			cfg.Janitor.RetentionDuration(), logger.WithComponent(log, "janitor"))
		if err := jan.Start(cfg.Janitor.IntervalDuration()); err != nil {
			return fmt.Errorf("janitor: %w", err)
		}
		defer jan.Stop()
	}

	// 8. HTTP API
	srv := api.NewServer(api.Options{
		Addr:           cfg.Server.Addr,
		Talk:           talkSvc,
		Notifications:  notifySvc,
		Messages:       messages,
		Stream:         stream,
		RequestsPerMin: cfg.Server.RequestsPerMin,
		BurstSize:      cfg.Server.BurstSize,
		Logger:         logger.WithComponent(log, "api"),
	})
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	log.Info("parley started",
		"edition", cfg.Edition,
		"addr", srv.Addr(),
		"storage", cfg.Storage.Driver,
		"processor", cfg.Processor.Kind,
		"event_stream", stream != nil,
	)

	// 9. Graceful shutdown
	sigCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-sigCtx.Done()

	log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if ws != nil {
		ws.Shutdown()
	}
	return srv.Stop(shutdownCtx)
}
