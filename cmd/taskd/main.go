package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskd/internal/admin"
	"taskd/internal/api"
	"taskd/internal/config"
	"taskd/internal/dispatcher"
	"taskd/internal/domain"
	"taskd/internal/eventbus"
	"taskd/internal/handlers/builtin"
	httphandler "taskd/internal/handlers/http"
	"taskd/internal/handlers/shell"
	"taskd/internal/metrics"
	"taskd/internal/mirror"
	"taskd/internal/notify"
	"taskd/internal/queue"
	"taskd/internal/scheduler"
	"taskd/internal/tasklog"
	"taskd/internal/worker"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML or JSON config file")
		addr       = flag.String("addr", "", "HTTP bind address, overrides the config")
		debug      = flag.Bool("debug", false, "expose /debug/pprof")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if cfg.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	zerolog.SetGlobalLevel(cfg.Level())

	db, err := queue.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := queue.NewSQLiteRepo(db)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := metrics.NewPrometheusSink(reg)

	var jobMirror mirror.Mirror = mirror.Nop{}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		jobMirror = mirror.NewRedisMirror(rdb, cfg.Redis.Prefix)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("queue mirror enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New()
	disp := dispatcher.New(repo, jobMirror, sink, cfg.Location())

	handlers := worker.NewRegistry()
	handlers.Register("ping", builtin.Ping{})
	handlers.Register("sleep", builtin.Sleep{})
	handlers.Register("http", httphandler.HTTP{})
	if cfg.Worker.EnableShell {
		handlers.Register("shell", shell.Shell{})
	}

	logs := tasklog.New(repo, cfg.Location(), sink)
	var wg sync.WaitGroup
	if cfg.SMTP.Host != "" {
		sender := notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
		mailer := notify.NewMailer(repo, sender, sink, notify.Config{RatePerSec: cfg.SMTP.RatePerSec})
		logs.AddHook(mailer)
		wg.Add(1)
		go func() {
			defer wg.Done()
			mailer.Run(ctx)
		}()
		log.Info().Str("host", cfg.SMTP.Host).Msg("email notifications enabled")
	}

	pool := worker.NewPool(repo, handlers, disp, logs, bus, sink, worker.Config{
		Queues:          cfg.Worker.Queues,
		Concurrency:     cfg.Worker.Concurrency,
		PollInterval:    cfg.Worker.PollInterval,
		LivenessTimeout: cfg.Worker.LivenessTimeout,
		ReapInterval:    cfg.Worker.ReapInterval,
		OutputLimit:     cfg.Worker.OutputLimit,
	})
	disp.OnEnqueue(func(j domain.Job) {
		pool.Wake()
		bus.Publish(eventbus.Event{Type: eventbus.JobEnqueued, Data: j})
	})

	registry := scheduler.NewRegistry(repo, nil, sink)
	if _, err := registry.Rebuild(ctx, time.Now()); err != nil {
		log.Error().Err(err).Msg("rebuild schedules")
	}
	sched := scheduler.NewService(registry, repo, disp, sink, cfg.Scheduler.TickInterval)

	wg.Add(3)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		pool.RunReaper(ctx)
	}()
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, func(c *config.Config) {
				zerolog.SetGlobalLevel(c.Level())
				log.Info().Str("log_level", c.LogLevel).Msg("config reloaded")
			})
			if err != nil {
				log.Warn().Err(err).Msg("config watch stopped")
			}
		}()
	}

	svc := admin.NewService(repo, disp, registry, logs, handlers, bus)
	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewServer(svc, api.Options{
			Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			Debug:   *debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("sd_notify ready")
	} else if ok {
		log.Debug().Msg("notified systemd")
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	sched.Stop()
	pool.Stop()
	cancel()
	wg.Wait()
}
