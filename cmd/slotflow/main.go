package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"slotflow/internal/analysis"
	"slotflow/internal/api"
	"slotflow/internal/config"
	"slotflow/internal/consumer"
	"slotflow/internal/domain"
	"slotflow/internal/follow"
	"slotflow/internal/producer"
	"slotflow/internal/queue"
	"slotflow/internal/retry"
	"slotflow/internal/supervisor"
	"slotflow/internal/trade"
)

const slotsChannel = "slots"

func main() {
	// The supervisor re-executes this binary with the worker subcommand.
	if len(os.Args) > 1 && os.Args[1] == "worker" {
		runWorker()
		return
	}

	var (
		addr    = flag.String("addr", "", "HTTP bind address (overrides SLOTFLOW_ADDR)")
		dbPath  = flag.String("db", "", "queue snapshot DB path (overrides SLOTFLOW_DB)")
		debug   = flag.Bool("debug", false, "enable debug logging")
		autorun = flag.Bool("autorun", true, "start producer and consumers immediately")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	provider := config.NewProvider(cfg)

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	durable, err := queue.NewDurable(queue.NewSQLiteStore(db), queue.Options{}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("load queue snapshot")
	}
	facade := queue.NewFacade(durable)
	if depth := facade.Size(slotsChannel); depth > 0 {
		log.Info().Int("depth", depth).Msg("recovered undelivered slot jobs from snapshot")
	}

	engine := retry.NewEngine(log.Logger)

	sup := supervisor.New(supervisor.Config{
		MaxWorkers:     cfg.Queue.MaxProcesses,
		ProcessTimeout: cfg.Queue.ProcessTimeout,
	}, log.Logger)
	if err := sup.Start(); err != nil {
		log.Fatal().Err(err).Msg("start worker pool")
	}
	defer sup.KillAll() // last-resort sweep on exit

	var executor trade.Executor
	if cfg.TradeEndpoint != "" {
		executor = trade.NewHTTPExecutor(cfg.TradeEndpoint, engine, log.Logger)
	} else {
		log.Warn().Msg("no trade endpoint configured, running dry")
		executor = trade.LogExecutor{Log: log.Logger}
	}

	handler := follow.NewHandler(sup, executor, log.Logger)
	// Messages get a hard cap slightly above the worker task timeout so the
	// supervisor's timeout fires first.
	pool := consumer.NewPool(facade, slotsChannel, handler, cfg.Queue.ProcessTimeout+10*time.Second, log.Logger)

	feed := producer.NewSlots(cfg.WSURL, slotsChannel, facade, func(slot uint64) any {
		c := provider.Get()
		return domain.AnalyzeTask{
			Slot:          slot,
			RPCURL:        c.RPCURL,
			Wallets:       c.MonitoredWallets,
			FollowAmount:  c.FollowAmount,
			RetryAttempts: c.Queue.RetryAttempts,
		}
	}, engine, log.Logger)

	// Hot-resize on config reload (SIGHUP).
	provider.Subscribe(func(c config.Config) {
		pool.SetTargetConsumerCount(c.Queue.ConsumerCount)
		sup.SetMaxWorkers(c.Queue.MaxProcesses)
		log.Info().Int("consumers", c.Queue.ConsumerCount).Int("max_workers", c.Queue.MaxProcesses).Msg("config reloaded")
	})

	if *autorun {
		pool.SetTargetConsumerCount(cfg.Queue.ConsumerCount)
		if err := feed.Start(); err != nil {
			log.Fatal().Err(err).Msg("start producer")
		}
	}

	// Maintenance: periodic health sweep and a stats heartbeat.
	c := cron.New()
	_, _ = c.AddFunc("@every 2m", sup.HealthSweep)
	_, _ = c.AddFunc("@every 1m", func() {
		log.Info().
			Interface("queues", facade.Stats()).
			Int("workers", len(sup.GetStatus().Workers)).
			Msg("pipeline stats")
	})
	c.Start()
	defer c.Stop()

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(facade, feed, pool, sup, engine, cfg.Queue.ConsumerCount)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("control API starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigs {
		if sig == syscall.SIGHUP {
			if err := provider.Reload(); err != nil {
				log.Error().Err(err).Msg("config reload failed")
			}
			continue
		}
		break
	}

	log.Info().Msg("shutting down")
	_ = feed.Stop()
	pool.Stop()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelTimeout()
	if err := sup.Shutdown(ctxTimeout); err != nil {
		log.Error().Err(err).Msg("worker pool shutdown")
	}
	_ = srv.Shutdown(ctxTimeout)
	if err := durable.Close(); err != nil { // final synchronous flush
		log.Error().Err(err).Msg("queue flush")
	}
}

// runWorker is the supervised child process: tasks in on stdin, results out
// on stdout, until the pipe closes or SIGTERM arrives.
func runWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, os.Interrupt)
	go func() {
		<-sigs
		cancel()
	}()

	if err := analysis.RunWorker(ctx, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}
