package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/abuse"
	"github.com/aman-churiwal/admission-gateway/internal/admission"
	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/aman-churiwal/admission-gateway/internal/logger"
	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
	"github.com/aman-churiwal/admission-gateway/internal/repository"
	"github.com/aman-churiwal/admission-gateway/internal/server"
	"github.com/aman-churiwal/admission-gateway/internal/service"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

type CLI struct {
	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the admission gateway."`
	Validate ValidateCmd `cmd:"" help:"Load and validate the configuration, then exit."`

	Config string `short:"c" help:"Path to the YAML config file." default:"config.yaml"`
}

type ServeCmd struct{}

func (ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}

	logger.Init(cfg.Server.Environment, cfg.Logging.Level)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("gateway exited with error", logger.Err(err))
		return err
	}
	logger.Info("gateway exited")
	return nil
}

type ValidateCmd struct{}

func (ValidateCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}

	fmt.Printf("config ok: %d quota rows, %d route policies, redis=%t, archive=%t, kafka=%t\n",
		cfg.QuotaTable().Len(),
		len(cfg.Routes),
		cfg.Redis.Enabled(),
		cfg.Postgres.DSN != "",
		len(cfg.Alerts.KafkaBrokers) > 0,
	)
	return nil
}

func main() {
	// Load env if it exists
	_ = godotenv.Load()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("gateway"),
		kong.Description("Admission control gateway"),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}

// loadConfig falls back to built-in defaults when the file does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		path = ""
	}
	return config.Load(path)
}

func run(ctx context.Context, cfg *config.Config) error {
	base, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	kv := storage.NewGuarded(base, storage.GuardOptions{
		Timeout:        cfg.Store.OperationTimeout,
		MaxFailures:    cfg.Store.BreakerMaxFailures,
		BreakerTimeout: cfg.Store.BreakerTimeout,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	aggOpts := []service.AggregatorOption{service.WithCollectors(service.NewCollectors(reg))}

	var postgres *storage.Postgres
	if cfg.Postgres.DSN != "" {
		postgres, err = storage.NewPostgres(cfg.Postgres.DSN, !cfg.IsProduction())
		if err != nil {
			return err
		}
		defer postgres.Close()

		if err := postgres.AutoMigrate(); err != nil {
			return err
		}
		aggOpts = append(aggOpts, service.WithArchive(repository.NewSnapshotRepository(postgres)))
		logger.Info("snapshot archive enabled")
	}

	sinks := service.MultiSink{service.LogAlertSink{}}
	if len(cfg.Alerts.KafkaBrokers) > 0 {
		kafkaSink := service.NewKafkaAlertSink(cfg.Alerts.KafkaBrokers, cfg.Alerts.KafkaTopic)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}
	aggOpts = append(aggOpts, service.WithAlertSink(sinks))

	whitelist := ratelimit.NewWhitelist(kv)
	profiler, err := abuse.NewProfiler(kv, cfg.Abuse, abuse.WithAllowlist(whitelist))
	if err != nil {
		return err
	}
	ledger := ratelimit.NewLedger(kv, cfg.QuotaTable(), whitelist, ratelimit.WithViolationRecorder(profiler))
	aggregator := service.NewMetricsAggregator(kv, cfg.Metrics, aggOpts...)
	guard := admission.NewGuard(cfg.Auth, ledger, whitelist, profiler, aggregator)

	srv, err := server.New(cfg, server.Deps{
		Store:      kv,
		Breaker:    kv.Breaker(),
		Postgres:   postgres,
		Guard:      guard,
		Ledger:     ledger,
		Profiler:   profiler,
		Aggregator: aggregator,
		Gatherer:   reg,
	})
	if err != nil {
		return err
	}

	aggregator.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Run(cfg.GetServerAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		aggregator.Stop()
		return err
	})

	return g.Wait()
}

// openStore connects to Redis when configured and falls back to the
// in-process store otherwise.
func openStore(ctx context.Context, cfg *config.Config) (storage.KV, func(), error) {
	if cfg.Redis.Enabled() {
		redis, err := storage.NewRedis(storage.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected to redis", logger.String("addr", cfg.Redis.Addr))
		return redis, func() { _ = redis.Close() }, nil
	}

	if cfg.IsProduction() {
		logger.Warn("no redis configured, quotas are local to this instance")
	}
	mem := storage.NewMemory()
	mem.StartJanitor(ctx, time.Minute)
	return mem, func() {}, nil
}
