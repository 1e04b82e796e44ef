package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bikenow/ridestats/internal/cache"
	"github.com/bikenow/ridestats/internal/cache/cellindex"
	"github.com/bikenow/ridestats/internal/cache/redisstore"
	"github.com/bikenow/ridestats/internal/config"
	"github.com/bikenow/ridestats/internal/health"
	"github.com/bikenow/ridestats/internal/invalidation/kafkaconsumer"
	"github.com/bikenow/ridestats/internal/logger"
	"github.com/bikenow/ridestats/internal/observability"
	"github.com/bikenow/ridestats/internal/pipeline"
	"github.com/bikenow/ridestats/internal/router"
	"github.com/bikenow/ridestats/internal/server"
	"github.com/bikenow/ridestats/internal/service"
	"github.com/bikenow/ridestats/internal/store"
	"github.com/bikenow/ridestats/internal/store/memstore"
	"github.com/bikenow/ridestats/internal/store/mongostore"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not built yet; write plainly.
		os.Stderr.WriteString(err.Error() + "\n")
		return 1
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		Component: "ridestats",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting ridestats",
		"addr", cfg.Addr,
		"version", Version,
		"store", cfg.StoreDriver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		st     store.Store
		pinger health.Pinger
	)
	switch cfg.StoreDriver {
	case "memory":
		ms, err := memstore.NewFromFile(cfg.FixturePath)
		if err != nil {
			appLog.Error("fixture load failed", "path", cfg.FixturePath, "err", err)
			return 1
		}
		st = ms
	default:
		mdb, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase,
			mongostore.WithOpTimeout(cfg.StoreOpTimeout))
		if err != nil {
			appLog.Error("mongo connect failed", "err", err)
			return 1
		}
		defer func() { _ = mdb.Close(context.Background()) }()
		st = mdb
		pinger = mdb
	}

	builder := pipeline.NewBuilder()
	builder.ReferenceYear = cfg.AgeReferenceYear
	builder.RecentRides = cfg.RecentRideLimit
	builder.MaxDepth = cfg.MaxTraversalDepth

	var opts []service.Option
	var redisCli *redisstore.Client
	if cfg.CacheEnabled {
		redisCli, err = redisstore.New(ctx, cfg.RedisAddr)
		if err != nil {
			appLog.Error("redis connect failed", "addr", cfg.RedisAddr, "err", err)
			return 1
		}
		defer func() { _ = redisCli.Close() }()
		var c cache.Interface = redisCli
		opts = append(opts, service.WithCache(c, cellindex.NewRedisIndex(redisCli), cfg))
	}

	svc, err := service.New(st, builder, &zl, cfg.StationLRUSize, opts...)
	if err != nil {
		appLog.Error("service setup failed", "err", err)
		return 1
	}

	if cfg.Invalidation.Enabled {
		if redisCli == nil {
			appLog.Error("invalidation requires the cache to be enabled")
			return 1
		}
		consumer := kafkaconsumer.New(kafkaconsumer.Config{
			Brokers:             cfg.Invalidation.Brokers,
			Topic:               cfg.Invalidation.Topic,
			GroupID:             cfg.Invalidation.GroupID,
			CellRes:             cfg.CellRes,
			InitialOffsetOldest: true,
		}, &zl, redisCli, cellindex.NewRedisIndex(redisCli))
		go func() {
			if err := consumer.Start(ctx); err != nil {
				appLog.Error("invalidation consumer exited", "err", err)
			}
		}()
	}

	deps := server.Deps{
		Router: router.New(svc, &zl),
		Pinger: pinger,
	}
	if err := server.Run(ctx, cfg, appLog, deps); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
