package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"course_reactions/internal/adapters/courseapi"
	server "course_reactions/internal/adapters/http_server"
	"course_reactions/internal/adapters/observability"
	redisad "course_reactions/internal/adapters/redis"
	"course_reactions/internal/app"
	"course_reactions/internal/domain"
	"course_reactions/internal/shared"
	mysqlrepo "course_reactions/internal/storage/mysql"
	"course_reactions/internal/storage/sqlite"
)

func main() {
	cfg := shared.Load()

	// set global logger (console in dev, JSON otherwise)
	log.Logger = observability.NewLogger(cfg.AppEnv, cfg.LogLevel)

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("api stopped")
		os.Exit(1)
	}
	log.Info().Msg("api stopped")
}

// run owns every resource so its defers execute before main decides the exit code.
func run(cfg shared.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := observability.InitRegistry()
	observability.Serve(cfg.MetricsAddr, reg)

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("reaction store (%s): %w", cfg.StoreDriver, err)
	}
	defer closeStore()

	backend, err := courseapi.New(cfg.BackendBase, cfg.BackendSession, cfg.BackendRPS)
	if err != nil {
		return fmt.Errorf("backend client: %w", err)
	}

	var cache domain.Cache
	if cfg.RedisAddr != "" {
		rc := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		if err := rc.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis unreachable; snapshots stay in memory")
		} else {
			cache = rc
		}
		defer rc.Close()
	}

	coll := app.NewCollection(backend, cache, cfg.SnapshotTTL)
	eng := app.NewEngine(backend, app.NewRecords(store), coll, app.Options{
		CallTimeout:   cfg.CallTimeout,
		ResyncTimeout: cfg.ResyncTimeout,
		Parallelism:   cfg.ResyncWorkers,
	})

	srv := server.New(cfg.RequestTimeout)
	srv.Mount("/metrics", observability.MetricsHandler(reg))
	srv.MountHandlers(server.NewHandlers(eng, cfg.DeviceID))

	g, gctx := errgroup.WithContext(ctx)
	// streams end once gctx is cancelled, before Shutdown waits on them
	httpSrv := srv.HTTPServer(gctx, cfg.HTTPAddr)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return eng.Run(gctx, cfg.ResyncInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg shared.Config) (domain.ReactionStore, func(), error) {
	switch cfg.StoreDriver {
	case "mysql":
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		if err := mysqlrepo.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Info().Msg("database connection ok")
		return mysqlrepo.New(db), func() { _ = db.Close() }, nil
	default:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
}
