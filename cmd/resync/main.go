package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"course_reactions/internal/adapters/courseapi"
	"course_reactions/internal/adapters/observability"
	redisad "course_reactions/internal/adapters/redis"
	"course_reactions/internal/app"
	"course_reactions/internal/domain"
	"course_reactions/internal/shared"
)

// resync warms the redis snapshot tier for a list of courses so that a
// freshly started API has counts to show before its first refresh.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg := shared.Load()

	// 1) initialize global logger (console in dev, JSON otherwise)
	log.Logger = observability.NewLogger(cfg.AppEnv, cfg.LogLevel)

	log.Info().
		Str("base", cfg.BackendBase).
		Int("workers", cfg.ResyncWorkers).
		Int("courses", len(cfg.ResyncCourses)).
		Msg("resync starting")

	if cfg.RedisAddr == "" {
		log.Fatal().Msg("REDIS_ADDR is required to warm the snapshot tier")
	}
	cache := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	defer cache.Close()
	if err := cache.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("redis ping failed")
	}

	client, err := courseapi.New(cfg.BackendBase, cfg.BackendSession, cfg.BackendRPS)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize backend client")
	}
	coll := app.NewCollection(client, cache, cfg.SnapshotTTL)

	filters := []domain.ReviewFilter{{}}
	for _, id := range cfg.ResyncCourses {
		filters = append(filters, domain.ReviewFilter{CourseID: &id})
	}

	workers := cfg.ResyncWorkers
	if workers <= 0 {
		workers = 1
	}
	sem := semaphore.NewWeighted(int64(workers))
	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	for _, f := range filters {
		// acquire before launching the goroutine; release inside it
		if err := sem.Acquire(ctx, 1); err != nil {
			log.Warn().Err(err).Msg("resync interrupted")
			break
		}
		wg.Add(1)
		go func(f domain.ReviewFilter) {
			defer wg.Done()
			defer sem.Release(1)

			snap, err := coll.Refresh(ctx, f)
			if err != nil {
				failed.Add(1)
				log.Warn().Str("filter", f.Key()).Str("err_type", observability.LabelErr(err)).Err(err).Msg("resync failed")
				return
			}
			log.Info().Str("filter", f.Key()).Int("reviews", len(snap.Reviews)).Msg("resync ok")
		}(f)
	}

	wg.Wait()
	if n := failed.Load(); n > 0 {
		log.Error().Int32("failed", n).Msg("resync completed with failures")
		os.Exit(1)
	}
	log.Info().Msg("resync completed")
}
