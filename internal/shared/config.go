package shared

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	AppEnv      string
	LogLevel    string
	HTTPAddr    string
	MetricsAddr string

	StoreDriver string // sqlite|mysql
	SQLitePath  string
	MySQLDSN    string

	RedisAddr string
	RedisDB   int
	RedisPass string

	BackendBase    string
	BackendSession string
	BackendRPS     int

	CallTimeout    time.Duration
	ResyncTimeout  time.Duration
	RequestTimeout time.Duration
	ResyncInterval time.Duration
	SnapshotTTL    time.Duration
	ResyncWorkers  int
	ResyncCourses  []int64

	DeviceID string
}

func Load() Config {
	c := Config{
		AppEnv:         env("APP_ENV", "prod"),
		LogLevel:       env("LOG_LEVEL", ""),
		HTTPAddr:       env("HTTP_ADDR", ":8080"),
		MetricsAddr:    env("METRICS_ADDR", ":9100"),
		StoreDriver:    strings.ToLower(env("STORE_DRIVER", "sqlite")),
		SQLitePath:     env("SQLITE_PATH", "reactions.db"),
		MySQLDSN:       env("MYSQL_DSN", "root:root@tcp(localhost:3306)/reactions?parseTime=true&charset=utf8mb4,utf8&loc=UTC"),
		RedisAddr:      env("REDIS_ADDR", ""), // empty disables the warm tier
		RedisDB:        atoi("REDIS_DB", 0),
		RedisPass:      env("REDIS_PASSWORD", ""),
		BackendBase:    env("BACKEND_BASE_URL", "http://localhost:8000/api"),
		BackendSession: env("BACKEND_SESSION", ""),
		BackendRPS:     atoi("BACKEND_RPS", 5),
		CallTimeout:    time.Duration(atoi("CALL_TIMEOUT_MS", 10000)) * time.Millisecond,
		ResyncTimeout:  time.Duration(atoi("RESYNC_TIMEOUT_MS", 20000)) * time.Millisecond,
		RequestTimeout: time.Duration(atoi("REQUEST_TIMEOUT_SECONDS", 45)) * time.Second,
		ResyncInterval: time.Duration(atoi("RESYNC_INTERVAL_SECONDS", 60)) * time.Second,
		SnapshotTTL:    time.Duration(atoi("SNAPSHOT_TTL_SECONDS", 300)) * time.Second,
		ResyncWorkers:  atoi("RESYNC_WORKERS", 4),
		ResyncCourses:  int64s("RESYNC_COURSE_IDS"),
		DeviceID:       env("DEVICE_ID", ""),
	}
	if c.BackendSession == "" {
		log.Warn().Msg("BACKEND_SESSION is empty; backend calls go out unauthenticated")
	}
	return c
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func atoi(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Warn().Str("key", k).Str("value", v).Msg("not an integer, using default")
	}
	return def
}

// int64s reads a comma separated id list, skipping junk.
func int64s(k string) []int64 {
	var out []int64
	for _, p := range strings.Split(os.Getenv(k), ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			log.Warn().Str("key", k).Str("value", p).Msg("skipping invalid id")
			continue
		}
		out = append(out, n)
	}
	return out
}
