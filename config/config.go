// Package config loads settings from .env and the environment and opens the
// database.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yeremiapane/kitchen-router/utils"
)

type Config struct {
	Port     string
	GinMode  string
	LogLevel string

	DBDriver string
	DBDSN    string

	NATSURL     string
	AlertTopic  string
	CORSOrigins []string

	RateLimit      int
	RateLimitBurst int

	StationCacheTTL     time.Duration
	AnomalyWindow       time.Duration
	AnomalyMultiplier   float64
	MaxPrepSeconds      int
	StuckAfter          time.Duration
	MaintenanceInterval time.Duration
	RoutingRetention    time.Duration
	ChangeRetention     time.Duration
	ChangePollInterval  time.Duration
	ViewerQueueSize     int
	ReplayLimit         int
}

// Load reads .env when present and then the environment. Unset values fall
// back to defaults; malformed ones are an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		utils.InfoLogger.WithError(err).Warn(".env could not be loaded")
	}

	r := reader{}
	cfg := &Config{
		Port:     r.str("PORT", "8080"),
		GinMode:  r.str("GIN_MODE", "debug"),
		LogLevel: r.str("LOG_LEVEL", "info"),

		DBDriver: strings.ToLower(r.str("DB_DRIVER", "sqlite")),
		DBDSN:    r.str("DB_DSN", "file:kitchen.db?cache=shared&_busy_timeout=5000"),

		NATSURL:     r.str("NATS_URL", ""),
		AlertTopic:  r.str("ALERT_SUBJECT", "kitchen.alerts"),
		CORSOrigins: r.list("CORS_ORIGINS", []string{"http://127.0.0.1:5500"}),

		RateLimit:      r.integer("RATE_LIMIT", 50),
		RateLimitBurst: r.integer("RATE_LIMIT_BURST", 100),

		StationCacheTTL:     r.duration("STATION_CACHE_TTL", 30*time.Second),
		AnomalyWindow:       r.duration("ANOMALY_WINDOW", 14*24*time.Hour),
		AnomalyMultiplier:   r.float("ANOMALY_MULTIPLIER", 2.5),
		MaxPrepSeconds:      r.integer("MAX_PREP_SECONDS", 21600),
		StuckAfter:          r.duration("STUCK_AFTER", 45*time.Minute),
		MaintenanceInterval: r.duration("MAINTENANCE_INTERVAL", 10*time.Minute),
		RoutingRetention:    r.duration("ROUTING_RETENTION", 90*24*time.Hour),
		ChangeRetention:     r.duration("CHANGE_RETENTION", 7*24*time.Hour),
		ChangePollInterval:  r.duration("CHANGE_POLL_INTERVAL", 250*time.Millisecond),
		ViewerQueueSize:     r.integer("VIEWER_QUEUE_SIZE", 256),
		ReplayLimit:         r.integer("REPLAY_LIMIT", 1000),
	}
	if len(r.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(r.errs, "; "))
	}
	if cfg.DBDriver != "sqlite" && cfg.DBDriver != "mysql" {
		return nil, fmt.Errorf("invalid configuration: DB_DRIVER %q is not sqlite or mysql", cfg.DBDriver)
	}
	return cfg, nil
}

type reader struct {
	errs []string
}

func (r *reader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (r *reader) list(key string, def []string) []string {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (r *reader) integer(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return f
}

// duration accepts Go duration strings ("45m") or plain seconds.
func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return d
}

// InitDB opens the configured database. Unique-key violations are translated
// to gorm.ErrDuplicatedKey so the services can recognise them.
func InitDB(cfg *Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "mysql":
		dialector = mysql.Open(cfg.DBDSN)
	default:
		dialector = sqlite.Open(cfg.DBDSN)
	}

	level := logger.Warn
	if cfg.GinMode == "release" {
		level = logger.Error
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
		Logger:         logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.DBDriver, err)
	}

	if cfg.DBDriver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}
