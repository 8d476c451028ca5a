package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

const (
	InsertModeIgnore = "insert_ignore"
	InsertModeUpsert = "upsert"
)

type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Database struct {
		// sqlite or mysql
		Driver string `env:"DB_DRIVER" envDefault:"sqlite"`
		DSN    string `env:"DB_DSN" envDefault:"database/estatefeed.db"`

		MaxOpenConns int `env:"DB_MAX_OPEN_CONNS" envDefault:"20"`
		MaxIdleConns int `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	}

	Source struct {
		BaseURL    string `env:"SOURCE_BASE_URL" envDefault:"https://apis.data.go.kr/1613000"`
		SalePath   string `env:"SOURCE_SALE_PATH" envDefault:"/RTMSDataSvcAptTradeDev/getRTMSDataSvcAptTradeDev"`
		LeasePath  string `env:"SOURCE_LEASE_PATH" envDefault:"/RTMSDataSvcAptRent/getRTMSDataSvcAptRent"`
		SchoolPath string `env:"SOURCE_SCHOOL_PATH" envDefault:"/SchoolInfoSvc/getSchoolList"`
		// Station records come from a separate provider in production; same envelope.
		StationPath string `env:"SOURCE_STATION_PATH" envDefault:"/SubwayInfoSvc/getStationList"`
		ServiceKey  string `env:"SOURCE_SERVICE_KEY"`

		PageSize int `env:"SOURCE_PAGE_SIZE" envDefault:"100"`

		// Fixed delay after each page request
		PageDelay time.Duration `env:"SOURCE_PAGE_DELAY" envDefault:"200ms"`

		Timeout time.Duration `env:"SOURCE_TIMEOUT" envDefault:"10s"`
	}

	Geocoding struct {
		BaseURL string        `env:"GEOCODE_BASE_URL" envDefault:"https://dapi.kakao.com"`
		APIKey  string        `env:"GEOCODE_API_KEY"`
		Delay   time.Duration `env:"GEOCODE_DELAY" envDefault:"100ms"`
		Timeout time.Duration `env:"GEOCODE_TIMEOUT" envDefault:"5s"`

		BackfillBatchSize int `env:"GEOCODE_BACKFILL_BATCH_SIZE" envDefault:"50"`
	}

	Ingest struct {
		// Number of records read per batch cycle
		BatchSize int `env:"INGEST_BATCH_SIZE" envDefault:"500"`

		// Number of concurrent partition workers
		Workers int `env:"INGEST_WORKERS" envDefault:"5"`

		// Two-character province prefixes allowed through the region filter; empty allows all
		ProvincePrefixes []string `env:"INGEST_PROVINCE_PREFIXES" envSeparator:"," envDefault:"11,41,28"`

		// Explicit YYYYMM list; when empty the window is derived from MonthsBack
		YearMonths []string `env:"INGEST_YEAR_MONTHS" envSeparator:","`
		MonthsBack int      `env:"INGEST_MONTHS_BACK" envDefault:"3"`

		InsertMode string `env:"INGEST_INSERT_MODE" envDefault:"insert_ignore"`

		// Maximum number of retries for a failed batch write
		MaxRetries int `env:"INGEST_MAX_RETRIES" envDefault:"3"`

		// Delay between retries
		RetryDelay time.Duration `env:"INGEST_RETRY_DELAY" envDefault:"5s"`
	}

	Proximity struct {
		RadiusKm  float64       `env:"PROXIMITY_RADIUS_KM" envDefault:"10"`
		BatchSize int           `env:"PROXIMITY_BATCH_SIZE" envDefault:"1000"`
		LockTTL   time.Duration `env:"PROXIMITY_LOCK_TTL" envDefault:"30m"`
	}

	Checkpoint struct {
		// database or redis
		Backend string `env:"CHECKPOINT_BACKEND" envDefault:"database"`
	}

	Redis struct {
		Address  string `env:"REDIS_ADDRESS"`
		Password string `env:"REDIS_PASSWORD"`
		DB       int    `env:"REDIS_DB" envDefault:"0"`
	}

	Regions struct {
		// JSON or YAML reference file synced into the regions table
		File string `env:"REGIONS_FILE" envDefault:"config/regions.json"`
	}

	Server struct {
		Port           string   `env:"PORT" envDefault:"5250"`
		AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	}

	Schedule struct {
		IngestInterval    time.Duration `env:"SCHEDULE_INGEST_INTERVAL" envDefault:"1h"`
		ProximityInterval time.Duration `env:"SCHEDULE_PROXIMITY_INTERVAL" envDefault:"24h"`
		RunOnStartup      bool          `env:"SCHEDULE_RUN_ON_STARTUP" envDefault:"true"`
		QueueSize         int           `env:"SCHEDULE_QUEUE_SIZE" envDefault:"32"`
	}
}

func LoadConfig() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Source.PageSize < 1 {
		return fmt.Errorf("SOURCE_PAGE_SIZE must be at least 1")
	}
	if c.Ingest.BatchSize < 1 {
		return fmt.Errorf("INGEST_BATCH_SIZE must be at least 1")
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("INGEST_WORKERS must be at least 1")
	}
	if c.Ingest.MaxRetries < 0 {
		return fmt.Errorf("INGEST_MAX_RETRIES must not be negative")
	}
	switch c.Ingest.InsertMode {
	case InsertModeIgnore, InsertModeUpsert:
	default:
		return fmt.Errorf("unknown INGEST_INSERT_MODE %q", c.Ingest.InsertMode)
	}
	if len(c.Ingest.YearMonths) == 0 && c.Ingest.MonthsBack < 1 {
		return fmt.Errorf("INGEST_MONTHS_BACK must be at least 1 when INGEST_YEAR_MONTHS is empty")
	}
	for _, ym := range c.Ingest.YearMonths {
		if _, err := time.Parse("200601", strings.TrimSpace(ym)); err != nil {
			return fmt.Errorf("invalid year-month %q in INGEST_YEAR_MONTHS", ym)
		}
	}
	if c.Proximity.RadiusKm <= 0 {
		return fmt.Errorf("PROXIMITY_RADIUS_KM must be positive")
	}
	if c.Proximity.BatchSize < 1 {
		return fmt.Errorf("PROXIMITY_BATCH_SIZE must be at least 1")
	}
	if c.Schedule.QueueSize < 1 {
		return fmt.Errorf("SCHEDULE_QUEUE_SIZE must be at least 1")
	}
	switch c.Checkpoint.Backend {
	case "database":
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("REDIS_ADDRESS is required for the redis checkpoint backend")
		}
	default:
		return fmt.Errorf("unknown CHECKPOINT_BACKEND %q", c.Checkpoint.Backend)
	}
	return nil
}

// YearMonths returns the ingestion month axis, oldest first.
func (c *Config) YearMonths(now time.Time) []string {
	if len(c.Ingest.YearMonths) > 0 {
		months := make([]string, 0, len(c.Ingest.YearMonths))
		for _, ym := range c.Ingest.YearMonths {
			months = append(months, strings.TrimSpace(ym))
		}
		return months
	}
	return MonthWindow(now, c.Ingest.MonthsBack)
}

// MonthWindow returns the n months ending at now's month as YYYYMM strings, oldest first.
func MonthWindow(now time.Time, n int) []string {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	months := make([]string, n)
	for i := 0; i < n; i++ {
		months[n-1-i] = first.AddDate(0, -i, 0).Format("200601")
	}
	return months
}
