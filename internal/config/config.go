package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/go-playground/validator/v10"

	"github.com/couchcryptid/weather-domain-etl/internal/domain"
)

// Relational drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string `validate:"oneof=debug info warn error"`
	LogFormat       string `validate:"oneof=json text"`
	ShutdownTimeout time.Duration
	Schedule        string `validate:"required"`

	// Site and ingestion window.
	LocationName    string
	Latitude        float64 `validate:"latitude"`
	Longitude       float64 `validate:"longitude"`
	MarineLatitude  float64 `validate:"latitude"`
	MarineLongitude float64 `validate:"longitude"`
	StartDate       string  `validate:"required,datetime=2006-01-02"`
	EndDate         string  `validate:"required,datetime=2006-01-02"`
	// ResolveLocation is set when LOCATION_NAME is given without coordinates;
	// the site is then looked up by name once at startup.
	ResolveLocation bool

	// Upstream weather API.
	WeatherAPIURL            string        `validate:"required,url"`
	WeatherTimeout           time.Duration `validate:"gt=0"`
	WeatherMaxDaysPerRequest int           `validate:"gt=0"`
	WeatherFetchConcurrency  int           `validate:"gt=0"`
	WeatherRateLimit         float64       `validate:"gt=0"`
	WeatherMaxAttempts       int           `validate:"gt=0"`

	// Site lookup by LOCATION_NAME.
	GeocodingAPIURL string `validate:"required,url"`

	// Relational store.
	RelationalDriver string `validate:"oneof=postgres sqlite"`
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	SQLitePath       string

	// Document store.
	MongoURI      string `validate:"required"`
	MongoDB       string `validate:"required"`
	MongoUsername string
	MongoPassword string

	StoreTimeout     time.Duration `validate:"gt=0"`
	StoreMaxAttempts int           `validate:"gt=0"`

	// HomeDir holds run metadata, raw payload archives, and asset artifacts.
	HomeDir string `validate:"required"`
	// RunLeaseTTL bounds how long a crashed run keeps its range claimed.
	RunLeaseTTL time.Duration `validate:"gt=0"`

	OutlierFenceK float64 `validate:"gt=0"`

	// Optional run-event publishing; disabled when no brokers are set.
	KafkaBrokers  []string
	KafkaRunTopic string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	p := &parser{}
	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
		Schedule:        sharedcfg.EnvOrDefault("SCHEDULE", "@daily"),

		LocationName:    sharedcfg.EnvOrDefault("LOCATION_NAME", "Valencia"),
		Latitude:        p.float("LOCATION_LATITUDE", 39.4699),
		Longitude:       p.float("LOCATION_LONGITUDE", -0.3763),
		MarineLatitude:  p.float("MARINE_LATITUDE", 0),
		MarineLongitude: p.float("MARINE_LONGITUDE", 0),
		StartDate:       sharedcfg.EnvOrDefault("START_DATE", "2023-01-01"),
		EndDate:         sharedcfg.EnvOrDefault("END_DATE", "2023-12-31"),

		WeatherAPIURL:            sharedcfg.EnvOrDefault("WEATHER_API_URL", "https://archive-api.open-meteo.com/v1/archive"),
		WeatherTimeout:           p.duration("WEATHER_API_TIMEOUT", 30*time.Second),
		WeatherMaxDaysPerRequest: p.int("WEATHER_MAX_DAYS_PER_REQUEST", 92),
		WeatherFetchConcurrency:  p.int("WEATHER_FETCH_CONCURRENCY", 2),
		WeatherRateLimit:         p.float("WEATHER_RATE_LIMIT", 1),
		WeatherMaxAttempts:       p.int("WEATHER_MAX_ATTEMPTS", 5),

		GeocodingAPIURL: sharedcfg.EnvOrDefault("GEOCODING_API_URL", "https://geocoding-api.open-meteo.com/v1/search"),

		RelationalDriver: sharedcfg.EnvOrDefault("RELATIONAL_DRIVER", DriverPostgres),
		PostgresHost:     sharedcfg.EnvOrDefault("POSTGRES_HOST", "localhost"),
		PostgresPort:     p.int("POSTGRES_PORT", 5432),
		PostgresUser:     sharedcfg.EnvOrDefault("POSTGRES_USER", "postgres"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresDB:       sharedcfg.EnvOrDefault("POSTGRES_DB", "weather"),
		PostgresSSLMode:  sharedcfg.EnvOrDefault("POSTGRES_SSLMODE", "disable"),

		MongoURI:      sharedcfg.EnvOrDefault("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:       sharedcfg.EnvOrDefault("MONGO_DB", "weather"),
		MongoUsername: os.Getenv("MONGO_USERNAME"),
		MongoPassword: os.Getenv("MONGO_PASSWORD"),

		StoreTimeout:     p.duration("STORE_TIMEOUT", 2*time.Minute),
		StoreMaxAttempts: p.int("STORE_MAX_ATTEMPTS", 3),

		HomeDir:       sharedcfg.EnvOrDefault("ETL_HOME", ".etl_home"),
		RunLeaseTTL:   p.duration("RUN_LEASE_TTL", 2*time.Minute),
		OutlierFenceK: p.float("OUTLIER_FENCE_K", domain.DefaultFenceK),

		KafkaRunTopic: sharedcfg.EnvOrDefault("KAFKA_RUN_TOPIC", "weather-etl-runs"),
	}
	if p.err != nil {
		return nil, p.err
	}

	_, named := os.LookupEnv("LOCATION_NAME")
	_, hasLat := os.LookupEnv("LOCATION_LATITUDE")
	_, hasLon := os.LookupEnv("LOCATION_LONGITUDE")
	cfg.ResolveLocation = named && !hasLat && !hasLon

	cfg.SQLitePath = sharedcfg.EnvOrDefault("SQLITE_PATH", filepath.Join(cfg.HomeDir, "warehouse.db"))
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = sharedcfg.ParseBrokers(brokers)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := cfg.DateRange(); err != nil {
		return nil, fmt.Errorf("START_DATE/END_DATE: %w", err)
	}
	if cfg.RelationalDriver == DriverPostgres && cfg.PostgresHost == "" {
		return nil, errors.New("POSTGRES_HOST is required for the postgres driver")
	}

	return cfg, nil
}

// Location returns the configured site.
func (c *Config) Location() domain.Location {
	return domain.Location{
		Name:            c.LocationName,
		Latitude:        c.Latitude,
		Longitude:       c.Longitude,
		MarineLatitude:  c.MarineLatitude,
		MarineLongitude: c.MarineLongitude,
	}
}

// DateRange returns the configured ingestion window.
func (c *Config) DateRange() (domain.DateRange, error) {
	return domain.ParseDateRange(c.StartDate, c.EndDate)
}

// PostgresDSN builds a libpq key/value connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresSSLMode)
}

// EventsEnabled reports whether run events are published to Kafka.
func (c *Config) EventsEnabled() bool {
	return len(c.KafkaBrokers) > 0 && c.KafkaRunTopic != ""
}

// parser collects the first parse error so Load can read every variable in
// one pass.
type parser struct {
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (p *parser) int(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return f
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return d
}
