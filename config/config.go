/*
Package config builds the server configuration from command-line flags,
falling back to environment variables, then to defaults.

PRECEDENCE:
  flag > environment > default

KEYS:
  -port          PORT                  8080
  -db-driver     DB_DRIVER             sqlite (sqlite | postgres | memory)
  -db            DB_PATH               circulation.db
  -database-url  DATABASE_URL          required for postgres
  -loan-days     LOAN_DAYS             14
  -renewal-days  RENEWAL_DAYS          7
  -late-fee      LATE_FEE_PER_DAY      50
  -damage-fee    DAMAGE_FEE            200
  -timezone      LIBRARY_TZ            UTC
  -auth          AUTH_ENABLED          false
  -jwt-secret    JWT_SIGNING_KEY       required when auth is enabled
  -log-level     LOG_LEVEL             info
  -log-format    LOG_FORMAT            text (text | json)
  -cors-origins  CORS_ALLOWED_ORIGINS  * (comma separated)
  -sweep-interval SWEEP_INTERVAL       0 (periodic overdue sweep, off by default)
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/circulation-engine/circulation"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port        int
	DBDriver    string
	DBPath      string
	DatabaseURL string

	LoanDays    int
	RenewalDays int
	LateFee     decimal.Decimal
	DamageFee   decimal.Decimal
	Timezone    string

	AuthEnabled bool
	JWTSecret   string

	LogLevel    string
	LogFormat   string
	CORSOrigins []string

	SweepInterval time.Duration
}

// Load parses args (without the program name). getenv is usually os.Getenv.
func Load(args []string, getenv func(string) string) (Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	fs := flag.NewFlagSet("circulation", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	port := fs.String("port", env("PORT", "8080"), "HTTP server port")
	driver := fs.String("db-driver", env("DB_DRIVER", DriverSQLite), "store backend: sqlite, postgres or memory")
	dbPath := fs.String("db", env("DB_PATH", "circulation.db"), "SQLite database path")
	dbURL := fs.String("database-url", env("DATABASE_URL", ""), "PostgreSQL connection string")
	loanDays := fs.String("loan-days", env("LOAN_DAYS", "14"), "default loan period in days")
	renewalDays := fs.String("renewal-days", env("RENEWAL_DAYS", "7"), "default renewal extension in days")
	lateFee := fs.String("late-fee", env("LATE_FEE_PER_DAY", "50"), "late fee per calendar day")
	damageFee := fs.String("damage-fee", env("DAMAGE_FEE", "200"), "flat damage fee")
	tz := fs.String("timezone", env("LIBRARY_TZ", "UTC"), "IANA zone in which loan days are counted")
	authDefault, authErr := strconv.ParseBool(env("AUTH_ENABLED", "false"))
	auth := fs.Bool("auth", authDefault, "require a bearer token on mutating routes")
	secret := fs.String("jwt-secret", env("JWT_SIGNING_KEY", ""), "HS256 signing key")
	level := fs.String("log-level", env("LOG_LEVEL", "info"), "debug, info, warn or error")
	format := fs.String("log-format", env("LOG_FORMAT", "text"), "text or json")
	origins := fs.String("cors-origins", env("CORS_ALLOWED_ORIGINS", "*"), "comma separated allowed origins")
	sweep := fs.String("sweep-interval", env("SWEEP_INTERVAL", "0"), "periodic overdue sweep, 0 to sweep only on demand")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	var errs []error
	atoi := func(name, v string) int {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not an integer", name, v))
		}
		return n
	}
	money := func(name, v string) decimal.Decimal {
		d, err := decimal.NewFromString(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not a number", name, v))
		}
		return d
	}
	duration := func(name, v string) time.Duration {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not a duration", name, v))
		}
		return d
	}
	if authErr != nil {
		errs = append(errs, fmt.Errorf("AUTH_ENABLED: %q is not a boolean", getenv("AUTH_ENABLED")))
	}

	cfg := Config{
		Port:        atoi("port", *port),
		DBDriver:    strings.ToLower(*driver),
		DBPath:      *dbPath,
		DatabaseURL: *dbURL,
		LoanDays:    atoi("loan-days", *loanDays),
		RenewalDays: atoi("renewal-days", *renewalDays),
		LateFee:     money("late-fee", *lateFee),
		DamageFee:   money("damage-fee", *damageFee),
		Timezone:    *tz,
		AuthEnabled: *auth,
		JWTSecret:   *secret,
		LogLevel:    strings.ToLower(*level),
		LogFormat:   strings.ToLower(*format),
		CORSOrigins: splitList(*origins),

		SweepInterval: duration("sweep-interval", *sweep),
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, cfg.Validate()
}

// FromEnv loads with no flags.
func FromEnv() (Config, error) {
	return Load(nil, os.Getenv)
}

func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("db path is required for sqlite"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database url is required for postgres"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown db driver %q", c.DBDriver))
	}
	if c.LoanDays <= 0 {
		errs = append(errs, errors.New("loan days must be positive"))
	}
	if c.RenewalDays <= 0 {
		errs = append(errs, errors.New("renewal days must be positive"))
	}
	if err := c.Fees().Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if c.AuthEnabled && c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt secret is required when auth is enabled"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.SweepInterval < 0 {
		errs = append(errs, errors.New("sweep interval must not be negative"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func (c Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

func (c Config) Fees() circulation.FeeSchedule {
	return circulation.FeeSchedule{DailyLateFee: c.LateFee, DamageFee: c.DamageFee}
}

func (c Config) Policy() circulation.LoanPolicy {
	return circulation.LoanPolicy{LoanDays: c.LoanDays, RenewalDays: c.RenewalDays}
}

// Location returns the library zone. Call after Validate.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Logger builds the process logger on w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
