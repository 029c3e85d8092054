package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(kv map[string]string) func(string) string {
	return func(k string) string { return kv[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil, envOf(nil))

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, "circulation.db", cfg.DBPath)
	assert.Equal(t, 14, cfg.Policy().LoanDays)
	assert.Equal(t, 7, cfg.Policy().RenewalDays)
	assert.Equal(t, "50", cfg.Fees().DailyLateFee.String())
	assert.Equal(t, "200", cfg.Fees().DamageFee.String())
	assert.Equal(t, "UTC", cfg.Location().String())
	assert.False(t, cfg.AuthEnabled)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, 30*time.Minute, cfg.SweepInterval)
}

func TestLoad_FlagsOverrideEnvironment(t *testing.T) {
	env := envOf(map[string]string{
		"PORT":                 "9000",
		"DB_DRIVER":            "postgres",
		"DATABASE_URL":         "postgres://localhost/lib",
		"LATE_FEE_PER_DAY":     "75.5",
		"CORS_ALLOWED_ORIGINS": "https://a.example, https://b.example",
	})

	cfg, err := Load([]string{"-port", "9100", "-loan-days=21", "-sweep-interval=30m"}, env)

	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, DriverPostgres, cfg.DBDriver)
	assert.Equal(t, 21, cfg.LoanDays)
	assert.Equal(t, 30*time.Minute, cfg.SweepInterval)
	assert.Equal(t, "75.5", cfg.LateFee.String())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
		want string
	}{
		{"bad port", []string{"-port", "eighty"}, nil, "not an integer"},
		{"unknown driver", []string{"-db-driver", "mongo"}, nil, "unknown db driver"},
		{"postgres without url", []string{"-db-driver", "postgres"}, nil, "database url"},
		{"zero loan days", []string{"-loan-days", "0"}, nil, "loan days"},
		{"negative fee", nil, map[string]string{"DAMAGE_FEE": "-1"}, "fee schedule"},
		{"auth without secret", []string{"-auth"}, nil, "jwt secret"},
		{"bad zone", []string{"-timezone", "Mars/Olympus"}, nil, "timezone"},
		{"bad level", []string{"-log-level", "loud"}, nil, "log level"},
		{"unknown flag", []string{"-verbose"}, nil, "parse flags"},
		{"bad sweep interval", nil, map[string]string{"SWEEP_INTERVAL": "hourly"}, "not a duration"},
		{"negative sweep interval", []string{"-sweep-interval", "-5m"}, nil, "sweep interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.args, envOf(tt.env))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_Logger_JSON(t *testing.T) {
	cfg, err := Load([]string{"-log-format", "json", "-log-level", "warn"}, envOf(nil))
	require.NoError(t, err)

	var buf bytes.Buffer
	log := cfg.Logger(&buf)
	log.Info("hidden")
	log.Warn("shown", "k", "v")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
