package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalConfig = `
database:
  host: localhost
  user: printfarm
  password: secret
  database: printfarm
rabbitmq:
  host: localhost
  user: guest
  password: guest
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, 5672, cfg.RabbitMQ.Port)
	assert.Equal(t, "/", cfg.RabbitMQ.VHost)
	assert.Equal(t, 2*time.Minute, cfg.Dispatch.OfferExpiry)
	assert.Equal(t, 3, cfg.Dispatch.PresenceRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.Dispatch.PresenceBackoff)
	assert.Equal(t, 256, cfg.Dispatch.PublishBuffer)
	assert.Equal(t, 3002, cfg.HTTP.Port)
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
dispatch:
  offer_expiry: 90s
  presence_retries: 5
  presence_backoff: 50ms
  city_match_bonus: 500
http:
  port: 8080
`))
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.Dispatch.OfferExpiry)
	assert.Equal(t, 5, cfg.Dispatch.PresenceRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.Dispatch.PresenceBackoff)
	assert.Equal(t, float64(500), cfg.Dispatch.CityMatchBonus)
	// Untouched tunables keep their defaults.
	assert.Equal(t, float64(50), cfg.Dispatch.DistanceDecayKm)
	assert.Equal(t, 8080, cfg.HTTP.Port)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing database host", `
database:
  user: printfarm
  database: printfarm
rabbitmq:
  host: localhost
  user: guest
`},
		{"missing rabbitmq user", `
database:
  host: localhost
  user: printfarm
  database: printfarm
rabbitmq:
  host: localhost
`},
		{"non-positive offer expiry", minimalConfig + `
dispatch:
  offer_expiry: 0s
`},
		{"negative presence retries", minimalConfig + `
dispatch:
  presence_retries: -1
`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "database: [not a mapping"))
	require.Error(t, err)
}
