package slam

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `mqtt:
  broker: "mqtt://localhost:1883"
  publishPrefix: "slam"
  ingestTopic: "slam/in"
map:
  conflictPolicy: reassign
  statePath: /data/map.zst
optimize:
  interval: 5s
  minFrames: 4
snapshot:
  publishInterval: 250ms
render:
  format: raster
  scale: 80
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "mqtt://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, "slam", cfg.MQTT.PublishPrefix)
	assert.Equal(t, "slam/in", cfg.MQTT.IngestTopic)
	assert.Equal(t, ConflictReassign, cfg.Policy())
	assert.Equal(t, "/data/map.zst", cfg.Map.StatePath)
	assert.Equal(t, 5*time.Second, cfg.Optimize.Interval)
	assert.Equal(t, 4, cfg.Optimize.MinFrames)
	assert.Equal(t, 250*time.Millisecond, cfg.Snapshot.PublishInterval)
	assert.Equal(t, FormatRaster, cfg.Render.Format)
	assert.Equal(t, 80.0, cfg.Render.Scale)

	// untouched fields keep their defaults
	defaults := DefaultConfig()
	assert.Equal(t, defaults.MQTT.ClientID, cfg.MQTT.ClientID)
	assert.Equal(t, defaults.Snapshot.RenderInterval, cfg.Snapshot.RenderInterval)
	assert.Equal(t, defaults.Render.PointColor, cfg.Render.PointColor)
	assert.Equal(t, defaults.Log.Level, cfg.Log.Level)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config file not found")
	})

	t.Run("bad yaml", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "mqtt: [unclosed"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parsing config YAML")
	})

	t.Run("invalid values", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "map:\n  conflictPolicy: merge\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "map.conflictPolicy")
	})
}

func TestConfig_ApplyEnv(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://env:1883")
	t.Setenv("MQTT_CLIENT_ID", "env-client")
	t.Setenv("MQTT_USERNAME", "user")
	t.Setenv("MQTT_PASSWORD", "secret")
	t.Setenv("MQTT_PUBLISH_PREFIX", "env")
	t.Setenv("MQTT_INGEST_TOPIC", "env/in")

	cfg, err := LoadConfig(writeConfig(t, "mqtt:\n  broker: tcp://file:1883\n"))
	require.NoError(t, err)

	assert.Equal(t, "tcp://env:1883", cfg.MQTT.Broker)
	assert.Equal(t, "env-client", cfg.MQTT.ClientID)
	assert.Equal(t, "user", cfg.MQTT.Username)
	assert.Equal(t, "secret", cfg.MQTT.Password)
	assert.Equal(t, "env", cfg.MQTT.PublishPrefix)
	assert.Equal(t, "env/in", cfg.MQTT.IngestTopic)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errs   int
	}{
		{"defaults", func(*Config) {}, 0},
		{"unknown policy", func(c *Config) { c.Map.ConflictPolicy = "merge" }, 1},
		{"negative optimize interval", func(c *Config) { c.Optimize.Interval = -time.Second }, 1},
		{"negative min frames", func(c *Config) { c.Optimize.MinFrames = -1 }, 1},
		{"negative snapshot intervals", func(c *Config) {
			c.Snapshot.PublishInterval = -1
			c.Snapshot.RenderInterval = -1
		}, 2},
		{"unknown format", func(c *Config) { c.Render.Format = "gif" }, 1},
		{"format is case-insensitive", func(c *Config) { c.Render.Format = "SVG" }, 0},
		{"zero scale", func(c *Config) { c.Render.Scale = 0 }, 1},
		{"bad colors", func(c *Config) {
			c.Render.Background = "white"
			c.Render.PathColor = "#12345"
		}, 2},
		{"empty colors are fine", func(c *Config) { c.Render.PointColor = "" }, 0},
		{"broker without prefix", func(c *Config) {
			c.MQTT.Broker = "tcp://b:1883"
			c.MQTT.PublishPrefix = " "
		}, 1},
		{"everything at once", func(c *Config) {
			c.Map.ConflictPolicy = "x"
			c.Render.Format = "x"
			c.Render.Scale = -1
		}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errs == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Len(t, multierr.Errors(err), tt.errs)
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.Optimize.Interval = 90 * time.Second
	cfg.Map.ConflictPolicy = ConflictReject.String()

	require.NoError(t, SaveConfig(path, cfg))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestParseHexColor(t *testing.T) {
	c, err := parseHexColor("#1F77B4")
	require.NoError(t, err)
	assert.Equal(t, uint8(0x1F), c.R)
	assert.Equal(t, uint8(0x77), c.G)
	assert.Equal(t, uint8(0xB4), c.B)
	assert.Equal(t, uint8(255), c.A)

	c, err = parseHexColor("ff0000")
	require.NoError(t, err)
	assert.Equal(t, uint8(255), c.R)

	for _, bad := range []string{"", "#fff", "#gggggg", "#1234567"} {
		_, err := parseHexColor(bad)
		assert.Error(t, err, bad)
	}
}
