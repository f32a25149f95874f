package slam

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Render formats understood by NewDrawer.
const (
	FormatSVG    = "svg"
	FormatPNG    = "png"
	FormatRaster = "raster"
)

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			PublishPrefix: "sparsemap",
			ClientID:      "sparsemap",
			IngestTopic:   "sparsemap/ingest",
		},
		Map: MapConfig{
			ConflictPolicy: ConflictOverwrite.String(),
		},
		Optimize: OptimizeConfig{
			Interval:  30 * time.Second,
			MinFrames: 2,
		},
		Snapshot: SnapshotConfig{
			PublishInterval: time.Second,
			RenderInterval:  2 * time.Second,
		},
		Render: RenderConfig{
			Format:      FormatSVG,
			Scale:       40,
			Padding:     1,
			Resolution:  300,
			GridSpacing: 1,
			Background:  "#FFFFFF",
			PointColor:  "#1F77B4",
			CameraColor: "#D62728",
			PathColor:   "#7F7F7F",
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig loads the configuration from a YAML file. Fields missing from
// the file keep their DefaultConfig values; MQTT environment variables
// override the file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides MQTT settings from MQTT_BROKER, MQTT_CLIENT_ID,
// MQTT_USERNAME, MQTT_PASSWORD, MQTT_PUBLISH_PREFIX and MQTT_INGEST_TOPIC.
func (c *Config) ApplyEnv() {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(&c.MQTT.Broker, "MQTT_BROKER")
	override(&c.MQTT.ClientID, "MQTT_CLIENT_ID")
	override(&c.MQTT.Username, "MQTT_USERNAME")
	override(&c.MQTT.Password, "MQTT_PASSWORD")
	override(&c.MQTT.PublishPrefix, "MQTT_PUBLISH_PREFIX")
	override(&c.MQTT.IngestTopic, "MQTT_INGEST_TOPIC")
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs error

	if _, err := ParseConflictPolicy(c.Map.ConflictPolicy); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("map.conflictPolicy: %w", err))
	}

	if c.Optimize.Interval < 0 {
		errs = multierr.Append(errs, errors.New("optimize.interval must not be negative"))
	}
	if c.Optimize.MinFrames < 0 {
		errs = multierr.Append(errs, errors.New("optimize.minFrames must not be negative"))
	}
	if c.Snapshot.PublishInterval < 0 {
		errs = multierr.Append(errs, errors.New("snapshot.publishInterval must not be negative"))
	}
	if c.Snapshot.RenderInterval < 0 {
		errs = multierr.Append(errs, errors.New("snapshot.renderInterval must not be negative"))
	}

	switch strings.ToLower(c.Render.Format) {
	case FormatSVG, FormatPNG, FormatRaster:
	default:
		errs = multierr.Append(errs, fmt.Errorf("render.format %q is not one of svg, png, raster", c.Render.Format))
	}
	if c.Render.Scale <= 0 {
		errs = multierr.Append(errs, errors.New("render.scale must be positive"))
	}
	if c.Render.Padding < 0 || c.Render.GridSpacing < 0 {
		errs = multierr.Append(errs, errors.New("render.padding and render.gridSpacing must not be negative"))
	}
	for name, hex := range map[string]string{
		"background":  c.Render.Background,
		"pointColor":  c.Render.PointColor,
		"cameraColor": c.Render.CameraColor,
		"pathColor":   c.Render.PathColor,
	} {
		if hex == "" {
			continue
		}
		if _, err := parseHexColor(hex); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("render.%s: %w", name, err))
		}
	}

	if c.MQTT.Broker != "" && strings.TrimSpace(c.MQTT.PublishPrefix) == "" {
		errs = multierr.Append(errs, errors.New("mqtt.publishPrefix is required when mqtt.broker is set"))
	}

	return errs
}

// Policy returns the parsed conflict policy. Validate must have passed.
func (c *Config) Policy() ConflictPolicy {
	p, _ := ParseConflictPolicy(c.Map.ConflictPolicy)
	return p
}
