package slam

import "time"

// Config represents the full configuration file
type Config struct {
	MQTT     MQTTConfig     `yaml:"mqtt" json:"mqtt"`
	Map      MapConfig      `yaml:"map" json:"map"`
	Optimize OptimizeConfig `yaml:"optimize" json:"optimize"`
	Snapshot SnapshotConfig `yaml:"snapshot" json:"snapshot"`
	Render   RenderConfig   `yaml:"render" json:"render"`
	Log      LogConfig      `yaml:"log" json:"log"`
}

// MQTTConfig holds MQTT connection settings. An empty Broker disables MQTT.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"-"`
	IngestTopic   string `yaml:"ingestTopic" json:"ingestTopic"`
}

// MapConfig controls map bookkeeping and persistence.
type MapConfig struct {
	ConflictPolicy string `yaml:"conflictPolicy" json:"conflictPolicy"` // overwrite, reject or reassign
	StatePath      string `yaml:"statePath,omitempty" json:"statePath,omitempty"`
}

// OptimizeConfig schedules periodic bundle adjustment in service mode.
type OptimizeConfig struct {
	Interval  time.Duration `yaml:"interval" json:"interval"`
	MinFrames int           `yaml:"minFrames" json:"minFrames"`
}

// SnapshotConfig controls how often snapshots leave the process.
type SnapshotConfig struct {
	PublishInterval time.Duration `yaml:"publishInterval" json:"publishInterval"`
	RenderInterval  time.Duration `yaml:"renderInterval" json:"renderInterval"`
	Output          string        `yaml:"output,omitempty" json:"output,omitempty"`
}

// RenderConfig controls the top-down map drawing.
type RenderConfig struct {
	Format      string  `yaml:"format" json:"format"`           // svg, png or raster
	Scale       float64 `yaml:"scale" json:"scale"`             // output units per world unit
	Padding     float64 `yaml:"padding" json:"padding"`         // world units around the content
	Resolution  float64 `yaml:"resolution" json:"resolution"`   // vector PNG DPI
	GridSpacing float64 `yaml:"gridSpacing" json:"gridSpacing"` // world units, 0 disables the grid

	Background  string `yaml:"background,omitempty" json:"background,omitempty"`
	PointColor  string `yaml:"pointColor,omitempty" json:"pointColor,omitempty"`
	CameraColor string `yaml:"cameraColor,omitempty" json:"cameraColor,omitempty"`
	PathColor   string `yaml:"pathColor,omitempty" json:"pathColor,omitempty"`
}

// LogConfig selects the log level: off, info, warn or debug.
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}
