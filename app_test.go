package main

import (
	"bytes"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kwv/sparsemap/slam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	app := NewApp()
	app.Out = &out
	app.ConfigFile = filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, slam.SaveConfig(app.ConfigFile, slam.DefaultConfig()))
	app.Seed = 1
	return app, &out
}

// saveSyntheticMap writes a small synthetic scene to dir and returns its path.
func saveSyntheticMap(t *testing.T, dir string) string {
	t.Helper()
	scene, err := slam.NewSyntheticScene(slam.DefaultSyntheticConfig())
	require.NoError(t, err)
	path := filepath.Join(dir, "scene.map")
	require.NoError(t, slam.SaveMap(path, scene.Map))
	return path
}

func TestNewApp(t *testing.T) {
	app := NewApp()
	require.NotNil(t, app)
	assert.Equal(t, os.Stdout, app.Out)
}

func TestApplyOptions(t *testing.T) {
	app := NewApp()
	opts := AppOptions{
		ConfigFile:   "test-config.yaml",
		OptimizeFile: "a.map",
		RenderFile:   "b.map",
		SaveFile:     "c.map",
		OutputFile:   "out.svg",
		RenderFormat: "png",
		Seed:         9,
		Frames:       5,
		Points:       50,
		Progress:     true,
		HttpPort:     8080,
		MqttMode:     true,
		HttpMode:     true,
	}

	app.ApplyOptions(opts)

	assert.Equal(t, "test-config.yaml", app.ConfigFile)
	assert.Equal(t, "a.map", app.OptimizeFile)
	assert.Equal(t, "b.map", app.RenderFile)
	assert.Equal(t, "c.map", app.SaveFile)
	assert.Equal(t, "out.svg", app.OutputFile)
	assert.Equal(t, "png", app.RenderFormat)
	assert.Equal(t, uint64(9), app.Seed)
	assert.Equal(t, 5, app.Frames)
	assert.Equal(t, 50, app.Points)
	assert.True(t, app.Progress)
	assert.Equal(t, 8080, app.HttpPort)
	assert.True(t, app.MqttMode)
	assert.True(t, app.HttpMode)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	app := NewApp()
	app.ConfigFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := app.loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoadConfig_FormatOverride(t *testing.T) {
	app, _ := newTestApp(t)
	app.RenderFormat = "RASTER"

	cfg, err := app.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, slam.FormatRaster, cfg.Render.Format)
	assert.Same(t, cfg, app.Config)
}

func TestLoadConfig_InvalidFormat(t *testing.T) {
	app, _ := newTestApp(t)
	app.RenderFormat = "gif"

	_, err := app.loadConfig()
	assert.Error(t, err)
}

func TestOutputPath(t *testing.T) {
	app := NewApp()
	cfg := slam.DefaultConfig()
	assert.Equal(t, "map.svg", app.outputPath(cfg))

	cfg.Render.Format = slam.FormatRaster
	assert.Equal(t, "map.png", app.outputPath(cfg))

	app.OutputFile = "custom.png"
	assert.Equal(t, "custom.png", app.outputPath(cfg))
}

func TestRunSynthetic(t *testing.T) {
	app, out := newTestApp(t)
	dir := t.TempDir()
	app.SaveFile = filepath.Join(dir, "scene.map")
	app.OutputFile = filepath.Join(dir, "scene.svg")
	app.Progress = true

	require.NoError(t, app.RunSynthetic())

	report := out.String()
	assert.Contains(t, report, "Synthetic scene (seed 1)")
	assert.Contains(t, report, "frames:        3")
	assert.Contains(t, report, "points:        20")
	assert.Contains(t, report, "bundle adjustment")

	m, err := slam.LoadMap(app.SaveFile)
	require.NoError(t, err)
	assert.Equal(t, 3, m.NumFrames())
	assert.Equal(t, 20, m.NumPoints())

	svg, err := os.ReadFile(app.OutputFile)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
}

func TestRunSynthetic_NonPositiveCountsKeepDefaults(t *testing.T) {
	app, out := newTestApp(t)
	app.Frames = -1
	app.Points = 0

	require.NoError(t, app.RunSynthetic())
	assert.Contains(t, out.String(), "frames:        3")
}

func TestRunOptimize(t *testing.T) {
	app, out := newTestApp(t)
	path := saveSyntheticMap(t, t.TempDir())
	before, err := slam.LoadMap(path)
	require.NoError(t, err)
	rmsBefore, _ := before.ReprojectionRMS()

	app.OptimizeFile = path
	require.NoError(t, app.RunOptimize())
	assert.Contains(t, out.String(), "Optimized "+path+": 3 frames, 20 points, 60 edges")

	after, err := slam.LoadMap(path)
	require.NoError(t, err)
	rmsAfter, _ := after.ReprojectionRMS()
	assert.Less(t, rmsAfter, rmsBefore)
}

func TestRunOptimize_MissingFile(t *testing.T) {
	app, _ := newTestApp(t)
	app.OptimizeFile = filepath.Join(t.TempDir(), "nope.map")
	assert.Error(t, app.RunOptimize())
}

func TestRunRender_Raster(t *testing.T) {
	app, out := newTestApp(t)
	dir := t.TempDir()
	app.RenderFile = saveSyntheticMap(t, dir)
	app.RenderFormat = slam.FormatRaster
	app.OutputFile = filepath.Join(dir, "scene.png")

	require.NoError(t, app.RunRender())
	assert.True(t, strings.Contains(out.String(), "Rendered 3 frames and 20 points"))

	f, err := os.Open(app.OutputFile)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), 0)
}

func TestLoadStateMap(t *testing.T) {
	app := NewApp()
	cfg := slam.DefaultConfig()

	m, err := app.loadStateMap(cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, m.NumFrames())

	dir := t.TempDir()
	cfg.Map.StatePath = filepath.Join(dir, "state", "map.bin")
	m, err = app.loadStateMap(cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, m.NumFrames())
	assert.DirExists(t, filepath.Join(dir, "state"))

	cfg.Map.StatePath = saveSyntheticMap(t, dir)
	cfg.Map.ConflictPolicy = slam.ConflictReject.String()
	m, err = app.loadStateMap(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, m.NumFrames())
	assert.Equal(t, slam.ConflictReject, m.ConflictPolicy())
}

func TestRunService_MqttWithoutBroker(t *testing.T) {
	app, _ := newTestApp(t)
	app.MqttMode = true
	t.Setenv("MQTT_BROKER", "")

	err := app.RunService()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MQTT broker not configured")
}

func TestMeanAndMax(t *testing.T) {
	assert.Equal(t, 0.0, mean(nil))
	assert.Equal(t, 2.0, mean([]float64{1, 2, 3}))
	assert.Equal(t, 0.0, maxOf(nil))
	assert.Equal(t, 3.0, maxOf([]float64{1, 3, 2}))
}
