package main

import (
	"bytes"
	"strings"
	"testing"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) RunSynthetic() error          { m.called["RunSynthetic"] = true; return nil }
func (m *mockApp) RunOptimize() error           { m.called["RunOptimize"] = true; return nil }
func (m *mockApp) RunRender() error             { m.called["RunRender"] = true; return nil }
func (m *mockApp) RunService() error            { m.called["RunService"] = true; return nil }

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "Synthetic",
			args:           []string{"--synthetic", "--seed", "7", "--frames", "4", "--points", "30", "--progress"},
			expectedCalled: "RunSynthetic",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.Synthetic {
					t.Error("expected Synthetic true")
				}
				if opts.Seed != 7 || opts.Frames != 4 || opts.Points != 30 {
					t.Errorf("expected seed 7, 4 frames, 30 points, got %d, %d, %d", opts.Seed, opts.Frames, opts.Points)
				}
				if !opts.Progress {
					t.Error("expected Progress true")
				}
			},
		},
		{
			name:           "SyntheticSave",
			args:           []string{"--synthetic", "--save", "scene.map", "--output", "scene.svg"},
			expectedCalled: "RunSynthetic",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.SaveFile != "scene.map" {
					t.Errorf("expected SaveFile scene.map, got %s", opts.SaveFile)
				}
				if opts.OutputFile != "scene.svg" {
					t.Errorf("expected OutputFile scene.svg, got %s", opts.OutputFile)
				}
			},
		},
		{
			name:           "Optimize",
			args:           []string{"--optimize", "state.map", "--config", "test.yaml"},
			expectedCalled: "RunOptimize",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.OptimizeFile != "state.map" {
					t.Errorf("expected OptimizeFile state.map, got %s", opts.OptimizeFile)
				}
				if opts.ConfigFile != "test.yaml" {
					t.Errorf("expected ConfigFile test.yaml, got %s", opts.ConfigFile)
				}
			},
		},
		{
			name:           "Render",
			args:           []string{"--render", "state.map", "--output", "test.png", "--format", "raster"},
			expectedCalled: "RunRender",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.RenderFile != "state.map" {
					t.Errorf("expected RenderFile state.map, got %s", opts.RenderFile)
				}
				if opts.OutputFile != "test.png" {
					t.Errorf("expected OutputFile test.png, got %s", opts.OutputFile)
				}
				if opts.RenderFormat != "raster" {
					t.Errorf("expected RenderFormat raster, got %s", opts.RenderFormat)
				}
			},
		},
		{
			name:           "MqttMode",
			args:           []string{"--mqtt", "--http-port", "9090"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.MqttMode {
					t.Error("expected MqttMode true")
				}
				if opts.HttpPort != 9090 {
					t.Errorf("expected HttpPort 9090, got %d", opts.HttpPort)
				}
			},
		},
		{
			name:           "HttpMode",
			args:           []string{"--http"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.HttpMode {
					t.Error("expected HttpMode true")
				}
				if opts.HttpPort != 4040 {
					t.Errorf("expected default HttpPort 4040, got %d", opts.HttpPort)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			err := run(tt.args, &out, app)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}

			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called", tt.expectedCalled)
			}
			if len(app.called) != 1 {
				t.Errorf("expected exactly one mode to run, got %v", app.called)
			}

			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{"--help"}, &out, app)
	if err == nil {
		t.Error("expected error from --help, got nil")
	}
	if !strings.Contains(out.String(), "Usage of sparsemap") {
		t.Errorf("expected usage info in output, got: %s", out.String())
	}
	if len(app.called) != 0 {
		t.Errorf("expected no mode to run, got %v", app.called)
	}
}

func TestRun_UnknownFlag(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run([]string{"--no-such-flag"}, &out, app); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestRun_Default(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{}, &out, app)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	expectedPrefix := "sparsemap version: " + Version
	if !strings.Contains(out.String(), expectedPrefix) {
		t.Errorf("expected output to contain version, got: %s", out.String())
	}

	if !strings.Contains(out.String(), "sparsemap service starting...") {
		t.Errorf("expected output to contain service starting message, got: %s", out.String())
	}
	if !app.called["RunService"] {
		t.Error("expected RunService to be called")
	}
}

func TestMain_Execute(t *testing.T) {
	// Smoke test to ensure version is set
	if Version == "" {
		t.Error("expected Version to be set")
	}
}
