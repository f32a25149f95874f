package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kwv/sparsemap/slam"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// App encapsulates the application state and dependencies
type App struct {
	Config *slam.Config
	Out    io.Writer

	// CLI Flags (effectively dependencies)
	ConfigFile   string
	OptimizeFile string
	RenderFile   string
	SaveFile     string
	OutputFile   string
	RenderFormat string
	Seed         uint64
	Frames       int
	Points       int
	Progress     bool
	HttpPort     int
	MqttMode     bool
	HttpMode     bool

	logger zerolog.Logger
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Out:    os.Stdout,
		logger: slam.Logger().With().Str("component", "app").Logger(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.OptimizeFile = opts.OptimizeFile
	a.RenderFile = opts.RenderFile
	a.SaveFile = opts.SaveFile
	a.OutputFile = opts.OutputFile
	a.RenderFormat = opts.RenderFormat
	a.Seed = opts.Seed
	a.Frames = opts.Frames
	a.Points = opts.Points
	a.Progress = opts.Progress
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// loadConfig reads the config file. A missing file at the default path
// falls back to DefaultConfig; any other failure is returned.
func (a *App) loadConfig() (*slam.Config, error) {
	cfg, err := slam.LoadConfig(a.ConfigFile)
	if err != nil {
		if _, statErr := os.Stat(a.ConfigFile); a.ConfigFile != "config.yaml" || !errors.Is(statErr, os.ErrNotExist) {
			return nil, err
		}
		cfg = slam.DefaultConfig()
		cfg.ApplyEnv()
	}

	if a.RenderFormat != "" {
		cfg.Render.Format = strings.ToLower(a.RenderFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if os.Getenv("SPARSEMAP_LOG") == "" && cfg.Log.Level != "" {
		slam.ConfigureLogLevel(cfg.Log.Level)
	}

	a.Config = cfg
	return cfg, nil
}

// newSolver returns the LM engine, reporting iterations on a progress bar
// when --progress is set.
func (a *App) newSolver() *slam.LevenbergMarquardt {
	solver := slam.NewLevenbergMarquardt()
	if !a.Progress {
		return solver
	}

	bar := progressbar.NewOptions(slam.MaxIterations,
		progressbar.OptionSetWriter(a.Out),
		progressbar.OptionSetDescription("bundle adjustment"),
		progressbar.OptionOnCompletion(func() { fmt.Fprint(a.Out, "\n") }),
	)
	solver.Observer = func(it slam.IterationStats) {
		bar.Describe(fmt.Sprintf("bundle adjustment cost=%.4g", it.Cost))
		_ = bar.Add(1)
	}
	return solver
}

// outputPath returns --output, or map.<ext> for the configured format.
func (a *App) outputPath(cfg *slam.Config) string {
	if a.OutputFile != "" {
		return a.OutputFile
	}
	if cfg.Render.Format == slam.FormatSVG {
		return "map.svg"
	}
	return "map.png"
}

// RunSynthetic builds a synthetic scene, optimizes it and reports how close
// the result is to the ground truth.
func (a *App) RunSynthetic() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	sc := slam.DefaultSyntheticConfig()
	sc.Seed = a.Seed
	if a.Frames > 0 {
		sc.Frames = a.Frames
	}
	if a.Points > 0 {
		sc.Points = a.Points
	}

	scene, err := slam.NewSyntheticScene(sc,
		slam.WithSolver(a.newSolver()),
		slam.WithConflictPolicy(cfg.Policy()),
	)
	if err != nil {
		return fmt.Errorf("building synthetic scene: %w", err)
	}
	m := scene.Map

	before, n := m.ReprojectionRMS()
	res, err := m.Optimize()
	if err != nil {
		return err
	}
	after, _ := m.ReprojectionRMS()

	fmt.Fprintf(a.Out, "\nSynthetic scene (seed %d)\n", sc.Seed)
	fmt.Fprintln(a.Out, "=========================")
	fmt.Fprintf(a.Out, "  frames:        %d\n", m.NumFrames())
	fmt.Fprintf(a.Out, "  points:        %d\n", m.NumPoints())
	fmt.Fprintf(a.Out, "  observations:  %d\n", n)
	fmt.Fprintf(a.Out, "  cost:          %.6g -> %.6g\n", res.Solve.InitialCost, res.Solve.FinalCost)
	fmt.Fprintf(a.Out, "  reprojection:  %.4f px -> %.4f px\n", before, after)
	fmt.Fprintf(a.Out, "  point error:   mean %.4f, max %.4f\n", mean(scene.PointErrors()), maxOf(scene.PointErrors()))
	fmt.Fprintf(a.Out, "  camera error:  max %.4f\n", maxOf(scene.PoseErrors()))
	fmt.Fprintf(a.Out, "  took:          %s\n", res.Duration.Round(time.Microsecond))

	if a.SaveFile != "" {
		if err := slam.SaveMap(a.SaveFile, m); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "Saved map to %s\n", a.SaveFile)
	}
	if a.OutputFile != "" {
		return a.renderTo(cfg, m.ExportSnapshot(), a.OutputFile)
	}
	return nil
}

// RunOptimize loads a saved map, optimizes it and saves it back.
func (a *App) RunOptimize() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	m, err := slam.LoadMap(a.OptimizeFile,
		slam.WithSolver(a.newSolver()),
		slam.WithConflictPolicy(cfg.Policy()),
	)
	if err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		a.logger.Warn().Err(err).Msg("map has inconsistent observations")
	}

	before, n := m.ReprojectionRMS()
	res, err := m.Optimize()
	if err != nil {
		return err
	}
	after, _ := m.ReprojectionRMS()

	if err := slam.SaveMap(a.OptimizeFile, m); err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "Optimized %s: %d frames, %d points, %d edges\n",
		a.OptimizeFile, res.Problem.PoseVertices, res.Problem.PointVertices, res.Problem.Edges)
	fmt.Fprintf(a.Out, "  reprojection: %.4f px -> %.4f px over %d observations\n", before, after, n)

	if a.OutputFile != "" {
		return a.renderTo(cfg, m.ExportSnapshot(), a.OutputFile)
	}
	return nil
}

// RunRender renders a saved map.
func (a *App) RunRender() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	m, err := slam.LoadMap(a.RenderFile)
	if err != nil {
		return err
	}
	return a.renderTo(cfg, m.ExportSnapshot(), a.outputPath(cfg))
}

func (a *App) renderTo(cfg *slam.Config, s slam.Snapshot, path string) error {
	drawer, err := slam.NewDrawer(cfg.Render)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	if err := drawer.Draw(f, s); err != nil {
		f.Close()
		return fmt.Errorf("rendering map: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing output file: %w", err)
	}

	fmt.Fprintf(a.Out, "Rendered %d frames and %d points to %s\n", len(s.Poses), len(s.Points), path)
	return nil
}

// RunService starts the combined MQTT and/or HTTP service
func (a *App) RunService() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if a.OutputFile != "" {
		cfg.Snapshot.Output = a.OutputFile
	}
	httpMode := a.HttpMode || !a.MqttMode

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := a.loadStateMap(cfg)
	if err != nil {
		return err
	}

	var svc *slam.Service
	var ingest *slam.IngestClient
	var publisher *slam.SnapshotPublisher
	if a.MqttMode {
		// messages only arrive after Start, by which time svc is set
		ingest, err = slam.NewIngestClient(cfg.MQTT, func(msg slam.IngestMessage) { svc.HandleIngest(msg) })
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if ingest == nil {
			return errors.New("MQTT broker not configured in config.yaml")
		}
		publisher = slam.NewSnapshotPublisher(ingest.Client(), cfg.MQTT.PublishPrefix, cfg.Snapshot.PublishInterval)
	}

	svc, err = slam.NewService(cfg, m, publisher)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })

	if ingest != nil {
		ingest.Start(gctx)
		defer ingest.Disconnect()
	}

	if httpMode {
		server := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(svc, cfg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info().Str("addr", server.Addr).Msg("starting HTTP server")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	a.printServiceInfo(cfg, httpMode, publisher, ingest)

	err = g.Wait()
	fmt.Fprintln(a.Out, "Service stopped")
	return err
}

// loadStateMap loads map.statePath when it exists, otherwise starts empty.
func (a *App) loadStateMap(cfg *slam.Config) (*slam.Map, error) {
	opts := []slam.MapOption{
		slam.WithSolver(slam.NewLevenbergMarquardt()),
		slam.WithConflictPolicy(cfg.Policy()),
	}
	path := cfg.Map.StatePath
	if path == "" {
		return slam.NewMap(opts...), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		a.logger.Info().Str("path", path).Msg("no saved map, starting empty")
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("creating state directory: %w", err)
			}
		}
		return slam.NewMap(opts...), nil
	}
	m, err := slam.LoadMap(path, opts...)
	if err != nil {
		return nil, err
	}
	a.logger.Info().Str("path", path).Int("frames", m.NumFrames()).Int("points", m.NumPoints()).Msg("loaded saved map")
	return m, nil
}

func (a *App) printServiceInfo(cfg *slam.Config, httpMode bool, publisher *slam.SnapshotPublisher, ingest *slam.IngestClient) {
	fmt.Fprintln(a.Out, "\nService Running")
	fmt.Fprintln(a.Out, "===============")

	if ingest != nil {
		fmt.Fprintln(a.Out, "\nMQTT:")
		fmt.Fprintln(a.Out, "  Subscribed topics:")
		fmt.Fprintf(a.Out, "    - %s\n", ingest.FrameTopic())
		fmt.Fprintf(a.Out, "    - %s\n", ingest.PointTopic())
		fmt.Fprintf(a.Out, "  Snapshots: %s\n", publisher.SnapshotTopic())
		fmt.Fprintf(a.Out, "  Stats:     %s\n", publisher.StatsTopic())
	}

	if httpMode {
		fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Fprintln(a.Out, "  GET  /health         - Health check")
		fmt.Fprintln(a.Out, "  GET  /snapshot.json  - Latest poses and points")
		fmt.Fprintln(a.Out, "  GET  /stats          - Map statistics")
		fmt.Fprintln(a.Out, "  GET  /map            - Last image drawn by the render loop")
		fmt.Fprintln(a.Out, "  GET  /map.svg        - Top-down view as SVG")
		fmt.Fprintln(a.Out, "  GET  /map.png        - Top-down view as PNG")
		fmt.Fprintln(a.Out, "  POST /optimize       - Run bundle adjustment now")
	}

	if cfg.Optimize.Interval > 0 {
		fmt.Fprintf(a.Out, "\nOptimizing every %s once %d frames exist\n", cfg.Optimize.Interval, cfg.Optimize.MinFrames)
	}
	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func maxOf(xs []float64) float64 {
	var m float64
	for _, x := range xs {
		if x > m {
			m = x
		}
	}
	return m
}
