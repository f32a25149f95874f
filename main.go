package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line.
type AppOptions struct {
	ConfigFile   string
	Synthetic    bool
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
}

// Runner is implemented by App; tests substitute a recorder.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunSynthetic() error
	RunOptimize() error
	RunRender() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "sparsemap: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("sparsemap", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.BoolVar(&opts.Synthetic, "synthetic", false, "Build a synthetic scene, optimize it, report and exit")
	fs.StringVar(&opts.OptimizeFile, "optimize", "", "Load a saved map, optimize it and save it back")
	fs.StringVar(&opts.RenderFile, "render", "", "Render a saved map and exit")
	fs.StringVar(&opts.SaveFile, "save", "", "Save the map built by --synthetic to this file")
	fs.StringVar(&opts.OutputFile, "output", "", "Output file for rendered maps (default map.<format>)")
	fs.StringVar(&opts.RenderFormat, "format", "", "Render format: svg, png or raster (default from config)")
	fs.Uint64Var(&opts.Seed, "seed", 1, "Random seed for --synthetic")
	fs.IntVar(&opts.Frames, "frames", 0, "Frame count for --synthetic (default 3)")
	fs.IntVar(&opts.Points, "points", 0, "Point count for --synthetic (default 20)")
	fs.BoolVar(&opts.Progress, "progress", false, "Show a progress bar while optimizing")
	fs.IntVar(&opts.HttpPort, "http-port", 4040, "HTTP server port")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run as MQTT service (ingest frames and points, publish snapshots)")
	fs.BoolVar(&opts.HttpMode, "http", false, "Run HTTP server for snapshots and rendered maps")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "sparsemap version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.Synthetic:
		return app.RunSynthetic()
	case opts.OptimizeFile != "":
		return app.RunOptimize()
	case opts.RenderFile != "":
		return app.RunRender()
	default:
		fmt.Fprintln(out, "sparsemap service starting...")
		return app.RunService()
	}
}
