package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kwv/sparsemap/slam"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(svc *slam.Service, config *slam.Config) http.Handler {
	logger := slam.Logger().With().Str("component", "http").Logger()
	mux := http.NewServeMux()

	renderCfg := slam.DefaultConfig().Render
	if config != nil {
		renderCfg = config.Render
	}
	svgRenderer := slam.NewVectorRenderer(renderCfg, false)
	pngRenderer := slam.NewVectorRenderer(renderCfg, true)

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, hasSnapshot := svc.Latest()
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status      string    `json:"status"`
			Timestamp   time.Time `json:"timestamp"`
			HasSnapshot bool      `json:"hasSnapshot"`
		}{
			Status:      "ok",
			Timestamp:   time.Now(),
			HasSnapshot: hasSnapshot,
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.Error().Err(err).Msg("encoding health status")
		}
	})

	mux.HandleFunc("/snapshot.json", func(w http.ResponseWriter, r *http.Request) {
		s, ok := svc.Latest()
		if !ok {
			http.Error(w, "No snapshot available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(s); err != nil {
			logger.Error().Err(err).Msg("encoding snapshot")
		}
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(svc.Status()); err != nil {
			logger.Error().Err(err).Msg("encoding stats")
		}
	})

	// Last drawing made by the render loop, in the configured format
	mux.HandleFunc("/map", func(w http.ResponseWriter, r *http.Request) {
		img, contentType, ok := svc.RenderLoop().Image()
		if !ok {
			http.Error(w, "No map rendered yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(img)
	})

	serveDrawing := func(drawer slam.SnapshotDrawer, name string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			s, ok := svc.Latest()
			if !ok {
				http.Error(w, "No snapshot available", http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", drawer.ContentType())
			w.Header().Set("Cache-Control", "no-cache")
			if err := drawer.Draw(w, s); err != nil {
				logger.Error().Err(err).Str("endpoint", name).Msg("rendering map")
			}
		}
	}
	mux.HandleFunc("/map.svg", serveDrawing(svgRenderer, "/map.svg"))
	mux.HandleFunc("/map.png", serveDrawing(pngRenderer, "/map.png"))

	mux.HandleFunc("/optimize", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		res, err := svc.RequestOptimize(r.Context())
		if err != nil {
			http.Error(w, fmt.Sprintf("Optimize failed: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(res); err != nil {
			logger.Error().Err(err).Msg("encoding optimize result")
		}
	})

	// Default route serves HTML page embedding the SVG map
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>sparsemap</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
html,body{width:100%;height:100%;overflow:hidden;background:#1a1a1a}
img{display:block;width:100vw;height:100vh;object-fit:contain}
</style>
</head>
<body>
<img src="/map.svg" alt="Sparse map">
</body>
</html>`)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("request")
		mux.ServeHTTP(w, r)
	})
}
