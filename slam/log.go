package slam

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logMu     sync.RWMutex
	pkgLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
			With().Timestamp().Logger()
)

// init sets the global level from SPARSEMAP_LOG: "off" or "0" disables
// logging, "full" or "debug" enables debug output, anything else is info.
func init() {
	ConfigureLogLevel(os.Getenv("SPARSEMAP_LOG"))
}

// ConfigureLogLevel applies a level name to the global zerolog level.
func ConfigureLogLevel(mode string) {
	switch strings.TrimSpace(strings.ToLower(mode)) {
	case "off", "0", "disabled":
		zerolog.SetGlobalLevel(zerolog.Disabled)
	case "full", "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// Logger returns the package logger.
func Logger() zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return pkgLogger
}

// SetLogger replaces the package logger used by components created after
// the call.
func SetLogger(l zerolog.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	pkgLogger = l
}
