package slam

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RenderLoop is the consumer side of a SnapshotChannel. It blocks until the
// first snapshot arrives, then redraws the newest one on every tick. Each
// drawing is kept in memory and, when an output path is set, written there.
type RenderLoop struct {
	channel  *SnapshotChannel
	drawer   SnapshotDrawer
	interval time.Duration
	output   string

	mu       sync.RWMutex
	snapshot Snapshot
	image    []byte
	renders  uint64
	lastSeq  uint64
	hasImage bool

	logger zerolog.Logger
}

// NewRenderLoop creates a loop that draws with drawer every interval. An
// empty output keeps renders in memory only.
func NewRenderLoop(channel *SnapshotChannel, drawer SnapshotDrawer, interval time.Duration, output string) *RenderLoop {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &RenderLoop{
		channel:  channel,
		drawer:   drawer,
		interval: interval,
		output:   output,
		logger:   Logger().With().Str("component", "render").Logger(),
	}
}

// Run renders until ctx is cancelled.
func (l *RenderLoop) Run(ctx context.Context) error {
	s, err := l.channel.Wait(ctx)
	if err != nil {
		return nil
	}
	if err := l.RenderOnce(s); err != nil {
		l.logger.Warn().Err(err).Msg("render failed")
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !l.channel.Pending() {
				continue
			}
			s, _ := l.channel.Latest()
			if err := l.RenderOnce(s); err != nil {
				l.logger.Warn().Err(err).Msg("render failed")
			}
		}
	}
}

// RenderOnce draws s, stores the result and writes the output file.
func (l *RenderLoop) RenderOnce(s Snapshot) error {
	var buf bytes.Buffer
	if err := l.drawer.Draw(&buf, s); err != nil {
		return fmt.Errorf("drawing snapshot %d: %w", s.Seq, err)
	}

	l.mu.Lock()
	l.snapshot = s
	l.image = buf.Bytes()
	l.hasImage = true
	l.lastSeq = s.Seq
	l.renders++
	l.mu.Unlock()

	if l.output != "" {
		if err := writeFileAtomic(l.output, buf.Bytes()); err != nil {
			return err
		}
	}
	l.logger.Debug().Uint64("seq", s.Seq).Int("bytes", buf.Len()).Msg("snapshot rendered")
	return nil
}

// Image returns the last drawing and its content type.
func (l *RenderLoop) Image() ([]byte, string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.image, l.drawer.ContentType(), l.hasImage
}

// Snapshot returns the snapshot most recently drawn.
func (l *RenderLoop) Snapshot() (Snapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot, l.hasImage
}

// Renders counts completed drawings.
func (l *RenderLoop) Renders() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.renders
}

// writeFileAtomic replaces path with data through a temporary file in the
// same directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}
