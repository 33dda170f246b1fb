package mesh

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// StatusWriterConfig carries the periodic human-readable dump's
// tunables (spec.md §4.8, grounded on controller/main.py's
// statuswriter()).
type StatusWriterConfig struct {
	Path     string
	Interval time.Duration
}

// DefaultStatusWriterConfig matches the reference deployment's one
// second cadence and /tmp path.
func DefaultStatusWriterConfig() StatusWriterConfig {
	return StatusWriterConfig{Path: "/tmp/wasch.state", Interval: time.Second}
}

// StatusWriter periodically renders the registry's Snapshot to a plain
// text file, replaced atomically via rename so a concurrent reader
// never observes a half-written file.
type StatusWriter struct {
	registry *Registry
	cfg      StatusWriterConfig
	logger   log.Logger
}

// NewStatusWriter builds a status writer bound to registry.
func NewStatusWriter(registry *Registry, cfg StatusWriterConfig, logger log.Logger) *StatusWriter {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &StatusWriter{registry: registry, cfg: cfg, logger: logger}
}

// Run writes the snapshot every Interval until ctx is cancelled.
func (w *StatusWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.writeOnce(); err != nil {
				level.Warn(w.logger).Log("msg", "status dump failed", "err", err)
			}
		}
	}
}

func (w *StatusWriter) writeOnce() error {
	tmp := w.cfg.Path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(Render(w.registry.Snapshot())); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, w.cfg.Path)
}

// Render formats a slice of Snapshots the way debug_state() rendered a
// single node's state, one line per node.
func Render(snapshots []Snapshot) string {
	var b strings.Builder
	for _, s := range snapshots {
		status := "-"
		if s.Status != nil {
			status = fmt.Sprintf("%d", *s.Status)
		}
		fmt.Fprintf(&b, "%-20s id=%-4d available=%-5t con=%-5t routes=%-5t check=%-5t init=%-5t failed=%-5t status=%-3s rt=%d\n",
			s.Name, s.ID, s.Available, s.Con, s.Routes, s.Check, s.InitDone, s.Failed, status, s.Retransmits)
	}
	return b.String()
}
