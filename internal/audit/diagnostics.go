package audit

import (
	"context"
	"log/slog"
	"time"
)

// DefaultDiagnosticsInterval is how often Diagnostics reports log growth.
const DefaultDiagnosticsInterval = 30 * time.Second

// Diagnostics periodically reports how many events were appended since the
// last report. It only writes to the diagnostic log, never to the audit log.
type Diagnostics struct {
	logger   *Logger
	interval time.Duration
	log      *slog.Logger
	last     int
}

// NewDiagnostics returns a poller over logger.
func NewDiagnostics(logger *Logger, interval time.Duration, log *slog.Logger) *Diagnostics {
	if interval <= 0 {
		interval = DefaultDiagnosticsInterval
	}
	return &Diagnostics{logger: logger, interval: interval, log: log}
}

// Run polls until ctx is done.
func (d *Diagnostics) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Poll()
		}
	}
}

// Poll reports new events, if any, and returns how many there were.
func (d *Diagnostics) Poll() int {
	total := len(d.logger.Logs())
	fresh := total - d.last
	if fresh > 0 {
		d.log.Debug("events logged", "new", fresh, "total", total)
		d.last = total
	}
	return fresh
}

// FinalFlush reports the final total. Everything is already persisted.
func (d *Diagnostics) FinalFlush() int {
	total := len(d.logger.Logs())
	d.log.Info("event log final count", "total", total, "attempt_id", d.logger.AttemptID())
	return total
}
