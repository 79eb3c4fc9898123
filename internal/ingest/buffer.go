package ingest

import (
	"sync"
	"time"

	"github.com/sentinelstack/sentinel-heal/internal/models"
)

// TelemetryBuffer holds recent logs, metric points and snapshots in three
// independently bounded, time-ordered sequences. Entries older than the TTL
// are pruned from the front on every insert; reads never mutate.
type TelemetryBuffer struct {
	mu sync.Mutex

	logs      []models.LogRecord
	metrics   []models.MetricPoint
	snapshots []models.MetricsSnapshot

	maxLogs      int
	maxMetrics   int
	maxSnapshots int
	ttl          time.Duration

	now func() time.Time
}

// BufferOptions bound a TelemetryBuffer. Zero or negative values fall back
// to the defaults.
type BufferOptions struct {
	MaxLogs      int
	MaxMetrics   int
	MaxSnapshots int
	TTL          time.Duration
}

const (
	defaultMaxLogs      = 10000
	defaultMaxMetrics   = 10000
	defaultMaxSnapshots = 1000
	defaultTTL          = time.Hour
)

// NewTelemetryBuffer builds a buffer with the given bounds.
func NewTelemetryBuffer(opts BufferOptions) *TelemetryBuffer {
	if opts.MaxLogs <= 0 {
		opts.MaxLogs = defaultMaxLogs
	}
	if opts.MaxMetrics <= 0 {
		opts.MaxMetrics = defaultMaxMetrics
	}
	if opts.MaxSnapshots <= 0 {
		opts.MaxSnapshots = defaultMaxSnapshots
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	return &TelemetryBuffer{
		maxLogs:      opts.MaxLogs,
		maxMetrics:   opts.MaxMetrics,
		maxSnapshots: opts.MaxSnapshots,
		ttl:          opts.TTL,
		now:          time.Now,
	}
}

// AddLog appends one log record, stamping it with the current time if the
// record carries none.
func (b *TelemetryBuffer) AddLog(rec models.LogRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = b.now().UTC()
	}
	b.pruneLocked()
	b.logs = append(b.logs, rec)
	if len(b.logs) > b.maxLogs {
		b.logs = b.logs[len(b.logs)-b.maxLogs:]
	}
}

// AddLogs appends a batch of log records preserving order.
func (b *TelemetryBuffer) AddLogs(recs []models.LogRecord) {
	for _, r := range recs {
		b.AddLog(r)
	}
}

// AddMetric appends one metric point.
func (b *TelemetryBuffer) AddMetric(pt models.MetricPoint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pt.Timestamp.IsZero() {
		pt.Timestamp = b.now().UTC()
	}
	b.pruneLocked()
	b.metrics = append(b.metrics, pt)
	if len(b.metrics) > b.maxMetrics {
		b.metrics = b.metrics[len(b.metrics)-b.maxMetrics:]
	}
}

// AddSnapshot appends one system snapshot.
func (b *TelemetryBuffer) AddSnapshot(s models.MetricsSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.Timestamp.IsZero() {
		s.Timestamp = b.now().UTC()
	}
	b.pruneLocked()
	b.snapshots = append(b.snapshots, s)
	if len(b.snapshots) > b.maxSnapshots {
		b.snapshots = b.snapshots[len(b.snapshots)-b.maxSnapshots:]
	}
}

// pruneLocked drops entries older than the TTL from the front of each
// sequence. Caller holds the mutex.
func (b *TelemetryBuffer) pruneLocked() {
	cutoff := b.now().UTC().Add(-b.ttl)

	i := 0
	for i < len(b.logs) && b.logs[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.logs = append([]models.LogRecord(nil), b.logs[i:]...)
	}

	i = 0
	for i < len(b.metrics) && b.metrics[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.metrics = append([]models.MetricPoint(nil), b.metrics[i:]...)
	}

	i = 0
	for i < len(b.snapshots) && b.snapshots[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.snapshots = append([]models.MetricsSnapshot(nil), b.snapshots[i:]...)
	}
}

// RecentLogs returns up to n most recent log records, oldest first. n <= 0
// returns everything buffered.
func (b *TelemetryBuffer) RecentLogs(n int) []models.LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	src := b.logs
	if n > 0 && len(src) > n {
		src = src[len(src)-n:]
	}
	return append([]models.LogRecord(nil), src...)
}

// RecentMetrics returns up to n most recent metric points, oldest first.
func (b *TelemetryBuffer) RecentMetrics(n int) []models.MetricPoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	src := b.metrics
	if n > 0 && len(src) > n {
		src = src[len(src)-n:]
	}
	return append([]models.MetricPoint(nil), src...)
}

// RecentSnapshots returns up to n most recent snapshots, oldest first.
func (b *TelemetryBuffer) RecentSnapshots(n int) []models.MetricsSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	src := b.snapshots
	if n > 0 && len(src) > n {
		src = src[len(src)-n:]
	}
	return append([]models.MetricsSnapshot(nil), src...)
}

// LatestSnapshot returns the newest snapshot, or false when the buffer holds
// none.
func (b *TelemetryBuffer) LatestSnapshot() (models.MetricsSnapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.snapshots) == 0 {
		return models.MetricsSnapshot{}, false
	}
	return b.snapshots[len(b.snapshots)-1], true
}

// LogsSince returns the buffered records newer than since, oldest first,
// optionally restricted to one level. An empty level matches everything.
func (b *TelemetryBuffer) LogsSince(since time.Time, level models.LogLevel) []models.LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []models.LogRecord
	for _, rec := range b.logs {
		if rec.Timestamp.Before(since) {
			continue
		}
		if level != "" && rec.Level != level {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// MetricsSince returns the buffered metric points newer than since, oldest
// first, optionally restricted to one metric name. An empty name matches
// everything.
func (b *TelemetryBuffer) MetricsSince(since time.Time, name string) []models.MetricPoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []models.MetricPoint
	for _, pt := range b.metrics {
		if pt.Timestamp.Before(since) {
			continue
		}
		if name != "" && pt.Name != name {
			continue
		}
		out = append(out, pt)
	}
	return out
}

// ErrorLogs returns the buffered records at error level or above, optionally
// restricted to those newer than since. A zero since disables the cut.
func (b *TelemetryBuffer) ErrorLogs(since time.Time) []models.LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []models.LogRecord
	for _, rec := range b.logs {
		if !rec.IsErrorLevel() {
			continue
		}
		if !since.IsZero() && rec.Timestamp.Before(since) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Sizes reports the current length of each sequence.
func (b *TelemetryBuffer) Sizes() (logs, metrics, snapshots int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.logs), len(b.metrics), len(b.snapshots)
}

// Empty reports whether no telemetry of any kind is buffered.
func (b *TelemetryBuffer) Empty() bool {
	logs, metrics, snaps := b.Sizes()
	return logs == 0 && metrics == 0 && snaps == 0
}

// Clear drops all buffered telemetry.
func (b *TelemetryBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs = nil
	b.metrics = nil
	b.snapshots = nil
}
