package ingest

import (
	"strings"
	"time"

	"github.com/sentinelstack/sentinel-heal/internal/models"
)

// metricAliases maps the canonical snapshot fields to the metric names
// commonly emitted for them.
var metricAliases = map[string][]string{
	"cpu":        {"cpu_percent", "cpu_usage", "cpu_utilization", "processor"},
	"memory":     {"memory_percent", "mem_usage", "ram_usage", "memory_utilization"},
	"latency":    {"latency_ms", "response_time", "duration", "elapsed"},
	"error_rate": {"error_percent", "failure_rate", "error_ratio"},
	"throughput": {"requests_per_second", "rps", "qps", "tps"},
}

// NormalizeMetrics folds a batch of metric points into one snapshot. Points
// whose name matches a canonical field (or one of its aliases) populate that
// field; later points win. Everything else lands in Custom.
func NormalizeMetrics(points []models.MetricPoint) models.MetricsSnapshot {
	snap := models.MetricsSnapshot{Timestamp: time.Now().UTC()}

	for _, pt := range points {
		name := strings.ToLower(pt.Name)
		canonical := canonicalName(name)

		switch canonical {
		case "cpu":
			snap.CPUPercent = models.Float64(pt.Value)
		case "memory":
			snap.MemoryPercent = models.Float64(pt.Value)
		case "latency":
			snap.LatencyMS = models.Float64(pt.Value)
		case "error_rate":
			snap.ErrorRate = models.Float64(pt.Value)
		case "throughput":
			snap.Throughput = models.Float64(pt.Value)
		default:
			if snap.Custom == nil {
				snap.Custom = make(map[string]float64)
			}
			snap.Custom[pt.Name] = pt.Value
		}

		if !pt.Timestamp.IsZero() && pt.Timestamp.After(snap.Timestamp) {
			snap.Timestamp = pt.Timestamp
		}
	}

	return snap
}

func canonicalName(name string) string {
	for canonical, aliases := range metricAliases {
		if name == canonical {
			return canonical
		}
		for _, alias := range aliases {
			if name == alias {
				return canonical
			}
		}
	}
	return ""
}
