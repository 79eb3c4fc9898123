package ingest

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/sentinelstack/sentinel-heal/internal/models"
)

// MockGenerator produces synthetic telemetry for demos and tests. All
// randomness goes through one source so runs can be made reproducible.
type MockGenerator struct {
	rng *rand.Rand
}

// NewMockGenerator seeds a generator. A zero seed uses the current time.
func NewMockGenerator(seed int64) *MockGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &MockGenerator{rng: rand.New(rand.NewSource(seed))}
}

var mockServices = []string{
	"api-gateway", "auth-service", "user-service", "payment-service",
	"inventory-service", "order-service", "notification-service",
	"cache-service", "database-proxy", "load-balancer",
}

// Each template takes exactly two integer arguments.
var mockErrorTemplates = map[string][]string{
	"database": {
		"Connection refused to database server at 10.0.%d.%d:5432",
		"Database connection pool exhausted - in use %d of %d",
		"Query timeout after %dms on shard %d: SELECT * FROM users WHERE...",
		"Deadlock detected between transactions tx-%d and tx-%d",
		"Replication lag %dms exceeded threshold %dms",
	},
	"memory": {
		"OutOfMemoryError: Java heap space after %d allocations (attempt %d)",
		"Memory allocation failed: requested %dMB, available %dMB",
		"GC overhead limit exceeded - heap usage at %d%% after %d cycles",
		"OOM killer invoked for process %d (score %d)",
		"Memory leak detected in ConnectionPool: %dMB/hour over %dh",
	},
	"network": {
		"Connection reset by peer: 10.0.%d.%d",
		"DNS resolution failed for db-primary-%d after %d retries",
		"Socket timeout connecting to upstream: %dms (attempt %d)",
		"SSL handshake failed: certificate expired %d days ago (retry %d)",
		"Connection refused: 10.0.%d.%d:8080",
	},
	"service": {
		"Service upstream returned HTTP 50%d after %dms",
		"Circuit breaker OPEN for payment-service (window %d, failures %d)",
		"Request timed out after %dms (attempt %d)",
		"Service unavailable, attempt %d of %d",
		"Rate limit exceeded: %d/s over limit %d/s",
	},
	"disk": {
		"No space left on device: /var/log (inode %d, block %d)",
		"Disk quota exceeded for user user_%d: %dMB over",
		"I/O error on device sda%d: read error at sector %d",
		"Filesystem ext4 is read-only (mount %d, errno %d)",
		"Disk usage critical: /data at %d%% with %dGB free",
	},
}

var mockInfoTemplates = []string{
	"Request processed successfully in %dms",
	"User %d logged in",
	"Cache hit for key cache:user:%d",
	"Health check passed (%dms)",
	"Configuration reloaded, revision %d",
	"Scheduled job completed in %ds",
}

// Log produces one record. Empty level picks a weighted random one; empty
// errorType picks a random error category for error-level records.
func (g *MockGenerator) Log(level models.LogLevel, errorType, service string) models.LogRecord {
	if level == "" {
		level = g.weightedLevel()
	}
	if service == "" {
		service = mockServices[g.rng.Intn(len(mockServices))]
	}

	var message string
	if level == models.LevelError || level == models.LevelCritical {
		if errorType == "" {
			keys := make([]string, 0, len(mockErrorTemplates))
			for k := range mockErrorTemplates {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			errorType = keys[g.rng.Intn(len(keys))]
		}
		templates := mockErrorTemplates[errorType]
		message = fmt.Sprintf(templates[g.rng.Intn(len(templates))], g.rng.Intn(250)+1, g.rng.Intn(250)+1)
	} else {
		message = fmt.Sprintf(mockInfoTemplates[g.rng.Intn(len(mockInfoTemplates))], g.rng.Intn(500)+1)
	}

	return models.LogRecord{
		Timestamp: time.Now().UTC().Add(-time.Duration(g.rng.Intn(300)) * time.Second),
		Level:     level,
		Message:   message,
		Service:   service,
		Source:    fmt.Sprintf("%s-%d", service, g.rng.Intn(5)+1),
	}
}

// Logs produces count records sorted by timestamp; errorRate in [0,1]
// controls the share of error/critical records.
func (g *MockGenerator) Logs(count int, errorRate float64, service string) []models.LogRecord {
	logs := make([]models.LogRecord, 0, count)
	for i := 0; i < count; i++ {
		var level models.LogLevel
		if g.rng.Float64() < errorRate {
			if g.rng.Intn(4) == 0 {
				level = models.LevelCritical
			} else {
				level = models.LevelError
			}
		} else {
			level = g.weightedLevel()
			if level == models.LevelError || level == models.LevelCritical {
				level = models.LevelInfo
			}
		}
		logs = append(logs, g.Log(level, "", service))
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].Timestamp.Before(logs[j].Timestamp) })
	return logs
}

// Snapshot produces one metrics snapshot. stress 0 is normal operation,
// stress 1 pushes every canonical metric into its critical band.
func (g *MockGenerator) Snapshot(stress float64) models.MetricsSnapshot {
	cpu := g.uniform(20, 40) + stress*50
	memory := g.uniform(40, 60) + stress*35
	latency := g.uniform(50, 150) + stress*2000
	errRate := g.uniform(0.001, 0.01) + stress*0.15
	throughput := g.uniform(1000, 5000) * (1 - stress*0.5)

	return models.MetricsSnapshot{
		Timestamp:     time.Now().UTC(),
		CPUPercent:    models.Float64(min(99, cpu)),
		MemoryPercent: models.Float64(min(99, memory)),
		LatencyMS:     models.Float64(max(10, latency)),
		ErrorRate:     models.Float64(max(0, min(1, errRate))),
		Throughput:    models.Float64(max(100, throughput)),
	}
}

// Series produces a time series one minute apart, ramping stress up from
// incidentAt and back down from recoveryAt. Negative indices disable the
// corresponding phase.
func (g *MockGenerator) Series(count, incidentAt, recoveryAt int) []models.MetricsSnapshot {
	snapshots := make([]models.MetricsSnapshot, 0, count)
	stress := 0.0

	for i := 0; i < count; i++ {
		if incidentAt >= 0 && i >= incidentAt {
			if recoveryAt >= 0 && i >= recoveryAt {
				stress = max(0, stress-0.15)
			} else {
				stress = min(1, stress+0.2)
			}
		}
		snap := g.Snapshot(stress)
		snap.Timestamp = time.Now().UTC().Add(-time.Duration(count-i) * time.Minute)
		snapshots = append(snapshots, snap)
	}
	return snapshots
}

// Scenario bundles the telemetry for one synthetic failure mode.
type Scenario struct {
	Title       string
	Description string
	Severity    models.Severity
	Logs        []models.LogRecord
	Snapshots   []models.MetricsSnapshot
}

// ScenarioNames lists the failure modes Scenario can synthesize.
func ScenarioNames() []string {
	return []string{"database", "memory_leak", "latency_spike", "service_outage", "disk_full"}
}

// Scenario synthesizes a named failure mode, or a random one for an empty
// or unknown name.
func (g *MockGenerator) Scenario(name string) Scenario {
	switch name {
	case "database":
		return Scenario{
			Title:       "Database Connection Pool Exhausted",
			Description: "Multiple services reporting database connection failures",
			Severity:    models.SeverityHigh,
			Logs:        g.Logs(30, 0.6, ""),
			Snapshots:   g.Series(15, 10, -1),
		}
	case "memory_leak":
		logs := g.Logs(40, 0.4, "")
		for i := 0; i < 5; i++ {
			logs = append(logs, g.Log(models.LevelCritical, "memory", ""))
		}
		sort.Slice(logs, func(i, j int) bool { return logs[i].Timestamp.Before(logs[j].Timestamp) })
		return Scenario{
			Title:       "Memory Leak Detected - OOM Errors",
			Description: "Services experiencing out of memory errors with increasing frequency",
			Severity:    models.SeverityCritical,
			Logs:        logs,
			Snapshots:   g.Series(20, 8, -1),
		}
	case "latency_spike":
		return Scenario{
			Title:       "API Latency Spike",
			Description: "Response times exceeding SLA thresholds",
			Severity:    models.SeverityMedium,
			Logs:        g.Logs(25, 0.3, ""),
			Snapshots:   g.Series(15, 5, 12),
		}
	case "service_outage":
		service := mockServices[g.rng.Intn(len(mockServices))]
		return Scenario{
			Title:       "Service Outage: " + service,
			Description: service + " is returning 5xx errors and failing health checks",
			Severity:    models.SeverityCritical,
			Logs:        g.Logs(50, 0.7, service),
			Snapshots:   g.Series(20, 5, -1),
		}
	case "disk_full":
		logs := g.Logs(20, 0.5, "")
		for i := 0; i < 8; i++ {
			logs = append(logs, g.Log(models.LevelCritical, "disk", ""))
		}
		sort.Slice(logs, func(i, j int) bool { return logs[i].Timestamp.Before(logs[j].Timestamp) })
		return Scenario{
			Title:       "Disk Space Critical",
			Description: "Log partition approaching 100% usage",
			Severity:    models.SeverityHigh,
			Logs:        logs,
			Snapshots:   g.Series(15, 10, -1),
		}
	default:
		names := ScenarioNames()
		return g.Scenario(names[g.rng.Intn(len(names))])
	}
}

func (g *MockGenerator) weightedLevel() models.LogLevel {
	switch n := g.rng.Intn(100); {
	case n < 10:
		return models.LevelDebug
	case n < 70:
		return models.LevelInfo
	case n < 85:
		return models.LevelWarning
	case n < 97:
		return models.LevelError
	default:
		return models.LevelCritical
	}
}

func (g *MockGenerator) uniform(lo, hi float64) float64 {
	return lo + g.rng.Float64()*(hi-lo)
}
