package ingest

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sentinelstack/sentinel-heal/internal/models"
)

// Line patterns tried in order after the JSON fast path.
var (
	apachePattern = regexp.MustCompile(`^(\S+) \S+ \S+ \[([^\]]+)\] "([^"]*)" (\d+) (\d+)`)
	nginxPattern  = regexp.MustCompile(`^(\S+) - \S+ \[([^\]]+)\] "([^"]*)" (\d+) (\d+)`)
	syslogPattern = regexp.MustCompile(`^(\w+\s+\d+\s+\d+:\d+:\d+)\s+(\S+)\s+(\S+):\s+(.*)$`)
	appLogPattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2},\d+)\s+-\s+(\w+)\s+-\s+(.*)$`)
	continuation  = regexp.MustCompile(`^\s+(at\s+|Traceback|File\s+"|Caused by:|\.\.\.)`)
)

var levelKeywords = []struct {
	level    models.LogLevel
	keywords []string
}{
	{models.LevelDebug, []string{"debug", "trace", "verbose"}},
	{models.LevelInfo, []string{"info", "information"}},
	{models.LevelWarning, []string{"warn", "warning"}},
	{models.LevelError, []string{"error", "err", "fail", "failed", "failure"}},
	{models.LevelCritical, []string{"critical", "fatal", "panic", "emergency"}},
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05,000",
	"2006-01-02 15:04:05",
	"02/Jan/2006:15:04:05 -0700",
}

// ParseLine turns one raw log line into a LogRecord. JSON objects are
// unmarshalled field by field; well-known text formats are matched next;
// anything else becomes a plain record with a level sniffed from the message.
func ParseLine(raw, source string) models.LogRecord {
	trimmed := strings.TrimSpace(raw)

	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		if rec, ok := parseJSONLine(trimmed, source); ok {
			return rec
		}
	}

	if m := apachePattern.FindStringSubmatch(raw); m != nil {
		return parseAccessLine(m, source)
	}
	if m := nginxPattern.FindStringSubmatch(raw); m != nil {
		return parseAccessLine(m, source)
	}
	if m := syslogPattern.FindStringSubmatch(raw); m != nil {
		return models.LogRecord{
			Timestamp: parseTimestamp(m[1]),
			Level:     detectLevel(m[4]),
			Message:   m[4],
			Source:    firstNonEmpty(source, m[2]),
			Service:   m[3],
		}
	}
	if m := appLogPattern.FindStringSubmatch(raw); m != nil {
		return models.LogRecord{
			Timestamp: parseTimestamp(m[1]),
			Level:     extractLevel(m[2]),
			Message:   m[3],
			Source:    source,
		}
	}

	return models.LogRecord{
		Timestamp: time.Now().UTC(),
		Level:     detectLevel(raw),
		Message:   raw,
		Source:    source,
	}
}

// ParseMultiline splits a blob of raw log text into records, folding stack
// trace continuation lines into the record that started them.
func ParseMultiline(raw, source string) []models.LogRecord {
	var records []models.LogRecord
	var current []string

	flush := func() {
		if len(current) == 0 {
			return
		}
		records = append(records, ParseLine(strings.Join(current, "\n"), source))
		current = nil
	}

	for _, line := range strings.Split(raw, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if continuation.MatchString(line) && len(current) > 0 {
			current = append(current, line)
			continue
		}
		flush()
		current = []string{line}
	}
	flush()

	return records
}

func parseJSONLine(raw, source string) (models.LogRecord, bool) {
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return models.LogRecord{}, false
	}

	rec := models.LogRecord{
		Timestamp: parseTimestampValue(firstKey(data, "timestamp", "time", "@timestamp")),
		Level:     extractLevel(stringKey(data, "level", "severity")),
		Message:   stringKey(data, "message", "msg"),
		Source:    firstNonEmpty(source, stringKey(data, "source", "logger")),
		Service:   stringKey(data, "service", "app"),
		TraceID:   stringKey(data, "trace_id", "traceId"),
	}
	if rec.Message == "" {
		rec.Message = raw
	}

	meta := make(map[string]string, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case string:
			meta[k] = val
		case float64:
			meta[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			meta[k] = strconv.FormatBool(val)
		}
	}
	if len(meta) > 0 {
		rec.Metadata = meta
	}
	return rec, true
}

// parseAccessLine handles apache and nginx access formats, which share group
// layout: remote host, timestamp, request, status, bytes.
func parseAccessLine(m []string, source string) models.LogRecord {
	status, _ := strconv.Atoi(m[4])
	level := models.LevelInfo
	if status >= 400 {
		level = models.LevelError
	}
	return models.LogRecord{
		Timestamp: parseTimestamp(m[2]),
		Level:     level,
		Message:   m[3] + " - " + m[4],
		Source:    firstNonEmpty(source, m[1]),
		Metadata:  map[string]string{"status_code": m[4], "bytes": m[5]},
	}
}

func parseTimestampValue(v any) time.Time {
	switch ts := v.(type) {
	case nil:
		return time.Now().UTC()
	case float64:
		return time.Unix(int64(ts), 0).UTC()
	case string:
		return parseTimestamp(ts)
	default:
		return time.Now().UTC()
	}
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// extractLevel maps an explicit level token to a LogLevel, defaulting to
// info when the token is unknown.
func extractLevel(s string) models.LogLevel {
	token := strings.ToLower(strings.TrimSpace(s))
	for _, group := range levelKeywords {
		if token == string(group.level) {
			return group.level
		}
		for _, kw := range group.keywords {
			if token == kw {
				return group.level
			}
		}
	}
	return models.LevelInfo
}

// detectLevel sniffs a level from free-form message content, preferring the
// most severe keyword present.
func detectLevel(message string) models.LogLevel {
	lower := strings.ToLower(message)
	for i := len(levelKeywords) - 1; i >= 0; i-- {
		for _, kw := range levelKeywords[i].keywords {
			if strings.Contains(lower, kw) {
				return levelKeywords[i].level
			}
		}
	}
	return models.LevelInfo
}

func firstKey(data map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := data[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func stringKey(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := data[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
