package config

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and carries full wire payloads:
// JSON-RPC frames and provider request/response bodies. Enable it only
// when chasing a protocol mismatch with a specific server; at this level
// every tool call logs its complete traffic. The value -8 matches the
// Trace convention other slog-extending projects use.
const LevelTrace = slog.Level(-8)

// levelNames maps accepted config strings onto slog levels. "warning" is
// accepted as an alias because MCP server configs written for other
// clients commonly use it.
var levelNames = map[string]slog.Level{
	"":        slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel converts the log_level config string to an [slog.Level].
// Matching is case-insensitive and trims whitespace; the empty string
// means info.
func ParseLogLevel(s string) (slog.Level, error) {
	level, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		names := make([]string, 0, len(levelNames))
		for name := range levelNames {
			if name != "" && name != "warning" {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: %s)", s, strings.Join(names, ", "))
	}
	return level, nil
}

// ReplaceLogLevelNames is an [slog.HandlerOptions.ReplaceAttr] function
// that renders [LevelTrace] as "TRACE". slog knows nothing about custom
// levels and would print "DEBUG-4" otherwise.
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// NewLogger builds the process logger: a text handler on w honoring the
// custom trace level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: ReplaceLogLevelNames,
	}))
}
