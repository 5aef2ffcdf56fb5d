package logger

import (
	"fmt"
	"sort"
	"strings"
)

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorCyan   = "\033[36m"
	colorRed    = "\033[91m"
	colorYellow = "\033[93m"
	colorGray   = "\033[90m"
)

const (
	serviceWidth = 20
	levelWidth   = 9
)

var levelIcons = map[Level]string{
	LevelDebug: "◦",
	LevelInfo:  "ℹ",
	LevelWarn:  "⚠",
	LevelError: "✗",
}

var levelColors = map[Level]string{
	LevelDebug: colorGray,
	LevelInfo:  colorGreen,
	LevelWarn:  colorYellow,
	LevelError: colorRed,
}

// format renders one console line:
// [time] [service] [icon LEVEL] message (key: value, ...)
func (s *sink) format(level Level, e LogEntry) string {
	service := e.Service
	if len(service) > serviceWidth {
		service = service[:serviceWidth-1] + "…"
	}
	lvl := fmt.Sprintf("%-*s", levelWidth, levelIcons[level]+" "+level.String())

	var b strings.Builder
	if s.color {
		b.WriteString(colorCyan)
	}
	fmt.Fprintf(&b, "[%s] [%-*s] [", e.Time.Format("2006-01-02 15:04:05.000"), serviceWidth, service)
	if s.color {
		b.WriteString(levelColors[level] + lvl + colorReset)
	} else {
		b.WriteString(lvl)
	}
	b.WriteString("] ")
	b.WriteString(e.Message)
	b.WriteString(formatFields(e.Fields))
	if s.color {
		b.WriteString(colorReset)
	}
	return b.String()
}

func formatFields(fields map[string]string) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + fields[k]
	}
	return " (" + strings.Join(parts, ", ") + ")"
}
