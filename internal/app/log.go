package app

import (
	"log/slog"
	"time"
)

// MaxLogs bounds the activity log.
const MaxLogs = 1000

type Level int

const (
	Info Level = iota
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "INFO"
	}
}

// LogLine is one entry of the activity log shown to the user.
type LogLine struct {
	At      time.Time
	Level   Level
	Message string
}

// Log is the user-visible activity log. Every entry is also written to the
// diagnostic logger.
type Log struct {
	lines  []LogLine
	total  int
	logger *slog.Logger
	now    func() time.Time
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger, now: time.Now}
}

func (l *Log) Add(level Level, msg string) {
	l.lines = append(l.lines, LogLine{At: l.now(), Level: level, Message: msg})
	l.total++
	if over := len(l.lines) - MaxLogs; over > 0 {
		l.lines = append([]LogLine(nil), l.lines[over:]...)
	}
	switch level {
	case Warn:
		l.logger.Warn(msg, "src", "activity")
	case Error:
		l.logger.Error(msg, "src", "activity")
	default:
		l.logger.Info(msg, "src", "activity")
	}
}

func (l *Log) Lines() []LogLine {
	return append([]LogLine(nil), l.lines...)
}

// Tail returns the last n lines.
func (l *Log) Tail(n int) []LogLine {
	if n <= 0 || n >= len(l.lines) {
		return l.Lines()
	}
	return append([]LogLine(nil), l.lines[len(l.lines)-n:]...)
}

// Since returns the lines added after the first seen ones, plus the new
// mark. Lines dropped by the ring or by Clear are skipped.
func (l *Log) Since(seen int) ([]LogLine, int) {
	fresh := l.total - seen
	if fresh <= 0 {
		return nil, l.total
	}
	if fresh > len(l.lines) {
		fresh = len(l.lines)
	}
	return append([]LogLine(nil), l.lines[len(l.lines)-fresh:]...), l.total
}

func (l *Log) Len() int {
	return len(l.lines)
}

func (l *Log) Clear() {
	l.lines = nil
}
