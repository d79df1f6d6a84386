// Package logging implements the unified log line format of spec §6:
//
//	YYYY-MM-DD HH:MM:SS | LEVEL | IMPORTANCE | message
//
// The teacher repo never imports a structured logging library -- every
// log call site in ihavespoons-zrok is a bare fmt.Printf/fmt.Println --
// so this package follows the same idiom instead of reaching for zap,
// logrus, or slog: a small io.Writer wrapper plus a parser that also
// accepts the legacy 3-part and dash-separated forms.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level string

const (
	Debug    Level = "DEBUG"
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

// defaultImportance derives IMPORTANCE from LEVEL when the caller does
// not supply one explicitly, per spec §6.
func defaultImportance(l Level) int {
	switch l {
	case Debug:
		return 2
	case Info:
		return 4
	case Warning:
		return 6
	case Error:
		return 8
	case Critical:
		return 10
	default:
		return 4
	}
}

// Logger writes unified-format lines to an underlying writer. It is
// safe for concurrent use; each worker process owns one Logger.
type Logger struct {
	mu  sync.Mutex
	out io.Writer
	tag string
}

// New creates a Logger writing to w. tag is an optional prefix
// (e.g. the worker name) prepended to every message.
func New(w io.Writer, tag string) *Logger {
	return &Logger{out: w, tag: tag}
}

// Default returns a Logger writing to os.Stderr, matching the teacher's
// habit of printing straight to the terminal.
func Default(tag string) *Logger {
	return New(os.Stderr, tag)
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if strings.Contains(msg, "|") {
		// The '|' character is disallowed in message (spec §6).
		msg = strings.ReplaceAll(msg, "|", "/")
	}
	if l.tag != "" {
		msg = l.tag + ": " + msg
	}
	line := fmt.Sprintf("%s | %s | %d | %s\n",
		time.Now().Format("2006-01-02 15:04:05"), level, defaultImportance(level), msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.out, line)
}

func (l *Logger) Debugf(format string, args ...interface{})    { l.log(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})     { l.log(Info, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})     { l.log(Warning, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{})    { l.log(Error, format, args...) }
func (l *Logger) Criticalf(format string, args ...interface{}) { l.log(Critical, format, args...) }

// Line is a parsed log line.
type Line struct {
	Time       time.Time
	Level      Level
	Importance int
	Message    string
}

// Parse parses one line in any of the three accepted forms:
//
//	"2026-01-02 15:04:05 | INFO | 4 | message"   (unified, importance explicit)
//	"2026-01-02 15:04:05 | INFO | message"       (legacy 3-part, importance derived)
//	"2026-01-02 15:04:05 - INFO - message"       (legacy dash-separated)
func Parse(raw string) (*Line, error) {
	raw = strings.TrimRight(raw, "\n")
	sep := "|"
	parts := strings.Split(raw, "|")
	if len(parts) < 3 {
		sep = " - "
		parts = splitDash(raw)
	}
	if len(parts) < 3 {
		return nil, fmt.Errorf("logging: cannot parse line (sep=%q): %q", sep, raw)
	}

	fields := make([]string, len(parts))
	for i := range parts {
		fields[i] = strings.TrimSpace(parts[i])
	}

	ts, err := time.Parse("2006-01-02 15:04:05", fields[0])
	if err != nil {
		return nil, fmt.Errorf("logging: bad timestamp %q: %w", fields[0], err)
	}
	level := Level(strings.ToUpper(fields[1]))

	var importance int
	var message string
	if len(parts) >= 4 {
		if n, err := strconv.Atoi(fields[2]); err == nil {
			importance = n
			message = strings.TrimSpace(strings.Join(parts[3:], sep))
		} else {
			importance = defaultImportance(level)
			message = strings.TrimSpace(strings.Join(parts[2:], sep))
		}
	} else {
		importance = defaultImportance(level)
		message = fields[2]
	}

	return &Line{Time: ts, Level: level, Importance: importance, Message: message}, nil
}

// splitDash splits the legacy "TIMESTAMP - LEVEL - message" form. A
// plain strings.Split on "-" would also break the timestamp's date
// dashes, so this only splits on " - " (dash surrounded by spaces).
func splitDash(raw string) []string {
	return strings.Split(raw, " - ")
}

// ScanLines reads unified-format (or legacy) log lines from r, calling
// fn for each successfully parsed line. Malformed lines are skipped.
func ScanLines(r io.Reader, fn func(*Line)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line, err := Parse(scanner.Text())
		if err != nil {
			continue
		}
		fn(line)
	}
	return scanner.Err()
}
