package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Leveled logger shared by the docstore packages.
// - Debug/Info/Warn/Error/Fatal variants and Init(level)
// - With(key, value, ...) appends key=value context to a line

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var (
	mu     sync.RWMutex
	logger *log.Logger = log.New(os.Stdout, "", 0)
	level  Level       = LevelInfo
)

// Init sets the global log level (case-insensitive: debug, info, warn, error, fatal).
// Default level is Info.
func Init(l string) {
	mu.Lock()
	defer mu.Unlock()
	level = parseLevel(l)
}

func parseLevel(l string) Level {
	switch strings.ToLower(strings.TrimSpace(l)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal"
	default:
		return "info"
	}
}

func header(l Level) string {
	return fmt.Sprintf("%s [%s] ", time.Now().Format(time.RFC3339), strings.ToUpper(l.String()))
}

func shouldLog(l Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	return l >= level
}

func output(l Level, fields string, format string, v ...interface{}) {
	if l != LevelFatal && !shouldLog(l) {
		return
	}
	line := header(l) + fmt.Sprintf(format, v...)
	if fields != "" {
		line += " " + fields
	}
	logger.Print(line)
}

func Debugf(format string, v ...interface{}) { output(LevelDebug, "", format, v...) }
func Infof(format string, v ...interface{})  { output(LevelInfo, "", format, v...) }
func Warnf(format string, v ...interface{})  { output(LevelWarn, "", format, v...) }
func Errorf(format string, v ...interface{}) { output(LevelError, "", format, v...) }

func Fatalf(format string, v ...interface{}) {
	output(LevelFatal, "", format, v...)
	os.Exit(1)
}

// SetOutput sends log lines to w and returns the previous destination.
func SetOutput(w io.Writer) io.Writer {
	mu.Lock()
	defer mu.Unlock()
	prev := logger.Writer()
	logger.SetOutput(w)
	return prev
}

// LevelString returns the current level as text.
func LevelString() string {
	mu.RLock()
	defer mu.RUnlock()
	return level.String()
}

// Entry carries key/value context appended to every line it logs.
type Entry struct {
	fields string
}

// With starts an Entry. Arguments are alternating keys and values; a trailing
// key without a value is logged as key=?.
func With(kv ...interface{}) Entry {
	return Entry{}.With(kv...)
}

// With returns a copy of e with more fields.
func (e Entry) With(kv ...interface{}) Entry {
	var b strings.Builder
	b.WriteString(e.fields)
	for i := 0; i < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		var val interface{} = "?"
		if i+1 < len(kv) {
			val = kv[i+1]
		}
		fmt.Fprintf(&b, "%v=%v", kv[i], val)
	}
	return Entry{fields: b.String()}
}

func (e Entry) Debugf(format string, v ...interface{}) { output(LevelDebug, e.fields, format, v...) }
func (e Entry) Infof(format string, v ...interface{})  { output(LevelInfo, e.fields, format, v...) }
func (e Entry) Warnf(format string, v ...interface{})  { output(LevelWarn, e.fields, format, v...) }
func (e Entry) Errorf(format string, v ...interface{}) { output(LevelError, e.fields, format, v...) }
