// Package krblog provides logging with areas and verbosity control for Kerberos components.
package krblog

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Area identifies different logging areas for filtering.
type Area int

const (
	AreaGeneral Area = iota
	AreaKDC
	AreaCrypto
	AreaCache
	AreaClient
	AreaService
	AreaPAC
	AreaTransport
)

var areaNames = [...]string{
	AreaGeneral:   "general",
	AreaKDC:       "kdc",
	AreaCrypto:    "crypto",
	AreaCache:     "cache",
	AreaClient:    "client",
	AreaService:   "service",
	AreaPAC:       "pac",
	AreaTransport: "transport",
}

func (a Area) String() string {
	if int(a) < len(areaNames) {
		return areaNames[a]
	}
	return "unknown"
}

// Logger provides logging with areas and verbosity control.
// A nil *Logger discards everything.
type Logger struct {
	out    *logrus.Logger
	fields logrus.Fields

	set *settings
}

// settings are shared between a logger and the loggers derived from it.
type settings struct {
	mu        sync.RWMutex
	verbosity int           // 0=errors only, 1=info, 2=debug, 3=trace
	areas     map[Area]bool // nil means all areas enabled
}

// New creates a new logger. If output is nil, logging is disabled.
func New(output io.Writer) *Logger {
	if output == nil {
		return nil
	}
	out := logrus.New()
	out.SetOutput(output)
	out.SetLevel(logrus.TraceLevel)
	out.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05",
	})
	return &Logger{
		out: out,
		set: &settings{verbosity: 1},
	}
}

// SetVerbosity sets the verbosity level (0-3).
func (l *Logger) SetVerbosity(level int) {
	if l == nil {
		return
	}
	l.set.mu.Lock()
	l.set.verbosity = level
	l.set.mu.Unlock()
}

// EnableArea enables logging for a specific area. Once any area is enabled
// explicitly, only enabled areas are logged.
func (l *Logger) EnableArea(area Area) {
	if l == nil {
		return
	}
	l.set.mu.Lock()
	defer l.set.mu.Unlock()
	if l.set.areas == nil {
		l.set.areas = make(map[Area]bool)
	}
	l.set.areas[area] = true
}

// DisableArea disables logging for a specific area.
func (l *Logger) DisableArea(area Area) {
	if l == nil {
		return
	}
	l.set.mu.Lock()
	defer l.set.mu.Unlock()
	if l.set.areas == nil {
		return
	}
	delete(l.set.areas, area)
}

// WithField returns a logger that adds key=value to every line.
// Verbosity and area settings are shared with the parent.
func (l *Logger) WithField(key string, value any) *Logger {
	if l == nil {
		return nil
	}
	fields := make(logrus.Fields, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Logger{
		out:    l.out,
		fields: fields,
		set:    l.set,
	}
}

func (l *Logger) shouldLog(area Area, level int) bool {
	if l == nil || l.out == nil {
		return false
	}
	l.set.mu.RLock()
	defer l.set.mu.RUnlock()
	if level > l.set.verbosity {
		return false
	}
	if l.set.areas != nil && !l.set.areas[area] {
		return false
	}
	return true
}

var levels = [...]logrus.Level{logrus.ErrorLevel, logrus.InfoLevel, logrus.DebugLevel, logrus.TraceLevel}

func (l *Logger) log(area Area, level int, format string, args ...any) {
	if !l.shouldLog(area, level) {
		return
	}
	e := l.out.WithField("area", area.String())
	if len(l.fields) > 0 {
		e = e.WithFields(l.fields)
	}
	e.Logf(levels[level], format, args...)
}

// Errorf logs a message that is always shown when logging is enabled.
func (l *Logger) Errorf(area Area, format string, args ...any) {
	l.log(area, 0, format, args...)
}

// Printf logs a general message at info level.
func (l *Logger) Printf(area Area, format string, args ...any) {
	l.log(area, 1, format, args...)
}

// Debugf logs a debug message.
func (l *Logger) Debugf(area Area, format string, args ...any) {
	l.log(area, 2, format, args...)
}

// Tracef logs a trace message (most verbose).
func (l *Logger) Tracef(area Area, format string, args ...any) {
	l.log(area, 3, format, args...)
}

// Fatalf logs and exits.
func (l *Logger) Fatalf(format string, args ...any) {
	if l != nil && l.out != nil {
		e := l.out.WithField("area", AreaGeneral.String())
		if len(l.fields) > 0 {
			e = e.WithFields(l.fields)
		}
		e.Logf(logrus.ErrorLevel, "FATAL: "+format, args...)
	}
	os.Exit(1)
}
