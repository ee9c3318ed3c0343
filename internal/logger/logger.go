// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the Tracer's leveled, structured logging. It sits
// below every other package: the Dispatcher's "unknown syscall" warning, the
// namespace resolver's failures, and the CLI's own diagnostics all
// log through here instead of the bare "log" package.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Severity names accepted by --debug=level:X and TRACER_DEBUG_FLAGS.
const (
	OFF     = "OFF"
	ERROR   = "ERROR"
	WARNING = "WARNING"
	INFO    = "INFO"
	DEBUG   = "DEBUG"
	TRACE   = "TRACE"
)

// Custom slog levels. slog only defines Debug/Info/Warn/Error; the Tracer
// additionally wants a TRACE level below Debug and an OFF ceiling above Error.
const (
	LevelTrace slog.Level = -8
	LevelDebug slog.Level = slog.LevelDebug
	LevelInfo  slog.Level = slog.LevelInfo
	LevelWarn  slog.Level = slog.LevelWarn
	LevelError slog.Level = slog.LevelError
	LevelOff   slog.Level = 16
)

var severityLevel = map[string]slog.Level{
	TRACE:   LevelTrace,
	DEBUG:   LevelDebug,
	INFO:    LevelInfo,
	WARNING: LevelWarn,
	ERROR:   LevelError,
	OFF:     LevelOff,
}

// levelNames renders our custom levels the way the Tracer's log lines spell
// them, since slog's default names stop at ERROR.
var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARNING",
	LevelError: "ERROR",
}

type loggerFactory struct {
	format string // "text" or "json"
	prefix string
}

func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.LevelKey:
				level, _ := a.Value.Any().(slog.Level)
				a.Key = "severity"
				if name, ok := levelNames[level]; ok {
					a.Value = slog.StringValue(name)
				}
			case slog.MessageKey:
				a.Value = slog.StringValue(prefix + a.Value.String())
			case slog.TimeKey:
				a.Key = "timestamp"
			}
			return a
		},
	}

	if f.format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

var (
	mu                   sync.Mutex
	defaultLoggerFactory = &loggerFactory{format: "text"}
	programLevel         = new(slog.LevelVar)
	defaultLogger        = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, programLevel, ""))
)

// setLoggingLevel maps a configured severity name onto a slog.LevelVar; an
// unrecognized name is treated as INFO.
func setLoggingLevel(severity string, level *slog.LevelVar) {
	l, ok := severityLevel[severity]
	if !ok {
		l = LevelInfo
	}
	level.Set(l)
}

// Init configures the package-level logger for the process lifetime: format
// is "text" or "json", severity is one of the constants above, and w is the
// sink (typically os.Stderr, or an *AsyncLogger wrapping a lumberjack file).
func Init(w io.Writer, format string, severity string) {
	mu.Lock()
	defer mu.Unlock()

	defaultLoggerFactory = &loggerFactory{format: format}
	programLevel = new(slog.LevelVar)
	setLoggingLevel(severity, programLevel)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, programLevel, ""))
}

func log(ctx context.Context, level slog.Level, format string, v ...any) {
	mu.Lock()
	l := defaultLogger
	mu.Unlock()
	if !l.Enabled(ctx, level) {
		return
	}
	l.Log(ctx, level, fmt.Sprintf(format, v...))
}

func Tracef(format string, v ...any) { log(context.Background(), LevelTrace, format, v...) }
func Debugf(format string, v ...any) { log(context.Background(), LevelDebug, format, v...) }
func Infof(format string, v ...any)  { log(context.Background(), LevelInfo, format, v...) }
func Warnf(format string, v ...any)  { log(context.Background(), LevelWarn, format, v...) }
func Errorf(format string, v ...any) { log(context.Background(), LevelError, format, v...) }

// Fatalf logs at ERROR severity and terminates the process. Reserved for the
// Tracer-internal fatal errors of spec §7 (attach/fork/channel-map failure).
func Fatalf(format string, v ...any) {
	log(context.Background(), LevelError, format, v...)
	os.Exit(1)
}
