// Copyright 2025 CERN/Switzerland
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

// Package logger provides the process-wide leveled logger. All components log
// through the package-level functions; the handler, severity and sink are
// configured once at startup from the mount configuration.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelTrace sits below slog.LevelDebug; the MD and cap code logs wire dumps
// at this severity.
const LevelTrace slog.Level = slog.LevelDebug - 4

const (
	textFormat = "text"
	jsonFormat = "json"
)

type loggerFactory struct {
	// If file is set, log to this path with rotation; otherwise to stderr.
	file            string
	format          string
	level           *slog.LevelVar
	logRotateMaxMB  int
	logRotateCount  int
	logRotateCompress bool
}

var (
	mu            sync.Mutex
	factory       = &loggerFactory{format: textFormat, level: new(slog.LevelVar)}
	defaultLogger = slog.New(factory.handler(os.Stderr, ""))
)

// Config carries the subset of the mount configuration the logger needs.
type Config struct {
	FilePath string
	Format   string // "text" or "json"
	Severity string // TRACE, DEBUG, INFO, WARNING, ERROR, OFF
	RotateMaxMB   int
	RotateCount   int
	RotateCompress bool
}

// Setup installs the process logger. Called once from the mount command
// before any component starts.
func Setup(c Config) error {
	mu.Lock()
	defer mu.Unlock()

	factory = &loggerFactory{
		file:              c.FilePath,
		format:            strings.ToLower(c.Format),
		level:             new(slog.LevelVar),
		logRotateMaxMB:    c.RotateMaxMB,
		logRotateCount:    c.RotateCount,
		logRotateCompress: c.RotateCompress,
	}
	if err := setLevel(c.Severity, factory.level); err != nil {
		return err
	}

	var sink io.Writer = os.Stderr
	if factory.file != "" {
		sink = &lumberjack.Logger{
			Filename:   factory.file,
			MaxSize:    factory.logRotateMaxMB,
			MaxBackups: factory.logRotateCount,
			Compress:   factory.logRotateCompress,
		}
	}
	defaultLogger = slog.New(factory.handler(sink, ""))
	return nil
}

func setLevel(severity string, lv *slog.LevelVar) error {
	switch strings.ToUpper(severity) {
	case "TRACE":
		lv.Set(LevelTrace)
	case "DEBUG":
		lv.Set(slog.LevelDebug)
	case "", "INFO":
		lv.Set(slog.LevelInfo)
	case "WARNING", "WARN":
		lv.Set(slog.LevelWarn)
	case "ERROR":
		lv.Set(slog.LevelError)
	case "OFF":
		lv.Set(slog.LevelError + 256)
	default:
		return fmt.Errorf("unknown log severity %q", severity)
	}
	return nil
}

// handler builds a text or JSON slog handler writing to w, with an optional
// message prefix (used by tests).
func (f *loggerFactory) handler(w io.Writer, prefix string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: f.level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Render the severity column with the TRACE pseudo-level.
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			if prefix != "" && a.Key == slog.MessageKey {
				a.Value = slog.StringValue(prefix + a.Value.String())
			}
			return a
		},
	}
	if f.format == jsonFormat {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func logf(level slog.Level, format string, v ...any) {
	l := defaultLogger
	if !l.Enabled(context.Background(), level) {
		return
	}
	l.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

func Tracef(format string, v ...any) { logf(LevelTrace, format, v...) }
func Debugf(format string, v ...any) { logf(slog.LevelDebug, format, v...) }
func Infof(format string, v ...any)  { logf(slog.LevelInfo, format, v...) }
func Warnf(format string, v ...any)  { logf(slog.LevelWarn, format, v...) }
func Errorf(format string, v ...any) { logf(slog.LevelError, format, v...) }

// Fatal logs at error severity and exits the process with status 1.
func Fatal(format string, v ...any) {
	logf(slog.LevelError, format, v...)
	os.Exit(1)
}
