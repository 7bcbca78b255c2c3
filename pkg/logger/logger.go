/*
Copyright 2025 Flant JSC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/deckhouse/deckhouse/pkg/log"
)

// Output selects where log records are written.
type Output string

const (
	Stdout  Output = "stdout"
	Stderr  Output = "stderr"
	Discard Output = "discard"
)

// NewLogger builds the root logger from textual settings.
// Unknown levels fall back to info, unknown outputs to stdout.
func NewLogger(level, output string, debugVerbosity int) *log.Logger {
	return log.NewLogger(log.Options{
		Level:  parseLevel(level, debugVerbosity),
		Output: parseOutput(output),
	})
}

// SetDefaultLogger installs l as the process default for both log and slog.
func SetDefaultLogger(l *log.Logger) {
	log.SetDefault(l)
	slog.SetDefault(slog.New(l.Handler()))
}

func parseLevel(level string, debugVerbosity int) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		if debugVerbosity > 0 {
			return slog.LevelDebug - slog.Level(debugVerbosity)
		}
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseOutput(output string) io.Writer {
	switch Output(strings.ToLower(strings.TrimSpace(output))) {
	case Discard:
		return io.Discard
	case Stderr:
		return os.Stderr
	default:
		return os.Stdout
	}
}

type ctxKey struct{}

// ToContext stores a logger in ctx.
func ToContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}
