/*
Copyright 2025 Supabase, Inc.

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

// Package logutils provides small helpers on top of log/slog.
package logutils

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/supabase/storage-sub002"
)

// NewPackageLogger returns a logger scoped to the given component name.
// Packages declare one at file scope and derive request loggers from it.
func NewPackageLogger(component string) *slog.Logger {
	return slog.Default().With(storage.ComponentKey, component)
}

// Init configures the default slog logger with the given minimum level
// ("debug", "info", "warn", "error"; anything else means info) writing JSON
// to stderr. Called once from the entrypoint.
func Init(level string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	})))
}

// InitForTests silences the default logger so test output stays readable.
func InitForTests() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
