/*
Copyright 2021 Gravitational, Inc.

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

// Package logger wraps logrus the way every broker component expects to
// find it: a package-level standard logger for early startup, and a
// context-carried entry once a component's fields (origin, action,
// correlation id) are known.
package logger

import (
	"context"
	"os"
	"strings"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Config is the TOML-loadable logging configuration.
type Config struct {
	Output   string `toml:"output"`
	Severity string `toml:"severity"`
}

type loggerKey struct{}

// Init sets up a reasonable logger for early startup, before configuration
// has been parsed.
func Init() {
	logrus.SetFormatter(&trace.TextFormatter{
		DisableTimestamp: true,
		EnableColors:     trace.IsTerminal(os.Stderr),
		ComponentPadding: 1,
	})
	logrus.SetOutput(os.Stderr)
}

// Setup applies a parsed Config to the standard logger.
func Setup(conf Config) error {
	switch conf.Output {
	case "", "stderr", "error", "2":
		logrus.SetOutput(os.Stderr)
	case "stdout", "out", "1":
		logrus.SetOutput(os.Stdout)
	default:
		logFile, err := os.OpenFile(conf.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return trace.Wrap(err, "failed to open log file")
		}
		logrus.SetOutput(logFile)
	}

	switch strings.ToLower(conf.Severity) {
	case "", "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "err", "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	default:
		return trace.BadParameter("unsupported logger severity: %q", conf.Severity)
	}
	return nil
}

// Standard returns the package-level logger.
func Standard() *logrus.Logger {
	return logrus.StandardLogger()
}

// With attaches fields to ctx's logger, returning both the derived context
// and the entry, so callers can keep logging with the same fields.
func With(ctx context.Context, fields logrus.Fields) (context.Context, *logrus.Entry) {
	entry := Get(ctx).WithFields(fields)
	return context.WithValue(ctx, loggerKey{}, entry), entry
}

// WithContext attaches an already-built entry to ctx.
func WithContext(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, entry)
}

// Get returns ctx's logger, or the standard logger if none was attached.
func Get(ctx context.Context) *logrus.Entry {
	if entry, ok := ctx.Value(loggerKey{}).(*logrus.Entry); ok && entry != nil {
		return entry
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
