/*
 * Copyright (c) 2024, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package pmacsvpn

import (
	"io"

	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/stacktrace"
	"github.com/sirupsen/logrus"
)

// ContextLogger adds context logging functionality to the underlying
// logging package.
type ContextLogger struct {
	*logrus.Logger
}

// LogFields is an alias for the field struct in the underlying logging
// package.
type LogFields logrus.Fields

var log = &ContextLogger{logrus.New()}

func init() {
	log.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: false,
		FullTimestamp:    true,
	})
	log.SetLevel(logrus.InfoLevel)
}

// Log returns the package logger. The console client configures its output
// and level before any connect operation runs.
func Log() *ContextLogger {
	return log
}

// SetLogOutput redirects all package logging to the given writer.
func SetLogOutput(writer io.Writer) {
	log.SetOutput(writer)
}

// SetLogVerbose raises the log level to Debug. Response bodies remain
// guarded behind Trace and are redacted before logging; see redact.go.
func SetLogVerbose(verbose bool) {
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
}

// WithContext adds a "context" field containing the caller's function name
// and source file line number. Use this function when the log has no fields.
func (logger *ContextLogger) WithContext() *logrus.Entry {
	return logger.WithFields(
		logrus.Fields{
			"context": stacktrace.GetParentFunctionName(),
		})
}

// WithContextFields adds a "context" field containing the caller's function
// name and source file line number. Any existing "context" field is renamed
// to "fields.context".
func (logger *ContextLogger) WithContextFields(fields LogFields) *logrus.Entry {
	_, ok := fields["context"]
	if ok {
		fields["fields.context"] = fields["context"]
	}
	fields["context"] = stacktrace.GetParentFunctionName()
	return logger.WithFields(logrus.Fields(fields))
}
