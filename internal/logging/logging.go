package logging

// Copyright (C) 2026  The sccache-dist Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package logging constructs the structured logger shared by all three
// sccache-dist roles, in the style of
// jesseduffield-lazydocker/pkg/log/log.go: a logrus.Entry carrying a
// per-process role field, JSON-formatted, level controlled by environment
// variables. No version field is attached.

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logger entry tagged with role (e.g. "scheduler",
// "buildworker", "clientdaemon"). Level comes from LOG_LEVEL, defaulting to
// "info"; SCCACHE_DIST_DEBUG=1 forces "debug" regardless of LOG_LEVEL.
func New(role string) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(levelFromEnv())
	return log.WithFields(logrus.Fields{"role": role})
}

func levelFromEnv() logrus.Level {
	if os.Getenv("SCCACHE_DIST_DEBUG") != "" {
		return logrus.DebugLevel
	}
	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
