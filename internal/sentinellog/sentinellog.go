// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package sentinellog builds the single zap.Logger every stage is handed
// explicitly at construction time. There is no package-level logger; each
// stage receives its own *zap.Logger named after the stage, mirroring the
// explicit dependency context this module uses in place of singletons.
package sentinellog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls the root logger's behavior.
type Options struct {
	// Development enables human-readable console output; Production (the
	// default) uses JSON output. Level sets the minimum level in both
	// modes; its zero value is info.
	Development bool
	Level       zapcore.Level
}

// New builds the root logger. Callers derive stage loggers from it with
// Named, so every log line carries a stage field without extra plumbing.
func New(opts Options) (*zap.Logger, error) {
	if opts.Development {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(opts.Level)
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(opts.Level)
	return cfg.Build()
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.Logger { return zap.NewNop() }
