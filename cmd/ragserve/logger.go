// Copyright 2025 OneKey
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

package main

import (
	"fmt"
	"os"

	"github.com/onekeyhq/ragserve/pkg/config"
	"github.com/onekeyhq/ragserve/pkg/logger"
)

const (
	// LogLevelEnvVar is the environment variable for the log level.
	LogLevelEnvVar = "LOG_LEVEL"
	// LogFileEnvVar is the environment variable for the log file path.
	LogFileEnvVar = "LOG_FILE"
	// LogFormatEnvVar is the environment variable for the log format.
	LogFormatEnvVar = "LOG_FORMAT"

	// DefaultLogLevel is used when no level is configured anywhere.
	DefaultLogLevel = "info"
	// DefaultLogFormat is used when no format is configured anywhere.
	DefaultLogFormat = "simple"
)

// loggerSettings are the fully resolved logging knobs.
type loggerSettings struct {
	level  string
	file   string
	format string
}

// resolveLoggerSettings merges each knob by priority: CLI flag >
// environment variable > config file > default. fileCfg is nil before
// the config file is loaded.
func resolveLoggerSettings(cli *CLI, fileCfg *config.LoggerConfig) loggerSettings {
	pick := func(flag, envVar, fromFile, fallback string) string {
		if flag != "" {
			return flag
		}
		if v := os.Getenv(envVar); v != "" {
			return v
		}
		if fromFile != "" {
			return fromFile
		}
		return fallback
	}

	var level, file, format string
	if fileCfg != nil {
		level, file, format = fileCfg.Level, fileCfg.File, fileCfg.Format
	}

	return loggerSettings{
		level:  pick(cli.LogLevel, LogLevelEnvVar, level, DefaultLogLevel),
		file:   pick(cli.LogFile, LogFileEnvVar, file, ""),
		format: pick(cli.LogFormat, LogFormatEnvVar, format, DefaultLogFormat),
	}
}

// initLogger resolves and applies the logging settings. The returned
// cleanup closes the log file; it is nil when logging to stderr.
func initLogger(cli *CLI, fileCfg *config.LoggerConfig) (func(), error) {
	settings := resolveLoggerSettings(cli, fileCfg)

	level, err := logger.ParseLevel(settings.level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	var cleanup func()
	if settings.file != "" {
		file, closeFile, err := logger.OpenLogFile(settings.file)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = closeFile
	}

	logger.Init(level, output, settings.format)
	return cleanup, nil
}

// applyConfigLogger re-initializes logging after the config file is
// loaded so its logger section takes effect, unless CLI flags or
// environment variables already pinned every knob that differs.
func applyConfigLogger(cli *CLI, fileCfg *config.LoggerConfig) (func(), error) {
	if resolveLoggerSettings(cli, fileCfg) == resolveLoggerSettings(cli, nil) {
		return nil, nil
	}
	return initLogger(cli, fileCfg)
}
