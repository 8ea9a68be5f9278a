// Copyright 2024 Freifunk Stuttgart e.V.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
	"github.com/freifunk-stuttgart/meshmon/private/config"
)

const (
	// DefaultConsoleLevel is the default log level for the console.
	DefaultConsoleLevel = "info"
	// DefaultStacktraceLevel is the default log level for which stack traces
	// are included.
	DefaultStacktraceLevel = "none"
)

// Config is the configuration for the logger.
type Config struct {
	config.NoValidator
	// Console is the configuration for the console logging.
	Console ConsoleConfig `toml:"console,omitempty"`
}

// InitDefaults populates unset fields in cfg to their default values.
func (c *Config) InitDefaults() {
	c.Console.InitDefaults()
}

// Validate validates that the config contains a valid configuration.
func (c *Config) Validate() error {
	return c.Console.validate()
}

// Sample writes the sample configuration to the dst writer.
func (c *Config) Sample(dst io.Writer, path config.Path, ctx config.CtxMap) {
	config.WriteSample(dst, path, ctx, &c.Console)
}

// ConfigName returns the name this config should have in a struct embedding
// it.
func (c *Config) ConfigName() string {
	return "log"
}

// ConsoleConfig is the config for the console logger.
type ConsoleConfig struct {
	// Level of console logging (debug|info|error).
	Level string `toml:"level,omitempty"`
	// Format of the console logging (human|json).
	Format string `toml:"format,omitempty"`
	// StacktraceLevel sets from which level stacktraces are included
	// (none|debug|info|error).
	StacktraceLevel string `toml:"stacktrace_level,omitempty"`
	// DisableCaller stops annotating logs with the calling function's file
	// name and line number.
	DisableCaller bool `toml:"disable_caller,omitempty"`
}

// InitDefaults populates unset fields in cfg to their default values.
func (c *ConsoleConfig) InitDefaults() {
	if c.Level == "" {
		c.Level = DefaultConsoleLevel
	}
	if c.Format == "" {
		c.Format = "human"
	}
	if c.StacktraceLevel == "" {
		c.StacktraceLevel = DefaultStacktraceLevel
	}
}

func (c *ConsoleConfig) validate() error {
	if _, err := parseLevel(c.Level); err != nil {
		return serrors.Wrap("parsing log level", err, "level", c.Level)
	}
	if c.Format != "human" && c.Format != "json" {
		return serrors.New("format not supported", "format", c.Format)
	}
	if c.StacktraceLevel != "none" {
		if _, err := parseLevel(c.StacktraceLevel); err != nil {
			return serrors.Wrap("parsing stacktrace level", err,
				"level", c.StacktraceLevel)
		}
	}
	return nil
}

// Sample writes the sample configuration to the dst writer.
func (c *ConsoleConfig) Sample(dst io.Writer, _ config.Path, _ config.CtxMap) {
	config.WriteString(dst, consoleConfigSample)
}

// ConfigName returns the name this config should have in a struct embedding
// it.
func (c *ConsoleConfig) ConfigName() string {
	return "console"
}

func (c *ConsoleConfig) zapConfig() (zap.Config, []zap.Option, error) {
	if err := c.validate(); err != nil {
		return zap.Config{}, nil, err
	}
	level, err := parseLevel(c.Level)
	if err != nil {
		return zap.Config{}, nil, err
	}
	encoding := "console"
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if c.Format == "json" {
		encoding = "json"
		encoderCfg = zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	var opts []zap.Option
	disableStacktrace := c.StacktraceLevel == "none"
	if !disableStacktrace {
		stacktraceLevel, err := parseLevel(c.StacktraceLevel)
		if err != nil {
			return zap.Config{}, nil, err
		}
		opts = append(opts, zap.AddStacktrace(stacktraceLevel))
	}
	return zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		DisableCaller:     c.DisableCaller,
		DisableStacktrace: disableStacktrace,
		Encoding:          encoding,
		EncoderConfig:     encoderCfg,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
	}, opts, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, serrors.New("unknown log level", "level", level)
	}
	return l, nil
}

const consoleConfigSample = `# Console logging level (debug|info|error) (default info)
level = "info"

# Console encoding (human|json) (default human)
format = "human"

# Level from which on stack traces are included in log output
# (none|debug|info|error) (default none)
stacktrace_level = "none"
`
