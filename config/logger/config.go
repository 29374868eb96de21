package logger

import (
	"fmt"
	"io"
	"strings"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

var (
	LogLevels     = []string{"trace", "debug", "info", "warning", "error", "fatal"}
	LogFormats    = []string{"human", "logfmt", "json"}
	LogTimestamps = []string{"short", "disable", "full"}
)

// Config configures logging
type Config struct {
	Level     string `yaml:"level"`     // One of LogLevels
	Format    string `yaml:"format"`    // One of LogFormats
	Timestamp string `yaml:"timestamp"` // One of LogTimestamps
}

// DefaultConfig defines the default configuration
var DefaultConfig = Config{
	Level:     "info",
	Format:    "human",
	Timestamp: "short",
}

// FlagConfig captures flag values and defaults to zero values
var FlagConfig = Config{}

// StringVarFlagFunc has the signature of pflag's FlagSet.StringVar
type StringVarFlagFunc func(*string, string, string, string)

// RegisterFlagsWith uses a specific function to register the flags with,
// allowing it to be used with different flag packages, like Cobra.
func RegisterFlagsWith(stringVar StringVarFlagFunc) {
	stringVar(&FlagConfig.Level, "log-level", "", "Log level "+
		addDefaults(DefaultConfig.Level, LogLevels))
	stringVar(&FlagConfig.Format, "log-format", "", "Log format "+
		addDefaults(DefaultConfig.Format, LogFormats))
	stringVar(&FlagConfig.Timestamp, "log-timestamp", "", "Log timestamp "+
		addDefaults(DefaultConfig.Timestamp, LogTimestamps))
}

// Check validates a Config instance
func (c Config) Check() error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("log.level: must be one of: %s", strings.Join(LogLevels, ", "))
	}
	if !lo.Contains(LogFormats, c.Format) {
		return fmt.Errorf("log.format: must be one of: %s", strings.Join(LogFormats, ", "))
	}
	if c.Timestamp != "" && !lo.Contains(LogTimestamps, c.Timestamp) {
		return fmt.Errorf("log.timestamp: must be one of: %s", strings.Join(LogTimestamps, ", "))
	}
	return nil
}

// Merge merges a Config with another Config, returning the new combined Config.
// Only non-empty values in o are applied.
func (c Config) Merge(o Config) Config {
	if o.Level != "" {
		c.Level = o.Level
	}
	if o.Format != "" {
		c.Format = o.Format
	}
	if o.Timestamp != "" {
		c.Timestamp = o.Timestamp
	}
	return c
}

// Configure applies the Config to the standard logrus logger.
// It is meant to be called once, after all config sources have been merged.
func Configure(c Config) {
	Apply(logrus.StandardLogger(), c)
}

// New returns a separate logger configured according to Config that writes
// to w. Mostly useful in tests.
func New(c Config, w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	Apply(l, c)
	return l
}

// Apply configures the formatter and level of a logrus.Logger
func Apply(l *logrus.Logger, c Config) {
	l.SetFormatter(formatter(c))

	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		// Should have been validated before calling this
		l.Warnf("Ignoring invalid log level: %s", c.Level)
		return
	}
	l.SetLevel(level)
}

func formatter(c Config) logrus.Formatter {
	noTimestamp := c.Timestamp == "disable"
	fullTimestamp := c.Timestamp == "full"

	switch c.Format {
	case "json":
		return &logrus.JSONFormatter{DisableTimestamp: noTimestamp}
	case "logfmt":
		return &logrus.TextFormatter{
			DisableColors:    true, // this sets logfmt
			DisableTimestamp: noTimestamp,
			FullTimestamp:    fullTimestamp,
		}
	default:
		return &BranchFormatter{
			Parent: &logrus.TextFormatter{
				DisableTimestamp: noTimestamp,
				FullTimestamp:    fullTimestamp,
			},
		}
	}
}

func addDefaults(def string, options []string) string {
	return fmt.Sprintf("(default: %s; options: %s)", def, strings.Join(options, ", "))
}
