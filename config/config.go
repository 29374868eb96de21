// Package config implements the YAML config file parser
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/PowerDNS/salesingest/config/logger"
	"github.com/PowerDNS/salesingest/status/healthtracker"
	"github.com/PowerDNS/salesingest/status/starttracker"
)

const (
	// DefaultListen is the address the ingest server listens on
	DefaultListen = "127.0.0.1:8080"

	// DefaultReportFilename is the name of the report file in a branch directory
	DefaultReportFilename = "branch_weekly_sales.txt"

	// DefaultMaxIdentifierLength limits the branch identifier frame
	DefaultMaxIdentifierLength = 1024

	// DefaultPayloadTimeout is the time a client has to send the complete
	// report and close its side of the connection.
	DefaultPayloadTimeout = 5 * time.Minute
)

// Overflow policies for when all connection slots are taken
const (
	OverflowWait   = "wait"
	OverflowReject = "reject"
)

// Config is the config root object
type Config struct {
	Listen         string        `yaml:"listen"`          // TCP address like "127.0.0.1:8080"
	DataDir        string        `yaml:"data_dir"`        // Root of the per-branch directories
	ReportFilename string        `yaml:"report_filename"` // File name inside a branch directory
	SummaryDir     string        `yaml:"summary_dir"`     // Output of the weekly summary step
	Branches       []string      `yaml:"branches"`        // Known branches for the weekly summary
	Limits         Limits        `yaml:"limits"`
	Storage        Storage       `yaml:"storage"`
	Mirror         Mirror        `yaml:"mirror"`
	HTTP           HTTP          `yaml:"http"`
	Health         Health        `yaml:"health"`
	Log            logger.Config `yaml:"log"`

	// RecentUploads is the number of uploads shown on the status page
	RecentUploads int `yaml:"recent_uploads"`

	// Set to current version by main
	Version string `yaml:"-"`
}

// Limits protects the server against slow, stuck and abusive clients
type Limits struct {
	MaxConnections      int               `yaml:"max_connections"`
	Overflow            string            `yaml:"overflow"` // OverflowWait or OverflowReject
	MaxIdentifierLength uint32            `yaml:"max_identifier_length"`
	MaxPayloadSize      datasize.ByteSize `yaml:"max_payload_size"`

	// Zero disables the corresponding deadline
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PayloadTimeout  time.Duration `yaml:"payload_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Storage configures the local report storage
type Storage struct {
	// FSync syncs report files to disk before they are renamed into place
	FSync bool `yaml:"fsync"`
}

// Mirror configures an optional copy of every report in a simpleblob backend
type Mirror struct {
	Enabled  bool                   `yaml:"enabled"`
	Type     string                 `yaml:"type"`    // simpleblob backend type, like "s3" or "fs"
	Options  map[string]interface{} `yaml:"options"` // backend specific options
	Compress bool                   `yaml:"compress"`
	Prefix   string                 `yaml:"prefix"`
}

// HTTP configures the HTTP server with Prometheus metrics and status page
type HTTP struct {
	Address string `yaml:"address"` // Address like ":8000"
}

// Health configures the healthz trackers
type Health struct {
	Uploads healthtracker.HealthConfig `yaml:"uploads"`
	Start   starttracker.StartConfig   `yaml:"start"`
}

// Check validates a Config instance
func (c Config) Check() error {
	if err := c.Log.Check(); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen: %v", err)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir: must be set")
	}
	if c.ReportFilename == "" || strings.ContainsAny(c.ReportFilename, `/\`) {
		return fmt.Errorf("report_filename: must be a plain file name")
	}
	if c.SummaryDir == "" {
		return fmt.Errorf("summary_dir: must be set")
	}
	for _, b := range c.Branches {
		if b == "" || strings.ContainsAny(b, `/\`) || b == "." || b == ".." {
			return fmt.Errorf("branches: invalid branch name %q", b)
		}
	}
	if err := c.Limits.Check(); err != nil {
		return err
	}
	if c.Mirror.Enabled && c.Mirror.Type == "" {
		return fmt.Errorf("mirror.type: must be set when the mirror is enabled")
	}
	if c.HTTP.Address != "" {
		if _, _, err := net.SplitHostPort(c.HTTP.Address); err != nil {
			return fmt.Errorf("http.address: %v", err)
		}
	}
	if c.RecentUploads < 0 {
		return fmt.Errorf("recent_uploads: must not be negative")
	}
	return nil
}

// Check validates the Limits
func (l Limits) Check() error {
	if l.MaxConnections < 1 {
		return fmt.Errorf("limits.max_connections: must be at least 1")
	}
	if !lo.Contains([]string{OverflowWait, OverflowReject}, l.Overflow) {
		return fmt.Errorf("limits.overflow: must be one of: %s, %s", OverflowWait, OverflowReject)
	}
	if l.MaxIdentifierLength < 1 {
		return fmt.Errorf("limits.max_identifier_length: must be at least 1")
	}
	if l.MaxPayloadSize < 4 {
		return fmt.Errorf("limits.max_payload_size: too small")
	}
	for name, d := range map[string]time.Duration{
		"read_timeout":     l.ReadTimeout,
		"write_timeout":    l.WriteTimeout,
		"payload_timeout":  l.PayloadTimeout,
		"shutdown_timeout": l.ShutdownTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("limits.%s: must not be negative", name)
		}
	}
	return nil
}

// String returns the config as a YAML string with secrets masked.
func (c Config) String() string {
	if len(c.Mirror.Options) > 0 {
		masked := make(map[string]interface{}, len(c.Mirror.Options))
		for k, v := range c.Mirror.Options {
			if isSecretKey(k) {
				v = "***"
			}
			masked[k] = v
		}
		c.Mirror.Options = masked
	}
	y, err := yaml.Marshal(c)
	if err != nil {
		logrus.Panicf("YAML marshal of config failed: %v", err) // Should never happen
	}
	return string(y)
}

func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	return strings.Contains(k, "secret") || strings.Contains(k, "password")
}

// LoadYAML loads config from YAML. Any set value overwrites any existing value,
// but omitted keys are untouched.
func (c *Config) LoadYAML(yamlContents []byte, expandEnv bool) error {
	if expandEnv {
		yamlContents = []byte(os.ExpandEnv(string(yamlContents)))
	}
	return yaml.UnmarshalStrict(yamlContents, c)
}

// LoadYAMLFile loads config from a YAML file. Any set value overwrites any existing value,
// but omitted keys are untouched.
func (c *Config) LoadYAMLFile(fpath string, expandEnv bool) error {
	contents, err := os.ReadFile(fpath)
	if err != nil {
		return errors.Wrap(err, "open yaml file")
	}
	return c.LoadYAML(contents, expandEnv)
}

// Default returns a Config with default settings
func Default() Config {
	return Config{
		Listen:         DefaultListen,
		DataDir:        "data",
		ReportFilename: DefaultReportFilename,
		SummaryDir:     filepath.Join("data", "data", "weekly_summary"),
		Branches:       []string{"ALBNM", "CTONGA"},
		Limits: Limits{
			MaxConnections:      64,
			Overflow:            OverflowWait,
			MaxIdentifierLength: DefaultMaxIdentifierLength,
			MaxPayloadSize:      64 * datasize.MB,
			ReadTimeout:         30 * time.Second,
			WriteTimeout:        30 * time.Second,
			PayloadTimeout:      DefaultPayloadTimeout,
			ShutdownTimeout:     10 * time.Second,
		},
		Health: Health{
			Uploads: healthtracker.HealthConfig{
				ErrorDuration:      15 * time.Minute,
				WarnDuration:       5 * time.Minute,
				ErrorSequence:      20,
				WarnSequence:       5,
				EvaluationInterval: 5 * time.Second,
			},
			Start: starttracker.StartConfig{
				EvaluationInterval: 5 * time.Second,
				ErrorDuration:      time.Minute,
				WarnDuration:       10 * time.Second,
				ReportHealthz:      true,
				ReportMetadata:     true,
			},
		},
		Log:           logger.DefaultConfig,
		RecentUploads: 20,
	}
}
