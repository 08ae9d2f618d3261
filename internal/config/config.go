package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Syslog struct {
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Protocol string `yaml:"protocol"`
	Facility string `yaml:"facility"`
	Severity string `yaml:"severity"`
	Tag      string `yaml:"tag"`
}

type Archive struct {
	Dir         string `yaml:"dir"`
	MaxFileSize int64  `yaml:"max_file_size"`
}

type Config struct {
	Dirs            []string `yaml:"dirs"`
	Syslog          Syslog   `yaml:"syslog"`
	Archive         Archive  `yaml:"archive"`
	AlertsFile      string   `yaml:"alerts_file"`
	MetricsAddr     string   `yaml:"metrics_addr"`
	MaxAlertsPerSec float64  `yaml:"max_alerts_per_sec"`
	LogFile         string   `yaml:"log_file"`
	Debug           bool     `yaml:"debug"`
}

// Default returns the configuration used when no file and no flags say
// otherwise: watch /tmp and report to a collector on localhost.
func Default() *Config {
	return &Config{
		Dirs: []string{"/tmp"},
		Syslog: Syslog{
			Server:   "127.0.0.1",
			Port:     514,
			Protocol: "udp",
			Facility: "user",
			Severity: "warning",
			Tag:      "owwatchd",
		},
		Archive: Archive{
			MaxFileSize: 1 << 20,
		},
	}
}

// DefaultPath returns where the config file lives. Inside a snap that is
// the writable data directory; everywhere else it is /etc.
func DefaultPath() string {
	if snapData := os.Getenv("SNAP_DATA"); snapData != "" {
		return filepath.Join(snapData, "owwatchd.yaml")
	}
	return "/etc/owwatchd.yaml"
}

// Load reads path and overlays it on the defaults, so a file only needs
// to mention the settings it changes.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate checks the whole configuration and normalizes every path to
// its absolute form. Called once after file and flags are merged.
func (c *Config) Validate() error {
	if len(c.Dirs) == 0 {
		return fmt.Errorf("no directories to watch")
	}
	seen := make(map[string]bool, len(c.Dirs))
	dirs := make([]string, 0, len(c.Dirs))
	for _, dir := range c.Dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("directory %s: %w", dir, err)
		}
		fi, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("directory %s does not exist", dir)
		}
		if !fi.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		// A root named twice, in any spelling, is watched once.
		if seen[abs] {
			continue
		}
		seen[abs] = true
		dirs = append(dirs, abs)
	}
	c.Dirs = dirs

	if c.Syslog.Port < 1 || c.Syslog.Port > 65535 {
		return fmt.Errorf("syslog port %d is not between 1 and 65535", c.Syslog.Port)
	}
	if c.Syslog.Protocol != "udp" && c.Syslog.Protocol != "tcp" {
		return fmt.Errorf("syslog protocol must be udp or tcp, got %q", c.Syslog.Protocol)
	}

	if c.Archive.Dir != "" {
		abs, err := filepath.Abs(c.Archive.Dir)
		if err != nil {
			return fmt.Errorf("archive directory %s: %w", c.Archive.Dir, err)
		}
		c.Archive.Dir = abs
		// Archiving into a watched tree would make every copy raise its
		// own event.
		for _, dir := range c.Dirs {
			if abs == dir || strings.HasPrefix(abs, dir+string(os.PathSeparator)) {
				return fmt.Errorf("archive directory %s is inside watched directory %s", abs, dir)
			}
		}
	}
	if c.Archive.MaxFileSize < 0 {
		return fmt.Errorf("archive max_file_size must not be negative")
	}
	if c.MaxAlertsPerSec < 0 {
		return fmt.Errorf("max_alerts_per_sec must not be negative")
	}
	return nil
}
