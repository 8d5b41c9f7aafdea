// Package config loads the agent's TOML configuration file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

const (
	DefaultPath     = "/etc/strapper/config.toml"
	DefaultStateDir = "/var/lib/strapper"
	DefaultEndpoint = "leader.infra.ibj.io:55555"

	ManagerSystemd = "systemd"
	ManagerDryRun  = "dry-run"
)

// Duration is a time.Duration written as a string, ie: "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	NodeName       string `toml:"node_name"`
	StateDir       string `toml:"state_dir"`
	BootstrapState string `toml:"bootstrap_state"`
	LogLevel       string `toml:"log_level"`
	LogFormat      string `toml:"log_format"`

	Coordinator    Coordinator    `toml:"coordinator"`
	ServiceManager ServiceManager `toml:"service_manager"`
	Advertise      Advertise      `toml:"advertise"`
	Metrics        Metrics        `toml:"metrics"`
}

type Coordinator struct {
	Endpoint   string `toml:"endpoint"`
	CAFile     string `toml:"ca_file"`
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	ServerName string `toml:"server_name"`
	// Insecure connects without TLS, for development only.
	Insecure bool `toml:"insecure"`

	ConnectTimeout    Duration `toml:"connect_timeout"`
	RPCTimeout        Duration `toml:"rpc_timeout"`
	KeepaliveInterval Duration `toml:"keepalive_interval"`
	DrainTimeout      Duration `toml:"drain_timeout"`
	BackoffInitial    Duration `toml:"backoff_initial"`
	BackoffMax        Duration `toml:"backoff_max"`
	ReportQueue       int      `toml:"report_queue"`
}

type ServiceManager struct {
	// Kind is "systemd" or "dry-run".
	Kind         string   `toml:"kind"`
	Socket       string   `toml:"socket"`
	UnitDir      string   `toml:"unit_dir"`
	ApplyTimeout Duration `toml:"apply_timeout"`
}

type Advertise struct {
	Disabled          bool              `toml:"disabled"`
	ExcludeInterfaces []string          `toml:"exclude_interfaces"`
	HostKeys          map[string]string `toml:"host_keys"`
}

// Patterns compiles ExcludeInterfaces, call after Validate.
func (a Advertise) Patterns() []*regexp.Regexp {
	var res []*regexp.Regexp
	for _, p := range a.ExcludeInterfaces {
		if re, err := regexp.Compile(p); err == nil {
			res = append(res, re)
		}
	}
	return res
}

type Metrics struct {
	// Listen is the address of the metrics and health endpoint, empty
	// disables it.
	Listen string `toml:"listen"`
}

// Default is the configuration used without a file.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// Load reads and decodes the file at path, unknown keys are errors. Defaults
// fill whatever the file leaves out.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open config")
	}
	defer f.Close()

	c := &Config{}
	if err := toml.NewDecoder(f).Strict(true).Decode(c); err != nil {
		return nil, errors.Wrapf(err, "unable to parse config %s", path)
	}
	c.SetDefaults()
	return c, nil
}

func (c *Config) SetDefaults() {
	if c.NodeName == "" {
		if name, err := os.Hostname(); err == nil {
			c.NodeName = name
		}
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Coordinator.Endpoint == "" {
		c.Coordinator.Endpoint = DefaultEndpoint
	}
	if c.ServiceManager.Kind == "" {
		c.ServiceManager.Kind = ManagerSystemd
	}
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (c *Config) Validate() error {
	var problems []string
	problem := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.NodeName == "" {
		problem("node_name is required")
	}
	if c.StateDir == "" {
		problem("state_dir is required")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		problem("log_format %q is not text or json", c.LogFormat)
	}
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		problem("log_level %q is not a log level", c.LogLevel)
	}

	coord := c.Coordinator
	if coord.Endpoint == "" {
		problem("coordinator.endpoint is required")
	}
	if !coord.Insecure {
		for key, val := range map[string]string{
			"ca_file":   coord.CAFile,
			"cert_file": coord.CertFile,
			"key_file":  coord.KeyFile,
		} {
			if val == "" {
				problem("coordinator.%s is required unless coordinator.insecure is set", key)
			}
		}
	}
	for key, d := range map[string]Duration{
		"connect_timeout":    coord.ConnectTimeout,
		"rpc_timeout":        coord.RPCTimeout,
		"keepalive_interval": coord.KeepaliveInterval,
		"drain_timeout":      coord.DrainTimeout,
		"backoff_initial":    coord.BackoffInitial,
		"backoff_max":        coord.BackoffMax,
	} {
		if d.Duration < 0 {
			problem("coordinator.%s must not be negative", key)
		}
	}
	if coord.BackoffMax.Duration > 0 && coord.BackoffMax.Duration < coord.BackoffInitial.Duration {
		problem("coordinator.backoff_max is below coordinator.backoff_initial")
	}
	if coord.ReportQueue < 0 {
		problem("coordinator.report_queue must not be negative")
	}

	switch c.ServiceManager.Kind {
	case ManagerSystemd, ManagerDryRun:
	default:
		problem("service_manager.kind %q is not %s or %s", c.ServiceManager.Kind, ManagerSystemd, ManagerDryRun)
	}
	if c.ServiceManager.ApplyTimeout.Duration < 0 {
		problem("service_manager.apply_timeout must not be negative")
	}

	for _, p := range c.Advertise.ExcludeInterfaces {
		if _, err := regexp.Compile(p); err != nil {
			problem("advertise.exclude_interfaces %q: %v", p, err)
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return &ValidationError{Problems: problems}
	}
	return nil
}
