package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults used when the config leaves a field unset. Validate fills in
// DefaultThreads; the timeout defaults are returned by the TimeoutConfig
// accessors.
const (
	DefaultThreads        = 10
	DefaultCallTimeout    = 30 * time.Second
	DefaultRequestTimeout = 60 * time.Second
)

// Config is the startup configuration for a routerd instance. It is loaded
// once at process start; nothing in it changes at runtime.
type Config struct {
	Port    uint16 `json:"port" yaml:"port"`
	Bind4   string `json:"bind4" yaml:"bind4"`
	Bind6   string `json:"bind6" yaml:"bind6"`
	Threads int    `json:"threads" yaml:"threads"`

	AllowNestedRequests bool `json:"allow_nested_requests" yaml:"allow_nested_requests"`
	CORS                bool `json:"cors" yaml:"cors"`

	Timeouts TimeoutConfig `json:"timeouts" yaml:"timeouts"`

	Hosts  map[string][]string `json:"hosts" yaml:"hosts"`
	Graphs map[string]GraphDef `json:"graphs" yaml:"graphs"`
	Routes []RouteDef          `json:"routes" yaml:"routes"`

	Stats *StatsConfig `json:"stats,omitempty" yaml:"stats,omitempty"`
}

// TimeoutConfig carries the two request-path timeouts in milliseconds.
type TimeoutConfig struct {
	CallMS    int `json:"call_ms" yaml:"call_ms"`
	RequestMS int `json:"request_ms" yaml:"request_ms"`
}

// CallTimeout returns the per-downstream-call timeout.
func (t TimeoutConfig) CallTimeout() time.Duration {
	if t.CallMS <= 0 {
		return DefaultCallTimeout
	}
	return time.Duration(t.CallMS) * time.Millisecond
}

// RequestTimeout returns the whole-inbound-request deadline.
func (t TimeoutConfig) RequestTimeout() time.Duration {
	if t.RequestMS <= 0 {
		return DefaultRequestTimeout
	}
	return time.Duration(t.RequestMS) * time.Millisecond
}

// GraphDef is the declarative description of one dependency graph.
type GraphDef struct {
	Services []ServiceDef `json:"services" yaml:"services"`
	Deps     []DepDef     `json:"deps" yaml:"deps"`
}

// ServiceDef is either a bare service name or an object with overrides.
// In JSON a plain string "name" is shorthand for {"name": "name"}.
type ServiceDef struct {
	Name      string `json:"name" yaml:"name"`
	HostsFrom string `json:"hosts_from" yaml:"hosts_from"`
	Path      string `json:"path" yaml:"path"`
}

// UnmarshalJSON accepts both the string shorthand and the object form.
func (s *ServiceDef) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		s.Name = name
		return nil
	}

	type plain ServiceDef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = ServiceDef(p)
	return nil
}

// UnmarshalYAML accepts both the string shorthand and the object form.
func (s *ServiceDef) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		s.Name = value.Value
		return nil
	}

	type plain ServiceDef
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = ServiceDef(p)
	return nil
}

// DepDef declares that service A depends on service B.
type DepDef struct {
	A string `json:"a" yaml:"a"`
	B string `json:"b" yaml:"b"`
}

// RouteDef maps an inbound path pattern to a named graph.
type RouteDef struct {
	Pattern string `json:"r" yaml:"r"`
	Graph   string `json:"g" yaml:"g"`
}

// StatsConfig enables dispatch-measurement persistence.
type StatsConfig struct {
	Postgres *PostgresConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// PostgresConfig contains PostgreSQL connection settings for the stats sink.
type PostgresConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
	SSLMode  string `json:"sslmode" yaml:"sslmode"`
}

// ConnectionString returns the lib/pq connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// Load reads and parses a config file. Files ending in .yaml or .yml are
// parsed as YAML, everything else as JSON. The result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the parts of the config that do not need graph
// compilation and fills in defaults. Graph-level validation (unknown
// services, cycles) happens in graph.Compile.
func (c *Config) Validate() error {
	if c.Port == 0 {
		return fmt.Errorf("config: port is required")
	}

	if c.Threads <= 0 {
		c.Threads = DefaultThreads
	}

	for group, hosts := range c.Hosts {
		if len(hosts) == 0 {
			return fmt.Errorf("config: host group %q has no hosts", group)
		}
	}

	if len(c.Graphs) == 0 {
		return fmt.Errorf("config: no graphs defined")
	}

	for _, route := range c.Routes {
		if route.Pattern == "" {
			return fmt.Errorf("config: route with empty pattern")
		}
		if _, ok := c.Graphs[route.Graph]; !ok {
			return fmt.Errorf("config: route %q references unknown graph %q", route.Pattern, route.Graph)
		}
	}

	return nil
}
