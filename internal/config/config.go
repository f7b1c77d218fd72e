package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tkingovr/wafguard/internal/engine"
	"github.com/tkingovr/wafguard/internal/filter"
)

// File is the on-disk YAML layout.
type File struct {
	Connector string      `yaml:"connector,omitempty"`
	Listen    string      `yaml:"listen,omitempty"`
	Upstream  string      `yaml:"upstream,omitempty"`
	AdminAddr string      `yaml:"admin_addr,omitempty"`
	LogLevel  string      `yaml:"log_level,omitempty"`
	Rules     RulesFile   `yaml:"rules"`
	Routes    []RouteFile `yaml:"routes,omitempty"`
	Audit     AuditFile   `yaml:"audit,omitempty"`
}

// RulesFile lists the rule sources.
type RulesFile struct {
	Paths                     []string        `yaml:"paths,omitempty"`
	Inline                    []string        `yaml:"inline,omitempty"`
	Remotes                   []engine.Remote `yaml:"remotes,omitempty"`
	RemotesOverwriteOnSuccess bool            `yaml:"remotes_overwrite_on_success,omitempty"`
	Watch                     bool            `yaml:"watch,omitempty"`
}

// RouteFile is a path prefix and the metadata attached to it.
type RouteFile struct {
	Prefix   string                     `yaml:"prefix"`
	Metadata map[string]map[string]bool `yaml:"metadata,omitempty"`
}

// AuditFile configures the audit store and sink.
type AuditFile struct {
	Dir       string `yaml:"dir,omitempty"`
	QueueSize int    `yaml:"queue_size,omitempty"`
	MaxMemory int    `yaml:"max_memory,omitempty"`
}

// Route is a resolved route.
type Route struct {
	Prefix   string
	Metadata filter.MapRoute
}

// Config is the runtime configuration for wafguard.
type Config struct {
	Path      string
	Connector string
	Listen    string
	Upstream  *url.URL
	AdminAddr string
	LogLevel  slog.Level

	Rules      engine.RuleSources
	WatchRules bool
	Routes     []Route

	AuditDir       string
	AuditQueueSize int
	AuditMaxMemory int
}

// Load reads a YAML config file and produces a runtime Config. Relative
// rule paths are resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg, err := LoadBytes(data)
	if err != nil {
		return nil, err
	}
	cfg.Path = path

	dir := filepath.Dir(path)
	for i, p := range cfg.Rules.Paths {
		if !filepath.IsAbs(p) {
			cfg.Rules.Paths[i] = filepath.Join(dir, p)
		}
	}
	return cfg, nil
}

// LoadBytes parses YAML data and produces a runtime Config.
func LoadBytes(data []byte) (*Config, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return fromFile(&f)
}

func fromFile(f *File) (*Config, error) {
	cfg := DefaultConfig()

	if f.Connector != "" {
		cfg.Connector = f.Connector
	}
	if f.Listen != "" {
		cfg.Listen = f.Listen
	}
	if f.AdminAddr != "" {
		cfg.AdminAddr = f.AdminAddr
	}

	if f.Upstream != "" {
		u, err := ParseUpstream(f.Upstream)
		if err != nil {
			return nil, err
		}
		cfg.Upstream = u
	}

	if f.LogLevel != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(f.LogLevel)); err != nil {
			return nil, fmt.Errorf("invalid log_level %q: %w", f.LogLevel, err)
		}
	}

	cfg.Rules = engine.RuleSources{
		Paths:              expandAll(f.Rules.Paths),
		Inline:             f.Rules.Inline,
		Remotes:            f.Rules.Remotes,
		OverwriteOnSuccess: f.Rules.RemotesOverwriteOnSuccess,
	}
	for i, r := range cfg.Rules.Remotes {
		if r.URL == "" {
			return nil, fmt.Errorf("remote %d: url is required", i)
		}
	}
	cfg.WatchRules = f.Rules.Watch

	if len(f.Routes) > 0 {
		cfg.Routes = cfg.Routes[:0]
	}
	for i, r := range f.Routes {
		route, err := resolveRoute(r)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		cfg.Routes = append(cfg.Routes, route)
	}

	if f.Audit.Dir != "" {
		cfg.AuditDir = expandHome(f.Audit.Dir)
	}
	if f.Audit.QueueSize < 0 || f.Audit.MaxMemory < 0 {
		return nil, fmt.Errorf("audit queue_size and max_memory must not be negative")
	}
	if f.Audit.QueueSize > 0 {
		cfg.AuditQueueSize = f.Audit.QueueSize
	}
	if f.Audit.MaxMemory > 0 {
		cfg.AuditMaxMemory = f.Audit.MaxMemory
	}

	return cfg, nil
}

// ParseUpstream parses an upstream URL. Only http and https are accepted.
func ParseUpstream(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q: missing host", raw)
	}
	return u, nil
}

var knownMetadata = map[string]bool{
	filter.MetadataDisable:         true,
	filter.MetadataDisableRequest:  true,
	filter.MetadataDisableResponse: true,
	filter.MetadataNoAuditLog:      true,
}

func resolveRoute(r RouteFile) (Route, error) {
	if !strings.HasPrefix(r.Prefix, "/") {
		return Route{}, fmt.Errorf("prefix %q must start with /", r.Prefix)
	}
	md := filter.MapRoute{}
	for ns, flags := range r.Metadata {
		for key := range flags {
			if ns == filter.MetadataNamespace && !knownMetadata[key] {
				return Route{}, fmt.Errorf("unknown %s metadata key %q", ns, key)
			}
		}
		md[ns] = flags
	}
	return Route{Prefix: r.Prefix, Metadata: md}, nil
}

func expandAll(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = expandHome(p)
	}
	return out
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfig returns a config with defaults for when no config file is
// given. A single catch-all route inspects every exchange.
func DefaultConfig() *Config {
	return &Config{
		Connector:      filter.DefaultConnector,
		Listen:         DefaultListen,
		AdminAddr:      DefaultAdminAddr,
		LogLevel:       slog.LevelInfo,
		Routes:         []Route{{Prefix: "/", Metadata: filter.MapRoute{}}},
		AuditDir:       expandHome(DefaultAuditDir()),
		AuditQueueSize: DefaultAuditQueueSize,
		AuditMaxMemory: DefaultAuditMaxMemory,
	}
}

// MarshalYAML renders the runtime config back into the file layout.
func (c *Config) MarshalYAML() ([]byte, error) {
	f := File{
		Connector: c.Connector,
		Listen:    c.Listen,
		AdminAddr: c.AdminAddr,
		LogLevel:  strings.ToLower(c.LogLevel.String()),
		Rules: RulesFile{
			Paths:                     c.Rules.Paths,
			Inline:                    c.Rules.Inline,
			Remotes:                   c.Rules.Remotes,
			RemotesOverwriteOnSuccess: c.Rules.OverwriteOnSuccess,
			Watch:                     c.WatchRules,
		},
		Audit: AuditFile{
			Dir:       c.AuditDir,
			QueueSize: c.AuditQueueSize,
			MaxMemory: c.AuditMaxMemory,
		},
	}
	if c.Upstream != nil {
		f.Upstream = c.Upstream.String()
	}
	for _, r := range c.Routes {
		f.Routes = append(f.Routes, RouteFile{Prefix: r.Prefix, Metadata: r.Metadata})
	}
	return yaml.Marshal(f)
}
