package pagegate

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	// Version tags the current cache generation; bumping it rotates every
	// partition wholesale on the next activation.
	Version string `yaml:"version"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	StaticAssets struct {
		Origins    []string `yaml:"origins"`
		Extensions []string `yaml:"extensions"`
	} `yaml:"staticAssets"`

	Precache []string `yaml:"precache"`

	Fallback struct {
		Image string `yaml:"image"`
		Shell string `yaml:"shell"`
	} `yaml:"fallback"`

	State struct {
		Staleness string `yaml:"staleness"`
	} `yaml:"state"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	// compiled
	stalenessDur time.Duration
}

var defaultStaticExtensions = []string{
	".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp",
	".css", ".js", ".woff", ".woff2",
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) compile() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/leveldb"
	}
	if c.Fallback.Shell == "" {
		c.Fallback.Shell = "/"
	}
	if !strings.HasPrefix(c.Fallback.Shell, "/") {
		return fmt.Errorf("fallback.shell must be an absolute path")
	}
	if c.Fallback.Image != "" && !strings.HasPrefix(c.Fallback.Image, "/") {
		return fmt.Errorf("fallback.image must be an absolute path")
	}

	for i, o := range c.StaticAssets.Origins {
		o = strings.TrimSpace(o)
		if !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			return fmt.Errorf("staticAssets.origins[%d]: must start with http:// or https://, got %q", i, o)
		}
		c.StaticAssets.Origins[i] = o
	}
	if len(c.StaticAssets.Extensions) == 0 {
		c.StaticAssets.Extensions = append([]string(nil), defaultStaticExtensions...)
	}
	for i, ext := range c.StaticAssets.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("staticAssets.extensions[%d]: must start with '.', got %q", i, ext)
		}
		c.StaticAssets.Extensions[i] = ext
	}

	for i, p := range c.Precache {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("precache[%d]: must be an absolute path, got %q", i, p)
		}
		c.Precache[i] = p
	}

	c.stalenessDur = 5 * time.Minute
	if c.State.Staleness != "" {
		d, err := time.ParseDuration(c.State.Staleness)
		if err != nil {
			return fmt.Errorf("state.staleness: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("state.staleness: must be positive")
		}
		c.stalenessDur = d
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return nil
}

// Partition names for the current generation. Exactly one partition per
// role is current at any time; activation enforces this by whitelist
// comparison, not by naming convention alone.

func (c Config) ContentPartition() string { return "content-" + c.Version }
func (c Config) RuntimePartition() string { return "runtime-" + c.Version }
func (c Config) StatePartition() string   { return "state-" + c.Version }

// Whitelist returns the partition names the current generation retains.
func (c Config) Whitelist() []string {
	return []string{c.ContentPartition(), c.RuntimePartition(), c.StatePartition()}
}

// StateStaleness is the advisory staleness budget for preserved state.
func (c Config) StateStaleness() time.Duration { return c.stalenessDur }
