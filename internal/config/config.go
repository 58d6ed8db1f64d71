// Package config implements the runtime's ambient configuration layer:
// a YAML file merged with CLI flag overrides, grounded on
// cmd/protogonosctl/config.go's "only apply a field when its flag was
// explicitly set" merge precedence, adapted from JSON-via-map[string]any
// hand-parsing to a typed gopkg.in/yaml.v3 document (spec's domain stack
// calls for wiring yaml.v3; the teacher's own config loader never needed a
// schema-driven format since it fed a flat CLI flag set).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RunConfig is the full set of values a master needs to boot: its own
// identity within the fabric, the shard/type registry sizing the agent
// store and window layer depend on, and the control plane's IPC socket.
type RunConfig struct {
	Rank            int    `yaml:"rank"`
	TotalMasters    int    `yaml:"total_masters"`
	NumShards       int    `yaml:"num_shards"`
	TotalAgentTypes int    `yaml:"total_agent_types"`
	Period          int    `yaml:"period"`
	SocketPath      string `yaml:"socket_path"`
	LogLevel        string `yaml:"log_level"`
	PopulationFile  string `yaml:"population_file"`
}

// defaults mirrors a single-master, single-shard dry-run configuration. It
// leaves SocketPath empty, so the root master still needs one from a config
// file or a flag before Validate accepts it.
func defaults() RunConfig {
	return RunConfig{
		Rank:            0,
		TotalMasters:    1,
		NumShards:       1,
		TotalAgentTypes: 1,
		Period:          1,
		SocketPath:      "",
		LogLevel:        "info",
		PopulationFile:  "",
	}
}

// Load reads path (if non-empty) and merges it over the defaults. A
// missing or empty path is not an error — it yields the defaults, the same
// "configPath == "" => zero value" behavior config.go's
// loadOrDefaultRunRequest follows.
func Load(path string) (RunConfig, error) {
	cfg := defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Overrides captures flag values explicitly set on the command line;
// fields left at their zero value in the struct are distinguished from
// "explicitly set to zero" by the Set map, same two-map idiom
// overrideFromFlags uses (set map[string]bool, flagValue map[string]any).
type Overrides struct {
	Set    map[string]bool
	Values map[string]any
}

// Apply merges o over cfg, touching only fields whose flag was set.
func (o Overrides) Apply(cfg *RunConfig) error {
	for name := range o.Set {
		v, ok := o.Values[name]
		if !ok {
			continue
		}
		switch name {
		case "rank":
			cfg.Rank = v.(int)
		case "total-masters":
			cfg.TotalMasters = v.(int)
		case "num-shards":
			cfg.NumShards = v.(int)
		case "total-agent-types":
			cfg.TotalAgentTypes = v.(int)
		case "period":
			cfg.Period = v.(int)
		case "socket":
			cfg.SocketPath = v.(string)
		case "log-level":
			cfg.LogLevel = v.(string)
		case "population":
			cfg.PopulationFile = v.(string)
		default:
			return fmt.Errorf("config: unknown override %q", name)
		}
	}
	return nil
}

// Validate rejects a configuration the runtime could not boot from.
func (c RunConfig) Validate() error {
	if c.TotalMasters <= 0 {
		return fmt.Errorf("config: total_masters must be positive, got %d", c.TotalMasters)
	}
	if c.Rank < 0 || c.Rank >= c.TotalMasters {
		return fmt.Errorf("config: rank %d out of range [0, %d)", c.Rank, c.TotalMasters)
	}
	if c.NumShards <= 0 {
		return fmt.Errorf("config: num_shards must be positive, got %d", c.NumShards)
	}
	if c.TotalAgentTypes <= 0 {
		return fmt.Errorf("config: total_agent_types must be positive, got %d", c.TotalAgentTypes)
	}
	if c.Period <= 0 {
		return fmt.Errorf("config: period must be positive, got %d", c.Period)
	}
	if c.Rank == 0 && c.SocketPath == "" {
		return fmt.Errorf("config: socket_path is required on the root master")
	}
	return nil
}
