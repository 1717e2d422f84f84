// Package config loads the agent's persisted routing configuration.
// Absence of the file is a fatal startup error.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Client identifies the agent to the relay.
type Client struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	DefaultTarget string `json:"defaultTarget"`
}

// Mapping is a single routing-table entry as persisted on disk.
type Mapping struct {
	Prefix      string `json:"prefix"`
	Target      string `json:"target"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	HealthCheck string `json:"healthCheck,omitempty"`
	Protected   bool   `json:"protected,omitempty"`
}

// Options is reserved for future behavior; the baseline ignores it.
type Options struct {
	EnableFallback      bool `json:"enableFallback"`
	HealthCheckInterval int  `json:"healthCheckInterval"`
	RetryFailedRequests bool `json:"retryFailedRequests"`
	MaxRetries          int  `json:"maxRetries"`
}

// Agent is the full persisted agent configuration document.
type Agent struct {
	Client   Client    `json:"client"`
	Mappings []Mapping `json:"mappings"`
	Options  Options   `json:"options"`
}

// EffectiveMappings returns only the enabled entries, in declared order.
func (a Agent) EffectiveMappings() []Mapping {
	out := make([]Mapping, 0, len(a.Mappings))
	for _, m := range a.Mappings {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// LoadAgent reads and parses the agent config document at path. A missing
// file is a fatal error.
func LoadAgent(path string) (Agent, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Agent{}, fmt.Errorf("config: agent config %q is required: %w", path, err)
	}
	var a Agent
	if err := json.Unmarshal(raw, &a); err != nil {
		return Agent{}, fmt.Errorf("config: malformed agent config %q: %w", path, err)
	}
	return a, nil
}

// MultiTunnel describes several named tunnels run by a single agent
// process, each against its own local target; see SPEC_FULL.md
// SUPPLEMENTED FEATURES #4.
type MultiTunnel struct {
	RelayURL string             `yaml:"relayUrl"`
	AgentID  string             `yaml:"agentId"`
	Tunnels  []MultiTunnelEntry `yaml:"tunnels"`
}

// MultiTunnelEntry is one named tunnel within a MultiTunnel document.
type MultiTunnelEntry struct {
	Name          string    `yaml:"name"`
	DefaultTarget string    `yaml:"defaultTarget"`
	Mappings      []Mapping `yaml:"mappings"`
}

// LoadMultiTunnel reads a YAML multi-tunnel document from path.
func LoadMultiTunnel(path string) (MultiTunnel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return MultiTunnel{}, fmt.Errorf("config: multi-tunnel config %q is required: %w", path, err)
	}
	var m MultiTunnel
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return MultiTunnel{}, fmt.Errorf("config: malformed multi-tunnel config %q: %w", path, err)
	}
	return m, nil
}
