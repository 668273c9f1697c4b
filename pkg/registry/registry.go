// pkg/registry/registry.go
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadRegistry reads a registry file. Files ending in .json are decoded as
// JSON, anything else as YAML.
func LoadRegistry(path string) (*AgentRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var reg AgentRegistry
	if isJSON(path) {
		err = json.Unmarshal(data, &reg)
	} else {
		err = yaml.Unmarshal(data, &reg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode registry %s: %w", path, err)
	}
	return &reg, nil
}

// SaveRegistry stamps LastUpdated and writes reg to path, creating parent
// directories as needed.
func SaveRegistry(reg *AgentRegistry, path string) error {
	reg.LastUpdated = time.Now().UTC().Format(time.RFC3339)

	var (
		data []byte
		err  error
	)
	if isJSON(path) {
		data, err = json.MarshalIndent(reg, "", "  ")
	} else {
		data, err = yaml.Marshal(reg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	// Tokens live in this file.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write registry file: %w", err)
	}
	return nil
}

// Find returns the agent with id.
func (r *AgentRegistry) Find(id string) (*Agent, bool) {
	for i := range r.Agents {
		if r.Agents[i].ID == id {
			return &r.Agents[i], true
		}
	}
	return nil, false
}

// Validate checks ids and tokens are present and unique, roles are known and
// subscriptions name provider agents.
func (r *AgentRegistry) Validate() error {
	if len(r.Agents) == 0 {
		return fmt.Errorf("registry contains no agents")
	}

	ids := make(map[string]bool, len(r.Agents))
	tokens := make(map[string]string, len(r.Agents))
	providers := make(map[string]bool)
	for _, a := range r.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent missing required field: id")
		}
		if ids[a.ID] {
			return fmt.Errorf("duplicate agent id: %s", a.ID)
		}
		ids[a.ID] = true

		if a.Token == "" {
			return fmt.Errorf("agent %s missing required field: token", a.ID)
		}
		if other, ok := tokens[a.Token]; ok {
			return fmt.Errorf("agents %s and %s share a token", other, a.ID)
		}
		tokens[a.Token] = a.ID

		if len(a.Roles) == 0 {
			return fmt.Errorf("agent %s has no roles", a.ID)
		}
		for _, role := range a.Roles {
			switch role {
			case RoleRequester:
			case RoleProvider:
				providers[a.ID] = true
			default:
				return fmt.Errorf("agent %s has unknown role %q", a.ID, role)
			}
		}
	}

	for _, a := range r.Agents {
		for _, sub := range a.Subscriptions {
			if !providers[sub] {
				return fmt.Errorf("agent %s subscribes to %s, which is not a provider", a.ID, sub)
			}
		}
	}
	return nil
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}
