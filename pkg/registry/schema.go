// pkg/registry/schema.go
package registry

// Agent roles.
const (
	RoleRequester = "requester"
	RoleProvider  = "provider"
)

// AgentRegistry is the on-disk list of agents allowed to use the relay.
type AgentRegistry struct {
	Version     string  `json:"version" yaml:"version"`
	LastUpdated string  `json:"lastUpdated" yaml:"lastUpdated"`
	Agents      []Agent `json:"agents" yaml:"agents"`
}

// Agent is one registered identity.
type Agent struct {
	ID          string   `json:"id" yaml:"id"`
	DisplayName string   `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	Token       string   `json:"token" yaml:"token"`
	Roles       []string `json:"roles" yaml:"roles"`
	// Subscriptions restricts which providers see this requester's requests.
	// Empty means any provider.
	Subscriptions []string `json:"subscriptions,omitempty" yaml:"subscriptions,omitempty"`
	Disabled      bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// HasRole reports whether the agent carries role.
func (a Agent) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}
