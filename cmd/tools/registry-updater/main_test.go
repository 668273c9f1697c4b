package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-relay/pkg/registry"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	_, err := newParser(&out).ParseArgs(args)
	return out.String(), err
}

func TestAddValidateList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")

	out, err := runCLI(t, "--path", path, "add", "--id", "summarizer", "--role", "provider", "--token", "tok-sum")
	require.NoError(t, err)
	assert.Equal(t, "Added agent: summarizer\n", out)

	out, err = runCLI(t, "--path", path, "add", "--id", "alice", "--role", "requester", "--subscribe", "summarizer")
	require.NoError(t, err)
	assert.Contains(t, out, "Token: rt_")

	reg, err := registry.LoadRegistry(path)
	require.NoError(t, err)
	require.Len(t, reg.Agents, 2)
	assert.Equal(t, []string{"summarizer"}, reg.Agents[1].Subscriptions)
	assert.NotEmpty(t, reg.LastUpdated)

	out, err = runCLI(t, "--path", path, "validate")
	require.NoError(t, err)
	assert.Equal(t, "Registry validation passed. Found 2 agents.\n", out)

	out, err = runCLI(t, "--path", path, "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[2], "summarizer")
	assert.NotContains(t, out, "tok-sum")
}

func TestAdd_Rejections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.json")
	_, err := runCLI(t, "--path", path, "add", "--id", "p1", "--role", "provider")
	require.NoError(t, err)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"duplicate id", []string{"add", "--id", "p1", "--role", "provider"}, "already exists"},
		{"unknown role", []string{"add", "--id", "x", "--role", "admin"}, "admin"},
		{"missing role", []string{"add", "--id", "x"}, "role"},
		{"subscription to non-provider", []string{"add", "--id", "x", "--role", "requester", "--subscribe", "nobody"}, "not a provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, append([]string{"--path", path}, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	reg, err := registry.LoadRegistry(path)
	require.NoError(t, err)
	assert.Len(t, reg.Agents, 1)
}

func TestUpdateAndRotate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, registry.SaveRegistry(&registry.AgentRegistry{Agents: []registry.Agent{
		{ID: "p1", Token: "tok-p1", Roles: []string{registry.RoleProvider}},
		{ID: "alice", Token: "tok-alice", Roles: []string{registry.RoleRequester}},
	}}, path))

	_, err := runCLI(t, "--path", path, "update", "--id", "alice", "--field", "subscriptions", "--value", "p1, ")
	require.NoError(t, err)
	_, err = runCLI(t, "--path", path, "update", "--id", "alice", "--field", "disabled", "--value", "true")
	require.NoError(t, err)
	_, err = runCLI(t, "--path", path, "update", "--id", "alice", "--field", "roles", "--value", "requester,provider")
	require.NoError(t, err)

	reg, err := registry.LoadRegistry(path)
	require.NoError(t, err)
	alice, ok := reg.Find("alice")
	require.True(t, ok)
	assert.Equal(t, []string{"p1"}, alice.Subscriptions)
	assert.True(t, alice.Disabled)
	assert.True(t, alice.HasRole(registry.RoleProvider))

	_, err = runCLI(t, "--path", path, "update", "--id", "alice", "--field", "disabled", "--value", "maybe")
	assert.ErrorContains(t, err, "invalid disabled value")
	_, err = runCLI(t, "--path", path, "update", "--id", "ghost", "--field", "displayName", "--value", "x")
	assert.ErrorContains(t, err, "not found")
	_, err = runCLI(t, "--path", path, "update", "--id", "alice", "--field", "token", "--value", "tok-p1")
	assert.ErrorContains(t, err, "share a token")

	out, err := runCLI(t, "--path", path, "rotate", "--id", "p1")
	require.NoError(t, err)
	reg, err = registry.LoadRegistry(path)
	require.NoError(t, err)
	p1, _ := reg.Find("p1")
	assert.NotEqual(t, "tok-p1", p1.Token)
	assert.Equal(t, "Token: "+p1.Token+"\n", out)
}

func TestValidate_MissingFile(t *testing.T) {
	_, err := runCLI(t, "--path", filepath.Join(t.TempDir(), "none.yaml"), "validate")
	assert.ErrorContains(t, err, "failed to load registry")
}
