package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-relay/internal/common/auth"
	"agent-relay/internal/common/config"
	"agent-relay/internal/common/logger"
	"agent-relay/internal/relay/ledger"
	"agent-relay/pkg/registry"
)

func TestRetryWithBackoff(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	}, 5, time.Millisecond, logger.NewNoOpLogger(), "test op")
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	err = retryWithBackoff(context.Background(), func() error { return errors.New("down") }, 2, time.Millisecond, logger.NewNoOpLogger(), "test op")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test op failed after 2 attempts")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = retryWithBackoff(ctx, func() error { return errors.New("down") }, 5, time.Hour, logger.NewNoOpLogger(), "test op")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuildAuthenticator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, registry.SaveRegistry(&registry.AgentRegistry{Agents: []registry.Agent{
		{ID: "alice", Token: "tok-alice", Roles: []string{registry.RoleRequester}},
	}}, path))

	cfg := &config.Config{}
	cfg.Auth.RegistryPath = path
	a, err := buildAuthenticator(cfg)
	require.NoError(t, err)
	_, isStatic := a.(*auth.StaticAuthenticator)
	assert.True(t, isStatic)

	cfg.Auth.Introspection.Enabled = true
	cfg.Auth.Introspection.URL = "http://127.0.0.1:1/introspect"
	a, err = buildAuthenticator(cfg)
	require.NoError(t, err)
	chain, isChain := a.(auth.Chain)
	require.True(t, isChain)
	assert.Len(t, chain, 2)

	cfg.Auth.RegistryPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = buildAuthenticator(cfg)
	assert.Error(t, err)
}

func TestConnect_Backends(t *testing.T) {
	cfg := &config.Config{}
	cfg.Ledger.Backend = "memory"
	deps, err := connect(context.Background(), cfg, logger.NewNoOpLogger())
	require.NoError(t, err)
	_, isMemory := deps.ledger.(*ledger.MemoryLedger)
	assert.True(t, isMemory)
	deps.close(logger.NewNoOpLogger())

	mr := miniredis.RunT(t)
	cfg.Ledger.Backend = "redis"
	cfg.Ledger.KeyPrefix = "relay:"
	cfg.Database.Redis.Address = mr.Addr()
	deps, err = connect(context.Background(), cfg, logger.NewNoOpLogger())
	require.NoError(t, err)
	_, isRedis := deps.ledger.(*ledger.RedisLedger)
	assert.True(t, isRedis)
	assert.NoError(t, deps.ledger.Ping(context.Background()))
	deps.close(logger.NewNoOpLogger())
}

func TestBuildArchive_NoSinks(t *testing.T) {
	cfg := &config.Config{}
	d, err := buildArchive(context.Background(), cfg, &dependencies{}, logger.NewNoOpLogger())
	require.NoError(t, err)
	d.Start()
	assert.NoError(t, d.Close(context.Background()))
}
