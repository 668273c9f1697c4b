// Package auth resolves opaque bearer tokens to relay agents.
package auth

import (
	"context"
	"crypto/sha256"
	stderrors "errors"
	"fmt"
	"strings"

	"agent-relay/internal/common/errors"
	"agent-relay/pkg/registry"
)

// ErrUnknownToken is returned when no authenticator recognises a token.
var ErrUnknownToken = stderrors.New("unknown token")

// Principal is an authenticated agent.
type Principal struct {
	AgentID       string
	Roles         []string
	Subscriptions []string
}

func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Authenticator maps a bearer token to a Principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// StaticAuthenticator serves tokens listed in an agent registry.
type StaticAuthenticator struct {
	byToken map[[sha256.Size]byte]*Principal
}

// NewStaticAuthenticator indexes every enabled agent of reg.
func NewStaticAuthenticator(reg *registry.AgentRegistry) (*StaticAuthenticator, error) {
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent registry: %w", err)
	}
	a := &StaticAuthenticator{byToken: make(map[[sha256.Size]byte]*Principal, len(reg.Agents))}
	for _, agent := range reg.Agents {
		if agent.Disabled {
			continue
		}
		a.byToken[sha256.Sum256([]byte(agent.Token))] = &Principal{
			AgentID:       agent.ID,
			Roles:         append([]string(nil), agent.Roles...),
			Subscriptions: append([]string(nil), agent.Subscriptions...),
		}
	}
	return a, nil
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	p, ok := a.byToken[sha256.Sum256([]byte(token))]
	if !ok {
		return nil, errors.NewUnauthorizedError(ErrUnknownToken.Error())
	}
	return p, nil
}

// Chain tries each authenticator in order. Only an unknown-token rejection
// moves on to the next one; any other failure is returned as is.
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, token string) (*Principal, error) {
	var last error = errors.NewUnauthorizedError(ErrUnknownToken.Error())
	for _, a := range c {
		p, err := a.Authenticate(ctx, token)
		if err == nil {
			return p, nil
		}
		if se := errors.Normalize(err); se.Code != errors.ErrCodeUnauthorized {
			return nil, err
		}
		last = err
	}
	return nil, last
}
