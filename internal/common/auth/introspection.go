package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"agent-relay/internal/common/errors"
	relayhttp "agent-relay/internal/common/http"
)

// TokenInfo holds the fields of an RFC 7662 introspection response the relay
// uses.
type TokenInfo struct {
	Active   bool   `json:"active"`
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Exp      int64  `json:"exp,omitempty"`
	Sub      string `json:"sub,omitempty"`
	// Roles is a non-standard claim some issuers add; scope is used otherwise.
	Roles         []string `json:"roles,omitempty"`
	Subscriptions []string `json:"subscriptions,omitempty"`
}

// IntrospectionConfig configures an IntrospectionAuthenticator.
type IntrospectionConfig struct {
	URL          string
	ClientID     string
	ClientSecret string
	CacheTTL     time.Duration
}

type cachedPrincipal struct {
	principal *Principal
	expires   time.Time
}

// IntrospectionAuthenticator validates tokens against an OAuth2 token
// introspection endpoint and caches active tokens.
type IntrospectionAuthenticator struct {
	cfg    IntrospectionConfig
	client *relayhttp.Client
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedPrincipal
}

func NewIntrospectionAuthenticator(cfg IntrospectionConfig, client *relayhttp.Client) *IntrospectionAuthenticator {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	return &IntrospectionAuthenticator{
		cfg:    cfg,
		client: client,
		now:    time.Now,
		cache:  make(map[string]cachedPrincipal),
	}
}

func (a *IntrospectionAuthenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if p := a.cached(token); p != nil {
		return p, nil
	}

	info, err := a.introspect(ctx, token)
	if err != nil {
		return nil, err
	}
	if !info.Active {
		return nil, errors.NewUnauthorizedError("token is not active")
	}

	p := &Principal{AgentID: info.agentID(), Roles: info.roles(), Subscriptions: info.Subscriptions}
	if p.AgentID == "" {
		return nil, errors.NewUnauthorizedError("token has no subject")
	}

	expires := a.now().Add(a.cfg.CacheTTL)
	if info.Exp > 0 {
		if tokenExp := time.Unix(info.Exp, 0); tokenExp.Before(expires) {
			expires = tokenExp
		}
	}
	a.mu.Lock()
	a.cache[token] = cachedPrincipal{principal: p, expires: expires}
	a.mu.Unlock()
	return p, nil
}

func (a *IntrospectionAuthenticator) cached(token string) *Principal {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.cache[token]
	if !ok {
		return nil
	}
	if !a.now().Before(c.expires) {
		delete(a.cache, token)
		return nil
	}
	return c.principal
}

func (a *IntrospectionAuthenticator) introspect(ctx context.Context, token string) (*TokenInfo, error) {
	data := url.Values{}
	data.Set("token", token)
	data.Set("token_type_hint", "access_token")
	data.Set("client_id", a.cfg.ClientID)
	data.Set("client_secret", a.cfg.ClientSecret)

	resp, err := a.client.PostForm(ctx, a.cfg.URL, data)
	if err != nil {
		return nil, errors.NewInternalError(fmt.Errorf("introspection request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("introspection returned status %d: %s", resp.StatusCode, string(body))
		if isTransientHTTPError(resp.StatusCode) {
			return nil, errors.NewInternalError(err)
		}
		return nil, errors.NewUnauthorizedError(err.Error())
	}

	var info TokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, errors.NewInternalError(fmt.Errorf("failed to decode introspection response: %w", err))
	}
	return &info, nil
}

func (t *TokenInfo) agentID() string {
	switch {
	case t.Username != "":
		return t.Username
	case t.ClientID != "":
		return t.ClientID
	}
	return t.Sub
}

func (t *TokenInfo) roles() []string {
	if len(t.Roles) > 0 {
		return t.Roles
	}
	var roles []string
	for _, s := range strings.Fields(t.Scope) {
		if r := strings.TrimPrefix(s, "relay:"); r != s {
			roles = append(roles, r)
		}
	}
	return roles
}

// isTransientHTTPError reports whether the status indicates a possibly
// transient failure of the introspection endpoint.
func isTransientHTTPError(statusCode int) bool {
	switch statusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
