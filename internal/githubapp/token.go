package githubapp

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Andrejs1979/cloud-code/common/clock"
)

// RotationMargin is how long before expiry a cached token is replaced.
const RotationMargin = 5 * time.Minute

// InstallationToken is a short-lived credential scoped to one installation.
// It is never persisted.
type InstallationToken struct {
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the token can still be presented at now.
func (t *InstallationToken) Valid(now time.Time) bool {
	return t != nil && t.Token != "" && now.Before(t.ExpiresAt)
}

// TokenIssuer is satisfied by *Issuer.
type TokenIssuer interface {
	AppID() string
	InstallationToken(ctx context.Context, installationID string) (*InstallationToken, bool)
}

// TokenCache reuses installation tokens until they approach expiry.
type TokenCache struct {
	clock clock.Clock

	mu     sync.Mutex
	tokens map[string]*InstallationToken
}

func NewTokenCache(c clock.Clock) *TokenCache {
	if c == nil {
		c = clock.Real()
	}
	return &TokenCache{clock: c, tokens: make(map[string]*InstallationToken)}
}

// Get returns a cached token for the installation or mints a new one.
func (c *TokenCache) Get(ctx context.Context, issuer TokenIssuer, installationID string) (*InstallationToken, bool) {
	key := issuer.AppID() + "/" + installationID

	c.mu.Lock()
	defer c.mu.Unlock()

	if tok, ok := c.tokens[key]; ok && tok.Valid(c.clock.Now().Add(RotationMargin)) {
		return tok, true
	}

	tok, ok := issuer.InstallationToken(ctx, installationID)
	if !ok {
		delete(c.tokens, key)
		return nil, false
	}
	c.tokens[key] = tok
	return tok, true
}

// Forget drops every cached token for appID.
func (c *TokenCache) Forget(appID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := appID + "/"
	for key := range c.tokens {
		if strings.HasPrefix(key, prefix) {
			delete(c.tokens, key)
		}
	}
}
