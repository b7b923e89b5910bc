package graph

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenExpiryBuffer is how long before actual expiry a cached token is
// treated as stale.
const tokenExpiryBuffer = 45 * time.Second

// TokenCache acquires app-only Graph tokens via the client-credentials flow
// and caches the result until it nears expiry. It implements
// azcore.TokenCredential so it plugs directly into the Graph SDK client.
//
// The cache is lock-free: two goroutines hitting an expired token may both
// refresh, which just yields two valid tokens.
type TokenCache struct {
	conf   clientcredentials.Config
	buffer time.Duration
	cached atomic.Pointer[oauth2.Token]
}

// NewTokenCache creates a token cache for the given Entra tenant and app
// registration.
func NewTokenCache(tenantID, clientID, clientSecret string) *TokenCache {
	return &TokenCache{
		conf: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID),
			Scopes:       []string{"https://graph.microsoft.com/.default"},
		},
		buffer: tokenExpiryBuffer,
	}
}

// Token returns the cached token, refreshing it first when it expires within
// the safety buffer. Exchange failures propagate to the caller.
func (t *TokenCache) Token(ctx context.Context) (*oauth2.Token, error) {
	if tok := t.cached.Load(); tok != nil && time.Until(tok.Expiry) > t.buffer {
		return tok, nil
	}

	tok, err := t.conf.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}

	t.cached.Store(tok)
	return tok, nil
}

// GetToken implements azcore.TokenCredential.
func (t *TokenCache) GetToken(ctx context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := t.Token(ctx)
	if err != nil {
		return azcore.AccessToken{}, err
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: tok.Expiry}, nil
}
