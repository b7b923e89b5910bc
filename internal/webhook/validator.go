package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// microsoftJWKSURL serves the signing keys for Graph notification tokens.
const microsoftJWKSURL = "https://login.microsoftonline.com/common/discovery/v2.0/keys"

// Validator verifies the validationTokens attached to rich notifications,
// with cached JWKS so verification never blocks on a key fetch.
type Validator struct {
	jwksURL     string
	audience    string
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	refreshTTL  time.Duration
}

// NewValidator creates a validator that checks token signatures against the
// Microsoft JWKS and requires the app's client id as audience.
func NewValidator(clientID string) (*Validator, error) {
	v := &Validator{
		jwksURL:    microsoftJWKSURL,
		audience:   clientID,
		refreshTTL: 15 * time.Minute,
	}

	cache := jwk.NewCache(context.Background())
	if err := cache.Register(v.jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.cache = cache

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keySet, err := v.fetchKeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.keySet = keySet

	go v.backgroundRefresh()

	return v, nil
}

func (v *Validator) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *Validator) backgroundRefresh() {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		keySet, err := v.fetchKeySet(ctx)
		cancel()

		if err == nil {
			v.keySetMutex.Lock()
			v.keySet = keySet
			v.keySetMutex.Unlock()
		}
		// Retry on next tick.
	}
}

func (v *Validator) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}

// ValidateTokens verifies every validation token in a notification batch.
// An empty slice is fine: plain notifications carry none.
func (v *Validator) ValidateTokens(ctx context.Context, tokens []string) error {
	for _, raw := range tokens {
		_, err := jwt.Parse(
			[]byte(raw),
			jwt.WithKeySet(v.getKeySet()),
			jwt.WithValidate(true),
			jwt.WithAudience(v.audience),
		)
		if err != nil {
			return fmt.Errorf("invalid validation token: %w", err)
		}
	}
	return nil
}
