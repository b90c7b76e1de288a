package keys

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/mind-engage/ltibridge/internal/registry"
)

// ErrKeyNotFound is returned when neither the cached nor a freshly fetched
// key set contains a usable verification key.
var ErrKeyNotFound = errors.New("keys: no verification key found")

// Resolver turns (registration, kid) into platform verification keys and
// signs outbound JWTs with the tool's private key. Fetched JWKS documents
// are cached with a TTL; concurrent fetches for the same URL are collapsed.
type Resolver struct {
	Tool *ToolKey

	HTTP *http.Client
	// TTL bounds how long a fetched JWKS is served from cache (default 1h).
	TTL time.Duration
	Now func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedJWKS
	group singleflight.Group
}

type cachedJWKS struct {
	set     JWKS
	fetched time.Time
}

func NewResolver(tool *ToolKey) *Resolver {
	return &Resolver{
		Tool:  tool,
		HTTP:  &http.Client{Timeout: 10 * time.Second},
		cache: make(map[string]cachedJWKS),
	}
}

// VerificationKeys returns candidate RSA public keys for the registration.
// With a kid, only matching keys are returned; without one, all keys, so
// the caller can try each. A kid miss against the cache triggers exactly
// one forced re-fetch before failing with ErrKeyNotFound.
func (r *Resolver) VerificationKeys(ctx context.Context, reg registry.Registration, kid string) ([]*rsa.PublicKey, error) {
	if len(reg.KeySet) > 0 && reg.KeySetURL == "" {
		set, err := ParseJWKS(reg.KeySet)
		if err != nil {
			return nil, fmt.Errorf("static key set: %w", err)
		}
		if ks := rsaKeys(set, kid); len(ks) > 0 {
			return ks, nil
		}
		return nil, ErrKeyNotFound
	}
	if reg.KeySetURL == "" {
		return nil, errors.New("keys: registration has no key source")
	}

	set, err := r.fetch(ctx, reg.KeySetURL, false)
	if err != nil {
		return nil, err
	}
	if ks := rsaKeys(set, kid); len(ks) > 0 {
		return ks, nil
	}
	// The platform may have rotated since we cached; retry once, fresh.
	set, err = r.fetch(ctx, reg.KeySetURL, true)
	if err != nil {
		return nil, err
	}
	if ks := rsaKeys(set, kid); len(ks) > 0 {
		return ks, nil
	}
	return nil, ErrKeyNotFound
}

// Sign signs claims with the registration's tool key (or the process-wide
// key when none is configured). The private key never leaves this package.
func (r *Resolver) Sign(reg registry.Registration, claims jwt.Claims) (string, error) {
	priv, kid, err := r.signingKey(reg)
	if err != nil {
		return "", err
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	return tok.SignedString(priv)
}

func (r *Resolver) signingKey(reg registry.Registration) (*rsa.PrivateKey, string, error) {
	if reg.ToolKeyPEM != "" {
		tk, err := ParseToolKey([]byte(reg.ToolKeyPEM), reg.ToolKeyID)
		if err != nil {
			return nil, "", err
		}
		return tk.private(), tk.KID(), nil
	}
	if r.Tool == nil {
		return nil, "", errors.New("keys: no tool key configured")
	}
	return r.Tool.private(), r.Tool.KID(), nil
}

func (r *Resolver) fetch(ctx context.Context, url string, force bool) (JWKS, error) {
	now := r.now()
	if !force {
		r.mu.RLock()
		c, ok := r.cache[url]
		r.mu.RUnlock()
		if ok && now.Sub(c.fetched) < r.ttl() {
			return c.set, nil
		}
	}

	v, err, _ := r.group.Do(url, func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := r.HTTP.Do(req)
		if err != nil {
			return nil, fmt.Errorf("jwks fetch: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return nil, fmt.Errorf("jwks fetch: platform returned %s", resp.Status)
		}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		set, err := ParseJWKS(raw)
		if err != nil {
			return nil, fmt.Errorf("jwks decode: %w", err)
		}
		r.mu.Lock()
		r.cache[url] = cachedJWKS{set: set, fetched: r.now()}
		r.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return JWKS{}, err
	}
	return v.(JWKS), nil
}

func (r *Resolver) ttl() time.Duration {
	if r.TTL > 0 {
		return r.TTL
	}
	return time.Hour
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
