package connector

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/mind-engage/ltibridge/internal/keys"
	"github.com/mind-engage/ltibridge/internal/registry"
)

const assertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Connector executes authenticated calls against one platform registration.
// Access tokens are cached per sorted scope set and reused until expiry.
// Concurrent first uses of the same scope set may each hit the token
// endpoint; the platform tolerates that and later calls converge on the
// cache.
type Connector struct {
	Reg   registry.Registration
	Keys  *keys.Resolver
	Cache TokenCache

	HTTP *http.Client
	Now  func() time.Time
}

func New(reg registry.Registration, kr *keys.Resolver, cache TokenCache) *Connector {
	if cache == nil {
		cache = NewMemoryTokenCache()
	}
	return &Connector{
		Reg:   reg,
		Keys:  kr,
		Cache: cache,
		HTTP:  &http.Client{Timeout: 15 * time.Second},
	}
}

// AccessToken returns a bearer token valid for the scope set, exchanging a
// fresh one only on cache miss.
func (c *Connector) AccessToken(ctx context.Context, scopes []string) (string, error) {
	key := c.cacheKey(scopes)
	if tok, ok, err := c.Cache.Get(ctx, key); err == nil && ok {
		return tok.AccessToken, nil
	}

	tok, err := c.exchange(ctx, scopes)
	if err != nil {
		return "", err
	}
	_ = c.Cache.Set(ctx, key, tok)
	return tok.AccessToken, nil
}

func (c *Connector) exchange(ctx context.Context, scopes []string) (Token, error) {
	// Platforms registered with a shared secret use the plain
	// client_credentials flow; everything else authenticates with a signed
	// private_key_jwt assertion per the IMS security framework.
	if c.Reg.ClientSecret != "" {
		cc := clientcredentials.Config{
			ClientID:     c.Reg.ClientID,
			ClientSecret: c.Reg.ClientSecret,
			TokenURL:     c.Reg.AuthTokenURL,
			Scopes:       scopes,
		}
		t, err := cc.Token(ctx)
		if err != nil {
			return Token{}, &ServiceError{Op: "token exchange", Err: err}
		}
		return Token{AccessToken: t.AccessToken, ExpiresAt: t.Expiry}, nil
	}

	now := c.now()
	assertion, err := c.Keys.Sign(c.Reg, jwt.RegisteredClaims{
		Issuer:    c.Reg.ClientID,
		Subject:   c.Reg.ClientID,
		Audience:  jwt.ClaimStrings{c.Reg.Audience()},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(60 * time.Second)),
		ID:        uuid.NewString(),
	})
	if err != nil {
		return Token{}, &ServiceError{Op: "signing client assertion", Err: err}
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", assertionType)
	form.Set("client_assertion", assertion)
	form.Set("scope", strings.Join(sortedScopes(scopes), " "))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Reg.AuthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, &ServiceError{Op: "token exchange", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Token{}, &ServiceError{Op: "token exchange", Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return Token{}, &ServiceError{Op: "token exchange", Status: resp.StatusCode, Body: string(body)}
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return Token{}, &ServiceError{Op: "token exchange", Status: resp.StatusCode, Body: string(body), Err: err}
	}
	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return Token{AccessToken: tr.AccessToken, ExpiresAt: now.Add(time.Duration(expiresIn) * time.Second)}, nil
}

// GetJSON performs an authenticated GET and decodes the response into out.
// The returned cursor is the rel="next" Link target, empty on the last
// page; callers opt into pagination by following it.
func (c *Connector) GetJSON(ctx context.Context, rawURL string, scopes []string, accept string, out any) (string, error) {
	tok, err := c.AccessToken(ctx, scopes)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", &ServiceError{Op: "get " + rawURL, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", &ServiceError{Op: "get " + rawURL, Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if resp.StatusCode/100 != 2 {
		return "", &ServiceError{Op: "get " + rawURL, Status: resp.StatusCode, Body: string(body)}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			// A 2xx with undecodable JSON is a protocol violation, not an
			// empty result.
			return "", &ServiceError{Op: "get " + rawURL, Status: resp.StatusCode, Body: string(body), Err: err}
		}
	}
	return NextLink(resp.Header), nil
}

// PostJSON performs an authenticated POST with the given media type and
// decodes the response into out when non-nil.
func (c *Connector) PostJSON(ctx context.Context, rawURL string, scopes []string, contentType string, in, out any) error {
	tok, err := c.AccessToken(ctx, scopes)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return &ServiceError{Op: "post " + rawURL, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return &ServiceError{Op: "post " + rawURL, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &ServiceError{Op: "post " + rawURL, Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return &ServiceError{Op: "post " + rawURL, Status: resp.StatusCode, Body: string(body)}
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return &ServiceError{Op: "post " + rawURL, Status: resp.StatusCode, Body: string(body), Err: err}
		}
	}
	return nil
}

func (c *Connector) cacheKey(scopes []string) string {
	h := sha256.New()
	h.Write([]byte(c.Reg.Issuer))
	h.Write([]byte{0})
	h.Write([]byte(c.Reg.ClientID))
	for _, s := range sortedScopes(scopes) {
		h.Write([]byte{0})
		h.Write([]byte(s))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Connector) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

func sortedScopes(scopes []string) []string {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// NextLink extracts the rel="next" target from a Link header, per RFC 8288.
func NextLink(h http.Header) string {
	for _, raw := range h.Values("Link") {
		for _, part := range strings.Split(raw, ",") {
			seg := strings.Split(part, ";")
			if len(seg) < 2 {
				continue
			}
			target := strings.TrimSpace(seg[0])
			if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				continue
			}
			for _, attr := range seg[1:] {
				k, v, ok := strings.Cut(strings.TrimSpace(attr), "=")
				if !ok {
					continue
				}
				v = strings.Trim(strings.TrimSpace(v), `"`)
				if strings.EqualFold(strings.TrimSpace(k), "rel") && strings.EqualFold(v, "next") {
					return strings.Trim(target, "<>")
				}
			}
		}
	}
	return ""
}
