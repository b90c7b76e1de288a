package connector_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/mind-engage/ltibridge/internal/connector"
	"github.com/mind-engage/ltibridge/internal/keys"
	"github.com/mind-engage/ltibridge/internal/registry"
)

// fakePlatform is a minimal token endpoint plus a paginated resource.
type fakePlatform struct {
	t *testing.T

	tokenCalls    int
	lastAssertion string
	lastScope     string

	resourceCalls int
	lastBearer    string
}

func (p *fakePlatform) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if got := r.PostFormValue("grant_type"); got != "client_credentials" {
			p.t.Errorf("grant_type = %q", got)
		}
		p.tokenCalls++
		p.lastAssertion = r.PostFormValue("client_assertion")
		p.lastScope = r.PostFormValue("scope")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("tok-%d", p.tokenCalls),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		p.resourceCalls++
		p.lastBearer = r.Header.Get("Authorization")
		page := r.URL.Query().Get("page")
		w.Header().Set("Content-Type", "application/json")
		if page == "" {
			w.Header().Set("Link", fmt.Sprintf(`<http://%s/items?page=2>; rel="next"`, r.Host))
			fmt.Fprint(w, `[{"id":"a"},{"id":"b"}]`)
			return
		}
		fmt.Fprint(w, `[{"id":"c"}]`)
	})
	return mux
}

func newTestConnector(t *testing.T, srvURL string, cache connector.TokenCache) (*connector.Connector, *keys.ToolKey) {
	t.Helper()
	tk, err := keys.GenerateToolKey("tool-1")
	if err != nil {
		t.Fatalf("tool key: %v", err)
	}
	reg := registry.Registration{
		Issuer:       "https://platform.example.com",
		ClientID:     "abc123",
		AuthLoginURL: srvURL + "/auth",
		AuthTokenURL: srvURL + "/token",
		KeySetURL:    srvURL + "/jwks",
	}
	return connector.New(reg, keys.NewResolver(tk), cache), tk
}

func TestAccessToken_CachedUntilExpiry(t *testing.T) {
	platform := &fakePlatform{t: t}
	srv := httptest.NewServer(platform.handler())
	defer srv.Close()

	conn, _ := newTestConnector(t, srv.URL, nil)
	scopes := []string{"https://purl.imsglobal.org/spec/lti-ags/scope/score"}

	tok1, err := conn.AccessToken(context.Background(), scopes)
	if err != nil {
		t.Fatalf("first token: %v", err)
	}
	tok2, err := conn.AccessToken(context.Background(), scopes)
	if err != nil {
		t.Fatalf("second token: %v", err)
	}
	if tok1 != tok2 {
		t.Fatalf("token not reused: %q vs %q", tok1, tok2)
	}
	if platform.tokenCalls != 1 {
		t.Fatalf("expected 1 token exchange, got %d", platform.tokenCalls)
	}

	// A different scope set gets its own token.
	if _, err := conn.AccessToken(context.Background(), []string{"other"}); err != nil {
		t.Fatalf("other scope token: %v", err)
	}
	if platform.tokenCalls != 2 {
		t.Fatalf("expected a fresh exchange for new scopes, got %d", platform.tokenCalls)
	}
}

func TestAccessToken_RefreshAfterExpiry(t *testing.T) {
	platform := &fakePlatform{t: t}
	srv := httptest.NewServer(platform.handler())
	defer srv.Close()

	conn, _ := newTestConnector(t, srv.URL, nil)
	scopes := []string{"s"}

	// Issue the first token with a clock two hours in the past, so its
	// one-hour lifetime has already lapsed in real time.
	conn.Now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	if _, err := conn.AccessToken(context.Background(), scopes); err != nil {
		t.Fatalf("first token: %v", err)
	}

	conn.Now = nil
	tok, err := conn.AccessToken(context.Background(), scopes)
	if err != nil {
		t.Fatalf("second token: %v", err)
	}
	if platform.tokenCalls != 2 {
		t.Fatalf("expected exactly one refresh after expiry, got %d exchanges", platform.tokenCalls)
	}
	if tok != "tok-2" {
		t.Fatalf("stale token served after expiry: %q", tok)
	}
}

func TestAccessToken_ClientAssertionShape(t *testing.T) {
	platform := &fakePlatform{t: t}
	srv := httptest.NewServer(platform.handler())
	defer srv.Close()

	conn, tk := newTestConnector(t, srv.URL, nil)
	if _, err := conn.AccessToken(context.Background(), []string{"b-scope", "a-scope", "a-scope"}); err != nil {
		t.Fatalf("token: %v", err)
	}

	if platform.lastScope != "a-scope b-scope" {
		t.Fatalf("scopes not deduped/sorted: %q", platform.lastScope)
	}

	claims := jwt.MapClaims{}
	pub := tk.PublicJWKS().Keys[0]
	key, err := pub.PublicKey()
	if err != nil {
		t.Fatalf("jwk: %v", err)
	}
	parsed, err := jwt.ParseWithClaims(platform.lastAssertion, claims,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		t.Fatalf("assertion does not verify with tool key: %v", err)
	}
	if kid, _ := parsed.Header["kid"].(string); kid != "tool-1" {
		t.Fatalf("assertion kid = %q", kid)
	}
	if iss, _ := claims["iss"].(string); iss != "abc123" {
		t.Fatalf("assertion iss = %q, want client_id", iss)
	}
	if sub, _ := claims["sub"].(string); sub != "abc123" {
		t.Fatalf("assertion sub = %q, want client_id", sub)
	}
	if jti, _ := claims["jti"].(string); jti == "" {
		t.Fatalf("assertion missing jti")
	}
	aud, _ := claims["aud"].([]any)
	if len(aud) != 1 || aud[0] != srv.URL+"/token" {
		t.Fatalf("assertion aud = %v, want token URL", claims["aud"])
	}
}

func TestGetJSON_FollowsPagination(t *testing.T) {
	platform := &fakePlatform{t: t}
	srv := httptest.NewServer(platform.handler())
	defer srv.Close()

	conn, _ := newTestConnector(t, srv.URL, nil)

	type item struct {
		ID string `json:"id"`
	}
	var all []item
	pageURL := srv.URL + "/items"
	for pageURL != "" {
		var batch []item
		next, err := conn.GetJSON(context.Background(), pageURL, []string{"s"}, "application/json", &batch)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		all = append(all, batch...)
		pageURL = next
	}

	if len(all) != 3 || all[2].ID != "c" {
		t.Fatalf("pagination lost items: %+v", all)
	}
	if platform.resourceCalls != 2 {
		t.Fatalf("expected 2 page fetches, got %d", platform.resourceCalls)
	}
	if platform.tokenCalls != 1 {
		t.Fatalf("pages should share one token, got %d exchanges", platform.tokenCalls)
	}
	if !strings.HasPrefix(platform.lastBearer, "Bearer tok-") {
		t.Fatalf("missing bearer header: %q", platform.lastBearer)
	}
}

func TestGetJSON_ErrorCarriesStatusAndBody(t *testing.T) {
	platform := &fakePlatform{t: t}
	mux := http.NewServeMux()
	mux.Handle("/token", platform.handler())
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "line item gone", http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn, _ := newTestConnector(t, srv.URL, nil)
	_, err := conn.GetJSON(context.Background(), srv.URL+"/broken", []string{"s"}, "", nil)
	se, ok := err.(*connector.ServiceError)
	if !ok {
		t.Fatalf("expected *ServiceError, got %T: %v", err, err)
	}
	if se.Status != http.StatusNotFound || !strings.Contains(se.Body, "line item gone") {
		t.Fatalf("error lost platform response: %+v", se)
	}
}

func TestNextLink(t *testing.T) {
	h := http.Header{}
	h.Add("Link", `<https://lms.example/li?page=1>; rel="prev", <https://lms.example/li?page=3>; rel="next"`)
	h.Add("Link", `<https://lms.example/li?page=9>; rel="last"`)
	if got := connector.NextLink(h); got != "https://lms.example/li?page=3" {
		t.Fatalf("NextLink = %q", got)
	}
	if got := connector.NextLink(http.Header{}); got != "" {
		t.Fatalf("NextLink on empty header = %q", got)
	}
}

func TestRedisTokenCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := connector.NewRedisTokenCache(client)

	tok := connector.Token{AccessToken: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}
	if err := cache.Set(context.Background(), "k1", tok); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := cache.Get(context.Background(), "k1")
	if err != nil || !ok || got.AccessToken != "tok-1" {
		t.Fatalf("get = %+v %v %v", got, ok, err)
	}

	// Expired entries vanish.
	mr.FastForward(2 * time.Hour)
	if _, ok, _ := cache.Get(context.Background(), "k1"); ok {
		t.Fatalf("expected expired token to be gone")
	}
}

func TestSharedSecretExchange(t *testing.T) {
	var sawBasicOrForm bool
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if _, _, ok := r.BasicAuth(); ok || r.PostFormValue("client_secret") != "" {
			sawBasicOrForm = true
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"secret-tok","token_type":"Bearer","expires_in":60}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	reg := registry.Registration{
		Issuer:       "https://platform.example.com",
		ClientID:     "abc123",
		ClientSecret: "s3cret",
		AuthLoginURL: srv.URL + "/auth",
		AuthTokenURL: srv.URL + "/token",
		KeySetURL:    srv.URL + "/jwks",
	}
	conn := connector.New(reg, keys.NewResolver(nil), nil)

	tok, err := conn.AccessToken(context.Background(), []string{"s"})
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "secret-tok" {
		t.Fatalf("token = %q", tok)
	}
	if !sawBasicOrForm {
		t.Fatalf("client secret never presented to the token endpoint")
	}
}
