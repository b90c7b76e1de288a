package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Registration describes the trust relationship with one (issuer, client_id)
// pair. One issuer may carry several registrations distinguished by
// client_id; at most one of them may be marked Default for logins that omit
// client_id. Rows are administrator-managed and treated as immutable while
// a launch is in flight.
type Registration struct {
	Issuer       string `json:"issuer"`
	ClientID     string `json:"client_id"`
	AuthLoginURL string `json:"auth_login_url"`
	AuthTokenURL string `json:"auth_token_url"`
	// Optional override for the audience of outbound client assertions;
	// when empty the token URL is used.
	AuthAudience string `json:"auth_audience,omitempty"`

	// Platform verification keys: either a JWKS URL or a static key set.
	KeySetURL string          `json:"key_set_url,omitempty"`
	KeySet    json.RawMessage `json:"key_set,omitempty"`

	// Optional shared secret for platforms that do not accept
	// private_key_jwt client authentication.
	ClientSecret string `json:"client_secret,omitempty"`

	// Optional per-registration tool signing key (PEM). When empty the
	// resolver falls back to the process-wide tool key.
	ToolKeyPEM string `json:"tool_key_pem,omitempty"`
	ToolKeyID  string `json:"tool_key_id,omitempty"`

	Default bool `json:"default"`
}

func (r Registration) Validate() error {
	switch {
	case strings.TrimSpace(r.Issuer) == "":
		return errors.New("registration: issuer required")
	case strings.TrimSpace(r.ClientID) == "":
		return errors.New("registration: client_id required")
	case strings.TrimSpace(r.AuthLoginURL) == "":
		return errors.New("registration: auth_login_url required")
	case strings.TrimSpace(r.AuthTokenURL) == "":
		return errors.New("registration: auth_token_url required")
	case strings.TrimSpace(r.KeySetURL) == "" && len(r.KeySet) == 0:
		return errors.New("registration: key_set_url or key_set required")
	}
	return nil
}

// Audience returns the value outbound client assertions should use.
func (r Registration) Audience() string {
	if r.AuthAudience != "" {
		return r.AuthAudience
	}
	return r.AuthTokenURL
}

var (
	// ErrNotFound is returned when no registration matches.
	ErrNotFound = errors.New("registry: registration not found")
	// ErrAmbiguousDefault is returned when a default lookup matches more
	// than one registration for the issuer.
	ErrAmbiguousDefault = errors.New("registry: multiple default registrations for issuer")
)

// Store persists registrations and the deployments observed for them.
type Store interface {
	Get(ctx context.Context, issuer, clientID string) (Registration, error)
	// GetDefault returns the registration marked default for the issuer.
	// Zero or more than one default yields ErrNotFound / ErrAmbiguousDefault.
	GetDefault(ctx context.Context, issuer string) (Registration, error)
	List(ctx context.Context, issuer string) ([]Registration, error)
	Put(ctx context.Context, reg Registration) error
	Delete(ctx context.Context, issuer, clientID string) error

	// RecordDeployment remembers a deployment_id presented with a valid
	// launch. Purely informational; launches never require it.
	RecordDeployment(ctx context.Context, issuer, clientID, deploymentID string) error
	ListDeployments(ctx context.Context, issuer, clientID string) ([]string, error)
}

// Resolve applies the login-time lookup rule: an explicit client_id must
// match exactly; an absent client_id resolves through the unique default.
func Resolve(ctx context.Context, s Store, issuer, clientID string) (Registration, error) {
	if strings.TrimSpace(issuer) == "" {
		return Registration{}, ErrNotFound
	}
	if clientID != "" {
		return s.Get(ctx, issuer, clientID)
	}
	return s.GetDefault(ctx, issuer)
}

// ResolveForToken resolves the registration for a returned id_token. The
// token's audience is tried as client_id first, then the issuer default, so
// platforms that put a deployment-scoped value in aud still resolve.
func ResolveForToken(ctx context.Context, s Store, issuer string, audiences []string) (Registration, error) {
	for _, aud := range audiences {
		if aud == "" {
			continue
		}
		if reg, err := s.Get(ctx, issuer, aud); err == nil {
			return reg, nil
		}
	}
	return s.GetDefault(ctx, issuer)
}
