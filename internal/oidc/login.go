package oidc

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mind-engage/ltibridge/internal/registry"
	"github.com/mind-engage/ltibridge/internal/state"
)

// Error reports a login-initiation configuration problem: an issuer or
// client we hold no registration for, or a malformed initiation request.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("oidc: %s: %v", e.Reason, e.Err)
	}
	return "oidc: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Initiator handles OIDC third-party-initiated login: it resolves the
// registration, issues a fresh state/nonce pair, persists the pending
// launch and bounces the browser to the platform's auth endpoint.
type Initiator struct {
	Registry registry.Store
	States   state.Store

	// RedirectURI is this tool's launch endpoint, registered with platforms.
	RedirectURI string
	StateTTL    time.Duration
	// SecureCookies should be true whenever the tool is served over https.
	SecureCookies bool

	Now func() time.Time
}

// Initiate validates the platform-supplied parameters and returns the
// authorization redirect URL. The pending launch is stored both server-side
// and as a per-launch cookie, since many browsers reject the cookie.
func (i *Initiator) Initiate(w http.ResponseWriter, r *http.Request) (string, error) {
	q := r.URL.Query()
	if r.Method == http.MethodPost {
		_ = r.ParseForm()
		q = r.Form
	}

	iss := q.Get("iss")
	loginHint := q.Get("login_hint")
	if iss == "" || loginHint == "" {
		return "", &Error{Reason: "iss and login_hint are required"}
	}

	reg, err := registry.Resolve(r.Context(), i.Registry, iss, q.Get("client_id"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) || errors.Is(err, registry.ErrAmbiguousDefault) {
			return "", &Error{Reason: "no registration for issuer " + iss, Err: err}
		}
		return "", &Error{Reason: "registration lookup failed", Err: err}
	}

	l := state.Launch{
		State:          randToken(),
		Nonce:          randToken(),
		Issuer:         reg.Issuer,
		ClientID:       reg.ClientID,
		TargetLinkURI:  q.Get("target_link_uri"),
		LoginHint:      loginHint,
		LTIMessageHint: q.Get("lti_message_hint"),
		CreatedAt:      i.now(),
	}
	if err := i.States.Put(r.Context(), l, i.ttl()); err != nil {
		return "", &Error{Reason: "persisting launch state", Err: err}
	}
	state.WriteCookie(w, i.SecureCookies, l.State, i.ttl())

	v := url.Values{}
	v.Set("response_type", "id_token")
	v.Set("response_mode", "form_post")
	v.Set("scope", "openid")
	v.Set("prompt", "none")
	v.Set("client_id", reg.ClientID)
	v.Set("redirect_uri", i.RedirectURI)
	v.Set("login_hint", l.LoginHint)
	v.Set("state", l.State)
	v.Set("nonce", l.Nonce)
	if l.LTIMessageHint != "" {
		v.Set("lti_message_hint", l.LTIMessageHint)
	}
	return reg.AuthLoginURL + "?" + v.Encode(), nil
}

// Handler adapts Initiate to an HTTP endpoint.
func (i *Initiator) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		redirect, err := i.Initiate(w, r)
		if err != nil {
			var oe *Error
			if errors.As(err, &oe) {
				http.Error(w, oe.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, "login initiation failed", http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, redirect, http.StatusFound)
	}
}

func (i *Initiator) ttl() time.Duration {
	if i.StateTTL > 0 {
		return i.StateTTL
	}
	return 10 * time.Minute
}

func (i *Initiator) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now().UTC()
}

// randToken returns 32 random bytes hex-encoded.
func randToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
