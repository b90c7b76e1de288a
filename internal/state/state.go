package state

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Launch is the continuation record for one login -> launch round trip.
// Created by login initiation, consumed exactly once by launch validation.
type Launch struct {
	State          string    `json:"state"`
	Nonce          string    `json:"nonce"`
	Issuer         string    `json:"issuer"`
	ClientID       string    `json:"client_id"`
	TargetLinkURI  string    `json:"target_link_uri,omitempty"`
	LoginHint      string    `json:"login_hint,omitempty"`
	LTIMessageHint string    `json:"lti_message_hint,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ErrNotFound means the state value was never issued, expired, or was
// already consumed — callers treat all three as a replay.
var ErrNotFound = errors.New("state: not found or already consumed")

// Store holds pending launches under a TTL. Implementations must make
// Consume single-use even across concurrently running instances.
type Store interface {
	Put(ctx context.Context, l Launch, ttl time.Duration) error
	Consume(ctx context.Context, stateValue string) (Launch, error)
}

const cookiePrefix = "ltibridge-state-"

// WriteCookie drops a per-launch cookie so the launch POST can prove it
// came from the same browser. One cookie per pending launch: a user may
// hold several tabs open against different resources.
func WriteCookie(w http.ResponseWriter, secure bool, stateValue string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookiePrefix + stateValue,
		Value:    stateValue,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		// The launch arrives as a cross-site form POST from the platform.
		SameSite: http.SameSiteNoneMode,
	})
}

// HasCookie reports whether the browser returned the cookie for this state.
// A miss usually means third-party cookies are blocked, which is the
// recoverable launch failure.
func HasCookie(r *http.Request, stateValue string) bool {
	c, err := r.Cookie(cookiePrefix + stateValue)
	return err == nil && c.Value == stateValue
}

// ClearCookie expires the per-launch cookie after consumption.
func ClearCookie(w http.ResponseWriter, secure bool, stateValue string) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookiePrefix + stateValue,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteNoneMode,
	})
}
