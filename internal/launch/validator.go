package launch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mind-engage/ltibridge/internal/keys"
	"github.com/mind-engage/ltibridge/internal/registry"
	"github.com/mind-engage/ltibridge/internal/state"
)

// Validator verifies a returned id_token against the registration store and
// the pending-launch state, producing a typed Context or a typed *Error.
type Validator struct {
	Registry registry.Store
	States   state.Store
	Keys     *keys.Resolver

	// ClockSkew bounds the accepted drift between this service and the
	// platform when checking iat/exp. The upstream behavior of disabling
	// the issued-at check entirely is deliberately not reproduced; drift
	// beyond the leeway is a claims failure.
	ClockSkew time.Duration

	Now func() time.Time
}

// Validate consumes the state (single use), resolves the registration from
// the token, verifies the signature and validates LTI claims.
func (v *Validator) Validate(ctx context.Context, idToken, stateValue string) (Context, error) {
	if idToken == "" || stateValue == "" {
		return Context{}, errClaims("id_token and state are required")
	}

	pending, err := v.States.Consume(ctx, stateValue)
	if errors.Is(err, state.ErrNotFound) {
		return Context{}, errReplay("state not found")
	}
	if err != nil {
		return Context{}, &Error{Code: CodeReplay, Reason: "state lookup failed", Err: err}
	}

	// Peek at header and unverified claims to find out who signed this.
	unverified, _, err := jwt.NewParser().ParseUnverified(idToken, jwt.MapClaims{})
	if err != nil {
		return Context{}, &Error{Code: CodeMalformed, Reason: "cannot parse id_token", Err: err}
	}
	rawClaims := unverified.Claims.(jwt.MapClaims)
	iss, _ := rawClaims["iss"].(string)
	audiences := audienceList(rawClaims["aud"])
	kid, _ := unverified.Header["kid"].(string)

	reg, err := registry.ResolveForToken(ctx, v.Registry, iss, audiences)
	if err != nil {
		return Context{}, &Error{Code: CodeRegistration, Reason: "no registration for token issuer " + iss, Err: err}
	}

	pubs, err := v.Keys.VerificationKeys(ctx, reg, kid)
	if err != nil {
		return Context{}, &Error{Code: CodeSignature, Reason: "resolving platform keys", Err: err}
	}

	claims := jwt.MapClaims{}
	var verified bool
	var lastErr error
	for _, pub := range pubs {
		key := pub
		_, err := jwt.ParseWithClaims(idToken, claims, func(*jwt.Token) (any, error) { return key, nil },
			jwt.WithValidMethods([]string{"RS256"}),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(v.skew()),
		)
		if err == nil {
			verified = true
			break
		}
		lastErr = err
	}
	if !verified {
		if lastErr != nil && !errors.Is(lastErr, jwt.ErrTokenSignatureInvalid) {
			// Signature was fine on some key but time-based claims failed.
			return Context{}, &Error{Code: CodeClaims, Reason: "token time validation failed", Err: lastErr}
		}
		return Context{}, &Error{Code: CodeSignature, Reason: "signature verification failed", Err: lastErr}
	}

	// Standard OIDC claims against the registration and the pending launch.
	if got, _ := claims["iss"].(string); got != reg.Issuer {
		return Context{}, errClaims("issuer mismatch")
	}
	if !containsString(audienceList(claims["aud"]), reg.ClientID) {
		return Context{}, errClaims("audience does not include client_id")
	}
	nonce, _ := claims["nonce"].(string)
	if nonce == "" || nonce != pending.Nonce {
		return Context{}, errClaims("nonce mismatch")
	}
	if pending.Issuer != reg.Issuer {
		return Context{}, errClaims("launch state was issued for a different platform")
	}

	// LTI claims. Any deployment_id is accepted (no pre-registration),
	// but the claim itself is mandatory.
	deployment, _ := claims[ClaimDeploymentID].(string)
	if deployment == "" {
		return Context{}, errClaims("missing deployment_id claim")
	}
	messageType, _ := claims[ClaimMessageType].(string)
	if messageType == "" {
		return Context{}, errClaims("missing message_type claim")
	}
	if ver, _ := claims[ClaimVersion].(string); ver != "" && ver != ltiVersion {
		return Context{}, errClaims("unsupported LTI version " + ver)
	}

	lc := Context{
		Issuer:       reg.Issuer,
		ClientID:     reg.ClientID,
		DeploymentID: deployment,
		MessageType:  messageType,
	}
	lc.Subject, _ = claims["sub"].(string)
	lc.Name, _ = claims["name"].(string)
	lc.Email, _ = claims["email"].(string)
	lc.TargetLinkURI, _ = claims[ClaimTargetLink].(string)
	lc.Roles = stringList(claims[ClaimRoles])

	if err := decodeClaim(claims, ClaimContext, &lc.Course); err != nil {
		return Context{}, errClaims("malformed context claim")
	}
	if _, ok := claims[ClaimAGSEndpoint]; ok {
		var ep AGSEndpoint
		if err := decodeClaim(claims, ClaimAGSEndpoint, &ep); err != nil {
			return Context{}, errClaims("malformed AGS endpoint claim")
		}
		lc.AGS = &ep
	}

	// Message-type specific requirements.
	switch messageType {
	case MessageTypeResourceLink:
		if err := decodeClaim(claims, ClaimResourceLink, &lc.ResourceLink); err != nil || lc.ResourceLink.ID == "" {
			return Context{}, errClaims("resource link launch requires resource_link.id")
		}
		if _, ok := claims[ClaimRoles]; !ok {
			return Context{}, errClaims("resource link launch requires roles claim")
		}
	case MessageTypeDeepLinking:
		// Accepted; deep-linking content handling is out of scope.
	}

	// Remember the deployment for administrative listing; best effort.
	_ = v.Registry.RecordDeployment(ctx, reg.Issuer, reg.ClientID, deployment)

	return lc, nil
}

func (v *Validator) skew() time.Duration {
	if v.ClockSkew > 0 {
		return v.ClockSkew
	}
	return 5 * time.Minute
}

func audienceList(aud any) []string {
	switch t := aud.(type) {
	case string:
		return []string{t}
	case []any:
		return stringList(t)
	case []string:
		return t
	}
	return nil
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, it := range t {
			if s, ok := it.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func containsString(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}

// decodeClaim re-marshals a map-valued claim into a typed struct. Absent
// claims leave dst untouched and return nil.
func decodeClaim(claims jwt.MapClaims, name string, dst any) error {
	raw, ok := claims[name]
	if !ok || raw == nil {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
