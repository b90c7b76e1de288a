package launch_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mind-engage/ltibridge/internal/keys"
	"github.com/mind-engage/ltibridge/internal/launch"
	"github.com/mind-engage/ltibridge/internal/registry"
	"github.com/mind-engage/ltibridge/internal/state"
)

const (
	testIssuer   = "https://platform.example.com"
	testClientID = "abc123"
	testKID      = "plat-key-1"
)

type launchFixture struct {
	priv *rsa.PrivateKey
	regs *registry.MemoryStore
	v    *launch.Validator
}

func newLaunchFixture(t *testing.T) *launchFixture {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa: %v", err)
	}
	set, err := json.Marshal(keys.JWKS{Keys: []keys.JWK{keys.RSAPublicJWK(&priv.PublicKey, testKID)}})
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}

	regs := registry.NewMemoryStore()
	if err := regs.Put(context.Background(), registry.Registration{
		Issuer:       testIssuer,
		ClientID:     testClientID,
		AuthLoginURL: testIssuer + "/auth",
		AuthTokenURL: testIssuer + "/token",
		KeySet:       set,
		Default:      true,
	}); err != nil {
		t.Fatalf("put registration: %v", err)
	}

	return &launchFixture{
		priv: priv,
		regs: regs,
		v: &launch.Validator{
			Registry: regs,
			States:   state.NewMemoryStore(),
			Keys:     keys.NewResolver(nil),
		},
	}
}

// pend stores a pending launch the way login initiation would.
func (f *launchFixture) pend(t *testing.T, stateVal, nonce string) {
	t.Helper()
	err := f.v.States.Put(context.Background(), state.Launch{
		State:     stateVal,
		Nonce:     nonce,
		Issuer:    testIssuer,
		ClientID:  testClientID,
		CreatedAt: time.Now(),
	}, 10*time.Minute)
	if err != nil {
		t.Fatalf("put state: %v", err)
	}
}

func baseClaims(nonce string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   testClientID,
		"sub":   "user-7",
		"name":  "Ada Lovelace",
		"iat":   now.Unix(),
		"exp":   now.Add(5 * time.Minute).Unix(),
		"nonce": nonce,
		launch.ClaimMessageType:  launch.MessageTypeResourceLink,
		launch.ClaimVersion:      "1.3.0",
		launch.ClaimDeploymentID: "dep-1",
		launch.ClaimTargetLink:   "https://tool.example.com/play?assignment=exam-1",
		launch.ClaimResourceLink: map[string]any{"id": "rl-1", "title": "Exam One"},
		launch.ClaimRoles: []string{
			"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner",
		},
		launch.ClaimContext: map[string]any{"id": "ctx-1", "title": "Algebra"},
		launch.ClaimAGSEndpoint: map[string]any{
			"lineitems": testIssuer + "/ctx-1/lineitems",
			"scope": []string{
				"https://purl.imsglobal.org/spec/lti-ags/scope/lineitem",
				"https://purl.imsglobal.org/spec/lti-ags/scope/score",
			},
		},
	}
}

func (f *launchFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKID
	signed, err := tok.SignedString(f.priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func wantCode(t *testing.T, err error, code launch.Code) {
	t.Helper()
	var le *launch.Error
	if !errors.As(err, &le) {
		t.Fatalf("expected *launch.Error, got %v", err)
	}
	if le.Code != code {
		t.Fatalf("expected code %q, got %q (%v)", code, le.Code, le)
	}
}

func TestValidate_Success(t *testing.T) {
	f := newLaunchFixture(t)
	f.pend(t, "S1", "N1")
	idToken := f.sign(t, baseClaims("N1"))

	lc, err := f.v.Validate(context.Background(), idToken, "S1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lc.Issuer != testIssuer || lc.ClientID != testClientID {
		t.Fatalf("wrong registration on context: %+v", lc)
	}
	if lc.DeploymentID != "dep-1" || lc.Subject != "user-7" {
		t.Fatalf("claims not mapped: %+v", lc)
	}
	if lc.ResourceLink.ID != "rl-1" || lc.Course.ID != "ctx-1" {
		t.Fatalf("link claims not mapped: %+v", lc)
	}
	if lc.AGS == nil || lc.AGS.LineItems != testIssuer+"/ctx-1/lineitems" {
		t.Fatalf("AGS endpoint not mapped: %+v", lc.AGS)
	}
	if !lc.HasRole("Learner") {
		t.Fatalf("role not mapped: %+v", lc.Roles)
	}

	// Valid launches leave their deployment behind for the admin listing.
	deps, _ := f.regs.ListDeployments(context.Background(), testIssuer, testClientID)
	if len(deps) != 1 || deps[0] != "dep-1" {
		t.Fatalf("deployment not recorded: %v", deps)
	}
}

func TestValidate_ReplayRejected(t *testing.T) {
	f := newLaunchFixture(t)
	f.pend(t, "S1", "N1")
	idToken := f.sign(t, baseClaims("N1"))

	if _, err := f.v.Validate(context.Background(), idToken, "S1"); err != nil {
		t.Fatalf("first validation: %v", err)
	}
	_, err := f.v.Validate(context.Background(), idToken, "S1")
	wantCode(t, err, launch.CodeReplay)
}

func TestValidate_UnknownStateRejected(t *testing.T) {
	f := newLaunchFixture(t)
	idToken := f.sign(t, baseClaims("N1"))

	_, err := f.v.Validate(context.Background(), idToken, "never-issued")
	wantCode(t, err, launch.CodeReplay)
}

func TestValidate_NonceMismatch(t *testing.T) {
	f := newLaunchFixture(t)
	f.pend(t, "S1", "N1")
	idToken := f.sign(t, baseClaims("other-nonce"))

	_, err := f.v.Validate(context.Background(), idToken, "S1")
	wantCode(t, err, launch.CodeClaims)
}

func TestValidate_WrongKeyRejected(t *testing.T) {
	f := newLaunchFixture(t)
	f.pend(t, "S1", "N1")

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa: %v", err)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, baseClaims("N1"))
	tok.Header["kid"] = testKID
	idToken, err := tok.SignedString(other)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	_, verr := f.v.Validate(context.Background(), idToken, "S1")
	wantCode(t, verr, launch.CodeSignature)
}

func TestValidate_ExpiredToken(t *testing.T) {
	f := newLaunchFixture(t)
	f.pend(t, "S1", "N1")

	claims := baseClaims("N1")
	claims["iat"] = time.Now().Add(-time.Hour).Unix()
	claims["exp"] = time.Now().Add(-30 * time.Minute).Unix()
	idToken := f.sign(t, claims)

	_, err := f.v.Validate(context.Background(), idToken, "S1")
	wantCode(t, err, launch.CodeClaims)
}

func TestValidate_FutureIssuedAtBeyondLeeway(t *testing.T) {
	f := newLaunchFixture(t)
	f.pend(t, "S1", "N1")

	claims := baseClaims("N1")
	claims["iat"] = time.Now().Add(30 * time.Minute).Unix()
	claims["exp"] = time.Now().Add(time.Hour).Unix()
	idToken := f.sign(t, claims)

	_, err := f.v.Validate(context.Background(), idToken, "S1")
	wantCode(t, err, launch.CodeClaims)
}

func TestValidate_SmallSkewTolerated(t *testing.T) {
	f := newLaunchFixture(t)
	f.pend(t, "S1", "N1")

	claims := baseClaims("N1")
	claims["iat"] = time.Now().Add(2 * time.Minute).Unix()
	idToken := f.sign(t, claims)

	if _, err := f.v.Validate(context.Background(), idToken, "S1"); err != nil {
		t.Fatalf("iat within leeway should pass: %v", err)
	}
}

func TestValidate_UnknownIssuer(t *testing.T) {
	f := newLaunchFixture(t)
	f.pend(t, "S1", "N1")

	claims := baseClaims("N1")
	claims["iss"] = "https://unknown.example.com"
	idToken := f.sign(t, claims)

	_, err := f.v.Validate(context.Background(), idToken, "S1")
	wantCode(t, err, launch.CodeRegistration)
}

func TestValidate_AudienceMismatch(t *testing.T) {
	f := newLaunchFixture(t)
	f.pend(t, "S1", "N1")

	// Unknown aud still resolves through the issuer default; the audience
	// check itself must then fail.
	claims := baseClaims("N1")
	claims["aud"] = "someone-else"
	idToken := f.sign(t, claims)

	_, err := f.v.Validate(context.Background(), idToken, "S1")
	wantCode(t, err, launch.CodeClaims)
}

func TestValidate_MissingDeployment(t *testing.T) {
	f := newLaunchFixture(t)
	f.pend(t, "S1", "N1")

	claims := baseClaims("N1")
	delete(claims, launch.ClaimDeploymentID)
	idToken := f.sign(t, claims)

	_, err := f.v.Validate(context.Background(), idToken, "S1")
	wantCode(t, err, launch.CodeClaims)
}

func TestValidate_ResourceLinkRequiresRoles(t *testing.T) {
	f := newLaunchFixture(t)
	f.pend(t, "S1", "N1")

	claims := baseClaims("N1")
	delete(claims, launch.ClaimRoles)
	idToken := f.sign(t, claims)

	_, err := f.v.Validate(context.Background(), idToken, "S1")
	wantCode(t, err, launch.CodeClaims)
}

func TestValidate_EmptyRolesAccepted(t *testing.T) {
	f := newLaunchFixture(t)
	f.pend(t, "S1", "N1")

	// The claim must be present, but an empty list is a legal launch.
	claims := baseClaims("N1")
	claims[launch.ClaimRoles] = []string{}
	idToken := f.sign(t, claims)

	if _, err := f.v.Validate(context.Background(), idToken, "S1"); err != nil {
		t.Fatalf("empty roles should validate: %v", err)
	}
}

func TestValidate_GarbageToken(t *testing.T) {
	f := newLaunchFixture(t)
	f.pend(t, "S1", "N1")

	_, err := f.v.Validate(context.Background(), "not-a-jwt", "S1")
	wantCode(t, err, launch.CodeMalformed)
}

func TestValidate_DeepLinkingAccepted(t *testing.T) {
	f := newLaunchFixture(t)
	f.pend(t, "S1", "N1")

	claims := baseClaims("N1")
	claims[launch.ClaimMessageType] = launch.MessageTypeDeepLinking
	delete(claims, launch.ClaimResourceLink)
	delete(claims, launch.ClaimRoles)
	idToken := f.sign(t, claims)

	lc, err := f.v.Validate(context.Background(), idToken, "S1")
	if err != nil {
		t.Fatalf("deep linking launch should validate: %v", err)
	}
	if lc.MessageType != launch.MessageTypeDeepLinking {
		t.Fatalf("wrong message type: %q", lc.MessageType)
	}
}
