package launch_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/mind-engage/ltibridge/internal/launch"
)

func launchPOST(idToken, stateVal string, extra url.Values) *http.Request {
	form := url.Values{}
	form.Set("id_token", idToken)
	form.Set("state", stateVal)
	for k, vs := range extra {
		form.Set(k, vs[len(vs)-1])
	}
	req := httptest.NewRequest(http.MethodPost, "/lti/launch", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestHandler_RedirectsToTargetLink(t *testing.T) {
	f := newLaunchFixture(t)
	f.pend(t, "S1", "N1")
	idToken := f.sign(t, baseClaims("N1"))

	h := &launch.Handler{Validator: f.v, StateTTL: 10 * time.Minute}
	req := launchPOST(idToken, "S1", nil)
	req.AddCookie(&http.Cookie{Name: "ltibridge-state-S1", Value: "S1"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "https://tool.example.com/play?assignment=exam-1" {
		t.Fatalf("redirect = %q", loc)
	}
}

func TestHandler_OnSuccessReceivesContext(t *testing.T) {
	f := newLaunchFixture(t)
	f.pend(t, "S1", "N1")
	idToken := f.sign(t, baseClaims("N1"))

	var got launch.Context
	h := &launch.Handler{
		Validator: f.v,
		OnSuccess: func(w http.ResponseWriter, r *http.Request, lc launch.Context) {
			got = lc
			w.WriteHeader(http.StatusNoContent)
		},
	}
	req := launchPOST(idToken, "S1", nil)
	req.AddCookie(&http.Cookie{Name: "ltibridge-state-S1", Value: "S1"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got.Subject != "user-7" || got.DeploymentID != "dep-1" {
		t.Fatalf("context not delivered: %+v", got)
	}
}

func TestHandler_MissingCookieServesRecoveryPage(t *testing.T) {
	f := newLaunchFixture(t)
	f.pend(t, "S1", "N1")
	idToken := f.sign(t, baseClaims("N1"))

	h := &launch.Handler{Validator: f.v, StateTTL: 10 * time.Minute}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, launchPOST(idToken, "S1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `name="cookie_retry"`) || !strings.Contains(body, `name="id_token"`) {
		t.Fatalf("recovery page missing resubmit form: %s", body)
	}
	// The retry cookie is written alongside the page.
	var wrote bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == "ltibridge-state-S1" && c.Value == "S1" {
			wrote = true
		}
	}
	if !wrote {
		t.Fatalf("recovery page did not write the launch cookie")
	}

	// The state was not consumed: the resubmitted launch still validates.
	retry := launchPOST(idToken, "S1", url.Values{"cookie_retry": {"1"}})
	retry.AddCookie(&http.Cookie{Name: "ltibridge-state-S1", Value: "S1"})
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, retry)
	if rec2.Code != http.StatusFound {
		t.Fatalf("retried launch failed: %d %s", rec2.Code, rec2.Body.String())
	}
}

func TestHandler_RetryWithoutCookieStillValidates(t *testing.T) {
	f := newLaunchFixture(t)
	f.pend(t, "S1", "N1")
	idToken := f.sign(t, baseClaims("N1"))

	// cookie_retry set but the browser still refused the cookie: proceed
	// anyway, server-side state enforces single use.
	h := &launch.Handler{Validator: f.v}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, launchPOST(idToken, "S1", url.Values{"cookie_retry": {"1"}}))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_ReplayGetsUnauthorized(t *testing.T) {
	f := newLaunchFixture(t)
	f.pend(t, "S1", "N1")
	idToken := f.sign(t, baseClaims("N1"))

	h := &launch.Handler{Validator: f.v}
	req := launchPOST(idToken, "S1", nil)
	req.AddCookie(&http.Cookie{Name: "ltibridge-state-S1", Value: "S1"})
	h.ServeHTTP(httptest.NewRecorder(), req)

	replay := launchPOST(idToken, "S1", nil)
	replay.AddCookie(&http.Cookie{Name: "ltibridge-state-S1", Value: "S1"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, replay)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay status = %d", rec.Code)
	}
}

func TestHandler_MissingFieldsRejected(t *testing.T) {
	f := newLaunchFixture(t)
	h := &launch.Handler{Validator: f.v}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, launchPOST("", "", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
