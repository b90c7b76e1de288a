package launch

import (
	"errors"
	"html/template"
	"log"
	"net/http"
	"time"

	"github.com/mind-engage/ltibridge/internal/state"
)

// Handler terminates the launch POST: it distinguishes the recoverable
// "cookies blocked" case from hard validation failures, and hands a
// validated Context to the application.
type Handler struct {
	Validator     *Validator
	SecureCookies bool
	// StateTTL matches the login initiator's pending-launch TTL and bounds
	// the retried cookie write.
	StateTTL time.Duration

	// OnSuccess establishes the application session. When nil the user is
	// redirected to the launch's target link URI.
	OnSuccess func(http.ResponseWriter, *http.Request, Context)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	idToken := r.PostFormValue("id_token")
	stateValue := r.PostFormValue("state")
	if idToken == "" || stateValue == "" {
		http.Error(w, "missing id_token or state", http.StatusBadRequest)
		return
	}

	// No cookie usually means the browser refused a third-party cookie on
	// the login redirect. Serve the recovery page once: it retries a
	// first-party cookie write and re-submits. The server-side state store
	// still enforces single use, so this never weakens replay protection.
	if !state.HasCookie(r, stateValue) && r.PostFormValue("cookie_retry") == "" {
		ttl := h.StateTTL
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		state.WriteCookie(w, h.SecureCookies, stateValue, ttl)
		h.renderCookiePage(w, r.URL.RequestURI(), idToken, stateValue)
		return
	}

	lc, err := h.Validator.Validate(r.Context(), idToken, stateValue)
	if err != nil {
		var le *Error
		if errors.As(err, &le) {
			status := http.StatusUnauthorized
			if le.Code == CodeMalformed || le.Code == CodeClaims {
				status = http.StatusBadRequest
			}
			log.Printf("lti launch rejected: %v", le)
			http.Error(w, "launch failed: "+string(le.Code), status)
			return
		}
		log.Printf("lti launch error: %v", err)
		http.Error(w, "launch failed", http.StatusInternalServerError)
		return
	}
	state.ClearCookie(w, h.SecureCookies, stateValue)

	if h.OnSuccess != nil {
		h.OnSuccess(w, r, lc)
		return
	}
	target := lc.TargetLinkURI
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

var cookiePage = template.Must(template.New("cookie").Parse(`<!doctype html>
<html>
<head><title>Continue to activity</title></head>
<body>
<p>Your browser blocked the cookie this activity needs. Choose an option to continue:</p>
<form id="relaunch" method="post" action="{{.Action}}">
  <input type="hidden" name="id_token" value="{{.IDToken}}">
  <input type="hidden" name="state" value="{{.State}}">
  <input type="hidden" name="cookie_retry" value="1">
  <button type="submit">Try again here</button>
  <button type="submit" formtarget="_blank">Open in a new tab</button>
</form>
<script>
  // If the first-party cookie write above succeeded, continue silently.
  if (document.cookie.indexOf("ltibridge-state-") !== -1) {
    document.getElementById("relaunch").submit();
  }
</script>
</body>
</html>`))

func (h *Handler) renderCookiePage(w http.ResponseWriter, action, idToken, stateValue string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = cookiePage.Execute(w, struct {
		Action, IDToken, State string
	}{Action: action, IDToken: idToken, State: stateValue})
}
