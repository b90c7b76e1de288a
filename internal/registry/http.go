package registry

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"
)

// Mount attaches the administrative registration CRUD under r. Callers are
// expected to wrap it with AdminAuth.
func Mount(r chi.Router, store Store) {
	r.Get("/registrations", listRegistrations(store))
	r.Put("/registrations", putRegistration(store))
	r.Delete("/registrations", deleteRegistration(store))
	r.Get("/registrations/deployments", listDeployments(store))
}

// AdminAuth guards admin routes with HTTP basic auth against a bcrypt hash.
// With no hash configured every request is rejected.
func AdminAuth(user, passHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok || passHash == "" ||
				subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
				bcrypt.CompareHashAndPassword([]byte(passHash), []byte(p)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="ltibridge admin"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func listRegistrations(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		regs, err := store.List(r.Context(), r.URL.Query().Get("issuer"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		// Never hand private key material back out.
		for i := range regs {
			regs[i].ToolKeyPEM = ""
			regs[i].ClientSecret = ""
		}
		writeJSON(w, regs)
	}
}

func putRegistration(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var reg Registration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := store.Put(r.Context(), reg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func deleteRegistration(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		issuer := r.URL.Query().Get("issuer")
		clientID := r.URL.Query().Get("client_id")
		err := store.Delete(r.Context(), issuer, clientID)
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func listDeployments(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := store.ListDeployments(r.Context(),
			r.URL.Query().Get("issuer"), r.URL.Query().Get("client_id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, ids)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
