package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/mind-engage/ltibridge/internal/config"
	"github.com/mind-engage/ltibridge/internal/connector"
	"github.com/mind-engage/ltibridge/internal/db"
	"github.com/mind-engage/ltibridge/internal/gradesync"
	"github.com/mind-engage/ltibridge/internal/keys"
	"github.com/mind-engage/ltibridge/internal/launch"
	"github.com/mind-engage/ltibridge/internal/oidc"
	"github.com/mind-engage/ltibridge/internal/registry"
	"github.com/mind-engage/ltibridge/internal/state"
)

func main() {
	cfg := config.FromEnv()

	// --- DB ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	regStore := registry.NewSQLStore(dbh)
	mapStore := gradesync.NewSQLStore(dbh)

	// --- Tool signing key ---
	var toolKey *keys.ToolKey
	if cfg.ToolKeyPEMPath != "" {
		toolKey, err = keys.LoadToolKey(cfg.ToolKeyPEMPath, cfg.ToolKeyID)
	} else {
		log.Printf("TOOL_KEY_PEM not set, generating an ephemeral signing key")
		toolKey, err = keys.GenerateToolKey(cfg.ToolKeyID)
	}
	if err != nil {
		log.Fatalf("tool key: %v", err)
	}
	resolver := keys.NewResolver(toolKey)

	// --- Launch state + token cache (redis when configured, else in-memory) ---
	var launchStates state.Store = state.NewMemoryStore()
	var tokenCache connector.TokenCache = connector.NewMemoryTokenCache()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis url: %v", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		launchStates = state.NewRedisStore(rdb)
		tokenCache = connector.NewRedisTokenCache(rdb)
	}

	secure := strings.HasPrefix(cfg.PublicURL, "https://")

	initiator := &oidc.Initiator{
		Registry:      regStore,
		States:        launchStates,
		RedirectURI:   cfg.LaunchURL(),
		StateTTL:      cfg.LaunchStateTTL,
		SecureCookies: secure,
	}
	launchHandler := &launch.Handler{
		Validator: &launch.Validator{
			Registry:  regStore,
			States:    launchStates,
			Keys:      resolver,
			ClockSkew: cfg.ClockSkew,
		},
		SecureCookies: secure,
		StateTTL:      cfg.LaunchStateTTL,
		OnSuccess:     recordAndRedirect(mapStore),
	}
	syncer := &gradesync.Syncer{
		Store:       mapStore,
		Assignments: mappingAssignments{mapStore},
		Registry:    regStore,
		Keys:        resolver,
		Tokens:      tokenCache,
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/.well-known/jwks.json", keys.JWKSHandler(toolKey))

	r.Route("/lti", func(lr chi.Router) {
		// Platforms may initiate login with either verb.
		lr.Get("/login", initiator.Handler())
		lr.Post("/login", initiator.Handler())
		lr.Method(http.MethodPost, "/launch", launchHandler)
	})

	// Admin surface: registration CRUD plus a manual grade push.
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(registry.AdminAuth(cfg.AdminUser, cfg.AdminPassHash))
		registry.Mount(ar, regStore)
		ar.Post("/grades/sync", syncGradeHandler(syncer))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := dbh.PingContext(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(200)
	})

	log.Printf("listening on %s (db=%s, launch=%s)", cfg.HTTPAddr, cfg.DBDriver, cfg.LaunchURL())
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, r))
}

// recordAndRedirect persists the identity and placement mappings a launch
// establishes, then forwards the browser to the activity. The local user id
// is the issuer-scoped platform subject; embedding applications replace this
// callback to mint their own sessions.
func recordAndRedirect(store gradesync.Store) func(http.ResponseWriter, *http.Request, launch.Context) {
	return func(w http.ResponseWriter, r *http.Request, lc launch.Context) {
		localUser := lc.Subject
		assignmentID := assignmentFromTarget(lc.TargetLinkURI)
		if err := gradesync.RecordLaunch(r.Context(), store, lc, localUser, lc.Course.ID, assignmentID); err != nil {
			log.Printf("recording launch mappings: %v", err)
		}
		target := lc.TargetLinkURI
		if target == "" {
			target = "/"
		}
		http.Redirect(w, r, target, http.StatusFound)
	}
}

// assignmentFromTarget pulls the assignment id out of the placement's target
// link URI, e.g. https://tool.example.com/play?assignment=exam-101.
func assignmentFromTarget(targetLinkURI string) string {
	u, err := url.Parse(targetLinkURI)
	if err != nil {
		return ""
	}
	return u.Query().Get("assignment")
}

// mappingAssignments serves assignment metadata from the placement mappings
// themselves. Deployments embedding this server as a library supply their
// real assignment store instead.
type mappingAssignments struct{ store gradesync.Store }

func (a mappingAssignments) GetAssignment(ctx context.Context, id string) (gradesync.Assignment, error) {
	mappings, err := a.store.AssignmentMappings(ctx, id)
	if err != nil {
		return gradesync.Assignment{}, err
	}
	asn := gradesync.Assignment{ID: id, Title: id, MaxPoints: 100}
	for _, m := range mappings {
		if m.Label != "" {
			asn.Title = m.Label
		}
		if m.ScoreMax > 0 {
			asn.MaxPoints = m.ScoreMax
		}
	}
	return asn, nil
}

func syncGradeHandler(s *gradesync.Syncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID       string  `json:"user_id"`
			AssignmentID string  `json:"assignment_id"`
			Score        float64 `json:"score"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.UserID == "" || req.AssignmentID == "" {
			http.Error(w, "user_id and assignment_id required", http.StatusBadRequest)
			return
		}
		s.SyncGrade(r.Context(), req.UserID, req.AssignmentID, req.Score)
		w.WriteHeader(http.StatusAccepted)
	}
}
