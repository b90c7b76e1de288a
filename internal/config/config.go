package config

import (
	"os"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr  string
	PublicURL string

	DBDriver string
	DBDSN    string

	// Optional shared backing store for launch state and token cache.
	// When empty, process-local in-memory stores are used.
	RedisURL string

	// Tool signing key. When the PEM path is empty a fresh RSA key is
	// generated at startup (dev only: platforms must re-fetch the JWKS
	// after every restart).
	ToolKeyPEMPath string
	ToolKeyID      string

	// Lifetime of a pending login -> launch round trip.
	LaunchStateTTL time.Duration
	// Accepted clock skew when validating id_token iat.
	ClockSkew time.Duration

	AdminUser     string
	AdminPassHash string // bcrypt

	CORSOrigins []string
}

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	return Config{
		HTTPAddr:       addr,
		PublicURL:      strings.TrimSuffix(os.Getenv("PUBLIC_URL"), "/"),
		DBDriver:       envOr("DB_DRIVER", "sqlite"),
		DBDSN:          envOr("DB_DSN", ""),
		RedisURL:       os.Getenv("REDIS_URL"),
		ToolKeyPEMPath: os.Getenv("TOOL_KEY_PEM"),
		ToolKeyID:      envOr("TOOL_KEY_ID", "ltibridge-1"),
		LaunchStateTTL: envDuration("LAUNCH_STATE_TTL", 10*time.Minute),
		ClockSkew:      envDuration("CLOCK_SKEW", 5*time.Minute),
		AdminUser:      envOr("ADMIN_USER", "admin"),
		AdminPassHash:  os.Getenv("ADMIN_PASS_HASH"),
		CORSOrigins:    csvOr("CORS_ORIGINS", "http://localhost:3000"),
	}
}

// LaunchURL is the redirect_uri registered with platforms.
func (c Config) LaunchURL() string { return c.PublicURL + "/lti/launch" }

// JWKSURL is where platforms fetch this tool's public keys.
func (c Config) JWKSURL() string { return c.PublicURL + "/.well-known/jwks.json" }

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
