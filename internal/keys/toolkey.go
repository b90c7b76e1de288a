package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"
)

// ToolKey is this tool's signing key pair. The private half never leaves
// this package; consumers sign through Signer and platforms verify against
// the published JWKS.
type ToolKey struct {
	kid  string
	priv *rsa.PrivateKey
}

// LoadToolKey reads an RSA private key from a PEM file (PKCS#1 or PKCS#8).
func LoadToolKey(path, kid string) (*ToolKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tool key: %w", err)
	}
	return ParseToolKey(raw, kid)
}

// ParseToolKey parses a PEM-encoded RSA private key.
func ParseToolKey(pemBytes []byte, kid string) (*ToolKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("tool key: no PEM block")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &ToolKey{kid: kid, priv: key}, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("tool key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("tool key: not an RSA key")
	}
	return &ToolKey{kid: kid, priv: key}, nil
}

// GenerateToolKey creates a fresh RSA-2048 key (dev / tests).
func GenerateToolKey(kid string) (*ToolKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("rsa generate: %w", err)
	}
	return &ToolKey{kid: kid, priv: priv}, nil
}

// KID returns the key id published in the JWKS and sent in JWT headers.
func (t *ToolKey) KID() string { return t.kid }

// Private exposes the signing key to the resolver only.
func (t *ToolKey) private() *rsa.PrivateKey { return t.priv }

// PublicJWKS returns the public key set for the JWKS endpoint.
func (t *ToolKey) PublicJWKS() JWKS {
	return JWKS{Keys: []JWK{RSAPublicJWK(&t.priv.PublicKey, t.kid)}}
}

// JWKSHandler serves the tool's public keys as a JWKS document with basic
// caching headers, so platforms polling the endpoint get cheap 304s.
func JWKSHandler(tk *ToolKey) http.HandlerFunc {
	payload, _ := json.Marshal(tk.PublicJWKS())
	sum := sha256.Sum256(payload)
	etag := `W/"` + b64url(sum[:]) + `"`

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/jwk-set+json")
		w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int((10*time.Minute).Seconds())))
		w.Header().Set("ETag", etag)
		if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write(payload)
	}
}
