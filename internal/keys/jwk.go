package keys

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
)

// JWK is an RFC 7517 JSON Web Key, trimmed to the RSA signature parameters
// LTI platforms exchange.
type JWK struct {
	Kty string `json:"kty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
}

// JWKS is a JSON Web Key Set, i.e. { "keys": [ JWK, ... ] }.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// ParseJWKS decodes a raw JWKS document.
func ParseJWKS(raw []byte) (JWKS, error) {
	var set JWKS
	if err := json.Unmarshal(raw, &set); err != nil {
		return JWKS{}, err
	}
	return set, nil
}

// RSAPublicJWK builds a public-only JWK for the given key.
func RSAPublicJWK(pub *rsa.PublicKey, kid string) JWK {
	return JWK{
		Kty: "RSA",
		Kid: kid,
		Alg: "RS256",
		Use: "sig",
		N:   b64url(pub.N.Bytes()),
		E:   b64url(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// PublicKey converts an RSA JWK back to *rsa.PublicKey.
func (k JWK) PublicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, errors.New("jwk: not an RSA key")
	}
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	e := 0
	for _, b := range eb {
		e = (e << 8) | int(b)
	}
	if e == 0 {
		return nil, errors.New("jwk: zero exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}

// rsaKeys extracts RSA public keys from a set. When kid is non-empty only
// matching keys are returned; otherwise all RSA keys, so callers can try
// each in turn.
func rsaKeys(set JWKS, kid string) []*rsa.PublicKey {
	var out []*rsa.PublicKey
	for _, k := range set.Keys {
		if k.Kty != "RSA" {
			continue
		}
		if kid != "" && k.Kid != kid {
			continue
		}
		pub, err := k.PublicKey()
		if err != nil {
			continue
		}
		out = append(out, pub)
	}
	return out
}

func b64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
