package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"maps"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKeyID = "test-key-1"

// TestClaims holds the configurable claims for generating external identity
// provider tokens.
type TestClaims struct {
	SubjectID string
	Email     string
	Extra     map[string]any
}

// externalIssuer plays an external identity provider: it holds an RSA key
// pair for signing JWTs and serves a JWKS endpoint.
type externalIssuer struct {
	privateKey *rsa.PrivateKey
	jwksServer *httptest.Server
}

func newExternalIssuer(t *testing.T) *externalIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	jwk := map[string]any{
		"kid": testKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{jwk},
		})
	}))
	t.Cleanup(srv.Close)

	return &externalIssuer{privateKey: key, jwksServer: srv}
}

// Sign creates an RS256 token carrying the harness issuer and audience.
func (ei *externalIssuer) Sign(claims TestClaims, expiresIn time.Duration) string {
	return ei.SignWith(ei.privateKey, claims, expiresIn)
}

// SignWith signs with an arbitrary key, for tokens the JWKS cannot verify.
func (ei *externalIssuer) SignWith(key *rsa.PrivateKey, claims TestClaims, expiresIn time.Duration) string {
	now := time.Now()
	mapClaims := jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   testAudience,
		"iat":   jwt.NewNumericDate(now),
		"exp":   jwt.NewNumericDate(now.Add(expiresIn)),
		"sub":   claims.SubjectID,
		"email": claims.Email,
	}
	maps.Copy(mapClaims, claims.Extra)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, mapClaims)
	token.Header["kid"] = testKeyID

	signed, err := token.SignedString(key)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// JWKSURL returns the URL of the JWKS endpoint served by this issuer.
func (ei *externalIssuer) JWKSURL() string {
	return ei.jwksServer.URL
}
