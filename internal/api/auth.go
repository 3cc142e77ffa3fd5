package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/imamik/tenantplane/internal/apperr"
	"github.com/imamik/tenantplane/internal/auth"
)

// Claims are the bearer token claims accepted by the API.
type Claims struct {
	jwt.RegisteredClaims
	Admin bool `json:"admin,omitempty"`
}

// Verifier checks HS256 bearer tokens.
type Verifier struct {
	key    []byte
	parser *jwt.Parser
}

// NewVerifier creates a Verifier. When issuer is set, tokens must carry it.
func NewVerifier(key []byte, issuer string) (*Verifier, error) {
	if len(key) < 32 {
		return nil, errors.New("auth signing key must be at least 32 bytes")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &Verifier{key: key, parser: jwt.NewParser(opts...)}, nil
}

// Verify parses token into a principal.
func (v *Verifier) Verify(token string) (auth.Principal, error) {
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return auth.Principal{}, fmt.Errorf("verify bearer token: %w", err)
	}
	if claims.Subject == "" {
		return auth.Principal{}, errors.New("verify bearer token: missing subject")
	}
	return auth.Principal{Subject: claims.Subject, Admin: claims.Admin}, nil
}

// Sign issues a token carrying claims.
func (v *Verifier) Sign(claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}

// Authenticate requires a valid bearer token and stores its principal in
// the request context.
func (v *Verifier) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, r, apperr.New(apperr.KindUnauthorized, "auth", "bearer token required"))
			return
		}
		p, err := v.Verify(strings.TrimSpace(raw))
		if err != nil {
			writeError(w, r, apperr.Wrap(apperr.KindUnauthorized, "auth", "invalid bearer token", err))
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}
