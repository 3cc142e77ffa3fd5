// Package registry issues push credentials for the shared container
// registry. A token only grants access to the tenant's own tag.
package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/imamik/tenantplane/internal/util/naming"
)

const defaultTTL = time.Hour

// Access is a docker registry style access grant.
type Access struct {
	Type    string   `json:"type"`
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
}

// Claims are the registry token claims.
type Claims struct {
	jwt.RegisteredClaims
	Access []Access `json:"access"`
	Tag    string   `json:"tag"`
}

// Token is handed to the build pipeline to push a tenant image.
type Token struct {
	Registry   string    `json:"registry"`
	Username   string    `json:"username"`
	Token      string    `json:"token"`
	Repository string    `json:"repository"`
	Tag        string    `json:"tag"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Image returns the full image reference the token may push.
func (t Token) Image() string {
	return fmt.Sprintf("%s/%s:%s", t.Registry, t.Repository, t.Tag)
}

// Issuer signs registry tokens with HS256.
type Issuer struct {
	host       string
	repository string
	username   string
	key        []byte
	ttl        time.Duration
	now        func() time.Time
}

// NewIssuer creates an Issuer. ttl defaults to one hour.
func NewIssuer(host, repository, username string, key []byte, ttl time.Duration) (*Issuer, error) {
	if host == "" || repository == "" {
		return nil, errors.New("registry host and repository are required")
	}
	if len(key) < 32 {
		return nil, errors.New("registry signing key must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Issuer{host: host, repository: repository, username: username, key: key, ttl: ttl, now: time.Now}, nil
}

// Issue returns a token restricted to tenant-{id}.
func (i *Issuer) Issue(tenantID string) (Token, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	tag := naming.ImageTag(tenantID)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tenantplane",
			Subject:   tenantID,
			Audience:  jwt.ClaimStrings{i.host},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Access: []Access{{Type: "repository", Name: i.repository, Actions: []string{"push", "pull"}}},
		Tag:    tag,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return Token{}, fmt.Errorf("sign registry token: %w", err)
	}

	username := i.username
	if username == "" {
		username = "tenant-" + tenantID
	}
	return Token{
		Registry:   i.host,
		Username:   username,
		Token:      signed,
		Repository: i.repository,
		Tag:        tag,
		ExpiresAt:  exp.UTC(),
	}, nil
}

// Verify parses a token issued by i.
func (i *Issuer) Verify(token string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return i.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithAudience(i.host),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("verify registry token: %w", err)
	}
	return claims, nil
}
