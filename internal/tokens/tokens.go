// Package tokens issues and verifies the HS256 access tokens accepted by the
// docstore API when no OIDC issuer is configured.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gogotex/docstore/internal/security"
	"github.com/gogotex/docstore/pkg/middleware"
	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSecret is returned when signing or verifying without a secret.
var ErrNoSecret = errors.New("jwt secret not configured")

// Issue creates a signed access token for userID. A non-nil grant is embedded
// as the docPermissions claim; a nil grant leaves permissions to the server's
// grant directory.
func Issue(secret, userID string, grant security.Grant, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	if userID == "" {
		return "", fmt.Errorf("token subject is required")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if grant != nil {
		claims[middleware.PermissionsClaim] = security.MarshalGrant(grant)
	}
	jt := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return jt.SignedString([]byte(secret))
}

// HMACVerifier checks tokens produced by Issue.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) (*HMACVerifier, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &HMACVerifier{secret: []byte(secret)}, nil
}

func (v *HMACVerifier) Verify(ctx context.Context, raw string) (middleware.Token, error) {
	parsed, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", parsed.Claims)
	}
	return mapToken(claims), nil
}

// mapToken exposes verified claims through the middleware.Token interface.
type mapToken jwt.MapClaims

func (t mapToken) Claims(v interface{}) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
