// Package auth verifies the signed job tokens accepted by the submission
// endpoint and exposes the claims a remux job needs.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNotConfigured is returned when no signing secret was provided.
	ErrNotConfigured = errors.New("token verification is not configured")

	// ErrInvalidToken covers malformed tokens and bad signatures.
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken is returned for tokens past their exp claim.
	ErrExpiredToken = errors.New("token has expired")

	// ErrMissingClaim is returned when a verified token lacks a required field.
	ErrMissingClaim = errors.New("token is missing a required claim")
)

// Claims is the payload of a job token. Field names follow the tokens issued
// by existing clients.
type Claims struct {
	ManifestURL     string `json:"image_url"`
	Bucket          string `json:"bucket_name"`
	Key             string `json:"s3_key"`
	AccessKeyID     string `json:"access_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Region          string `json:"region_name"`

	jwt.RegisteredClaims
}

func (c *Claims) validate() error {
	required := []struct {
		name, value string
	}{
		{"image_url", c.ManifestURL},
		{"bucket_name", c.Bucket},
		{"s3_key", c.Key},
		{"access_id", c.AccessKeyID},
		{"secret_access_key", c.SecretAccessKey},
		{"region_name", c.Region},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%w: %s", ErrMissingClaim, r.name)
		}
	}
	return nil
}

// IsAuthError reports whether err is a client-side token problem (as opposed
// to a server misconfiguration).
func IsAuthError(err error) bool {
	return errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrExpiredToken) || errors.Is(err, ErrMissingClaim)
}

// Verifier checks HS256 job tokens against a shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier returns a Verifier for the given secret. An empty secret yields a
// Verifier whose Verify always fails with ErrNotConfigured.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// Verify parses and validates token, returning its claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if len(v.secret) == 0 {
		return nil, ErrNotConfigured
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := claims.validate(); err != nil {
		return nil, err
	}
	return claims, nil
}

// Sign issues an HS256 token for claims. Used by the CLI and tests.
func (v *Verifier) Sign(claims *Claims) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrNotConfigured
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// ChannelName derives the progress channel for a token: its payload segment.
// Clients compute the same value to subscribe before submitting.
func ChannelName(token string) (string, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 || parts[1] == "" {
		return "", fmt.Errorf("%w: expected three segments", ErrInvalidToken)
	}
	return parts[1], nil
}
