// Package auth turns the credential a browser presents into a session
// descriptor.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/console-relay/backend/internal/model"
)

var (
	ErrNoCredential      = errors.New("no credential provided")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpiredCredential = errors.New("credential has expired")
)

// Authenticator validates a credential and describes the session it grants.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*model.SessionDescriptor, error)
}

// Claims are the JWT claims understood by JWTAuthenticator.
type Claims struct {
	User          string `json:"user"`
	UpstreamToken string `json:"upstream_token,omitempty"`
	Upstream      string `json:"upstream,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256 tokens signed with a shared secret.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

// NewJWTAuthenticator creates an authenticator for tokens signed with secret.
// When issuer is non-empty, tokens must carry a matching iss claim.
func NewJWTAuthenticator(secret, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{
		secret: []byte(secret),
		issuer: issuer,
	}
}

// Authenticate validates credential and returns the session descriptor it
// carries.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, credential string) (*model.SessionDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if credential == "" {
		return nil, ErrNoCredential
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredCredential
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidCredential
	}
	if claims.User == "" {
		return nil, fmt.Errorf("%w: missing user claim", ErrInvalidCredential)
	}

	return &model.SessionDescriptor{
		UserID:        claims.User,
		UpstreamURL:   claims.Upstream,
		UpstreamToken: claims.UpstreamToken,
	}, nil
}

// Issue mints a token for user valid for ttl.
func (a *JWTAuthenticator) Issue(user, upstreamToken, upstream string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		User:          user,
		UpstreamToken: upstreamToken,
		Upstream:      upstream,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    a.issuer,
			Subject:   user,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// CredentialFromRequest extracts the credential from the Authorization
// bearer header, the X-Auth-Token header, or the token query parameter, in
// that order. Browsers cannot set headers on a WebSocket handshake, hence the
// query fallback.
func CredentialFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.Header.Get("X-Auth-Token"); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}
