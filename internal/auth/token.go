// Package auth binds HTTP and WebSocket requests to identities issued by the
// external identity provider.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

const issuer = "campuschat"

// Claims is the JWT payload shared with the identity provider.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 tokens and resolves them to identities.
type Authenticator struct {
	secret     []byte
	cookieName string
	directory  interfaces.IdentityDirectory
	now        func() time.Time
}

// NewAuthenticator returns an authenticator reading tokens from the bearer
// header, then cookieName, then the "token" query parameter.
func NewAuthenticator(secret, cookieName string, directory interfaces.IdentityDirectory) (*Authenticator, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Authenticator{
		secret:     []byte(secret),
		cookieName: cookieName,
		directory:  directory,
		now:        time.Now,
	}, nil
}

// IssueToken signs a token for username valid for ttl.
func (a *Authenticator) IssueToken(username string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ParseToken checks the signature, algorithm and expiry of tokenString.
func (a *Authenticator) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Username == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TokenFromRequest extracts the raw token, or "" when none is present.
func (a *Authenticator) TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if a.cookieName != "" {
		if cookie, err := r.Cookie(a.cookieName); err == nil && cookie.Value != "" {
			return cookie.Value
		}
	}
	return r.URL.Query().Get("token")
}

// Authenticate resolves the request's identity.
func (a *Authenticator) Authenticate(r *http.Request) (*types.Identity, error) {
	raw := a.TokenFromRequest(r)
	if raw == "" {
		return nil, ErrMissingToken
	}

	claims, err := a.ParseToken(raw)
	if err != nil {
		return nil, err
	}

	identity, err := a.directory.LookupByUsername(r.Context(), claims.Username)
	if err != nil {
		if errors.Is(err, interfaces.ErrIdentityNotFound) {
			return nil, ErrUnknownIdentity
		}
		return nil, fmt.Errorf("resolve identity: %w", err)
	}
	return identity, nil
}

type identityKey struct{}

// WithIdentity stores identity on ctx.
func WithIdentity(ctx context.Context, identity *types.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity stored by WithIdentity, if any.
func IdentityFromContext(ctx context.Context) (*types.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*types.Identity)
	return identity, ok && identity != nil
}

// Middleware rejects unauthenticated requests with 401 and stores the identity
// on the request context otherwise.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.Authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="campuschat"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}
