// Package identity resolves the user behind an inbound connection before the
// session layer runs. Identity arrives as a signed HMAC JWT; the session
// layer fails closed on anything anonymous.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the resolved user behind a request or connection.
type Identity struct {
	UserID   string
	Username string
}

// Anonymous reports whether no user was resolved.
func (id Identity) Anonymous() bool { return id.UserID == "" }

type ctxKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the resolved identity, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok && !id.Anonymous()
}

// ErrInvalidToken is returned for tokens that fail parsing or validation.
var ErrInvalidToken = errors.New("identity: invalid token")

// Resolver validates bearer tokens into identities.
type Resolver struct {
	secret []byte
}

// NewResolver constructs a Resolver over an HMAC signing secret.
func NewResolver(secret []byte) (*Resolver, error) {
	if len(secret) == 0 {
		return nil, errors.New("identity: empty signing secret")
	}
	return &Resolver{secret: secret}, nil
}

// Resolve parses and validates an HMAC JWT, extracting the subject and
// username claims.
func (r *Resolver) Resolve(tokenString string) (Identity, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Identity{}, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	username, _ := claims["username"].(string)
	if strings.TrimSpace(sub) == "" {
		return Identity{}, ErrInvalidToken
	}
	if username == "" {
		username = sub
	}
	return Identity{UserID: sub, Username: username}, nil
}

// NewToken mints a signed token for id. Used by tooling and tests.
func (r *Resolver) NewToken(id Identity, ttl time.Duration) (string, error) {
	if id.Anonymous() {
		return "", errors.New("identity: cannot mint token for anonymous identity")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":      id.UserID,
		"username": id.Username,
		"iat":      now.Unix(),
		"exp":      now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}
