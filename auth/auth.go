/*
Package auth answers capability questions for the circulation engine.

PURPOSE:
  The engine asks "may this actor renew?" through circulation.Authorizer and
  never learns how the answer was reached. Two answers are provided:

  Static:          a fixed actor -> capabilities table (tests, single-desk setups)
  TokenAuthorizer: HS256 JWTs whose "caps" claim lists the granted capabilities

TOKEN FLOW:
  HTTP middleware puts the bearer token on the request context (WithToken).
  TokenAuthorizer reads it back, verifies the signature and expiry, checks
  the subject is the acting actor, and looks the capability up in "caps".
*/
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/circulation-engine/circulation"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// =============================================================================
// STATIC
// =============================================================================

// Static grants a fixed set of capabilities per actor.
type Static map[circulation.ActorID][]circulation.Capability

var _ circulation.Authorizer = Static(nil)

func (s Static) HasCapability(_ context.Context, actor circulation.ActorID, capability circulation.Capability) bool {
	return slices.Contains(s[actor], capability)
}

// =============================================================================
// JWT
// =============================================================================

// Claims carries the actor in "sub" and its capabilities in "caps".
type Claims struct {
	Caps []string `json:"caps"`
	jwt.RegisteredClaims
}

func (c *Claims) Actor() circulation.ActorID {
	return circulation.ActorID(c.Subject)
}

func (c *Claims) Has(capability circulation.Capability) bool {
	return slices.Contains(c.Caps, string(capability))
}

// TokenAuthorizer verifies HS256 tokens signed with a shared secret.
type TokenAuthorizer struct {
	secret []byte
	now    func() time.Time
}

var _ circulation.Authorizer = (*TokenAuthorizer)(nil)

func NewTokenAuthorizer(secret string) *TokenAuthorizer {
	return &TokenAuthorizer{secret: []byte(secret), now: time.Now}
}

// Issue signs a token for actor. Used by tooling and tests; production
// tokens come from the identity service with the same claim layout.
func (a *TokenAuthorizer) Issue(actor circulation.ActorID, caps []circulation.Capability, ttl time.Duration) (string, error) {
	now := a.now()
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	claims := Claims{
		Caps: names,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(actor),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Verify parses and validates a token string.
func (a *TokenAuthorizer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return claims, nil
}

// HasCapability checks the token carried by ctx. A missing or invalid token,
// or one issued to a different actor, grants nothing.
func (a *TokenAuthorizer) HasCapability(ctx context.Context, actor circulation.ActorID, capability circulation.Capability) bool {
	raw, ok := TokenFrom(ctx)
	if !ok {
		return false
	}
	claims, err := a.Verify(raw)
	if err != nil {
		return false
	}
	return claims.Actor() == actor && claims.Has(capability)
}

// =============================================================================
// CONTEXT
// =============================================================================

type tokenKey struct{}

// WithToken attaches a raw bearer token to ctx.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

func TokenFrom(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(tokenKey{}).(string)
	return t, ok && t != ""
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: malformed authorization header", ErrInvalidToken)
	}
	return strings.TrimSpace(token), nil
}
