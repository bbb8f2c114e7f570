// Package token issues and decodes the signed session tokens that carry a
// user's identity and roles between requests.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"taskline/internal/domain"
)

// ErrInvalidToken covers every decode failure: malformed token, bad
// signature, issuer/audience mismatch, or expiry. Callers treat all of
// them the same way (anonymous, token discarded).
var ErrInvalidToken = errors.New("invalid token")

const (
	DefaultIssuer   = "taskline"
	DefaultAudience = "taskline-client"
	DefaultTTL      = time.Hour
)

// roleClaimAliases are the claim types that mean "role", matched
// case-insensitively. Kept as a fixed list rather than anything
// reflective; tokens from other issuers spell this claim differently.
var roleClaimAliases = []string{"role", "roles"}

// Codec signs and verifies session tokens with a symmetric key. Rotating
// the key invalidates every previously issued token; that is the intended
// revocation mechanism.
type Codec struct {
	Secret   []byte
	Issuer   string
	Audience string
	TTL      time.Duration
	Now      func() time.Time
}

func New(secret string) Codec {
	return Codec{
		Secret:   []byte(secret),
		Issuer:   DefaultIssuer,
		Audience: DefaultAudience,
		TTL:      DefaultTTL,
		Now:      time.Now,
	}
}

func (c Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Codec) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return DefaultTTL
}

// Issue produces a signed token embedding the identity's id, display name,
// email and one role entry per role. Pure function of identity, key and
// current time.
func (c Codec) Issue(id domain.Identity) (string, error) {
	if len(c.Secret) == 0 {
		return "", errors.New("signing key not configured")
	}
	if id.ID == "" {
		return "", errors.New("identity id required")
	}
	now := c.now().UTC()
	claims := jwt.MapClaims{
		"sub":         id.ID,
		"name":        id.DisplayName,
		"email":       id.Email,
		"DisplayName": id.DisplayName,
		"iss":         c.Issuer,
		"aud":         c.Audience,
		"iat":         jwt.NewNumericDate(now),
		"exp":         jwt.NewNumericDate(now.Add(c.ttl())),
	}
	switch len(id.Roles) {
	case 0:
	case 1:
		claims["role"] = id.Roles[0]
	default:
		claims["role"] = id.Roles
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.Secret)
}

// Decode validates a token and reconstructs the identity it carries.
// Role claims spelled `role` or `roles` in any case are merged into a
// single role set; the display name falls back through name, email and
// sub so callers always have something to present.
func (c Codec) Decode(tokenStr string) (domain.Identity, error) {
	if len(c.Secret) == 0 {
		return domain.Identity{}, errors.New("signing key not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.Issuer),
		jwt.WithAudience(c.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	claims := jwt.MapClaims{}
	parsed, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return c.Secret, nil
	})
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return domain.Identity{}, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Identity{}, fmt.Errorf("%w: subject claim required", ErrInvalidToken)
	}
	id := domain.Identity{
		ID:    sub,
		Email: stringClaim(claims, "email"),
		Roles: roleSet(claims),
	}
	id.DisplayName = firstNonEmpty(
		stringClaim(claims, "DisplayName"),
		stringClaim(claims, "name"),
		id.Email,
		sub,
	)
	return id, nil
}

func roleSet(claims jwt.MapClaims) []string {
	var roles []string
	seen := map[string]bool{}
	add := func(role string) {
		if role == "" || seen[role] {
			return
		}
		seen[role] = true
		roles = append(roles, role)
	}
	for key, value := range claims {
		if !roleClaimKey(key) {
			continue
		}
		switch v := value.(type) {
		case string:
			add(v)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					add(s)
				}
			}
		case []string:
			for _, s := range v {
				add(s)
			}
		}
	}
	return roles
}

func roleClaimKey(key string) bool {
	for _, alias := range roleClaimAliases {
		if strings.EqualFold(key, alias) {
			return true
		}
	}
	return false
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
