// Package auth maps bearer tokens issued by the identity provider to the
// actor key the lifecycle engine records.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken signals a token that failed signature, expiry or claim checks.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrMissingSecret signals a verifier constructed without a signing key.
	ErrMissingSecret = errors.New("auth: empty jwt secret")
)

// RoleAdmin may force a transaction's status outside the normal path.
const RoleAdmin = "admin"

// Principal is the authenticated caller.
type Principal struct {
	ActorKey string
	Role     string
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Verifier validates HS256 tokens.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Verifier{secret: []byte(secret), now: time.Now}, nil
}

// Verify parses the token and returns the caller. The actor key is read from
// "sub", falling back to "user_id" for tokens issued by older services.
func (v *Verifier) Verify(tokenString string) (Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	actor, _ := claims["sub"].(string)
	if actor == "" {
		actor, _ = claims["user_id"].(string)
	}
	if actor == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role, _ := claims["role"].(string)
	return Principal{ActorKey: actor, Role: role}, nil
}

// Issue signs a token for actor. The identity provider normally does this;
// it is used by tooling and tests.
func (v *Verifier) Issue(actor, role string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := jwt.MapClaims{
		"sub":  actor,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
