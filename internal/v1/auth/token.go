// Package auth issues and validates the signed guest bearer tokens used by
// the WebSocket endpoint.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/parleyhq/parley/internal/v1/types"
)

// GuestTokenTTL is the lifetime of a token issued by the login endpoint.
const GuestTokenTTL = 24 * time.Hour

// Claims are the custom JWT claims embedded in guest tokens.
type Claims struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	jwt.RegisteredClaims
}

// Validator signs and verifies HS256 guest tokens with a shared secret.
type Validator struct {
	secret []byte
}

// NewValidator creates a Validator with the given signing secret.
func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret)}
}

// IssueGuestToken creates a signed guest token embedding the user identity.
func (v *Validator) IssueGuestToken(user types.User) (string, error) {
	claims := &Claims{
		UserID: user.ID,
		Name:   user.Name,
		Type:   "guest",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(GuestTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken parses and validates a token string, returning the embedded
// user identity.
func (v *Validator) VerifyToken(tokenString string) (*types.User, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("token is invalid")
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no user identity")
	}

	return &types.User{ID: claims.UserID, Name: claims.Name}, nil
}
