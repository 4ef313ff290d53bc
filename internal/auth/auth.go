// Package auth decodes connection tokens into caller identities.
package auth

import (
	"errors"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"

	apperrors "github.com/propsync/backend/internal/errors"
)

// Role names carried in tokens. Admin is global-scoped; the others are
// scoped to a single property.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleStaff   = "staff"
)

// Identity is the decoded result of a connection token.
type Identity struct {
	UserID     string
	Role       string
	PropertyID string
}

// GlobalScope reports whether the identity can see across properties.
func (i Identity) GlobalScope() bool {
	return i.Role == RoleAdmin
}

// Decoder verifies and decodes HMAC-signed tokens.
type Decoder struct {
	secret []byte
}

// NewDecoder creates a Decoder with the given HMAC secret.
func NewDecoder(secret string) *Decoder {
	return &Decoder{secret: []byte(secret)}
}

// Decode verifies the token and extracts the identity claims.
// Failures are explicit: TOKEN_EXPIRED for expiry, AUTH_FAILED otherwise.
func (d *Decoder) Decode(token string) (Identity, error) {
	parsed, err := gojwt.Parse(token, func(t *gojwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return d.secret, nil
	})
	if err != nil {
		if errors.Is(err, gojwt.ErrTokenExpired) {
			return Identity{}, apperrors.Wrap(apperrors.ErrTokenExpired, "token expired", err)
		}
		return Identity{}, apperrors.Wrap(apperrors.ErrAuthFailed, "token invalid", err)
	}

	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok || !parsed.Valid {
		return Identity{}, apperrors.New(apperrors.ErrAuthFailed, "token invalid")
	}

	ident := Identity{}
	if userID, ok := claims["user_id"].(string); ok {
		ident.UserID = userID
	}
	if role, ok := claims["role"].(string); ok {
		ident.Role = role
	}
	if propertyID, ok := claims["property_id"].(string); ok {
		ident.PropertyID = propertyID
	}

	if ident.UserID == "" || ident.Role == "" {
		return Identity{}, apperrors.New(apperrors.ErrAuthFailed, "token missing identity claims")
	}

	return ident, nil
}

// Sign issues a token for the given identity. Used by the controlling
// layer and tests; the core itself only decodes.
func (d *Decoder) Sign(ident Identity, expiresAtUnix int64) (string, error) {
	claims := gojwt.MapClaims{
		"user_id":     ident.UserID,
		"role":        ident.Role,
		"property_id": ident.PropertyID,
	}
	if expiresAtUnix > 0 {
		claims["exp"] = expiresAtUnix
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(d.secret)
}
