// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth verifies the session tokens issued by the identity service and
// turns them into session identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fleetwatch/internal/session"
)

var ErrMissingToken = errors.New("missing token")

// JWTService handles JWT token operations
type JWTService struct {
	secretKey   []byte
	issuer      string
	tokenExpiry time.Duration
}

// Claims carries the identity a live session is scoped by. Subject holds
// the user id.
type Claims struct {
	jwt.RegisteredClaims
	Role      string `json:"role"`
	CompanyID int64  `json:"company_id,omitempty"`
}

// Identity converts the claims into a validated session identity.
func (c *Claims) Identity() (session.Identity, error) {
	role, err := session.ParseRole(c.Role)
	if err != nil {
		return session.Identity{}, err
	}

	var userID int64
	if c.Subject != "" {
		userID, err = strconv.ParseInt(c.Subject, 10, 64)
		if err != nil {
			return session.Identity{}, fmt.Errorf("invalid subject %q: %w", c.Subject, err)
		}
	}

	id := session.Identity{Role: role, UserID: userID, CompanyID: c.CompanyID}
	if err := id.Validate(); err != nil {
		return session.Identity{}, err
	}
	return id, nil
}

// NewJWTService creates a new JWT service
func NewJWTService(secretKey string, issuer string, expiryHours int) *JWTService {
	return &JWTService{
		secretKey:   []byte(secretKey),
		issuer:      issuer,
		tokenExpiry: time.Duration(expiryHours) * time.Hour,
	}
}

// GenerateToken mints a token for id. The server only verifies tokens; this
// exists for tooling and tests.
func (j *JWTService) GenerateToken(id session.Identity) (string, error) {
	if err := id.Validate(); err != nil {
		return "", fmt.Errorf("invalid identity: %w", err)
	}

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(id.UserID, 10),
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.tokenExpiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
		Role:      string(id.Role),
		CompanyID: id.CompanyID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secretKey)
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	}, jwt.WithIssuer(j.issuer))

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// Authenticate extracts and verifies the token of r. Browsers cannot set
// headers on websocket upgrades, so a token query parameter is accepted too.
func (j *JWTService) Authenticate(r *http.Request) (session.Identity, error) {
	tokenString := TokenFromRequest(r)
	if tokenString == "" {
		return session.Identity{}, ErrMissingToken
	}

	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return session.Identity{}, err
	}
	return claims.Identity()
}

// TokenFromRequest returns the bearer token or the token query parameter.
func TokenFromRequest(r *http.Request) string {
	const bearerPrefix = "Bearer "
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	return r.URL.Query().Get("token")
}

type contextKey struct{}

// RequireAuth is a middleware that requires valid JWT authentication
func (j *JWTService) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := j.Authenticate(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id session.Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFromContext extracts the authenticated identity from the request context
func IdentityFromContext(ctx context.Context) (session.Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(session.Identity)
	return id, ok
}
