// Copyright 2025 INSA Automation Corp
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tenant

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
)

// TokenKind separates access tokens from refresh tokens; a refresh token
// cannot authenticate a request and vice versa.
type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

// Claims are the signed contents of a bearer token. Opaque to callers.
type Claims struct {
	UserID      string    `json:"uid"`
	Email       string    `json:"email"`
	TenantID    string    `json:"tid,omitempty"`
	TenantSlug  string    `json:"tslug,omitempty"`
	Role        string    `json:"role,omitempty"`
	Permissions []string  `json:"perms,omitempty"`
	TenantAdmin bool      `json:"tadmin,omitempty"`
	SystemAdmin bool      `json:"sadmin,omitempty"`
	Kind        TokenKind `json:"kind"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies bearer tokens. The signing key is loaded once
// at startup from externalized secret material and never regenerated:
// a fresh key would invalidate every outstanding token.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      clock.PassiveClock
}

// NewIssuer builds an issuer around the externally supplied secret.
func NewIssuer(secret string, accessTTL, refreshTTL time.Duration, c clock.PassiveClock) *Issuer {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Issuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		clock:      c,
	}
}

// Issue signs an access/refresh token pair for the principal.
func (i *Issuer) Issue(p Principal) (access, refresh string, err error) {
	now := i.clock.Now()
	base := Claims{
		UserID:      p.UserID,
		Email:       p.Email,
		TenantID:    p.TenantID,
		TenantSlug:  p.TenantSlug,
		Role:        p.Role,
		Permissions: p.Permissions,
		TenantAdmin: p.TenantAdmin,
		SystemAdmin: p.SystemAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
		},
	}

	base.Kind = TokenAccess
	access, err = jwt.NewWithClaims(jwt.SigningMethodHS256, base).SignedString(i.secret)
	if err != nil {
		return "", "", errors.Wrap(err, "sign access token")
	}

	base.Kind = TokenRefresh
	base.ExpiresAt = jwt.NewNumericDate(now.Add(i.refreshTTL))
	refresh, err = jwt.NewWithClaims(jwt.SigningMethodHS256, base).SignedString(i.secret)
	if err != nil {
		return "", "", errors.Wrap(err, "sign refresh token")
	}
	return access, refresh, nil
}

// Verify validates signature, expiry and kind, returning the claims.
func (i *Issuer) Verify(token string, kind TokenKind) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.clock.Now), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, platform.ErrUnauthenticated
	}
	if claims.Kind != kind {
		return nil, platform.ErrUnauthenticated
	}
	return &claims, nil
}
