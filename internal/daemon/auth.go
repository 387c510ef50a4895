// Copyright 2025 Tom Barlow
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

package daemon

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator verifies API requests with either a static bearer token or
// an HS256-signed JWT. With neither configured, all requests are allowed —
// intended only for loopback development setups.
type Authenticator struct {
	token     string
	jwtSecret []byte
}

// NewAuthenticator creates an authenticator. Empty values disable the
// corresponding scheme.
func NewAuthenticator(token, jwtSecret string) *Authenticator {
	a := &Authenticator{token: token}
	if jwtSecret != "" {
		a.jwtSecret = []byte(jwtSecret)
	}
	return a
}

// Enabled reports whether any authentication scheme is configured.
func (a *Authenticator) Enabled() bool {
	return a.token != "" || len(a.jwtSecret) > 0
}

// extractBearerToken extracts the Bearer token from the Authorization header.
func extractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	// Case-insensitive Bearer prefix per RFC 6750
	if !strings.HasPrefix(auth, "Bearer ") && !strings.HasPrefix(auth, "bearer ") {
		return "", fmt.Errorf("invalid Authorization header format, expected 'Bearer <token>'")
	}

	token := strings.TrimSpace(auth[7:])
	if token == "" {
		return "", fmt.Errorf("empty Bearer token")
	}
	return token, nil
}

// Authenticate verifies the request's credentials.
func (a *Authenticator) Authenticate(r *http.Request) error {
	if !a.Enabled() {
		return nil
	}

	token, err := extractBearerToken(r)
	if err != nil {
		return err
	}

	// Constant-time comparison prevents timing attacks on the static token.
	if a.token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) == 1 {
		return nil
	}

	if len(a.jwtSecret) > 0 {
		if err := a.verifyJWT(token); err == nil {
			return nil
		}
	}

	return fmt.Errorf("invalid Bearer token")
}

func (a *Authenticator) verifyJWT(tokenString string) error {
	_, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	return err
}

// Middleware wraps next with request authentication. Health and metrics
// endpoints are expected to be registered outside this middleware.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.Authenticate(r); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="snoozed"`)
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
