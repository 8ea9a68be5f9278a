// Copyright 2025 Freifunk Stuttgart e.V.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mgmtapi

import (
	"context"
	"net/http"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/freifunk-stuttgart/meshmon/pkg/log"
	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
)

// minKeyBytes is the minimum HS256 key length per RFC 7518 section 3.2.
const minKeyBytes = 256 / 8

// A TokenSource creates Bearer tokens for HTTP clients to use.
type TokenSource interface {
	Token() (*Token, error)
}

// Token is an HTTP Bearer token accepted by the mutating API endpoints. The
// String method returns the representation used in HTTP headers.
type Token struct {
	value string
}

func (t *Token) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.value
}

// NewHTTPClient constructs an HTTP client that performs authorization via
// Bearer tokens created by src. A nil src yields the default client.
func NewHTTPClient(ctx context.Context, src TokenSource) *http.Client {
	if src == nil {
		return http.DefaultClient
	}
	return &http.Client{
		Transport: &httpTransport{
			Base:        http.DefaultTransport,
			TokenSource: src,
		},
	}
}

type httpTransport struct {
	Base        http.RoundTripper
	TokenSource TokenSource
}

func (t *httpTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.TokenSource.Token()
	if err != nil {
		return nil, serrors.Wrap("computing bearer token", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.String())
	return t.Base.RoundTrip(req)
}

// JWTTokenSource creates HS256-signed JWT tokens.
type JWTTokenSource struct {
	// Subject is placed in the "sub" claim when non-empty.
	Subject string
	// Key used for HS256, at least 256 bits long.
	Key []byte
}

func (s *JWTTokenSource) Token() (*Token, error) {
	if len(s.Key) < minKeyBytes {
		return nil, serrors.New("refusing to sign, key must be at least 256 bits long",
			"length", len(s.Key)*8)
	}
	builder := jwt.NewBuilder()
	if s.Subject != "" {
		builder = builder.Subject(s.Subject)
	}
	token, err := builder.Build()
	if err != nil {
		return nil, serrors.Wrap("building token", err)
	}
	b, err := jwt.Sign(token, jwt.WithKey(jwa.HS256(), s.Key))
	if err != nil {
		return nil, serrors.Wrap("signing token", err)
	}
	return &Token{value: string(b)}, nil
}

// HTTPVerifier verifies HS256-signed JWT Bearer tokens.
type HTTPVerifier struct {
	// Key used for HS256, at least 256 bits long.
	Key []byte
	// Logger lists authorization attempts, nil disables logging.
	Logger log.Logger
}

// AddAuthorization decorates handler with a step that first performs JWT
// Bearer authorization before chaining the call to the initial handler.
func (v *HTTPVerifier) AddAuthorization(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if len(v.Key) < minKeyBytes {
			log.SafeDebug(v.Logger, "Refusing to verify, key must be at least 256 bits long",
				"length", len(v.Key)*8)
			writeProblem(rw, http.StatusInternalServerError, "Server error")
			return
		}
		token, err := jwt.ParseRequest(req, jwt.WithKey(jwa.HS256(), v.Key))
		if err != nil {
			log.SafeDebug(v.Logger, "Parsing failed", "err", err)
			writeProblem(rw, http.StatusUnauthorized, "Authorization error")
			return
		}
		subject, _ := token.Subject()
		log.SafeDebug(v.Logger, "Authorization successful", "subject", subject)
		handler.ServeHTTP(rw, req)
	})
}
