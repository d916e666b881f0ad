// Package auth verifies the tokens presented in the websocket handshake.
// Token issuance happens elsewhere; this package only checks signatures and
// expiry and maps claims to an Identity.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Identity is the authentication context attached to a session.
type Identity struct {
	UserID    string
	Name      string
	Anonymous bool
	ReadOnly  bool
}

// Anonymous is the identity used for unauthenticated public readers.
func Anonymous() Identity {
	return Identity{UserID: "anonymous", Name: "Anonymous", Anonymous: true, ReadOnly: true}
}

// Verifier checks a raw token.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// Claims are the JWT claims the server understands.
type Claims struct {
	Name     string `json:"name,omitempty"`
	ReadOnly bool   `json:"ro,omitempty"`
	jwt.RegisteredClaims
}

// HMACVerifier verifies HS256 tokens signed with a shared secret.
type HMACVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewHMACVerifier creates a verifier. leeway tolerates clock skew on exp/nbf.
func NewHMACVerifier(secret string, leeway time.Duration) *HMACVerifier {
	return &HMACVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithLeeway(leeway),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify validates the token and returns the identity it carries.
func (v *HMACVerifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return Identity{UserID: claims.Subject, Name: name, ReadOnly: claims.ReadOnly}, nil
}

// Sign issues a token. Used by tests and local tooling.
func (v *HMACVerifier) Sign(subject, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest reads the token from the query string or the
// Authorization header.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// Policy decides whether unauthenticated clients may observe a document.
type Policy interface {
	PublicRead(documentID string) bool
}

// PrefixPolicy allows public read for documents whose id starts with one of
// the prefixes. An empty prefix allows everything.
type PrefixPolicy struct {
	Prefixes []string
}

func (p PrefixPolicy) PublicRead(documentID string) bool {
	for _, prefix := range p.Prefixes {
		if strings.HasPrefix(documentID, prefix) {
			return true
		}
	}
	return false
}
