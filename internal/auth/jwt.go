package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the minimal claim set the reference adapter expects: who the
// token is for, and whether they hold the admin role. Deployments with a
// richer identity system are expected to implement OperatorAuthenticator
// directly rather than extend this type.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256-signed bearer tokens against a shared
// secret. It is the one OperatorAuthenticator implementation the host
// ships; anything beyond "trust this secret, read this role claim" is a
// collaborator's job, not the core's (§6).
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

// NewJWTAuthenticator builds an authenticator. issuer, if non-empty, is
// checked against the token's iss claim.
func NewJWTAuthenticator(secret, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer}
}

var _ OperatorAuthenticator = (*JWTAuthenticator)(nil)

// Authenticate extracts a bearer token from the Authorization header and
// validates it. Only HMAC-signed tokens are accepted — a token claiming
// any other algorithm is rejected outright to rule out algorithm
// substitution attacks.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (Operator, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return Operator{}, false
	}
	tokenString := strings.TrimPrefix(header, "Bearer ")

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return Operator{}, false
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return Operator{}, false
	}

	return Operator{Subject: claims.Subject, Admin: claims.Role == "admin"}, true
}

// IssueToken mints a token for subject/role valid for ttl, used by tests
// and by operator-facing tooling outside the host itself — the host never
// issues its own tokens in production.
func (a *JWTAuthenticator) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}
