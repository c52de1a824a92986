// Package auth issues and verifies the signed guest tokens that identify
// anonymous users. Tokens are self-contained JWTs: the server keeps no
// per-identity state and verification is a pure function of the signing
// secret and the token bytes.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the lifetime of a freshly issued guest token.
const DefaultTokenTTL = 24 * time.Hour

var (
	// ErrTokenInvalid means the token is malformed or its signature does
	// not verify.
	ErrTokenInvalid = errors.New("auth: invalid token")

	// ErrTokenExpired means the token was well-formed and correctly signed
	// but its expiry has passed.
	ErrTokenExpired = errors.New("auth: token expired")
)

// GuestIdentity is the verified identity carried by a guest token.
type GuestIdentity struct {
	ID        string
	Name      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the identity's expiry has passed at the given time.
func (g GuestIdentity) Expired(now time.Time) bool {
	return now.After(g.ExpiresAt)
}

// guestClaims is the JWT payload for guest tokens.
type guestClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies guest tokens with an HMAC-SHA256 signature.
type Issuer struct {
	secret []byte
	ttl    time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewIssuer creates an Issuer signing with the given secret. A zero ttl
// falls back to DefaultTokenTTL.
func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Issuer{secret: secret, ttl: ttl, now: time.Now}
}

// IssueGuest generates a fresh guest identity and returns it alongside the
// signed token encoding it. The identifier carries 128 bits of entropy.
func (i *Issuer) IssueGuest() (GuestIdentity, string, error) {
	id, err := randomID()
	if err != nil {
		return GuestIdentity{}, "", fmt.Errorf("auth: generate guest id: %w", err)
	}
	name := "guest-" + id[:4]
	return i.issue(id, name)
}

// IssueFor mints a token for a known identity (a registered user who has
// already authenticated). The subject keeps the caller's id.
func (i *Issuer) IssueFor(id, name string) (GuestIdentity, string, error) {
	return i.issue(id, name)
}

func (i *Issuer) issue(id, name string) (GuestIdentity, string, error) {
	iat := i.now()
	exp := iat.Add(i.ttl)

	claims := &guestClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    "chirpy",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return GuestIdentity{}, "", fmt.Errorf("auth: sign token: %w", err)
	}

	return GuestIdentity{ID: id, Name: name, IssuedAt: iat, ExpiresAt: exp}, signed, nil
}

// Verify validates the signature and expiry of a token string and returns
// the identity it encodes. Expired tokens yield ErrTokenExpired; everything
// else that fails to parse or verify yields ErrTokenInvalid.
func (i *Issuer) Verify(tokenString string) (GuestIdentity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &guestClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return GuestIdentity{}, ErrTokenExpired
		}
		return GuestIdentity{}, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*guestClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return GuestIdentity{}, ErrTokenInvalid
	}

	ident := GuestIdentity{ID: claims.Subject, Name: claims.Name}
	if claims.IssuedAt != nil {
		ident.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		ident.ExpiresAt = claims.ExpiresAt.Time
	}
	return ident, nil
}

// randomID returns a 128-bit random identifier as 32 hex characters.
func randomID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
