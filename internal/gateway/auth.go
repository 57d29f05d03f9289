package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vaultmesh/vaultmesh/internal/identity"
)

// TokenExpiry is the default lifetime of a client token.
const TokenExpiry = 24 * time.Hour

const issuer = "vaultmesh"

// ErrInvalidToken is returned for tokens that fail signature, expiry or
// subject checks.
var ErrInvalidToken = errors.New("invalid token")

// Claims identifies a client. The subject is the client identity in hex.
type Claims struct {
	jwt.RegisteredClaims
}

// Authenticator mints and checks HS256 client tokens.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// NewAuthenticator creates an authenticator signing with secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// GenerateToken returns a signed token for client valid for ttl. A zero ttl
// uses TokenExpiry.
func (a *Authenticator) GenerateToken(client identity.ID, ttl time.Duration) (string, time.Time, error) {
	if client.IsZero() {
		return "", time.Time{}, fmt.Errorf("%w: empty client identity", ErrInvalidToken)
	}
	if ttl == 0 {
		ttl = TokenExpiry
	}
	now := a.now()
	expires := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   client.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expires, nil
}

// ValidateToken checks token and returns the client it was issued to.
func (a *Authenticator) ValidateToken(token string) (identity.ID, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return identity.Zero, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	client, err := identity.Parse(claims.Subject)
	if err != nil || client.IsZero() {
		return identity.Zero, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return client, nil
}
