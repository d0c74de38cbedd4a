package httppeer

import (
	"errors"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"

	"github.com/roach88/replica/internal/ir"
)

const (
	tokenIssuer = "replica"
	tokenTTL    = 5 * time.Minute
	keySalt     = "replica/peer-auth/v1"
)

// ErrUnauthorized is returned for missing, expired or forged tokens.
var ErrUnauthorized = errors.New("unauthorized")

// Signer issues and checks the bearer tokens peers present on push. Every
// replica of a deployment shares one secret; the token subject names the
// sending site.
type Signer struct {
	key  []byte
	site ir.SiteID
	now  func() time.Time
}

// DeriveKey stretches the shared secret into an HMAC key. The salt is
// fixed so every replica derives the same key.
func DeriveKey(secret string) []byte {
	return argon2.IDKey([]byte(secret), []byte(keySalt), 1, 64*1024, 2, 32)
}

// NewSigner derives the signing key for site from secret.
func NewSigner(secret string, site ir.SiteID) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("peer secret is empty")
	}
	if site.IsZero() {
		return nil, errors.New("signer needs a site id")
	}
	return &Signer{key: DeriveKey(secret), site: site, now: time.Now}, nil
}

// Sign returns a short-lived HS256 token for this site.
func (s *Signer) Sign() (string, error) {
	now := s.now()
	claims := jwtv5.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   s.site.String(),
		IssuedAt:  jwtv5.NewNumericDate(now),
		ExpiresAt: jwtv5.NewNumericDate(now.Add(tokenTTL)),
	}
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims)
	tk.Header["typ"] = "JWT"
	return tk.SignedString(s.key)
}

// Verify checks raw and returns the site it was issued to.
func (s *Signer) Verify(raw string) (ir.SiteID, error) {
	var claims jwtv5.RegisteredClaims
	_, err := jwtv5.ParseWithClaims(raw, &claims,
		func(*jwtv5.Token) (any, error) { return s.key, nil },
		jwtv5.WithValidMethods([]string{jwtv5.SigningMethodHS256.Alg()}),
		jwtv5.WithIssuer(tokenIssuer),
		jwtv5.WithExpirationRequired(),
		jwtv5.WithTimeFunc(s.now),
		jwtv5.WithLeeway(30*time.Second),
	)
	if err != nil {
		return ir.SiteID{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	site, err := ir.ParseSiteID(claims.Subject)
	if err != nil {
		return ir.SiteID{}, fmt.Errorf("%w: bad subject: %v", ErrUnauthorized, err)
	}
	return site, nil
}
