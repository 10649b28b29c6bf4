package github

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// signJWT mints the short-lived app JWT GitHub requires for the token
// exchange. The issued-at claim is backdated one minute to absorb clock
// skew between this host and GitHub.
func (a *AppAuth) signJWT() (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.appIDString(),
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(maxJWTLifetime - time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign app JWT: %w", err)
	}
	return signed, nil
}
