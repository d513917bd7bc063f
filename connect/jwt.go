package connect

import (
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims read from a bearer credential without verifying the signature
// the server verifies. The client only uses these for logging and expiry warnings.
type AuthorizationClaims struct {
	Subject   string
	ExpiresAt time.Time
	HasExpiry bool
}

func BearerAuthorization(token string) string {
	return "Bearer " + token
}

// accepts either a raw jwt or a `Bearer <jwt>` credential
func ParseAuthorizationUnverified(authorization string) (*AuthorizationClaims, error) {
	token := strings.TrimSpace(authorization)
	if scheme, rest, found := strings.Cut(token, " "); found && strings.EqualFold(scheme, "bearer") {
		token = strings.TrimSpace(rest)
	}

	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := &AuthorizationClaims{}
	if subject, err := parsed.Claims.GetSubject(); err == nil {
		claims.Subject = subject
	}
	if expiresAt, err := parsed.Claims.GetExpirationTime(); err == nil && expiresAt != nil {
		claims.ExpiresAt = expiresAt.Time
		claims.HasExpiry = true
	}
	return claims, nil
}

func (self *AuthorizationClaims) Expired(now time.Time) bool {
	return self.HasExpiry && !now.Before(self.ExpiresAt)
}
