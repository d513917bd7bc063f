package connect

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func testToken(t *testing.T, claims gojwt.MapClaims) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("not the server key"))
	assert.Equal(t, err, nil)
	return signed
}

func TestParseAuthorizationUnverified(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	token := testToken(t, gojwt.MapClaims{
		"sub": "esp-user",
		"exp": expiresAt.Unix(),
	})

	for _, authorization := range []string{token, BearerAuthorization(token), "bearer  " + token} {
		claims, err := ParseAuthorizationUnverified(authorization)
		assert.Equal(t, err, nil)
		assert.Equal(t, claims.Subject, "esp-user")
		assert.Equal(t, claims.HasExpiry, true)
		assert.Equal(t, claims.ExpiresAt.Equal(expiresAt), true)
		assert.Equal(t, claims.Expired(time.Now()), false)
		assert.Equal(t, claims.Expired(expiresAt.Add(time.Second)), true)
	}
}

func TestParseAuthorizationNoExpiry(t *testing.T) {
	claims, err := ParseAuthorizationUnverified(BearerAuthorization(testToken(t, gojwt.MapClaims{
		"sub": "esp-user",
	})))
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.HasExpiry, false)
	assert.Equal(t, claims.Expired(time.Now()), false)
}

func TestParseAuthorizationOpaque(t *testing.T) {
	_, err := ParseAuthorizationUnverified("Bearer abc")
	assert.NotEqual(t, err, nil)
	_, err = ParseAuthorizationUnverified("Basic dXNlcjpwYXNz")
	assert.NotEqual(t, err, nil)
}
