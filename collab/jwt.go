package collab

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// verifies the caller's identity once, at connection or request time.
// every other authorization decision is the permission gate's job.
type Verifier interface {
	Verify(token string) (Id, error)
}

type HmacVerifier struct {
	secret []byte
}

func NewHmacVerifier(secret []byte) *HmacVerifier {
	return &HmacVerifier{
		secret: secret,
	}
}

func (self *HmacVerifier) Verify(token string) (Id, error) {
	parsed, err := gojwt.Parse(
		token,
		func(token *gojwt.Token) (any, error) {
			return self.secret, nil
		},
		gojwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil || !parsed.Valid {
		return Id{}, fmt.Errorf("%w: bad token", ErrUnauthorized)
	}

	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return Id{}, fmt.Errorf("%w: bad claims", ErrUnauthorized)
	}
	userIdStr, ok := claims["user_id"].(string)
	if !ok {
		return Id{}, fmt.Errorf("%w: missing user_id", ErrUnauthorized)
	}
	userId, err := ParseId(userIdStr)
	if err != nil {
		return Id{}, fmt.Errorf("%w: bad user_id", ErrUnauthorized)
	}
	return userId, nil
}

// issue a token for a user. used by the daemon's auth command and tests
func (self *HmacVerifier) Mint(userId Id, duration time.Duration) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id": userId.String(),
		"iat":     time.Now().Unix(),
		"exp":     time.Now().Add(duration).Unix(),
	})
	return token.SignedString(self.secret)
}
