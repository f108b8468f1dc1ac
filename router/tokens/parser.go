package tokens

import (
	"time"

	"github.com/gbrlsnchs/jwt/v3"
)

type TokenData interface {
	GetPayload() *jwt.Payload
}

// ParseToken validates the provided JWT against the given secret and decodes
// the payload into data. This function DOES NOT validate that the token has
// not been redeemed before, callers check that through IsUniqueRequest on the
// payload itself.
func ParseToken(secret []byte, token []byte, data TokenData) error {
	verifyOptions := jwt.ValidatePayload(
		data.GetPayload(),
		jwt.ExpirationTimeValidator(time.Now()),
	)

	_, err := jwt.Verify(token, jwt.NewHS256(secret), &data, verifyOptions)

	return err
}

// SignToken signs the given payload with the given secret, producing a token
// that ParseToken with the same secret will accept until the payload expires.
func SignToken(secret []byte, data TokenData) ([]byte, error) {
	return jwt.Sign(data, jwt.NewHS256(secret))
}
