package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionTTL is how long a minted CI session stays valid.
const SessionTTL = time.Hour

// sessionClaims mirrors the CI server's session payload. Field order is the
// serialisation order.
type sessionClaims struct {
	UserID int64  `json:"user-id"`
	Type   string `json:"type"`
	jwt.RegisteredClaims
}

// MintSessionToken signs an HS256 user session for userID with secret, the
// identity record's hash. The token expires SessionTTL after issuedAt.
func MintSessionToken(userID int64, secret string, issuedAt time.Time) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("empty signing secret for user %d", userID)
	}
	claims := sessionClaims{
		UserID: userID,
		Type:   "user",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(SessionTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}
