package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims binds a session token to one (user, form) pair.
type Claims struct {
	UserID      string `json:"sub"`
	DisplayName string `json:"name"`
	FormID      string `json:"formId"`
	Type        string `json:"typ"` // "session"
	jwt.RegisteredClaims
}

const tokenType = "session"

// SignSessionToken mints the token handed out by POST /sessions/join.
func SignSessionToken(secret []byte, userID, displayName, formID string, ttl time.Duration) (string, time.Time, error) {
	expiresAt := time.Now().Add(ttl)
	claims := &Claims{
		UserID:      userID,
		DisplayName: displayName,
		FormID:      formID,
		Type:        tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// ParseSessionToken validates a token and returns its claims.
func ParseSessionToken(secret []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Type != tokenType {
		return nil, fmt.Errorf("%w: not a session token", jwt.ErrTokenInvalidClaims)
	}
	return claims, nil
}
