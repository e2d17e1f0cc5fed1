// Package auth mints and checks the short-lived access tokens handed out next
// to every refresh token.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/esse/crm/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the owner and the refresh-token family the access token was
// minted for, so that revoking the family can also reject its access tokens.
type Claims struct {
	jwt.RegisteredClaims
	UserID string
	Family string
}

func GenerateToken(userID, family string, secretKey []byte, validityDuration time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validityDuration)),
		},
		UserID: userID,
		Family: family,
	})

	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", fmt.Errorf("error signing access token: %w", err)
	}

	return tokenString, nil
}

// ParseToken validates the signature and expiry. Expired tokens yield
// common.ErrTokenExpired, everything else that fails common.ErrInvalidToken.
func ParseToken(tokenString string, secretKey []byte) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, common.ErrTokenExpired
		}
		return nil, common.ErrInvalidToken
	}

	if !token.Valid || claims.UserID == "" {
		return nil, common.ErrInvalidToken
	}

	return claims, nil
}
