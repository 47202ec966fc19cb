package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TriggerClaims authorize calls to the engine entry points. A nil TeamID
// grants access to every team.
type TriggerClaims struct {
	TeamID *uint `json:"team_id,omitempty"`
	jwt.RegisteredClaims
}

func GenerateTriggerToken(secret string, teamID *uint, ttl time.Duration, now time.Time) (string, error) {
	claims := &TriggerClaims{
		TeamID: teamID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "trigger",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseTriggerToken(secret, tokenString string) (*TriggerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TriggerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*TriggerClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}
