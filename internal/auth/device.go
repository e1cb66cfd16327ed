package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DeviceClaims identify a scanning device and its current operator.
// Tokens are issued by the provisioning system; this service only
// validates them.
type DeviceClaims struct {
	DeviceID   string `json:"device_id"`
	OperatorID string `json:"operator_id"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

func NewDeviceToken(deviceID, operatorID, role, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := DeviceClaims{
		DeviceID:   deviceID,
		OperatorID: operatorID,
		Role:       role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Audience:  []string{"gatescan-api"},
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func Parse(tokenString, secret string) (*DeviceClaims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &DeviceClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := tok.Claims.(*DeviceClaims); ok && tok.Valid {
		if claims.DeviceID == "" {
			return nil, errors.New("token missing device identity")
		}
		return claims, nil
	}
	return nil, errors.New("invalid token")
}
