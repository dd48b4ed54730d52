// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package token

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// JWTSigner mints HS256 signed JSON web tokens. The device ID is the subject, the hub
// name the audience.
type JWTSigner struct {
	Issuer   string
	HubName  string
	DeviceID string
	Key      []byte
}

// Token returns "Bearer <jwt>" with exp set to expiresAt
func (s JWTSigner) Token(_ context.Context, expiresAt time.Time) (string, error) {
	if len(s.Key) == 0 {
		return "", errors.New("jwt signing key is empty")
	}
	claims := jwt.StandardClaims{
		Audience:  s.HubName,
		ExpiresAt: expiresAt.Unix(),
		Id:        uuid.New().String(),
		IssuedAt:  time.Now().Unix(),
		Issuer:    s.Issuer,
		Subject:   s.DeviceID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Key)
	if err != nil {
		return "", err
	}
	return "Bearer " + signed, nil
}
