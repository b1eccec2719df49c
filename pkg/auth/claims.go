package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DonorClaims is the subset of the account service's access token the donation API trusts.
type DonorClaims struct {
	UserID uuid.UUID `json:"user_id"`
	jwt.RegisteredClaims
}
