package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "branch-ledger"

// BranchClaims identify the branch allowed to push with the token.
type BranchClaims struct {
	BranchID string `json:"branch_id"`
	jwt.RegisteredClaims
}

func GenerateBranchToken(secret, branchID string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	expires := now.Add(ttl)
	claims := &BranchClaims{
		BranchID: branchID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   branchID,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

func ParseBranchToken(secret, tokenStr string) (*BranchClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &BranchClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*BranchClaims)
	if !ok || !token.Valid || claims.BranchID == "" {
		return nil, errors.New("invalid branch token")
	}
	return claims, nil
}
