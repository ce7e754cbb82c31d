package admin

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Errors surfaced by the token service.
var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("token has expired")
	ErrBadCredentials     = errors.New("bad credentials")
	ErrSecretTooShort     = errors.New("JWT secret must be at least 32 characters")
	ErrTokenSigningFailed = errors.New("failed to sign token")
)

// tokenIssuer is the iss claim on every admin token.
const tokenIssuer = "phobosd"

// TokenService issues and verifies the HMAC-signed admin tokens that
// gate runtime configuration, over HTTP and over the wire configure
// request alike.
type TokenService struct {
	secret   []byte
	duration time.Duration
}

// NewTokenService builds a token service.
func NewTokenService(secret string, duration time.Duration) (*TokenService, error) {
	if len(secret) < 32 {
		return nil, ErrSecretTooShort
	}
	if duration <= 0 {
		duration = 15 * time.Minute
	}
	return &TokenService{secret: []byte(secret), duration: duration}, nil
}

// Issue mints an admin token.
func (s *TokenService) Issue(now time.Time) (string, time.Time, error) {
	expires := now.Add(s.duration)
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, ErrTokenSigningFailed
	}
	return token, expires, nil
}

// Verify checks a token's signature, issuer, and expiry.
func (s *TokenService) Verify(tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, ErrInvalidToken
			}
			return s.secret, nil
		},
		jwt.WithIssuer(tokenIssuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return ErrInvalidToken
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

// HashPassword produces the bcrypt hash stored in the admin config
// section; used by `phobosctl admin hash`.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword verifies a login attempt against the stored hash.
func CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrBadCredentials
	}
	return nil
}
