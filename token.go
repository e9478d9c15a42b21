package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zalando/go-keyring"
)

const keyringService = "extrelay"

// MintToken issues an HS256 relay token for subject. A zero ttl means no expiry.
func MintToken(secret, issuer, subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if issuer != "" {
		claims.Issuer = issuer
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// verifyToken returns the subject of a valid token.
func verifyToken(tokenStr, secret, issuer string) (string, error) {
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(issuer))
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, parserOpts...)
	if err != nil || !token.Valid {
		return "", errors.New("invalid or expired token")
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token missing subject claim")
	}
	return sub, nil
}

// TokenStore keeps relay tokens in the OS keychain, one per profile.
type TokenStore struct {
	service string
}

func NewTokenStore() TokenStore {
	return TokenStore{service: keyringService}
}

func (s TokenStore) Save(profile, token string) error {
	if err := keyring.Set(s.service, profile, token); err != nil {
		return fmt.Errorf("store token in keychain: %w", err)
	}
	return nil
}

// Load returns "" without error when no token was stored.
func (s TokenStore) Load(profile string) (string, error) {
	token, err := keyring.Get(s.service, profile)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token from keychain: %w", err)
	}
	return token, nil
}

func (s TokenStore) Delete(profile string) error {
	err := keyring.Delete(s.service, profile)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete token from keychain: %w", err)
	}
	return nil
}
