// Package auth issues and validates the bearer tokens devices present to
// the sync authority. A token binds an owner (subject) to one device.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Device tokens outlive browser sessions: a device may stay offline
	// for weeks and must still be able to push its backlog.
	defaultTokenTTL = 30 * 24 * time.Hour
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingAudience      = errors.New("audience must be provided")
	errMissingOwnerClaim    = errors.New("owner claim must be provided")
	errMissingDeviceClaim   = errors.New("device claim must be provided")
)

// DeviceClaims identifies one device acting for one owner.
type DeviceClaims struct {
	OwnerID  string
	DeviceID string
}

type deviceTokenClaims struct {
	jwt.RegisteredClaims
	DeviceID string `json:"device_id"`
}

// TokenIssuerConfig configures the device token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer signs and validates device tokens with a shared secret.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer validates the configuration and applies defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errMissingIssuer
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errMissingAudience
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}, nil
}

// IssueDeviceToken produces a signed JWT and its expiry in seconds.
func (i *TokenIssuer) IssueDeviceToken(_ context.Context, claims DeviceClaims) (string, int64, error) {
	if claims.OwnerID == "" {
		return "", 0, errMissingOwnerClaim
	}
	if claims.DeviceID == "" {
		return "", 0, errMissingDeviceClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, deviceTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.OwnerID,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		DeviceID: claims.DeviceID,
	})
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken checks signature, algorithm, issuer, audience, and expiry,
// then returns the owner and device the token was minted for.
func (i *TokenIssuer) ValidateToken(tokenString string) (DeviceClaims, error) {
	claims := &deviceTokenClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return DeviceClaims{}, err
	}
	if claims.Subject == "" {
		return DeviceClaims{}, errMissingOwnerClaim
	}
	if claims.DeviceID == "" {
		return DeviceClaims{}, errMissingDeviceClaim
	}
	return DeviceClaims{OwnerID: claims.Subject, DeviceID: claims.DeviceID}, nil
}
