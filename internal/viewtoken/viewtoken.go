// Package viewtoken issues short-lived tokens that let a page reopen a
// delivery view after the customer passed the lookup gate.
package viewtoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "delivery-track"

var (
	ErrInvalid = errors.New("view token is invalid")
	ErrExpired = errors.New("view token expired")
)

type Claims struct {
	TenantID     string `json:"tid"`
	TrackingCode string `json:"code"`
	jwt.RegisteredClaims
}

// Grant is what a valid token lets the holder see.
type Grant struct {
	TenantID     string
	TrackingCode string
	DeliveryID   string
	ExpiresAt    time.Time
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func New(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("view token secret is empty")
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

func (i *Issuer) TTL() time.Duration { return i.ttl }

func (i *Issuer) Issue(tenantID, trackingCode, deliveryID string) (string, time.Time, error) {
	if tenantID == "" || trackingCode == "" || deliveryID == "" {
		return "", time.Time{}, errors.New("tenant, tracking code and delivery id are required")
	}
	now := i.now().UTC()
	exp := now.Add(i.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		TenantID:     tenantID,
		TrackingCode: trackingCode,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   deliveryID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	s, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign view token: %w", err)
	}
	return s, exp, nil
}

func (i *Issuer) Parse(raw string) (Grant, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Grant{}, ErrExpired
		}
		return Grant{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !token.Valid || claims.TenantID == "" || claims.TrackingCode == "" || claims.Subject == "" {
		return Grant{}, ErrInvalid
	}

	return Grant{
		TenantID:     claims.TenantID,
		TrackingCode: claims.TrackingCode,
		DeliveryID:   claims.Subject,
		ExpiresAt:    claims.ExpiresAt.Time.UTC(),
	}, nil
}
