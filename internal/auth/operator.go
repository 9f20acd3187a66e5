package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/signcast/host/internal/errors"
)

// Sentinel errors for bearer token checks. The messages are what the API
// returns, so they stay vague on purpose.
var (
	ErrMissingToken = apperrors.New(apperrors.CodeAuthRequired, "Unauthorized")
	ErrInvalidToken = apperrors.New(apperrors.CodeAuthInvalidToken, "Unauthorized")
	ErrTokenExpired = apperrors.New(apperrors.CodeAuthExpired, "Token expired")
)

// Claims is the operator token payload. The control panel puts the user id in
// userId; standard tokens use sub.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Operator is the authenticated caller of an operator endpoint.
type Operator struct {
	ID   string
	Role string
}

// VerifierConfig configures a Verifier. At least one key must be set.
type VerifierConfig struct {
	// Secret verifies HS256/384/512 tokens.
	Secret string

	// PublicKeyPEM verifies RS256/384/512 tokens.
	PublicKeyPEM []byte

	// Issuer, when set, must match the iss claim.
	Issuer string

	// TimeNow is injectable for tests. Defaults to time.Now.
	TimeNow func() time.Time
}

// Verifier checks operator bearer tokens.
type Verifier struct {
	secret    []byte
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

// NewVerifier builds a Verifier from cfg.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	v := &Verifier{}
	var methods []string

	if cfg.Secret != "" {
		v.secret = []byte(cfg.Secret)
		methods = append(methods, "HS256", "HS384", "HS512")
	}
	if len(cfg.PublicKeyPEM) > 0 {
		key, err := jwt.ParseRSAPublicKeyFromPEM(cfg.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse jwt public key: %w", err)
		}
		v.publicKey = key
		methods = append(methods, "RS256", "RS384", "RS512")
	}
	if len(methods) == 0 {
		return nil, errors.New("auth: a jwt secret or public key is required")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithLeeway(30 * time.Second)}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.TimeNow != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.TimeNow))
	}
	v.parser = jwt.NewParser(opts...)

	return v, nil
}

// Verify parses and validates a bearer token and returns the operator.
func (v *Verifier) Verify(tokenStr string) (*Operator, error) {
	if tokenStr == "" {
		return nil, ErrMissingToken
	}

	token, err := v.parser.ParseWithClaims(tokenStr, &Claims{}, v.key)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		log.Printf("auth: rejected operator token: %v", err)
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return nil, ErrInvalidToken
	}

	return &Operator{ID: id, Role: claims.Role}, nil
}

func (v *Verifier) key(t *jwt.Token) (any, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if v.secret == nil {
			return nil, errors.New("hmac tokens not accepted")
		}
		return v.secret, nil
	case *jwt.SigningMethodRSA:
		if v.publicKey == nil {
			return nil, errors.New("rsa tokens not accepted")
		}
		return v.publicKey, nil
	}
	return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
}

// Issue mints an HS256 operator token. Used by `signcast token` and tests.
func Issue(secret, operatorID, issuer string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("auth: jwt secret is required to issue tokens")
	}
	if operatorID == "" {
		return "", errors.New("auth: operator id is required")
	}

	claims := Claims{
		UserID: operatorID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  operatorID,
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
