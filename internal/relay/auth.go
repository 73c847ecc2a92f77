package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors. Authentication errors are terminal for a session.
var (
	ErrNoToken             = errors.New("relay: no token provided")
	ErrInvalidToken        = errors.New("relay: invalid token")
	ErrTokenReplayed       = errors.New("relay: token already used")
	ErrNotAuthenticated    = errors.New("relay: not authenticated")
	ErrUpstreamUnavailable = errors.New("relay: upstream unavailable")
)

// Claims is what the gateway keeps from a verified token.
type Claims struct {
	// Subject is the sub claim, if any. Logged for correlation.
	Subject string

	// ID is the jti claim, or the hex SHA-256 of the token when the token has
	// no jti. Used as the replay-guard key.
	ID string

	// ExpiresAt is the exp claim. Zero when the token does not expire.
	ExpiresAt time.Time
}

// Verifier checks a client credential.
type Verifier interface {
	// Verify returns the token's claims, or an error wrapping ErrInvalidToken
	// or ErrTokenReplayed.
	Verify(ctx context.Context, token string) (Claims, error)
}

// JWTConfig configures a [JWTVerifier].
type JWTConfig struct {
	// Secret is the HS256 shared secret. Required.
	Secret []byte

	// Issuer, when set, must match the iss claim.
	Issuer string

	// Audience, when set, must be contained in the aud claim.
	Audience string

	// Leeway tolerates clock skew on exp/nbf/iat.
	Leeway time.Duration
}

// JWTVerifier verifies HS256-signed JWTs with a shared secret. Tokens
// without an exp claim are rejected.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier validates cfg and returns a verifier.
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("relay: jwt secret must not be empty")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("relay: invalid leeway")
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Leeway > 0 {
		options = append(options, jwt.WithLeeway(cfg.Leeway))
	}
	if cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		options = append(options, jwt.WithAudience(cfg.Audience))
	}

	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)
	return &JWTVerifier{secret: secret, parser: jwt.NewParser(options...)}, nil
}

// Verify parses and validates token. The returned error wraps
// [ErrInvalidToken] and never contains the token itself.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Claims, error) {
	if token == "" {
		return Claims{}, ErrNoToken
	}

	var rc jwt.RegisteredClaims
	parsed, err := v.parser.ParseWithClaims(token, &rc, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}

	c := Claims{Subject: rc.Subject, ID: rc.ID}
	if c.ID == "" {
		sum := sha256.Sum256([]byte(token))
		c.ID = hex.EncodeToString(sum[:])
	}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c, nil
}
