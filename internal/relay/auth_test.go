package relay_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/teleprompt/internal/relay"
	"github.com/golang-jwt/jwt/v5"
)

func newVerifier(t *testing.T, cfg relay.JWTConfig) *relay.JWTVerifier {
	t.Helper()
	if cfg.Secret == nil {
		cfg.Secret = []byte(testSecret)
	}
	v, err := relay.NewJWTVerifier(cfg)
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	return v
}

func TestNewJWTVerifier_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  relay.JWTConfig
	}{
		{name: "empty secret", cfg: relay.JWTConfig{}},
		{name: "negative leeway", cfg: relay.JWTConfig{Secret: []byte("s"), Leeway: -time.Second}},
		{name: "excessive leeway", cfg: relay.JWTConfig{Secret: []byte("s"), Leeway: time.Hour}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := relay.NewJWTVerifier(tc.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestJWTVerifier_Valid(t *testing.T) {
	t.Parallel()
	v := newVerifier(t, relay.JWTConfig{Issuer: "teleprompt-issuer", Audience: "relay"})

	exp := time.Now().Add(5 * time.Minute).Truncate(time.Second)
	token := sign(t, testSecret, jwt.RegisteredClaims{
		ID:        "jti-1",
		Subject:   "presenter",
		Issuer:    "teleprompt-issuer",
		Audience:  jwt.ClaimStrings{"relay", "other"},
		ExpiresAt: jwt.NewNumericDate(exp),
	})

	c, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if c.Subject != "presenter" || c.ID != "jti-1" {
		t.Errorf("claims = %+v", c)
	}
	if !c.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", c.ExpiresAt, exp)
	}
}

func TestJWTVerifier_IDFallsBackToTokenHash(t *testing.T) {
	t.Parallel()
	v := newVerifier(t, relay.JWTConfig{})

	token := sign(t, testSecret, jwt.RegisteredClaims{
		Subject:   "s",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	c, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	sum := sha256.Sum256([]byte(token))
	if c.ID != hex.EncodeToString(sum[:]) {
		t.Errorf("ID = %q, want token hash", c.ID)
	}
}

func TestJWTVerifier_Rejects(t *testing.T) {
	t.Parallel()

	future := jwt.NewNumericDate(time.Now().Add(time.Minute))

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{ExpiresAt: future}).
		SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign HS512: %v", err)
	}
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{ExpiresAt: future}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	tests := []struct {
		name  string
		cfg   relay.JWTConfig
		token string
	}{
		{name: "malformed", token: "a.b.c"},
		{name: "bad signature", token: sign(t, "wrong", jwt.RegisteredClaims{ExpiresAt: future})},
		{name: "expired", token: sign(t, testSecret, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		})},
		{name: "missing exp", token: sign(t, testSecret, jwt.RegisteredClaims{Subject: "forever"})},
		{name: "not yet valid", token: sign(t, testSecret, jwt.RegisteredClaims{
			NotBefore: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(2 * time.Hour)),
		})},
		{name: "hs512", token: hs512},
		{name: "alg none", token: none},
		{
			name:  "wrong issuer",
			cfg:   relay.JWTConfig{Issuer: "expected"},
			token: sign(t, testSecret, jwt.RegisteredClaims{Issuer: "other", ExpiresAt: future}),
		},
		{
			name:  "missing audience",
			cfg:   relay.JWTConfig{Audience: "relay"},
			token: sign(t, testSecret, jwt.RegisteredClaims{ExpiresAt: future}),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			v := newVerifier(t, tc.cfg)
			_, err := v.Verify(context.Background(), tc.token)
			if !errors.Is(err, relay.ErrInvalidToken) {
				t.Fatalf("err = %v, want ErrInvalidToken", err)
			}
			if strings.Contains(err.Error(), tc.token) {
				t.Error("error message contains the token")
			}
		})
	}
}

func TestJWTVerifier_Leeway(t *testing.T) {
	t.Parallel()
	token := sign(t, testSecret, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-10 * time.Second)),
	})

	if _, err := newVerifier(t, relay.JWTConfig{}).Verify(context.Background(), token); err == nil {
		t.Error("expired token accepted without leeway")
	}
	if _, err := newVerifier(t, relay.JWTConfig{Leeway: time.Minute}).Verify(context.Background(), token); err != nil {
		t.Errorf("token within leeway rejected: %v", err)
	}
}

func TestJWTVerifier_EmptyToken(t *testing.T) {
	t.Parallel()
	_, err := newVerifier(t, relay.JWTConfig{}).Verify(context.Background(), "")
	if !errors.Is(err, relay.ErrNoToken) {
		t.Fatalf("err = %v, want ErrNoToken", err)
	}
}
