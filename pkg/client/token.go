package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrIssuer is returned by [FetchToken] when the credential issuer answers
// with a non-2xx status or a body without a credential.
var ErrIssuer = errors.New("client: credential issuer failed")

// maxIssuerBody bounds the issuer response read by [FetchToken].
const maxIssuerBody = 1 << 20

// Token is an ephemeral credential minted by the issuer. It authorizes one
// relay session.
type Token struct {
	Value string

	// ExpiresAt is zero when the issuer did not report an expiry.
	ExpiresAt time.Time
}

// Expired reports whether the token has expired at now.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// issuerResponse accepts the shapes issuers return:
//
//	{"token": "...", "expiresIn": 60}
//	{"value": "...", "expires_at": 1700000000}
//	{"client_secret": {"value": "...", "expires_at": 1700000000}}
type issuerResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`

	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`

	ClientSecret *struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// FetchToken GETs a fresh credential from the issuer at url. A nil hc uses
// [http.DefaultClient]. The credential is never included in returned errors.
func FetchToken(ctx context.Context, hc *http.Client, url string) (Token, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Token{}, fmt.Errorf("client: build issuer request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("client: fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxIssuerBody))
		return Token{}, fmt.Errorf("%w: status %d", ErrIssuer, resp.StatusCode)
	}

	var body issuerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxIssuerBody)).Decode(&body); err != nil {
		return Token{}, fmt.Errorf("client: decode issuer response: %w", err)
	}
	return body.token(time.Now())
}

func (r issuerResponse) token(now time.Time) (Token, error) {
	switch {
	case r.Token != "":
		t := Token{Value: r.Token}
		if r.ExpiresIn > 0 {
			t.ExpiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second)
		}
		return t, nil
	case r.Value != "":
		return Token{Value: r.Value, ExpiresAt: unixOrZero(r.ExpiresAt)}, nil
	case r.ClientSecret != nil && r.ClientSecret.Value != "":
		return Token{Value: r.ClientSecret.Value, ExpiresAt: unixOrZero(r.ClientSecret.ExpiresAt)}, nil
	}
	return Token{}, fmt.Errorf("%w: response carries no credential", ErrIssuer)
}

func unixOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
