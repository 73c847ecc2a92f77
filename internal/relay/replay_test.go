package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type stubVerifier struct {
	claims Claims
	err    error
}

func (s stubVerifier) Verify(context.Context, string) (Claims, error) { return s.claims, s.err }

type failingGuard struct{}

func (failingGuard) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func newRedisGuard(t *testing.T) (*RedisReplayGuard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisReplayGuard(rdb, ""), mr
}

func TestMemoryReplayGuard(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	g := NewMemoryReplayGuard()
	g.now = clock.now
	ctx := context.Background()

	if ok, _ := g.Claim(ctx, "a", time.Minute); !ok {
		t.Fatal("first claim rejected")
	}
	if ok, _ := g.Claim(ctx, "a", time.Minute); ok {
		t.Fatal("second claim accepted")
	}
	if ok, _ := g.Claim(ctx, "b", time.Minute); !ok {
		t.Fatal("independent id rejected")
	}

	clock.advance(time.Minute)
	if ok, _ := g.Claim(ctx, "a", time.Minute); !ok {
		t.Fatal("claim after expiry rejected")
	}
}

func TestMemoryReplayGuard_SweepsExpired(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	g := NewMemoryReplayGuard()
	g.now = clock.now
	ctx := context.Background()

	for i := range 63 {
		_, _ = g.Claim(ctx, string(rune('A'+i)), time.Second)
	}
	clock.advance(time.Hour)
	_, _ = g.Claim(ctx, "sweep", time.Second)

	g.mu.Lock()
	n := len(g.seen)
	g.mu.Unlock()
	if n != 1 {
		t.Errorf("entries after sweep = %d, want 1", n)
	}
}

func TestRedisReplayGuard(t *testing.T) {
	t.Parallel()
	g, mr := newRedisGuard(t)
	ctx := context.Background()

	ok, err := g.Claim(ctx, "jti-1", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	if ttl := mr.TTL("teleprompt:relay:jti:jti-1"); ttl != 30*time.Second {
		t.Errorf("ttl = %v, want 30s", ttl)
	}

	ok, err = g.Claim(ctx, "jti-1", 30*time.Second)
	if err != nil || ok {
		t.Fatalf("second claim = %v, %v", ok, err)
	}

	mr.FastForward(31 * time.Second)
	ok, err = g.Claim(ctx, "jti-1", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("claim after expiry = %v, %v", ok, err)
	}
}

func TestRedisReplayGuard_BackendDown(t *testing.T) {
	t.Parallel()
	g, mr := newRedisGuard(t)
	mr.Close()

	if _, err := g.Claim(context.Background(), "x", time.Second); err == nil {
		t.Fatal("expected error with backend down")
	}
}

func TestGuardedVerifier(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	g, mr := newRedisGuard(t)

	v := NewGuardedVerifier(stubVerifier{claims: Claims{
		ID:        "jti-9",
		ExpiresAt: clock.t.Add(2 * time.Minute),
	}}, g)
	v.now = clock.now
	ctx := context.Background()

	if _, err := v.Verify(ctx, "tok"); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	if ttl := mr.TTL("teleprompt:relay:jti:jti-9"); ttl != 2*time.Minute {
		t.Errorf("claim ttl = %v, want remaining lifetime 2m", ttl)
	}
	if _, err := v.Verify(ctx, "tok"); !errors.Is(err, ErrTokenReplayed) {
		t.Fatalf("replay err = %v, want ErrTokenReplayed", err)
	}
}

func TestGuardedVerifier_TTL(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}

	tests := []struct {
		name string
		exp  time.Time
		want time.Duration
	}{
		{name: "no expiry", want: defaultReplayTTL},
		{name: "almost expired", exp: clock.t.Add(100 * time.Millisecond), want: time.Second},
		{name: "remaining lifetime", exp: clock.t.Add(90 * time.Second), want: 90 * time.Second},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			g, mr := newRedisGuard(t)
			v := NewGuardedVerifier(stubVerifier{claims: Claims{ID: "id", ExpiresAt: tc.exp}}, g)
			v.now = clock.now
			if _, err := v.Verify(context.Background(), "tok"); err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if ttl := mr.TTL("teleprompt:relay:jti:id"); ttl != tc.want {
				t.Errorf("ttl = %v, want %v", ttl, tc.want)
			}
		})
	}
}

func TestGuardedVerifier_Errors(t *testing.T) {
	t.Parallel()

	inner := stubVerifier{err: ErrInvalidToken}
	if _, err := NewGuardedVerifier(inner, NewMemoryReplayGuard()).Verify(context.Background(), "t"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("inner error = %v, want ErrInvalidToken", err)
	}

	ok := stubVerifier{claims: Claims{ID: "id"}}
	if _, err := NewGuardedVerifier(ok, failingGuard{}).Verify(context.Background(), "t"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("guard error = %v, want ErrInvalidToken", err)
	}
}
