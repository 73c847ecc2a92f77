package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultReplayTTL bounds how long a claim is remembered when the verifier
// reports no expiry.
const defaultReplayTTL = 10 * time.Minute

// ReplayGuard records credential IDs so that each credential opens at most
// one session.
type ReplayGuard interface {
	// Claim records id until ttl elapses. It reports false when id was
	// already claimed.
	Claim(ctx context.Context, id string, ttl time.Duration) (bool, error)
}

// MemoryReplayGuard is an in-process [ReplayGuard].
type MemoryReplayGuard struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	now    func() time.Time
	claims int
}

// NewMemoryReplayGuard returns an empty guard.
func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{seen: make(map[string]time.Time), now: time.Now}
}

// Claim implements [ReplayGuard]. Expired entries are swept every 64 claims.
func (g *MemoryReplayGuard) Claim(_ context.Context, id string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.claims++
	if g.claims%64 == 0 {
		for k, exp := range g.seen {
			if !now.Before(exp) {
				delete(g.seen, k)
			}
		}
	}

	if exp, ok := g.seen[id]; ok && now.Before(exp) {
		return false, nil
	}
	g.seen[id] = now.Add(ttl)
	return true, nil
}

// RedisReplayGuard is a [ReplayGuard] shared between relay replicas.
type RedisReplayGuard struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisReplayGuard returns a guard storing keys under prefix.
func NewRedisReplayGuard(rdb redis.UniversalClient, prefix string) *RedisReplayGuard {
	if prefix == "" {
		prefix = "teleprompt:relay:jti:"
	}
	return &RedisReplayGuard{rdb: rdb, prefix: prefix}
}

// Claim implements [ReplayGuard] with SET NX.
func (g *RedisReplayGuard) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, g.prefix+id, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("relay: replay guard: %w", err)
	}
	return ok, nil
}

// GuardedVerifier wraps a [Verifier] and rejects credentials that were
// already used to open a session.
type GuardedVerifier struct {
	next  Verifier
	guard ReplayGuard
	now   func() time.Time
}

// NewGuardedVerifier returns next guarded by guard.
func NewGuardedVerifier(next Verifier, guard ReplayGuard) *GuardedVerifier {
	return &GuardedVerifier{next: next, guard: guard, now: time.Now}
}

// Verify implements [Verifier]. A credential is claimed for its remaining
// lifetime. A guard backend failure rejects the credential.
func (v *GuardedVerifier) Verify(ctx context.Context, token string) (Claims, error) {
	c, err := v.next.Verify(ctx, token)
	if err != nil {
		return Claims{}, err
	}

	ttl := defaultReplayTTL
	if !c.ExpiresAt.IsZero() {
		ttl = c.ExpiresAt.Sub(v.now())
		if ttl < time.Second {
			ttl = time.Second
		}
	}

	ok, err := v.guard.Claim(ctx, c.ID, ttl)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !ok {
		return Claims{}, ErrTokenReplayed
	}
	return c, nil
}
