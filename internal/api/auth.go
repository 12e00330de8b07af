package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/opsbridge-ai/toolbroker/internal/request"
	"github.com/opsbridge-ai/toolbroker/internal/store"
)

// Principal is the authenticated caller.
type Principal struct {
	ID   string
	Name string
	Tier request.Tier // highest entry point the key may call
}

// Authenticator validates a bearer token and returns the caller.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// StaticAuthenticator is a development-only authenticator that accepts
// any tbk_ key and grants the admin tier.
type StaticAuthenticator struct{}

func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	if !strings.HasPrefix(token, "tbk_") || len(token) < 8 {
		return nil, ErrUnauthenticated
	}
	return &Principal{
		ID:   "static-" + token[:8],
		Name: "static",
		Tier: request.TierAdmin,
	}, nil
}

// --- Postgres authenticator with stale-while-revalidate cache ---

type cacheEntry struct {
	principal  *Principal
	expiresAt  time.Time
	refreshing atomic.Bool
}

type authCache struct {
	store sync.Map // map[string]*cacheEntry, keyed by full API key
	ttl   time.Duration
}

func newAuthCache(ttl time.Duration) *authCache {
	return &authCache{ttl: ttl}
}

func (c *authCache) get(key string) (p *Principal, hit bool, needsRefresh bool) {
	v, ok := c.store.Load(key)
	if !ok {
		return nil, false, false
	}
	entry := v.(*cacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return entry.principal, true, false
	}
	// Stale — return the value but signal refresh; only one goroutine
	// wins the CAS and refreshes.
	needsRefresh = entry.refreshing.CompareAndSwap(false, true)
	return entry.principal, true, needsRefresh
}

func (c *authCache) set(key string, p *Principal) {
	c.store.Store(key, &cacheEntry{
		principal: p,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// PostgresAuthenticator validates tbk_ keys against the api_keys table,
// with bcrypt verification and a TTL cache in front.
type PostgresAuthenticator struct {
	store  *store.Store
	cache  *authCache
	logger *zap.Logger
}

func NewPostgresAuthenticator(s *store.Store, cacheTTL time.Duration, logger *zap.Logger) *PostgresAuthenticator {
	return &PostgresAuthenticator{
		store:  s,
		cache:  newAuthCache(cacheTTL),
		logger: logger,
	}
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if !strings.HasPrefix(token, "tbk_") || len(token) < 8 {
		return nil, ErrUnauthenticated
	}

	p, hit, needsRefresh := a.cache.get(token)
	if hit && needsRefresh {
		go a.refresh(token)
	}
	if hit && p != nil {
		return p, nil
	}

	p, err := a.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	a.cache.set(token, p)
	return p, nil
}

func (a *PostgresAuthenticator) lookup(ctx context.Context, token string) (*Principal, error) {
	key, err := a.store.LookupByPrefix(ctx, token[:8])
	if err != nil {
		return nil, fmt.Errorf("auth lookup: %w", err)
	}
	if key == nil {
		return nil, ErrUnauthenticated
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(token)); err != nil {
		return nil, ErrUnauthenticated
	}
	tier := request.Tier(key.Tier)
	if !tier.IsValid() {
		tier = request.TierUser
	}
	return &Principal{ID: key.ID, Name: key.Name, Tier: tier}, nil
}

func (a *PostgresAuthenticator) refresh(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := a.lookup(ctx, token)
	if err != nil {
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		return
	}
	a.cache.set(token, p)
}
