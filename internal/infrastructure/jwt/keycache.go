package jwt

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
	"golang.org/x/sync/singleflight"
)

type KeyCacheConfig struct {
	// JWKSURL is the identity provider's key set endpoint. When empty only
	// StaticKey is used.
	JWKSURL   string
	StaticKey *rsa.PublicKey
	TTL       time.Duration
	Timeout   time.Duration

	// ForcedRefreshGap is the minimum time between refreshes forced by an
	// unknown kid. Unknown kids inside the gap fail without a fetch.
	ForcedRefreshGap time.Duration
}

type KeyCacheMetrics interface {
	KeyRefresh(outcome string)
}

// KeyCache holds the identity provider's signing keys. Keys are fetched on
// first use and kept for TTL; an unknown kid forces one refresh before the
// lookup fails, at most once per ForcedRefreshGap. Concurrent refreshes
// share a single fetch.
type KeyCache struct {
	config     KeyCacheConfig
	httpClient *http.Client
	metrics    KeyCacheMetrics
	now        func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	forcedAt  time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type KeyCacheOption func(*KeyCache)

func WithKeyCacheHTTPClient(c *http.Client) KeyCacheOption {
	return func(k *KeyCache) {
		k.httpClient = c
	}
}

func WithKeyCacheMetrics(m KeyCacheMetrics) KeyCacheOption {
	return func(k *KeyCache) {
		k.metrics = m
	}
}

func WithKeyCacheClock(now func() time.Time) KeyCacheOption {
	return func(k *KeyCache) {
		k.now = now
	}
}

func NewKeyCache(cfg KeyCacheConfig, opts ...KeyCacheOption) (*KeyCache, error) {
	if cfg.JWKSURL == "" && cfg.StaticKey == nil {
		return nil, fmt.Errorf("either a JWKS URL or a static public key is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ForcedRefreshGap <= 0 {
		cfg.ForcedRefreshGap = 10 * time.Second
	}

	k := &KeyCache{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
		keys:       make(map[string]*rsa.PublicKey),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// Key returns the public key for kid.
func (k *KeyCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if k.config.JWKSURL == "" {
		return k.config.StaticKey, nil
	}

	key, fresh := k.lookup(kid)
	if key != nil && fresh {
		return key, nil
	}
	if key == nil && fresh && !k.allowForced() {
		if k.config.StaticKey != nil && kid == "" {
			return k.config.StaticKey, nil
		}
		return nil, fmt.Errorf("%w: kid %q", domain.ErrUnknownSigningKey, kid)
	}

	if err := k.Refresh(ctx); err != nil {
		if key != nil {
			slog.Warn("jwks refresh failed, serving cached key", "kid", kid, "error", err)
			return key, nil
		}
		if k.config.StaticKey != nil {
			return k.config.StaticKey, nil
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrUnknownSigningKey, err)
	}

	if key, _ = k.lookup(kid); key != nil {
		return key, nil
	}
	if k.config.StaticKey != nil && kid == "" {
		return k.config.StaticKey, nil
	}
	return nil, fmt.Errorf("%w: kid %q", domain.ErrUnknownSigningKey, kid)
}

// allowForced claims the forced refresh slot if the last one is older than
// ForcedRefreshGap.
func (k *KeyCache) allowForced() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.now()
	if !k.forcedAt.IsZero() && now.Sub(k.forcedAt) < k.config.ForcedRefreshGap {
		return false
	}
	k.forcedAt = now
	return true
}

func (k *KeyCache) lookup(kid string) (*rsa.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	fresh := !k.fetchedAt.IsZero() && k.now().Sub(k.fetchedAt) < k.config.TTL
	if key, ok := k.keys[kid]; ok {
		return key, fresh
	}
	if kid == "" && len(k.keys) == 1 {
		for _, key := range k.keys {
			return key, fresh
		}
	}
	return nil, fresh
}

// Refresh fetches the key set now. Callers arriving while a fetch is in
// flight wait for it instead of starting another.
func (k *KeyCache) Refresh(ctx context.Context) error {
	if k.config.JWKSURL == "" {
		return nil
	}
	ch := k.group.DoChan("jwks", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.config.Timeout)
		defer cancel()
		return nil, k.fetch(fetchCtx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *KeyCache) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.config.JWKSURL, nil)
	if err != nil {
		return fmt.Errorf("create jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := k.httpClient.Do(req)
	if err != nil {
		k.observe("error")
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		k.observe("error")
		return fmt.Errorf("read jwks: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		k.observe("error")
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	keys, err := parseJWKS(body)
	if err != nil {
		k.observe("error")
		return err
	}

	k.mu.Lock()
	k.keys = keys
	k.fetchedAt = k.now()
	k.mu.Unlock()

	k.observe("success")
	slog.Debug("jwks refreshed", "keys", len(keys))
	return nil
}

// Invalidate drops the freshness of the cached set; the next lookup fetches.
func (k *KeyCache) Invalidate() {
	k.mu.Lock()
	k.fetchedAt = time.Time{}
	k.mu.Unlock()
}

// Start refreshes the key set in the background every TTL/2.
func (k *KeyCache) Start() {
	if k.config.JWKSURL == "" {
		return
	}
	k.wg.Add(1)
	go k.refreshLoop()
}

func (k *KeyCache) Stop() {
	k.stopOnce.Do(func() {
		close(k.stopCh)
	})
	k.wg.Wait()
}

func (k *KeyCache) refreshLoop() {
	defer k.wg.Done()

	ticker := time.NewTicker(k.config.TTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), k.config.Timeout)
			if err := k.Refresh(ctx); err != nil {
				slog.Warn("background jwks refresh failed", "error", err)
			}
			cancel()
		case <-k.stopCh:
			return
		}
	}
}

func (k *KeyCache) observe(outcome string) {
	if k.metrics != nil {
		k.metrics.KeyRefresh(outcome)
	}
}
