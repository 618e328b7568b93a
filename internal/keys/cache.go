// ABOUTME: Refreshable JWKS cache keyed by issuer with single-flight refresh
// ABOUTME: Loads key sets over HTTP or from files and swaps snapshots atomically

package keys

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/2389/mcpgate/internal/metrics"
)

const (
	// DefaultRefreshInterval is how often the background loop reloads every issuer.
	DefaultRefreshInterval = 15 * time.Minute
	// DefaultMinRefreshInterval limits on-miss refreshes per issuer.
	DefaultMinRefreshInterval = time.Minute
	// DefaultRefreshTimeout bounds a single key set fetch.
	DefaultRefreshTimeout = 5 * time.Second
	// DefaultMaxResponseBytes caps the size of a key set document.
	DefaultMaxResponseBytes = 1 << 20
)

var (
	// ErrUnknownIssuer is returned for an issuer that has no configured source.
	ErrUnknownIssuer = errors.New("issuer is not trusted")
	// ErrUnknownKey is returned when no key with the requested id exists after
	// any permitted refresh.
	ErrUnknownKey = errors.New("signing key not found")
	// ErrRefreshTimeout is returned when a key set fetch exceeds its deadline.
	ErrRefreshTimeout = errors.New("key refresh timed out")
)

// Source says where an issuer publishes its key set. Exactly one of URL or
// File is used; when both are empty the URL defaults to
// <issuer>/.well-known/jwks.json.
type Source struct {
	Issuer string
	URL    string
	File   string
}

func (s Source) location() string {
	if s.File != "" {
		return s.File
	}
	if s.URL != "" {
		return s.URL
	}
	return strings.TrimSuffix(s.Issuer, "/") + "/.well-known/jwks.json"
}

// Config configures a Cache.
type Config struct {
	Sources            []Source
	HTTPClient         *http.Client
	RefreshInterval    time.Duration
	MinRefreshInterval time.Duration
	RefreshTimeout     time.Duration
	MaxResponseBytes   int64
	Logger             *slog.Logger
	Metrics            *metrics.Metrics
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Cache holds the current Snapshot and refreshes it.
type Cache struct {
	sources map[string]Source
	client  *http.Client

	refreshInterval    time.Duration
	minRefreshInterval time.Duration
	refreshTimeout     time.Duration
	maxResponseBytes   int64

	current atomic.Pointer[Snapshot]
	group   singleflight.Group

	mu       sync.Mutex
	attempts map[string]time.Time

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Cache. No keys are loaded until Refresh or Run is called.
func New(cfg Config) (*Cache, error) {
	if len(cfg.Sources) == 0 {
		return nil, errors.New("at least one issuer is required")
	}

	c := &Cache{
		sources:            make(map[string]Source, len(cfg.Sources)),
		client:             cfg.HTTPClient,
		refreshInterval:    cfg.RefreshInterval,
		minRefreshInterval: cfg.MinRefreshInterval,
		refreshTimeout:     cfg.RefreshTimeout,
		maxResponseBytes:   cfg.MaxResponseBytes,
		attempts:           make(map[string]time.Time),
		logger:             cfg.Logger,
		metrics:            cfg.Metrics,
		now:                cfg.Now,
	}
	for _, src := range cfg.Sources {
		if src.Issuer == "" {
			return nil, errors.New("issuer is required")
		}
		if src.URL != "" && src.File != "" {
			return nil, fmt.Errorf("issuer %q: url and file are mutually exclusive", src.Issuer)
		}
		if _, dup := c.sources[src.Issuer]; dup {
			return nil, fmt.Errorf("issuer %q configured twice", src.Issuer)
		}
		c.sources[src.Issuer] = src
	}

	if c.client == nil {
		c.client = &http.Client{}
	}
	if c.refreshInterval <= 0 {
		c.refreshInterval = DefaultRefreshInterval
	}
	if c.minRefreshInterval < 0 {
		c.minRefreshInterval = 0
	}
	if c.refreshTimeout <= 0 {
		c.refreshTimeout = DefaultRefreshTimeout
	}
	if c.maxResponseBytes <= 0 {
		c.maxResponseBytes = DefaultMaxResponseBytes
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "keys")
	if c.now == nil {
		c.now = time.Now
	}

	c.current.Store(emptySnapshot())
	return c, nil
}

// Snapshot returns the current key snapshot.
func (c *Cache) Snapshot() *Snapshot {
	return c.current.Load()
}

// Trusts reports whether the issuer has a configured source.
func (c *Cache) Trusts(issuer string) bool {
	_, ok := c.sources[issuer]
	return ok
}

// Ready reports whether every configured issuer has loaded at least once.
func (c *Cache) Ready() bool {
	snap := c.current.Load()
	for issuer := range c.sources {
		if !snap.Loaded(issuer) {
			return false
		}
	}
	return true
}

// Lookup returns the issuer's key with the given id. An unknown id joins a
// refresh already in flight for the issuer, or starts one unless the issuer's
// keys were loaded and a fetch began within MinRefreshInterval.
func (c *Cache) Lookup(ctx context.Context, issuer, kid string) (Key, error) {
	if !c.Trusts(issuer) {
		return Key{}, ErrUnknownIssuer
	}
	if k, ok := c.current.Load().Key(issuer, kid); ok {
		return k, nil
	}

	c.logger.Debug("key miss", "issuer", issuer, "kid", kid)
	if err := c.refresh(ctx, issuer, true); err != nil {
		switch {
		case errors.Is(err, errCoolingDown):
		case errors.Is(err, ErrRefreshTimeout) || ctx.Err() != nil:
			return Key{}, err
		default:
			c.logger.Warn("key refresh failed", "issuer", issuer, "error", err)
		}
	}

	if k, ok := c.current.Load().Key(issuer, kid); ok {
		return k, nil
	}
	return Key{}, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
}

// errCoolingDown means a miss did not start a fetch because one began too
// recently.
var errCoolingDown = errors.New("key refresh cooling down")

// startAllowed reports whether a miss may start a fetch for issuer. Until the
// issuer has loaded once every miss may.
func (c *Cache) startAllowed(issuer string) bool {
	if !c.current.Load().Loaded(issuer) {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.attempts[issuer]
	return !ok || c.now().Sub(last) >= c.minRefreshInterval
}

func (c *Cache) markAttempt(issuer string) {
	c.mu.Lock()
	c.attempts[issuer] = c.now()
	c.mu.Unlock()
}

// Refresh reloads the issuer's key set. Concurrent calls for the same issuer
// share one fetch. The fetch is bounded by RefreshTimeout and keeps running
// if ctx is cancelled, so a caller giving up never leaves other waiters
// without a result.
func (c *Cache) Refresh(ctx context.Context, issuer string) error {
	return c.refresh(ctx, issuer, false)
}

// refresh joins the issuer's in-flight fetch or starts one. With cooldown set
// a new fetch is only started when startAllowed says so; joining is always
// allowed.
func (c *Cache) refresh(ctx context.Context, issuer string, cooldown bool) error {
	src, ok := c.sources[issuer]
	if !ok {
		return ErrUnknownIssuer
	}

	for {
		ch := c.group.DoChan(issuer, func() (any, error) {
			if cooldown && !c.startAllowed(issuer) {
				return nil, errCoolingDown
			}
			c.markAttempt(issuer)
			fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
			defer cancel()
			err := c.load(fetchCtx, src)
			c.metrics.KeyRefresh(issuer, err == nil)
			return nil, err
		})

		select {
		case res := <-ch:
			// An explicit refresh that joined a miss turned away by the
			// cooldown still fetches.
			if !cooldown && errors.Is(res.Err, errCoolingDown) {
				continue
			}
			return res.Err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %v", ErrRefreshTimeout, ctx.Err())
			}
			return ctx.Err()
		}
	}
}

// RefreshAll reloads every issuer and returns the failures joined together.
func (c *Cache) RefreshAll(ctx context.Context) error {
	var errs []error
	for issuer := range c.sources {
		if err := c.Refresh(ctx, issuer); err != nil {
			errs = append(errs, fmt.Errorf("issuer %q: %w", issuer, err))
		}
	}
	return errors.Join(errs...)
}

// Run refreshes every issuer immediately and then every RefreshInterval
// until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	if err := c.RefreshAll(ctx); err != nil {
		c.logger.Error("initial key load failed", "error", err)
	}

	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RefreshAll(ctx); err != nil {
				c.logger.Warn("periodic key refresh failed", "error", err)
			}
		}
	}
}

func (c *Cache) load(ctx context.Context, src Source) error {
	data, err := c.read(ctx, src)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrRefreshTimeout, src.location())
		}
		return err
	}

	set, err := jwk.Parse(data)
	if err != nil {
		return fmt.Errorf("parsing key set from %s: %w", src.location(), err)
	}

	keys := make(map[string]Key, set.Len())
	for i := 0; i < set.Len(); i++ {
		k, ok := set.Key(i)
		if !ok {
			continue
		}
		key, ok := c.convert(src.Issuer, k)
		if !ok {
			continue
		}
		keys[key.ID] = key
	}
	if len(keys) == 0 {
		return fmt.Errorf("key set from %s has no usable signing keys", src.location())
	}

	at := c.now()
	for {
		old := c.current.Load()
		if c.current.CompareAndSwap(old, old.withIssuer(src.Issuer, keys, at)) {
			break
		}
	}

	c.logger.Info("keys loaded", "issuer", src.Issuer, "count", len(keys))
	return nil
}

func (c *Cache) convert(issuer string, k jwk.Key) (Key, bool) {
	kid := k.KeyID()
	if kid == "" {
		c.logger.Debug("skipping key without kid", "issuer", issuer)
		return Key{}, false
	}
	if k.KeyUsage() == "enc" {
		c.logger.Debug("skipping encryption key", "issuer", issuer, "kid", kid)
		return Key{}, false
	}

	pub, err := k.PublicKey()
	if err != nil {
		c.logger.Debug("skipping key without public form", "issuer", issuer, "kid", kid, "error", err)
		return Key{}, false
	}
	var raw any
	if err := pub.Raw(&raw); err != nil {
		c.logger.Debug("skipping unreadable key", "issuer", issuer, "kid", kid, "error", err)
		return Key{}, false
	}
	if _, symmetric := raw.([]byte); symmetric {
		c.logger.Debug("skipping symmetric key", "issuer", issuer, "kid", kid)
		return Key{}, false
	}

	var alg string
	if a := k.Algorithm(); a != nil {
		alg = a.String()
	}
	return Key{ID: kid, Algorithm: alg, Public: raw}, true
}

func (c *Cache) read(ctx context.Context, src Source) ([]byte, error) {
	if src.File != "" {
		data, err := os.ReadFile(src.File)
		if err != nil {
			return nil, fmt.Errorf("reading key set: %w", err)
		}
		if int64(len(data)) > c.maxResponseBytes {
			return nil, fmt.Errorf("key set %s exceeds %d bytes", src.File, c.maxResponseBytes)
		}
		return data, nil
	}

	url := src.location()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building key set request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching key set: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching key set from %s: status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading key set: %w", err)
	}
	if int64(len(data)) > c.maxResponseBytes {
		return nil, fmt.Errorf("key set from %s exceeds %d bytes", url, c.maxResponseBytes)
	}
	return data, nil
}
