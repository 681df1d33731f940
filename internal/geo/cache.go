package geo

import (
	"context"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/PaulBabatuyi/SensorCollector/internal/apperrors"
	"github.com/PaulBabatuyi/SensorCollector/internal/observability"
)

// DefaultEpoch is how long cached answers live before the whole cache is
// dropped.
const DefaultEpoch = 24 * time.Hour

// Result is the answer for one IP address.
type Result struct {
	// Text is the key=value rendering of the provider response.
	Text string
	// Status is the provider's HTTP status for the lookup that filled the
	// entry.
	Status int
	// Cached reports whether the answer came from the current epoch.
	Cached bool
}

type entry struct {
	text   string
	status int
}

// epoch is one generation of the cache. Resetting swaps in a fresh epoch
// so readers never see a half-cleared map.
type epoch struct {
	start   time.Time
	mu      sync.RWMutex
	entries map[string]entry
}

func newEpoch(start time.Time) *epoch {
	return &epoch{start: start, entries: make(map[string]entry)}
}

func (e *epoch) get(ip string) (entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.entries[ip]
	return v, ok
}

func (e *epoch) put(ip string, v entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.entries[ip]; !ok {
		e.entries[ip] = v
	}
}

func (e *epoch) len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithEpoch sets the cache lifetime.
func WithEpoch(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.epoch = d
		}
	}
}

func WithCacheLogger(logger *zap.Logger) CacheOption {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithCacheMetrics(m *observability.MetricsCollector) CacheOption {
	return func(c *Cache) { c.metrics = m }
}

// Cache memoises geolocation answers per IP. All entries are discarded
// together once the epoch elapses. Concurrent misses for the same IP share
// one outbound lookup.
type Cache struct {
	lookup  Lookup
	epoch   time.Duration
	logger  *zap.Logger
	metrics *observability.MetricsCollector

	current atomic.Pointer[epoch]
	group   singleflight.Group
}

// NewCache returns an empty cache whose first epoch starts at start.
func NewCache(lookup Lookup, start time.Time, opts ...CacheOption) *Cache {
	c := &Cache{
		lookup: lookup,
		epoch:  DefaultEpoch,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.current.Store(newEpoch(start))
	return c
}

// Resolve returns the rendered geolocation for ip as of now. Answers are
// served from the cache when the current epoch holds one; otherwise the
// provider is called once and the answer is stored, including non-2xx
// answers. Failed lookups are never stored.
func (c *Cache) Resolve(ctx context.Context, ip string, now time.Time) (Result, error) {
	ip = strings.TrimSpace(ip)
	if _, err := netip.ParseAddr(ip); err != nil {
		return Result{}, apperrors.NewValidationError("ip_address", ip, "invalid IP address")
	}

	ep := c.epochAt(now)
	if e, ok := ep.get(ip); ok {
		c.metrics.GeoHit()
		return Result{Text: e.text, Status: e.status, Cached: true}, nil
	}
	c.metrics.GeoMiss()

	// The flight outlives any single caller, so it must not inherit one
	// caller's cancellation. The client timeout still bounds it.
	flightCtx := context.WithoutCancel(ctx)
	// Flights are per epoch so an answer lands in the epoch its callers read.
	key := ip + "@" + strconv.FormatInt(ep.start.UnixNano(), 10)
	v, err, _ := c.group.Do(key, func() (any, error) {
		if e, ok := ep.get(ip); ok {
			return e, nil
		}
		fields, status, err := c.lookup.Lookup(flightCtx, ip)
		if err != nil {
			return nil, err
		}
		e := entry{text: c.render(fields, now), status: status}
		ep.put(ip, e)
		return e, nil
	})
	if err != nil {
		c.metrics.GeoLookupError()
		c.logger.Warn("geolocation lookup failed", zap.String("ip", ip), zap.Error(err))
		return Result{}, apperrors.NewLookupError(ip, "geolocation lookup failed", err)
	}

	e := v.(entry)
	return Result{Text: e.text, Status: e.status}, nil
}

// Len reports how many addresses the current epoch holds.
func (c *Cache) Len() int {
	return c.current.Load().len()
}

// EpochStart reports when the current epoch began.
func (c *Cache) EpochStart() time.Time {
	return c.current.Load().start
}

func (c *Cache) epochAt(now time.Time) *epoch {
	for {
		ep := c.current.Load()
		if now.Sub(ep.start) <= c.epoch {
			return ep
		}
		fresh := newEpoch(now)
		if c.current.CompareAndSwap(ep, fresh) {
			c.metrics.GeoEpochReset()
			c.logger.Info("geolocation cache reset",
				zap.Int("dropped", ep.len()),
				zap.Time("epoch_start", now),
			)
			return fresh
		}
	}
}

// render writes one key=value line per field, in provider order, then a
// gm_offset line when the response names a known time zone, then a blank
// line.
func (c *Cache) render(fields Fields, now time.Time) string {
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(f.Value)
		b.WriteByte('\n')
	}

	if tz, ok := fields.Get("time_zone"); ok && tz != "" {
		hours, err := TimezoneOffset(tz, now)
		if err != nil {
			c.logger.Warn("skipping gm_offset", zap.String("time_zone", tz), zap.Error(err))
		} else {
			b.WriteString("gm_offset=")
			b.WriteString(FormatOffset(hours))
			b.WriteByte('\n')
		}
	}

	b.WriteByte('\n')
	return b.String()
}
