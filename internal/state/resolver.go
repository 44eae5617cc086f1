package state

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"
)

// negativeTTL is how long a failed lookup is remembered before the database
// is asked again. Devices registered later become resolvable after this.
const negativeTTL = time.Minute

// DeviceRef identifies the device a message was published for.
type DeviceRef struct {
	Room       string
	Controller string
	Device     string
	// Sensor is empty for status lookups.
	Sensor string
}

// Key returns the cache key for ref.
func (r DeviceRef) Key() string {
	key := strings.ToLower(r.Room + "/" + r.Controller + "/" + r.Device)
	if r.Sensor != "" {
		key += ":" + strings.ToLower(r.Sensor)
	}
	return key
}

// Resolution maps a topic to a registered device row.
type Resolution struct {
	// DeviceID is the registered device_id, stable across topic renames.
	DeviceID string
	// DBID is the devices.id primary key.
	DBID string
}

// Lookup finds the registered device for ref.
type Lookup interface {
	LookupDevice(ctx context.Context, ref DeviceRef) (Resolution, bool, error)
}

// Resolver resolves topic identities to registered devices.
type Resolver interface {
	// Cached returns a resolution already known for ref. It never blocks.
	Cached(ref DeviceRef) (Resolution, bool)
	// Resolve may query the database.
	Resolve(ctx context.Context, ref DeviceRef) (Resolution, bool)
}

type cacheEntry struct {
	res     Resolution
	found   bool
	checked time.Time
}

// CachingResolver memoizes lookups per device key and sensor. Hits are kept
// for the life of the process; misses expire after a minute.
type CachingResolver struct {
	lookup Lookup
	now    func() time.Time
	logger Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewCachingResolver wraps lookup with a cache.
func NewCachingResolver(lookup Lookup) *CachingResolver {
	return &CachingResolver{
		lookup: lookup,
		now:    time.Now,
		logger: noopLogger{},
		cache:  make(map[string]cacheEntry),
	}
}

// SetLogger sets the logger used for lookup failures.
func (c *CachingResolver) SetLogger(logger Logger) {
	c.logger = logger
}

// Cached reports a cached hit for ref. Misses, remembered or not, return
// false.
func (c *CachingResolver) Cached(ref DeviceRef) (Resolution, bool) {
	c.mu.RLock()
	entry, ok := c.cache[ref.Key()]
	c.mu.RUnlock()
	if !ok || !entry.found {
		return Resolution{}, false
	}
	return entry.res, true
}

// Resolve returns the cached resolution for ref, querying the lookup on a
// miss. Lookup errors are logged and treated as not found without caching.
func (c *CachingResolver) Resolve(ctx context.Context, ref DeviceRef) (Resolution, bool) {
	key := ref.Key()
	now := c.now()

	c.mu.RLock()
	entry, ok := c.cache[key]
	c.mu.RUnlock()
	if ok && (entry.found || now.Sub(entry.checked) < negativeTTL) {
		return entry.res, entry.found
	}

	res, found, err := c.lookup.LookupDevice(ctx, ref)
	if err != nil {
		c.logger.Error("failed to resolve device",
			"device_key", key,
			"error", err,
		)
		return Resolution{}, false
	}

	c.mu.Lock()
	c.cache[key] = cacheEntry{res: res, found: found, checked: now}
	c.mu.Unlock()
	return res, found
}

// Forget drops every cached resolution. Called after a registration is
// written, since its devices may now resolve differently.
func (c *CachingResolver) Forget() {
	c.mu.Lock()
	c.cache = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *CachingResolver) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// snakeCase converts a sensor name such as "valvePSI" or "Valve PSI" to
// "valve_psi".
func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(strings.TrimSpace(s))
	for i, r := range runes {
		switch {
		case r == ' ' || r == '-':
			b.WriteRune('_')
		case unicode.IsUpper(r):
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])) {
				b.WriteRune('_')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
