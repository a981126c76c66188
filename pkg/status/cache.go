// Package status maintains the time-bounded online/offline classification of
// FLARM/transponder devices.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gliderops-gateway/internal/metrics"
)

// Status is a device's classification.
type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
)

// ObservationSource is the external point lookup for a device's most recent
// position observation. ok is false when the device has never been seen.
type ObservationSource interface {
	LatestObservation(ctx context.Context, deviceID string) (at time.Time, ok bool, err error)
}

type entry struct {
	status     Status
	observedAt time.Time
}

// Cache answers device status questions from a TTL-bounded cache, falling
// back to the observation source on miss. Lookup failures classify as
// offline; a transient store outage must never surface to clients.
type Cache struct {
	source        ObservationSource
	ttl           time.Duration
	onlineWindow  time.Duration
	lookupTimeout time.Duration

	mu      sync.Mutex
	entries map[string]entry

	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewCache(source ObservationSource, ttl, onlineWindow, lookupTimeout time.Duration, logger zerolog.Logger, m *metrics.Metrics) *Cache {
	return &Cache{
		source:        source,
		ttl:           ttl,
		onlineWindow:  onlineWindow,
		lookupTimeout: lookupTimeout,
		entries:       make(map[string]entry),
		now:           time.Now,
		logger:        logger.With().Str("component", "status").Logger(),
		metrics:       m,
	}
}

// Resolve returns the device's status, consulting the observation source when
// the cached entry is missing or older than the TTL.
func (c *Cache) Resolve(ctx context.Context, deviceID string) Status {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[deviceID]; ok && now.Sub(e.observedAt) < c.ttl {
		c.mu.Unlock()
		c.metrics.StatusCacheHits.Inc()
		return e.status
	}
	c.mu.Unlock()

	c.metrics.StatusCacheMisses.Inc()
	result := c.classify(ctx, deviceID, now)

	// Concurrent resolves of the same device race here; last write wins,
	// which is fine since the classification is deterministic for a given
	// observation.
	c.mu.Lock()
	c.entries[deviceID] = entry{status: result, observedAt: now}
	c.mu.Unlock()

	return result
}

func (c *Cache) classify(ctx context.Context, deviceID string, now time.Time) Status {
	if c.lookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.lookupTimeout)
		defer cancel()
	}

	at, ok, err := c.source.LatestObservation(ctx, deviceID)
	if err != nil {
		c.metrics.StatusLookupFailures.Inc()
		c.logger.Warn().Err(err).Str("device_id", deviceID).Msg("observation lookup failed, defaulting to offline")
		return Offline
	}
	if !ok {
		return Offline
	}
	if now.Sub(at) < c.onlineWindow {
		return Online
	}
	return Offline
}

// ResolveBatch resolves a set of devices concurrently and returns statuses in
// input order.
func (c *Cache) ResolveBatch(ctx context.Context, deviceIDs []string) []Status {
	results := make([]Status, len(deviceIDs))

	var wg sync.WaitGroup
	for i, id := range deviceIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = c.Resolve(ctx, id)
		}(i, id)
	}
	wg.Wait()

	return results
}
