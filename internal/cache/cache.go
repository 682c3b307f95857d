// Package cache provides the external key/value cache used for partition
// memo entries and reindex checkpoints.
package cache

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache is a key/value store with optional per-entry expiry.
type Cache interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. A zero ttl never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}

var (
	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexkeeper_cache_hits_total",
		Help: "Cache lookups that found a live entry.",
	}, []string{"backend"})
	cacheMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexkeeper_cache_misses_total",
		Help: "Cache lookups that found nothing or an expired entry.",
	}, []string{"backend"})
)

func observe(backend string, hit bool) {
	if hit {
		cacheHitsTotal.WithLabelValues(backend).Inc()
	} else {
		cacheMissesTotal.WithLabelValues(backend).Inc()
	}
}
