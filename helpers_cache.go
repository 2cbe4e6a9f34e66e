// jscomplete/helpers_cache.go
// Contains helper functions for memory caching (Ristretto).
package jscomplete

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ============================================================================
// Memory Cache Helpers
// ============================================================================

// memoryCache is the view of the in-memory cache used by withMemoryCache.
type memoryCache interface {
	MemoryCacheEnabled() bool
	GetMemoryCache(key string) (any, bool)
	SetMemoryCache(key string, value any, cost int64, ttl time.Duration) bool
}

// generateCacheKey creates a memory cache key for proposals at ictx. The run
// generation changes whenever the tree is replaced and the symbols epoch
// whenever project symbols change, so keys never outlive their inputs.
func generateCacheKey(prefix string, ictx *InvocationContext) string {
	file := "[no-unit]"
	var generation uint64
	if ictx.Unit() != nil {
		file = string(ictx.Unit().File)
	}
	if ictx.Run() != nil {
		generation = ictx.Run().Generation()
	}
	// Format: prefix:file:generation:symbolsEpoch:prefixOffset:path:typedPrefix
	return fmt.Sprintf("%s:%s:%d:%d:%d:%s:%s", prefix, file, generation, symbolsEpoch.Load(), ictx.PrefixOffset, strings.Join(ictx.QualifiedPath(), "."), ictx.Prefix())
}

// withMemoryCache wraps a function call with caching logic.
// Tries to fetch from cache using cacheKey. If miss, calls computeFn,
// stores the result with cost and ttl, and returns it.
// Returns the result (cached or computed), a boolean indicating cache hit, and any error from computeFn.
func withMemoryCache[T any](
	cache memoryCache,
	cacheKey string,
	cost int64,
	ttl time.Duration,
	computeFn func() (T, error),
	logger *slog.Logger,
) (T, bool, error) {
	var zero T
	if logger == nil {
		logger = slog.Default()
	}
	cacheLogger := logger.With("cache_key", cacheKey)

	if cache == nil || !cache.MemoryCacheEnabled() {
		cacheLogger.Debug("Memory cache check skipped (cache disabled)")
		result, err := computeFn()
		return result, false, err
	}

	if cachedResult, found := cache.GetMemoryCache(cacheKey); found {
		if typedResult, ok := cachedResult.(T); ok {
			cacheLogger.Debug("Memory cache hit")
			return typedResult, true, nil
		}
		// Mismatched entry: treat as a miss; it is overwritten below.
		cacheLogger.Error("Memory cache type assertion failed", "expected_type", fmt.Sprintf("%T", zero), "actual_type", fmt.Sprintf("%T", cachedResult))
	} else {
		cacheLogger.Debug("Memory cache miss")
	}

	computedResult, err := computeFn()
	if err != nil {
		return zero, false, err
	}

	if cost <= 0 {
		cost = estimateCost(computedResult)
	}
	if cost <= 0 {
		cost = 1 // Ristretto cost must be positive
	}
	if !cache.SetMemoryCache(cacheKey, computedResult, cost, ttl) {
		cacheLogger.Warn("Memory cache Set failed, item not cached", "cost", cost, "ttl", ttl)
	} else {
		cacheLogger.Debug("Memory cache set successful", "cost", cost, "ttl", ttl)
	}
	return computedResult, false, nil
}

// estimateCost approximates the memory held by v.
func estimateCost(v any) int64 {
	switch val := v.(type) {
	case string:
		return int64(len(val))
	case []byte:
		return int64(len(val))
	case []string:
		cost := int64(0)
		for _, s := range val {
			cost += int64(len(s))
		}
		return cost
	case []Proposal:
		cost := int64(0)
		for _, p := range val {
			cost += int64(len(p.Label) + len(p.Kind) + len(p.Detail))
		}
		return cost
	default:
		return 1
	}
}
