// Package cache provides a simple key-value cache interface with LRU eviction
// and TTL support. It backs the event bus delivery-dedup window and the
// optional repository state cache.
//
// The package defines two interfaces:
//
//   - [Cache]: Untyped cache storing values as any
//   - [TypedCache]: Generic type-safe wrapper via [NewTyped]
//
// # Implementations
//
// [LRU] provides an in-memory LRU cache that is safe for concurrent use.
// It runs a background goroutine for cache operations, ensuring thread safety
// without external locking.
//
//	cache := cache.NewLRU(cache.LRUOpts{Size: 1000})
//	defer cache.Close()
//
//	cache.Put("key", value, cache.WithTTL(5*time.Minute))
//	if val, ok := cache.Get("key"); ok {
//	    // Use val
//	}
//
// # Type-Safe Usage
//
// Use [NewTyped] for compile-time type safety:
//
//	aggCache := cache.NewTyped[*Order](lruCache)
//	aggCache.Put("order:123", order)
//	if order, ok := aggCache.Get("order:123"); ok {
//	    // order is *Order, no type assertion needed
//	}
//
// # TTL Support
//
// Use [WithTTL] to set per-entry expiration:
//
//	cache.Put("dedup:abc", struct{}{}, cache.WithTTL(30*time.Minute))
//
// Expired entries are lazily evicted on access.
package cache
