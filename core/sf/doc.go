// Package sf provides a generic single-flight mechanism for deduplicating
// concurrent function calls with the same key.
//
// Single-flight ensures that only one execution of a function is in-flight
// for a given key at a time. If multiple goroutines call [Singleflight.Do]
// with the same key concurrently, only the first call executes the function;
// subsequent callers block until the first call completes and then receive
// the same result.
//
// The repository uses this to collapse concurrent replays of the same
// aggregate: a burst of loads for one stream hits the snapshot store and
// event store once instead of once per caller.
//
// # Usage
//
//	flight := sf.New[Order]()
//
//	// Multiple concurrent calls with the same key will only execute once
//	order, err := flight.Do("order:123", func() (*Order, error) {
//	    return loadOrder(ctx, "123")
//	})
//
// The generic type parameter T allows type-safe returns without casting.
package sf
