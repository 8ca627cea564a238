// Package registry provides a generic thread-safe registry for values indexed by key.
//
// Registry is designed for read-heavy workloads using sync.RWMutex. It supports
// any comparable key type and any value type through Go generics.
//
// # Claiming Slots
//
// RegisterIfAbsent inserts a value only when the key is free and reports
// whether the caller won. The dispatch engine uses it to claim the in-flight
// slot for an event identifier so that two concurrent publishes of the same
// instance cannot both fan out:
//
//	processed := registry.New[string, bool]()
//	if !processed.RegisterIfAbsent(evt.ID(), false) {
//	    return // duplicate
//	}
//	defer processed.Delete(evt.ID())
//
// Replace updates a value only if the key is still present, so a slot released
// concurrently (for example by Clear) is not resurrected.
//
// # Thread Safety
//
// All Registry methods are safe for concurrent use.
package registry
