// Package storage is the persistent key-value adapter the resilience layer
// writes its durable state through (queued requests, session tokens). Values
// are JSON-encoded; implementations must survive process restarts unless
// documented otherwise.
package storage

// Store is the contract the host application satisfies. Get reports whether
// the key existed; a missing key is not an error.
type Store interface {
	Get(key string, v any) (bool, error)
	Set(key string, v any) error
	Remove(key string) error
	MultiRemove(keys ...string) error
}
