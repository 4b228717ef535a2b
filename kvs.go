// Package kvs is an embeddable key-value store built on an append-only, segmented log.
//
// The root package holds the contract shared by every storage engine and the error kinds
// used across the module. Concrete engines live under pkg/engine, the network service under pkg/tcp.
package kvs

import "io"

// Engine is the interface that a storage engine implements.
// An engine can be as simple as an in-memory tree flushed to a file, or more complex,
// like a series of segmented log files with an in-memory index and compaction.
// A process selects one engine at startup and keeps it for its lifetime.
type Engine interface {
	// Name returns a human readable name for the engine.
	Name() string
	// Get returns the value stored at key. A missing key is not an error, ok is false instead.
	Get(key string) (value string, ok bool, err error)
	// Set stores value at key, replacing any previous value.
	Set(key, value string) error
	// Remove deletes key. It returns an error matching ErrKeyNotFound if key is not present.
	Remove(key string) error
	// Close releases any storage resources held by the engine.
	io.Closer
}
