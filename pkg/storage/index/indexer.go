// Package index defines the in-memory index kept on top of the storage log.
package index

import (
	"github.com/ryansann/kvs/pkg/storage"
	"github.com/ryansann/kvs/pkg/storage/encoding"
)

// Indexer maps every live key to the Locator of its latest set record.
// It is rebuilt from the log on startup by Build and maintained incrementally afterwards.
type Indexer interface {
	// Build replays it in order, the last record for a key wins.
	Build(it storage.Iterator) error
	// Contains reports whether key is live.
	Contains(key string) bool
	// Get dereferences the Locator stored for key and returns its value.
	Get(key string) (string, error)
	// Set points key at loc, replacing any previous Locator.
	Set(key string, loc storage.Locator)
	// Remove deletes key, it is an error if key is not live.
	Remove(key string) error
	// ForEach dereferences every live entry and calls fn with the record it points at.
	ForEach(fn func(op *encoding.Operation) error) error
	// Len returns the number of live keys.
	Len() int
}
