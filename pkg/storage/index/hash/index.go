// Package hash implements a hash index for the segmented storage log.
//
// - keeps the entire live keyset in an in-memory map from key to the Locator of its latest set record
// - a bloom filter in front of the map answers most lookups for absent keys without touching the map
// - remove records are tombstones in the log only, the index drops the key and keeps nothing
//
// Operations:
// - build -> replay every record of the log in (segment, offset) order, sets insert, removes delete
// - get -> look up the Locator and read the record it points at
// - set -> point the key at a new Locator
// - remove -> drop the key, it must exist
package hash

import (
	"io"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/pkg/errors"
	"github.com/ryansann/kvs"
	"github.com/ryansann/kvs/pkg/storage"
	"github.com/ryansann/kvs/pkg/storage/encoding"
	"github.com/ryansann/kvs/pkg/storage/index"
	"github.com/sirupsen/logrus"
)

type options struct {
	expectedKeys  uint
	falsePositive float64
}

// IndexOption is func that modifies the index configuration options.
type IndexOption func(*options)

// ExpectedKeys sizes the bloom filter for n keys.
func ExpectedKeys(n uint) IndexOption {
	return func(opts *options) {
		opts.expectedKeys = n
	}
}

// FalsePositiveRate sets the bloom filter's target false positive rate.
func FalsePositiveRate(fp float64) IndexOption {
	return func(opts *options) {
		opts.falsePositive = fp
	}
}

// Index is a hash index implementation, it implements index.Indexer.
type Index struct {
	log *logrus.Logger

	// mtx guards keys and filter
	mtx sync.RWMutex
	// keys maps live keys to the Locator of their latest set record
	keys map[string]storage.Locator
	// filter has seen every key ever set, removed keys stay in it
	filter *bloom.BloomFilter
}

// NewIndex accepts a variadic number of option funcs for configuration.
// It returns an empty Index, call Build to restore it from a log.
func NewIndex(log *logrus.Logger, opts ...IndexOption) *Index {
	// default config
	cfg := &options{
		expectedKeys:  1 << 20,
		falsePositive: 0.01,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	return &Index{
		log:    log,
		keys:   make(map[string]storage.Locator),
		filter: bloom.NewWithEstimates(cfg.expectedKeys, cfg.falsePositive),
	}
}

// Build reads the storage log from the beginning and restores the in-memory keys.
// A remove for a key that is not live, or a get record on disk, means the log was corrupted or
// tampered with; Build stops and returns an error matching kvs.ErrCorruption.
func (i *Index) Build(it storage.Iterator) error {
	i.mtx.Lock()
	defer i.mtx.Unlock()

	var n int

	for {
		// read records until we reach the end of the log or an unexpected error
		loc, op, err := it.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			return errors.Wrap(err, "could not restore index")
		}

		n++

		switch op.Type {
		case encoding.OpSet:
			i.keys[op.Key] = loc
			i.filter.AddString(op.Key)
		case encoding.OpRemove:
			if _, ok := i.keys[op.Key]; !ok {
				return errors.Wrapf(kvs.ErrCorruption, "remove of absent key %q at %d:%d", op.Key, loc.Segment(), loc.Offset())
			}
			delete(i.keys, op.Key)
		default:
			return errors.Wrapf(kvs.ErrCorruption, "unexpected %q record at %d:%d", op.Type, loc.Segment(), loc.Offset())
		}
	}

	i.log.Infof("index restored from %d records, %d live keys", n, len(i.keys))

	return nil
}

// Contains reports whether key is live.
func (i *Index) Contains(key string) bool {
	i.mtx.RLock()
	defer i.mtx.RUnlock()

	return i.contains(key)
}

func (i *Index) contains(key string) bool {
	if !i.filter.TestString(key) {
		return false
	}

	_, ok := i.keys[key]
	return ok
}

// Get looks up key and returns the value of the record its Locator points at.
// It returns an error matching kvs.ErrKeyNotFound if key is not live.
func (i *Index) Get(key string) (string, error) {
	i.mtx.RLock()
	loc, ok := i.keys[key]
	i.mtx.RUnlock()
	if !ok {
		return "", errors.Wrapf(kvs.ErrKeyNotFound, "did not find key: %s in index", key)
	}

	op, err := loc.Read()
	if err != nil {
		return "", err
	}

	// a live key must point at its own set record
	if op.Type != encoding.OpSet || op.Key != key {
		return "", errors.Wrapf(kvs.ErrCorruption, "key %q points at %v", key, op)
	}

	return op.Value, nil
}

// Set points key at loc.
func (i *Index) Set(key string, loc storage.Locator) {
	i.mtx.Lock()
	defer i.mtx.Unlock()

	i.keys[key] = loc
	i.filter.AddString(key)
}

// Remove removes key from the index, it returns an error matching kvs.ErrKeyNotFound if key is not live.
func (i *Index) Remove(key string) error {
	i.mtx.Lock()
	defer i.mtx.Unlock()

	if !i.contains(key) {
		return errors.Wrapf(kvs.ErrKeyNotFound, "nothing to remove for key: %s", key)
	}

	delete(i.keys, key)

	return nil
}

// ForEach reads the record behind every live entry and calls fn with it, stopping at the first error.
// Every record passed to fn is a set record. The set of entries is fixed when ForEach is called.
func (i *Index) ForEach(fn func(op *encoding.Operation) error) error {
	i.mtx.RLock()
	locs := make([]storage.Locator, 0, len(i.keys))
	for _, loc := range i.keys {
		locs = append(locs, loc)
	}
	i.mtx.RUnlock()

	for _, loc := range locs {
		op, err := loc.Read()
		if err != nil {
			return err
		}

		if op.Type != encoding.OpSet {
			return errors.Wrapf(kvs.ErrCorruption, "index points at %v", op)
		}

		err = fn(op)
		if err != nil {
			return err
		}
	}

	return nil
}

// Len returns the number of live keys.
func (i *Index) Len() int {
	i.mtx.RLock()
	defer i.mtx.RUnlock()

	return len(i.keys)
}

var _ index.Indexer = (*Index)(nil)
