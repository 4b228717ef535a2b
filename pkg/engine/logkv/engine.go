// Package logkv implements the log based storage engine.
//
// The engine keeps every record in a segmented append-only log (package fileseg) and the Locator of
// every live key in a hash index (package hash). On open the index is rebuilt by replaying the log.
// Once the log grows past the merge threshold, live records are rewritten into fresh segments and
// the old segments are deleted.
package logkv

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/ryansann/kvs"
	"github.com/ryansann/kvs/pkg/metrics"
	"github.com/ryansann/kvs/pkg/storage"
	"github.com/ryansann/kvs/pkg/storage/driver/fileseg"
	"github.com/ryansann/kvs/pkg/storage/encoding"
	"github.com/ryansann/kvs/pkg/storage/index"
	"github.com/ryansann/kvs/pkg/storage/index/hash"
	"github.com/sirupsen/logrus"
)

// Name is the name the log based engine reports and is recorded under in engine metadata.
const Name = "kvs"

// DataDir is the directory under the engine root holding the log segments.
const DataDir = "data"

// DefaultMergeThreshold is the log size in bytes above which a merge runs when MergeThreshold is not given.
const DefaultMergeThreshold = 1 << 20

// EngineOption is func that modifies the engine configuration options.
type EngineOption func(*options)

type options struct {
	segmentSize    int64
	mergeThreshold int64
	sync           time.Duration
	expectedKeys   uint
	metrics        *metrics.Metrics
}

// SegmentSize sets the max size in bytes of a log segment.
func SegmentSize(n int64) EngineOption {
	return func(opts *options) {
		opts.segmentSize = n
	}
}

// MergeThreshold sets the total log size in bytes above which a write triggers a merge.
func MergeThreshold(n int64) EngineOption {
	return func(opts *options) {
		opts.mergeThreshold = n
	}
}

// SyncInterval sets how often the write segment is synced in the background.
func SyncInterval(dur time.Duration) EngineOption {
	return func(opts *options) {
		opts.sync = dur
	}
}

// ExpectedKeys sizes the index's bloom filter.
func ExpectedKeys(n uint) EngineOption {
	return func(opts *options) {
		opts.expectedKeys = n
	}
}

// Metrics sets the collectors the engine reports storage and merge statistics to.
func Metrics(m *metrics.Metrics) EngineOption {
	return func(opts *options) {
		opts.metrics = m
	}
}

// Stats is a point in time view of the engine's storage.
type Stats struct {
	Keys     int   `json:"keys"`
	Bytes    int64 `json:"bytes"`
	Segments int   `json:"segments"`
}

// Engine is the log based storage engine, it implements kvs.Engine.
// Its methods are safe for concurrent use and are serialized by a mutex.
type Engine struct {
	log     *logrus.Logger
	metrics *metrics.Metrics

	mergeThreshold int64

	// mtx serializes every operation, the log has a single writer
	mtx    sync.Mutex
	driver storage.Driver
	index  index.Indexer
	// failed is set once a corruption error is seen, the engine refuses further operations
	failed error
}

// Open loads the log in dir/data and rebuilds the index by replaying it.
func Open(log *logrus.Logger, dir string, opts ...EngineOption) (*Engine, error) {
	cfg := &options{
		segmentSize:    fileseg.DefaultSegmentSize,
		mergeThreshold: DefaultMergeThreshold,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	sopts := []fileseg.StoreOption{fileseg.SegmentSize(cfg.segmentSize)}
	if cfg.sync > 0 {
		sopts = append(sopts, fileseg.SyncInterval(cfg.sync))
	}

	driver, err := fileseg.NewStore(log, filepath.Join(dir, DataDir), sopts...)
	if err != nil {
		return nil, errors.Wrap(err, "could not open log")
	}

	var iopts []hash.IndexOption
	if cfg.expectedKeys > 0 {
		iopts = append(iopts, hash.ExpectedKeys(cfg.expectedKeys))
	}

	idx := hash.NewIndex(log, iopts...)

	err = idx.Build(driver.Begin())
	if err != nil {
		driver.Close()
		return nil, errors.Wrap(err, "could not build index")
	}

	e := &Engine{
		log:            log,
		metrics:        cfg.metrics,
		mergeThreshold: cfg.mergeThreshold,
		driver:         driver,
		index:          idx,
	}

	e.report()

	return e, nil
}

// Name returns the engine name.
func (e *Engine) Name() string {
	return Name
}

// Get returns the value stored for key. A missing key is not an error, ok is false.
func (e *Engine) Get(key string) (string, bool, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if e.failed != nil {
		return "", false, e.failure()
	}

	if !e.index.Contains(key) {
		return "", false, nil
	}

	val, err := e.index.Get(key)
	if err != nil {
		return "", false, e.fail(err)
	}

	return val, true, nil
}

// Set stores val under key, replacing any previous value.
func (e *Engine) Set(key, val string) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if e.failed != nil {
		return e.failure()
	}

	loc, err := e.driver.Write(encoding.Set(key, val))
	if err != nil {
		return errors.Wrapf(err, "could not set key: %s", key)
	}

	e.index.Set(key, loc)

	return e.maybeMerge()
}

// Remove deletes key. It returns an error matching kvs.ErrKeyNotFound if key is not present.
func (e *Engine) Remove(key string) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if e.failed != nil {
		return e.failure()
	}

	if !e.index.Contains(key) {
		return errors.Wrapf(kvs.ErrKeyNotFound, "could not remove key: %s", key)
	}

	_, err := e.driver.Write(encoding.Remove(key))
	if err != nil {
		return errors.Wrapf(err, "could not remove key: %s", key)
	}

	err = e.index.Remove(key)
	if err != nil {
		return e.fail(err)
	}

	return e.maybeMerge()
}

// Stats returns the live key count and the size of the log.
func (e *Engine) Stats() Stats {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	return e.stats()
}

func (e *Engine) stats() Stats {
	return Stats{
		Keys:     e.index.Len(),
		Bytes:    e.driver.Size(),
		Segments: len(e.driver.Segments()),
	}
}

// Close closes the log.
func (e *Engine) Close() error {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	return e.driver.Close()
}

func (e *Engine) maybeMerge() error {
	if e.driver.Size() > e.mergeThreshold {
		err := e.merge()
		if err != nil {
			return e.fail(err)
		}
	}

	e.report()

	return nil
}

// merge rewrites every live record into fresh segments, deletes every segment tracked before it
// started and points the index at the rewritten records. Once the records are rewritten the index
// follows them, so a failure to delete an old segment leaves the engine usable.
func (e *Engine) merge() error {
	start := time.Now()
	before := e.driver.Size()

	segs := e.driver.Segments()
	serials := make([]int, len(segs))
	for i, seg := range segs {
		serials[i] = seg.Serial
	}

	n := e.index.Len()
	ops := make([]*encoding.Operation, 0, n)

	err := e.index.ForEach(func(op *encoding.Operation) error {
		ops = append(ops, op)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "could not collect live records")
	}

	records, mergeErr := e.driver.Merge(serials, ops)
	if records == nil && mergeErr != nil {
		return errors.Wrap(mergeErr, "could not merge log")
	}

	if len(records) != n {
		return errors.Wrapf(kvs.ErrCorruption, "merge returned %d records for %d live keys", len(records), n)
	}

	for _, rec := range records {
		if rec.Op.Type != encoding.OpSet {
			return errors.Wrapf(kvs.ErrCorruption, "merge returned %v", rec.Op)
		}

		e.index.Set(rec.Op.Key, rec.Loc)
	}

	if e.index.Len() != n {
		return errors.Wrapf(kvs.ErrCorruption, "index has %d keys after merge, expected %d", e.index.Len(), n)
	}

	// the index points at the rewritten records even if an old segment could not be removed
	if mergeErr != nil {
		return errors.Wrap(mergeErr, "could not remove merged segments")
	}

	after := e.driver.Size()
	e.metrics.ObserveMerge(before, after, time.Since(start))
	e.log.Infof("merged %d segments, log size %d -> %d bytes", len(serials), before, after)

	return nil
}

// fail latches the engine into the failed state if err is a corruption error. It returns err.
func (e *Engine) fail(err error) error {
	if errors.Is(err, kvs.ErrCorruption) {
		e.log.Errorf("engine failed: %v", err)
		e.failed = err
	}

	return err
}

func (e *Engine) failure() error {
	return errors.Wrap(e.failed, "engine failed")
}

func (e *Engine) report() {
	st := e.stats()
	e.metrics.SetStorage(st.Bytes, st.Segments, st.Keys)
}

var _ kvs.Engine = (*Engine)(nil)
