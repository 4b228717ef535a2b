// Package fileseg implements segmented file based storage with rotation and merging.
//
// Segments are files in a data directory named by a strictly increasing decimal serial.
// Exactly one segment, the one with the highest serial, is open for appends. The others are
// immutable until a merge rewrites the live records into fresh segments and deletes them.
// Records are MessagePack values written back to back with no framing, see package msgpack.
package fileseg

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/ryansann/kvs"
	"github.com/ryansann/kvs/pkg/storage"
	"github.com/ryansann/kvs/pkg/storage/encoding"
	"github.com/ryansann/kvs/pkg/storage/encoding/msgpack"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// StoreOption is func that modifies the store's configuration options.
type StoreOption func(*options)

type options struct {
	sync        time.Duration
	segmentSize int64
}

// SyncInterval sets how often the write segment is flushed to stable storage, 0 disables the background sync.
func SyncInterval(dur time.Duration) StoreOption {
	return func(opts *options) {
		opts.sync = dur
	}
}

// SegmentSize sets the max size in bytes for a storage segment.
func SegmentSize(n int64) StoreOption {
	return func(opts *options) {
		opts.segmentSize = n
	}
}

var errDuplicateSerial = errors.New("duplicate segment serial")

// DefaultSegmentSize is the segment size used when SegmentSize is not given.
const DefaultSegmentSize = 1 << 20

// Store provides operations for persisting records to a data directory where storage segments are written as files.
// It implements the storage.Driver interface.
type Store struct {
	log *logrus.Logger

	// dirPath is where segment files are stored
	dirPath string
	// segmentSize is the size in bytes a segment may reach before the store rotates to a new one
	segmentSize int64
	// size is the total size of every tracked segment
	size *atomic.Int64

	// mtx guards segments and active
	mtx sync.RWMutex
	// segments maps serials to segments, including the write segment
	segments map[int]*segment
	// active is the segment appends go to, it always has the highest serial
	active *segment

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewStore returns a new Store object or an error.
// It loads every existing segment in dir and opens a fresh write segment after them.
func NewStore(log *logrus.Logger, dir string, opts ...StoreOption) (*Store, error) {
	// default configuration
	cfg := &options{
		segmentSize: DefaultSegmentSize,
	}

	// override defaults
	for _, opt := range opts {
		opt(cfg)
	}

	// get fully qualified path to dir
	path, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(kvs.WithKind(kvs.ErrIO, err), "could not get absolute path for dir: %s", dir)
	}

	// create the data directory if it does not exist.
	err = os.MkdirAll(path, 0755)
	if err != nil {
		return nil, errors.Wrapf(kvs.WithKind(kvs.ErrIO, err), "could not create dir: %s", path)
	}

	s := &Store{
		log:         log,
		dirPath:     path,
		segmentSize: cfg.segmentSize,
		size:        atomic.NewInt64(0),
		segments:    make(map[int]*segment),
	}

	err = s.load()
	if err != nil {
		s.closeSegments()
		return nil, errors.Wrap(err, "could not load storage segments")
	}

	if cfg.sync > 0 {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.syncloop(cfg.sync)
	}

	return s, nil
}

// load opens a read handle for every segment file in s.dirPath and creates the write segment.
func (s *Store) load() error {
	entries, err := os.ReadDir(s.dirPath)
	if err != nil {
		return errors.Wrapf(kvs.WithKind(kvs.ErrIO, err), "could not read dir: %s", s.dirPath)
	}

	next := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		serial, err := strconv.Atoi(entry.Name())
		if err != nil || serial < 0 {
			s.log.Warnf("skipping non segment file: %s", entry.Name())
			continue
		}

		seg, err := openSegment(filepath.Join(s.dirPath, entry.Name()), serial)
		if err != nil {
			return err
		}

		if _, ok := s.segments[serial]; ok {
			_ = seg.close()
			return errors.Wrapf(kvs.WithKind(kvs.ErrParse, errDuplicateSerial), "segment: %s", entry.Name())
		}

		s.segments[serial] = seg
		s.size.Add(seg.size)

		if serial >= next {
			next = serial + 1
		}
	}

	s.log.Debugf("loaded %d segments, %d bytes", len(s.segments), s.size.Load())

	seg, err := createSegment(s.filePath(next), next)
	if err != nil {
		return err
	}

	s.segments[next] = seg
	s.active = seg

	return nil
}

// Write encodes op and appends it to the write segment, returning its Locator or an error.
func (s *Store) Write(op *encoding.Operation) (storage.Locator, error) {
	data, err := msgpack.Encode(op)
	if err != nil {
		return nil, err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.append(data)
}

// WriteMany appends ops in order and returns their Locators in the same order.
// Every op is encoded before anything is written.
func (s *Store) WriteMany(ops []*encoding.Operation) ([]storage.Locator, error) {
	batch, err := encodeAll(ops)
	if err != nil {
		return nil, err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.appendAll(batch)
}

// Begin returns an iterator over every record, oldest segment first.
func (s *Store) Begin() storage.Iterator {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	it := &iterator{}
	for _, serial := range s.serials() {
		seg := s.segments[serial]
		it.segments = append(it.segments, seg)
		it.sizes = append(it.sizes, seg.size)
	}

	return it
}

// Segments returns every tracked segment in ascending serial order.
func (s *Store) Segments() []storage.SegmentInfo {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	infos := make([]storage.SegmentInfo, 0, len(s.segments))
	for _, serial := range s.serials() {
		infos = append(infos, storage.SegmentInfo{Serial: serial, Size: s.segments[serial].size})
	}

	return infos
}

// Merge rotates to a fresh write segment, writes ops there and then deletes every segment in serials.
// The new records are durable before any old segment is deleted, so a crash part way through leaves
// old and new data side by side and replay derives the same live set.
// It returns the new records paired with their Locators, in the order of ops. Once the records are
// written they are returned even if deleting an old segment fails; the error then reports the first
// segment that could not be removed and the remaining segments are still deleted.
func (s *Store) Merge(serials []int, ops []*encoding.Operation) ([]storage.Record, error) {
	batch, err := encodeAll(ops)
	if err != nil {
		return nil, err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	sorted := append([]int(nil), serials...)
	sort.Ints(sorted)

	err = s.rotate()
	if err != nil {
		return nil, err
	}

	// the fresh write segment is never in serials, it did not exist when they were collected
	for _, serial := range sorted {
		if serial == s.active.serial {
			return nil, errors.Errorf("merge: cannot remove the write segment %d", serial)
		}
	}

	locs, err := s.appendAll(batch)
	if err != nil {
		return nil, err
	}

	err = s.active.sync()
	if err != nil {
		return nil, err
	}

	records := make([]storage.Record, len(ops))
	for i, op := range ops {
		records[i] = storage.Record{Loc: locs[i], Op: op}
	}

	var (
		reclaimed int64
		removeErr error
	)

	for _, serial := range sorted {
		seg, ok := s.segments[serial]
		if !ok {
			s.log.Warnf("merge: segment %d is not tracked", serial)
			continue
		}

		delete(s.segments, serial)
		s.size.Sub(seg.size)
		reclaimed += seg.size

		err := seg.remove()
		if err != nil {
			s.log.Errorf("merge: %v", err)
			if removeErr == nil {
				removeErr = err
			}
		}
	}

	s.log.Infof("merge removed %d segments (%d bytes), wrote %d records", len(sorted), reclaimed, len(ops))

	return records, removeErr
}

// Size returns the total size in bytes of every tracked segment.
func (s *Store) Size() int64 {
	return s.size.Load()
}

// Close stops the background sync and closes every segment file.
func (s *Store) Close() error {
	s.once.Do(func() {
		if s.stop != nil {
			close(s.stop)
			<-s.done
		}
	})

	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.closeSegments()
}

func (s *Store) closeSegments() error {
	var err error
	for serial, seg := range s.segments {
		if cerr := seg.close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(s.segments, serial)
	}

	return err
}

// append writes data to the write segment, rotating first if data would not fit. s.mtx must be held.
func (s *Store) append(data []byte) (storage.Locator, error) {
	// an empty write segment takes any record, even one larger than the limit
	if s.active.size > 0 && s.active.size+int64(len(data)) > s.segmentSize {
		err := s.rotate()
		if err != nil {
			return nil, err
		}
	}

	before := s.active.size

	offset, err := s.active.append(data)
	s.size.Add(s.active.size - before)
	if err != nil {
		return nil, err
	}

	s.log.Debugf("appended %d bytes to segment %d at offset %d", len(data), s.active.serial, offset)

	return &Locator{seg: s.active, offset: offset}, nil
}

func (s *Store) appendAll(batch [][]byte) ([]storage.Locator, error) {
	locs := make([]storage.Locator, 0, len(batch))
	for _, data := range batch {
		loc, err := s.append(data)
		if err != nil {
			return nil, err
		}
		locs = append(locs, loc)
	}

	return locs, nil
}

// rotate seals the write segment and opens a new one with the next serial. s.mtx must be held.
func (s *Store) rotate() error {
	serial := s.active.serial + 1

	seg, err := createSegment(s.filePath(serial), serial)
	if err != nil {
		return err
	}

	err = s.active.seal()
	if err != nil {
		_ = seg.remove()
		return err
	}

	s.segments[serial] = seg
	s.active = seg

	s.log.Infof("rotated to segment %d", serial)

	return nil
}

// serials returns the tracked serials in ascending order. s.mtx must be held.
func (s *Store) serials() []int {
	serials := make([]int, 0, len(s.segments))
	for serial := range s.segments {
		serials = append(serials, serial)
	}

	sort.Ints(serials)

	return serials
}

// filePath returns the full path of the segment file with serial.
func (s *Store) filePath(serial int) string {
	return filepath.Join(s.dirPath, strconv.Itoa(serial))
}

// syncloop is intended to be run as a background go routine that flushes the write segment every interval.
func (s *Store) syncloop(interval time.Duration) {
	defer close(s.done)

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			s.mtx.RLock()
			err := s.active.sync()
			s.mtx.RUnlock()
			if err != nil {
				s.log.Errorf("background sync failed: %v", err)
			}
		case <-s.stop:
			return
		}
	}
}

func encodeAll(ops []*encoding.Operation) ([][]byte, error) {
	batch := make([][]byte, 0, len(ops))
	for _, op := range ops {
		data, err := msgpack.Encode(op)
		if err != nil {
			return nil, err
		}
		batch = append(batch, data)
	}

	return batch, nil
}

var _ storage.Driver = (*Store)(nil)
