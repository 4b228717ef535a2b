// Package arttree implements an alternative storage engine backed by an adaptive radix tree.
//
// The whole key space lives in memory. After every mutation the tree is written out as a
// snappy compressed MessagePack map to a temporary file which then replaces the snapshot file,
// so a crash leaves either the old or the new snapshot on disk, never a partial one.
package arttree

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	art "github.com/plar/go-adaptive-radix-tree"
	"github.com/ryansann/kvs"
	"github.com/ryansann/kvs/pkg/metrics"
	"github.com/ryansann/kvs/pkg/storage/encoding/msgpack"
	"github.com/sirupsen/logrus"
)

// Name is the name the engine reports and is recorded under in engine metadata.
const Name = "art"

// DataDir is the directory under the engine root holding the snapshot.
const DataDir = "art"

const snapshotFile = "snapshot"

// EngineOption is func that modifies the engine configuration options.
type EngineOption func(*options)

type options struct {
	metrics *metrics.Metrics
}

// Metrics sets the collectors the engine reports storage statistics to.
func Metrics(m *metrics.Metrics) EngineOption {
	return func(opts *options) {
		opts.metrics = m
	}
}

// Stats is a point in time view of the engine's storage.
type Stats struct {
	Keys  int   `json:"keys"`
	Bytes int64 `json:"bytes"`
}

// Engine keeps every key in an adaptive radix tree, it implements kvs.Engine.
type Engine struct {
	log     *logrus.Logger
	metrics *metrics.Metrics
	dir     string

	// mtx guards tree and size
	mtx  sync.Mutex
	tree art.Tree
	// size is the size in bytes of the snapshot on disk
	size int64
}

// Open creates dir/art if needed and loads the snapshot found there.
func Open(log *logrus.Logger, dir string, opts ...EngineOption) (*Engine, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	path := filepath.Join(dir, DataDir)

	err := os.MkdirAll(path, 0755)
	if err != nil {
		return nil, errors.Wrapf(kvs.WithKind(kvs.ErrIO, err), "could not create dir: %s", path)
	}

	e := &Engine{
		log:     log,
		metrics: cfg.metrics,
		dir:     path,
		tree:    art.New(),
	}

	err = e.load()
	if err != nil {
		return nil, err
	}

	e.report()

	return e, nil
}

func (e *Engine) load() error {
	path := filepath.Join(e.dir, snapshotFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			e.log.Infof("no snapshot in %s, starting empty", e.dir)
			return nil
		}
		return errors.Wrapf(kvs.WithKind(kvs.ErrRead, err), "could not read snapshot: %s", path)
	}

	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return errors.Wrapf(kvs.WithKind(kvs.ErrParse, err), "could not decompress snapshot: %s", path)
	}

	var pairs map[string]string
	_, err = msgpack.Decode(bytes.NewReader(raw), &pairs)
	if err != nil {
		return errors.Wrapf(err, "could not decode snapshot: %s", path)
	}

	for k, v := range pairs {
		e.tree.Insert(art.Key(k), v)
	}

	e.size = int64(len(data))
	e.log.Infof("loaded %d keys from snapshot", e.tree.Size())

	return nil
}

// Name returns the engine name.
func (e *Engine) Name() string {
	return Name
}

// Get returns the value stored for key. A missing key is not an error, ok is false.
func (e *Engine) Get(key string) (string, bool, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	v, ok := e.tree.Search(art.Key(key))
	if !ok {
		return "", false, nil
	}

	return v.(string), true, nil
}

// Set stores val under key and persists the tree. The tree is left unchanged if persisting fails.
func (e *Engine) Set(key, val string) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	old, updated := e.tree.Insert(art.Key(key), val)

	err := e.persist()
	if err != nil {
		if updated {
			e.tree.Insert(art.Key(key), old)
		} else {
			e.tree.Delete(art.Key(key))
		}
		return errors.Wrapf(err, "could not set key: %s", key)
	}

	return nil
}

// Remove deletes key. It returns an error matching kvs.ErrKeyNotFound if key is not present.
func (e *Engine) Remove(key string) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	old, deleted := e.tree.Delete(art.Key(key))
	if !deleted {
		return errors.Wrapf(kvs.ErrKeyNotFound, "could not remove key: %s", key)
	}

	err := e.persist()
	if err != nil {
		e.tree.Insert(art.Key(key), old)
		return errors.Wrapf(err, "could not remove key: %s", key)
	}

	return nil
}

// Stats returns the key count and the snapshot size.
func (e *Engine) Stats() Stats {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	return Stats{Keys: e.tree.Size(), Bytes: e.size}
}

// Close is a no-op, every mutation is already on disk.
func (e *Engine) Close() error {
	return nil
}

// persist writes the tree to a temporary file and renames it over the snapshot. e.mtx must be held.
func (e *Engine) persist() error {
	pairs := make(map[string]string, e.tree.Size())
	e.tree.ForEach(func(node art.Node) bool {
		pairs[string(node.Key())] = node.Value().(string)
		return true
	})

	raw, err := msgpack.Encode(pairs)
	if err != nil {
		return err
	}

	data := snappy.Encode(nil, raw)

	tmp := filepath.Join(e.dir, "."+snapshotFile+"-"+uuid.New().String())

	err = writeFile(tmp, data)
	if err != nil {
		os.Remove(tmp)
		return err
	}

	err = os.Rename(tmp, filepath.Join(e.dir, snapshotFile))
	if err != nil {
		os.Remove(tmp)
		return errors.Wrap(kvs.WithKind(kvs.ErrIO, err), "could not replace snapshot")
	}

	e.size = int64(len(data))
	e.report()

	return nil
}

func (e *Engine) report() {
	// the snapshot is a single file
	e.metrics.SetStorage(e.size, 1, e.tree.Size())
}

func writeFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(kvs.WithKind(kvs.ErrIO, err), "could not create file: %s", path)
	}

	_, err = f.Write(data)
	if err != nil {
		f.Close()
		return errors.Wrapf(kvs.WithKind(kvs.ErrWrite, err), "could not write file: %s", path)
	}

	err = f.Sync()
	if err != nil {
		f.Close()
		return errors.Wrapf(kvs.WithKind(kvs.ErrWrite, err), "could not sync file: %s", path)
	}

	err = f.Close()
	if err != nil {
		return errors.Wrapf(kvs.WithKind(kvs.ErrIO, err), "could not close file: %s", path)
	}

	return nil
}

var _ kvs.Engine = (*Engine)(nil)
