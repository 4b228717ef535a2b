// Package engine selects and opens a storage engine for a data directory.
//
// The first engine to open a directory records its name in a metadata file at the directory root.
// Opening the directory later with a different engine fails with kvs.ErrEngineMismatch.
package engine

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/ryansann/kvs"
	"github.com/ryansann/kvs/pkg/engine/arttree"
	"github.com/ryansann/kvs/pkg/engine/logkv"
	"github.com/ryansann/kvs/pkg/metrics"
	"github.com/ryansann/kvs/pkg/storage/encoding/msgpack"
	"github.com/sirupsen/logrus"
)

// Kind names an engine implementation.
type Kind string

// engine kinds
const (
	Log Kind = logkv.Name
	ART Kind = arttree.Name
)

// MetadataFile is the file at the root of a data directory recording which engine initialized it.
const MetadataFile = "metadata"

// ParseKind returns the Kind named by s.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case Log, ART:
		return k, nil
	default:
		return "", errors.Errorf("unknown engine %q, expected %q or %q", s, Log, ART)
	}
}

type metadata struct {
	Engine Kind `codec:"engine"`
}

// Options configures the engine being opened. Options that do not apply to the selected engine are ignored.
type Options struct {
	SegmentSize    int64
	MergeThreshold int64
	SyncInterval   time.Duration
	Metrics        *metrics.Metrics
}

// Stats describes an open engine for the admin surface.
type Stats struct {
	Engine   string `json:"engine"`
	Keys     int    `json:"keys"`
	Bytes    int64  `json:"bytes"`
	Segments int    `json:"segments,omitempty"`
}

// Open opens the engine of kind in root. An empty kind selects the engine recorded in root,
// or the log engine if root has not been initialized.
func Open(log *logrus.Logger, kind Kind, root string, opts Options) (kvs.Engine, error) {
	err := os.MkdirAll(root, 0755)
	if err != nil {
		return nil, errors.Wrapf(kvs.WithKind(kvs.ErrIO, err), "could not create dir: %s", root)
	}

	recorded, err := readMetadata(root)
	if err != nil {
		return nil, err
	}

	switch {
	case kind == "" && recorded == "":
		kind = Log
	case kind == "":
		kind = recorded
	case recorded != "" && recorded != kind:
		return nil, errors.Wrapf(kvs.ErrEngineMismatch, "%s was initialized by engine %q, not %q", root, recorded, kind)
	}

	var e kvs.Engine
	switch kind {
	case Log:
		lopts := []logkv.EngineOption{logkv.Metrics(opts.Metrics)}
		if opts.SegmentSize > 0 {
			lopts = append(lopts, logkv.SegmentSize(opts.SegmentSize))
		}
		if opts.MergeThreshold > 0 {
			lopts = append(lopts, logkv.MergeThreshold(opts.MergeThreshold))
		}
		if opts.SyncInterval > 0 {
			lopts = append(lopts, logkv.SyncInterval(opts.SyncInterval))
		}
		e, err = logkv.Open(log, root, lopts...)
	case ART:
		e, err = arttree.Open(log, root, arttree.Metrics(opts.Metrics))
	default:
		return nil, errors.Errorf("unknown engine %q", kind)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %s engine", kind)
	}

	if recorded == "" {
		err = writeMetadata(root, kind)
		if err != nil {
			e.Close()
			return nil, err
		}
		log.Infof("initialized %s with engine %s", root, kind)
	}

	return e, nil
}

// Describe returns the statistics e exposes.
func Describe(e kvs.Engine) Stats {
	st := Stats{Engine: e.Name()}

	switch v := e.(type) {
	case *logkv.Engine:
		s := v.Stats()
		st.Keys, st.Bytes, st.Segments = s.Keys, s.Bytes, s.Segments
	case *arttree.Engine:
		s := v.Stats()
		st.Keys, st.Bytes = s.Keys, s.Bytes
	}

	return st
}

func readMetadata(root string) (Kind, error) {
	path := filepath.Join(root, MetadataFile)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrapf(kvs.WithKind(kvs.ErrIO, err), "could not open metadata: %s", path)
	}
	defer f.Close()

	var md metadata
	_, err = msgpack.Decode(f, &md)
	if err != nil {
		return "", errors.Wrapf(err, "could not decode metadata: %s", path)
	}

	return md.Engine, nil
}

func writeMetadata(root string, kind Kind) error {
	path := filepath.Join(root, MetadataFile)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(kvs.WithKind(kvs.ErrIO, err), "could not create metadata: %s", path)
	}

	err = msgpack.EncodeTo(f, &metadata{Engine: kind})
	if err != nil {
		f.Close()
		return errors.Wrapf(err, "could not write metadata: %s", path)
	}

	err = f.Sync()
	if err != nil {
		f.Close()
		return errors.Wrapf(kvs.WithKind(kvs.ErrIO, err), "could not sync metadata: %s", path)
	}

	err = f.Close()
	if err != nil {
		return errors.Wrapf(kvs.WithKind(kvs.ErrIO, err), "could not close metadata: %s", path)
	}

	return nil
}
