package fileseg

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/ryansann/kvs"
)

// segmentFile is the write handle of a segment.
type segmentFile interface {
	io.Writer
	Sync() error
	Close() error
	Truncate(size int64) error
}

// segment represents an individual storage segment that stores records in a file named by its serial.
// Every segment has a read handle shared by all of its Locators, only the write segment has a writer.
type segment struct {
	serial int
	path   string
	// size is the number of bytes in the segment, it is guarded by the store's mutex.
	size   int64
	reader *os.File
	writer segmentFile
}

// createSegment creates a new empty segment file at path and opens its write/read handle pair.
func createSegment(path string, serial int) (*segment, error) {
	w, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(kvs.WithKind(kvs.ErrIO, err), "could not create segment: %s", path)
	}

	r, err := os.Open(path)
	if err != nil {
		_ = w.Close()
		return nil, errors.Wrapf(kvs.WithKind(kvs.ErrIO, err), "could not open segment for reading: %s", path)
	}

	return &segment{
		serial: serial,
		path:   path,
		reader: r,
		writer: w,
	}, nil
}

// openSegment opens an existing, immutable segment file for reading.
func openSegment(path string, serial int) (*segment, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(kvs.WithKind(kvs.ErrIO, err), "could not open segment: %s", path)
	}

	fi, err := r.Stat()
	if err != nil {
		_ = r.Close()
		return nil, errors.Wrapf(kvs.WithKind(kvs.ErrIO, err), "could not get file info: %s", path)
	}

	return &segment{
		serial: serial,
		path:   path,
		size:   fi.Size(),
		reader: r,
	}, nil
}

// append writes data to the end of the segment and returns the offset it was written at.
func (s *segment) append(data []byte) (int64, error) {
	if s.writer == nil {
		return 0, errors.Errorf("segment %d is not writable", s.serial)
	}

	n, err := s.writer.Write(data)
	if err != nil {
		err = errors.Wrapf(kvs.WithKind(kvs.ErrWrite, err), "could not append to segment: %d", s.serial)

		// drop the partial record so the tail stays parseable
		if n > 0 {
			terr := s.writer.Truncate(s.size)
			if terr != nil {
				s.size += int64(n)
				return 0, errors.Wrapf(err, "could not truncate segment %d: %v", s.serial, terr)
			}
		}

		return 0, err
	}

	offset := s.size
	s.size += int64(n)

	return offset, nil
}

// sync flushes the segment's writes to stable storage.
func (s *segment) sync() error {
	if s.writer == nil {
		return nil
	}

	err := s.writer.Sync()
	if err != nil {
		return errors.Wrapf(kvs.WithKind(kvs.ErrIO, err), "could not sync segment: %d", s.serial)
	}

	return nil
}

// seal syncs and closes the writer, the segment stays readable.
func (s *segment) seal() error {
	if s.writer == nil {
		return nil
	}

	err := s.sync()
	if err != nil {
		return err
	}

	err = s.writer.Close()
	s.writer = nil
	if err != nil {
		return errors.Wrapf(kvs.WithKind(kvs.ErrIO, err), "could not close segment writer: %d", s.serial)
	}

	return nil
}

// close releases both handles.
func (s *segment) close() error {
	err := s.seal()

	if cerr := s.reader.Close(); cerr != nil && err == nil {
		err = errors.Wrapf(kvs.WithKind(kvs.ErrIO, cerr), "could not close segment reader: %d", s.serial)
	}

	return err
}

// remove closes the segment and deletes its file.
func (s *segment) remove() error {
	_ = s.close()

	err := os.Remove(s.path)
	if err != nil {
		return errors.Wrapf(kvs.WithKind(kvs.ErrIO, err), "could not remove segment: %s", s.path)
	}

	return nil
}
