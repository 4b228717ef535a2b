package msgpack

import (
	"bufio"
	"io"
	"math"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/pkg/errors"
	"github.com/ryansann/kvs"
)

// countingReader counts the bytes handed to the decoder. The decoder reads exactly
// the bytes of one value, so the count is the offset of the next value.
type countingReader struct {
	r   io.Reader
	n   int64
	err error
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err != nil && c.err == nil {
		c.err = err
	}
	return n, err
}

// Stream decodes consecutive values from a reader and tracks the offset where each one starts.
// A Stream is not safe for concurrent use.
type Stream struct {
	cr  *countingReader
	dec *codec.Decoder
}

// NewStream returns a Stream reading from r, with offsets relative to r's current position.
func NewStream(r io.Reader) *Stream {
	cr := &countingReader{r: r}
	return &Stream{
		cr:  cr,
		dec: codec.NewDecoder(cr, handle),
	}
}

// Offset returns the number of bytes consumed so far, i.e. the offset of the next value.
func (s *Stream) Offset() int64 {
	return s.cr.n
}

// Next decodes the next value into v and returns the offset it started at.
// It returns io.EOF if the reader is exhausted before any byte of a new value was read.
func (s *Stream) Next(v interface{}) (int64, error) {
	start := s.cr.n

	err := s.dec.Decode(v)
	if err != nil {
		return start, classify(s.cr, start, err)
	}

	return start, nil
}

// Decode reads exactly one value from r into v and returns the number of bytes it consumed.
func Decode(r io.Reader, v interface{}) (int64, error) {
	s := NewStream(r)

	_, err := s.Next(v)
	return s.Offset(), err
}

// DecodeAt decodes the value that starts at offset in r into v.
// It uses positioned reads only, so callers may share r between goroutines.
func DecodeAt(r io.ReaderAt, offset int64, v interface{}) error {
	cr := &countingReader{r: io.NewSectionReader(r, offset, math.MaxInt64-offset)}

	err := codec.NewDecoder(bufio.NewReader(cr), handle).Decode(v)
	if err == nil {
		return nil
	}

	if cr.err == io.EOF && cr.n == 0 {
		return errors.Wrapf(kvs.WithKind(kvs.ErrRead, io.ErrUnexpectedEOF), "no value at offset: %d", offset)
	}

	return errors.Wrapf(classify(cr, 0, err), "offset: %d", offset)
}

// classify maps a decoder failure to an error kind. A clean end of input is returned as io.EOF
// so callers can detect it, read failures are ErrRead and everything else is ErrParse.
func classify(cr *countingReader, start int64, err error) error {
	switch {
	case cr.err == io.EOF && cr.n == start:
		return io.EOF
	case cr.err != nil && cr.err != io.EOF:
		return errors.Wrap(kvs.WithKind(kvs.ErrRead, cr.err), "could not read value")
	default:
		return errors.Wrap(kvs.WithKind(kvs.ErrParse, err), "could not decode value")
	}
}
