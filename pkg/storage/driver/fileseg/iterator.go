package fileseg

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
	"github.com/ryansann/kvs"
	"github.com/ryansann/kvs/pkg/storage"
	"github.com/ryansann/kvs/pkg/storage/encoding"
	"github.com/ryansann/kvs/pkg/storage/encoding/msgpack"
)

// iterator can be used to iterate over every record in the store, segments in ascending serial order
// and records in append order. It implements the storage.Iterator interface.
// The set of segments and their sizes is fixed when the iterator is created.
type iterator struct {
	segments []*segment
	sizes    []int64
	// cur is the index into segments being read
	cur int
	// stream decodes the current segment
	stream *msgpack.Stream
}

// Next returns the next record and its Locator or an error, io.EOF once every segment was read.
func (i *iterator) Next() (storage.Locator, *encoding.Operation, error) {
	for i.cur < len(i.segments) {
		seg, size := i.segments[i.cur], i.sizes[i.cur]

		if i.stream == nil {
			i.stream = msgpack.NewStream(bufio.NewReader(io.NewSectionReader(seg.reader, 0, size)))
		}

		// end of segment, go to the next
		if i.stream.Offset() >= size {
			i.cur++
			i.stream = nil
			continue
		}

		var op encoding.Operation

		offset, err := i.stream.Next(&op)
		if err != nil {
			if err == io.EOF {
				err = kvs.WithKind(kvs.ErrRead, io.ErrUnexpectedEOF)
			}

			return nil, nil, errors.Wrapf(err, "could not read segment %d at offset %d", seg.serial, offset)
		}

		return &Locator{seg: seg, offset: offset}, &op, nil
	}

	return nil, nil, io.EOF
}
