package fileseg

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/ryansann/kvs/pkg/storage"
	"github.com/ryansann/kvs/pkg/storage/encoding"
	"github.com/ryansann/kvs/pkg/storage/encoding/msgpack"
)

// Locator points at one record in a segment. It implements storage.Locator.
// Reads go through the segment's shared read handle using positioned reads, so Locators
// on the same segment never disturb each other and may be read concurrently.
type Locator struct {
	seg    *segment
	offset int64
}

// Segment returns the serial of the segment holding the record.
func (l *Locator) Segment() int {
	return l.seg.serial
}

// Offset returns the byte offset of the record inside its segment.
func (l *Locator) Offset() int64 {
	return l.offset
}

// Read decodes the record at the Locator.
func (l *Locator) Read() (*encoding.Operation, error) {
	var op encoding.Operation

	err := msgpack.DecodeAt(l.seg.reader, l.offset, &op)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read record at %v", l)
	}

	return &op, nil
}

func (l *Locator) String() string {
	return fmt.Sprintf("%d:%d", l.seg.serial, l.offset)
}

var _ storage.Locator = (*Locator)(nil)
