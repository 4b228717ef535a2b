// Package storage defines the contract between the storage log and the index built on top of it.
package storage

import (
	"io"

	"github.com/ryansann/kvs/pkg/storage/encoding"
)

// Locator is a back-reference to one persisted record. It does not own the record,
// it resolves to it on demand. A Locator stays valid until its segment is removed by a merge.
type Locator interface {
	// Segment returns the serial of the segment holding the record.
	Segment() int
	// Offset returns the byte offset of the record inside its segment.
	Offset() int64
	// Read decodes the record the Locator points at.
	Read() (*encoding.Operation, error)
}

// Iterator defines behavior for iterating forward over every record of a Driver.
// Iterators are not safe for concurrent use and cannot be resumed, call Begin again to restart.
type Iterator interface {
	// Next returns the next record and its Locator.
	// io.EOF is returned once the end of the log is reached.
	Next() (Locator, *encoding.Operation, error)
}

// Record pairs a persisted operation with the Locator it was written to.
type Record struct {
	Loc Locator
	Op  *encoding.Operation
}

// SegmentInfo describes one tracked segment.
type SegmentInfo struct {
	Serial int
	Size   int64
}

// Driver is the interface the segmented log implements.
type Driver interface {
	// Write appends op to the log and returns where it was written.
	Write(op *encoding.Operation) (Locator, error)
	// WriteMany appends ops in order and returns one Locator per op.
	WriteMany(ops []*encoding.Operation) ([]Locator, error)
	// Begin returns an Iterator positioned at the first record of the oldest segment.
	Begin() Iterator
	// Segments returns every tracked segment in ascending serial order.
	Segments() []SegmentInfo
	// Merge writes ops to fresh segments and then deletes the segments named by serials.
	// If the ops were written but a segment could not be deleted, the records are returned with the error.
	Merge(serials []int, ops []*encoding.Operation) ([]Record, error)
	// Size returns the total size in bytes of every tracked segment.
	Size() int64
	// Close cleans up any system resources held by the log.
	io.Closer
}
