package msgpack

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"

	"github.com/ryansann/kvs"
	"github.com/ryansann/kvs/pkg/storage/encoding"
)

var ops = []*encoding.Operation{
	encoding.Set("1", "2"),
	encoding.Set("2", "three"),
	encoding.Remove("1"),
	encoding.Set("a-much-longer-key", string(bytes.Repeat([]byte("v"), 300))),
	encoding.Set("", ""),
}

// concat encodes ops back to back and returns the log bytes and the offset of each record.
func concat(t *testing.T, ops []*encoding.Operation) ([]byte, []int64) {
	var buf bytes.Buffer
	var offsets []int64

	for _, op := range ops {
		data, err := Encode(op)
		if err != nil {
			t.Fatal(err)
		}

		offsets = append(offsets, int64(buf.Len()))
		buf.Write(data)
	}

	return buf.Bytes(), offsets
}

func TestStreamOffsets(t *testing.T) {
	data, offsets := concat(t, ops)

	s := NewStream(bytes.NewReader(data))

	for i, want := range ops {
		var got encoding.Operation

		offset, err := s.Next(&got)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}

		if offset != offsets[i] {
			t.Errorf("failure - expected offset: %d, but got: %d", offsets[i], offset)
		}

		if !reflect.DeepEqual(*want, got) {
			t.Errorf("failure - expected: %v, but got: %v", want, &got)
		}
	}

	if s.Offset() != int64(len(data)) {
		t.Errorf("expected stream to consume %d bytes, consumed %d", len(data), s.Offset())
	}

	var op encoding.Operation
	if _, err := s.Next(&op); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestDecodeAt(t *testing.T) {
	data, offsets := concat(t, ops)
	r := bytes.NewReader(data)

	// read in reverse to make sure no cursor is shared between reads
	for i := len(ops) - 1; i >= 0; i-- {
		var got encoding.Operation

		err := DecodeAt(r, offsets[i], &got)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}

		if !reflect.DeepEqual(*ops[i], got) {
			t.Errorf("failure - expected: %v, but got: %v", ops[i], &got)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	data, _ := concat(t, ops[3:4])

	var op encoding.Operation
	_, err := Decode(bytes.NewReader(data[:len(data)/2]), &op)
	if err == nil {
		t.Fatal("expected an error decoding a truncated record")
	}

	if err == io.EOF {
		t.Error("a partially read record should not be reported as a clean io.EOF")
	}
}

func TestDecodeGarbage(t *testing.T) {
	var op encoding.Operation

	// 0xc1 is never used in msgpack
	_, err := Decode(bytes.NewReader([]byte{0xc1, 0xc1, 0xc1}), &op)
	if !errors.Is(err, kvs.ErrParse) {
		t.Errorf("expected a parse error, got %v", err)
	}
}
