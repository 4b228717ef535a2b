// Package msgpack encodes storage records and wire messages as MessagePack.
//
// MessagePack values are self-terminating, so records are written back to back with no
// length prefix or delimiter. Decoding reports how many bytes each value consumed,
// which is how the storage log recovers record offsets during replay.
package msgpack

import (
	"bytes"
	"io"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/pkg/errors"
	"github.com/ryansann/kvs"
)

// handle is shared by every encoder and decoder, it must not be modified after init.
var handle = newHandle()

func newHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	return h
}

// Encode accepts a value and returns its MessagePack representation.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer

	err := codec.NewEncoder(&buf, handle).Encode(v)
	if err != nil {
		return nil, errors.Wrap(kvs.WithKind(kvs.ErrParse, err), "could not encode value")
	}

	return buf.Bytes(), nil
}

// EncodeTo encodes v and writes it to w as a single unit.
func EncodeTo(w io.Writer, v interface{}) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}

	_, err = w.Write(data)
	if err != nil {
		return errors.Wrap(kvs.WithKind(kvs.ErrWrite, err), "could not write encoded value")
	}

	return nil
}
