package tcp

import (
	"github.com/pkg/errors"
	"github.com/ryansann/kvs"
	"github.com/ryansann/kvs/pkg/storage/encoding"
)

// Commands travel as encoding.Operation values: get, set or rm with a key and, for set, a value.

// Status tags a Response as a success or an error.
type Status string

// response statuses
const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ErrorKind is the error reported to clients. Engine failures other than a remove miss
// are collapsed into ErrOperationError.
type ErrorKind string

// error kinds sent over the wire
const (
	ErrOperationError ErrorKind = "OperationError"
	ErrKeyNotFound    ErrorKind = "KeyNotFound"
)

// Response is the single value a server writes back for a command.
type Response struct {
	Status Status    `codec:"status"`
	Error  ErrorKind `codec:"error"`
	// Value is the result of a get, nil if the key is not present and for set and rm
	Value *string `codec:"value"`
}

func success(val *string) *Response {
	return &Response{Status: StatusSuccess, Value: val}
}

func failure(kind ErrorKind) *Response {
	return &Response{Status: StatusError, Error: kind}
}

// invalidCommand is written, unframed, to a connection that did not send a decodable command.
const invalidCommand = "Invalid kv command format\n"

// validate checks a decoded command before it is dispatched.
func validate(cmd *encoding.Operation) error {
	switch cmd.Type {
	case encoding.OpGet, encoding.OpRemove:
		if cmd.Value != "" {
			return errors.Errorf("%s command takes no value", cmd.Type)
		}
		return nil
	case encoding.OpSet:
		return nil
	default:
		return errors.Errorf("unrecognized operation %q", cmd.Type)
	}
}

// result labels for command metrics
const (
	resultSuccess     = "success"
	resultKeyNotFound = "key_not_found"
	resultError       = "error"
)

// execute runs the command against the engine and returns the response and its metrics label.
func execute(cmd *encoding.Operation, e kvs.Engine) (*Response, string, error) {
	switch cmd.Type {
	case encoding.OpGet:
		val, ok, err := e.Get(cmd.Key)
		if err != nil {
			return failure(ErrOperationError), resultError, err
		}
		if !ok {
			return success(nil), resultSuccess, nil
		}
		return success(&val), resultSuccess, nil
	case encoding.OpSet:
		err := e.Set(cmd.Key, cmd.Value)
		if err != nil {
			return failure(ErrOperationError), resultError, err
		}
		return success(nil), resultSuccess, nil
	case encoding.OpRemove:
		err := e.Remove(cmd.Key)
		if errors.Is(err, kvs.ErrKeyNotFound) {
			return failure(ErrKeyNotFound), resultKeyNotFound, nil
		}
		if err != nil {
			return failure(ErrOperationError), resultError, err
		}
		return success(nil), resultSuccess, nil
	default:
		return failure(ErrOperationError), resultError, errors.Errorf("did not execute %q", cmd.Type)
	}
}
