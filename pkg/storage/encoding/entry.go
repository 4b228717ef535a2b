// Package encoding defines the records persisted in the storage log.
package encoding

import "fmt"

// OpType tags the variant of an Operation.
type OpType string

const (
	// OpGet only exists in transit. It must never be persisted.
	OpGet OpType = "get"
	// OpSet stores a value for a key.
	OpSet OpType = "set"
	// OpRemove deletes a key. In the log it acts as a tombstone that is consumed during replay.
	OpRemove OpType = "rm"
)

// Operation is the unit written to the storage log.
type Operation struct {
	Type  OpType `codec:"type"`
	Key   string `codec:"key"`
	Value string `codec:"value,omitempty"`
}

// Get returns a get request for key.
func Get(key string) *Operation {
	return &Operation{Type: OpGet, Key: key}
}

// Set returns a set operation for key and value.
func Set(key, value string) *Operation {
	return &Operation{Type: OpSet, Key: key, Value: value}
}

// Remove returns a remove operation for key.
func Remove(key string) *Operation {
	return &Operation{Type: OpRemove, Key: key}
}

func (op *Operation) String() string {
	if op.Type == OpSet {
		return fmt.Sprintf("%s(%s, %s)", op.Type, op.Key, op.Value)
	}
	return fmt.Sprintf("%s(%s)", op.Type, op.Key)
}
