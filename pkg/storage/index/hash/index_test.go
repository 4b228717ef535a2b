package hash

import (
	"errors"
	"io"
	"sort"
	"testing"

	"github.com/ryansann/kvs"
	"github.com/ryansann/kvs/pkg/storage"
	"github.com/ryansann/kvs/pkg/storage/driver/fileseg"
	"github.com/ryansann/kvs/pkg/storage/encoding"
	"github.com/sirupsen/logrus"
)

type kv struct {
	key string
	val string
}

var (
	pairs = []kv{
		{key: "1", val: "2"},
		{key: "2", val: "3"},
		{key: "3", val: "4"},
		{key: "4", val: "5"},
		{key: "1", val: "6"},
	}
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// memLocator is a Locator over a record held in memory.
type memLocator struct {
	offset int64
	op     *encoding.Operation
	err    error
}

func (l *memLocator) Segment() int  { return 0 }
func (l *memLocator) Offset() int64 { return l.offset }

func (l *memLocator) Read() (*encoding.Operation, error) {
	if l.err != nil {
		return nil, l.err
	}
	op := *l.op
	return &op, nil
}

// sliceIterator replays ops as if they were written back to back in one segment.
type sliceIterator struct {
	ops []*encoding.Operation
	i   int
}

func (it *sliceIterator) Next() (storage.Locator, *encoding.Operation, error) {
	if it.i >= len(it.ops) {
		return nil, nil, io.EOF
	}

	op := it.ops[it.i]
	it.i++

	return &memLocator{offset: int64(it.i), op: op}, op, nil
}

func TestIndexBuild(t *testing.T) {
	i := NewIndex(testLogger(), ExpectedKeys(100))

	err := i.Build(&sliceIterator{ops: []*encoding.Operation{
		encoding.Set("a", "1"),
		encoding.Set("b", "2"),
		encoding.Set("a", "3"),
		encoding.Remove("b"),
		encoding.Set("c", "4"),
	}})
	if err != nil {
		t.Fatal(err)
	}

	if i.Len() != 2 {
		t.Errorf("expected 2 live keys, got %d", i.Len())
	}

	val, err := i.Get("a")
	if err != nil {
		t.Fatal(err)
	}

	if val != "3" {
		t.Errorf("failure - expected: 3, but got: %s", val)
	}

	if i.Contains("b") {
		t.Error("expected b to be removed")
	}
}

func TestIndexBuildCorruption(t *testing.T) {
	tests := []struct {
		name string
		ops  []*encoding.Operation
	}{
		{
			name: "remove absent key",
			ops:  []*encoding.Operation{encoding.Set("a", "1"), encoding.Remove("b")},
		},
		{
			name: "remove twice",
			ops:  []*encoding.Operation{encoding.Set("a", "1"), encoding.Remove("a"), encoding.Remove("a")},
		},
		{
			name: "get on disk",
			ops:  []*encoding.Operation{{Type: encoding.OpGet, Key: "a"}},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			i := NewIndex(testLogger())

			err := i.Build(&sliceIterator{ops: test.ops})
			if !errors.Is(err, kvs.ErrCorruption) {
				t.Errorf("expected a corruption error, got %v", err)
			}
		})
	}
}

func TestIndexSetGet(t *testing.T) {
	i := NewIndex(testLogger())

	for n, test := range pairs {
		i.Set(test.key, &memLocator{offset: int64(n), op: encoding.Set(test.key, test.val)})
	}

	want := map[string]string{"1": "6", "2": "3", "3": "4", "4": "5"}

	if i.Len() != len(want) {
		t.Errorf("expected %d keys, got %d", len(want), i.Len())
	}

	for key, val := range want {
		got, err := i.Get(key)
		if err != nil {
			t.Error(err)
		}

		if got != val {
			t.Errorf("failure - expected: %s, but got: %s", val, got)
		}
	}

	_, err := i.Get("missing")
	if !errors.Is(err, kvs.ErrKeyNotFound) {
		t.Errorf("expected key not found, got %v", err)
	}
}

func TestIndexGetReadError(t *testing.T) {
	i := NewIndex(testLogger())
	i.Set("a", &memLocator{err: kvs.WithKind(kvs.ErrRead, io.ErrUnexpectedEOF)})

	_, err := i.Get("a")
	if !errors.Is(err, kvs.ErrRead) {
		t.Errorf("expected the locator's read error, got %v", err)
	}
}

func TestIndexGetMismatchedRecord(t *testing.T) {
	i := NewIndex(testLogger())
	i.Set("a", &memLocator{op: encoding.Set("b", "1")})

	_, err := i.Get("a")
	if !errors.Is(err, kvs.ErrCorruption) {
		t.Errorf("expected a corruption error, got %v", err)
	}
}

func TestIndexRemove(t *testing.T) {
	i := NewIndex(testLogger())

	for _, test := range pairs {
		i.Set(test.key, &memLocator{op: encoding.Set(test.key, test.val)})

		err := i.Remove(test.key)
		if err != nil {
			t.Error(err)
		}

		if i.Contains(test.key) {
			t.Errorf("expected key: %s to be removed", test.key)
		}

		err = i.Remove(test.key)
		if !errors.Is(err, kvs.ErrKeyNotFound) {
			t.Errorf("expected key not found removing %s twice, got %v", test.key, err)
		}
	}

	if i.Len() != 0 {
		t.Errorf("expected empty index, got %d keys", i.Len())
	}
}

func TestIndexForEach(t *testing.T) {
	i := NewIndex(testLogger())

	for _, test := range pairs {
		i.Set(test.key, &memLocator{op: encoding.Set(test.key, test.val)})
	}

	var keys []string
	err := i.ForEach(func(op *encoding.Operation) error {
		if op.Type != encoding.OpSet {
			t.Errorf("expected only set records, got %v", op)
		}
		keys = append(keys, op.Key)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	sort.Strings(keys)
	if len(keys) != 4 || keys[0] != "1" || keys[3] != "4" {
		t.Errorf("unexpected keys: %v", keys)
	}

	stop := errors.New("stop")
	err = i.ForEach(func(op *encoding.Operation) error { return stop })
	if err != stop {
		t.Errorf("expected ForEach to return the callback error, got %v", err)
	}
}

// TestIndexRestore writes to a real segmented log and rebuilds a fresh index from it.
func TestIndexRestore(t *testing.T) {
	dir := t.TempDir()

	s, err := fileseg.NewStore(testLogger(), dir, fileseg.SegmentSize(64))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	i := NewIndex(testLogger())

	var lastkey string

	// write all the kvs
	for _, test := range pairs {
		loc, err := s.Write(encoding.Set(test.key, test.val))
		if err != nil {
			t.Fatal(err)
		}

		i.Set(test.key, loc)
		lastkey = test.key
	}

	// we should have a removal not just writes
	if _, err := s.Write(encoding.Remove(lastkey)); err != nil {
		t.Fatal(err)
	}

	if err := i.Remove(lastkey); err != nil {
		t.Fatal(err)
	}

	restored := NewIndex(testLogger())

	err = restored.Build(s.Begin())
	if err != nil {
		t.Fatal(err)
	}

	if restored.Len() != i.Len() {
		t.Errorf("failure - expected %d keys, but restored %d", i.Len(), restored.Len())
	}

	for _, key := range []string{"2", "3", "4"} {
		want, _ := i.Get(key)

		got, err := restored.Get(key)
		if err != nil {
			t.Error(err)
		}

		if got != want {
			t.Errorf("failure - expected: %s, but got: %s", want, got)
		}
	}

	if restored.Contains(lastkey) {
		t.Errorf("expected key: %s to stay removed", lastkey)
	}
}
