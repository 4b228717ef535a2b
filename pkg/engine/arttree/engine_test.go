package arttree

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ryansann/kvs"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func openTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()

	e, err := Open(testLogger(), dir)
	if err != nil {
		t.Fatalf("could not open engine: %v", err)
	}

	return e
}

func TestEngineScenario(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	if e.Name() != Name {
		t.Errorf("failure - expected: %s, but got: %s", Name, e.Name())
	}

	if err := e.Set("a", "1"); err != nil {
		t.Fatal(err)
	}

	if err := e.Set("a", "2"); err != nil {
		t.Fatal(err)
	}

	v, ok, err := e.Get("a")
	if err != nil || !ok || v != "2" {
		t.Fatalf("failure - expected: 2, but got: %q (present: %v, err: %v)", v, ok, err)
	}

	if err := e.Remove("a"); err != nil {
		t.Fatal(err)
	}

	_, ok, err = e.Get("a")
	if err != nil || ok {
		t.Fatalf("expected a to be absent, got present: %v, err: %v", ok, err)
	}

	err = e.Remove("a")
	if !errors.Is(err, kvs.ErrKeyNotFound) {
		t.Errorf("failure - expected: %v, but got: %v", kvs.ErrKeyNotFound, err)
	}
}

func TestEngineReopen(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)

	for i := 0; i < 100; i++ {
		err := e.Set(fmt.Sprintf("key-%03d", i), fmt.Sprintf("val-%d", i))
		if err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 100; i += 3 {
		err := e.Remove(fmt.Sprintf("key-%03d", i))
		if err != nil {
			t.Fatal(err)
		}
	}

	e.Close()

	e = openTestEngine(t, dir)
	defer e.Close()

	for i := 0; i < 100; i++ {
		v, ok, err := e.Get(fmt.Sprintf("key-%03d", i))
		if err != nil {
			t.Fatal(err)
		}

		if i%3 == 0 {
			if ok {
				t.Errorf("expected key-%03d to be removed", i)
			}
			continue
		}

		if want := fmt.Sprintf("val-%d", i); !ok || v != want {
			t.Errorf("failure - expected: %s, but got: %s", want, v)
		}
	}

	if st := e.Stats(); st.Keys != 66 {
		t.Errorf("failure - expected: %d, but got: %d", 66, st.Keys)
	}
}

func TestEngineSnapshotFiles(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	for i := 0; i < 10; i++ {
		if err := e.Set(fmt.Sprintf("k%d", i), "v"); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(dir, DataDir))
	if err != nil {
		t.Fatal(err)
	}

	// temporary files never outlive a write
	if len(entries) != 1 || entries[0].Name() != snapshotFile {
		var names []string
		for _, ent := range entries {
			names = append(names, ent.Name())
		}
		t.Errorf("failure - expected: [%s], but got: %v", snapshotFile, names)
	}

	info, err := entries[0].Info()
	if err != nil {
		t.Fatal(err)
	}

	if st := e.Stats(); st.Bytes != info.Size() {
		t.Errorf("failure - expected: %d, but got: %d", info.Size(), st.Bytes)
	}
}

func TestEngineCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()

	err := os.MkdirAll(filepath.Join(dir, DataDir), 0755)
	if err != nil {
		t.Fatal(err)
	}

	err = os.WriteFile(filepath.Join(dir, DataDir, snapshotFile), []byte(strings.Repeat("\xff", 32)), 0644)
	if err != nil {
		t.Fatal(err)
	}

	_, err = Open(testLogger(), dir)
	if !errors.Is(err, kvs.ErrParse) {
		t.Errorf("failure - expected: %v, but got: %v", kvs.ErrParse, err)
	}
}
