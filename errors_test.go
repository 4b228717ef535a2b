package kvs

import (
	"errors"
	"io"
	"testing"

	perrors "github.com/pkg/errors"
)

func TestWithKind(t *testing.T) {
	err := perrors.Wrap(WithKind(ErrIO, io.ErrUnexpectedEOF), "could not open segment")

	if !errors.Is(err, ErrIO) {
		t.Errorf("expected %v to match ErrIO", err)
	}

	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected %v to match its cause", err)
	}

	if errors.Is(err, ErrParse) {
		t.Errorf("did not expect %v to match ErrParse", err)
	}

	want := "could not open segment: io error: unexpected EOF"
	if err.Error() != want {
		t.Errorf("failure - expected: %q, but got: %q", want, err.Error())
	}
}

func TestWithKindNil(t *testing.T) {
	if err := WithKind(ErrIO, nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
