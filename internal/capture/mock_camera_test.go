package capture

import (
	"errors"
	"testing"
)

func TestMockSource_Playback(t *testing.T) {
	src := NewMockSource([][]byte{[]byte("one"), []byte("two")}, false)

	if _, err := src.ReadFrame(); !errors.Is(err, ErrSourceNotOpen) {
		t.Errorf("ReadFrame() before Open error = %v", err)
	}

	if err := src.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer src.Close()

	for _, want := range []string{"one", "two"} {
		got, err := src.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame() error = %v", err)
		}
		if string(got) != want {
			t.Errorf("ReadFrame() = %q, want %q", got, want)
		}
	}

	if _, err := src.ReadFrame(); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("third ReadFrame() error = %v, want ErrEndOfStream", err)
	}
}

func TestMockSource_LoopAndFailures(t *testing.T) {
	src := NewMockSource([][]byte{[]byte("only")}, true)
	src.Open()
	defer src.Close()

	src.FailNext(ErrTransient)
	if _, err := src.ReadFrame(); !errors.Is(err, ErrTransient) {
		t.Fatalf("ReadFrame() error = %v, want injected ErrTransient", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := src.ReadFrame(); err != nil {
			t.Fatalf("ReadFrame() iteration %d error = %v", i, err)
		}
	}
	if src.Reads() != 6 {
		t.Errorf("Reads() = %d, want 6", src.Reads())
	}
}
