package device

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/onuse/moses/internal/types"
)

func newTestImage(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create image: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate image: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close image: %v", err)
	}
	return path
}

func TestUnalignedWriteReadBack(t *testing.T) {
	path := newTestImage(t, 1<<20)
	a, err := OpenImage(path, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	// Straddle three sectors with an unaligned offset and length.
	payload := bytes.Repeat([]byte{0xAB}, 1000)
	if _, err := a.WriteAt(payload, 700); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := a.ReadRange(700, len(payload))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("unaligned round trip mismatch")
	}

	// Neighbouring bytes must be untouched.
	before, err := a.ReadRange(0, 700)
	if err != nil {
		t.Fatalf("read head: %v", err)
	}
	if !bytes.Equal(before, make([]byte, 700)) {
		t.Fatal("write disturbed bytes before the target range")
	}
}

func TestBoundsChecking(t *testing.T) {
	path := newTestImage(t, 4096)
	a, err := OpenImage(path, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	if _, err := a.ReadRange(4000, 200); err == nil {
		t.Fatal("read past device end must fail")
	} else if types.KindOf(err) != types.KindInvalidInput {
		t.Fatalf("kind = %v, want InvalidInput", types.KindOf(err))
	}
	if _, err := a.WriteAt([]byte{1}, 4096); err == nil {
		t.Fatal("write past device end must fail")
	}
}

func TestReadOnlyHandleRefusesWrites(t *testing.T) {
	path := newTestImage(t, 4096)
	a, err := OpenImage(path, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if _, err := a.WriteAt([]byte{1}, 0); err == nil {
		t.Fatal("read-only handle accepted a write")
	} else if types.KindOf(err) != types.KindAccessDenied {
		t.Fatalf("kind = %v, want AccessDenied", types.KindOf(err))
	}
}
