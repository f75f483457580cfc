package bridge

import (
	"sync"
	"testing"

	"github.com/onuse/moses/internal/types"
)

// fakeReader counts calls so concurrency behavior can be checked.
type fakeReader struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeReader) bump() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeReader) Info() (types.FilesystemInfo, error) {
	f.bump()
	return types.FilesystemInfo{}, nil
}

func (f *fakeReader) Stat(string) (types.FileAttr, error) {
	f.bump()
	return types.FileAttr{Kind: types.EntryKindFile, Size: 9}, nil
}

func (f *fakeReader) ReadDir(string) ([]types.DirEntry, error) {
	f.bump()
	return []types.DirEntry{{Name: "x"}}, nil
}

func (f *fakeReader) Read(string, uint64, uint32) ([]byte, error) {
	f.bump()
	return []byte("data"), nil
}

func (f *fakeReader) StatFS() (types.StatFS, error) {
	f.bump()
	return types.StatFS{BlockSize: 4096}, nil
}

func (f *fakeReader) Close() error { return nil }

func TestReadOnlyHostRejectsMutation(t *testing.T) {
	h := NewHost(&fakeReader{})
	if err := h.MkDir("/d"); !types.IsKind(err, types.KindAccessDenied) {
		t.Fatalf("mkdir on read-only host = %v", err)
	}
	if err := h.WriteFile("/f", 0, []byte("x")); !types.IsKind(err, types.KindAccessDenied) {
		t.Fatalf("write on read-only host = %v", err)
	}
}

func TestHostServesConcurrentReads(t *testing.T) {
	r := &fakeReader{}
	h := NewHost(r)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.ReadFile("/f", 0, 4); err != nil {
				t.Errorf("read: %v", err)
			}
			if _, err := h.ReadDir("/"); err != nil {
				t.Errorf("readdir: %v", err)
			}
		}()
	}
	wg.Wait()
	if r.calls != 64 {
		t.Fatalf("calls = %d, want 64", r.calls)
	}
}

func TestReleaseOnReadOnlyHostIsNoop(t *testing.T) {
	h := NewHost(&fakeReader{})
	if err := h.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}
