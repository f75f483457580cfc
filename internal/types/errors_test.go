package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("short read")
	e := E(KindIo, "read_at", "/dev/sdb", cause)
	want := "read_at /dev/sdb: io: short read"
	if e.Error() != want {
		t.Fatalf("got %q, want %q", e.Error(), want)
	}
	if !errors.Is(e, cause) {
		t.Fatal("cause not reachable through Unwrap")
	}
}

func TestKindOf(t *testing.T) {
	e := E(KindOutOfSpace, "allocate")
	wrapped := fmt.Errorf("mkdir /a: %w", e)
	if KindOf(wrapped) != KindOutOfSpace {
		t.Fatalf("KindOf(wrapped) = %v", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != KindIo {
		t.Fatal("plain errors must default to KindIo")
	}
	if !IsKind(wrapped, KindOutOfSpace) {
		t.Fatal("IsKind missed wrapped kind")
	}
	if IsKind(wrapped, KindNotFound) {
		t.Fatal("IsKind matched wrong kind")
	}
}

func TestFilesystemKindRoundTrip(t *testing.T) {
	for _, k := range []FilesystemKind{
		FilesystemExt2, FilesystemExt3, FilesystemExt4,
		FilesystemFAT16, FilesystemFAT32, FilesystemExFAT, FilesystemNTFS,
	} {
		if got := ParseFilesystemKind(k.String()); got != k {
			t.Fatalf("round trip %v -> %q -> %v", k, k.String(), got)
		}
	}
	if ParseFilesystemKind("zfs") != FilesystemUnknown {
		t.Fatal("unknown names must map to FilesystemUnknown")
	}
}
