package exfat

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/onuse/moses/internal/device"
	"github.com/onuse/moses/internal/types"
)

func formatImage(t *testing.T, size int64, opts types.FormatOptions) (*device.AlignedFile, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "exfat.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()
	dev, err := device.OpenImage(path, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	opts.Kind = types.FilesystemExFAT
	if err := Format(dev, opts, nil); err != nil {
		t.Fatalf("format: %v", err)
	}
	return dev, path
}

func TestBootSectorRoundTrip(t *testing.T) {
	dev, _ := formatImage(t, 64<<20, types.FormatOptions{Label: "MOSES"})
	defer dev.Close()
	raw := make([]byte, BootSectorSize)
	if _, err := dev.ReadAt(raw, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	bs, err := ParseBootSector(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(bs.FileSystemName[:]) != "EXFAT   " {
		t.Fatalf("fs name = %q", bs.FileSystemName)
	}
	out, err := bs.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if len(out) != BootSectorSize {
		t.Fatalf("serialized size = %d", len(out))
	}
	if !bytes.Equal(raw, out) {
		t.Fatal("boot sector round trip mismatch")
	}
}

func TestBootChecksumExclusions(t *testing.T) {
	dev, _ := formatImage(t, 64<<20, types.FormatOptions{})
	defer dev.Close()
	region := make([]byte, 12*512)
	if _, err := dev.ReadAt(region, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	stored := make([]byte, 4)
	if _, err := dev.ReadAt(stored, 11*512); err != nil {
		t.Fatalf("read checksum: %v", err)
	}
	sum := BootChecksum(region[:11*512])
	got := uint32(stored[0]) | uint32(stored[1])<<8 | uint32(stored[2])<<16 | uint32(stored[3])<<24
	if sum != got {
		t.Fatalf("boot checksum %#x != stored %#x", sum, got)
	}
	// Mutating PercentInUse (offset 112) must not change the checksum.
	region[112] = 77
	if BootChecksum(region[:11*512]) != sum {
		t.Fatal("checksum moved with PercentInUse")
	}
	region[106] = 0xFF
	if BootChecksum(region[:11*512]) != sum {
		t.Fatal("checksum moved with VolumeFlags")
	}
}

func TestEntrySetRoundTrip(t *testing.T) {
	set := newEntrySet("Quarterly Report FY26.xlsx", AttrArchive)
	set.Stream.FirstCluster = 9
	set.Stream.DataLength = 12345
	set.Stream.ValidDataLength = 12345
	raw, err := set.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if len(raw)%DirEntrySize != 0 {
		t.Fatalf("raw size %d not slot aligned", len(raw))
	}
	back, err := ParseEntrySet(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if back.Name != set.Name {
		t.Fatalf("name %q != %q", back.Name, set.Name)
	}
	if back.Stream.FirstCluster != 9 || back.Stream.DataLength != 12345 {
		t.Fatalf("stream = %+v", back.Stream)
	}
}

func TestEntrySetChecksumDetectsCorruption(t *testing.T) {
	set := newEntrySet("file.bin", AttrArchive)
	raw, err := set.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	raw[40] ^= 0xFF
	if _, err := ParseEntrySet(raw); !types.IsKind(err, types.KindCorruptMetadata) {
		t.Fatalf("corrupted set parse = %v", err)
	}
}

func TestFormatAndRootMetadata(t *testing.T) {
	dev, _ := formatImage(t, 128<<20, types.FormatOptions{Label: "MOSES"})
	r, err := NewReader(dev)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()
	info, err := r.Info()
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Kind != types.FilesystemExFAT || info.Label != "MOSES" {
		t.Fatalf("info = %+v", info)
	}
	entries, err := r.ReadDir("/")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("fresh root entries = %+v", entries)
	}
}

func TestWriteTruncateReadback(t *testing.T) {
	dev, _ := formatImage(t, 128<<20, types.FormatOptions{})
	w, err := NewWriter(dev)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	defer w.Close()

	const big = 4 << 20
	const small = 1 << 20
	payload := make([]byte, big)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	if err := w.CreateFile("/data.bin"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.Write("/data.bin", 0, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	freeBefore := w.heap.CountClear()
	if err := w.Truncate("/data.bin", small); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	got, err := w.Read("/data.bin", 0, small)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload[:small]) {
		t.Fatal("prefix mismatch after truncate")
	}
	fe, _, err := w.resolveEntry("/data.bin")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	chain, err := w.chainFor(w.locOf(fe.set))
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	cb := uint64(w.bs.ClusterSize())
	want := (uint64(small) + cb - 1) / cb
	if uint64(len(chain)) != want {
		t.Fatalf("chain length %d, want %d", len(chain), want)
	}
	// Freed clusters reappeared in the allocation bitmap.
	freedClusters := (uint64(big) - uint64(small)) / cb
	if w.heap.CountClear() != freeBefore+freedClusters {
		t.Fatalf("free clusters %d, want %d", w.heap.CountClear(), freeBefore+freedClusters)
	}
}

func TestReopenAfterWrites(t *testing.T) {
	dev, path := formatImage(t, 128<<20, types.FormatOptions{Label: "RT"})
	w, err := NewWriter(dev)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	if err := w.Mkdir("/docs"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := w.CreateFile("/docs/notes with a long name.txt"); err != nil {
		t.Fatalf("create: %v", err)
	}
	body := bytes.Repeat([]byte{0xC3}, 70000)
	if err := w.Write("/docs/notes with a long name.txt", 0, body); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	dev2, err := device.OpenImage(path, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	r, err := NewReader(dev2)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	defer r.Close()
	got, err := r.Read("/docs/notes with a long name.txt", 0, 70000)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatal("read back mismatch after reopen")
	}
	if err := func() error {
		_, err := r.Stat("/docs/NOTES WITH A LONG NAME.TXT")
		return err
	}(); err != nil {
		t.Fatalf("case-insensitive lookup failed: %v", err)
	}
}

func TestRenameAndRmdir(t *testing.T) {
	dev, _ := formatImage(t, 128<<20, types.FormatOptions{})
	w, err := NewWriter(dev)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	defer w.Close()
	if err := w.Mkdir("/a"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := w.Mkdir("/b"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := w.CreateFile("/a/f"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.Rename("/a/f", "/b/g"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := w.Stat("/a/f"); !types.IsKind(err, types.KindNotFound) {
		t.Fatalf("old path resolves: %v", err)
	}
	if _, err := w.Stat("/b/g"); err != nil {
		t.Fatalf("new path missing: %v", err)
	}
	if err := w.Rmdir("/b"); !types.IsKind(err, types.KindDirectoryNotEmpty) {
		t.Fatalf("rmdir non-empty = %v", err)
	}
	if err := w.Unlink("/b/g"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if err := w.Rmdir("/b"); err != nil {
		t.Fatalf("rmdir: %v", err)
	}
}

func TestUpcaseTableChecksum(t *testing.T) {
	table := GenerateUpcaseTable()
	if len(table) != 131072 {
		t.Fatalf("table size = %d", len(table))
	}
	// 'a' maps to 'A'.
	if table['a'*2] != 'A' || table['a'*2+1] != 0 {
		t.Fatal("lowercase fold broken")
	}
	if UpcaseChecksum(table) == 0 {
		t.Fatal("upcase checksum degenerate")
	}
}
