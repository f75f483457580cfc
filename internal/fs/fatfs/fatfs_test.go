package fatfs

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/onuse/moses/internal/device"
	"github.com/onuse/moses/internal/types"
)

func newImage(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fat.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()
	return path
}

func formatImage(t *testing.T, size int64, opts types.FormatOptions) *device.AlignedFile {
	t.Helper()
	path := newImage(t, size)
	dev, err := device.OpenImage(path, true)
	if err != nil {
		t.Fatalf("open image: %v", err)
	}
	if err := Format(dev, opts, nil); err != nil {
		t.Fatalf("format: %v", err)
	}
	return dev
}

func TestFormatFAT16AndReadBack(t *testing.T) {
	dev := formatImage(t, 64<<20, types.FormatOptions{
		Kind:        types.FilesystemFAT16,
		Label:       "MOSES",
		QuickFormat: true,
	})
	f, err := NewReader(dev)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer f.Close()

	info, err := f.Info()
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Kind != types.FilesystemFAT16 {
		t.Fatalf("kind = %v", info.Kind)
	}
	if info.Label != "MOSES" {
		t.Fatalf("label = %q, want MOSES", info.Label)
	}
	entries, err := f.ReadDir("/")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("fresh root has %d entries", len(entries))
	}
	sfs, err := f.StatFS()
	if err != nil {
		t.Fatalf("statfs: %v", err)
	}
	if sfs.TotalBlocks < 4085 || sfs.TotalBlocks > 65524 {
		t.Fatalf("cluster count %d outside FAT16 band", sfs.TotalBlocks)
	}
}

func TestVerifyFreshVolume(t *testing.T) {
	dev := formatImage(t, 64<<20, types.FormatOptions{
		Kind: types.FilesystemFAT16, Label: "CHECK", QuickFormat: true,
	})
	defer dev.Close()
	rep, err := VerifyVolume(dev, types.FilesystemFAT16)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(rep.Checks) < 4 {
		t.Fatalf("checks = %v", rep.Checks)
	}
}

func TestCreateWriteReadLongName(t *testing.T) {
	dev := formatImage(t, 64<<20, types.FormatOptions{
		Kind: types.FilesystemFAT16, QuickFormat: true,
	})
	w, err := NewWriter(dev)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	if err := w.Mkdir("/documents"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	const name = "/documents/a rather long file name.txt"
	if err := w.CreateFile(name); err != nil {
		t.Fatalf("create: %v", err)
	}
	payload := bytes.Repeat([]byte{0xAB}, 10000)
	if err := w.Write(name, 0, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := w.Read(name, 0, uint32(len(payload)))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("long-name file read back mismatch")
	}
	entries, err := w.ReadDir("/documents")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "a rather long file name.txt" {
		t.Fatalf("entries = %+v", entries)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestReopenRoundTrip(t *testing.T) {
	path := newImage(t, 64<<20)
	dev, err := device.OpenImage(path, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := Format(dev, types.FormatOptions{Kind: types.FilesystemFAT16, QuickFormat: true}, nil); err != nil {
		t.Fatalf("format: %v", err)
	}
	w, err := NewWriter(dev)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	payload := bytes.Repeat([]byte{0x5C}, 4096+123)
	if err := w.CreateFile("/data.bin"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.Write("/data.bin", 0, payload); err != nil {
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
	got, err := r.Read("/data.bin", 0, uint32(len(payload)))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("read back mismatch after reopen")
	}
	attr, err := r.Stat("/data.bin")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if attr.Size != uint64(len(payload)) || attr.LinkCount != 1 {
		t.Fatalf("attr = %+v", attr)
	}
}

func TestTruncateFreesClusters(t *testing.T) {
	dev := formatImage(t, 64<<20, types.FormatOptions{
		Kind: types.FilesystemFAT16, QuickFormat: true,
	})
	w, err := NewWriter(dev)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	defer w.Close()

	sfs0, _ := w.StatFS()
	const big = 4 << 20
	const small = 1 << 20
	payload := bytes.Repeat([]byte{0x42}, big)
	if err := w.CreateFile("/blob"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.Write("/blob", 0, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Truncate("/blob", small); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	got, err := w.Read("/blob", 0, small)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload[:small]) {
		t.Fatal("prefix changed across truncate")
	}
	// Chain length matches the new size exactly.
	fe, _, err := w.resolveEntry("/blob")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	chain, err := w.fat.GetChain(fe.entry.FirstCluster())
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	cb := uint64(w.bpb.ClusterBytes())
	wantClusters := (small + cb - 1) / cb
	if uint64(len(chain)) != wantClusters {
		t.Fatalf("chain length %d, want %d", len(chain), wantClusters)
	}
	// Freed clusters returned to the pool.
	sfs1, _ := w.StatFS()
	wantFree := sfs0.FreeBlocks - wantClusters
	if sfs1.FreeBlocks != wantFree {
		t.Fatalf("free clusters %d, want %d", sfs1.FreeBlocks, wantFree)
	}
}

func TestUnlinkRestoresFreeCount(t *testing.T) {
	dev := formatImage(t, 64<<20, types.FormatOptions{
		Kind: types.FilesystemFAT16, QuickFormat: true,
	})
	w, err := NewWriter(dev)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	defer w.Close()
	sfs0, _ := w.StatFS()
	if err := w.CreateFile("/f"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.Write("/f", 0, bytes.Repeat([]byte{1}, 100000)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Unlink("/f"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if _, err := w.Stat("/f"); !types.IsKind(err, types.KindNotFound) {
		t.Fatalf("stat after unlink = %v", err)
	}
	sfs1, _ := w.StatFS()
	if sfs1.FreeBlocks != sfs0.FreeBlocks {
		t.Fatalf("free count %d != %d after unlink", sfs1.FreeBlocks, sfs0.FreeBlocks)
	}
}

func TestRenameDirectoryAcrossParents(t *testing.T) {
	dev := formatImage(t, 64<<20, types.FormatOptions{
		Kind: types.FilesystemFAT16, QuickFormat: true,
	})
	w, err := NewWriter(dev)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	defer w.Close()
	if err := w.Mkdir("/x"); err != nil {
		t.Fatalf("mkdir /x: %v", err)
	}
	if err := w.Mkdir("/y"); err != nil {
		t.Fatalf("mkdir /y: %v", err)
	}
	if err := w.CreateFile("/x/inner.txt"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.Rename("/x", "/y/z"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := w.Stat("/x"); !types.IsKind(err, types.KindNotFound) {
		t.Fatalf("/x still resolves: %v", err)
	}
	if _, err := w.Stat("/y/z/inner.txt"); err != nil {
		t.Fatalf("moved content lost: %v", err)
	}
	// Dot-dot of the moved directory names the new parent.
	fe, _, err := w.resolveEntry("/y/z")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	var dotdotCluster uint32
	werr := w.walkDir(dirRef{cluster: fe.entry.FirstCluster()}, func(de foundEntry) (bool, error) {
		if de.name == ".." {
			dotdotCluster = de.entry.FirstCluster()
			return true, nil
		}
		return false, nil
	})
	if werr != nil {
		t.Fatalf("walk: %v", werr)
	}
	yfe, _, err := w.resolveEntry("/y")
	if err != nil {
		t.Fatalf("resolve /y: %v", err)
	}
	if dotdotCluster != yfe.entry.FirstCluster() {
		t.Fatalf("dot-dot cluster %d, want %d", dotdotCluster, yfe.entry.FirstCluster())
	}
}

func TestRmdirSemantics(t *testing.T) {
	dev := formatImage(t, 64<<20, types.FormatOptions{
		Kind: types.FilesystemFAT16, QuickFormat: true,
	})
	w, err := NewWriter(dev)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	defer w.Close()
	if err := w.Mkdir("/d"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := w.CreateFile("/d/f"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.Rmdir("/d"); !types.IsKind(err, types.KindDirectoryNotEmpty) {
		t.Fatalf("rmdir non-empty = %v", err)
	}
	if err := w.Unlink("/d/f"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if err := w.Rmdir("/d"); err != nil {
		t.Fatalf("rmdir: %v", err)
	}
	if _, err := w.Stat("/d"); !types.IsKind(err, types.KindNotFound) {
		t.Fatalf("stat after rmdir = %v", err)
	}
}

func TestFormatFAT32DefiningFields(t *testing.T) {
	dev := formatImage(t, 300<<20, types.FormatOptions{
		Kind: types.FilesystemFAT32, QuickFormat: true,
	})
	defer dev.Close()
	sector := make([]byte, 512)
	if _, err := dev.ReadAt(sector, 0); err != nil {
		t.Fatalf("read boot: %v", err)
	}
	bpb, err := ParseBPB(sector)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if bpb.RootEntryCount != 0 || bpb.TotalSectors16 != 0 || bpb.FATSize16 != 0 {
		t.Fatal("FAT32 defining fields must be zero")
	}
	if bpb.Variant() != types.FilesystemFAT32 {
		t.Fatalf("variant = %v", bpb.Variant())
	}
	if _, err := VerifyVolume(dev, types.FilesystemFAT32); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestBPBRoundTrip(t *testing.T) {
	dev := formatImage(t, 64<<20, types.FormatOptions{
		Kind: types.FilesystemFAT16, Label: "RT", QuickFormat: true,
	})
	defer dev.Close()
	raw := make([]byte, 512)
	if _, err := dev.ReadAt(raw, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	bpb, err := ParseBPB(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out := bpb.Serialize()
	if !bytes.Equal(raw, out) {
		for i := range raw {
			if raw[i] != out[i] {
				t.Fatalf("boot sector byte %d differs: %#x != %#x", i, raw[i], out[i])
			}
		}
	}
}
