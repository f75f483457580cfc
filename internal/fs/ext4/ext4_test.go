package ext4

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/onuse/moses/internal/device"
	"github.com/onuse/moses/internal/jbd2"
	"github.com/onuse/moses/internal/types"
)

func formatImage(t *testing.T, size int64, opts types.FormatOptions) (*device.AlignedFile, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ext4.img")
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
	opts.Kind = types.FilesystemExt4
	if err := Format(dev, opts, nil); err != nil {
		t.Fatalf("format: %v", err)
	}
	return dev, path
}

func TestMagicAtByte1024(t *testing.T) {
	dev, _ := formatImage(t, 64<<20, types.FormatOptions{Label: "MOSES", EnableJournal: true})
	defer dev.Close()
	raw := make([]byte, 2)
	if _, err := dev.ReadAt(raw, 1024+56); err != nil {
		t.Fatalf("read: %v", err)
	}
	if binary.LittleEndian.Uint16(raw) != 0xEF53 {
		t.Fatalf("magic = %#x", binary.LittleEndian.Uint16(raw))
	}
}

func TestSuperblockRoundTrip(t *testing.T) {
	dev, _ := formatImage(t, 64<<20, types.FormatOptions{Label: "RT", EnableJournal: true})
	defer dev.Close()
	raw := make([]byte, SuperblockSize)
	if _, err := dev.ReadAt(raw, SuperblockOffset); err != nil {
		t.Fatalf("read: %v", err)
	}
	sb, err := ParseSuperblock(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sb.BlockSize() != 1024 {
		t.Fatalf("block size = %d", sb.BlockSize())
	}
	if sb.InodeSize != 256 {
		t.Fatalf("inode size = %d", sb.InodeSize)
	}
	out := sb.Serialize()
	again, err := ParseSuperblock(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if *again != *sb {
		t.Fatalf("superblock round trip mismatch:\n%+v\n%+v", again, sb)
	}
}

func TestRecordSizesPinned(t *testing.T) {
	if SuperblockSize != 1024 || GroupDescSize != 64 || InodeSize != 256 {
		t.Fatal("on-disk record sizes drifted")
	}
	gd := &GroupDesc{
		BlockBitmap: 5, InodeBitmap: 6, InodeTable: 7,
		FreeBlocksCount: 100, FreeInodesCount: 200, UsedDirsCount: 3,
	}
	raw := gd.Serialize()
	if len(raw) != GroupDescSize {
		t.Fatalf("group desc size = %d", len(raw))
	}
	back, err := ParseGroupDesc(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if *back != *gd {
		t.Fatalf("group desc round trip: %+v != %+v", back, gd)
	}

	ino := newInode(ModeRegular | 0o644)
	ino.Size = 1<<32 + 77
	rawIno := ino.Serialize(InodeSize)
	if len(rawIno) != InodeSize {
		t.Fatalf("inode record size = %d", len(rawIno))
	}
	backIno, err := ParseInode(rawIno)
	if err != nil {
		t.Fatalf("parse inode: %v", err)
	}
	if backIno.Size != ino.Size || backIno.Mode != ino.Mode || backIno.Flags != ino.Flags {
		t.Fatalf("inode round trip: %+v != %+v", backIno, ino)
	}
}

func TestFreshVolumeInvariants(t *testing.T) {
	dev, _ := formatImage(t, 64<<20, types.FormatOptions{Label: "MOSES", EnableJournal: true})
	w, err := NewWriter(dev)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	defer w.Close()

	info, err := w.Info()
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Kind != types.FilesystemExt4 || info.Label != "MOSES" {
		t.Fatalf("info = %+v", info)
	}
	entries, err := w.ReadDir("/")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "lost+found" {
		t.Fatalf("root entries = %+v", entries)
	}
	// Invariant: superblock free counter equals the bitmap sum.
	if w.sb.FreeBlocksCount != w.balloc.FreeUnits() {
		t.Fatalf("sb free %d != bitmap free %d", w.sb.FreeBlocksCount, w.balloc.FreeUnits())
	}
	var bitmapFree uint64
	for _, g := range w.balloc.Groups() {
		bitmapFree += g.Bitmap.CountClear()
	}
	if bitmapFree != w.sb.FreeBlocksCount {
		t.Fatalf("counted clear bits %d != sb free %d", bitmapFree, w.sb.FreeBlocksCount)
	}
}

func TestCreateWriteReadReopen(t *testing.T) {
	dev, path := formatImage(t, 64<<20, types.FormatOptions{EnableJournal: true})
	w, err := NewWriter(dev)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	if err := w.Mkdir("/a"); err != nil {
		t.Fatalf("mkdir /a: %v", err)
	}
	if err := w.Mkdir("/a/b"); err != nil {
		t.Fatalf("mkdir /a/b: %v", err)
	}
	if err := w.CreateFile("/a/b/c.txt"); err != nil {
		t.Fatalf("create: %v", err)
	}
	payload := bytes.Repeat([]byte{0xAB}, 10000)
	if err := w.Write("/a/b/c.txt", 0, payload); err != nil {
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
	got, err := r.Read("/a/b/c.txt", 0, 10000)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("read back mismatch")
	}
	attr, err := r.Stat("/a/b/c.txt")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if attr.LinkCount != 1 || attr.Size != 10000 {
		t.Fatalf("attr = %+v", attr)
	}
}

func TestRenameDirectoryAcrossParents(t *testing.T) {
	dev, _ := formatImage(t, 64<<20, types.FormatOptions{EnableJournal: true})
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
	xAttrBefore, _ := w.Stat("/")
	yAttrBefore, _ := w.Stat("/y")
	if err := w.Rename("/x", "/y/z"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := w.Stat("/x"); !types.IsKind(err, types.KindNotFound) {
		t.Fatalf("/x still resolves: %v", err)
	}
	if _, err := w.Stat("/y/z"); err != nil {
		t.Fatalf("/y/z missing: %v", err)
	}
	// ".." of the moved directory names the new parent.
	zInum, err := w.resolve("/y/z", true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	zIno, _ := w.readInode(zInum)
	dotdot, err := w.lookup(zIno, "..")
	if err != nil {
		t.Fatalf("lookup ..: %v", err)
	}
	yInum, _ := w.resolve("/y", true)
	if dotdot != yInum {
		t.Fatalf("dot-dot inode %d, want %d", dotdot, yInum)
	}
	// Link counts shifted by one between the parents.
	rootAfter, _ := w.Stat("/")
	yAfter, _ := w.Stat("/y")
	if rootAfter.LinkCount != xAttrBefore.LinkCount-1 {
		t.Fatalf("old parent links %d, want %d", rootAfter.LinkCount, xAttrBefore.LinkCount-1)
	}
	if yAfter.LinkCount != yAttrBefore.LinkCount+1 {
		t.Fatalf("new parent links %d, want %d", yAfter.LinkCount, yAttrBefore.LinkCount+1)
	}
}

func TestLinkAndUnlinkCounts(t *testing.T) {
	dev, _ := formatImage(t, 64<<20, types.FormatOptions{EnableJournal: true})
	w, err := NewWriter(dev)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	defer w.Close()
	if err := w.CreateFile("/f"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.Write("/f", 0, bytes.Repeat([]byte{1}, 5000)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Link("/f", "/g"); err != nil {
		t.Fatalf("link: %v", err)
	}
	attr, _ := w.Stat("/f")
	if attr.LinkCount != 2 {
		t.Fatalf("link count = %d", attr.LinkCount)
	}
	freeBefore := w.sb.FreeBlocksCount
	if err := w.Unlink("/f"); err != nil {
		t.Fatalf("unlink /f: %v", err)
	}
	// Data still reachable through the second name.
	got, err := w.Read("/g", 0, 5000)
	if err != nil || len(got) != 5000 {
		t.Fatalf("read via link: %v (%d bytes)", err, len(got))
	}
	if w.sb.FreeBlocksCount != freeBefore {
		t.Fatal("blocks freed while a link remained")
	}
	if err := w.Unlink("/g"); err != nil {
		t.Fatalf("unlink /g: %v", err)
	}
	if w.sb.FreeBlocksCount <= freeBefore {
		t.Fatal("blocks not freed after last link dropped")
	}
}

func TestTruncateShrinkAndGrow(t *testing.T) {
	dev, _ := formatImage(t, 64<<20, types.FormatOptions{EnableJournal: true})
	w, err := NewWriter(dev)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	defer w.Close()
	if err := w.CreateFile("/t"); err != nil {
		t.Fatalf("create: %v", err)
	}
	payload := bytes.Repeat([]byte{0x33}, 8000)
	if err := w.Write("/t", 0, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Truncate("/t", 3000); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	got, _ := w.Read("/t", 0, 8000)
	if len(got) != 3000 || !bytes.Equal(got, payload[:3000]) {
		t.Fatalf("post-shrink read = %d bytes", len(got))
	}
	if err := w.Truncate("/t", 6000); err != nil {
		t.Fatalf("grow: %v", err)
	}
	got, _ = w.Read("/t", 0, 6000)
	if len(got) != 6000 {
		t.Fatalf("post-grow read = %d bytes", len(got))
	}
	if !bytes.Equal(got[:3000], payload[:3000]) {
		t.Fatal("prefix lost across grow")
	}
	for _, b := range got[3000:] {
		if b != 0 {
			t.Fatal("grown region not zero-filled")
		}
	}
}

func TestJournalReplayAfterCrash(t *testing.T) {
	dev, path := formatImage(t, 64<<20, types.FormatOptions{EnableJournal: true})
	w, err := NewWriter(dev)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	// Commit a metadata update to the journal without checkpointing, then
	// drop the handle: a crash between commit and checkpoint.
	g, err := w.txmgr.BeginGuarded()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	target := w.gds[0].BlockBitmap // any metadata block works for the image test
	after := bytes.Repeat([]byte{0xA5}, int(w.blockSize))
	if err := w.writeMetaBlock(jbd2.UpdateBitmap, target, after); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := g.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := dev.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	dev.Close() // no checkpoint

	// The block must not carry the after-image yet.
	dev2, err := device.OpenImage(path, true)
	if err != nil {
		t.Fatalf("reopen ro: %v", err)
	}
	raw := make([]byte, len(after))
	if _, err := dev2.ReadAt(raw, int64(target)*1024); err != nil {
		t.Fatalf("read: %v", err)
	}
	if bytes.Equal(raw, after) {
		t.Fatal("after-image hit final location before checkpoint")
	}
	dev2.Close()

	// Remount for writing: replay must restore the committed image.
	dev3, err := device.OpenImage(path, true)
	if err != nil {
		t.Fatalf("reopen rw: %v", err)
	}
	w2, err := NewWriter(dev3)
	if err != nil {
		t.Fatalf("writer after crash: %v", err)
	}
	defer w2.Close()
	raw, err = w2.readBlockRaw(target)
	if err != nil {
		t.Fatalf("read block: %v", err)
	}
	if !bytes.Equal(raw, after) {
		t.Fatal("replay did not restore the committed after-image")
	}
}

func TestDirHashProperties(t *testing.T) {
	h1, err := DirHash(HashHalfMD4, [4]uint32{}, "hello.txt")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := DirHash(HashHalfMD4, [4]uint32{}, "hello.txt")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatal("hash not deterministic")
	}
	if h1&1 != 0 {
		t.Fatal("low bit must be masked off")
	}
	h3, _ := DirHash(HashHalfMD4, [4]uint32{}, "other.txt")
	if h3 == h1 {
		t.Fatal("distinct names collided suspiciously")
	}
	ht, err := DirHash(HashTEA, [4]uint32{}, "hello.txt")
	if err != nil {
		t.Fatalf("tea hash: %v", err)
	}
	if ht == h1 {
		t.Fatal("tea and half-md4 agree suspiciously")
	}
	if _, err := DirHash(99, [4]uint32{}, "x"); !types.IsKind(err, types.KindUnsupported) {
		t.Fatalf("unknown hash version error = %v", err)
	}
}

func TestDxPick(t *testing.T) {
	entries := []dxEntry{{0, 1}, {100, 2}, {200, 3}}
	cases := map[uint32]uint32{0: 1, 50: 1, 100: 2, 150: 2, 250: 3}
	for hash, want := range cases {
		if got := dxPick(entries, hash); got != want {
			t.Fatalf("dxPick(%d) = %d, want %d", hash, got, want)
		}
	}
}

func TestSymlinkResolutionAndDepthBound(t *testing.T) {
	dev, _ := formatImage(t, 64<<20, types.FormatOptions{EnableJournal: true})
	w, err := NewWriter(dev)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	defer w.Close()
	if err := w.CreateFile("/real"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.Write("/real", 0, []byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Build symlinks through the internal API: one good, one cyclic.
	mkSymlink := func(name, target string) {
		err := w.withTx("symlink", func(tx *jbd2.Transaction) error {
			inum, err := w.allocInode(false, RootInode)
			if err != nil {
				return err
			}
			ino := newInode(ModeSymlink | 0o777)
			ino.Flags = 0 // inline target, no extent tree
			ino.Size = uint64(len(target))
			copy(ino.Block[:], target)
			w.writeInode(inum, ino)
			return w.dirInsert(RootInode, name, inum, FileTypeSymlink)
		})
		if err != nil {
			t.Fatalf("mksymlink %s: %v", name, err)
		}
	}
	mkSymlink("good", "/real")
	mkSymlink("loop", "/loop")

	got, err := w.Read("/good", 0, 7)
	if err != nil || string(got) != "payload" {
		t.Fatalf("read through symlink = %q, %v", got, err)
	}
	if _, err := w.Read("/loop", 0, 1); !types.IsKind(err, types.KindTooManyLinks) {
		t.Fatalf("cyclic symlink error = %v", err)
	}
}
