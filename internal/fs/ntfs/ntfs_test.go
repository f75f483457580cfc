package ntfs

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/onuse/moses/internal/types"
)

func TestBootSectorRoundTrip(t *testing.T) {
	bs := &BootSector{
		BytesPerSector:    512,
		SectorsPerCluster: 8,
		TotalSectors:      204800,
		MFTCluster:        4,
		MFTMirrorCluster:  12800,
		ClustersPerMFTRec: -10, // 1024-byte records
		SerialNumber:      0x1122334455667788,
	}
	raw := bs.Serialize()
	if len(raw) != BootSectorSize {
		t.Fatalf("size = %d", len(raw))
	}
	if string(raw[3:11]) != "NTFS    " {
		t.Fatalf("oem = %q", raw[3:11])
	}
	back, err := ParseBootSector(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if *back != *bs {
		t.Fatalf("round trip: %+v != %+v", back, bs)
	}
	if back.MFTRecordSize() != 1024 {
		t.Fatalf("record size = %d", back.MFTRecordSize())
	}
	if back.ClusterBytes() != 4096 {
		t.Fatalf("cluster bytes = %d", back.ClusterBytes())
	}
}

func TestBootSectorRejectsWrongOEM(t *testing.T) {
	raw := (&BootSector{BytesPerSector: 512, SectorsPerCluster: 8}).Serialize()
	copy(raw[3:11], "MSDOS5.0")
	if _, err := ParseBootSector(raw); !types.IsKind(err, types.KindCorruptMetadata) {
		t.Fatalf("err = %v", err)
	}
}

// buildRecord assembles a minimal MFT record with fix-ups already applied
// on disk (protected form).
func buildRecord(t *testing.T, recordNo uint32, sectorSize int) []byte {
	t.Helper()
	rec := make([]byte, 1024)
	copy(rec[0:4], "FILE")
	binary.LittleEndian.PutUint16(rec[4:6], 48)                        // USA offset
	binary.LittleEndian.PutUint16(rec[6:8], uint16(1024/sectorSize+1)) // USA count
	binary.LittleEndian.PutUint16(rec[20:22], 56)                      // attrs offset
	binary.LittleEndian.PutUint16(rec[22:24], FlagInUse)
	binary.LittleEndian.PutUint32(rec[24:28], 64)
	binary.LittleEndian.PutUint32(rec[28:32], 1024)
	binary.LittleEndian.PutUint32(rec[44:48], recordNo)
	binary.LittleEndian.PutUint32(rec[56:60], AttrEnd)
	if err := UnapplyFixups(rec, sectorSize); err != nil {
		t.Fatalf("unapply: %v", err)
	}
	return rec
}

func TestFixupRoundTrip(t *testing.T) {
	const sectorSize = 512
	rec := buildRecord(t, 7, sectorSize)
	// Protected form: both sector tails carry the USN.
	usn := binary.LittleEndian.Uint16(rec[48:50])
	for _, end := range []int{512, 1024} {
		if binary.LittleEndian.Uint16(rec[end-2:end]) != usn {
			t.Fatalf("sector tail at %d not protected", end)
		}
	}
	if err := ApplyFixups(rec, sectorSize); err != nil {
		t.Fatalf("apply: %v", err)
	}
	hdr, err := ParseRecordHeader(rec)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if hdr.RecordNo != 7 {
		t.Fatalf("record no = %d", hdr.RecordNo)
	}
}

func TestFixupDetectsTornWrite(t *testing.T) {
	const sectorSize = 512
	rec := buildRecord(t, 1, sectorSize)
	// Corrupt one protected sector tail: a torn write.
	rec[510] ^= 0xFF
	if err := ApplyFixups(rec, sectorSize); !types.IsKind(err, types.KindCorruptMetadata) {
		t.Fatalf("torn write err = %v", err)
	}
}

func TestDecodeRunlist(t *testing.T) {
	// Run 1: len=0x20 clusters at LCN 0x30; run 2: relative -0x10, len 0x10;
	// run 3: sparse hole of 8 clusters.
	raw := []byte{
		0x11, 0x20, 0x30,
		0x11, 0x10, 0xF0, // delta -0x10
		0x01, 0x08, // sparse
		0x00,
	}
	runs, err := DecodeRunlist(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].Cluster != 0x30 || runs[0].Count != 0x20 {
		t.Fatalf("run0 = %+v", runs[0])
	}
	if runs[1].Cluster != 0x20 || runs[1].Count != 0x10 {
		t.Fatalf("run1 = %+v", runs[1])
	}
	if !runs[2].Sparse || runs[2].Count != 8 {
		t.Fatalf("run2 = %+v", runs[2])
	}
}

func TestRunlistRejectsNegativeLCN(t *testing.T) {
	raw := []byte{0x11, 0x10, 0x80, 0x00} // delta -0x80 from 0
	if _, err := DecodeRunlist(raw); !types.IsKind(err, types.KindCorruptChain) {
		t.Fatalf("err = %v", err)
	}
}

func TestParseFileName(t *testing.T) {
	v := make([]byte, 66+2*4)
	binary.LittleEndian.PutUint64(v[0:8], 5|uint64(2)<<48) // parent ref with sequence bits
	binary.LittleEndian.PutUint64(v[48:56], 12345)
	v[64] = 4
	v[65] = 1 // Win32 namespace
	for i, r := range "data" {
		binary.LittleEndian.PutUint16(v[66+i*2:], uint16(r))
	}
	fn, err := ParseFileName(v)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if fn.ParentRecord != 5 {
		t.Fatalf("parent = %d (sequence bits must be masked)", fn.ParentRecord)
	}
	if fn.Name != "data" || fn.RealSize != 12345 {
		t.Fatalf("fn = %+v", fn)
	}
}

func TestParseAttributesResident(t *testing.T) {
	rec := make([]byte, 1024)
	copy(rec[0:4], "FILE")
	binary.LittleEndian.PutUint16(rec[4:6], 48)
	binary.LittleEndian.PutUint16(rec[6:8], 1)
	binary.LittleEndian.PutUint16(rec[20:22], 56)
	off := 56
	// One resident $DATA attribute holding "hi".
	binary.LittleEndian.PutUint32(rec[off:], AttrData)
	binary.LittleEndian.PutUint32(rec[off+4:], 32)
	rec[off+8] = 0 // resident
	binary.LittleEndian.PutUint32(rec[off+16:], 2)
	binary.LittleEndian.PutUint16(rec[off+20:], 24)
	copy(rec[off+24:], "hi")
	binary.LittleEndian.PutUint32(rec[off+32:], AttrEnd)
	hdr, err := ParseRecordHeader(rec)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	attrs, err := ParseAttributes(rec, hdr)
	if err != nil {
		t.Fatalf("attrs: %v", err)
	}
	if len(attrs) != 1 || attrs[0].Type != AttrData {
		t.Fatalf("attrs = %+v", attrs)
	}
	if !bytes.Equal(attrs[0].Value, []byte("hi")) {
		t.Fatalf("value = %q", attrs[0].Value)
	}
}
