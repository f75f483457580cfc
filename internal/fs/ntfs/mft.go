package ntfs

import (
	"bytes"
	"encoding/binary"

	"github.com/onuse/moses/internal/types"
)

// MFT records. Reserved records 0-15 are referenced by name.
const (
	RecordMFT     = 0
	RecordMFTMirr = 1
	RecordLogFile = 2
	RecordVolume  = 3
	RecordAttrDef = 4
	RecordRoot    = 5
	RecordBitmap  = 6
	RecordBoot    = 7

	recordSignature = "FILE"

	FlagInUse     = 0x0001
	FlagDirectory = 0x0002
)

// RecordHeader is the fixed head of an MFT record, before the update
// sequence array.
type RecordHeader struct {
	USAOffset   uint16
	USACount    uint16
	LSN         uint64
	SequenceNo  uint16
	LinkCount   uint16
	AttrsOffset uint16
	Flags       uint16
	BytesInUse  uint32
	BytesTotal  uint32
	BaseRecord  uint64
	RecordNo    uint32
}

// ParseRecordHeader validates the FILE signature and reads the header.
func ParseRecordHeader(b []byte) (*RecordHeader, error) {
	if len(b) < 48 || !bytes.Equal(b[0:4], []byte(recordSignature)) {
		return nil, types.E(types.KindCorruptMetadata, "mft_record")
	}
	return &RecordHeader{
		USAOffset:   binary.LittleEndian.Uint16(b[4:6]),
		USACount:    binary.LittleEndian.Uint16(b[6:8]),
		LSN:         binary.LittleEndian.Uint64(b[8:16]),
		SequenceNo:  binary.LittleEndian.Uint16(b[16:18]),
		LinkCount:   binary.LittleEndian.Uint16(b[18:20]),
		AttrsOffset: binary.LittleEndian.Uint16(b[20:22]),
		Flags:       binary.LittleEndian.Uint16(b[22:24]),
		BytesInUse:  binary.LittleEndian.Uint32(b[24:28]),
		BytesTotal:  binary.LittleEndian.Uint32(b[28:32]),
		BaseRecord:  binary.LittleEndian.Uint64(b[32:40]),
		RecordNo:    binary.LittleEndian.Uint32(b[44:48]),
	}, nil
}

// ApplyFixups verifies and undoes the update sequence array in place: the
// last two bytes of every sector must equal the USN and are replaced by the
// stored originals. A mismatch marks a torn write.
func ApplyFixups(record []byte, sectorSize int) error {
	hdr, err := ParseRecordHeader(record)
	if err != nil {
		return err
	}
	usaOff := int(hdr.USAOffset)
	count := int(hdr.USACount)
	if count < 1 || usaOff+count*2 > len(record) || (count-1)*sectorSize > len(record) {
		return types.E(types.KindCorruptMetadata, "mft_fixup")
	}
	usn := record[usaOff : usaOff+2]
	for i := 1; i < count; i++ {
		end := i * sectorSize
		if end > len(record) {
			return types.E(types.KindCorruptMetadata, "mft_fixup")
		}
		tail := record[end-2 : end]
		if !bytes.Equal(tail, usn) {
			return types.E(types.KindCorruptMetadata, "mft_fixup")
		}
		copy(tail, record[usaOff+i*2:usaOff+i*2+2])
	}
	return nil
}

// UnapplyFixups re-protects a record before it is written: sector tails are
// saved into the array and replaced with a bumped USN.
func UnapplyFixups(record []byte, sectorSize int) error {
	hdr, err := ParseRecordHeader(record)
	if err != nil {
		return err
	}
	usaOff := int(hdr.USAOffset)
	count := int(hdr.USACount)
	if count < 1 || usaOff+count*2 > len(record) {
		return types.E(types.KindCorruptMetadata, "mft_fixup")
	}
	usn := binary.LittleEndian.Uint16(record[usaOff:]) + 1
	if usn == 0 {
		usn = 1
	}
	binary.LittleEndian.PutUint16(record[usaOff:], usn)
	for i := 1; i < count; i++ {
		end := i * sectorSize
		if end > len(record) {
			return types.E(types.KindCorruptMetadata, "mft_fixup")
		}
		copy(record[usaOff+i*2:], record[end-2:end])
		binary.LittleEndian.PutUint16(record[end-2:], usn)
	}
	return nil
}
