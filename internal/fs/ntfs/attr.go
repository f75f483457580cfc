package ntfs

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/onuse/moses/internal/types"
)

// Attribute types the reader consumes.
const (
	AttrStandardInfo = 0x10
	AttrFileName     = 0x30
	AttrVolumeName   = 0x60
	AttrData         = 0x80
	AttrIndexRoot    = 0x90
	AttrEnd          = 0xFFFFFFFF
)

// Attribute is one parsed attribute header plus its payload location.
type Attribute struct {
	Type        uint32
	NonResident bool
	Name        string

	// Resident payload.
	Value []byte

	// Non-resident shape.
	DataSize uint64
	Runs     []Run
}

// Run is one extent of a non-resident attribute. Sparse runs have
// Cluster == 0 with Sparse set.
type Run struct {
	Cluster uint64
	Count   uint64
	Sparse  bool
}

// ParseAttributes walks a fixed-up record's attribute list.
func ParseAttributes(record []byte, hdr *RecordHeader) ([]Attribute, error) {
	var out []Attribute
	off := int(hdr.AttrsOffset)
	for off+8 <= len(record) {
		atype := binary.LittleEndian.Uint32(record[off:])
		if atype == AttrEnd {
			return out, nil
		}
		alen := int(binary.LittleEndian.Uint32(record[off+4:]))
		if alen < 16 || off+alen > len(record) {
			return nil, types.E(types.KindCorruptMetadata, "ntfs_attr")
		}
		a := Attribute{Type: atype, NonResident: record[off+8] != 0}
		nameLen := int(record[off+9])
		nameOff := int(binary.LittleEndian.Uint16(record[off+10:]))
		if nameLen > 0 && off+nameOff+nameLen*2 <= len(record) {
			units := make([]uint16, nameLen)
			for i := range units {
				units[i] = binary.LittleEndian.Uint16(record[off+nameOff+i*2:])
			}
			a.Name = string(utf16.Decode(units))
		}
		if !a.NonResident {
			vlen := int(binary.LittleEndian.Uint32(record[off+16:]))
			voff := int(binary.LittleEndian.Uint16(record[off+20:]))
			if off+voff+vlen > len(record) {
				return nil, types.E(types.KindCorruptMetadata, "ntfs_attr")
			}
			a.Value = append([]byte(nil), record[off+voff:off+voff+vlen]...)
		} else {
			a.DataSize = binary.LittleEndian.Uint64(record[off+48:])
			runOff := int(binary.LittleEndian.Uint16(record[off+32:]))
			runs, err := DecodeRunlist(record[off+runOff : off+alen])
			if err != nil {
				return nil, err
			}
			a.Runs = runs
		}
		out = append(out, a)
		off += alen
	}
	return nil, types.E(types.KindCorruptMetadata, "ntfs_attr")
}

// DecodeRunlist decodes the packed run list: each run's header nibbles give
// the byte widths of the length and the signed cluster delta.
func DecodeRunlist(b []byte) ([]Run, error) {
	var runs []Run
	var cluster int64
	off := 0
	for off < len(b) {
		header := b[off]
		if header == 0 {
			return runs, nil
		}
		off++
		lenSize := int(header & 0x0F)
		offSize := int(header >> 4)
		if lenSize == 0 || lenSize > 8 || offSize > 8 || off+lenSize+offSize > len(b) {
			return nil, types.E(types.KindCorruptChain, "ntfs_runlist")
		}
		var count uint64
		for i := lenSize - 1; i >= 0; i-- {
			count = count<<8 | uint64(b[off+i])
		}
		off += lenSize
		if offSize == 0 {
			runs = append(runs, Run{Count: count, Sparse: true})
			continue
		}
		var delta int64
		for i := offSize - 1; i >= 0; i-- {
			delta = delta<<8 | int64(b[off+i])
		}
		// Sign-extend the delta.
		shift := uint(64 - offSize*8)
		delta = delta << shift >> shift
		off += offSize
		cluster += delta
		if cluster < 0 {
			return nil, types.E(types.KindCorruptChain, "ntfs_runlist")
		}
		runs = append(runs, Run{Cluster: uint64(cluster), Count: count})
	}
	return runs, nil
}

// FileName is the parsed $FILE_NAME attribute value.
type FileName struct {
	ParentRecord uint64
	RealSize     uint64
	Flags        uint32
	Name         string
	Namespace    uint8
}

// ParseFileName reads a resident $FILE_NAME value.
func ParseFileName(v []byte) (*FileName, error) {
	if len(v) < 66 {
		return nil, types.E(types.KindCorruptMetadata, "ntfs_filename")
	}
	nameLen := int(v[64])
	if 66+nameLen*2 > len(v) {
		return nil, types.E(types.KindCorruptMetadata, "ntfs_filename")
	}
	units := make([]uint16, nameLen)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(v[66+i*2:])
	}
	return &FileName{
		ParentRecord: binary.LittleEndian.Uint64(v[0:8]) & 0x0000FFFFFFFFFFFF,
		RealSize:     binary.LittleEndian.Uint64(v[48:56]),
		Flags:        binary.LittleEndian.Uint32(v[56:60]),
		Name:         string(utf16.Decode(units)),
		Namespace:    v[65],
	}, nil
}
