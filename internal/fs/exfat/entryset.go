package exfat

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/onuse/moses/internal/types"
)

// EntrySet is a primary file entry plus its secondaries, handled atomically:
// one stream extension and enough name entries for the name.
type EntrySet struct {
	File   FileEntry
	Stream StreamExtensionEntry
	Name   string
}

// NameEntryCount returns how many file-name entries a name needs.
func NameEntryCount(name string) int {
	units := len(utf16.Encode([]rune(name)))
	return (units + NamesPerEntry - 1) / NamesPerEntry
}

// SlotCount is the total number of 32-byte slots the set occupies.
func (s *EntrySet) SlotCount() int {
	return 2 + NameEntryCount(s.Name)
}

// Serialize lays out the whole set and stamps SecondaryCount, NameLength,
// NameHash and the set checksum.
func (s *EntrySet) Serialize() ([]byte, error) {
	units := utf16.Encode([]rune(s.Name))
	if len(units) == 0 || len(units) > MaxNameLength {
		return nil, types.E(types.KindInvalidInput, "exfat_entry_set", s.Name)
	}
	nameEntries := NameEntryCount(s.Name)
	s.File.EntryType = EntryTypeFile
	s.File.SecondaryCount = uint8(1 + nameEntries)
	s.Stream.EntryType = EntryTypeStreamExtension
	s.Stream.GeneralSecondaryFlags |= FlagAllocationPossible
	s.Stream.NameLength = uint8(len(units))
	s.Stream.NameHash = NameHash(s.Name)

	out := make([]byte, 0, (2+nameEntries)*DirEntrySize)
	fe, err := packEntry(&s.File)
	if err != nil {
		return nil, err
	}
	se, err := packEntry(&s.Stream)
	if err != nil {
		return nil, err
	}
	out = append(out, fe...)
	out = append(out, se...)
	for i := 0; i < nameEntries; i++ {
		ne := FileNameEntry{
			EntryType:             EntryTypeFileName,
			GeneralSecondaryFlags: 0,
		}
		for k := 0; k < NamesPerEntry; k++ {
			idx := i*NamesPerEntry + k
			if idx < len(units) {
				ne.FileName[k] = units[idx]
			}
		}
		raw, err := packEntry(&ne)
		if err != nil {
			return nil, err
		}
		out = append(out, raw...)
	}
	sum := EntrySetChecksum(out)
	binary.LittleEndian.PutUint16(out[2:4], sum)
	s.File.SetChecksum = sum
	return out, nil
}

// ParseEntrySet consumes a primary entry and exactly SecondaryCount
// trailing entries, verifying the set checksum.
func ParseEntrySet(raw []byte) (*EntrySet, error) {
	if len(raw) < DirEntrySize {
		return nil, types.E(types.KindCorruptMetadata, "exfat_entry_set")
	}
	var fe FileEntry
	if err := unpackEntry(raw, &fe); err != nil {
		return nil, err
	}
	if fe.EntryType != EntryTypeFile {
		return nil, types.E(types.KindCorruptMetadata, "exfat_entry_set")
	}
	total := (1 + int(fe.SecondaryCount)) * DirEntrySize
	if len(raw) < total {
		return nil, types.E(types.KindCorruptMetadata, "exfat_entry_set")
	}
	set := raw[:total]
	if EntrySetChecksum(set) != fe.SetChecksum {
		return nil, types.E(types.KindCorruptMetadata, "exfat_entry_set")
	}
	if fe.SecondaryCount < 1 {
		return nil, types.E(types.KindCorruptMetadata, "exfat_entry_set")
	}
	var se StreamExtensionEntry
	if err := unpackEntry(set[DirEntrySize:], &se); err != nil {
		return nil, err
	}
	if se.EntryType != EntryTypeStreamExtension {
		return nil, types.E(types.KindCorruptMetadata, "exfat_entry_set")
	}
	var units []uint16
	for i := 2; i <= int(fe.SecondaryCount); i++ {
		var ne FileNameEntry
		if err := unpackEntry(set[i*DirEntrySize:], &ne); err != nil {
			return nil, err
		}
		if ne.EntryType != EntryTypeFileName {
			return nil, types.E(types.KindCorruptMetadata, "exfat_entry_set")
		}
		units = append(units, ne.FileName[:]...)
	}
	if int(se.NameLength) > len(units) {
		return nil, types.E(types.KindCorruptMetadata, "exfat_entry_set")
	}
	name := string(utf16.Decode(units[:se.NameLength]))
	return &EntrySet{File: fe, Stream: se, Name: name}, nil
}
