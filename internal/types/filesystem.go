package types

import "time"

// FilesystemKind tags the on-disk filesystem family at the public boundary.
type FilesystemKind int

const (
	FilesystemUnknown FilesystemKind = iota
	FilesystemExt2
	FilesystemExt3
	FilesystemExt4
	FilesystemFAT16
	FilesystemFAT32
	FilesystemExFAT
	FilesystemNTFS
)

var kindStrings = map[FilesystemKind]string{
	FilesystemUnknown: "unknown",
	FilesystemExt2:    "ext2",
	FilesystemExt3:    "ext3",
	FilesystemExt4:    "ext4",
	FilesystemFAT16:   "fat16",
	FilesystemFAT32:   "fat32",
	FilesystemExFAT:   "exfat",
	FilesystemNTFS:    "ntfs",
}

func (k FilesystemKind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return "unknown"
}

// ParseFilesystemKind maps a user-facing name onto a kind tag.
func ParseFilesystemKind(s string) FilesystemKind {
	for k, name := range kindStrings {
		if name == s {
			return k
		}
	}
	return FilesystemUnknown
}

// EntryKind classifies a directory entry.
type EntryKind int

const (
	EntryKindFile EntryKind = iota
	EntryKindDirectory
	EntryKindSymlink
	EntryKindOther
)

func (k EntryKind) String() string {
	switch k {
	case EntryKindFile:
		return "file"
	case EntryKindDirectory:
		return "dir"
	case EntryKindSymlink:
		return "symlink"
	default:
		return "other"
	}
}

// DirEntry is one name in a directory listing.
type DirEntry struct {
	Name string
	Kind EntryKind
	// Size is populated when the family records it in the entry itself
	// or the reader resolved the target record.
	Size uint64
}

// FileAttr carries the stat attributes shared across families.
type FileAttr struct {
	Size      uint64
	Mode      uint32
	Kind      EntryKind
	LinkCount uint32
	Accessed  time.Time
	Modified  time.Time
	Changed   time.Time
}

// FilesystemInfo is the identity block a reader reports.
type FilesystemInfo struct {
	Kind        FilesystemKind
	Label       string
	UUID        [16]byte
	BlockSize   uint32
	TotalBlocks uint64
	FreeBlocks  uint64
}

// StatFS aggregates space and namespace counters.
type StatFS struct {
	BlockSize     uint32
	TotalBlocks   uint64
	FreeBlocks    uint64
	TotalInodes   uint64
	FreeInodes    uint64
	MaxNameLength uint32
}
