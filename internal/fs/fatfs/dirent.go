package fatfs

import (
	"encoding/binary"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/onuse/moses/internal/types"
)

// Directory entries are 32-byte slots. A slot beginning with 0x00 ends the
// scan; 0xE5 marks a deleted slot. Long names precede their short entry as
// a reversed chain of LFN slots.
const (
	DirEntrySize = 32

	slotEnd     = 0x00
	slotDeleted = 0xE5

	lfnLastFlag      = 0x40
	lfnCharsPerEntry = 13

	// MaxLongName is the specification limit for a long file name.
	MaxLongName = 255
)

// RawEntry is one parsed 8.3 slot.
type RawEntry struct {
	Name         [11]byte
	Attr         uint8
	NTRes        uint8
	CrtTimeTenth uint8
	CrtTime      uint16
	CrtDate      uint16
	AccDate      uint16
	ClusterHi    uint16
	WrtTime      uint16
	WrtDate      uint16
	ClusterLo    uint16
	Size         uint32
}

// ParseRawEntry reads one 32-byte slot.
func ParseRawEntry(b []byte) RawEntry {
	var e RawEntry
	copy(e.Name[:], b[0:11])
	e.Attr = b[11]
	e.NTRes = b[12]
	e.CrtTimeTenth = b[13]
	e.CrtTime = binary.LittleEndian.Uint16(b[14:16])
	e.CrtDate = binary.LittleEndian.Uint16(b[16:18])
	e.AccDate = binary.LittleEndian.Uint16(b[18:20])
	e.ClusterHi = binary.LittleEndian.Uint16(b[20:22])
	e.WrtTime = binary.LittleEndian.Uint16(b[22:24])
	e.WrtDate = binary.LittleEndian.Uint16(b[24:26])
	e.ClusterLo = binary.LittleEndian.Uint16(b[26:28])
	e.Size = binary.LittleEndian.Uint32(b[28:32])
	return e
}

// Put serializes the slot.
func (e RawEntry) Put(b []byte) {
	copy(b[0:11], e.Name[:])
	b[11] = e.Attr
	b[12] = e.NTRes
	b[13] = e.CrtTimeTenth
	binary.LittleEndian.PutUint16(b[14:16], e.CrtTime)
	binary.LittleEndian.PutUint16(b[16:18], e.CrtDate)
	binary.LittleEndian.PutUint16(b[18:20], e.AccDate)
	binary.LittleEndian.PutUint16(b[20:22], e.ClusterHi)
	binary.LittleEndian.PutUint16(b[22:24], e.WrtTime)
	binary.LittleEndian.PutUint16(b[24:26], e.WrtDate)
	binary.LittleEndian.PutUint16(b[26:28], e.ClusterLo)
	binary.LittleEndian.PutUint32(b[28:32], e.Size)
}

// FirstCluster combines the split cluster fields.
func (e RawEntry) FirstCluster() uint32 {
	return uint32(e.ClusterHi)<<16 | uint32(e.ClusterLo)
}

// SetFirstCluster splits a cluster number into the two fields.
func (e *RawEntry) SetFirstCluster(c uint32) {
	e.ClusterHi = uint16(c >> 16)
	e.ClusterLo = uint16(c)
}

// IsDirectory reports the directory attribute.
func (e RawEntry) IsDirectory() bool { return e.Attr&AttrDirectory != 0 }

// IsVolumeLabel reports a volume-ID slot that is not an LFN slot.
func (e RawEntry) IsVolumeLabel() bool {
	return e.Attr&AttrVolumeID != 0 && e.Attr&AttrLongName != AttrLongName
}

// ShortName renders the 8.3 name in display form.
func (e RawEntry) ShortName() string {
	base := strings.TrimRight(string(e.Name[0:8]), " ")
	ext := strings.TrimRight(string(e.Name[8:11]), " ")
	if base != "" && base[0] == 0x05 {
		// 0x05 stands in for a leading 0xE5 in a live name.
		base = string(byte(0xE5)) + base[1:]
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// LfnChecksum is the rotate-and-add checksum of the 11-byte short name
// carried by every LFN slot of the set.
func LfnChecksum(short [11]byte) uint8 {
	var sum uint8
	for _, c := range short {
		sum = (sum&1)<<7 + sum>>1 + c
	}
	return sum
}

// dosTime converts a timestamp to DOS date+time words.
func dosTime(t time.Time) (date, tim uint16) {
	if t.Year() < 1980 {
		t = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	date = uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	tim = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	return
}

// fromDosTime reverses dosTime.
func fromDosTime(date, tim uint16) time.Time {
	if date == 0 {
		return time.Time{}
	}
	return time.Date(
		1980+int(date>>9), time.Month(date>>5&0xF), int(date&0x1F),
		int(tim>>11), int(tim>>5&0x3F), int(tim&0x1F)*2, 0, time.UTC)
}

// BuildLfnSlots produces the reversed long-name chain for name, ready to be
// written immediately before the short entry.
func BuildLfnSlots(name string, shortName [11]byte) [][DirEntrySize]byte {
	units := utf16.Encode([]rune(name))
	// Terminate with 0x0000 and pad with 0xFFFF to a slot boundary.
	padded := append(units, 0)
	for len(padded)%lfnCharsPerEntry != 0 {
		padded = append(padded, 0xFFFF)
	}
	count := len(padded) / lfnCharsPerEntry
	sum := LfnChecksum(shortName)
	slots := make([][DirEntrySize]byte, count)
	for i := 0; i < count; i++ {
		// Slot i on disk describes chunk (count-1-i): the chain is stored
		// last-chunk first.
		chunk := count - 1 - i
		var s [DirEntrySize]byte
		ord := uint8(chunk + 1)
		if chunk == count-1 {
			ord |= lfnLastFlag
		}
		s[0] = ord
		s[11] = AttrLongName
		s[12] = 0
		s[13] = sum
		part := padded[chunk*lfnCharsPerEntry : (chunk+1)*lfnCharsPerEntry]
		for k := 0; k < 5; k++ {
			binary.LittleEndian.PutUint16(s[1+2*k:], part[k])
		}
		for k := 0; k < 6; k++ {
			binary.LittleEndian.PutUint16(s[14+2*k:], part[5+k])
		}
		for k := 0; k < 2; k++ {
			binary.LittleEndian.PutUint16(s[28+2*k:], part[11+k])
		}
		slots[i] = s
	}
	return slots
}

// lfnAccumulator rebuilds a long name from the reversed slot chain.
type lfnAccumulator struct {
	parts map[int][]uint16
	sum   uint8
	valid bool
}

func (a *lfnAccumulator) reset() {
	a.parts = nil
	a.valid = false
}

// add consumes one LFN slot.
func (a *lfnAccumulator) add(b []byte) {
	ord := int(b[0] &^ lfnLastFlag)
	if ord == 0 || b[0] == slotDeleted {
		a.reset()
		return
	}
	if b[0]&lfnLastFlag != 0 || a.parts == nil {
		a.parts = make(map[int][]uint16)
		a.sum = b[13]
		a.valid = true
	}
	if b[13] != a.sum {
		a.reset()
		return
	}
	var units []uint16
	for k := 0; k < 5; k++ {
		units = append(units, binary.LittleEndian.Uint16(b[1+2*k:]))
	}
	for k := 0; k < 6; k++ {
		units = append(units, binary.LittleEndian.Uint16(b[14+2*k:]))
	}
	for k := 0; k < 2; k++ {
		units = append(units, binary.LittleEndian.Uint16(b[28+2*k:]))
	}
	a.parts[ord] = units
}

// take closes the set against the short entry and returns the long name,
// or "" when the chain is absent or fails its checksum.
func (a *lfnAccumulator) take(short [11]byte) string {
	defer a.reset()
	if !a.valid || len(a.parts) == 0 {
		return ""
	}
	if LfnChecksum(short) != a.sum {
		return ""
	}
	var units []uint16
	for ord := 1; ; ord++ {
		part, ok := a.parts[ord]
		if !ok {
			break
		}
		units = append(units, part...)
	}
	for i, u := range units {
		if u == 0 {
			units = units[:i]
			break
		}
	}
	return string(utf16.Decode(units))
}

// NeedsLongName reports whether name cannot be stored as a plain 8.3 entry.
func NeedsLongName(name string) bool {
	upper := strings.ToUpper(name)
	if upper != name {
		return true
	}
	dot := strings.LastIndexByte(name, '.')
	base, ext := name, ""
	if dot > 0 {
		base, ext = name[:dot], name[dot+1:]
	}
	if len(base) > 8 || len(ext) > 3 || strings.Contains(base, ".") {
		return true
	}
	for _, r := range name {
		if r <= 0x20 || r > 0x7E || strings.ContainsRune(`"*+,/:;<=>?[\]|`, r) {
			return true
		}
	}
	return false
}

// ShortNameFor derives the 11-byte short name, numbering aliases of long
// names against the taken set (upper-cased 11-byte keys).
func ShortNameFor(name string, taken map[[11]byte]bool) ([11]byte, error) {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	if name == "." || name == ".." {
		copy(out[:], name)
		return out, nil
	}
	if len(name) == 0 || len(name) > MaxLongName {
		return out, types.E(types.KindInvalidInput, "short_name", name)
	}
	if !NeedsLongName(name) {
		dot := strings.LastIndexByte(name, '.')
		base, ext := name, ""
		if dot > 0 {
			base, ext = name[:dot], name[dot+1:]
		}
		copy(out[0:8], base)
		copy(out[8:11], ext)
		return out, nil
	}
	// Long name: build BASENA~N.
	sanitize := func(s string, max int) string {
		var sb strings.Builder
		for _, r := range strings.ToUpper(s) {
			if r > 0x20 && r <= 0x7E && !strings.ContainsRune(`"*+,/:;<=>?[\]|.`, r) {
				sb.WriteRune(r)
			}
			if sb.Len() == max {
				break
			}
		}
		return sb.String()
	}
	dot := strings.LastIndexByte(name, '.')
	base, ext := name, ""
	if dot > 0 {
		base, ext = name[:dot], name[dot+1:]
	}
	sbase := sanitize(base, 8)
	sext := sanitize(ext, 3)
	if sbase == "" {
		sbase = "X"
	}
	for n := 1; n < 1000000; n++ {
		suffix := "~" + itoa(n)
		keep := len(sbase)
		if keep > 8-len(suffix) {
			keep = 8 - len(suffix)
		}
		candidate := sbase[:keep] + suffix
		var key [11]byte
		for i := range key {
			key[i] = ' '
		}
		copy(key[0:8], candidate)
		copy(key[8:11], sext)
		if !taken[key] {
			return key, nil
		}
	}
	return out, types.E(types.KindAlreadyExists, "short_name", name)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
