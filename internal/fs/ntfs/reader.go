package ntfs

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/onuse/moses/internal/config"
	"github.com/onuse/moses/internal/fs"
	"github.com/onuse/moses/internal/types"
)

var log = logrus.WithField("component", "ntfs")

// Device is the raw access the NTFS engine needs.
type Device interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Flush() error
	Size() uint64
	Close() error
}

// record is one cached, fixed-up MFT record.
type record struct {
	hdr   *RecordHeader
	attrs []Attribute
	name  *FileName
}

// FS is an open NTFS volume. The reader walks the MFT; the writer is
// dry-run gated (see writer.go).
type FS struct {
	dev        Device
	boot       *BootSector
	mftRuns    []Run
	recordSize uint32
	readOnly   bool
	cfg        *config.Config

	records  map[uint64]*record
	children map[uint64][]uint64
	count    uint64
	planned  []plannedWrite
}

// NewReader opens the volume read-only.
func NewReader(dev Device) (*FS, error) { return open(dev, true) }

// NewWriter opens the volume for (gated) mutation.
func NewWriter(dev Device) (*FS, error) { return open(dev, false) }

func open(dev Device, readOnly bool) (*FS, error) {
	raw := make([]byte, BootSectorSize)
	if _, err := dev.ReadAt(raw, 0); err != nil {
		return nil, types.E(types.KindIo, "ntfs_open", err)
	}
	boot, err := ParseBootSector(raw)
	if err != nil {
		return nil, err
	}
	f := &FS{
		dev:        dev,
		boot:       boot,
		recordSize: boot.MFTRecordSize(),
		readOnly:   readOnly,
		cfg:        config.Default(),
		records:    make(map[uint64]*record),
		children:   make(map[uint64][]uint64),
	}
	if err := f.loadMFT(); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"records":      f.count,
		"cluster_size": boot.ClusterBytes(),
	}).Debug("opened NTFS volume")
	return f, nil
}

// loadMFT reads record 0, decodes the $MFT data runlist, then scans every
// record to build the name tree.
func (f *FS) loadMFT() error {
	first := make([]byte, f.recordSize)
	off := int64(f.boot.MFTCluster) * int64(f.boot.ClusterBytes())
	if _, err := f.dev.ReadAt(first, off); err != nil {
		return types.E(types.KindIo, "ntfs_open", err)
	}
	if err := ApplyFixups(first, int(f.boot.BytesPerSector)); err != nil {
		return err
	}
	hdr, err := ParseRecordHeader(first)
	if err != nil {
		return err
	}
	attrs, err := ParseAttributes(first, hdr)
	if err != nil {
		return err
	}
	var mftSize uint64
	for _, a := range attrs {
		if a.Type == AttrData && a.Name == "" {
			f.mftRuns = a.Runs
			mftSize = a.DataSize
		}
	}
	if f.mftRuns == nil {
		return types.E(types.KindCorruptMetadata, "ntfs_open")
	}
	f.count = mftSize / uint64(f.recordSize)

	for n := uint64(0); n < f.count; n++ {
		rec, err := f.readRecord(n)
		if err != nil {
			continue // unreadable records are skipped, not fatal
		}
		if rec.hdr.Flags&FlagInUse == 0 || rec.name == nil {
			continue
		}
		f.records[n] = rec
		if n >= 16 || n == RecordRoot {
			f.children[rec.name.ParentRecord] = append(f.children[rec.name.ParentRecord], n)
		}
	}
	return nil
}

// recordOffset maps an MFT record number to its device byte offset through
// the $MFT runlist.
func (f *FS) recordOffset(n uint64) (int64, error) {
	byteOff := n * uint64(f.recordSize)
	cb := uint64(f.boot.ClusterBytes())
	cluster := byteOff / cb
	within := byteOff % cb
	for _, r := range f.mftRuns {
		if cluster < r.Count {
			if r.Sparse {
				return 0, types.E(types.KindCorruptMetadata, "mft_offset")
			}
			return int64((r.Cluster+cluster)*cb + within), nil
		}
		cluster -= r.Count
	}
	return 0, types.E(types.KindInvalidInput, "mft_offset")
}

// readRecord fetches, fixes up and parses one MFT record.
func (f *FS) readRecord(n uint64) (*record, error) {
	if rec, ok := f.records[n]; ok {
		return rec, nil
	}
	off, err := f.recordOffset(n)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, f.recordSize)
	if _, err := f.dev.ReadAt(raw, off); err != nil {
		return nil, types.E(types.KindIo, "read_record", err)
	}
	if err := ApplyFixups(raw, int(f.boot.BytesPerSector)); err != nil {
		return nil, err
	}
	hdr, err := ParseRecordHeader(raw)
	if err != nil {
		return nil, err
	}
	attrs, err := ParseAttributes(raw, hdr)
	if err != nil {
		return nil, err
	}
	rec := &record{hdr: hdr, attrs: attrs}
	for _, a := range attrs {
		if a.Type == AttrFileName && !a.NonResident {
			fn, err := ParseFileName(a.Value)
			if err != nil {
				continue
			}
			// Prefer the Win32 or POSIX name over the DOS alias.
			if rec.name == nil || rec.name.Namespace == 2 {
				rec.name = fn
			}
		}
	}
	return rec, nil
}

// lookupChild finds a name under a parent record.
func (f *FS) lookupChild(parent uint64, name string) (uint64, error) {
	for _, n := range f.children[parent] {
		rec := f.records[n]
		if rec != nil && rec.name != nil && strings.EqualFold(rec.name.Name, name) {
			return n, nil
		}
	}
	return 0, types.E(types.KindNotFound, "lookup", name)
}

// resolve walks a path from the root record.
func (f *FS) resolve(path string) (uint64, error) {
	parts, err := fs.SplitPath(path)
	if err != nil {
		return 0, err
	}
	cur := uint64(RecordRoot)
	for _, part := range parts {
		next, err := f.lookupChild(cur, part)
		if err != nil {
			return 0, err
		}
		cur = next
	}
	return cur, nil
}

func (f *FS) dataAttr(rec *record) *Attribute {
	for i := range rec.attrs {
		if rec.attrs[i].Type == AttrData && rec.attrs[i].Name == "" {
			return &rec.attrs[i]
		}
	}
	return nil
}

// Close releases the device handle.
func (f *FS) Close() error { return f.dev.Close() }

// Info implements fs.Reader.
func (f *FS) Info() (types.FilesystemInfo, error) {
	info := types.FilesystemInfo{
		Kind:        types.FilesystemNTFS,
		BlockSize:   f.boot.ClusterBytes(),
		TotalBlocks: f.boot.TotalSectors / uint64(f.boot.SectorsPerCluster),
	}
	for i := 0; i < 8; i++ {
		info.UUID[i] = byte(f.boot.SerialNumber >> (8 * i))
	}
	// Volume label from record 3's $VOLUME_NAME.
	if rec, err := f.readRecord(RecordVolume); err == nil {
		for _, a := range rec.attrs {
			if a.Type == AttrVolumeName && !a.NonResident {
				units := make([]uint16, len(a.Value)/2)
				for i := range units {
					units[i] = uint16(a.Value[i*2]) | uint16(a.Value[i*2+1])<<8
				}
				info.Label = decodeUTF16(units)
			}
		}
	}
	free, err := f.freeClusters()
	if err == nil {
		info.FreeBlocks = free
	}
	return info, nil
}

// freeClusters counts zero bits in the $Bitmap file.
func (f *FS) freeClusters() (uint64, error) {
	rec, err := f.readRecord(RecordBitmap)
	if err != nil {
		return 0, err
	}
	data := f.dataAttr(rec)
	if data == nil {
		return 0, types.E(types.KindCorruptMetadata, "ntfs_bitmap")
	}
	raw, err := f.readRunData(data, 0, uint32(data.DataSize))
	if err != nil {
		return 0, err
	}
	total := f.boot.TotalSectors / uint64(f.boot.SectorsPerCluster)
	var free uint64
	for bit := uint64(0); bit < total && bit/8 < uint64(len(raw)); bit++ {
		if raw[bit/8]&(1<<(bit%8)) == 0 {
			free++
		}
	}
	return free, nil
}

// readRunData reads from a non-resident attribute's runs.
func (f *FS) readRunData(a *Attribute, offset uint64, length uint32) ([]byte, error) {
	if offset >= a.DataSize {
		return nil, nil
	}
	if offset+uint64(length) > a.DataSize {
		length = uint32(a.DataSize - offset)
	}
	cb := uint64(f.boot.ClusterBytes())
	out := make([]byte, 0, length)
	remaining := uint64(length)
	pos := offset
	for _, r := range a.Runs {
		runBytes := r.Count * cb
		if remaining == 0 {
			break
		}
		if pos >= runBytes {
			pos -= runBytes
			continue
		}
		take := runBytes - pos
		if take > remaining {
			take = remaining
		}
		if r.Sparse {
			out = append(out, make([]byte, take)...)
		} else {
			buf := make([]byte, take)
			off := int64(r.Cluster*cb + pos)
			if _, err := f.dev.ReadAt(buf, off); err != nil {
				return nil, types.E(types.KindIo, "read", err)
			}
			out = append(out, buf...)
		}
		remaining -= take
		pos = 0
	}
	if remaining != 0 {
		return nil, types.E(types.KindCorruptChain, "read")
	}
	return out, nil
}

// Stat implements fs.Reader.
func (f *FS) Stat(path string) (types.FileAttr, error) {
	parts, err := fs.SplitPath(path)
	if err != nil {
		return types.FileAttr{}, err
	}
	if len(parts) == 0 {
		return types.FileAttr{Kind: types.EntryKindDirectory, LinkCount: 1}, nil
	}
	n, err := f.resolve(path)
	if err != nil {
		return types.FileAttr{}, err
	}
	rec := f.records[n]
	attr := types.FileAttr{
		Mode:      0o644,
		Kind:      types.EntryKindFile,
		LinkCount: uint32(rec.hdr.LinkCount),
	}
	if rec.hdr.Flags&FlagDirectory != 0 {
		attr.Kind = types.EntryKindDirectory
		attr.Mode = 0o755
	} else if data := f.dataAttr(rec); data != nil {
		if data.NonResident {
			attr.Size = data.DataSize
		} else {
			attr.Size = uint64(len(data.Value))
		}
	}
	return attr, nil
}

// ReadDir implements fs.Reader.
func (f *FS) ReadDir(path string) ([]types.DirEntry, error) {
	n, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	rec := f.records[n]
	if rec == nil || rec.hdr.Flags&FlagDirectory == 0 {
		return nil, types.E(types.KindNotADirectory, "readdir", path)
	}
	var out []types.DirEntry
	for _, child := range f.children[n] {
		crec := f.records[child]
		if crec == nil || crec.name == nil {
			continue
		}
		kind := types.EntryKindFile
		if crec.hdr.Flags&FlagDirectory != 0 {
			kind = types.EntryKindDirectory
		}
		out = append(out, types.DirEntry{
			Name: crec.name.Name,
			Kind: kind,
			Size: crec.name.RealSize,
		})
	}
	return out, nil
}

// Read implements fs.Reader.
func (f *FS) Read(path string, offset uint64, length uint32) ([]byte, error) {
	n, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	rec := f.records[n]
	if rec.hdr.Flags&FlagDirectory != 0 {
		return nil, types.E(types.KindIsADirectory, "read", path)
	}
	data := f.dataAttr(rec)
	if data == nil {
		return nil, nil
	}
	if !data.NonResident {
		if offset >= uint64(len(data.Value)) {
			return nil, nil
		}
		end := offset + uint64(length)
		if end > uint64(len(data.Value)) {
			end = uint64(len(data.Value))
		}
		return append([]byte(nil), data.Value[offset:end]...), nil
	}
	return f.readRunData(data, offset, length)
}

// StatFS implements fs.Reader.
func (f *FS) StatFS() (types.StatFS, error) {
	free, err := f.freeClusters()
	if err != nil {
		free = 0
	}
	return types.StatFS{
		BlockSize:     f.boot.ClusterBytes(),
		TotalBlocks:   f.boot.TotalSectors / uint64(f.boot.SectorsPerCluster),
		FreeBlocks:    free,
		TotalInodes:   f.count,
		MaxNameLength: 255,
	}, nil
}

func decodeUTF16(units []uint16) string {
	runes := make([]rune, 0, len(units))
	for _, u := range units {
		if u == 0 {
			break
		}
		runes = append(runes, rune(u))
	}
	return string(runes)
}
