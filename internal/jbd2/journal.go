package jbd2

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/onuse/moses/internal/types"
)

var log = logrus.WithField("component", "jbd2")

// DeviceIO is the raw access the journal needs; device.AlignedFile
// satisfies it.
type DeviceIO interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Flush() error
}

// TransactionState tracks a transaction through its lifecycle.
type TransactionState int

const (
	StateActive TransactionState = iota
	StateCommitting
	StateCommitted
	StateCheckpointed
	StateAborted
)

// UpdateType orders metadata writes at checkpoint so a crash can never show
// the superblock advertising space the bitmap contradicts.
type UpdateType int

const (
	UpdateBitmap UpdateType = iota
	UpdateGroupDescriptor
	UpdateSuperblock
	UpdateInode
	UpdateDirectory
	UpdateOther
)

// checkpointRank orders checkpoint writes: bitmap, then group descriptor,
// then superblock; the rest
// follow in insertion order after them.
func (u UpdateType) checkpointRank() int {
	switch u {
	case UpdateBitmap:
		return 0
	case UpdateGroupDescriptor:
		return 1
	case UpdateSuperblock:
		return 2
	default:
		return 3
	}
}

// Update is one journaled metadata mutation: before and after images of a
// whole block.
type Update struct {
	Type   UpdateType
	Block  uint64
	Before []byte
	After  []byte
}

// Transaction accumulates updates until commit.
type Transaction struct {
	ID    uint32
	State TransactionState

	Updates         []Update
	AllocatedBlocks []uint64
	FreedBlocks     []uint64
	AllocatedInodes []uint32
	FreedInodes     []uint32

	Started time.Time
	bytes   int
}

// Bytes reports the transaction's budget usage (before+after image bytes).
func (t *Transaction) Bytes() int { return t.bytes }

// Journal manages the on-disk journal area. Journal block n lives at the
// physical block MapBlock(n); the default mapping is the contiguous run
// beginning at Start.
type Journal struct {
	dev       DeviceIO
	blockSize uint32
	length    uint32
	seed      uint32

	// MapBlock resolves a logical journal block to a physical block.
	MapBlock func(n uint32) uint64

	head         uint32
	tail         uint32
	nextSequence uint32
	tailSequence uint32
	revoked      map[uint64]struct{}
}

// Config describes a journal placement.
type Config struct {
	BlockSize uint32
	Start     uint64 // physical block of journal block 0
	Length    uint32 // journal length in blocks, superblock included
	UUID      [16]byte
}

// NewJournal builds the in-memory journal state. Call Load to adopt on-disk
// state or Format to initialize a fresh journal.
func NewJournal(dev DeviceIO, cfg Config) *Journal {
	start := cfg.Start
	return &Journal{
		dev:          dev,
		blockSize:    cfg.BlockSize,
		length:       cfg.Length,
		seed:         SeedFromUUID(cfg.UUID),
		MapBlock:     func(n uint32) uint64 { return start + uint64(n) },
		head:         1,
		tail:         1,
		nextSequence: 1,
		tailSequence: 1,
		revoked:      make(map[uint64]struct{}),
	}
}

func (j *Journal) blockOffset(n uint32) int64 {
	return int64(j.MapBlock(n)) * int64(j.blockSize)
}

func (j *Journal) readBlock(n uint32) ([]byte, error) {
	b := make([]byte, j.blockSize)
	if _, err := j.dev.ReadAt(b, j.blockOffset(n)); err != nil {
		return nil, types.E(types.KindIo, "journal_read", err)
	}
	return b, nil
}

func (j *Journal) writeBlock(n uint32, b []byte) error {
	if _, err := j.dev.WriteAt(b, j.blockOffset(n)); err != nil {
		return types.E(types.KindIo, "journal_write", err)
	}
	return nil
}

// next advances a journal block position, wrapping past the superblock.
func (j *Journal) next(n uint32) uint32 {
	n++
	if n >= j.length {
		n = 1
	}
	return n
}

// freeBlocks reports how many log blocks remain before head catches tail.
func (j *Journal) freeBlocks() uint32 {
	if j.head >= j.tail {
		return j.length - 1 - (j.head - j.tail)
	}
	return j.tail - j.head
}

// Format writes a fresh journal superblock and zeroes the first log block.
func (j *Journal) Format() error {
	sb := Superblock{
		BlockSize: j.blockSize,
		MaxLen:    j.length,
		First:     1,
		Sequence:  1,
		Start:     0,
	}
	b := make([]byte, j.blockSize)
	sb.Put(b)
	if err := j.writeBlock(0, b); err != nil {
		return err
	}
	zero := make([]byte, j.blockSize)
	if err := j.writeBlock(1, zero); err != nil {
		return err
	}
	j.head, j.tail = 1, 1
	j.nextSequence, j.tailSequence = 1, 1
	return j.dev.Flush()
}

// Load reads the journal superblock and adopts its state.
func (j *Journal) Load() error {
	b, err := j.readBlock(0)
	if err != nil {
		return err
	}
	sb, err := ParseSuperblock(b)
	if err != nil {
		return err
	}
	if sb.BlockSize != j.blockSize || sb.MaxLen == 0 || sb.MaxLen > j.length {
		return types.E(types.KindCorruptMetadata, "journal_load")
	}
	j.length = sb.MaxLen
	j.tailSequence = sb.Sequence
	j.nextSequence = sb.Sequence
	if sb.Start == 0 {
		j.head, j.tail = sb.First, sb.First
	} else {
		j.tail = sb.Start
		j.head = sb.Start // head is rediscovered by replay
	}
	return nil
}

// writeSuperblock persists the current tail state.
func (j *Journal) writeSuperblock(emptied bool) error {
	sb := Superblock{
		BlockSize: j.blockSize,
		MaxLen:    j.length,
		First:     1,
		Sequence:  j.tailSequence,
		Start:     j.tail,
	}
	if emptied {
		sb.Start = 0
	}
	b := make([]byte, j.blockSize)
	sb.Put(b)
	if err := j.writeBlock(0, b); err != nil {
		return err
	}
	return j.dev.Flush()
}

// Manager funnels all metadata mutations on one filesystem through
// journaled transactions. A nil journal runs in unjournaled mode: commits
// apply directly at checkpointless final locations.
type Manager struct {
	dev       DeviceIO
	journal   *Journal
	blockSize uint32
	maxBytes  int

	nextID    uint32
	active    *Transaction
	committed []*Transaction
}

// NewManager wires a transaction manager to a device and optional journal.
func NewManager(dev DeviceIO, journal *Journal, blockSize uint32, maxBytes int) *Manager {
	if maxBytes <= 0 {
		maxBytes = 4 << 20
	}
	return &Manager{dev: dev, journal: journal, blockSize: blockSize, maxBytes: maxBytes, nextID: 1}
}

// Begin opens a transaction. Only one may be active per writer.
func (m *Manager) Begin() (*Transaction, error) {
	if m.active != nil {
		return nil, types.E(types.KindInvalidInput, "begin_transaction")
	}
	tx := &Transaction{ID: m.nextID, State: StateActive, Started: time.Now()}
	m.nextID++
	m.active = tx
	return tx, nil
}

// AddUpdate stages a metadata block image into the transaction. A block
// updated twice keeps its first before-image and the newest after-image.
func (m *Manager) AddUpdate(tx *Transaction, typ UpdateType, block uint64, before, after []byte) error {
	if tx.State != StateActive {
		return types.E(types.KindInvalidInput, "add_update")
	}
	for i := range tx.Updates {
		if tx.Updates[i].Block == block {
			tx.bytes += len(after) - len(tx.Updates[i].After)
			tx.Updates[i].After = append([]byte(nil), after...)
			return nil
		}
	}
	if tx.bytes+len(before)+len(after) > m.maxBytes {
		return types.E(types.KindInvalidInput, "add_update")
	}
	tx.Updates = append(tx.Updates, Update{
		Type:   typ,
		Block:  block,
		Before: append([]byte(nil), before...),
		After:  append([]byte(nil), after...),
	})
	tx.bytes += len(before) + len(after)
	return nil
}

// RecordAllocatedBlocks notes blocks the transaction allocated.
func (m *Manager) RecordAllocatedBlocks(tx *Transaction, blocks ...uint64) {
	tx.AllocatedBlocks = append(tx.AllocatedBlocks, blocks...)
}

// RecordFreedBlocks notes blocks the transaction freed; they are revoked in
// the journal so stale images are not replayed over reused blocks.
func (m *Manager) RecordFreedBlocks(tx *Transaction, blocks ...uint64) {
	tx.FreedBlocks = append(tx.FreedBlocks, blocks...)
}

// RecordAllocatedInodes notes inode numbers the transaction allocated.
func (m *Manager) RecordAllocatedInodes(tx *Transaction, inodes ...uint32) {
	tx.AllocatedInodes = append(tx.AllocatedInodes, inodes...)
}

// RecordFreedInodes notes inode numbers the transaction freed.
func (m *Manager) RecordFreedInodes(tx *Transaction, inodes ...uint32) {
	tx.FreedInodes = append(tx.FreedInodes, inodes...)
}

// Commit writes the transaction to the journal (descriptor, data blocks,
// commit block, in that order, with a flush before and after the commit
// block) and queues it for checkpoint. In unjournaled mode the updates are
// applied directly.
func (m *Manager) Commit(tx *Transaction) error {
	if tx != m.active || tx.State != StateActive {
		return types.E(types.KindInvalidInput, "commit_transaction")
	}
	tx.State = StateCommitting
	if m.journal == nil {
		if err := m.applyUpdates(tx); err != nil {
			tx.State = StateAborted
			m.active = nil
			return err
		}
		tx.State = StateCheckpointed
		m.active = nil
		return nil
	}
	if len(tx.Updates) == 0 && len(tx.FreedBlocks) == 0 {
		// Nothing journaled: the transaction is trivially durable.
		tx.State = StateCheckpointed
		m.active = nil
		return nil
	}
	if err := m.writeToJournal(tx); err != nil {
		tx.State = StateAborted
		m.active = nil
		return err
	}
	tx.State = StateCommitted
	m.committed = append(m.committed, tx)
	m.active = nil
	log.WithFields(logrus.Fields{"tx": tx.ID, "updates": len(tx.Updates)}).Debug("transaction committed")
	return nil
}

// Abort drops the active transaction without touching the device.
func (m *Manager) Abort(tx *Transaction) {
	if tx == m.active {
		tx.State = StateAborted
		m.active = nil
		log.WithField("tx", tx.ID).Debug("transaction aborted")
	}
}

// Active returns the currently active transaction, if any.
func (m *Manager) Active() *Transaction { return m.active }

func (m *Manager) writeToJournal(tx *Transaction) error {
	j := m.journal
	seq := j.nextSequence
	// Descriptor + data blocks + optional revoke + commit.
	needed := uint32(2 + len(tx.Updates))
	if len(tx.FreedBlocks) > 0 {
		needed++
	}
	if j.freeBlocks() < needed {
		return types.E(types.KindOutOfSpace, "journal_commit")
	}

	tags := make([]Tag, len(tx.Updates))
	for i, u := range tx.Updates {
		tags[i] = Tag{
			Block:    u.Block,
			Checksum: DataChecksum(u.After, u.Block, seq),
		}
		if len(u.After) >= 4 && binary.BigEndian.Uint32(u.After[:4]) == Magic {
			tags[i].Flags |= TagFlagEscaped
		}
		if i == len(tx.Updates)-1 {
			tags[i].Flags |= TagFlagLast
		}
	}

	pos := j.head
	// Descriptor block: header, tags, trailing descriptor checksum.
	desc := make([]byte, j.blockSize)
	dh := Header{Magic: Magic, BlockType: BlockTypeDescriptor, Sequence: seq}
	dh.Put(desc)
	off := HeaderSize
	for _, t := range tags {
		t.Put(desc[off:])
		off += TagSize
	}
	binary.BigEndian.PutUint32(desc[len(desc)-4:], DescriptorChecksum(dh, tags, j.seed))
	if err := j.writeBlock(pos, desc); err != nil {
		return err
	}
	pos = j.next(pos)

	// Data blocks: after-images, escaped where the image opens with the
	// journal magic.
	for i, u := range tx.Updates {
		img := make([]byte, j.blockSize)
		copy(img, u.After)
		if tags[i].Flags&TagFlagEscaped != 0 {
			img[0], img[1], img[2], img[3] = 0, 0, 0, 0
		}
		if err := j.writeBlock(pos, img); err != nil {
			return err
		}
		pos = j.next(pos)
	}

	// Revoke block for freed metadata.
	if len(tx.FreedBlocks) > 0 {
		rev := make([]byte, j.blockSize)
		PutRevokeBlocks(rev, seq, tx.FreedBlocks)
		if err := j.writeBlock(pos, rev); err != nil {
			return err
		}
		pos = j.next(pos)
	}

	// Everything before the commit block must be durable first.
	if err := j.dev.Flush(); err != nil {
		return types.E(types.KindIo, "journal_commit", err)
	}

	commit := make([]byte, j.blockSize)
	ch := Header{Magic: Magic, BlockType: BlockTypeCommit, Sequence: seq}
	ch.Put(commit)
	binary.BigEndian.PutUint32(commit[HeaderSize:], CommitChecksum(ch, j.seed))
	if err := j.writeBlock(pos, commit); err != nil {
		return err
	}
	if err := j.dev.Flush(); err != nil {
		return types.E(types.KindIo, "journal_commit", err)
	}
	j.head = j.next(pos)
	j.nextSequence = seq + 1
	return nil
}

// applyUpdates writes after-images to their final locations in checkpoint
// order: bitmaps, group descriptors, superblock, then the rest.
func (m *Manager) applyUpdates(tx *Transaction) error {
	ordered := make([]Update, len(tx.Updates))
	copy(ordered, tx.Updates)
	sort.SliceStable(ordered, func(i, k int) bool {
		return ordered[i].Type.checkpointRank() < ordered[k].Type.checkpointRank()
	})
	for _, u := range ordered {
		off := int64(u.Block) * int64(m.blockSize)
		if _, err := m.dev.WriteAt(u.After, off); err != nil {
			return types.E(types.KindIo, "checkpoint", err)
		}
	}
	return m.dev.Flush()
}

// Checkpoint drains committed transactions to their final locations and
// advances the journal tail past them.
func (m *Manager) Checkpoint() error {
	if len(m.committed) == 0 {
		return nil
	}
	for _, tx := range m.committed {
		if err := m.applyUpdates(tx); err != nil {
			return err
		}
		tx.State = StateCheckpointed
	}
	m.committed = m.committed[:0]
	if m.journal != nil {
		m.journal.tail = m.journal.head
		m.journal.tailSequence = m.journal.nextSequence
		if err := m.journal.writeSuperblock(true); err != nil {
			return err
		}
	}
	return nil
}

// Guard is the scoped-release primitive: Commit finalizes, any other exit
// path (deferred Rollback) aborts.
type Guard struct {
	mgr  *Manager
	tx   *Transaction
	done bool
}

// BeginGuarded opens a transaction wrapped in a guard.
func (m *Manager) BeginGuarded() (*Guard, error) {
	tx, err := m.Begin()
	if err != nil {
		return nil, err
	}
	return &Guard{mgr: m, tx: tx}, nil
}

// Tx exposes the guarded transaction.
func (g *Guard) Tx() *Transaction { return g.tx }

// Commit commits the transaction and disarms the guard.
func (g *Guard) Commit() error {
	if g.done {
		return nil
	}
	g.done = true
	return g.mgr.Commit(g.tx)
}

// Rollback aborts unless Commit already ran. Safe under defer.
func (g *Guard) Rollback() {
	if g.done {
		return
	}
	g.done = true
	g.mgr.Abort(g.tx)
}
