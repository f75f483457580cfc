package jbd2

import (
	"encoding/binary"

	"github.com/onuse/moses/internal/types"
)

type pendingWrite struct {
	block uint64
	data  []byte
}

// Replay scans the log from the tail, restoring committed after-images to
// their final locations. Writes belonging to a transaction are held back
// until its commit block is seen, so a torn commit recovers nothing.
// Returns the number of transactions recovered.
func (m *Manager) Replay() (int, error) {
	j := m.journal
	if j == nil {
		return 0, nil
	}
	pos := j.tail
	seq := j.tailSequence
	recovered := 0
	var pending []pendingWrite

scan:
	for i := uint32(0); i < j.length; {
		b, err := j.readBlock(pos)
		if err != nil {
			return recovered, err
		}
		h, err := ParseHeader(b)
		if err != nil {
			// Not a journal block: end of log.
			break
		}
		if h.Sequence != seq {
			break
		}
		switch h.BlockType {
		case BlockTypeDescriptor:
			tags, err := parseDescriptorTags(b)
			if err != nil {
				break scan
			}
			stored := binary.BigEndian.Uint32(b[len(b)-4:])
			if stored != DescriptorChecksum(Header{Magic: Magic, BlockType: BlockTypeDescriptor, Sequence: seq}, tags, j.seed) {
				log.WithField("block", pos).Warn("descriptor checksum mismatch, stopping replay")
				break scan
			}
			pos = j.next(pos)
			i++
			for _, t := range tags {
				data, err := j.readBlock(pos)
				if err != nil {
					return recovered, err
				}
				if t.Flags&TagFlagEscaped != 0 {
					binary.BigEndian.PutUint32(data[0:4], Magic)
				}
				if DataChecksum(data, t.Block, seq) != t.Checksum {
					log.WithFields(map[string]interface{}{"block": pos, "dest": t.Block}).
						Warn("journal data checksum mismatch, stopping replay")
					break scan
				}
				if _, revoked := j.revoked[t.Block]; !revoked {
					pending = append(pending, pendingWrite{block: t.Block, data: data})
				}
				pos = j.next(pos)
				i++
			}
		case BlockTypeCommit:
			stored := binary.BigEndian.Uint32(b[HeaderSize:])
			if stored != CommitChecksum(Header{Magic: Magic, BlockType: BlockTypeCommit, Sequence: seq}, j.seed) {
				break scan
			}
			for _, w := range pending {
				off := int64(w.block) * int64(m.blockSize)
				if _, err := m.dev.WriteAt(w.data, off); err != nil {
					return recovered, types.E(types.KindIo, "replay", err)
				}
			}
			if err := m.dev.Flush(); err != nil {
				return recovered, types.E(types.KindIo, "replay", err)
			}
			pending = nil
			recovered++
			seq++
			pos = j.next(pos)
			i++
		case BlockTypeRevoke:
			blocks, err := ParseRevokeBlocks(b)
			if err != nil {
				break scan
			}
			for _, blk := range blocks {
				j.revoked[blk] = struct{}{}
			}
			pos = j.next(pos)
			i++
		default:
			break scan
		}
	}

	// The log is clean after replay: reset head and tail and persist.
	j.head = pos
	j.tail = pos
	j.nextSequence = seq
	j.tailSequence = seq
	if err := j.writeSuperblock(true); err != nil {
		return recovered, err
	}
	log.WithField("transactions", recovered).Info("journal replay complete")
	return recovered, nil
}

// parseDescriptorTags walks the tag array until the last-tag flag.
func parseDescriptorTags(b []byte) ([]Tag, error) {
	var tags []Tag
	off := HeaderSize
	for off+TagSize <= len(b)-4 {
		t, err := ParseTag(b[off:])
		if err != nil {
			return nil, err
		}
		tags = append(tags, t)
		off += TagSize
		if t.Last() {
			return tags, nil
		}
	}
	return nil, types.E(types.KindCorruptMetadata, "journal_descriptor")
}
