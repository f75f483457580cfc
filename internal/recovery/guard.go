package recovery

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/onuse/moses/internal/types"
)

var log = logrus.WithField("component", "recovery")

// DeviceIO is the writeback target for before-image undo.
type DeviceIO interface {
	WriteAt(p []byte, off int64) (int, error)
}

// event is one undoable structural step inside a guarded operation.
type event struct {
	desc string
	undo func() error
}

// Guard wraps one public mutation on a filesystem without an on-disk
// journal. Structural steps are recorded as they happen; Commit discards
// the log, any other exit replays undo in reverse.
type Guard struct {
	op        string
	events    []event
	committed bool
	rolled    bool
	started   time.Time
}

// Point is a completed recovery point retained for diagnostics.
type Point struct {
	Op       string
	Events   int
	Started  time.Time
	Duration time.Duration
	Commit   bool
}

// Log retains recently finished recovery points, oldest evicted first.
type Log struct {
	points []Point
	max    int
}

// NewLog caps retention at max points.
func NewLog(max int) *Log {
	if max <= 0 {
		max = 64
	}
	return &Log{max: max}
}

// Begin opens a guard for the named operation.
func (l *Log) Begin(op string) *Guard {
	return &Guard{op: op, started: time.Now()}
}

// finish records the guard's outcome, evicting the oldest point at the cap.
func (l *Log) finish(g *Guard, commit bool) {
	p := Point{
		Op:       g.op,
		Events:   len(g.events),
		Started:  g.started,
		Duration: time.Since(g.started),
		Commit:   commit,
	}
	if len(l.points) >= l.max {
		l.points = l.points[1:]
	}
	l.points = append(l.points, p)
}

// Points returns the retained recovery points, oldest first.
func (l *Log) Points() []Point { return l.points }

// Record adds a generic undo step.
func (g *Guard) Record(desc string, undo func() error) {
	if g.committed || g.rolled {
		return
	}
	g.events = append(g.events, event{desc: desc, undo: undo})
}

// RecordBlockAllocation undoes a block/cluster allocation.
func (g *Guard) RecordBlockAllocation(block uint64, free func(uint64) error) {
	g.Record("block allocation", func() error { return free(block) })
}

// RecordInodeAllocation undoes an inode or MFT record allocation.
func (g *Guard) RecordInodeAllocation(inode uint64, free func(uint64) error) {
	g.Record("inode allocation", func() error { return free(inode) })
}

// RecordDataWrite captures a before-image; undo rewrites it in place.
func (g *Guard) RecordDataWrite(dev DeviceIO, off int64, before []byte) {
	img := append([]byte(nil), before...)
	g.Record("data write", func() error {
		if _, err := dev.WriteAt(img, off); err != nil {
			return types.E(types.KindIo, "undo_write", err)
		}
		return nil
	})
}

// RecordDirEntryInsert undoes a directory entry insertion.
func (g *Guard) RecordDirEntryInsert(name string, remove func() error) {
	g.Record("dirent insert "+name, remove)
}

// RecordDirEntryRemove undoes a directory entry removal.
func (g *Guard) RecordDirEntryRemove(name string, reinsert func() error) {
	g.Record("dirent remove "+name, reinsert)
}

// CommitTo discards the undo log and files the point with the log.
func (g *Guard) CommitTo(l *Log) {
	if g.committed || g.rolled {
		return
	}
	g.committed = true
	g.events = nil
	if l != nil {
		l.finish(g, true)
	}
}

// RollbackTo replays undo in reverse. Undo failures are logged and the
// remaining events still run; the first failure is returned.
func (g *Guard) RollbackTo(l *Log) error {
	if g.committed || g.rolled {
		return nil
	}
	g.rolled = true
	var first error
	for i := len(g.events) - 1; i >= 0; i-- {
		ev := g.events[i]
		if err := ev.undo(); err != nil {
			log.WithFields(logrus.Fields{"op": g.op, "step": ev.desc}).
				WithError(err).Error("undo step failed")
			if first == nil {
				first = err
			}
		}
	}
	g.events = nil
	if l != nil {
		l.finish(g, false)
	}
	return first
}
