package recovery

import (
	"errors"
	"testing"
)

type memDev struct{ data []byte }

func (m *memDev) WriteAt(p []byte, off int64) (int, error) {
	copy(m.data[off:], p)
	return len(p), nil
}

func TestRollbackRunsInReverse(t *testing.T) {
	l := NewLog(8)
	g := l.Begin("mkdir")
	var order []int
	g.Record("a", func() error { order = append(order, 1); return nil })
	g.Record("b", func() error { order = append(order, 2); return nil })
	g.Record("c", func() error { order = append(order, 3); return nil })
	if err := g.RollbackTo(l); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(order) != 3 || order[0] != 3 || order[2] != 1 {
		t.Fatalf("undo order = %v, want [3 2 1]", order)
	}
}

func TestCommitDiscardsUndo(t *testing.T) {
	l := NewLog(8)
	g := l.Begin("write")
	ran := false
	g.Record("x", func() error { ran = true; return nil })
	g.CommitTo(l)
	if err := g.RollbackTo(l); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if ran {
		t.Fatal("undo ran after commit")
	}
	pts := l.Points()
	if len(pts) != 1 || !pts[0].Commit {
		t.Fatalf("points = %+v", pts)
	}
}

func TestDataWriteUndoRestoresBeforeImage(t *testing.T) {
	dev := &memDev{data: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	l := NewLog(8)
	g := l.Begin("truncate")
	g.RecordDataWrite(dev, 2, []byte{3, 4, 5})
	copy(dev.data[2:], []byte{9, 9, 9})
	if err := g.RollbackTo(l); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	for i := range want {
		if dev.data[i] != want[i] {
			t.Fatalf("byte %d = %d after undo, want %d", i, dev.data[i], want[i])
		}
	}
}

func TestUndoFailureStillRunsRemaining(t *testing.T) {
	l := NewLog(8)
	g := l.Begin("rename")
	executed := 0
	g.Record("first", func() error { executed++; return nil })
	g.Record("middle", func() error { executed++; return errors.New("boom") })
	g.Record("last", func() error { executed++; return nil })
	err := g.RollbackTo(l)
	if err == nil {
		t.Fatal("undo failure not surfaced")
	}
	if executed != 3 {
		t.Fatalf("executed %d undo steps, want all 3", executed)
	}
}

func TestRetentionCapEvictsOldest(t *testing.T) {
	l := NewLog(2)
	for _, op := range []string{"a", "b", "c"} {
		g := l.Begin(op)
		g.CommitTo(l)
	}
	pts := l.Points()
	if len(pts) != 2 || pts[0].Op != "b" || pts[1].Op != "c" {
		t.Fatalf("points = %+v", pts)
	}
}
