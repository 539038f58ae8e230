package voice

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTracker_MatchesByCallID(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: testEpoch}
	tr := newTracker(clk.now)
	tr.start("a", "search", "t1")
	tr.start("b", "search", "t1")
	clk.advance(150 * time.Millisecond)

	d, ok := tr.finish("b", "search")
	if !ok || d != 150*time.Millisecond {
		t.Fatalf("finish = %v, %v", d, ok)
	}
	recs := tr.all()
	if !recs[0].Active() || recs[1].Active() {
		t.Errorf("wrong record finished: %+v", recs)
	}
	if _, ok := tr.finish("b", "search"); ok {
		t.Error("a finished call matched twice")
	}
	if _, ok := tr.finish("zzz", "search"); ok {
		t.Error("unknown call id matched")
	}
}

func TestTracker_FIFOByNameWithoutCallID(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: testEpoch}
	tr := newTracker(clk.now)
	tr.start("", "lookup", "t1")
	tr.start("x", "lookup", "t1") // has an id, never matched by name
	tr.start("", "lookup", "t1")

	for i, want := range []int{0, 2} {
		if _, ok := tr.finish("", "lookup"); !ok {
			t.Fatalf("finish %d did not match", i)
		}
		if tr.all()[want].Active() {
			t.Fatalf("finish %d: record %d still active", i, want)
		}
	}
	if _, ok := tr.finish("", "lookup"); ok {
		t.Error("name match reached a record with a call id")
	}
	if got := tr.active(); len(got) != 1 || got[0].CallID != "x" {
		t.Errorf("active = %+v", got)
	}
}

func TestTracker_PruneAndDrop(t *testing.T) {
	t.Parallel()

	tr := newTracker(func() time.Time { return testEpoch })
	tr.start("", "a", "t1")
	tr.start("", "b", "t1")
	tr.start("", "c", "t2")
	tr.finish("", "a")

	if !tr.pruneFinished() {
		t.Fatal("pruneFinished reported no change")
	}
	if tr.pruneFinished() {
		t.Error("second prune should be a no-op")
	}
	if !tr.dropTurn("t1") {
		t.Fatal("dropTurn reported no change")
	}
	if got := tr.all(); len(got) != 1 || got[0].Tool != "c" {
		t.Fatalf("records = %+v", got)
	}
	if !tr.reset() || tr.all() != nil {
		t.Error("reset should empty the tracker")
	}
}

func TestTracker_SnapshotsAreCopies(t *testing.T) {
	t.Parallel()

	tr := newTracker(func() time.Time { return testEpoch })
	tr.start("", "a", "")
	snap := tr.active()
	tr.finish("", "a")
	if !snap[0].Active() {
		t.Error("finishing a call mutated an earlier snapshot")
	}
}
