package reconcile

import (
	"testing"

	"github.com/itskum47/fleetconsole/console/lifecycle"
	"github.com/itskum47/fleetconsole/console/store"
)

type execEvent struct {
	seq    int64
	status store.ExecutionStatus
	output string
}

func execMutation(id int64, ev execEvent) Mutation {
	return Mutation{
		Kind:     store.KindExecution,
		Key:      store.IDKey(id),
		Sequence: ev.seq,
		Source:   "test",
		Apply: func(cur store.Record) (store.Record, error) {
			e := cur.(store.Execution)
			if err := lifecycle.CheckExecutionTransition(e.Status, ev.status); err != nil {
				return nil, err
			}
			e.Status = ev.status
			e.Output += ev.output
			if ev.seq > e.Sequence {
				e.Sequence = ev.seq
			}
			return e, nil
		},
	}
}

func newExecution(t *testing.T, id int64) (*store.Store, *Reconciler) {
	t.Helper()
	s := store.New()
	r := New(s)
	r.ApplyCreated(store.Execution{ID: id, Playbooks: []string{"site.yml"}, Status: store.ExecQueued})
	return s, r
}

func permutations(events []execEvent) [][]execEvent {
	if len(events) <= 1 {
		return [][]execEvent{append([]execEvent(nil), events...)}
	}
	var out [][]execEvent
	for i := range events {
		rest := make([]execEvent, 0, len(events)-1)
		rest = append(rest, events[:i]...)
		rest = append(rest, events[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]execEvent{events[i]}, p...))
		}
	}
	return out
}

func TestArrivalOrderConverges(t *testing.T) {
	events := []execEvent{
		{1, store.ExecRunning, ""},
		{2, store.ExecRunning, "a"},
		{3, store.ExecRunning, "b"},
		{4, store.ExecCompleted, "c"},
	}

	for _, order := range permutations(events) {
		s, r := newExecution(t, 1)
		for _, ev := range order {
			r.Submit(execMutation(1, ev))
		}

		e, _ := store.Get[store.Execution](s, "1")
		if e.Status != store.ExecCompleted || e.Output != "abc" {
			t.Fatalf("order %v: got status=%s output=%q", order, e.Status, e.Output)
		}
		if r.Pending(store.KindExecution) != 0 {
			t.Fatalf("order %v: buffer not drained", order)
		}
	}
	t.Logf("✅ %d arrival orders converged", len(permutations(events)))
}

func TestDuplicateIsNoop(t *testing.T) {
	s, r := newExecution(t, 1)

	if out := r.Submit(execMutation(1, execEvent{1, store.ExecRunning, "x"})); out != Applied {
		t.Fatalf("first delivery: %s", out)
	}
	if out := r.Submit(execMutation(1, execEvent{1, store.ExecRunning, "x"})); out != Duplicate {
		t.Fatalf("second delivery: %s", out)
	}

	e, _ := store.Get[store.Execution](s, "1")
	if e.Output != "x" {
		t.Errorf("duplicate applied twice: output=%q", e.Output)
	}
}

func TestTerminalExecutionNeverChanges(t *testing.T) {
	s, r := newExecution(t, 1)
	r.Submit(execMutation(1, execEvent{1, store.ExecRunning, ""}))
	r.Submit(execMutation(1, execEvent{2, store.ExecCompleted, "done"}))

	for _, ev := range []execEvent{
		{3, store.ExecRunning, "late"},
		{2, store.ExecCompleted, "dup"},
		{0, store.ExecFailed, "unsequenced"},
	} {
		if out := r.Submit(execMutation(1, ev)); out != Discarded {
			t.Errorf("event %+v on terminal execution: got %s, want discarded", ev, out)
		}
	}

	e, _ := store.Get[store.Execution](s, "1")
	if e.Status != store.ExecCompleted || e.Output != "done" {
		t.Errorf("terminal execution mutated: %+v", e)
	}
}

func TestBackwardTransitionRejected(t *testing.T) {
	s, r := newExecution(t, 1)
	r.Submit(execMutation(1, execEvent{1, store.ExecRunning, ""}))

	if out := r.Submit(execMutation(1, execEvent{2, store.ExecQueued, ""})); out != Rejected {
		t.Errorf("backward transition: got %s", out)
	}
	// The rejected event still consumed its sequence slot.
	if out := r.Submit(execMutation(1, execEvent{3, store.ExecCompleted, ""})); out != Applied {
		t.Errorf("successor of rejected event: got %s", out)
	}
	e, _ := store.Get[store.Execution](s, "1")
	if e.Status != store.ExecCompleted {
		t.Errorf("unexpected status %s", e.Status)
	}
}

func TestGapTriggersRefreshAfterFullTick(t *testing.T) {
	_, r := newExecution(t, 1)

	if out := r.Submit(execMutation(1, execEvent{3, store.ExecRunning, "b"})); out != Buffered {
		t.Fatalf("gap event: got %s", out)
	}

	if kinds := r.Tick(); len(kinds) != 0 {
		t.Fatalf("first tick must not refresh a fresh gap, got %v", kinds)
	}
	kinds := r.Tick()
	if len(kinds) != 1 || kinds[0] != store.KindExecution {
		t.Fatalf("second tick: got %v, want [executions]", kinds)
	}

	// The refresh replaces the kind and drops the buffer.
	r.ApplySnapshot(store.KindExecution, []store.Record{
		store.Execution{ID: 1, Status: store.ExecRunning, Output: "ab", Sequence: 3},
	})
	if r.Pending(store.KindExecution) != 0 {
		t.Error("snapshot must drop buffered events")
	}
	if v, ok := r.Version(store.KindExecution, "1"); !ok || v != 3 {
		t.Errorf("baseline version: got %d known=%v", v, ok)
	}
}

func TestGapFilledBeforeTickNeedsNoRefresh(t *testing.T) {
	s, r := newExecution(t, 1)
	r.Submit(execMutation(1, execEvent{2, store.ExecRunning, "a"}))
	r.Tick()
	r.Submit(execMutation(1, execEvent{1, store.ExecRunning, ""}))

	if kinds := r.Tick(); len(kinds) != 0 {
		t.Errorf("filled gap must not trigger refresh, got %v", kinds)
	}
	e, _ := store.Get[store.Execution](s, "1")
	if e.Output != "a" {
		t.Errorf("buffered event not drained: %+v", e)
	}
}

func TestUnknownIDSchedulesRefresh(t *testing.T) {
	r := New(store.New())
	if out := r.Submit(execMutation(42, execEvent{1, store.ExecRunning, ""})); out != Deferred {
		t.Fatalf("got %s, want deferred", out)
	}
	kinds := r.Tick()
	if len(kinds) != 1 || kinds[0] != store.KindExecution {
		t.Errorf("expected executions refresh, got %v", kinds)
	}
	if kinds := r.Tick(); len(kinds) != 0 {
		t.Errorf("dirty flag must clear after one tick, got %v", kinds)
	}
}

func TestSnapshotKeepsNewerLocalState(t *testing.T) {
	s, r := newExecution(t, 1)
	r.Submit(execMutation(1, execEvent{1, store.ExecRunning, ""}))
	r.Submit(execMutation(1, execEvent{2, store.ExecRunning, "a"}))

	// Stale snapshot with a lower explicit sequence.
	r.ApplySnapshot(store.KindExecution, []store.Record{
		store.Execution{ID: 1, Status: store.ExecRunning, Sequence: 1},
	})
	e, _ := store.Get[store.Execution](s, "1")
	if e.Output != "a" {
		t.Errorf("stale snapshot overwrote newer local record: %+v", e)
	}

	r.Submit(execMutation(1, execEvent{3, store.ExecCompleted, "b"}))

	// Snapshot without sequence that still lists the run as running.
	r.ApplySnapshot(store.KindExecution, []store.Record{
		store.Execution{ID: 1, Status: store.ExecRunning},
	})
	e, _ = store.Get[store.Execution](s, "1")
	if e.Status != store.ExecCompleted {
		t.Errorf("snapshot resurrected a terminal execution: %s", e.Status)
	}
}

func TestSnapshotOverwritesPartialState(t *testing.T) {
	s, r := newExecution(t, 1)
	r.Submit(execMutation(1, execEvent{1, store.ExecRunning, "a"}))
	r.Submit(execMutation(1, execEvent{4, store.ExecRunning, "d"}))

	r.ApplySnapshot(store.KindExecution, []store.Record{
		store.Execution{ID: 1, Status: store.ExecRunning, Output: "abcd", Sequence: 4},
		store.Execution{ID: 2, Status: store.ExecQueued},
	})

	e, _ := store.Get[store.Execution](s, "1")
	if e.Output != "abcd" {
		t.Errorf("snapshot did not overwrite partial state: %+v", e)
	}
	if s.Count(store.KindExecution) != 2 {
		t.Errorf("expected 2 executions, got %d", s.Count(store.KindExecution))
	}
	if _, ok := r.Version(store.KindExecution, "2"); ok {
		t.Error("snapshot record without sequence must have an unknown version")
	}

	// Unknown version: the next sequenced event becomes the baseline.
	r.Submit(execMutation(2, execEvent{7, store.ExecRunning, ""}))
	if v, ok := r.Version(store.KindExecution, "2"); !ok || v != 7 {
		t.Errorf("baseline from first event: got %d known=%v", v, ok)
	}
}

func TestSnapshotRetainsPreview(t *testing.T) {
	s := store.New()
	r := New(s)
	r.ApplyCreated(store.Import{ID: 5, Status: store.ImportPending, Preview: &store.Preview{TotalNodes: 3}})

	r.ApplySnapshot(store.KindImport, []store.Record{store.Import{ID: 5, Status: store.ImportPending}})

	imp, _ := store.Get[store.Import](s, "5")
	if imp.Preview == nil || imp.Preview.TotalNodes != 3 {
		t.Errorf("pending import lost its preview: %+v", imp)
	}
}

func TestUnsequencedEventsApplyInArrivalOrder(t *testing.T) {
	s := store.New()
	r := New(s)
	r.ApplySnapshot(store.KindExecution, []store.Record{store.Execution{ID: 1, Status: store.ExecQueued}})

	r.Submit(execMutation(1, execEvent{0, store.ExecRunning, "a"}))
	r.Submit(execMutation(1, execEvent{0, store.ExecRunning, "b"}))
	r.Submit(execMutation(1, execEvent{0, store.ExecCompleted, "c"}))
	r.Submit(execMutation(1, execEvent{0, store.ExecRunning, "late"}))

	e, _ := store.Get[store.Execution](s, "1")
	if e.Status != store.ExecCompleted || e.Output != "abc" {
		t.Errorf("unexpected result %+v", e)
	}
}

func TestApplyLocalLastWriteWins(t *testing.T) {
	s := store.New()
	r := New(s)
	r.ApplySnapshot(store.KindNode, []store.Record{store.Node{ID: 1, Status: store.NodeUnknown}})

	for _, status := range []store.NodeStatus{store.NodeUnreachable, store.NodeReachable} {
		status := status
		r.ApplyLocal(store.KindNode, "1", func(cur store.Record) (store.Record, error) {
			n := cur.(store.Node)
			n.Status = status
			return n, nil
		})
	}

	n, _ := store.Get[store.Node](s, "1")
	if n.Status != store.NodeReachable {
		t.Errorf("last write should win, got %s", n.Status)
	}
}

func TestRemoveClearsSequenceState(t *testing.T) {
	s, r := newExecution(t, 1)
	r.Submit(execMutation(1, execEvent{3, store.ExecRunning, ""}))

	if !r.Remove(store.KindExecution, "1") {
		t.Fatal("expected removal")
	}
	if r.Pending(store.KindExecution) != 0 || s.Count(store.KindExecution) != 0 {
		t.Error("remove left state behind")
	}
}

func setImportStatus(status store.ImportStatus) ApplyFunc {
	return func(cur store.Record) (store.Record, error) {
		i := cur.(store.Import)
		i.Status = status
		return i, nil
	}
}

func TestSnapshotOverridesUnconfirmedLocalChange(t *testing.T) {
	s := store.New()
	r := New(s)
	r.ApplySnapshot(store.KindImport, []store.Record{store.Import{ID: 4, Status: store.ImportPending}})

	r.ApplyLocal(store.KindImport, "4", setImportStatus(store.ImportFailed))
	if !r.Provisional(store.KindImport, "4") {
		t.Fatal("local change should be provisional")
	}

	r.ApplySnapshot(store.KindImport, []store.Record{store.Import{ID: 4, Status: store.ImportCompleted}})
	i, _ := store.Get[store.Import](s, "4")
	if i.Status != store.ImportCompleted {
		t.Errorf("snapshot should replace a local guess, got %s", i.Status)
	}
	if r.Provisional(store.KindImport, "4") {
		t.Error("snapshot left the record provisional")
	}
}

func TestConfirmedChangeSurvivesStaleSnapshot(t *testing.T) {
	s := store.New()
	r := New(s)
	r.ApplySnapshot(store.KindImport, []store.Record{store.Import{ID: 4, Status: store.ImportPending}})

	r.ApplyLocal(store.KindImport, "4", setImportStatus(store.ImportCompleted))
	r.ApplyConfirmed(store.KindImport, "4", setImportStatus(store.ImportCompleted))
	if r.Provisional(store.KindImport, "4") {
		t.Fatal("confirmed change is still provisional")
	}

	r.ApplySnapshot(store.KindImport, []store.Record{store.Import{ID: 4, Status: store.ImportPending}})
	i, _ := store.Get[store.Import](s, "4")
	if i.Status != store.ImportCompleted {
		t.Errorf("stale snapshot regressed a confirmed import to %s", i.Status)
	}
}
