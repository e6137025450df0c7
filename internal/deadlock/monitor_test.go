package deadlock

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/signalsfoundry/railsim/internal/track"
	"github.com/signalsfoundry/railsim/internal/train"
)

// place creates trains holding their spec track and returns them sorted.
func place(t *testing.T, specs ...train.Spec) (*track.Registry, []*train.Train) {
	t.Helper()
	reg, err := track.NewRegistry([]string{"A", "B", "C"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	var trains []*train.Train
	for _, s := range specs {
		if ok, err := reg.TryAcquire(s.Track, s.ID); !ok || err != nil {
			t.Fatalf("place %s: %v %v", s.ID, ok, err)
		}
		trains = append(trains, train.New(s))
	}
	train.SortByID(trains)
	return reg, trains
}

func wait(reg *track.Registry, tr *train.Train, want string) {
	tr.Pos = 1
	tr.WaitFor(want, train.WaitingEnd, 1)
	_ = reg.Enqueue(want, tr.ID)
}

func TestWaitGraphAcyclicChain(t *testing.T) {
	reg, trains := place(t,
		train.Spec{ID: "T1", Track: "A"},
		train.Spec{ID: "T2", Track: "B"},
	)
	wait(reg, trains[0], "B")

	if c := BuildWaitGraph(reg, trains).Cycle(); c != nil {
		t.Fatalf("unexpected cycle %v", c)
	}
}

func TestWaitGraphFindsThreeWayCycle(t *testing.T) {
	reg, trains := place(t,
		train.Spec{ID: "T1", Track: "A"},
		train.Spec{ID: "T2", Track: "B"},
		train.Spec{ID: "T3", Track: "C"},
	)
	wait(reg, trains[0], "B")
	wait(reg, trains[1], "C")
	wait(reg, trains[2], "A")

	c := BuildWaitGraph(reg, trains).Cycle()
	slices.Sort(c)
	if !slices.Equal(c, []string{"T1", "T2", "T3"}) {
		t.Fatalf("cycle = %v, want all three trains", c)
	}
}

func TestCheckRecoversTwoTrainCycle(t *testing.T) {
	reg, trains := place(t,
		train.Spec{ID: "T1", Track: "A"},
		train.Spec{ID: "T2", Track: "B"},
		train.Spec{ID: "T3", Track: "C"},
	)
	t1, t2, t3 := trains[0], trains[1], trains[2]
	wait(reg, t1, "B")
	wait(reg, t2, "A")

	m := NewMonitor(0, nil)
	reports := m.Check(context.Background(), 7, reg, trains, false)
	if len(reports) != 1 {
		t.Fatalf("reports = %+v, want one", reports)
	}
	r := reports[0]
	if r.Kind != KindCycle || r.Victim != "T1" || r.Freed != "A" || r.Tick != 7 {
		t.Fatalf("report = %+v", r)
	}
	if m.Deadlocks() != 1 {
		t.Fatalf("Deadlocks() = %d", m.Deadlocks())
	}
	if t1.Status != train.Blocked || t2.Status != train.Blocked || t3.Status != train.Running {
		t.Fatalf("statuses T1=%v T2=%v T3=%v", t1.Status, t2.Status, t3.Status)
	}
	if reg.Holder("A") != "" || t1.Held != "" {
		t.Fatalf("victim track not released: holder %q held %q", reg.Holder("A"), t1.Held)
	}
	if reg.Holder("B") != "T2" {
		t.Fatalf("non-victim lost its track")
	}

	if n := m.Resume(trains); n != 2 {
		t.Fatalf("Resume released %d trains, want 2", n)
	}
	if t1.Status != train.WaitingEnd || t2.Status != train.WaitingEnd {
		t.Fatalf("after resume T1=%v T2=%v", t1.Status, t2.Status)
	}
	if got := m.Check(context.Background(), 8, reg, trains, false); len(got) != 0 {
		t.Fatalf("cycle should be broken, got %+v", got)
	}
}

func TestStallSafetyNet(t *testing.T) {
	reg, trains := place(t,
		train.Spec{ID: "T1", Track: "A"},
		train.Spec{ID: "T2", Track: "B"},
	)
	t1, t2 := trains[0], trains[1]
	// T1 waits behind T2, which is parked with nothing to do.
	wait(reg, t1, "B")
	t2.Status = train.Completed
	t1.CurrentWait = time.Second

	m := NewMonitor(3, nil)
	for tick := uint64(1); tick < 3; tick++ {
		if got := m.Check(context.Background(), tick, reg, trains, false); len(got) != 0 {
			t.Fatalf("tick %d: premature report %+v", tick, got)
		}
	}
	got := m.Check(context.Background(), 3, reg, trains, false)
	if len(got) != 1 || got[0].Kind != KindStall || got[0].Victim != "T1" {
		t.Fatalf("stall report = %+v", got)
	}
	if m.Deadlocks() != 1 || reg.Holder("A") != "" {
		t.Fatalf("stall recovery not applied: deadlocks=%d holderA=%q", m.Deadlocks(), reg.Holder("A"))
	}
}

func TestStallWindowResetsOnProgress(t *testing.T) {
	reg, trains := place(t,
		train.Spec{ID: "T1", Track: "A"},
		train.Spec{ID: "T2", Track: "B"},
	)
	wait(reg, trains[0], "B")

	m := NewMonitor(2, nil)
	m.Check(context.Background(), 1, reg, trains, false)
	m.Check(context.Background(), 2, reg, trains, true)
	if got := m.Check(context.Background(), 3, reg, trains, false); len(got) != 0 {
		t.Fatalf("progress should restart the stall window, got %+v", got)
	}
	m.Reset()
	if m.Deadlocks() != 0 {
		t.Fatalf("Reset did not zero counter")
	}
}
