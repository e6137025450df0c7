package arbiter

import (
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/railsim/internal/track"
	"github.com/signalsfoundry/railsim/internal/train"
)

type fixture struct {
	reg    *track.Registry
	trains map[string]*train.Train
}

// newFixture places one train per spec on the registry, holding its track.
func newFixture(t *testing.T, specs ...train.Spec) *fixture {
	t.Helper()
	reg, err := track.NewRegistry([]string{"A", "B", "C"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	f := &fixture{reg: reg, trains: map[string]*train.Train{}}
	for _, s := range specs {
		tr := train.New(s)
		if ok, err := reg.TryAcquire(s.Track, s.ID); err != nil || !ok {
			t.Fatalf("place %s on %s: %v %v", s.ID, s.Track, ok, err)
		}
		f.trains[s.ID] = tr
	}
	return f
}

func (f *fixture) request(id, want string, tick uint64) *train.Train {
	tr := f.trains[id]
	tr.Pos = 1
	tr.WaitFor(want, train.WaitingEnd, tick)
	_ = f.reg.Enqueue(want, id)
	return tr
}

func arbitrate(s Strategy, tick uint64, pending ...*train.Train) map[string]bool {
	s.Plan(tick, pending)
	out := map[string]bool{}
	for _, tr := range pending {
		d := s.Decide(tr)
		tr.Resolve(d, 100*time.Millisecond)
		out[tr.ID] = d.Granted
	}
	return out
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"centralized": Centralized, " Ordered ": Ordered} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("token-ring"); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("ParseMode invalid err = %v", err)
	}
	if _, err := New("bogus", nil, Options{}); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("New invalid err = %v", err)
	}
}

func TestCentralizedGrantsEarliestWaiter(t *testing.T) {
	f := newFixture(t,
		train.Spec{ID: "T1", Track: "A", Speed: 1},
		train.Spec{ID: "T2", Track: "B", Speed: 1},
	)
	s := NewCentralized(f.reg, nil)

	// T2 asked first, T1 later; both want the free track C.
	t2 := f.request("T2", "C", 3)
	t1 := f.request("T1", "C", 5)

	got := arbitrate(s, 5, t1, t2)
	if !got["T2"] || got["T1"] {
		t.Fatalf("grants = %v, want only T2", got)
	}
	if f.reg.Holder("C") != "T2" || f.reg.Holder("B") != "" {
		t.Fatalf("registry after grant: C=%q B=%q", f.reg.Holder("C"), f.reg.Holder("B"))
	}
	if t2.Held != "C" || t2.Status != train.Running {
		t.Fatalf("T2 after grant = %+v", t2)
	}
}

func TestCentralizedTiesBrokenByID(t *testing.T) {
	f := newFixture(t,
		train.Spec{ID: "T1", Track: "A", Speed: 1},
		train.Spec{ID: "T2", Track: "B", Speed: 1},
	)
	s := NewCentralized(f.reg, nil)
	t2 := f.request("T2", "C", 4)
	t1 := f.request("T1", "C", 4)

	got := arbitrate(s, 4, t2, t1)
	if !got["T1"] || got["T2"] {
		t.Fatalf("grants = %v, want T1 on tie", got)
	}
}

func TestCentralizedVacatedTrackReusedSameTick(t *testing.T) {
	f := newFixture(t,
		train.Spec{ID: "T1", Track: "A", Speed: 1},
		train.Spec{ID: "T2", Track: "B", Speed: 1},
	)
	s := NewCentralized(f.reg, nil)
	// T1 waits for B; T2 leaves B for the free C.
	t1 := f.request("T1", "B", 1)
	t2 := f.request("T2", "C", 2)

	got := arbitrate(s, 2, t1, t2)
	if !got["T1"] || !got["T2"] {
		t.Fatalf("grants = %v, want both", got)
	}
	if f.reg.Holder("A") != "" || f.reg.Holder("B") != "T1" || f.reg.Holder("C") != "T2" {
		t.Fatalf("holders A=%q B=%q C=%q", f.reg.Holder("A"), f.reg.Holder("B"), f.reg.Holder("C"))
	}
}

func TestCentralizedRotatesCycle(t *testing.T) {
	f := newFixture(t,
		train.Spec{ID: "T1", Track: "A", Speed: 1},
		train.Spec{ID: "T2", Track: "B", Speed: 1},
		train.Spec{ID: "T3", Track: "C", Speed: 1},
	)
	s := NewCentralized(f.reg, nil)
	t1 := f.request("T1", "B", 1)
	t2 := f.request("T2", "C", 1)
	t3 := f.request("T3", "A", 1)

	got := arbitrate(s, 1, t1, t2, t3)
	for _, id := range []string{"T1", "T2", "T3"} {
		if !got[id] {
			t.Fatalf("grants = %v, want whole cycle rotated", got)
		}
	}
	if f.reg.Holder("A") != "T3" || f.reg.Holder("B") != "T1" || f.reg.Holder("C") != "T2" {
		t.Fatalf("holders after rotation A=%q B=%q C=%q", f.reg.Holder("A"), f.reg.Holder("B"), f.reg.Holder("C"))
	}
}

func TestCentralizedWaitsBehindRunningHolder(t *testing.T) {
	f := newFixture(t,
		train.Spec{ID: "T1", Track: "A", Speed: 1},
		train.Spec{ID: "T2", Track: "B", Speed: 1},
	)
	s := NewCentralized(f.reg, nil)
	t1 := f.request("T1", "B", 1)

	got := arbitrate(s, 1, t1)
	if got["T1"] {
		t.Fatalf("T1 granted a track held by a running train")
	}
	if t1.Held != "A" || t1.Status != train.WaitingEnd {
		t.Fatalf("T1 should keep A while waiting: %+v", t1)
	}
}

func TestOrderedHoldWhileWaitingKeepsTrack(t *testing.T) {
	f := newFixture(t,
		train.Spec{ID: "T1", Track: "A", Speed: 1},
		train.Spec{ID: "T2", Track: "B", Speed: 1},
	)
	s := NewOrdered(f.reg, true, nil)
	t1 := f.request("T1", "B", 1)
	t2 := f.request("T2", "A", 1)

	got := arbitrate(s, 1, t1, t2)
	if got["T1"] || got["T2"] {
		t.Fatalf("grants = %v, want none (mutual wait)", got)
	}
	if f.reg.Holder("A") != "T1" || f.reg.Holder("B") != "T2" {
		t.Fatalf("holds changed: A=%q B=%q", f.reg.Holder("A"), f.reg.Holder("B"))
	}
}

func TestOrderedStrictReleasesHigherTrack(t *testing.T) {
	f := newFixture(t,
		train.Spec{ID: "T1", Track: "A", Speed: 1},
		train.Spec{ID: "T2", Track: "B", Speed: 1},
	)
	s := NewOrdered(f.reg, false, nil)
	t1 := f.request("T1", "B", 1)
	t2 := f.request("T2", "A", 1)

	got := arbitrate(s, 1, t1, t2)
	if got["T1"] {
		t.Fatalf("T1 granted B while T2 held it")
	}
	// T2 holds B (higher) and wants A (lower): it backs off B and fails on A.
	if got["T2"] {
		t.Fatalf("T2 granted A while T1 held it")
	}
	if t2.Held != "" || t2.Status != train.Waiting {
		t.Fatalf("T2 should have dropped its hold: %+v", t2)
	}
	if f.reg.Holder("B") != "" {
		t.Fatalf("B should be free after back-off, holder %q", f.reg.Holder("B"))
	}

	// Next tick T1 takes B and frees A for T2.
	got = arbitrate(s, 2, t1, t2)
	if !got["T1"] || !got["T2"] {
		t.Fatalf("second tick grants = %v, want both", got)
	}
	if f.reg.Holder("A") != "T2" || f.reg.Holder("B") != "T1" {
		t.Fatalf("holders A=%q B=%q", f.reg.Holder("A"), f.reg.Holder("B"))
	}
}

func TestOrderedAscendingHandoff(t *testing.T) {
	f := newFixture(t, train.Spec{ID: "T1", Track: "A", Speed: 1})
	s := NewOrdered(f.reg, false, nil)
	t1 := f.request("T1", "C", 1)

	if got := arbitrate(s, 1, t1); !got["T1"] {
		t.Fatalf("T1 not granted free C")
	}
	if f.reg.Holder("A") != "" || f.reg.Holder("C") != "T1" {
		t.Fatalf("handoff not applied: A=%q C=%q", f.reg.Holder("A"), f.reg.Holder("C"))
	}
}
