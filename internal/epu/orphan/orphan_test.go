package orphan

import (
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/smartem/epuwatch/internal/epu/classify"
)

// fakeClock is a settable time source for deterministic age checks.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(timeout time.Duration) (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	m := New(&Config{Timeout: timeout, Logger: log.New(io.Discard, "", 0)})
	m.now = clock.Now
	return m, clock
}

// TestRegisterResolve verifies resolution returns exactly the orphans under
// the requested key and empties it.
func TestRegisterResolve(t *testing.T) {
	m, _ := newTestManager(time.Minute)

	m.Register("fh-1", classify.FoilHole, "50", "/epu/GridSquare_50/FoilHoles/FoilHole_1_1.xml")
	m.Register("fh-2", classify.FoilHole, "50", "/epu/GridSquare_50/FoilHoles/FoilHole_2_1.xml")
	m.Register("mic-1", classify.Micrograph, "1", "/epu/GridSquare_50/Data/FoilHole_1_Data_1.xml")

	if got := m.ResolveFor(classify.GridSquare, "51"); len(got) != 0 {
		t.Errorf("unrelated key resolved %d orphans", len(got))
	}
	if got := m.ResolveFor(classify.FoilHole, "50"); len(got) != 0 {
		t.Errorf("wrong parent type resolved %d orphans", len(got))
	}

	got := m.ResolveFor(classify.GridSquare, "50")
	if len(got) != 2 {
		t.Fatalf("ResolveFor returned %d orphans, want 2", len(got))
	}
	if got[0].Data != "fh-1" || got[1].Data != "fh-2" {
		t.Errorf("payloads = %v, %v", got[0].Data, got[1].Data)
	}
	if got[0].ParentType != classify.GridSquare || got[0].ParentNaturalID != "50" {
		t.Errorf("orphan parent = %v %q", got[0].ParentType, got[0].ParentNaturalID)
	}
	if m.Pending(classify.GridSquare, "50") != 0 {
		t.Error("key should be empty after resolution")
	}
	if again := m.ResolveFor(classify.GridSquare, "50"); len(again) != 0 {
		t.Errorf("second resolution returned %d orphans", len(again))
	}

	stats := m.Stats()
	if stats.TotalPending != 1 || stats.ByEntityType["micrograph"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Resolved != 2 {
		t.Errorf("Resolved = %d, want 2", stats.Resolved)
	}
}

// TestRegister_SamePathReplaces verifies a file rewritten while its parent
// is missing is held once, with the newest payload and its first wait time.
func TestRegister_SamePathReplaces(t *testing.T) {
	m, clock := newTestManager(time.Minute)
	path := "/epu/GridSquare_50/FoilHoles/FoilHole_1_1.xml"

	m.Register("created", classify.FoilHole, "50", path)
	first := clock.Now()
	clock.Advance(30 * time.Second)
	m.Register("modified", classify.FoilHole, "50", path)

	if n := m.Pending(classify.GridSquare, "50"); n != 1 {
		t.Fatalf("Pending = %d, want 1", n)
	}

	got := m.ResolveFor(classify.GridSquare, "50")
	if len(got) != 1 || got[0].Data != "modified" {
		t.Fatalf("resolved = %+v, want one entity with the newest payload", got)
	}
	if !got[0].FirstSeen.Equal(first) {
		t.Errorf("FirstSeen = %v, want %v", got[0].FirstSeen, first)
	}
	if m.Stats().Resolved != 1 {
		t.Errorf("Resolved = %d, want 1", m.Stats().Resolved)
	}
}

func TestRegister_ActiveGridKey(t *testing.T) {
	m, _ := newTestManager(time.Minute)

	m.Register("atlas", classify.Atlas, ActiveGrid, "/epu/Sample1/Atlas/Atlas.dm")
	m.Register("gs", classify.GridSquare, ActiveGrid, "/epu/Metadata/GridSquare_1.dm")

	got := m.ResolveFor(classify.Grid, ActiveGrid)
	if len(got) != 2 {
		t.Fatalf("ResolveFor(grid, *) returned %d, want 2", len(got))
	}
}

// TestRegister_DeadLetter verifies unmapped entity types are kept for
// inspection instead of being dropped.
func TestRegister_DeadLetter(t *testing.T) {
	m, _ := newTestManager(time.Minute)

	m.Register("grid", classify.Grid, "", "/epu/EpuSession.dm")

	if m.Stats().TotalPending != 0 {
		t.Error("dead letter should not be pending")
	}
	dl := m.DeadLetters()
	if len(dl) != 1 || dl[0].FilePath != "/epu/EpuSession.dm" {
		t.Errorf("DeadLetters() = %+v", dl)
	}
	if m.Stats().DeadLetters != 1 {
		t.Errorf("Stats().DeadLetters = %d, want 1", m.Stats().DeadLetters)
	}
}

// TestCheckTimeouts_NonDestructive verifies timed-out orphans are reported on
// every sweep, counted once, and still resolvable.
func TestCheckTimeouts_NonDestructive(t *testing.T) {
	m, clock := newTestManager(time.Minute)
	path := "/epu/GridSquare_7/FoilHoles/FoilHole_3_1.xml"
	m.Register("fh", classify.FoilHole, "7", path)

	if got := m.CheckTimeouts(0); len(got) != 0 {
		t.Fatalf("fresh orphan reported as timed out")
	}

	clock.Advance(2 * time.Minute)
	for i := range 3 {
		got := m.CheckTimeouts(0)
		if len(got) != 1 || got[0].FilePath != path {
			t.Fatalf("sweep %d returned %+v", i, got)
		}
	}
	if m.Stats().TimedOut != 1 {
		t.Errorf("TimedOut = %d after repeated sweeps, want 1", m.Stats().TimedOut)
	}
	if m.Stats().TotalPending != 1 {
		t.Error("timeout sweep must not remove orphans")
	}

	if got := m.ResolveFor(classify.GridSquare, "7"); len(got) != 1 {
		t.Fatalf("timed-out orphan not resolvable")
	}
	if got := m.CheckTimeouts(0); len(got) != 0 {
		t.Errorf("resolved orphan still reported")
	}
}

// TestCheckTimeouts_NewEpisode verifies a path orphaned again after
// resolution can warn again.
func TestCheckTimeouts_NewEpisode(t *testing.T) {
	m, clock := newTestManager(time.Minute)
	path := "/epu/GridSquare_7/FoilHoles/FoilHole_3_1.xml"

	m.Register("fh", classify.FoilHole, "7", path)
	clock.Advance(2 * time.Minute)
	m.CheckTimeouts(0)
	m.ResolveFor(classify.GridSquare, "7")

	m.Register("fh", classify.FoilHole, "7", path)
	clock.Advance(2 * time.Minute)
	m.CheckTimeouts(0)

	if m.Stats().TimedOut != 2 {
		t.Errorf("TimedOut = %d, want 2", m.Stats().TimedOut)
	}
}

func TestCheckTimeouts_ExplicitMaxAge(t *testing.T) {
	m, clock := newTestManager(time.Hour)
	m.Register("mic", classify.Micrograph, "3", "/epu/GridSquare_7/Data/FoilHole_3_Data_1.xml")
	clock.Advance(10 * time.Second)

	if got := m.CheckTimeouts(5 * time.Second); len(got) != 1 {
		t.Errorf("CheckTimeouts(5s) returned %d, want 1", len(got))
	}
	if got := m.CheckTimeouts(0); len(got) != 0 {
		t.Errorf("CheckTimeouts(default 1h) returned %d, want 0", len(got))
	}
}

// TestConcurrentAccess exercises the sweep and the processing side together.
func TestConcurrentAccess(t *testing.T) {
	m, _ := newTestManager(time.Nanosecond)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 200 {
			m.Register("fh", classify.FoilHole, "1", "/epu/GridSquare_1/FoilHoles/FoilHole_1_1.xml")
			m.ResolveFor(classify.GridSquare, "1")
		}
	}()
	go func() {
		defer wg.Done()
		for range 200 {
			m.CheckTimeouts(0)
			m.Stats()
		}
	}()
	wg.Wait()
}

func TestParentType(t *testing.T) {
	tests := map[classify.EntityType]classify.EntityType{
		classify.Atlas:      classify.Grid,
		classify.GridSquare: classify.Grid,
		classify.FoilHole:   classify.GridSquare,
		classify.Micrograph: classify.FoilHole,
	}
	for child, want := range tests {
		if got, ok := ParentType(child); !ok || got != want {
			t.Errorf("ParentType(%v) = (%v, %v), want %v", child, got, ok, want)
		}
	}
	if _, ok := ParentType(classify.Grid); ok {
		t.Error("grid should have no parent type")
	}
}
