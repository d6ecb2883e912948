package fusion

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
)

func feed(a *Accumulator, id uuid.UUID, scores []float64, engaged bool, start time.Time) {
	for i, s := range scores {
		elapsed := time.Duration(i+1) * 200 * time.Millisecond
		a.OnSample(id, s, engaged, elapsed, start.Add(elapsed))
	}
}

// TestRunningTotals verifies count, sum, min and max fold correctly.
func TestRunningTotals(t *testing.T) {
	a := New()
	id := uuid.New()
	start := time.Now()

	feed(a, id, []float64{40, 10, 90, 60}, true, start)
	a.FinalizeAll(start.Add(time.Second))

	stats := a.Stats()
	if len(stats) != 1 {
		t.Fatalf("Stats = %d records, want 1", len(stats))
	}
	s := stats[0]
	if s.SampleCount != 4 {
		t.Errorf("SampleCount = %d, want 4", s.SampleCount)
	}
	if got := s.AvgScore(); math.Abs(got-50) > 1e-9 {
		t.Errorf("AvgScore = %v, want 50", got)
	}
	if s.MinScore != 10 || s.MaxScore != 90 {
		t.Errorf("min/max = %v/%v, want 10/90", s.MinScore, s.MaxScore)
	}
}

// TestMinStartsAtFirstScore verifies a high first score does not leave min
// stuck at zero.
func TestMinStartsAtFirstScore(t *testing.T) {
	a := New()
	id := uuid.New()
	a.OnSample(id, 80, true, time.Second, time.Now())
	a.FinalizeAll(time.Now())

	s := a.Stats()[0]
	if s.MinScore != 80 || s.MaxScore != 80 {
		t.Fatalf("single-sample min/max = %v/%v, want 80/80", s.MinScore, s.MaxScore)
	}
}

// TestSnapshotStride verifies one snapshot per SnapshotEvery samples, carrying
// the elapsed time and score of the sample that triggered it.
func TestSnapshotStride(t *testing.T) {
	a := New()
	id := uuid.New()
	start := time.Now()

	n := SnapshotEvery * 3
	for i := 1; i <= n; i++ {
		elapsed := time.Duration(i) * 200 * time.Millisecond
		a.OnSample(id, float64(i), true, elapsed, start.Add(elapsed))
	}
	a.FinalizeAll(start.Add(time.Minute))

	s := a.Stats()[0]
	if len(s.Snapshots) != 3 {
		t.Fatalf("snapshots = %d, want 3", len(s.Snapshots))
	}
	for i, snap := range s.Snapshots {
		wantScore := float64((i + 1) * SnapshotEvery)
		if snap.Score != wantScore {
			t.Errorf("snapshot %d score = %v, want %v", i, snap.Score, wantScore)
		}
		wantElapsed := (time.Duration((i+1)*SnapshotEvery) * 200 * time.Millisecond).Seconds()
		if math.Abs(snap.ElapsedSeconds-wantElapsed) > 1e-9 {
			t.Errorf("snapshot %d elapsed = %v, want %v", i, snap.ElapsedSeconds, wantElapsed)
		}
	}
}

// TestDerivedDurations verifies active and gaze time derive from the cadence.
func TestDerivedDurations(t *testing.T) {
	a := New()
	id := uuid.New()
	start := time.Now()

	// 90 samples, 60 of them engaged.
	feed(a, id, make([]float64, 60), true, start)
	feed(a, id, make([]float64, 30), false, start)
	a.FinalizeAll(start.Add(time.Minute))

	s := a.Stats()[0]
	if got := s.ActiveSeconds(); math.Abs(got-18) > 1e-9 {
		t.Errorf("ActiveSeconds = %v, want 18 (90 samples at 5/s)", got)
	}
	if got := s.GazeSeconds(); math.Abs(got-12) > 1e-9 {
		t.Errorf("GazeSeconds = %v, want 12 (60 engaged at 5/s)", got)
	}
}

// TestCombinedLatestSampleOfEngaged verifies the rolling display value is the
// plain average of the most recent sample from currently-engaged participants.
func TestCombinedLatestSampleOfEngaged(t *testing.T) {
	a := New()
	p1, p2, p3 := uuid.New(), uuid.New(), uuid.New()
	now := time.Now()

	a.OnSample(p1, 20, true, time.Second, now)
	a.OnSample(p1, 40, true, 2*time.Second, now) // latest for p1
	a.OnSample(p2, 80, true, time.Second, now)
	a.OnSample(p3, 99, false, time.Second, now) // disengaged, excluded

	avg, engaged := a.Combined()
	if engaged != 2 {
		t.Fatalf("engaged = %d, want 2", engaged)
	}
	if math.Abs(avg-60) > 1e-9 {
		t.Errorf("Combined = %v, want 60 ((40+80)/2)", avg)
	}
}

// TestCombinedEmpty verifies the zero state with nobody engaged.
func TestCombinedEmpty(t *testing.T) {
	a := New()
	if avg, engaged := a.Combined(); avg != 0 || engaged != 0 {
		t.Fatalf("Combined on empty accumulator = %v/%d, want 0/0", avg, engaged)
	}
}

// TestFinalizeFreezesRecord verifies samples after finalize are discarded and
// the first leave time wins.
func TestFinalizeFreezesRecord(t *testing.T) {
	a := New()
	id := uuid.New()
	start := time.Now()

	a.OnSample(id, 50, true, time.Second, start)
	left := start.Add(10 * time.Second)
	a.Finalize(id, left)

	if a.OnSample(id, 99, true, 2*time.Second, start.Add(2*time.Second)) {
		t.Fatal("OnSample after finalize must report discard")
	}
	a.Finalize(id, left.Add(time.Hour)) // second finalize must not move LeftAt
	a.FinalizeAll(left.Add(2 * time.Hour))

	s := a.Stats()[0]
	if s.SampleCount != 1 {
		t.Errorf("SampleCount = %d, want 1 (late sample discarded)", s.SampleCount)
	}
	if !s.LeftAt.Equal(left) {
		t.Errorf("LeftAt = %v, want first finalize time %v", s.LeftAt, left)
	}
	// Finalized participants never feed the combined value.
	if _, engaged := a.Combined(); engaged != 0 {
		t.Errorf("Combined engaged = %d, want 0 after finalize", engaged)
	}
}

// TestStatsSkipsUnsampled verifies participants with zero samples produce no
// stats record.
func TestStatsSkipsUnsampled(t *testing.T) {
	a := New()
	sampled := uuid.New()
	a.OnSample(sampled, 10, true, time.Second, time.Now())
	a.Finalize(uuid.New(), time.Now()) // never sampled, no record either way
	a.FinalizeAll(time.Now())

	stats := a.Stats()
	if len(stats) != 1 || stats[0].ParticipantID != sampled {
		t.Fatalf("Stats = %v, want only the sampled participant", stats)
	}
}
