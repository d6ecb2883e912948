// Package fusion merges the stream of per-participant attention samples into
// rolling UI state and periodic immutable snapshots for the final report.
package fusion

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MadushanIlangakoon/nibm-research-backend/internal/models"
)

const (
	// SnapshotEvery is the sample stride at which an (elapsed, score) point
	// is retained for graphing.
	SnapshotEvery = 30
	// SamplesPerSecond is the nominal sampling cadence (one frame every
	// 200ms). Active time and gaze duration are derived from it.
	SamplesPerSecond = 5
)

// ParticipantStats is the frozen view of one participant's accumulator.
type ParticipantStats struct {
	ParticipantID uuid.UUID
	SampleCount   int
	ScoreSum      float64
	MinScore      float64
	MaxScore      float64
	EngagedCount  int
	FirstSampleAt time.Time
	LeftAt        time.Time
	Snapshots     []models.SnapshotPoint
}

// AvgScore is ScoreSum / SampleCount, 0 when no samples arrived.
func (s ParticipantStats) AvgScore() float64 {
	if s.SampleCount == 0 {
		return 0
	}
	return s.ScoreSum / float64(s.SampleCount)
}

// ActiveSeconds derives time actually sampled from the cadence.
func (s ParticipantStats) ActiveSeconds() float64 {
	return float64(s.SampleCount) / SamplesPerSecond
}

// GazeSeconds derives time spent engaged from the cadence.
func (s ParticipantStats) GazeSeconds() float64 {
	return float64(s.EngagedCount) / SamplesPerSecond
}

// record is one participant's live accumulator. Each record carries its own
// lock so samples for different participants never contend.
type record struct {
	mu        sync.Mutex
	stats     ParticipantStats
	latest    float64 // most recent score, feeds the combined display value
	engaged   bool    // engaged flag of the most recent sample
	finalized bool
}

// Accumulator fuses inference samples for one session. OnSample is safe for
// concurrent use across participants; samples for a single participant must
// arrive in order (the session dispatch loop guarantees that).
type Accumulator struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*record
}

// New creates an empty accumulator.
func New() *Accumulator {
	return &Accumulator{records: make(map[uuid.UUID]*record)}
}

func (a *Accumulator) getOrCreate(id uuid.UUID, at time.Time) *record {
	a.mu.RLock()
	r, ok := a.records[id]
	a.mu.RUnlock()
	if ok {
		return r
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok = a.records[id]; ok {
		return r
	}
	r = &record{stats: ParticipantStats{ParticipantID: id, FirstSampleAt: at}}
	a.records[id] = r
	return r
}

// OnSample folds one inference result into the participant's running totals.
// Every SnapshotEvery-th sample an immutable (elapsed, score) point is
// appended. Samples for a finalized participant are discarded.
func (a *Accumulator) OnSample(id uuid.UUID, score float64, engaged bool, elapsed time.Duration, at time.Time) bool {
	r := a.getOrCreate(id, at)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return false
	}
	s := &r.stats
	if s.SampleCount == 0 || score < s.MinScore {
		s.MinScore = score
	}
	if s.SampleCount == 0 || score > s.MaxScore {
		s.MaxScore = score
	}
	s.SampleCount++
	s.ScoreSum += score
	if engaged {
		s.EngagedCount++
	}
	if s.SampleCount%SnapshotEvery == 0 {
		s.Snapshots = append(s.Snapshots, models.SnapshotPoint{
			ElapsedSeconds: elapsed.Seconds(),
			Score:          score,
		})
	}
	r.latest = score
	r.engaged = engaged
	return true
}

// Combined is the presenter-facing rolling value: the plain average of the
// most recent sample from each currently-engaged participant. Advisory only,
// never persisted.
func (a *Accumulator) Combined() (avg float64, engaged int) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var sum float64
	for _, r := range a.records {
		r.mu.Lock()
		if !r.finalized && r.engaged {
			sum += r.latest
			engaged++
		}
		r.mu.Unlock()
	}
	if engaged == 0 {
		return 0, 0
	}
	return sum / float64(engaged), engaged
}

// Finalize stamps the participant's leave time and freezes the record. It is
// idempotent: only the first call sets the leave time.
func (a *Accumulator) Finalize(id uuid.UUID, leftAt time.Time) {
	a.mu.RLock()
	r, ok := a.records[id]
	a.mu.RUnlock()
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finalized {
		r.finalized = true
		r.stats.LeftAt = leftAt
	}
}

// FinalizeAll freezes every record that is still live, stamping leftAt on
// anyone without a leave time (still connected at close time).
func (a *Accumulator) FinalizeAll(leftAt time.Time) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, r := range a.records {
		r.mu.Lock()
		if !r.finalized {
			r.finalized = true
			r.stats.LeftAt = leftAt
		}
		r.mu.Unlock()
	}
}

// Stats returns the frozen stats of every participant with at least one
// sample. Call after FinalizeAll; records are copied out.
func (a *Accumulator) Stats() []ParticipantStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]ParticipantStats, 0, len(a.records))
	for _, r := range a.records {
		r.mu.Lock()
		if r.stats.SampleCount > 0 {
			cp := r.stats
			cp.Snapshots = append([]models.SnapshotPoint(nil), r.stats.Snapshots...)
			out = append(out, cp)
		}
		r.mu.Unlock()
	}
	return out
}
