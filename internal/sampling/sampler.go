// Package sampling drives the fixed-cadence capture of each viewer's
// rendered video for attention inference. The cadence is owned here,
// independent of negotiation state or any rendering loop, so a session can
// be tested with a virtual clock.
package sampling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultInterval is the nominal sampling cadence (5 samples/sec).
const DefaultInterval = 200 * time.Millisecond

// Frame is one encoded snapshot of a viewer's video surface.
type Frame struct {
	Data   []byte
	Width  int
	Height int
}

// Ready reports whether the surface has rendered anything worth sampling.
func (f Frame) Ready() bool {
	return len(f.Data) > 0 && f.Width > 0 && f.Height > 0
}

// FrameSource yields the latest snapshot of one remote video surface. The
// bool is false while the surface has produced nothing yet.
type FrameSource interface {
	Snapshot() (Frame, bool)
}

// Target is one participant due for sampling this tick.
type Target struct {
	ParticipantID uuid.UUID
	Source        FrameSource
}

// Sampler captures a frame per ready target every interval and hands it to
// the dispatch function. Dispatch is fire-and-forget: it must not block (the
// session runs inference calls on their own goroutines), and a dropped
// capture simply means one fewer sample for that period.
type Sampler struct {
	interval time.Duration
	clock    Clock
	targets  func() []Target
	dispatch func(participantID uuid.UUID, frame Frame, at time.Time)
	log      *zap.Logger
}

// New creates a sampler. targets is consulted every tick so newly
// established links are picked up without re-registration.
func New(interval time.Duration, clock Clock, targets func() []Target, dispatch func(uuid.UUID, Frame, time.Time), log *zap.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clock == nil {
		clock = WallClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sampler{interval: interval, clock: clock, targets: targets, dispatch: dispatch, log: log}
}

// Run ticks until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case at := <-ticker.C():
			s.tick(at)
		}
	}
}

func (s *Sampler) tick(at time.Time) {
	for _, t := range s.targets() {
		frame, ok := t.Source.Snapshot()
		if !ok || !frame.Ready() {
			// surface not rendering yet; skip until it has dimensions
			continue
		}
		s.dispatch(t.ParticipantID, frame, at)
	}
}
