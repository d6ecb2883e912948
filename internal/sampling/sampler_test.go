package sampling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type stubSource struct {
	mu    sync.Mutex
	frame Frame
	ready bool
}

func (s *stubSource) set(f Frame) {
	s.mu.Lock()
	s.frame = f
	s.ready = true
	s.mu.Unlock()
}

func (s *stubSource) Snapshot() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.ready
}

type capture struct {
	participantID uuid.UUID
	at            time.Time
}

// runSampler starts a sampler over a manual clock and returns the capture
// channel plus a stop func.
func runSampler(t *testing.T, clock *ManualClock, targets func() []Target) (<-chan capture, func()) {
	t.Helper()
	captures := make(chan capture, 64)
	dispatch := func(id uuid.UUID, _ Frame, at time.Time) {
		captures <- capture{participantID: id, at: at}
	}
	s := New(DefaultInterval, clock, targets, dispatch, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	// Run creates its ticker on its own goroutine; wait for it before the
	// caller advances the clock.
	deadline := time.Now().Add(time.Second)
	for clock.TickerCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sampler never created its ticker")
		}
		time.Sleep(time.Millisecond)
	}
	return captures, func() {
		cancel()
		<-done
	}
}

func expectCapture(t *testing.T, ch <-chan capture) capture {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for capture")
		return capture{}
	}
}

func expectNoCapture(t *testing.T, ch <-chan capture) {
	t.Helper()
	select {
	case c := <-ch:
		t.Fatalf("unexpected capture for %s", c.participantID)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestCadence verifies one capture per ready target per tick, stamped with
// the virtual tick time.
func TestCadence(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)
	id := uuid.New()
	src := &stubSource{}
	src.set(Frame{Data: []byte{1}, Width: 320, Height: 240})

	captures, stop := runSampler(t, clock, func() []Target {
		return []Target{{ParticipantID: id, Source: src}}
	})
	defer stop()

	clock.Advance(time.Second) // 5 ticks at 200ms
	for i := 1; i <= 5; i++ {
		c := expectCapture(t, captures)
		if c.participantID != id {
			t.Fatalf("capture %d for %s, want %s", i, c.participantID, id)
		}
		want := start.Add(time.Duration(i) * DefaultInterval)
		if !c.at.Equal(want) {
			t.Errorf("capture %d at %v, want %v", i, c.at, want)
		}
	}
	expectNoCapture(t, captures)
}

// TestReadinessGate verifies a surface without dimensions is skipped until
// it renders, and that the first real frame is picked up without
// re-registration.
func TestReadinessGate(t *testing.T) {
	clock := NewManualClock(time.Now())
	id := uuid.New()
	src := &stubSource{}

	captures, stop := runSampler(t, clock, func() []Target {
		return []Target{{ParticipantID: id, Source: src}}
	})
	defer stop()

	clock.Advance(DefaultInterval)
	expectNoCapture(t, captures) // no snapshot yet

	src.set(Frame{Data: []byte{1}, Width: 0, Height: 0})
	clock.Advance(DefaultInterval)
	expectNoCapture(t, captures) // zero dimensions, not rendering

	src.set(Frame{Data: []byte{1}, Width: 640, Height: 480})
	clock.Advance(DefaultInterval)
	c := expectCapture(t, captures)
	if c.participantID != id {
		t.Fatalf("capture for %s, want %s", c.participantID, id)
	}
}

// TestTargetsConsultedEveryTick verifies newly added targets appear on the
// next tick.
func TestTargetsConsultedEveryTick(t *testing.T) {
	clock := NewManualClock(time.Now())
	var mu sync.Mutex
	var targets []Target

	captures, stop := runSampler(t, clock, func() []Target {
		mu.Lock()
		defer mu.Unlock()
		return append([]Target(nil), targets...)
	})
	defer stop()

	clock.Advance(DefaultInterval)
	expectNoCapture(t, captures)

	id := uuid.New()
	src := &stubSource{}
	src.set(Frame{Data: []byte{1}, Width: 320, Height: 240})
	mu.Lock()
	targets = append(targets, Target{ParticipantID: id, Source: src})
	mu.Unlock()

	clock.Advance(DefaultInterval)
	if c := expectCapture(t, captures); c.participantID != id {
		t.Fatalf("capture for %s, want %s", c.participantID, id)
	}
}

// TestManualClockAdvance verifies due ticks are delivered in order across
// multiple intervals in one Advance call.
func TestManualClockAdvance(t *testing.T) {
	start := time.Now()
	clock := NewManualClock(start)
	ticker := clock.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	clock.Advance(350 * time.Millisecond)
	for i := 1; i <= 3; i++ {
		select {
		case at := <-ticker.C():
			want := start.Add(time.Duration(i) * 100 * time.Millisecond)
			if !at.Equal(want) {
				t.Errorf("tick %d at %v, want %v", i, at, want)
			}
		default:
			t.Fatalf("missing tick %d", i)
		}
	}
	select {
	case at := <-ticker.C():
		t.Fatalf("extra tick at %v", at)
	default:
	}
	if got := clock.Now(); !got.Equal(start.Add(350 * time.Millisecond)) {
		t.Errorf("Now = %v, want start+350ms", got)
	}
}
