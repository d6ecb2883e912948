package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MadushanIlangakoon/nibm-research-backend/internal/fusion"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/inference"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/models"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/negotiation"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/sampling"
)

type sentMessage struct {
	To      uuid.UUID // uuid.Nil for broadcasts
	Event   string
	Payload interface{}
}

type mockTransport struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (m *mockTransport) Broadcast(event string, payload interface{}) {
	m.mu.Lock()
	m.sent = append(m.sent, sentMessage{Event: event, Payload: payload})
	m.mu.Unlock()
}

func (m *mockTransport) SendTo(id uuid.UUID, event string, payload interface{}) {
	m.mu.Lock()
	m.sent = append(m.sent, sentMessage{To: id, Event: event, Payload: payload})
	m.mu.Unlock()
}

func (m *mockTransport) count(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sent {
		if s.Event == event {
			n++
		}
	}
	return n
}

// await polls until at least n messages of the event have been sent.
func (m *mockTransport) await(t *testing.T, event string, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for m.count(event) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d %q messages, have %d", n, event, m.count(event))
		}
		time.Sleep(time.Millisecond)
	}
}

type mockSink struct {
	mu       sync.Mutex
	reports  []models.ParticipantReport
	failFor  uuid.UUID // WriteParticipantReport fails for this participant
	closedAt *time.Time
	avgGaze  *float64
}

func (m *mockSink) WriteParticipantReport(_ context.Context, r models.ParticipantReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ParticipantID == m.failFor {
		return errors.New("sink unavailable")
	}
	m.reports = append(m.reports, r)
	return nil
}

func (m *mockSink) CloseSession(_ context.Context, _ uuid.UUID, endedAt time.Time, avgGazeSeconds *float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closedAt = &endedAt
	m.avgGaze = avgGazeSeconds
	return nil
}

type mockArchiver struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
}

func (m *mockArchiver) EnqueueArchive(_ context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	m.enqueued = append(m.enqueued, sessionID)
	m.mu.Unlock()
	return nil
}

type fixture struct {
	coord     *Coordinator
	transport *mockTransport
	sink      *mockSink
	archiver  *mockArchiver
	presenter models.Participant
	start     time.Time
	cancel    context.CancelFunc
	runDone   chan struct{}
}

func newFixture(t *testing.T, sink *mockSink) *fixture {
	t.Helper()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	presenterID := uuid.New()
	sess := models.LectureSession{
		ID:          uuid.New(),
		LectureID:   uuid.New(),
		PresenterID: presenterID,
		StartedAt:   start,
	}
	transport := &mockTransport{}
	archiver := &mockArchiver{}
	if sink == nil {
		sink = &mockSink{}
	}
	c := New(Config{
		Session:         sess,
		Transport:       transport,
		Sink:            sink,
		Archiver:        archiver,
		Clock:           sampling.NewManualClock(start),
		DisconnectGrace: 5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(runDone)
	}()
	t.Cleanup(cancel)

	presenter := models.Participant{
		ID:          presenterID,
		DisplayName: "presenter",
		Role:        models.RolePresenter,
		JoinedAt:    start,
	}
	return &fixture{
		coord:     c,
		transport: transport,
		sink:      sink,
		archiver:  archiver,
		presenter: presenter,
		start:     start,
		cancel:    cancel,
		runDone:   runDone,
	}
}

func (f *fixture) join(t *testing.T, p models.Participant, transportID string) {
	t.Helper()
	before := f.transport.count(EventMembership)
	f.coord.Join(p, transportID)
	f.transport.await(t, EventMembership, before+1)
}

func viewer(name string, joinedAt time.Time) models.Participant {
	return models.Participant{
		ID:          uuid.New(),
		DisplayName: name,
		Role:        models.RoleViewer,
		JoinedAt:    joinedAt,
	}
}

// feedSamples injects n inference results at the 200ms cadence. engagedN of
// them (the first ones) carry the engaged flag.
func (f *fixture) feedSamples(t *testing.T, id uuid.UUID, n, engagedN int, score float64) {
	t.Helper()
	before := f.transport.count(EventSampleResponse)
	for i := 1; i <= n; i++ {
		at := f.start.Add(time.Duration(i) * 200 * time.Millisecond)
		f.coord.enqueue(InferenceSample{
			Result: inference.Result{ParticipantID: id, Score: score, Engaged: i <= engagedN},
			At:     at,
		})
	}
	f.transport.await(t, EventSampleResponse, before+n)
}

func (f *fixture) end(t *testing.T, at time.Time) {
	t.Helper()
	f.coord.End(at)
	select {
	case <-f.coord.Done():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for session close")
	}
}

// TestJoinMembershipContract verifies the asymmetric join reply: the joiner
// gets the full member list, everyone gets the delta broadcast.
func TestJoinMembershipContract(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, f.presenter, "tp")

	v := viewer("alice", f.start.Add(time.Second))
	f.join(t, v, "tv")

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	var joinerList []models.Participant
	changes := 0
	for _, msg := range f.transport.sent {
		switch msg.Event {
		case EventMembership:
			if msg.To == v.ID {
				joinerList = msg.Payload.([]models.Participant)
			}
		case EventMembershipChange:
			changes++
		}
	}
	if len(joinerList) != 2 {
		t.Fatalf("joiner membership list = %d entries, want 2", len(joinerList))
	}
	if joinerList[0].ID != f.presenter.ID {
		t.Error("membership list must be ordered by join time")
	}
	if changes != 2 {
		t.Errorf("membership_changed broadcasts = %d, want 2", changes)
	}
}

// TestNegotiationRelayAndStaleDiscard verifies a live payload is forwarded
// exactly once and duplicates after establishment are silently dropped.
func TestNegotiationRelayAndStaleDiscard(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, f.presenter, "tp")
	v := viewer("bob", f.start.Add(time.Second))
	f.join(t, v, "tv")

	// Presenter was present first: it initiates toward the viewer.
	f.coord.Negotiate(f.presenter.ID, v.ID, negotiation.KindOffer, nil)
	f.transport.await(t, EventNegotiation, 1)
	f.coord.Negotiate(v.ID, f.presenter.ID, negotiation.KindAnswer, nil)
	f.transport.await(t, EventNegotiation, 2)

	// Stale duplicates: state settled, nothing may be forwarded.
	f.coord.Negotiate(f.presenter.ID, v.ID, negotiation.KindOffer, nil)
	f.coord.Negotiate(v.ID, f.presenter.ID, negotiation.KindAnswer, nil)
	// ICE still flows on the established link.
	f.coord.Negotiate(f.presenter.ID, v.ID, negotiation.KindICE, nil)
	f.transport.await(t, EventNegotiation, 3)

	time.Sleep(20 * time.Millisecond)
	if got := f.transport.count(EventNegotiation); got != 3 {
		t.Fatalf("forwarded payloads = %d, want 3 (offer, answer, ice)", got)
	}
}

// TestNegotiationRequiresMembership verifies payloads with an unregistered
// end are never forwarded.
func TestNegotiationRequiresMembership(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, f.presenter, "tp")

	f.coord.Negotiate(f.presenter.ID, uuid.New(), negotiation.KindOffer, nil)
	time.Sleep(20 * time.Millisecond)
	if got := f.transport.count(EventNegotiation); got != 0 {
		t.Fatalf("forwarded payloads = %d, want 0", got)
	}
}

// TestEndToEndReport drives a full session: 90 samples over 18 seconds with
// 60 engaged, ended at 20s, and checks every derived report field.
func TestEndToEndReport(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, f.presenter, "tp")
	v := viewer("carol", f.start)
	f.join(t, v, "tv")

	f.feedSamples(t, v.ID, 90, 60, 50)
	endAt := f.start.Add(20 * time.Second)
	f.end(t, endAt)

	if got := f.transport.count(EventSessionEnded); got != 1 {
		t.Fatalf("session_ended broadcasts = %d, want 1", got)
	}

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(f.sink.reports))
	}
	r := f.sink.reports[0]
	if r.ParticipantID != v.ID || r.DisplayName != "carol" {
		t.Errorf("report identity = %s/%q", r.ParticipantID, r.DisplayName)
	}
	if r.SampleCount != 90 {
		t.Errorf("SampleCount = %d, want 90", r.SampleCount)
	}
	if math.Abs(r.AvgScore-50) > 1e-9 {
		t.Errorf("AvgScore = %v, want 50", r.AvgScore)
	}
	if math.Abs(r.ActiveSeconds-18) > 1e-9 {
		t.Errorf("ActiveSeconds = %v, want 18", r.ActiveSeconds)
	}
	if math.Abs(r.GazeSeconds-12) > 1e-9 {
		t.Errorf("GazeSeconds = %v, want 12", r.GazeSeconds)
	}
	if math.Abs(r.DurationSeconds-20) > 1e-9 {
		t.Errorf("DurationSeconds = %v, want 20 (joined at start, left at end)", r.DurationSeconds)
	}
	if len(r.Snapshots) != 3 {
		t.Fatalf("snapshots = %d, want 3 (samples 30, 60, 90)", len(r.Snapshots))
	}
	for i, want := range []float64{6, 12, 18} {
		if math.Abs(r.Snapshots[i].ElapsedSeconds-want) > 1e-9 {
			t.Errorf("snapshot %d elapsed = %v, want %v", i, r.Snapshots[i].ElapsedSeconds, want)
		}
	}

	if f.sink.closedAt == nil || !f.sink.closedAt.Equal(endAt) {
		t.Errorf("CloseSession endedAt = %v, want %v", f.sink.closedAt, endAt)
	}
	if f.sink.avgGaze == nil || math.Abs(*f.sink.avgGaze-12) > 1e-9 {
		t.Errorf("avg gaze = %v, want 12", f.sink.avgGaze)
	}

	f.archiver.mu.Lock()
	defer f.archiver.mu.Unlock()
	if len(f.archiver.enqueued) != 1 {
		t.Errorf("archive jobs = %d, want 1", len(f.archiver.enqueued))
	}
}

// TestCloseStopsDispatchLoop verifies a closed session releases its own
// goroutines instead of idling until the process-lifetime context ends.
func TestCloseStopsDispatchLoop(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, f.presenter, "tp")
	f.end(t, f.start.Add(time.Second))

	// The parent context is still live; the loop must exit on its own.
	select {
	case <-f.runDone:
	case <-time.After(time.Second):
		t.Fatal("dispatch loop still running after close")
	}
}

// TestCloseBarrierDiscardsLateEvents verifies nothing is applied after the
// session closed.
func TestCloseBarrierDiscardsLateEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, f.presenter, "tp")
	v := viewer("dave", f.start)
	f.join(t, v, "tv")
	f.feedSamples(t, v.ID, 10, 10, 40)
	f.end(t, f.start.Add(5*time.Second))

	// Late events after the barrier: dropped, no new outbound traffic.
	sentBefore := f.transport.count(EventSampleResponse)
	f.coord.enqueue(InferenceSample{
		Result: inference.Result{ParticipantID: v.ID, Score: 99, Engaged: true},
		At:     f.start.Add(6 * time.Second),
	})
	f.coord.Join(viewer("late", f.start.Add(6*time.Second)), "tl")
	time.Sleep(20 * time.Millisecond)

	if got := f.transport.count(EventSampleResponse); got != sentBefore {
		t.Errorf("sample responses after close = %d, want %d", got, sentBefore)
	}
	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.reports) != 1 || f.sink.reports[0].SampleCount != 10 {
		t.Error("late sample must not reach the report")
	}
}

// TestUnsampledParticipantsGetNoReport verifies only sampled participants
// produce rows and the aggregate averages over them alone.
func TestUnsampledParticipantsGetNoReport(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, f.presenter, "tp")
	sampled := viewer("seen", f.start)
	silent := viewer("unseen", f.start)
	f.join(t, sampled, "t1")
	f.join(t, silent, "t2")

	f.feedSamples(t, sampled.ID, 30, 30, 70)
	f.end(t, f.start.Add(10*time.Second))

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.reports) != 1 || f.sink.reports[0].ParticipantID != sampled.ID {
		t.Fatalf("reports = %v, want only the sampled viewer", f.sink.reports)
	}
	// 30 engaged samples at 5/s = 6s of gaze; the silent viewer contributes
	// nothing to the aggregate.
	if f.sink.avgGaze == nil || math.Abs(*f.sink.avgGaze-6) > 1e-9 {
		t.Errorf("avg gaze = %v, want 6", f.sink.avgGaze)
	}
}

// TestNoSamplesNoAggregate verifies a session with zero sampled participants
// records only its end timestamp.
func TestNoSamplesNoAggregate(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, f.presenter, "tp")
	f.end(t, f.start.Add(time.Second))

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.reports) != 0 {
		t.Fatalf("reports = %d, want 0", len(f.sink.reports))
	}
	if f.sink.closedAt == nil {
		t.Fatal("end timestamp must still be recorded")
	}
	if f.sink.avgGaze != nil {
		t.Fatalf("avg gaze = %v, want nil", *f.sink.avgGaze)
	}
	f.archiver.mu.Lock()
	defer f.archiver.mu.Unlock()
	if len(f.archiver.enqueued) != 0 {
		t.Error("no archive job without emitted reports")
	}
}

// TestEmissionFailureIsolation verifies a failed participant write does not
// block the remaining participants or the session aggregate.
func TestEmissionFailureIsolation(t *testing.T) {
	failing := viewer("flaky", time.Time{})
	sink := &mockSink{failFor: failing.ID}
	f := newFixture(t, sink)
	failing.JoinedAt = f.start

	f.join(t, f.presenter, "tp")
	ok := viewer("steady", f.start)
	f.join(t, ok, "t1")
	f.join(t, failing, "t2")

	f.feedSamples(t, ok.ID, 30, 30, 60)
	f.feedSamples(t, failing.ID, 30, 15, 40)
	f.end(t, f.start.Add(10*time.Second))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.reports) != 1 || sink.reports[0].ParticipantID != ok.ID {
		t.Fatalf("reports = %v, want only the healthy write", sink.reports)
	}
	// The aggregate covers everyone sampled, failed emission or not:
	// (6 + 3) / 2.
	if sink.avgGaze == nil || math.Abs(*sink.avgGaze-4.5) > 1e-9 {
		t.Errorf("avg gaze = %v, want 4.5", sink.avgGaze)
	}
	f.archiver.mu.Lock()
	defer f.archiver.mu.Unlock()
	if len(f.archiver.enqueued) != 1 {
		t.Error("archive job must still be enqueued for the emitted report")
	}
}

// TestDisconnectGraceReconnect verifies a reconnect within the grace period
// cancels the pending leave.
func TestDisconnectGraceReconnect(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, f.presenter, "tp")
	v := viewer("erin", f.start)
	f.join(t, v, "tv1")

	f.coord.Disconnect(v.ID, "tv1")
	f.join(t, v, "tv2") // reconnect before the grace timer fires

	time.Sleep(30 * time.Millisecond) // let the grace timer fire and no-op
	found := false
	for _, p := range f.coord.Participants() {
		if p.ID == v.ID && p.LeftAt == nil {
			found = true
		}
	}
	if !found {
		t.Fatal("reconnected participant must not be marked as left")
	}
}

// TestDisconnectGraceExpires verifies an unanswered disconnect commits the
// leave after the grace period.
func TestDisconnectGraceExpires(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, f.presenter, "tp")
	v := viewer("frank", f.start)
	f.join(t, v, "tv")

	f.coord.Disconnect(v.ID, "tv")
	deadline := time.Now().Add(time.Second)
	for {
		left := false
		for _, p := range f.coord.Participants() {
			if p.ID == v.ID && p.LeftAt != nil {
				left = true
			}
		}
		if left {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("leave never committed after grace period")
		}
		time.Sleep(time.Millisecond)
	}
}

// TestPresenterLeaveClosesSession verifies an abnormal presenter disconnect
// runs the same close sequence as the explicit end action.
func TestPresenterLeaveClosesSession(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, f.presenter, "tp")
	v := viewer("grace", f.start)
	f.join(t, v, "tv")
	f.feedSamples(t, v.ID, 10, 10, 30)

	f.coord.Disconnect(f.presenter.ID, "tp")
	select {
	case <-f.coord.Done():
	case <-time.After(time.Second):
		t.Fatal("presenter disconnect must close the session")
	}

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(f.sink.reports))
	}
	if f.sink.closedAt == nil {
		t.Fatal("session must be stamped closed")
	}
}

// TestFinalizedStats is a guard on the fusion wiring: the stats handed to
// buildReport are frozen copies.
func TestFinalizedStats(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, f.presenter, "tp")
	v := viewer("henry", f.start)
	f.join(t, v, "tv")
	f.feedSamples(t, v.ID, fusion.SnapshotEvery, fusion.SnapshotEvery, 55)
	f.end(t, f.start.Add(10*time.Second))

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.reports[0].Snapshots) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(f.sink.reports[0].Snapshots))
	}
}
