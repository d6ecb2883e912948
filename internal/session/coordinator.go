// Package session orchestrates one live lecture session: membership,
// peer-link negotiation, attention sampling, and the end-of-session report.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MadushanIlangakoon/nibm-research-backend/internal/fusion"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/inference"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/models"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/negotiation"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/registry"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/sampling"
)

// Lifecycle state of a session.
const (
	stateRunning = iota
	stateEnding
	stateClosed
)

// ErrSessionClosed is returned when an operation arrives for a session that
// already passed its close barrier.
var ErrSessionClosed = errors.New("session closed")

// ReportSink is the durable persistence collaborator. Write failures are
// logged by the coordinator, never retried here.
type ReportSink interface {
	WriteParticipantReport(ctx context.Context, report models.ParticipantReport) error
	// CloseSession stamps the end time and, when at least one participant
	// produced samples, the session-level average gaze duration.
	CloseSession(ctx context.Context, sessionID uuid.UUID, endedAt time.Time, avgGazeSeconds *float64) error
}

// Archiver enqueues the post-close report archive export. Optional.
type Archiver interface {
	EnqueueArchive(ctx context.Context, sessionID uuid.UUID) error
}

// Config carries the per-session collaborators and tuning.
type Config struct {
	Session        models.LectureSession
	Transport      Transport
	Sink           ReportSink
	Archiver       Archiver
	Predictor      inference.Predictor
	Clock          sampling.Clock
	SampleInterval time.Duration
	DisconnectGrace time.Duration
	Logger         *zap.Logger
	// OnClosed is invoked once after the session reaches closed (used by the
	// manager to drop its reference).
	OnClosed func(sessionID uuid.UUID)
}

// Coordinator owns all mutable state of one live session. State transitions
// happen only on the dispatch goroutine; transport I/O, inference calls and
// sink writes run off-loop.
type Coordinator struct {
	session models.LectureSession
	cfg     Config
	log     *zap.Logger

	reg   *registry.Registry
	links *negotiation.Tracker
	acc   *fusion.Accumulator

	events chan Event
	state  int // dispatch-goroutine only

	framesMu sync.RWMutex
	frames   map[uuid.UUID]*frameCell

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a coordinator for a started session. Run must be called to
// start the dispatch loop.
func New(cfg Config) *Coordinator {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("session_id", cfg.Session.ID.String()))
	if cfg.Clock == nil {
		cfg.Clock = sampling.WallClock{}
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = sampling.DefaultInterval
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = 10 * time.Second
	}
	return &Coordinator{
		session: cfg.Session,
		cfg:     cfg,
		log:     log,
		reg:     registry.New(),
		links:   negotiation.NewTracker(log),
		acc:     fusion.New(),
		events:  make(chan Event, 256),
		frames:  make(map[uuid.UUID]*frameCell),
		done:    make(chan struct{}),
	}
}

// ID returns the session identifier.
func (c *Coordinator) ID() uuid.UUID { return c.session.ID }

// PresenterID returns the identity of the session's presenter.
func (c *Coordinator) PresenterID() uuid.UUID { return c.session.PresenterID }

// Done is closed when the session reaches its closed state.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Run executes the dispatch loop and the frame sampler until the session
// closes or ctx is cancelled. Late events after close are drained and
// discarded until ctx ends.
func (c *Coordinator) Run(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	defer c.cancel()

	sampler := sampling.New(c.cfg.SampleInterval, c.cfg.Clock, c.samplingTargets, c.dispatchSample, c.log)
	go sampler.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.dispatch(ctx, ev)
		}
	}
}

// enqueue hands an event to the dispatch loop, dropping it if the session
// is already gone.
func (c *Coordinator) enqueue(ev Event) {
	select {
	case <-c.done:
	case c.events <- ev:
	}
}

// Join registers a participant (or reconnect) and answers with the current
// membership list.
func (c *Coordinator) Join(p models.Participant, transportID string) {
	c.enqueue(MembershipChanged{Participant: p, TransportID: transportID, Joined: true})
}

// Disconnect reports a dropped transport. The leave is only committed after
// the grace period passes without a reconnect under the same identity.
func (c *Coordinator) Disconnect(participantID uuid.UUID, transportID string) {
	time.AfterFunc(c.cfg.DisconnectGrace, func() {
		p, err := c.reg.Get(participantID)
		if err != nil {
			return
		}
		c.enqueue(MembershipChanged{Participant: p, TransportID: transportID, Joined: false})
	})
}

// Negotiate relays one handshake payload.
func (c *Coordinator) Negotiate(from, to uuid.UUID, kind negotiation.PayloadKind, payload json.RawMessage) {
	c.enqueue(NegotiationPayload{From: from, To: to, Kind: kind, Payload: payload})
}

// End requests the close sequence (presenter action).
func (c *Coordinator) End(at time.Time) {
	c.enqueue(SessionEnded{At: at})
}

// SampleRequest is the presenter push path: one snapshot for one viewer,
// forwarded to the inference collaborator immediately instead of waiting for
// the next sampler tick. Fire-and-forget, like the sampler path.
func (c *Coordinator) SampleRequest(participantID uuid.UUID, frame []byte, at time.Time) {
	c.dispatchSample(participantID, sampling.Frame{Data: frame}, at)
}

// ViewerFrame stores the presenter-captured snapshot of a viewer's video
// surface; the sampler picks the latest one up on its next tick.
func (c *Coordinator) ViewerFrame(viewerID uuid.UUID, data []byte, width, height int) {
	c.framesMu.Lock()
	cell, ok := c.frames[viewerID]
	if !ok {
		cell = &frameCell{}
		c.frames[viewerID] = cell
	}
	c.framesMu.Unlock()
	cell.set(sampling.Frame{Data: data, Width: width, Height: height})
}

// Participants returns the registry view (connected or not).
func (c *Coordinator) Participants() []models.Participant {
	return c.reg.List()
}

// dispatch applies one event. Runs only on the loop goroutine.
func (c *Coordinator) dispatch(ctx context.Context, ev Event) {
	if c.state == stateClosed {
		// past the cancellation barrier: discard, never apply
		return
	}
	switch e := ev.(type) {
	case MembershipChanged:
		if e.Joined {
			c.handleJoin(e)
		} else {
			c.handleLeave(e)
		}
	case NegotiationPayload:
		c.handleNegotiation(e)
	case InferenceSample:
		c.handleSample(e)
	case SessionEnded:
		c.close(ctx, e.At)
	}
}

func (c *Coordinator) handleJoin(e MembershipChanged) {
	if c.state != stateRunning {
		return
	}
	existing := c.reg.ListConnected()
	prevTransport, reconnect := c.reg.Register(e.Participant, e.TransportID)

	if reconnect {
		// Supersede: tear down links bound to the old transport identity so
		// no duplicate media path survives the reconnect.
		c.links.CloseFor(e.Participant.ID)
		c.log.Info("participant reconnected",
			zap.String("participant_id", e.Participant.ID.String()),
			zap.String("prev_transport", prevTransport))
	} else {
		c.log.Info("participant joined",
			zap.String("participant_id", e.Participant.ID.String()),
			zap.String("role", e.Participant.Role))
	}

	// Members already present initiate toward the newcomer (deterministic
	// initiator rule); joins are serialized by this loop so ties cannot occur.
	for _, m := range existing {
		if m.ID == e.Participant.ID {
			continue
		}
		c.links.Begin(m.ID, e.Participant.ID)
	}

	// Asymmetric join contract: the joiner gets the full list back, existing
	// members get the delta broadcast.
	c.cfg.Transport.SendTo(e.Participant.ID, EventMembership, c.reg.ListConnected())
	c.cfg.Transport.Broadcast(EventMembershipChange, map[string]interface{}{
		"participant": e.Participant,
		"joined":      true,
		"reconnect":   reconnect,
	})
}

func (c *Coordinator) handleLeave(e MembershipChanged) {
	now := c.cfg.Clock.Now()
	// Unregister is guarded by the transport id: if the participant
	// reconnected during the grace period this is a no-op.
	if !c.reg.Unregister(e.Participant.ID, e.TransportID, now) {
		return
	}
	c.links.CloseFor(e.Participant.ID)
	c.acc.Finalize(e.Participant.ID, now)

	c.framesMu.Lock()
	delete(c.frames, e.Participant.ID)
	c.framesMu.Unlock()

	c.log.Info("participant left", zap.String("participant_id", e.Participant.ID.String()))
	c.cfg.Transport.Broadcast(EventMembershipChange, map[string]interface{}{
		"participant": e.Participant,
		"joined":      false,
	})

	// Abnormal presenter disconnect ends the session, same as the explicit
	// end action.
	if e.Participant.ID == c.session.PresenterID && c.state == stateRunning {
		c.close(context.Background(), now)
	}
}

func (c *Coordinator) handleNegotiation(e NegotiationPayload) {
	if c.state != stateRunning {
		return
	}
	// Both ends must be current registry members.
	if !c.reg.Connected(e.From) || !c.reg.Connected(e.To) {
		c.log.Debug("negotiation rejected: not registered",
			zap.String("from", e.From.String()), zap.String("to", e.To.String()))
		return
	}
	if err := c.links.Relay(e.From, e.To, e.Kind); err != nil {
		// stale or closed: idempotent discard, never forwarded
		c.log.Debug("negotiation payload discarded",
			zap.String("from", e.From.String()),
			zap.String("to", e.To.String()),
			zap.String("kind", string(e.Kind)),
			zap.Error(err))
		return
	}
	c.cfg.Transport.SendTo(e.To, EventNegotiation, map[string]interface{}{
		"from":    e.From,
		"kind":    e.Kind,
		"payload": e.Payload,
	})
}

func (c *Coordinator) handleSample(e InferenceSample) {
	if c.state != stateRunning {
		return
	}
	elapsed := e.At.Sub(c.session.StartedAt)
	if !c.acc.OnSample(e.Result.ParticipantID, e.Result.Score, e.Result.Engaged, elapsed, e.At) {
		return
	}
	c.cfg.Transport.SendTo(c.session.PresenterID, EventSampleResponse, e.Result)

	combined, engaged := c.acc.Combined()
	c.cfg.Transport.SendTo(c.session.PresenterID, EventCombinedScore, map[string]interface{}{
		"score":   combined,
		"engaged": engaged,
	})
}

// close runs the ending sequence exactly once and transitions to closed.
func (c *Coordinator) close(ctx context.Context, at time.Time) {
	if c.state != stateRunning {
		return
	}
	c.state = stateEnding
	c.log.Info("session ending", zap.Time("at", at))

	// 1. Tell everyone. Participants already gone simply miss the broadcast.
	c.cfg.Transport.Broadcast(EventSessionEnded, map[string]interface{}{
		"session_id": c.session.ID,
		"ended_at":   at,
	})
	c.links.CloseAll()

	// 2. Anyone still connected at close time left at close time.
	c.acc.FinalizeAll(at)

	// 3–4. Derive and emit one report per sampled participant. A failed
	// write is logged and must not block the next participant.
	stats := c.acc.Stats()
	emitted := 0
	for _, s := range stats {
		report := c.buildReport(s, at)
		if err := c.cfg.Sink.WriteParticipantReport(ctx, report); err != nil {
			c.log.Error("participant report write failed",
				zap.String("participant_id", s.ParticipantID.String()),
				zap.Error(err))
			continue
		}
		emitted++
	}

	// 5. Session aggregate only after every accumulator was finalized. With
	// zero sampled participants only the end timestamp is recorded.
	var avgGaze *float64
	if len(stats) > 0 {
		var sum float64
		for _, s := range stats {
			sum += s.GazeSeconds()
		}
		v := sum / float64(len(stats))
		avgGaze = &v
	}
	if err := c.cfg.Sink.CloseSession(ctx, c.session.ID, at, avgGaze); err != nil {
		c.log.Error("session close write failed", zap.Error(err))
	}

	if c.cfg.Archiver != nil && emitted > 0 {
		if err := c.cfg.Archiver.EnqueueArchive(ctx, c.session.ID); err != nil {
			c.log.Warn("archive enqueue failed", zap.Error(err))
		}
	}

	// 6. Barrier: no further sample processing.
	c.state = stateClosed
	close(c.done)
	c.log.Info("session closed",
		zap.Int("participants_reported", emitted),
		zap.Int("participants_sampled", len(stats)))
	if c.cfg.OnClosed != nil {
		c.cfg.OnClosed(c.session.ID)
	}
	// Stop the dispatch loop and the sampler; enqueue already drops
	// everything once done is closed.
	c.cancel()
}

func (c *Coordinator) buildReport(s fusion.ParticipantStats, endedAt time.Time) models.ParticipantReport {
	joined := s.FirstSampleAt
	name := ""
	if p, err := c.reg.Get(s.ParticipantID); err == nil {
		joined = p.JoinedAt
		name = p.DisplayName
	}
	left := s.LeftAt
	if left.IsZero() {
		left = endedAt
	}
	return models.ParticipantReport{
		ID:              uuid.New(),
		SessionID:       c.session.ID,
		ParticipantID:   s.ParticipantID,
		DisplayName:     name,
		DurationSeconds: left.Sub(joined).Seconds(),
		ActiveSeconds:   s.ActiveSeconds(),
		AvgScore:        s.AvgScore(),
		MinScore:        s.MinScore,
		MaxScore:        s.MaxScore,
		SampleCount:     s.SampleCount,
		GazeSeconds:     s.GazeSeconds(),
		Snapshots:       s.Snapshots,
		CreatedAt:       endedAt,
	}
}

// samplingTargets returns the viewers due for sampling: established links
// with the presenter whose surface has produced a frame.
func (c *Coordinator) samplingTargets() []sampling.Target {
	peers := c.links.Established(c.session.PresenterID)
	if len(peers) == 0 {
		return nil
	}
	c.framesMu.RLock()
	defer c.framesMu.RUnlock()
	targets := make([]sampling.Target, 0, len(peers))
	for _, id := range peers {
		if cell, ok := c.frames[id]; ok {
			targets = append(targets, sampling.Target{ParticipantID: id, Source: cell})
		}
	}
	return targets
}

// dispatchSample is the fire-and-forget inference hop: a failed call just
// means one fewer sample this period.
func (c *Coordinator) dispatchSample(participantID uuid.UUID, frame sampling.Frame, at time.Time) {
	if c.cfg.Predictor == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		res, err := c.cfg.Predictor.Predict(ctx, participantID, frame.Data)
		if err != nil {
			c.log.Debug("inference failed", zap.String("participant_id", participantID.String()), zap.Error(err))
			return
		}
		c.enqueue(InferenceSample{Result: res, At: at})
	}()
}

// frameCell retains the most recent snapshot of one viewer surface.
type frameCell struct {
	mu    sync.Mutex
	frame sampling.Frame
	ready bool
}

func (f *frameCell) set(frame sampling.Frame) {
	f.mu.Lock()
	f.frame = frame
	f.ready = true
	f.mu.Unlock()
}

// Snapshot implements sampling.FrameSource.
func (f *frameCell) Snapshot() (sampling.Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame, f.ready
}
