package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MadushanIlangakoon/nibm-research-backend/internal/inference"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/models"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/sampling"
)

// TransportFactory builds the outbound transport for one session (the
// realtime hub scoped to a session id).
type TransportFactory func(sessionID uuid.UUID) Transport

// Manager tracks the live coordinators of this process. Sessions are
// isolated: each has its own registry, links, accumulator and dispatch loop.
type Manager struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Coordinator

	ctx             context.Context
	transport       TransportFactory
	sink            ReportSink
	archiver        Archiver
	predictor       inference.Predictor
	clock           sampling.Clock
	sampleInterval  time.Duration
	disconnectGrace time.Duration
	log             *zap.Logger
}

// NewManager creates a session manager. ctx bounds the lifetime of every
// dispatch loop it starts.
func NewManager(
	ctx context.Context,
	transport TransportFactory,
	sink ReportSink,
	archiver Archiver,
	predictor inference.Predictor,
	sampleInterval, disconnectGrace time.Duration,
	log *zap.Logger,
) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		sessions:        make(map[uuid.UUID]*Coordinator),
		ctx:             ctx,
		transport:       transport,
		sink:            sink,
		archiver:        archiver,
		predictor:       predictor,
		clock:           sampling.WallClock{},
		sampleInterval:  sampleInterval,
		disconnectGrace: disconnectGrace,
		log:             log,
	}
}

// Start creates and runs a coordinator for a freshly started session. If a
// coordinator already exists for the id it is returned unchanged.
func (m *Manager) Start(sess models.LectureSession) *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.sessions[sess.ID]; ok {
		return c
	}
	c := New(Config{
		Session:         sess,
		Transport:       m.transport(sess.ID),
		Sink:            m.sink,
		Archiver:        m.archiver,
		Predictor:       m.predictor,
		Clock:           m.clock,
		SampleInterval:  m.sampleInterval,
		DisconnectGrace: m.disconnectGrace,
		Logger:          m.log,
		OnClosed:        m.remove,
	})
	m.sessions[sess.ID] = c
	go c.Run(m.ctx)
	m.log.Info("session started",
		zap.String("session_id", sess.ID.String()),
		zap.String("lecture_id", sess.LectureID.String()))
	return c
}

// Get returns the live coordinator for a session, or nil.
func (m *Manager) Get(sessionID uuid.UUID) *Coordinator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

func (m *Manager) remove(sessionID uuid.UUID) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}
