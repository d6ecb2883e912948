package lectures

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MadushanIlangakoon/nibm-research-backend/internal/middleware"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/session"
	"github.com/MadushanIlangakoon/nibm-research-backend/pkg/response"
)

// Handler handles lecture and live-session HTTP endpoints.
type Handler struct {
	repo     *Repository
	sessions *session.Manager
	logger   *zap.Logger
}

// NewHandler creates a lectures handler.
func NewHandler(repo *Repository, sessions *session.Manager, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, sessions: sessions, logger: logger}
}

// List handles GET /courses/:id/lectures.
func (h *Handler) List(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid course id")
		return
	}
	list, err := h.repo.List(c.Request.Context(), courseID)
	if err != nil {
		response.Internal(c, "failed to list lectures")
		return
	}
	response.OK(c, list)
}

// GetByID handles GET /lectures/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid lecture id")
		return
	}
	l, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load lecture")
		return
	}
	if l == nil {
		response.NotFound(c, "lecture not found")
		return
	}
	response.OK(c, l)
}

// StartSession handles POST /lectures/:id/sessions (teacher only). Starting
// is allowed once the scheduled time is reached; if a session is already
// live for the lecture it is returned instead of creating a duplicate.
func (h *Handler) StartSession(c *gin.Context) {
	lectureID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid lecture id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	ctx := c.Request.Context()

	lecture, err := h.repo.GetByID(ctx, lectureID)
	if err != nil {
		response.Internal(c, "failed to load lecture")
		return
	}
	if lecture == nil {
		response.NotFound(c, "lecture not found")
		return
	}
	if lecture.TeacherID != userID {
		response.Forbidden(c, "only the lecture's teacher can start the meeting")
		return
	}
	if time.Now().Before(lecture.ScheduledAt) {
		response.Conflict(c, "lecture has not reached its scheduled time")
		return
	}

	if active, err := h.repo.GetActiveByLecture(ctx, lectureID); err == nil && active != nil {
		h.sessions.Start(*active) // no-op if already live in this process
		response.OK(c, active)
		return
	}

	sess, err := h.repo.CreateSession(ctx, lectureID, userID)
	if err != nil {
		h.logger.Error("create session failed", zap.Error(err))
		response.Internal(c, "failed to start session")
		return
	}
	h.sessions.Start(*sess)
	response.Created(c, sess)
}

// EndSession handles POST /sessions/:id/end (presenter only). The close
// sequence itself runs on the session's dispatch loop.
func (h *Handler) EndSession(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	coord := h.sessions.Get(sessionID)
	if coord == nil {
		response.NotFound(c, "session not active")
		return
	}
	if coord.PresenterID() != userID {
		response.Forbidden(c, "only the presenter can end the session")
		return
	}
	coord.End(time.Now())
	response.OK(c, gin.H{"session_id": sessionID, "status": "ending"})
}

// GetSession handles GET /sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	s, err := h.repo.GetSession(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load session")
		return
	}
	if s == nil {
		response.NotFound(c, "session not found")
		return
	}
	response.OK(c, s)
}
