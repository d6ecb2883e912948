package reports

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/MadushanIlangakoon/nibm-research-backend/internal/models"
	"github.com/MadushanIlangakoon/nibm-research-backend/pkg/response"
)

// ReportStore is the read side of the reports repository.
type ReportStore interface {
	GetSessionReport(ctx context.Context, sessionID uuid.UUID) (*models.SessionReport, error)
	GetArchiveKey(ctx context.Context, sessionID uuid.UUID) (*string, error)
}

// ArchivePresigner mints short-lived download URLs for exported archives.
// Satisfied by *storage.S3.
type ArchivePresigner interface {
	ArchivesBucket() string
	PresignExpire() time.Duration
	GeneratePresignedDownloadURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}

// Handler handles report retrieval and archive downloads.
type Handler struct {
	store   ReportStore
	presign ArchivePresigner
}

// NewHandler creates a reports handler. presign may be nil when archive
// storage is not configured; downloads then answer 503.
func NewHandler(store ReportStore, presign ArchivePresigner) *Handler {
	return &Handler{store: store, presign: presign}
}

// GetBySession returns the per-participant rows and the session aggregate
// for a closed session. Active sessions have no report yet (404): partial
// reports are never exposed.
func (h *Handler) GetBySession(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	report, err := h.store.GetSessionReport(c.Request.Context(), sessionID)
	if err != nil {
		response.Internal(c, "failed to load report")
		return
	}
	if report == nil {
		response.NotFound(c, "no report for this session")
		return
	}
	response.OK(c, report)
}

// DownloadArchive returns a pre-signed URL for the session's exported report
// archive (GET /sessions/:id/archive).
func (h *Handler) DownloadArchive(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	if h.presign == nil {
		response.ServiceUnavailable(c, "archive storage not configured")
		return
	}
	key, err := h.store.GetArchiveKey(c.Request.Context(), sessionID)
	if err != nil {
		response.Internal(c, "failed to load archive key")
		return
	}
	if key == nil {
		response.NotFound(c, "session not archived")
		return
	}
	expires := h.presign.PresignExpire()
	url, err := h.presign.GeneratePresignedDownloadURL(c.Request.Context(), h.presign.ArchivesBucket(), *key, expires)
	if err != nil {
		response.Internal(c, "failed to sign download url")
		return
	}
	response.OK(c, gin.H{
		"url":        url,
		"expires_at": time.Now().Add(expires),
	})
}
