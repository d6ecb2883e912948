package reports

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/MadushanIlangakoon/nibm-research-backend/internal/models"
	"github.com/MadushanIlangakoon/nibm-research-backend/pkg/response"
)

type stubStore struct {
	report *models.SessionReport
	key    *string
}

func (s *stubStore) GetSessionReport(context.Context, uuid.UUID) (*models.SessionReport, error) {
	return s.report, nil
}

func (s *stubStore) GetArchiveKey(context.Context, uuid.UUID) (*string, error) {
	return s.key, nil
}

type stubPresigner struct{}

func (stubPresigner) ArchivesBucket() string       { return "archives-bucket" }
func (stubPresigner) PresignExpire() time.Duration { return 15 * time.Minute }
func (stubPresigner) GeneratePresignedDownloadURL(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://signed.example/" + bucket + "/" + key, nil
}

func serve(h *Handler, path string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/sessions/:id/reports", h.GetBySession)
	router.GET("/sessions/:id/archive", h.DownloadArchive)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

// TestGetBySessionActiveSession verifies a session without a report (still
// live or unknown) answers 404, never a partial bundle.
func TestGetBySessionActiveSession(t *testing.T) {
	h := NewHandler(&stubStore{}, nil)
	w := serve(h, "/sessions/"+uuid.New().String()+"/reports")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

// TestGetBySessionClosedSession verifies the full bundle round trip.
func TestGetBySessionClosedSession(t *testing.T) {
	sessionID := uuid.New()
	h := NewHandler(&stubStore{report: &models.SessionReport{
		SessionID:      sessionID,
		EndedAt:        time.Now(),
		AvgGazeSeconds: 12,
	}}, nil)

	w := serve(h, "/sessions/"+sessionID.String()+"/reports")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Success bool                 `json:"success"`
		Data    models.SessionReport `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.Data.SessionID != sessionID {
		t.Fatalf("body = %+v, want success with session %s", body, sessionID)
	}
}

// TestGetBySessionBadID verifies id validation.
func TestGetBySessionBadID(t *testing.T) {
	h := NewHandler(&stubStore{}, nil)
	if w := serve(h, "/sessions/not-a-uuid/reports"); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

// TestDownloadArchive verifies the pre-signed URL response for an exported
// session.
func TestDownloadArchive(t *testing.T) {
	key := "archives/abc.json"
	h := NewHandler(&stubStore{key: &key}, stubPresigner{})

	w := serve(h, "/sessions/"+uuid.New().String()+"/archive")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body response.Body
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	data := body.Data.(map[string]interface{})
	url, _ := data["url"].(string)
	if !strings.HasSuffix(url, "archives-bucket/"+key) {
		t.Fatalf("url = %q, want signed url for %q", url, key)
	}
}

// TestDownloadArchiveNotExported verifies 404 before the worker has run.
func TestDownloadArchiveNotExported(t *testing.T) {
	h := NewHandler(&stubStore{}, stubPresigner{})
	if w := serve(h, "/sessions/"+uuid.New().String()+"/archive"); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

// TestDownloadArchiveStorageDisabled verifies 503 when no presigner is
// configured.
func TestDownloadArchiveStorageDisabled(t *testing.T) {
	key := "archives/abc.json"
	h := NewHandler(&stubStore{key: &key}, nil)
	if w := serve(h, "/sessions/"+uuid.New().String()+"/archive"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}
