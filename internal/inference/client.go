// Package inference is the boundary to the external attention-prediction
// service. The model is opaque to the coordinator: one snapshot in, one
// score and an engaged flag out. Errors are best-effort — a failed call
// produces no sample for that tick and nothing else.
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Result is one attention prediction for one participant.
type Result struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	Score         float64   `json:"score"`   // 0..100
	Engaged       bool      `json:"engaged"` // gaze-on-screen flag
}

// Predictor turns a frame snapshot into an attention result. Satisfied by
// *Client; tests substitute a stub.
type Predictor interface {
	Predict(ctx context.Context, participantID uuid.UUID, frame []byte) (Result, error)
}

// Client calls the HTTP inference service.
type Client struct {
	url    string
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates an inference client with a per-call timeout.
func NewClient(url string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:    url,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type predictRequest struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	Image         string    `json:"image"` // base64-encoded JPEG
}

type predictResponse struct {
	Score   float64 `json:"score"`
	Engaged bool    `json:"engaged"`
}

// Predict sends one snapshot and returns the model's score. A failed call
// costs the caller one sample, nothing more.
func (c *Client) Predict(ctx context.Context, participantID uuid.UUID, frame []byte) (Result, error) {
	body, err := json.Marshal(predictRequest{
		ParticipantID: participantID,
		Image:         base64.StdEncoding.EncodeToString(frame),
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("predict: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("predict status: %d", resp.StatusCode)
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	if out.Score < 0 || out.Score > 100 {
		return Result{}, fmt.Errorf("score out of range: %f", out.Score)
	}
	return Result{ParticipantID: participantID, Score: out.Score, Engaged: out.Engaged}, nil
}
