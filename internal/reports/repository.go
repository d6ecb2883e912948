// Package reports persists the end-of-session statistics. It is the durable
// sink the session coordinator writes into when a session closes.
package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MadushanIlangakoon/nibm-research-backend/internal/models"
)

// Repository handles participant_reports and the session aggregate columns.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a reports repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WriteParticipantReport inserts one per-participant row. The unique
// constraint on (session_id, participant_id) makes the write at-most-once: a
// duplicate emission is a no-op, not an error.
func (r *Repository) WriteParticipantReport(ctx context.Context, report models.ParticipantReport) error {
	snapshots, err := json.Marshal(report.Snapshots)
	if err != nil {
		return fmt.Errorf("marshal snapshots: %w", err)
	}
	const q = `INSERT INTO participant_reports
		(id, session_id, participant_id, display_name, duration_seconds, active_seconds,
		 avg_score, min_score, max_score, sample_count, gaze_seconds, snapshots, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (session_id, participant_id) DO NOTHING`
	_, err = r.pool.Exec(ctx, q,
		report.ID, report.SessionID, report.ParticipantID, report.DisplayName,
		report.DurationSeconds, report.ActiveSeconds,
		report.AvgScore, report.MinScore, report.MaxScore,
		report.SampleCount, report.GazeSeconds, snapshots)
	if err != nil {
		return fmt.Errorf("insert participant report: %w", err)
	}
	return nil
}

// CloseSession stamps the session end time and, when present, the average
// gaze duration across sampled participants. The ended_at guard keeps the
// session immutable once ended.
func (r *Repository) CloseSession(ctx context.Context, sessionID uuid.UUID, endedAt time.Time, avgGazeSeconds *float64) error {
	const q = `UPDATE lecture_sessions
		SET ended_at = $1, avg_gaze_seconds = $2, updated_at = NOW()
		WHERE id = $3 AND ended_at IS NULL`
	_, err := r.pool.Exec(ctx, q, endedAt, avgGazeSeconds, sessionID)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// ListBySession returns all per-participant rows for a session.
func (r *Repository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.ParticipantReport, error) {
	const q = `SELECT id, session_id, participant_id, display_name, duration_seconds, active_seconds,
		avg_score, min_score, max_score, sample_count, gaze_seconds, snapshots, created_at
		FROM participant_reports WHERE session_id = $1 ORDER BY display_name, participant_id`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.ParticipantReport
	for rows.Next() {
		var rep models.ParticipantReport
		var snapshots []byte
		if err := rows.Scan(&rep.ID, &rep.SessionID, &rep.ParticipantID, &rep.DisplayName,
			&rep.DurationSeconds, &rep.ActiveSeconds,
			&rep.AvgScore, &rep.MinScore, &rep.MaxScore,
			&rep.SampleCount, &rep.GazeSeconds, &snapshots, &rep.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(snapshots, &rep.Snapshots); err != nil {
			return nil, fmt.Errorf("unmarshal snapshots: %w", err)
		}
		list = append(list, rep)
	}
	return list, rows.Err()
}

// GetArchiveKey returns the S3 object key of a closed session's exported
// archive. Nil if the session is unknown, still live, or not exported yet.
func (r *Repository) GetArchiveKey(ctx context.Context, sessionID uuid.UUID) (*string, error) {
	const q = `SELECT archive_key FROM lecture_sessions WHERE id = $1 AND ended_at IS NOT NULL`
	var key *string
	err := r.pool.QueryRow(ctx, q, sessionID).Scan(&key)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return key, nil
}

// GetSessionReport loads the full report bundle for a closed session.
// Returns nil if the session does not exist or has not ended.
func (r *Repository) GetSessionReport(ctx context.Context, sessionID uuid.UUID) (*models.SessionReport, error) {
	const q = `SELECT ended_at, avg_gaze_seconds FROM lecture_sessions WHERE id = $1 AND ended_at IS NOT NULL`
	var endedAt time.Time
	var avgGaze *float64
	err := r.pool.QueryRow(ctx, q, sessionID).Scan(&endedAt, &avgGaze)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	participants, err := r.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	report := &models.SessionReport{
		SessionID:    sessionID,
		EndedAt:      endedAt,
		Participants: participants,
	}
	if avgGaze != nil {
		report.AvgGazeSeconds = *avgGaze
	}
	return report, nil
}
