package lectures

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MadushanIlangakoon/nibm-research-backend/internal/models"
)

// Repository handles lectures and lecture_sessions persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a lectures repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID returns one lecture.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Lecture, error) {
	const q = `SELECT id, course_id, teacher_id, title, description, scheduled_at, created_at, updated_at
		FROM lectures WHERE id = $1`
	var l models.Lecture
	err := r.pool.QueryRow(ctx, q, id).Scan(&l.ID, &l.CourseID, &l.TeacherID, &l.Title, &l.Description, &l.ScheduledAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}

// List returns lectures for a course ordered by schedule.
func (r *Repository) List(ctx context.Context, courseID uuid.UUID) ([]models.Lecture, error) {
	const q = `SELECT id, course_id, teacher_id, title, description, scheduled_at, created_at, updated_at
		FROM lectures WHERE course_id = $1 ORDER BY scheduled_at`
	rows, err := r.pool.Query(ctx, q, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Lecture
	for rows.Next() {
		var l models.Lecture
		if err := rows.Scan(&l.ID, &l.CourseID, &l.TeacherID, &l.Title, &l.Description, &l.ScheduledAt, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, l)
	}
	return list, rows.Err()
}

// CreateSession inserts a new live session row for a lecture.
func (r *Repository) CreateSession(ctx context.Context, lectureID, presenterID uuid.UUID) (*models.LectureSession, error) {
	const q = `INSERT INTO lecture_sessions (id, lecture_id, presenter_id, started_at)
		VALUES (gen_random_uuid(), $1, $2, NOW())
		RETURNING id, lecture_id, presenter_id, started_at, ended_at, avg_gaze_seconds, archive_key, created_at, updated_at`
	var s models.LectureSession
	err := r.pool.QueryRow(ctx, q, lectureID, presenterID).Scan(
		&s.ID, &s.LectureID, &s.PresenterID, &s.StartedAt, &s.EndedAt, &s.AvgGazeSeconds, &s.ArchiveKey, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSession returns one session row.
func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (*models.LectureSession, error) {
	const q = `SELECT id, lecture_id, presenter_id, started_at, ended_at, avg_gaze_seconds, archive_key, created_at, updated_at
		FROM lecture_sessions WHERE id = $1`
	var s models.LectureSession
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&s.ID, &s.LectureID, &s.PresenterID, &s.StartedAt, &s.EndedAt, &s.AvgGazeSeconds, &s.ArchiveKey, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// GetActiveByLecture returns the active (no ended_at) session for a lecture.
func (r *Repository) GetActiveByLecture(ctx context.Context, lectureID uuid.UUID) (*models.LectureSession, error) {
	const q = `SELECT id, lecture_id, presenter_id, started_at, ended_at, avg_gaze_seconds, archive_key, created_at, updated_at
		FROM lecture_sessions WHERE lecture_id = $1 AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`
	var s models.LectureSession
	err := r.pool.QueryRow(ctx, q, lectureID).Scan(
		&s.ID, &s.LectureID, &s.PresenterID, &s.StartedAt, &s.EndedAt, &s.AvgGazeSeconds, &s.ArchiveKey, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// SetArchiveKey records the S3 object key of the exported report archive.
func (r *Repository) SetArchiveKey(ctx context.Context, sessionID uuid.UUID, key string) error {
	const q = `UPDATE lecture_sessions SET archive_key = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, key, sessionID)
	return err
}
