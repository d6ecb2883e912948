package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MadushanIlangakoon/nibm-research-backend/internal/lectures"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/reports"
	"github.com/MadushanIlangakoon/nibm-research-backend/pkg/queue"
	"github.com/MadushanIlangakoon/nibm-research-backend/pkg/storage"
)

// ArchiveProcessor exports a closed session's full report bundle to S3:
// load rows from Postgres, render JSON, upload, record the object key.
type ArchiveProcessor struct {
	reportRepo  *reports.Repository
	lectureRepo *lectures.Repository
	s3          *storage.S3
	queue       *queue.Queue
	logger      *zap.Logger
}

// NewArchiveProcessor creates a report archive processor.
func NewArchiveProcessor(reportRepo *reports.Repository, lectureRepo *lectures.Repository, s3 *storage.S3, q *queue.Queue, logger *zap.Logger) *ArchiveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveProcessor{reportRepo: reportRepo, lectureRepo: lectureRepo, s3: s3, queue: q, logger: logger}
}

// Process executes one archive export job.
func (p *ArchiveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeReportArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ReportArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	sess, err := p.lectureRepo.GetSession(ctx, payload.SessionID)
	if err != nil || sess == nil {
		return fmt.Errorf("session not found: %s", payload.SessionID)
	}
	if sess.ArchiveKey != nil {
		p.logger.Info("session already archived", zap.String("session_id", sess.ID.String()))
		return nil
	}
	if sess.EndedAt == nil {
		return fmt.Errorf("session not closed: %s", payload.SessionID)
	}

	report, err := p.reportRepo.GetSessionReport(ctx, payload.SessionID)
	if err != nil {
		return fmt.Errorf("load report: %w", err)
	}
	if report == nil {
		return fmt.Errorf("no report for session: %s", payload.SessionID)
	}

	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	key := storage.ArchiveKey(payload.SessionID.String())
	if _, err := p.s3.Upload(ctx, p.s3.ArchivesBucket(), key, "application/json", bytes.NewReader(body), int64(len(body))); err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	if err := p.lectureRepo.SetArchiveKey(ctx, payload.SessionID, key); err != nil {
		p.logger.Error("record archive key failed", zap.Error(err), zap.String("session_id", payload.SessionID.String()))
		return fmt.Errorf("update db: %w", err)
	}

	p.logger.Info("report archive exported",
		zap.String("session_id", payload.SessionID.String()),
		zap.String("s3_key", key),
		zap.Int("participants", len(report.Participants)))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ArchiveProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("archive worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("archive job failed", zap.Error(err), zap.String("job_id", job.ID))
			time.Sleep(queue.RetryBackoff)
			_ = p.queue.Retry(ctx, job)
		}
	}
}
