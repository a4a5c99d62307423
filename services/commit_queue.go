// services/commit_queue.go
package services

import (
	"context"
	"log"
	"time"

	"github.com/ZkNoid/wizard-battle-sub004/models"
	"github.com/ZkNoid/wizard-battle-sub004/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChainSubmitter delivers one commit job to the chain relay. Implementations
// must be safe for concurrent use.
type ChainSubmitter interface {
	SubmitCommit(ctx context.Context, job models.CommitJob) error
}

// JobStore is the durable backing of the commit queue.
type JobStore interface {
	// Insert persists a new job, assigning it the next Seq for its game.
	Insert(ctx context.Context, job *models.CommitJob) error
	// DuePending returns pending jobs whose NextAttemptAt has passed, oldest
	// first.
	DuePending(ctx context.Context, now time.Time, limit int) ([]models.CommitJob, error)
	// HasEarlierIncomplete reports whether a lower-Seq job for the same game
	// has not completed yet.
	HasEarlierIncomplete(ctx context.Context, gameID string, seq int) (bool, error)
	// Claim flips a pending job to processing; false means another worker got
	// there first.
	Claim(ctx context.Context, jobID string) (bool, error)
	MarkCompleted(ctx context.Context, jobID string) error
	// MarkRetry reschedules a failed attempt; terminal parks the job as failed
	// for operator review instead.
	MarkRetry(ctx context.Context, jobID string, attempts int, lastErr string, nextAttempt time.Time, terminal bool) error
	// ReclaimStale flips processing jobs untouched since olderThan back to
	// pending, so a worker crash between claim and completion cannot strand a
	// job and block the rest of its game.
	ReclaimStale(ctx context.Context, olderThan time.Time) (int64, error)
	PruneCompleted(ctx context.Context, olderThan time.Time) (int64, error)
	PruneFailed(ctx context.Context, olderThan time.Time) (int64, error)
	CountsByStatus(ctx context.Context) (map[string]int64, error)
}

// gormJobStore keeps commit jobs in Postgres. Unlike room state, job rows must
// survive instance restarts, so they do not live in the room store.
type gormJobStore struct {
	db *gorm.DB
}

func NewGormJobStore(db *gorm.DB) JobStore {
	return &gormJobStore{db: db}
}

func (s *gormJobStore) Insert(ctx context.Context, job *models.CommitJob) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int
		err := tx.Model(&models.CommitJob{}).
			Where("game_id = ?", job.GameID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error
		if err != nil {
			return err
		}
		job.Seq = maxSeq + 1
		return tx.Create(job).Error
	})
}

func (s *gormJobStore) DuePending(ctx context.Context, now time.Time, limit int) ([]models.CommitJob, error) {
	var jobs []models.CommitJob
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", models.JobStatusPending, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

func (s *gormJobStore) HasEarlierIncomplete(ctx context.Context, gameID string, seq int) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.CommitJob{}).
		Where("game_id = ? AND seq < ? AND status <> ?", gameID, seq, models.JobStatusCompleted).
		Count(&n).Error
	return n > 0, err
}

func (s *gormJobStore) Claim(ctx context.Context, jobID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.CommitJob{}).
		Where("id = ? AND status = ?", jobID, models.JobStatusPending).
		Update("status", models.JobStatusProcessing)
	return res.RowsAffected == 1, res.Error
}

func (s *gormJobStore) MarkCompleted(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&models.CommitJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":       models.JobStatusCompleted,
			"completed_at": &now,
			"last_error":   "",
		}).Error
}

func (s *gormJobStore) MarkRetry(ctx context.Context, jobID string, attempts int, lastErr string, nextAttempt time.Time, terminal bool) error {
	status := models.JobStatusPending
	if terminal {
		status = models.JobStatusFailed
	}
	return s.db.WithContext(ctx).Model(&models.CommitJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":          status,
			"attempts":        attempts,
			"last_error":      lastErr,
			"next_attempt_at": nextAttempt,
		}).Error
}

func (s *gormJobStore) ReclaimStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.CommitJob{}).
		Where("status = ? AND updated_at < ?", models.JobStatusProcessing, olderThan).
		Updates(map[string]interface{}{
			"status":          models.JobStatusPending,
			"next_attempt_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

func (s *gormJobStore) PruneCompleted(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status = ? AND completed_at < ?", models.JobStatusCompleted, olderThan).
		Delete(&models.CommitJob{})
	return res.RowsAffected, res.Error
}

func (s *gormJobStore) PruneFailed(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.JobStatusFailed, olderThan).
		Delete(&models.CommitJob{})
	return res.RowsAffected, res.Error
}

func (s *gormJobStore) CountsByStatus(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&models.CommitJob{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// CommitQueueService orders and retries chain commits. Jobs for different
// games run independently; jobs for the same game run strictly in Seq order,
// so a FINISH_GAME never reaches the relay before its CREATE_GAME completes.
type CommitQueueService struct {
	store       JobStore
	submitter   ChainSubmitter
	maxAttempts int
	baseBackoff time.Duration
	batchSize   int
	visibility  time.Duration
}

func NewCommitQueueService(store JobStore, submitter ChainSubmitter) *CommitQueueService {
	return &CommitQueueService{
		store:       store,
		submitter:   submitter,
		maxAttempts: utils.EnvInt("COMMIT_MAX_ATTEMPTS", 3),
		baseBackoff: utils.EnvDuration("COMMIT_RETRY_BACKOFF", 5*time.Second),
		batchSize:   utils.EnvInt("COMMIT_BATCH_SIZE", 50),
		visibility:  utils.EnvDuration("COMMIT_VISIBILITY_TIMEOUT", 2*time.Minute),
	}
}

// Submit enqueues a job. The job becomes due immediately.
func (q *CommitQueueService) Submit(job *models.CommitJob) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = models.JobStatusPending
	job.NextAttemptAt = time.Now().UTC()
	if err := q.store.Insert(context.Background(), job); err != nil {
		return "", err
	}
	log.Printf("[COMMIT] queued %s job %s for game %s (seq %d)", job.Type, job.ID, job.GameID, job.Seq)
	return job.ID, nil
}

// ProcessDue runs one pass over due jobs. A job whose predecessor for the same
// game has not completed is left in place and retried next pass.
func (q *CommitQueueService) ProcessDue(ctx context.Context) {
	now := time.Now().UTC()
	if n, err := q.store.ReclaimStale(ctx, now.Add(-q.visibility)); err != nil {
		log.Printf("[COMMIT] reclaiming stalled jobs: %v", err)
	} else if n > 0 {
		log.Printf("[COMMIT] ⚠️ requeued %d stalled processing jobs", n)
	}
	jobs, err := q.store.DuePending(ctx, now, q.batchSize)
	if err != nil {
		log.Printf("[COMMIT] DB error fetching due jobs: %v", err)
		return
	}
	for i := range jobs {
		job := jobs[i]
		blocked, err := q.store.HasEarlierIncomplete(ctx, job.GameID, job.Seq)
		if err != nil {
			log.Printf("[COMMIT] ordering check for job %s: %v", job.ID, err)
			continue
		}
		if blocked {
			continue
		}
		claimed, err := q.store.Claim(ctx, job.ID)
		if err != nil {
			log.Printf("[COMMIT] claiming job %s: %v", job.ID, err)
			continue
		}
		if !claimed {
			continue
		}
		q.run(ctx, job)
	}
}

func (q *CommitQueueService) run(ctx context.Context, job models.CommitJob) {
	attempt := job.Attempts + 1
	err := q.submitter.SubmitCommit(ctx, job)
	if err == nil {
		if err := q.store.MarkCompleted(ctx, job.ID); err != nil {
			log.Printf("[COMMIT] marking job %s completed: %v", job.ID, err)
			return
		}
		log.Printf("[COMMIT] ✅ %s committed for game %s (attempt %d)", job.Type, job.GameID, attempt)
		return
	}

	terminal := attempt >= q.maxAttempts
	backoff := q.baseBackoff << (attempt - 1)
	next := time.Now().UTC().Add(backoff)
	if terminal {
		log.Printf("[COMMIT] ❌ job %s (%s, game %s) failed permanently after %d attempts: %v",
			job.ID, job.Type, job.GameID, attempt, err)
	} else {
		log.Printf("[COMMIT] ⚠️ job %s (%s, game %s) attempt %d failed, retrying in %s: %v",
			job.ID, job.Type, job.GameID, attempt, backoff, err)
	}
	if merr := q.store.MarkRetry(ctx, job.ID, attempt, err.Error(), next, terminal); merr != nil {
		log.Printf("[COMMIT] rescheduling job %s: %v", job.ID, merr)
	}
}

// Counts exposes queue depth per status for the stats endpoint.
func (q *CommitQueueService) Counts(ctx context.Context) (map[string]int64, error) {
	return q.store.CountsByStatus(ctx)
}

// PruneCompleted deletes completed jobs older than the retention window.
func (q *CommitQueueService) PruneCompleted(ctx context.Context, retention time.Duration) {
	n, err := q.store.PruneCompleted(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		log.Printf("[COMMIT] pruning completed jobs: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[COMMIT] pruned %d completed jobs", n)
	}
}

// PruneFailed deletes permanently failed jobs past a (much longer) retention
// window. Failed rows are kept around long enough for manual replay.
func (q *CommitQueueService) PruneFailed(ctx context.Context, retention time.Duration) {
	n, err := q.store.PruneFailed(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		log.Printf("[COMMIT] pruning failed jobs: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[COMMIT] pruned %d failed jobs", n)
	}
}

var _ JobSubmitter = (*CommitQueueService)(nil)
