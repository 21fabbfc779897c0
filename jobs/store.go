package jobs

import (
	"context"
	"errors"

	"github.com/krishkalaria12/mesh-serve/models"
	"github.com/krishkalaria12/mesh-serve/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Store persists job rows and owns their blob cleanup.
type Store struct {
	db    *gorm.DB
	blobs storage.Store
	log   *zap.Logger
}

func NewStore(db *gorm.DB, blobs storage.Store, log *zap.Logger) *Store {
	return &Store{db: db, blobs: blobs, log: log.With(zap.String("component", "job_store"))}
}

func (s *Store) Create(ctx context.Context, job *models.Job) error {
	return s.db.WithContext(ctx).Create(job).Error
}

// Get loads a job and enforces ownership: a job that exists but belongs to a
// different account comes back as ErrForbidden, never as data.
func (s *Store) Get(ctx context.Context, jobID, accountID uint) (*models.Job, error) {
	job, err := s.GetAny(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != accountID {
		return nil, ErrForbidden
	}
	return job, nil
}

// GetAny loads a job without an ownership check (sweeper, admin).
func (s *Store) GetAny(ctx context.Context, jobID uint) (*models.Job, error) {
	var job models.Job
	if err := s.db.WithContext(ctx).First(&job, jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (s *Store) ListForAccount(ctx context.Context, accountID uint) ([]models.Job, error) {
	var out []models.Job
	err := s.db.WithContext(ctx).
		Where("user_id = ?", accountID).
		Order("created_at DESC, id DESC").
		Find(&out).Error
	return out, err
}

func (s *Store) ListAll(ctx context.Context) ([]models.Job, error) {
	var out []models.Job
	err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&out).Error
	return out, err
}

// ListActive returns every job still waiting on the external task.
func (s *Store) ListActive(ctx context.Context) ([]models.Job, error) {
	var out []models.Job
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.JobStatus{models.JobStatusPending, models.JobStatusSubmitted}).
		Order("id").
		Find(&out).Error
	return out, err
}

// StatusUpdate carries everything a transition writes. Status, result ref and
// failure reason always land together or not at all.
type StatusUpdate struct {
	Status         models.JobStatus
	ExternalTaskID string
	Progress       int
	ResultRef      string
	FailureReason  string
}

// UpdateStatus applies a transition guarded by the expected current status.
// The WHERE clause on the old status makes the update a compare-and-set: when
// a concurrent refresh or sweep already moved the job, zero rows match and
// ErrStale comes back instead of a double transition.
func (s *Store) UpdateStatus(ctx context.Context, jobID uint, expect models.JobStatus, upd StatusUpdate) error {
	values := map[string]interface{}{
		"status":         upd.Status,
		"progress":       upd.Progress,
		"result_ref":     upd.ResultRef,
		"failure_reason": upd.FailureReason,
	}
	// The task id is assigned once at submission; later transitions leave it.
	if upd.ExternalTaskID != "" {
		values["external_task_id"] = upd.ExternalTaskID
	}

	res := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, expect).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// SetSource records the stored image ref on a freshly created job.
func (s *Store) SetSource(ctx context.Context, jobID uint, sourceRef string) error {
	return s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", jobID).
		Update("source_ref", sourceRef).Error
}

// SetProgress updates the progress column while a job is still submitted. A
// lost race against a terminal transition is not an error.
func (s *Store) SetProgress(ctx context.Context, jobID uint, progress int) error {
	return s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, models.JobStatusSubmitted).
		Update("progress", progress).Error
}

// Delete removes a job after an ownership check and then clears its blobs.
// Blob cleanup is best-effort: a failed delete is logged, never blocks.
func (s *Store) Delete(ctx context.Context, jobID, accountID uint) error {
	job, err := s.Get(ctx, jobID, accountID)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Delete(&models.Job{}, job.ID).Error; err != nil {
		return err
	}

	s.deleteBlobs(ctx, job)
	return nil
}

// DeleteForAccount removes every job owned by an account, blobs included.
// Used when an admin deletes the account itself.
func (s *Store) DeleteForAccount(ctx context.Context, accountID uint) error {
	jobs, err := s.ListForAccount(ctx, accountID)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Where("user_id = ?", accountID).Delete(&models.Job{}).Error; err != nil {
		return err
	}

	for i := range jobs {
		s.deleteBlobs(ctx, &jobs[i])
	}
	return nil
}

func (s *Store) deleteBlobs(ctx context.Context, job *models.Job) {
	for _, ref := range []string{job.SourceRef, job.ResultRef} {
		if ref == "" {
			continue
		}
		if err := s.blobs.Delete(ctx, ref); err != nil {
			s.log.Warn("blob cleanup failed",
				zap.Uint("job_id", job.ID),
				zap.String("ref", ref),
				zap.Error(err))
		}
	}
}
