package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/krishkalaria12/mesh-serve/conversion"
	"github.com/krishkalaria12/mesh-serve/models"
	"github.com/krishkalaria12/mesh-serve/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultStaleAfter forces a job that has sat in submitted for this long
	// to failed, so a dead external task is not polled forever.
	DefaultStaleAfter = 24 * time.Hour

	defaultSweepWorkers = 4

	modelContentType = "model/gltf-binary"
)

// Orchestrator drives every job status transition. Handlers and the sweeper
// both go through it; nothing else writes job statuses.
type Orchestrator struct {
	store      *Store
	blobs      storage.Store
	client     conversion.Client
	log        *zap.Logger
	staleAfter time.Duration
	workers    int

	sweeping atomic.Bool
}

type Option func(*Orchestrator)

// WithStaleAfter overrides the staleness cutoff for submitted jobs.
func WithStaleAfter(d time.Duration) Option {
	return func(o *Orchestrator) { o.staleAfter = d }
}

// WithSweepWorkers bounds how many jobs a sweep polls concurrently.
func WithSweepWorkers(n int) Option {
	return func(o *Orchestrator) { o.workers = n }
}

func NewOrchestrator(store *Store, blobs storage.Store, client conversion.Client, log *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		blobs:      blobs,
		client:     client,
		log:        log.With(zap.String("component", "orchestrator")),
		staleAfter: DefaultStaleAfter,
		workers:    defaultSweepWorkers,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start stores the uploaded image, submits it to the conversion provider and
// records the job. The job row and the stored image survive a failed
// submission; the job just lands in submission_failed instead of submitted.
func (o *Orchestrator) Start(ctx context.Context, accountID uint, name string, image []byte, contentType string) (*models.Job, error) {
	if len(image) == 0 {
		return nil, &ValidationError{Message: "image is empty"}
	}

	job := &models.Job{
		UserID: accountID,
		Name:   name,
		Status: models.JobStatusPending,
	}
	if err := o.store.Create(ctx, job); err != nil {
		return nil, err
	}

	sourceRef := storage.ImageKey(accountID, job.ID)
	if err := o.blobs.Put(ctx, sourceRef, image, contentType); err != nil {
		o.failSubmission(ctx, job.ID, "failed to store source image")
		return nil, &StorageError{Err: err}
	}
	if err := o.store.SetSource(ctx, job.ID, sourceRef); err != nil {
		return nil, err
	}
	job.SourceRef = sourceRef

	taskID, err := o.client.Submit(ctx, image, contentType)
	if err != nil {
		o.log.Warn("submission failed", zap.Uint("job_id", job.ID), zap.Error(err))
		o.failSubmission(ctx, job.ID, err.Error())
		return o.reload(ctx, job)
	}

	if err := o.store.UpdateStatus(ctx, job.ID, models.JobStatusPending, StatusUpdate{
		Status:         models.JobStatusSubmitted,
		ExternalTaskID: taskID,
	}); err != nil {
		return nil, err
	}

	o.log.Info("job submitted", zap.Uint("job_id", job.ID), zap.String("task_id", taskID))
	return o.reload(ctx, job)
}

// Refresh returns the current state of a job, polling the provider when the
// job is still in flight. Terminal jobs come back from the database alone.
func (o *Orchestrator) Refresh(ctx context.Context, jobID, accountID uint) (*models.Job, error) {
	job, err := o.store.Get(ctx, jobID, accountID)
	if err != nil {
		return nil, err
	}
	return o.refreshJob(ctx, job)
}

// Sweep polls every non-terminal job once. Only one sweep runs at a time: a
// pass that is still in flight when the next tick fires makes that tick a
// no-op rather than a second concurrent pass over the same jobs.
func (o *Orchestrator) Sweep(ctx context.Context) error {
	if !o.sweeping.CompareAndSwap(false, true) {
		o.log.Debug("sweep already running, skipping")
		return nil
	}
	defer o.sweeping.Store(false)

	active, err := o.store.ListActive(ctx)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}

	g := new(errgroup.Group)
	g.SetLimit(o.workers)
	for i := range active {
		job := active[i]
		g.Go(func() error {
			// A broken job never aborts the batch; refreshJob logs and moves on.
			if _, err := o.refreshJob(ctx, &job); err != nil {
				o.log.Warn("sweep refresh failed", zap.Uint("job_id", job.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	o.log.Info("sweep complete", zap.Int("jobs", len(active)))
	return nil
}

func (o *Orchestrator) refreshJob(ctx context.Context, job *models.Job) (*models.Job, error) {
	if job.Status.Terminal() {
		return job, nil
	}

	// A job stuck in pending means the process died between create and
	// submit; nothing upstream exists, so age it out like a stale one.
	if job.Status == models.JobStatusPending {
		if time.Since(job.CreatedAt) > o.staleAfter {
			o.failSubmission(ctx, job.ID, "submission never completed")
			return o.reload(ctx, job)
		}
		return job, nil
	}

	if time.Since(job.CreatedAt) > o.staleAfter {
		o.transition(ctx, job.ID, StatusUpdate{
			Status:        models.JobStatusFailed,
			FailureReason: "timed out waiting for conversion",
		})
		return o.reload(ctx, job)
	}

	res, err := o.client.Poll(ctx, job.ExternalTaskID)
	if err != nil {
		if conversion.IsTransient(err) {
			// Stale-but-valid read: leave the job as-is and let the next
			// poll or sweep try again.
			o.log.Warn("transient poll failure", zap.Uint("job_id", job.ID), zap.Error(err))
			return job, nil
		}
		o.transition(ctx, job.ID, StatusUpdate{
			Status:        models.JobStatusFailed,
			FailureReason: err.Error(),
		})
		return o.reload(ctx, job)
	}

	switch res.State {
	case conversion.StateProcessing:
		if err := o.store.SetProgress(ctx, job.ID, res.Progress); err != nil {
			o.log.Warn("progress update failed", zap.Uint("job_id", job.ID), zap.Error(err))
		}
		job.Progress = res.Progress
		return job, nil

	case conversion.StateFailed, conversion.StateCanceled:
		o.transition(ctx, job.ID, StatusUpdate{
			Status:        models.JobStatusFailed,
			FailureReason: res.Reason,
		})
		return o.reload(ctx, job)

	case conversion.StateSucceeded:
		return o.finalize(ctx, job, res.ArtifactURL)
	}

	return job, nil
}

// finalize downloads and stores the finished model, then commits the
// succeeded status. The exists check makes the download at-most-once: if a
// previous attempt stored the model but crashed before the commit, only the
// commit is retried.
func (o *Orchestrator) finalize(ctx context.Context, job *models.Job, artifactURL string) (*models.Job, error) {
	resultRef := storage.ModelKey(job.UserID, job.ID)

	exists, err := o.blobs.Exists(ctx, resultRef)
	if err != nil {
		o.log.Warn("artifact existence check failed", zap.Uint("job_id", job.ID), zap.Error(err))
		return job, nil
	}

	if !exists {
		data, err := o.client.FetchArtifact(ctx, artifactURL)
		if err != nil {
			if conversion.IsTransient(err) {
				o.log.Warn("artifact download failed, will retry", zap.Uint("job_id", job.ID), zap.Error(err))
				return job, nil
			}
			o.transition(ctx, job.ID, StatusUpdate{
				Status:        models.JobStatusFailed,
				FailureReason: err.Error(),
			})
			return o.reload(ctx, job)
		}

		if err := o.blobs.Put(ctx, resultRef, data, modelContentType); err != nil {
			o.log.Warn("artifact store failed, will retry", zap.Uint("job_id", job.ID), zap.Error(err))
			return job, nil
		}
	}

	o.transition(ctx, job.ID, StatusUpdate{
		Status:    models.JobStatusSucceeded,
		Progress:  100,
		ResultRef: resultRef,
	})

	o.log.Info("job succeeded", zap.Uint("job_id", job.ID), zap.String("result_ref", resultRef))
	return o.reload(ctx, job)
}

// transition applies a submitted -> terminal CAS. Losing the race to a
// concurrent refresh/sweep is fine; the winner already wrote a terminal state.
func (o *Orchestrator) transition(ctx context.Context, jobID uint, upd StatusUpdate) {
	err := o.store.UpdateStatus(ctx, jobID, models.JobStatusSubmitted, upd)
	if err != nil && !errors.Is(err, ErrStale) {
		o.log.Error("status commit failed", zap.Uint("job_id", jobID), zap.Error(err))
	}
}

func (o *Orchestrator) failSubmission(ctx context.Context, jobID uint, reason string) {
	err := o.store.UpdateStatus(ctx, jobID, models.JobStatusPending, StatusUpdate{
		Status:        models.JobStatusSubmissionFailed,
		FailureReason: reason,
	})
	if err != nil && !errors.Is(err, ErrStale) {
		o.log.Error("status commit failed", zap.Uint("job_id", jobID), zap.Error(err))
	}
}

func (o *Orchestrator) reload(ctx context.Context, job *models.Job) (*models.Job, error) {
	fresh, err := o.store.GetAny(ctx, job.ID)
	if err != nil {
		return job, nil
	}
	return fresh, nil
}
