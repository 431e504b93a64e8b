package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bobarin/dealreel/internal/events"
	"github.com/bobarin/dealreel/internal/metrics"
	"github.com/bobarin/dealreel/internal/models"
	"github.com/bobarin/dealreel/internal/progress"
	"github.com/bobarin/dealreel/internal/services"
)

const (
	eventBuffer       = 1024
	maxParallelUpload = 2
	drainTimeout      = 30 * time.Second
)

// JobStore persists render job records.
type JobStore interface {
	CreateRenderJob(ctx context.Context, rec *models.RenderJobRecord) error
	UpdateRenderJobStatus(ctx context.Context, id string, status models.JobStatus) error
	UpdateRenderJobProgress(ctx context.Context, id string, section models.Section, percent float64) error
	SetRenderJobError(ctx context.Context, id, message string) error
	SetRenderJobVideoURL(ctx context.Context, id, url string) error
}

// Uploader publishes a finished video and returns its URL.
type Uploader interface {
	UploadRender(ctx context.Context, jobID, localPath string) (string, error)
}

// HistoryStore keeps finished job metrics.
type HistoryStore interface {
	Save(ctx context.Context, m metrics.VideoMetrics) error
}

type Broadcaster interface {
	Broadcast(msg events.Message)
}

// Collector exports job metrics.
type Collector interface {
	ObserveJob(status models.JobStatus, m metrics.VideoMetrics)
	ObserveAlert(a metrics.Alert)
	SetQueueDepth(n int)
}

// Deps are the optional sinks of the Worker. Nil fields are skipped.
type Deps struct {
	Store     JobStore
	Uploader  Uploader
	History   HistoryStore
	Hub       Broadcaster
	Collector Collector
}

// Worker follows a RenderQueue and keeps progress tracking, metrics, persistence
// and subscribers in step with every job's lifecycle.
type Worker struct {
	queue      *RenderQueue
	tracker    *progress.Tracker
	aggregator *metrics.Aggregator
	deps       Deps

	events    chan Event
	uploadSem chan struct{}
	uploads   sync.WaitGroup

	unsubscribe []func()
	log         *zap.SugaredLogger
}

func New(q *RenderQueue, tracker *progress.Tracker, aggregator *metrics.Aggregator, deps Deps) *Worker {
	w := &Worker{
		queue:      q,
		tracker:    tracker,
		aggregator: aggregator,
		deps:       deps,
		events:     make(chan Event, eventBuffer),
		uploadSem:  make(chan struct{}, maxParallelUpload),
		log:        zap.S().Named("worker"),
	}

	// Queue events are buffered for Run. Rendering only waits on slow sinks once
	// eventBuffer events are backed up, since the send happens during dispatch.
	w.unsubscribe = append(w.unsubscribe,
		q.Subscribe(func(e Event) { w.events <- e }),
		tracker.Subscribe(w.onTrackerEvent),
		aggregator.Subscribe(w.onMetricsEvent),
	)
	return w
}

// Run handles queue events until ctx is done, then drains what is already
// buffered and waits for uploads in flight.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("Worker started")

	for {
		select {
		case e := <-w.events:
			w.handle(ctx, e)
		case <-ctx.Done():
			w.drain()
			return
		}
	}
}

func (w *Worker) drain() {
	defer func() {
		for _, unsub := range w.unsubscribe {
			unsub()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case e := <-w.events:
			w.handle(ctx, e)
		default:
			w.uploads.Wait()
			w.log.Info("Worker shut down")
			return
		}
	}
}

func (w *Worker) handle(ctx context.Context, e Event) {
	job := e.Job

	switch e.Type {
	case EventJobQueued:
		rec, err := newRecord(job)
		if err == nil {
			err = w.persist(func(s JobStore) error { return s.CreateRenderJob(ctx, rec) })
		}
		if err != nil {
			w.log.Errorw("Failed to persist queued job", "job_id", job.ID, "error", err)
		}
		w.setQueueDepth()

	case EventJobStarted:
		w.tracker.StartTracking(job.ID)
		w.aggregator.StartTracking(job.ID)
		w.updateStatus(ctx, job.ID, models.JobStatusProcessing)
		w.setQueueDepth()

	case EventProgress:
		if p := job.Progress; p != nil {
			err := w.persist(func(s JobStore) error { return s.UpdateRenderJobProgress(ctx, job.ID, p.Section, p.Percent) })
			if err != nil {
				w.log.Warnw("Failed to persist progress", "job_id", job.ID, "error", err)
			}
		}

	case EventStage:
		if e.Stage != nil {
			w.onStage(job.ID, *e.Stage)
		}

	case EventJobCompleted:
		w.tracker.CompleteTracking(job.ID)
		w.finishMetrics(ctx, job.ID, models.JobStatusCompleted)
		w.updateStatus(ctx, job.ID, models.JobStatusCompleted)
		w.upload(ctx, job)

	case EventJobFailed:
		w.onFailed(ctx, job, e.Err)

	case EventJobCancelled:
		err := w.persist(func(s JobStore) error { return s.SetRenderJobError(ctx, job.ID, job.Error) })
		if err != nil {
			w.log.Warnw("Failed to persist cancellation", "job_id", job.ID, "error", err)
		}
		w.setQueueDepth()
	}

	w.broadcast(e)
}

func (w *Worker) onStage(jobID string, u services.StageUpdate) {
	section, percent, stage := u.Section, u.Percent, u.Stage
	w.tracker.UpdateProgress(jobID, progress.Update{Section: &section, Percent: &percent, Stage: &stage})

	if !u.Done {
		return
	}

	elapsed := u.Elapsed
	update := metrics.StageUpdate{Duration: &elapsed}

	switch stage {
	case models.StageAvatar:
		success, retries := true, 0
		update.Success = &success
		update.Retries = &retries
	case models.StageRendering:
		if s := u.Stats; s != nil {
			update.FPS = &s.FPS
			update.MemoryUsage = &s.MemoryMB
			update.CPUUsage = &s.CPUPercent

			resolution := s.Resolution()
			w.aggregator.UpdateQualityMetrics(jobID, metrics.QualityUpdate{
				Resolution: &resolution,
				Bitrate:    &s.BitrateKbps,
				FileSize:   &s.FileSizeBytes,
			})
		}
	}

	w.aggregator.UpdateStageMetrics(jobID, stage, update)
}

func (w *Worker) onFailed(ctx context.Context, job *models.RenderJob, err error) {
	if err == nil {
		err = errors.New(job.Error)
	}

	where := progress.ErrorContext{}
	var stageErr *services.StageError
	if errors.As(err, &stageErr) {
		where.Section, where.Stage = stageErr.Section, stageErr.Stage
	} else if snap, ok := w.tracker.GetProgress(job.ID); ok {
		where.Section, where.Stage = snap.Section, snap.Stage
	}

	recoverable := w.tracker.HandleError(job.ID, err, where)
	w.aggregator.RecordError(job.ID, where.Stage, err)
	w.log.Errorw("Render failed", "job_id", job.ID, "stage", where.Stage, "section", where.Section,
		"recoverable", recoverable, "error", err)

	if perr := w.persist(func(s JobStore) error { return s.SetRenderJobError(ctx, job.ID, job.Error) }); perr != nil {
		w.log.Warnw("Failed to persist job error", "job_id", job.ID, "error", perr)
	}

	w.finishMetrics(ctx, job.ID, models.JobStatusFailed)
	w.tracker.Discard(job.ID)
}

// finishMetrics closes the job's metrics and records them in history and Prometheus.
func (w *Worker) finishMetrics(ctx context.Context, jobID string, status models.JobStatus) {
	m, ok := w.aggregator.CompleteTracking(jobID)
	if !ok {
		return
	}

	if w.deps.Collector != nil {
		w.deps.Collector.ObserveJob(status, m)
	}
	if w.deps.History != nil {
		if err := w.deps.History.Save(ctx, m); err != nil {
			w.log.Warnw("Failed to save metrics history", "job_id", jobID, "error", err)
		}
	}
}

// upload publishes the video in the background, at most maxParallelUpload at a time.
func (w *Worker) upload(ctx context.Context, job *models.RenderJob) {
	if w.deps.Uploader == nil {
		return
	}

	w.uploads.Add(1)
	go func() {
		defer w.uploads.Done()

		// The upload outlives Run's context so shutdown does not abort a finished render.
		ctx := context.WithoutCancel(ctx)
		url, err := w.uploadWithLimit(ctx, job.ID, func() (string, error) {
			return w.deps.Uploader.UploadRender(ctx, job.ID, job.OutputPath)
		})
		if err != nil {
			w.log.Errorw("Failed to upload render", "job_id", job.ID, "path", job.OutputPath, "error", err)
			return
		}

		w.log.Infow("Render uploaded", "job_id", job.ID, "url", url)
		if err := w.persist(func(s JobStore) error { return s.SetRenderJobVideoURL(ctx, job.ID, url) }); err != nil {
			w.log.Warnw("Failed to persist video URL", "job_id", job.ID, "error", err)
		}
		if w.deps.Hub != nil {
			w.deps.Hub.Broadcast(events.Message{Type: "uploaded", JobID: job.ID, Data: map[string]string{"video_url": url}})
		}
	}()
}

func (w *Worker) uploadWithLimit(ctx context.Context, jobID string, fn func() (string, error)) (string, error) {
	w.log.Debugw("Waiting for upload slot", "job_id", jobID)
	select {
	case w.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return "", fmt.Errorf("upload cancelled while waiting for slot: %w", ctx.Err())
	}
	defer func() { <-w.uploadSem }()

	return fn()
}

func (w *Worker) updateStatus(ctx context.Context, jobID string, status models.JobStatus) {
	if err := w.persist(func(s JobStore) error { return s.UpdateRenderJobStatus(ctx, jobID, status) }); err != nil {
		w.log.Warnw("Failed to persist job status", "job_id", jobID, "status", status, "error", err)
	}
}

func (w *Worker) persist(fn func(JobStore) error) error {
	if w.deps.Store == nil {
		return nil
	}
	return fn(w.deps.Store)
}

func (w *Worker) setQueueDepth() {
	if w.deps.Collector != nil {
		w.deps.Collector.SetQueueDepth(w.queue.Len())
	}
}

func (w *Worker) broadcast(e Event) {
	if w.deps.Hub == nil || e.Job == nil {
		return
	}

	data := map[string]any{"job": e.Job}
	if e.Stage != nil {
		data["stage"] = e.Stage
	}
	if e.Err != nil {
		data["error"] = e.Err.Error()
	}
	w.deps.Hub.Broadcast(events.Message{Type: string(e.Type), JobID: e.Job.ID, Data: data})
}

// onTrackerEvent forwards ETA updates to subscribers.
func (w *Worker) onTrackerEvent(e progress.Event) {
	if w.deps.Hub == nil || e.Progress == nil {
		return
	}
	w.deps.Hub.Broadcast(events.Message{Type: string(e.Type), JobID: e.JobID, Data: e.Progress})
}

func (w *Worker) onMetricsEvent(e metrics.Event) {
	if e.Type != metrics.EventAlert || e.Alert == nil {
		return
	}

	w.log.Warnw("Performance alert", "job_id", e.JobID, "type", e.Alert.Type, "message", e.Alert.Message)
	if w.deps.Collector != nil {
		w.deps.Collector.ObserveAlert(*e.Alert)
	}
	if w.deps.Hub != nil {
		w.deps.Hub.Broadcast(events.Message{Type: string(e.Type), JobID: e.JobID, Data: e.Alert})
	}
}

// newRecord is the initial persisted form of a queued job.
func newRecord(job *models.RenderJob) (*models.RenderJobRecord, error) {
	payload, err := models.ToJSONB(job.RenderRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to encode render request: %w", err)
	}

	rec := &models.RenderJobRecord{
		ID:          job.ID,
		Status:      job.Status,
		CompanyName: job.CompanyInfo.Name,
		Industry:    job.CompanyInfo.Industry,
		OutputPath:  job.OutputPath,
		Payload:     payload,
		CreatedAt:   job.CreatedAt,
	}
	if p := job.Progress; p != nil {
		section := string(p.Section)
		rec.Section = &section
		rec.Percent = p.Percent
	}
	return rec, nil
}
