package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bobarin/dealreel/internal/models"
	"github.com/bobarin/dealreel/internal/services"
)

var (
	// ErrJobCancelled is the error recorded on a job cancelled before it started.
	ErrJobCancelled = errors.New("Job cancelled")
	// ErrQueueShutdown is recorded on jobs still waiting when the queue shuts down.
	ErrQueueShutdown = fmt.Errorf("%w: render queue shut down", ErrJobCancelled)
)

type EventType string

const (
	EventJobQueued    EventType = "jobQueued"
	EventJobStarted   EventType = "jobStarted"
	EventProgress     EventType = "progress"
	EventStage        EventType = "stage"
	EventJobCompleted EventType = "jobCompleted"
	EventJobFailed    EventType = "jobFailed"
	EventJobCancelled EventType = "jobCancelled"
)

// Lifecycle reports whether t is one of the job lifecycle events, as opposed to
// progress or stage reports.
func (t EventType) Lifecycle() bool {
	switch t {
	case EventJobQueued, EventJobStarted, EventJobCompleted, EventJobFailed, EventJobCancelled:
		return true
	}
	return false
}

// Event is a snapshot of a job at the moment something happened to it.
type Event struct {
	Type   EventType
	Job    *models.RenderJob
	Stage  *services.StageUpdate    // EventStage
	Result *services.GenerateResult // EventJobCompleted
	Err    error                    // EventJobFailed, EventJobCancelled
}

// Listener receives queue events in order. Listeners may read queue state but
// must not call Enqueue or CancelJob synchronously.
type Listener func(Event)

type subscription struct {
	id int
	fn Listener
}

// RenderQueue runs render jobs one at a time in the order they were enqueued.
type RenderQueue struct {
	generator services.Generator

	// dispatchMu is held across each state change and the events it emits, so
	// listeners observe every job's events in causal order.
	dispatchMu sync.Mutex

	mu      sync.Mutex
	pending []*models.RenderJob
	current *models.RenderJob
	running bool

	listenersMu sync.RWMutex
	listeners   []subscription
	nextID      int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *zap.SugaredLogger
	now func() time.Time
}

func NewRenderQueue(generator services.Generator) *RenderQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &RenderQueue{
		generator: generator,
		ctx:       ctx,
		cancel:    cancel,
		log:       zap.S().Named("render_queue"),
		now:       time.Now,
	}
}

// Subscribe registers a listener and returns a function that removes it.
func (q *RenderQueue) Subscribe(l Listener) func() {
	q.listenersMu.Lock()
	id := q.nextID
	q.nextID++
	q.listeners = append(q.listeners, subscription{id: id, fn: l})
	q.listenersMu.Unlock()

	return func() {
		q.listenersMu.Lock()
		defer q.listenersMu.Unlock()
		for i, s := range q.listeners {
			if s.id == id {
				q.listeners = append(q.listeners[:i:i], q.listeners[i+1:]...)
				return
			}
		}
	}
}

// emit must be called with dispatchMu held.
func (q *RenderQueue) emit(e Event) {
	q.listenersMu.RLock()
	subs := q.listeners
	q.listenersMu.RUnlock()

	for _, s := range subs {
		s.fn(e)
	}
}

// Enqueue adds a job to the back of the queue and returns a snapshot of it.
// Processing starts on another goroutine, never before Enqueue returns.
func (q *RenderQueue) Enqueue(req models.RenderRequest) *models.RenderJob {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()

	now := q.now()
	job := &models.RenderJob{
		ID:            uuid.NewString(),
		Status:        models.JobStatusQueued,
		Progress:      &models.JobProgress{Section: models.Sections[0], Percent: 0},
		CreatedAt:     now,
		UpdatedAt:     now,
		RenderRequest: req,
	}

	q.mu.Lock()
	q.pending = append(q.pending, job)
	start := !q.running && q.ctx.Err() == nil
	if start {
		q.running = true
	}
	snap := job.Clone()
	q.mu.Unlock()

	q.log.Infow("Job queued", "job_id", job.ID, "company", req.CompanyInfo.Name)
	q.emit(Event{Type: EventJobQueued, Job: snap})

	if start {
		q.wg.Add(1)
		go q.process()
	}
	return snap.Clone()
}

// process drains the queue. Only one process goroutine runs at a time.
func (q *RenderQueue) process() {
	defer q.wg.Done()

	for {
		job := q.next()
		if job == nil {
			return
		}
		q.run(job)
	}
}

// next moves the head of the queue into the current slot and emits jobStarted.
// It returns nil and marks the queue idle when there is nothing to do.
func (q *RenderQueue) next() *models.RenderJob {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()

	q.mu.Lock()
	if len(q.pending) == 0 || q.ctx.Err() != nil {
		q.running = false
		q.mu.Unlock()
		return nil
	}
	job := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	job.Status = models.JobStatusProcessing
	job.UpdatedAt = q.now()
	q.current = job
	snap := job.Clone()
	q.mu.Unlock()

	q.log.Infow("Job started", "job_id", job.ID)
	q.emit(Event{Type: EventJobStarted, Job: snap})
	return job
}

func (q *RenderQueue) run(job *models.RenderJob) {
	// Failure may be reported through OnError and again by Generate's return;
	// only the first report counts.
	var failed bool

	fail := func(err error) {
		q.dispatchMu.Lock()
		defer q.dispatchMu.Unlock()

		q.mu.Lock()
		if failed {
			q.mu.Unlock()
			return
		}
		failed = true
		job.Status = models.JobStatusFailed
		job.Error = err.Error()
		job.UpdatedAt = q.now()
		snap := job.Clone()
		q.mu.Unlock()

		q.log.Errorw("Job failed", "job_id", job.ID, "error", err)
		q.emit(Event{Type: EventJobFailed, Job: snap, Err: err})
	}

	hooks := services.Hooks{
		OnProgress: func(section models.Section, percent float64) {
			q.dispatchMu.Lock()
			defer q.dispatchMu.Unlock()

			q.mu.Lock()
			job.Progress = &models.JobProgress{Section: section, Percent: percent}
			job.UpdatedAt = q.now()
			snap := job.Clone()
			q.mu.Unlock()

			q.emit(Event{Type: EventProgress, Job: snap})
		},
		OnStage: func(u services.StageUpdate) {
			q.dispatchMu.Lock()
			defer q.dispatchMu.Unlock()

			q.mu.Lock()
			snap := job.Clone()
			q.mu.Unlock()

			q.emit(Event{Type: EventStage, Job: snap, Stage: &u})
		},
		OnError: fail,
	}

	result, err := q.generate(job, hooks)
	if err != nil {
		fail(err)
	} else {
		q.dispatchMu.Lock()
		q.mu.Lock()
		job.Status = models.JobStatusCompleted
		job.UpdatedAt = q.now()
		snap := job.Clone()
		q.mu.Unlock()

		q.log.Infow("Job completed", "job_id", job.ID, "output", job.OutputPath)
		q.emit(Event{Type: EventJobCompleted, Job: snap, Result: result})
		q.dispatchMu.Unlock()
	}

	q.mu.Lock()
	q.current = nil
	q.mu.Unlock()
}

// generate isolates a panicking generator to its own job.
func (q *RenderQueue) generate(job *models.RenderJob, hooks services.Hooks) (result *services.GenerateResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Errorw("Generator panicked", "job_id", job.ID, "panic", r)
			err = fmt.Errorf("render panicked: %v", r)
		}
	}()
	return q.generator.Generate(q.ctx, job.RenderRequest, hooks)
}

// GetJobStatus returns a snapshot of a queued or in-flight job.
func (q *RenderQueue) GetJobStatus(id string) (*models.RenderJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil && q.current.ID == id {
		return q.current.Clone(), true
	}
	for _, job := range q.pending {
		if job.ID == id {
			return job.Clone(), true
		}
	}
	return nil, false
}

// GetAllJobs returns snapshots of the in-flight job followed by queued jobs in order.
func (q *RenderQueue) GetAllJobs() []*models.RenderJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*models.RenderJob, 0, len(q.pending)+1)
	if q.current != nil {
		out = append(out, q.current.Clone())
	}
	for _, job := range q.pending {
		out = append(out, job.Clone())
	}
	return out
}

// Len is the number of jobs waiting to start.
func (q *RenderQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// CancelJob removes a job that has not started yet. It reports false for unknown
// ids and for the in-flight job.
func (q *RenderQueue) CancelJob(id string) bool {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()

	q.mu.Lock()
	idx := -1
	for i, job := range q.pending {
		if job.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return false
	}
	job := q.pending[idx]
	q.pending = append(q.pending[:idx:idx], q.pending[idx+1:]...)
	job.Status = models.JobStatusFailed
	job.Error = ErrJobCancelled.Error()
	job.UpdatedAt = q.now()
	snap := job.Clone()
	q.mu.Unlock()

	q.log.Infow("Job cancelled", "job_id", id)
	q.emit(Event{Type: EventJobCancelled, Job: snap, Err: ErrJobCancelled})
	return true
}

// Shutdown stops taking new work, cancels the in-flight job's context and waits
// for the processing goroutine to exit or ctx to expire. Jobs still queued are
// cancelled with ErrQueueShutdown.
func (q *RenderQueue) Shutdown(ctx context.Context) error {
	q.cancel()
	q.abandonPending()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *RenderQueue) abandonPending() {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()

	q.mu.Lock()
	abandoned := q.pending
	q.pending = nil
	snaps := make([]*models.RenderJob, 0, len(abandoned))
	for _, job := range abandoned {
		job.Status = models.JobStatusFailed
		job.Error = ErrQueueShutdown.Error()
		job.UpdatedAt = q.now()
		snaps = append(snaps, job.Clone())
	}
	q.mu.Unlock()

	for _, snap := range snaps {
		q.log.Warnw("Job abandoned at shutdown", "job_id", snap.ID)
		q.emit(Event{Type: EventJobCancelled, Job: snap, Err: ErrQueueShutdown})
	}
}
