// Package progress tracks per-job rendering progress and error history.
package progress

import (
	"math"
	"sync"
	"time"

	"github.com/bobarin/dealreel/internal/models"
)

// MaxRetries is how many errors a job may record before it is no longer recoverable.
const MaxRetries = 3

var stageWeights = map[models.Stage]float64{
	models.StageAvatar:      0.3,
	models.StageComposition: 0.4,
	models.StageRendering:   0.3,
}

// StageWeight is the share of overall progress attributed to a stage.
func StageWeight(stage models.Stage) float64 {
	return stageWeights[stage]
}

// Snapshot is the current progress of one job.
type Snapshot struct {
	JobID           string         `json:"job_id"`
	Section         models.Section `json:"section"`
	Percent         float64        `json:"percent"`
	Stage           models.Stage   `json:"stage"`
	OverallProgress int            `json:"overall_progress"`
	TimeRemaining   *int           `json:"time_remaining,omitempty"` // seconds
}

func (s Snapshot) clone() Snapshot {
	if s.TimeRemaining != nil {
		v := *s.TimeRemaining
		s.TimeRemaining = &v
	}
	return s
}

// Update is a partial progress change; nil fields keep their current value.
type Update struct {
	Section *models.Section
	Percent *float64
	Stage   *models.Stage
}

// ErrorContext says where an error happened.
type ErrorContext struct {
	Section models.Section
	Stage   models.Stage
}

// ErrorRecord is the latest error of a job.
type ErrorRecord struct {
	JobID       string         `json:"job_id"`
	Err         error          `json:"-"`
	Message     string         `json:"error"`
	Section     models.Section `json:"section,omitempty"`
	Stage       models.Stage   `json:"stage,omitempty"`
	Recoverable bool           `json:"recoverable"`
	RetryCount  int            `json:"retry_count"`
}

type EventType string

const (
	EventTrackingStarted   EventType = "trackingStarted"
	EventProgressUpdated   EventType = "progressUpdated"
	EventError             EventType = "error"
	EventRetrying          EventType = "retrying"
	EventTrackingCompleted EventType = "trackingCompleted"
)

// Event is delivered to listeners after the state change it describes.
type Event struct {
	Type     EventType
	JobID    string
	Progress *Snapshot
	Error    *ErrorRecord
}

type Listener func(Event)

type subscription struct {
	id int
	fn Listener
}

// Tracker is safe for concurrent use. Listeners run synchronously on the calling
// goroutine, after the tracker lock is released.
type Tracker struct {
	mu         sync.Mutex
	progress   map[string]*Snapshot
	errors     map[string]*ErrorRecord
	startTimes map[string]time.Time

	listenersMu sync.RWMutex
	listeners   []subscription
	nextID      int

	now func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		progress:   make(map[string]*Snapshot),
		errors:     make(map[string]*ErrorRecord),
		startTimes: make(map[string]time.Time),
		now:        time.Now,
	}
}

// Subscribe registers a listener and returns a function that removes it.
func (t *Tracker) Subscribe(l Listener) func() {
	t.listenersMu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners = append(t.listeners, subscription{id: id, fn: l})
	t.listenersMu.Unlock()

	return func() {
		t.listenersMu.Lock()
		defer t.listenersMu.Unlock()
		for i, s := range t.listeners {
			if s.id == id {
				t.listeners = append(t.listeners[:i:i], t.listeners[i+1:]...)
				return
			}
		}
	}
}

// emit calls listeners in subscription order.
func (t *Tracker) emit(e Event) {
	t.listenersMu.RLock()
	subs := t.listeners
	t.listenersMu.RUnlock()

	for _, s := range subs {
		s.fn(e)
	}
}

// StartTracking resets the job to the first section of the avatar stage.
func (t *Tracker) StartTracking(jobID string) {
	t.mu.Lock()
	t.startTimes[jobID] = t.now()
	t.progress[jobID] = &Snapshot{
		JobID:   jobID,
		Section: models.SectionIntroduction,
		Stage:   models.StageAvatar,
	}
	t.mu.Unlock()

	t.emit(Event{Type: EventTrackingStarted, JobID: jobID})
}

// UpdateProgress merges update into the job's snapshot and recomputes the derived
// fields. Unknown jobs are ignored.
func (t *Tracker) UpdateProgress(jobID string, update Update) {
	t.mu.Lock()
	cur, ok := t.progress[jobID]
	if !ok {
		t.mu.Unlock()
		return
	}

	if update.Section != nil {
		cur.Section = *update.Section
	}
	if update.Stage != nil {
		cur.Stage = *update.Stage
	}
	if update.Percent != nil {
		cur.Percent = *update.Percent
	}
	cur.OverallProgress = int(math.Round(cur.Percent * StageWeight(cur.Stage)))
	cur.TimeRemaining = t.timeRemaining(jobID, cur.Percent)

	snap := cur.clone()
	t.mu.Unlock()

	t.emit(Event{Type: EventProgressUpdated, JobID: jobID, Progress: &snap})
}

// timeRemaining extrapolates from elapsed time; nil until there is progress.
// Callers hold t.mu.
func (t *Tracker) timeRemaining(jobID string, percent float64) *int {
	started, ok := t.startTimes[jobID]
	if !ok || percent == 0 {
		return nil
	}

	elapsedMs := float64(t.now().Sub(started).Milliseconds())
	perPercent := elapsedMs / percent
	secs := int(math.Round((100 - percent) * perPercent / 1000))
	return &secs
}

// HandleError records err and reports whether the job may still be retried. The
// first error of a job has retry count 0 and each further error increments it.
func (t *Tracker) HandleError(jobID string, err error, ctx ErrorContext) bool {
	t.mu.Lock()
	retryCount := 0
	if prev, ok := t.errors[jobID]; ok {
		retryCount = prev.RetryCount + 1
	}

	rec := &ErrorRecord{
		JobID:       jobID,
		Err:         err,
		Section:     ctx.Section,
		Stage:       ctx.Stage,
		Recoverable: retryCount < MaxRetries,
		RetryCount:  retryCount,
	}
	if err != nil {
		rec.Message = err.Error()
	}
	t.errors[jobID] = rec
	snap := *rec
	t.mu.Unlock()

	t.emit(Event{Type: EventError, JobID: jobID, Error: &snap})
	if snap.Recoverable {
		t.emit(Event{Type: EventRetrying, JobID: jobID, Error: &snap})
	}

	return snap.Recoverable
}

// CompleteTracking marks the job finished, notifies listeners and drops its state.
func (t *Tracker) CompleteTracking(jobID string) {
	t.mu.Lock()
	cur, ok := t.progress[jobID]
	var final Snapshot
	if ok {
		zero := 0
		cur.Percent = 100
		cur.OverallProgress = 100
		cur.TimeRemaining = &zero
		final = cur.clone()
	}
	t.forget(jobID)
	t.mu.Unlock()

	if ok {
		t.emit(Event{Type: EventTrackingCompleted, JobID: jobID, Progress: &final})
	}
}

// Discard drops a job's state without a completion event.
func (t *Tracker) Discard(jobID string) {
	t.mu.Lock()
	t.forget(jobID)
	t.mu.Unlock()
}

func (t *Tracker) forget(jobID string) {
	delete(t.progress, jobID)
	delete(t.errors, jobID)
	delete(t.startTimes, jobID)
}

// GetProgress returns a copy of the job's snapshot.
func (t *Tracker) GetProgress(jobID string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.progress[jobID]
	if !ok {
		return Snapshot{}, false
	}
	return cur.clone(), true
}

// GetError returns a copy of the job's latest error.
func (t *Tracker) GetError(jobID string) (ErrorRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.errors[jobID]
	if !ok {
		return ErrorRecord{}, false
	}
	return *rec, true
}

// GetAllProgress returns copies of every tracked snapshot.
func (t *Tracker) GetAllProgress() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Snapshot, 0, len(t.progress))
	for _, s := range t.progress {
		out = append(out, s.clone())
	}
	return out
}
