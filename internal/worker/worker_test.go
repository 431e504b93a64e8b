package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/dealreel/internal/events"
	"github.com/bobarin/dealreel/internal/metrics"
	"github.com/bobarin/dealreel/internal/models"
	"github.com/bobarin/dealreel/internal/progress"
	"github.com/bobarin/dealreel/internal/services"
)

type fakeStore struct {
	mu    sync.Mutex
	calls []string
	recs  map[string]*models.RenderJobRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{recs: make(map[string]*models.RenderJobRecord)}
}

func (s *fakeStore) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *fakeStore) CreateRenderJob(ctx context.Context, rec *models.RenderJobRecord) error {
	s.mu.Lock()
	s.recs[rec.ID] = rec
	s.mu.Unlock()
	s.record("create")
	return nil
}

func (s *fakeStore) UpdateRenderJobStatus(ctx context.Context, id string, status models.JobStatus) error {
	s.record("status:" + string(status))
	return nil
}

func (s *fakeStore) UpdateRenderJobProgress(ctx context.Context, id string, section models.Section, percent float64) error {
	s.record(fmt.Sprintf("progress:%s:%g", section, percent))
	return nil
}

func (s *fakeStore) SetRenderJobError(ctx context.Context, id, message string) error {
	s.record("error:" + message)
	return nil
}

func (s *fakeStore) SetRenderJobVideoURL(ctx context.Context, id, url string) error {
	s.record("url:" + url)
	return nil
}

func (s *fakeStore) has(call string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c == call {
			return true
		}
	}
	return false
}

type fakeUploader struct{}

func (fakeUploader) UploadRender(ctx context.Context, jobID, localPath string) (string, error) {
	return "https://storage.example.com/" + jobID, nil
}

type fakeHistory struct {
	mu    sync.Mutex
	saved []metrics.VideoMetrics
}

func (h *fakeHistory) Save(ctx context.Context, m metrics.VideoMetrics) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saved = append(h.saved, m)
	return nil
}

type fakeHub struct {
	mu   sync.Mutex
	msgs []events.Message
}

func (h *fakeHub) Broadcast(msg events.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

func (h *fakeHub) types() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int)
	for _, m := range h.msgs {
		out[m.Type]++
	}
	return out
}

type fakeCollector struct {
	mu     sync.Mutex
	jobs   []models.JobStatus
	alerts []metrics.AlertType
}

func (c *fakeCollector) ObserveJob(status models.JobStatus, m metrics.VideoMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, status)
}

func (c *fakeCollector) ObserveAlert(a metrics.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a.Type)
}

func (c *fakeCollector) SetQueueDepth(n int) {}

// scriptedGenerator walks through the stages a real render reports.
type scriptedGenerator struct {
	failAt models.Stage
}

func (g scriptedGenerator) Generate(ctx context.Context, req models.RenderRequest, hooks services.Hooks) (*services.GenerateResult, error) {
	last := models.SectionSummary
	hooks.OnStage(services.StageUpdate{Stage: models.StageAvatar, Section: models.SectionIntroduction})
	hooks.OnProgress(models.SectionIntroduction, 30)

	if g.failAt == models.StageAvatar {
		err := &services.StageError{Stage: models.StageAvatar, Section: models.SectionBusinessModel, Err: errors.New("talk failed")}
		hooks.OnError(err)
		return nil, err
	}

	hooks.OnStage(services.StageUpdate{Stage: models.StageAvatar, Section: last, Percent: 100, Done: true, Elapsed: 20 * time.Second})
	hooks.OnStage(services.StageUpdate{Stage: models.StageComposition, Section: last})
	hooks.OnStage(services.StageUpdate{Stage: models.StageComposition, Section: last, Percent: 100, Done: true, Elapsed: time.Second})
	hooks.OnStage(services.StageUpdate{Stage: models.StageRendering, Section: last, Percent: 50})

	stats := &services.RenderStats{FPS: 12, MemoryMB: 300, CPUPercent: 40, BitrateKbps: 4500, FileSizeBytes: 1 << 20, Width: 1920, Height: 1080}
	hooks.OnStage(services.StageUpdate{Stage: models.StageRendering, Section: last, Percent: 100, Done: true, Elapsed: 30 * time.Second, Stats: stats})
	hooks.OnProgress(models.SectionIntroduction, 100)

	return &services.GenerateResult{OutputPath: req.OutputPath, Stats: stats}, nil
}

type harness struct {
	queue      *RenderQueue
	tracker    *progress.Tracker
	aggregator *metrics.Aggregator
	store      *fakeStore
	history    *fakeHistory
	hub        *fakeHub
	collector  *fakeCollector
}

// run enqueues one job per request, waits for the queue and worker to settle
// and returns the jobs' ids.
func (h *harness) run(t *testing.T, w *Worker, reqs ...models.RenderRequest) []string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	finished := settled(h.queue)
	var ids []string
	for _, r := range reqs {
		ids = append(ids, h.queue.Enqueue(r).ID)
	}
	waitSettled(t, finished, len(reqs))
	drain(t, h.queue)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	return ids
}

func newHarness(g services.Generator) (*harness, *Worker) {
	h := &harness{
		queue:      NewRenderQueue(g),
		tracker:    progress.NewTracker(),
		aggregator: metrics.NewAggregator(),
		store:      newFakeStore(),
		history:    &fakeHistory{},
		hub:        &fakeHub{},
		collector:  &fakeCollector{},
	}
	w := New(h.queue, h.tracker, h.aggregator, Deps{
		Store:     h.store,
		Uploader:  fakeUploader{},
		History:   h.history,
		Hub:       h.hub,
		Collector: h.collector,
	})
	return h, w
}

func TestWorkerCompletedJob(t *testing.T) {
	h, w := newHarness(scriptedGenerator{})
	ids := h.run(t, w, request("acme"))
	id := ids[0]

	for _, call := range []string{
		"create",
		"status:processing",
		"progress:introduction:30",
		"status:completed",
		"url:https://storage.example.com/" + id,
	} {
		if !h.store.has(call) {
			t.Errorf("missing store call %q in %v", call, h.store.calls)
		}
	}

	if rec := h.store.recs[id]; rec == nil || rec.CompanyName != "acme" || rec.Payload["company_info"] == nil {
		t.Errorf("unexpected record %+v", rec)
	}

	if len(h.history.saved) != 1 {
		t.Fatalf("expected one history entry, got %d", len(h.history.saved))
	}
	m := h.history.saved[0]
	if m.Stages.Avatar.DurationMs != 20000 || !m.Stages.Avatar.Success {
		t.Errorf("unexpected avatar metrics %+v", m.Stages.Avatar)
	}
	if m.Stages.Rendering.FPS != 12 || m.Stages.Rendering.DurationMs != 30000 {
		t.Errorf("unexpected rendering metrics %+v", m.Stages.Rendering)
	}
	if m.Quality.Resolution != "1920x1080" || m.Quality.FileSize != 1<<20 {
		t.Errorf("unexpected quality %+v", m.Quality)
	}

	if len(h.collector.jobs) != 1 || h.collector.jobs[0] != models.JobStatusCompleted {
		t.Errorf("unexpected collected jobs %v", h.collector.jobs)
	}
	if len(h.collector.alerts) != 1 || h.collector.alerts[0] != metrics.AlertSlowRendering {
		t.Errorf("expected a slow-rendering alert, got %v", h.collector.alerts)
	}

	if _, ok := h.tracker.GetProgress(id); ok {
		t.Error("progress should be dropped after completion")
	}
	if _, ok := h.aggregator.GetMetrics(id); ok {
		t.Error("metrics should be dropped after completion")
	}

	types := h.hub.types()
	for _, typ := range []string{"jobQueued", "jobStarted", "progress", "stage", "jobCompleted", "alert", "uploaded", "trackingCompleted"} {
		if types[typ] == 0 {
			t.Errorf("no %s message broadcast; got %v", typ, types)
		}
	}
}

func TestWorkerFailedJob(t *testing.T) {
	h, w := newHarness(scriptedGenerator{failAt: models.StageAvatar})
	id := h.run(t, w, request("acme"))[0]

	want := "error:avatar stage failed at businessModel: talk failed"
	if !h.store.has(want) {
		t.Errorf("missing %q in %v", want, h.store.calls)
	}
	if h.store.has("status:completed") {
		t.Error("failed job must not be marked completed")
	}

	if len(h.history.saved) != 1 {
		t.Fatalf("expected failed job in history, got %d entries", len(h.history.saved))
	}
	errs := h.history.saved[0].Errors
	if len(errs) != 1 || errs[0].Stage != models.StageAvatar {
		t.Errorf("unexpected recorded errors %+v", errs)
	}
	if len(h.collector.jobs) != 1 || h.collector.jobs[0] != models.JobStatusFailed {
		t.Errorf("unexpected collected jobs %v", h.collector.jobs)
	}
	if _, ok := h.tracker.GetProgress(id); ok {
		t.Error("progress should be discarded after failure")
	}
	if _, ok := h.tracker.GetError(id); ok {
		t.Error("error record should be discarded after failure")
	}
}

func TestWorkerCancelledJob(t *testing.T) {
	g := newGatedGenerator()
	h, w := newHarness(g)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	finished := settled(h.queue)
	h.queue.Enqueue(request("a"))
	b := h.queue.Enqueue(request("b"))
	waitStarted(t, g, "a")
	if !h.queue.CancelJob(b.ID) {
		t.Fatal("expected b to be cancelled")
	}
	g.release("a", nil)
	waitSettled(t, finished, 2)
	drain(t, h.queue)
	cancel()
	<-done

	if !h.store.has("error:Job cancelled") {
		t.Errorf("cancellation not persisted: %v", h.store.calls)
	}
	if len(h.history.saved) != 1 {
		t.Errorf("only the job that ran belongs in history, got %d", len(h.history.saved))
	}
	if h.hub.types()["jobCancelled"] != 1 {
		t.Errorf("expected one jobCancelled broadcast, got %v", h.hub.types())
	}
}

func TestWorkerWithoutSinks(t *testing.T) {
	q := NewRenderQueue(scriptedGenerator{})
	tracker := progress.NewTracker()
	aggregator := metrics.NewAggregator()
	w := New(q, tracker, aggregator, Deps{})

	h := &harness{queue: q}
	h.run(t, w, request("acme"))

	if got := aggregator.GetAllMetrics(); len(got) != 0 {
		t.Errorf("expected no live metrics, got %d", len(got))
	}
}

func TestWorkerPersistsJobsAbandonedAtShutdown(t *testing.T) {
	g := newGatedGenerator()
	h, w := newHarness(g)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	h.queue.Enqueue(request("a"))
	h.queue.Enqueue(request("b"))
	waitStarted(t, g, "a")

	// a is cut off by the shutdown, b never starts
	drain(t, h.queue)
	cancel()
	<-done

	if !h.store.has("error:" + ErrQueueShutdown.Error()) {
		t.Errorf("abandoned job not persisted: %v", h.store.calls)
	}
	if h.hub.types()["jobCancelled"] != 1 || h.hub.types()["jobFailed"] != 1 {
		t.Errorf("expected one jobCancelled and one jobFailed broadcast, got %v", h.hub.types())
	}
}
