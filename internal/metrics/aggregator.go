// Package metrics records per-job render metrics and raises performance alerts.
package metrics

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bobarin/dealreel/internal/models"
)

// Alert thresholds
const (
	MemoryThresholdMB   = 2048
	CPUThresholdPercent = 80
	FPSThreshold        = 20
	ErrorRateThreshold  = 0.1
)

type AlertType string

const (
	AlertHighMemory    AlertType = "high-memory"
	AlertHighCPU       AlertType = "high-cpu"
	AlertSlowRendering AlertType = "slow-rendering"
	AlertErrorRate     AlertType = "error-rate"
)

type AvatarStage struct {
	DurationMs int64 `json:"duration_ms"`
	Retries    int   `json:"retries"`
	Success    bool  `json:"success"`
}

type CompositionStage struct {
	DurationMs  int64   `json:"duration_ms"`
	MemoryUsage float64 `json:"memory_usage_mb"`
	CPUUsage    float64 `json:"cpu_usage"`
}

type RenderingStage struct {
	DurationMs  int64   `json:"duration_ms"`
	FPS         float64 `json:"fps"`
	MemoryUsage float64 `json:"memory_usage_mb"`
	CPUUsage    float64 `json:"cpu_usage"`
}

type Stages struct {
	Avatar      AvatarStage      `json:"avatar"`
	Composition CompositionStage `json:"composition"`
	Rendering   RenderingStage   `json:"rendering"`
}

func (s Stages) durationMs(stage models.Stage) int64 {
	switch stage {
	case models.StageAvatar:
		return s.Avatar.DurationMs
	case models.StageComposition:
		return s.Composition.DurationMs
	case models.StageRendering:
		return s.Rendering.DurationMs
	}
	return 0
}

type Quality struct {
	Resolution string  `json:"resolution"`
	Bitrate    float64 `json:"bitrate"`
	FileSize   int64   `json:"file_size"`
}

type ErrorEntry struct {
	Stage     models.Stage `json:"stage"`
	Message   string       `json:"message"`
	Timestamp time.Time    `json:"timestamp"`
}

// VideoMetrics is everything recorded about one job.
type VideoMetrics struct {
	JobID      string       `json:"job_id"`
	StartTime  time.Time    `json:"start_time"`
	EndTime    *time.Time   `json:"end_time,omitempty"`
	DurationMs *int64       `json:"duration_ms,omitempty"`
	Stages     Stages       `json:"stages"`
	Quality    Quality      `json:"quality"`
	Errors     []ErrorEntry `json:"errors"`
}

func (m *VideoMetrics) clone() VideoMetrics {
	out := *m
	if m.EndTime != nil {
		t := *m.EndTime
		out.EndTime = &t
	}
	if m.DurationMs != nil {
		d := *m.DurationMs
		out.DurationMs = &d
	}
	out.Errors = append([]ErrorEntry(nil), m.Errors...)
	if out.Errors == nil {
		out.Errors = []ErrorEntry{}
	}
	return out
}

// StageUpdate is a partial stage change; nil fields are left alone. Fields that
// do not exist on the updated stage are ignored when stored but still checked
// against the alert thresholds.
type StageUpdate struct {
	Duration    *time.Duration
	Retries     *int
	Success     *bool
	MemoryUsage *float64 // MB
	CPUUsage    *float64 // percent
	FPS         *float64
}

// QualityUpdate is a partial quality change; nil fields are left alone.
type QualityUpdate struct {
	Resolution *string
	Bitrate    *float64
	FileSize   *int64
}

// Alert is a threshold breach.
type Alert struct {
	JobID     string    `json:"job_id"`
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

type EventType string

const (
	EventTrackingStarted   EventType = "trackingStarted"
	EventMetricsUpdated    EventType = "metricsUpdated"
	EventErrorRecorded     EventType = "errorRecorded"
	EventAlert             EventType = "alert"
	EventTrackingCompleted EventType = "trackingCompleted"
)

type Event struct {
	Type    EventType
	JobID   string
	Metrics *VideoMetrics
	Alert   *Alert
	Stage   models.Stage
	Err     error
}

type Listener func(Event)

type subscription struct {
	id int
	fn Listener
}

// Aggregator holds live metrics for jobs between StartTracking and CompleteTracking.
type Aggregator struct {
	mu      sync.Mutex
	metrics map[string]*VideoMetrics

	listenersMu sync.RWMutex
	listeners   []subscription
	nextID      int

	now func() time.Time
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		metrics: make(map[string]*VideoMetrics),
		now:     time.Now,
	}
}

// Subscribe registers a listener and returns a function that removes it.
func (a *Aggregator) Subscribe(l Listener) func() {
	a.listenersMu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners = append(a.listeners, subscription{id: id, fn: l})
	a.listenersMu.Unlock()

	return func() {
		a.listenersMu.Lock()
		defer a.listenersMu.Unlock()
		for i, s := range a.listeners {
			if s.id == id {
				a.listeners = append(a.listeners[:i:i], a.listeners[i+1:]...)
				return
			}
		}
	}
}

func (a *Aggregator) emit(e Event) {
	a.listenersMu.RLock()
	subs := a.listeners
	a.listenersMu.RUnlock()

	for _, s := range subs {
		s.fn(e)
	}
}

func (a *Aggregator) StartTracking(jobID string) {
	a.mu.Lock()
	a.metrics[jobID] = &VideoMetrics{
		JobID:     jobID,
		StartTime: a.now(),
		Errors:    []ErrorEntry{},
	}
	a.mu.Unlock()

	a.emit(Event{Type: EventTrackingStarted, JobID: jobID})
}

// UpdateStageMetrics merges update into a stage and raises alerts for breached
// thresholds. Zero values never alert. Unknown jobs are ignored.
func (a *Aggregator) UpdateStageMetrics(jobID string, stage models.Stage, update StageUpdate) {
	a.mu.Lock()
	m, ok := a.metrics[jobID]
	if !ok {
		a.mu.Unlock()
		return
	}

	applyStageUpdate(&m.Stages, stage, update)
	snap := m.clone()
	a.mu.Unlock()

	if v := update.MemoryUsage; v != nil && *v != 0 && *v > MemoryThresholdMB {
		a.alert(jobID, AlertHighMemory, *v)
	}
	if v := update.CPUUsage; v != nil && *v != 0 && *v > CPUThresholdPercent {
		a.alert(jobID, AlertHighCPU, *v)
	}
	if v := update.FPS; v != nil && *v != 0 && *v < FPSThreshold {
		a.alert(jobID, AlertSlowRendering, *v)
	}

	a.emit(Event{Type: EventMetricsUpdated, JobID: jobID, Metrics: &snap, Stage: stage})
}

func applyStageUpdate(s *Stages, stage models.Stage, u StageUpdate) {
	var durationMs *int64
	if u.Duration != nil {
		ms := u.Duration.Milliseconds()
		durationMs = &ms
	}

	switch stage {
	case models.StageAvatar:
		setIf(&s.Avatar.DurationMs, durationMs)
		setIf(&s.Avatar.Retries, u.Retries)
		setIf(&s.Avatar.Success, u.Success)
	case models.StageComposition:
		setIf(&s.Composition.DurationMs, durationMs)
		setIf(&s.Composition.MemoryUsage, u.MemoryUsage)
		setIf(&s.Composition.CPUUsage, u.CPUUsage)
	case models.StageRendering:
		setIf(&s.Rendering.DurationMs, durationMs)
		setIf(&s.Rendering.FPS, u.FPS)
		setIf(&s.Rendering.MemoryUsage, u.MemoryUsage)
		setIf(&s.Rendering.CPUUsage, u.CPUUsage)
	}
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// UpdateQualityMetrics merges quality fields. Unknown jobs are ignored.
func (a *Aggregator) UpdateQualityMetrics(jobID string, update QualityUpdate) {
	a.mu.Lock()
	m, ok := a.metrics[jobID]
	if !ok {
		a.mu.Unlock()
		return
	}
	setIf(&m.Quality.Resolution, update.Resolution)
	setIf(&m.Quality.Bitrate, update.Bitrate)
	setIf(&m.Quality.FileSize, update.FileSize)
	snap := m.clone()
	a.mu.Unlock()

	a.emit(Event{Type: EventMetricsUpdated, JobID: jobID, Metrics: &snap})
}

// RecordError appends an error and alerts when errors per second of the stage's
// recorded duration exceed ErrorRateThreshold. A stage with no recorded duration
// yet is treated as having run for one second.
func (a *Aggregator) RecordError(jobID string, stage models.Stage, err error) {
	a.mu.Lock()
	m, ok := a.metrics[jobID]
	if !ok {
		a.mu.Unlock()
		return
	}

	entry := ErrorEntry{Stage: stage, Timestamp: a.now()}
	if err != nil {
		entry.Message = err.Error()
	}
	m.Errors = append(m.Errors, entry)

	// Stages shorter than a second count as one second.
	seconds := max(float64(m.Stages.durationMs(stage))/1000, 1)
	rate := float64(len(m.Errors)) / seconds
	snap := m.clone()
	a.mu.Unlock()

	if rate > ErrorRateThreshold {
		a.alert(jobID, AlertErrorRate, rate)
	}

	a.emit(Event{Type: EventErrorRecorded, JobID: jobID, Metrics: &snap, Stage: stage, Err: err})
}

func (a *Aggregator) alert(jobID string, kind AlertType, value float64) {
	alert := Alert{
		JobID:     jobID,
		Type:      kind,
		Message:   alertMessage(kind, value),
		Value:     value,
		Threshold: thresholdFor(kind),
		Timestamp: a.now(),
	}
	a.emit(Event{Type: EventAlert, JobID: jobID, Alert: &alert})
}

func alertMessage(kind AlertType, value float64) string {
	switch kind {
	case AlertHighMemory:
		return fmt.Sprintf("High memory usage detected: %sMB (threshold: %dMB)", formatNumber(value), MemoryThresholdMB)
	case AlertHighCPU:
		return fmt.Sprintf("High CPU usage detected: %s%% (threshold: %d%%)", formatNumber(value), CPUThresholdPercent)
	case AlertSlowRendering:
		return fmt.Sprintf("Low rendering FPS detected: %s FPS (threshold: %d FPS)", formatNumber(value), FPSThreshold)
	case AlertErrorRate:
		return fmt.Sprintf("High error rate detected: %.1f%% (threshold: %.1f%%)", value*100, ErrorRateThreshold*100)
	}
	return fmt.Sprintf("Performance alert: %s", kind)
}

func thresholdFor(kind AlertType) float64 {
	switch kind {
	case AlertHighMemory:
		return MemoryThresholdMB
	case AlertHighCPU:
		return CPUThresholdPercent
	case AlertSlowRendering:
		return FPSThreshold
	case AlertErrorRate:
		return ErrorRateThreshold
	}
	return 0
}

// formatNumber prints the shortest exact representation, 2500 rather than 2500.000000.
func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// CompleteTracking stamps the end time, notifies listeners, drops the job and
// returns the final snapshot.
func (a *Aggregator) CompleteTracking(jobID string) (VideoMetrics, bool) {
	a.mu.Lock()
	m, ok := a.metrics[jobID]
	if !ok {
		a.mu.Unlock()
		return VideoMetrics{}, false
	}

	end := a.now()
	duration := end.Sub(m.StartTime).Milliseconds()
	m.EndTime = &end
	m.DurationMs = &duration
	snap := m.clone()
	delete(a.metrics, jobID)
	a.mu.Unlock()

	a.emit(Event{Type: EventTrackingCompleted, JobID: jobID, Metrics: &snap})

	out := snap.clone()
	return out, true
}

func (a *Aggregator) GetMetrics(jobID string) (VideoMetrics, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.metrics[jobID]
	if !ok {
		return VideoMetrics{}, false
	}
	return m.clone(), true
}

func (a *Aggregator) GetAllMetrics() []VideoMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]VideoMetrics, 0, len(a.metrics))
	for _, m := range a.metrics {
		out = append(out, m.clone())
	}
	return out
}

// AggregateMetrics summarizes finished jobs. ErrorRate is the mean error count
// per job.
type AggregateMetrics struct {
	TotalJobs          int     `json:"total_jobs"`
	AverageDurationMs  float64 `json:"average_duration_ms"`
	ErrorRate          float64 `json:"error_rate"`
	AverageMemoryUsage float64 `json:"average_memory_usage"`
	AverageCPUUsage    float64 `json:"average_cpu_usage"`
	AverageFPS         float64 `json:"average_fps"`
}

// GetAggregateMetrics summarizes the tracked jobs that have an end time. Completed
// jobs are removed by CompleteTracking, so callers wanting history aggregate the
// returned snapshots themselves with Aggregate.
func (a *Aggregator) GetAggregateMetrics() AggregateMetrics {
	return Aggregate(a.GetAllMetrics())
}

// Aggregate summarizes the snapshots that have an end time.
func Aggregate(all []VideoMetrics) AggregateMetrics {
	var agg AggregateMetrics
	var errs, duration, memory, cpu, fps float64

	for _, m := range all {
		if m.EndTime == nil {
			continue
		}
		agg.TotalJobs++
		errs += float64(len(m.Errors))
		if m.DurationMs != nil {
			duration += float64(*m.DurationMs)
		}
		memory += m.Stages.Rendering.MemoryUsage
		cpu += m.Stages.Rendering.CPUUsage
		fps += m.Stages.Rendering.FPS
	}

	if agg.TotalJobs == 0 {
		return agg
	}

	n := float64(agg.TotalJobs)
	agg.AverageDurationMs = duration / n
	agg.ErrorRate = errs / n
	agg.AverageMemoryUsage = memory / n
	agg.AverageCPUUsage = cpu / n
	agg.AverageFPS = fps / n
	return agg
}
