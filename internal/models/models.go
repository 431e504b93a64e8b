package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Enums

// Section names one narrated part of a pitch video. The order of Sections is the
// playback order and the order in which avatar clips are synthesized.
type Section string

const (
	SectionIntroduction    Section = "introduction"
	SectionBusinessModel   Section = "businessModel"
	SectionTractionMetrics Section = "tractionMetrics"
	SectionRiskAssessment  Section = "riskAssessment"
	SectionSummary         Section = "summary"
)

// Sections is the fixed playback order.
var Sections = []Section{
	SectionIntroduction,
	SectionBusinessModel,
	SectionTractionMetrics,
	SectionRiskAssessment,
	SectionSummary,
}

// Title is the on-screen heading used when a section is rendered.
func (s Section) Title() string {
	switch s {
	case SectionIntroduction:
		return "Introduction"
	case SectionBusinessModel:
		return "Business Model"
	case SectionTractionMetrics:
		return "Traction & Metrics"
	case SectionRiskAssessment:
		return "Risk Assessment"
	case SectionSummary:
		return "Summary"
	}
	return string(s)
}

// ParseSection maps a wire name onto a Section.
func ParseSection(name string) (Section, bool) {
	for _, s := range Sections {
		if string(s) == name {
			return s, true
		}
	}
	return "", false
}

// Stage is a phase of rendering, used for progress weighting and metrics.
type Stage string

const (
	StageAvatar      Stage = "avatar"
	StageComposition Stage = "composition"
	StageRendering   Stage = "rendering"
)

var Stages = []Stage{StageAvatar, StageComposition, StageRendering}

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}
	return json.Unmarshal(raw, j)
}

// ToJSONB encodes v, typically a struct, as a JSONB object.
func ToJSONB(v any) (JSONB, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out JSONB
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Models

// Script holds the narration text of every section.
type Script struct {
	Introduction    string `json:"introduction"`
	BusinessModel   string `json:"businessModel"`
	TractionMetrics string `json:"tractionMetrics"`
	RiskAssessment  string `json:"riskAssessment"`
	Summary         string `json:"summary"`
}

// Text returns the narration for a section.
func (s Script) Text(section Section) string {
	switch section {
	case SectionIntroduction:
		return s.Introduction
	case SectionBusinessModel:
		return s.BusinessModel
	case SectionTractionMetrics:
		return s.TractionMetrics
	case SectionRiskAssessment:
		return s.RiskAssessment
	case SectionSummary:
		return s.Summary
	}
	return ""
}

type CompanyInfo struct {
	Name     string `json:"name" validate:"required"`
	Logo     string `json:"logo,omitempty" validate:"omitempty,url"`
	Industry string `json:"industry" validate:"required"`
}

// RenderRequest is everything needed to produce one video.
type RenderRequest struct {
	Script      Script             `json:"script"`
	Metrics     map[string]float64 `json:"metrics"`
	CompanyInfo CompanyInfo        `json:"company_info"`
	OutputPath  string             `json:"output_path"`
}

func (r RenderRequest) clone() RenderRequest {
	out := r
	if r.Metrics != nil {
		out.Metrics = make(map[string]float64, len(r.Metrics))
		for k, v := range r.Metrics {
			out.Metrics[k] = v
		}
	}
	return out
}

// JobProgress is the last progress report of a job, scoped to a section.
type JobProgress struct {
	Section Section `json:"section"`
	Percent float64 `json:"percent"`
}

// RenderJob is a queued or running render. Values handed out by the render queue
// are snapshots; mutating them does not affect the queue.
type RenderJob struct {
	ID        string       `json:"id"`
	Status    JobStatus    `json:"status"`
	Progress  *JobProgress `json:"progress,omitempty"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	RenderRequest
}

// Clone returns a deep copy.
func (j *RenderJob) Clone() *RenderJob {
	if j == nil {
		return nil
	}
	out := *j
	out.RenderRequest = j.RenderRequest.clone()
	if j.Progress != nil {
		p := *j.Progress
		out.Progress = &p
	}
	return &out
}

// RenderJobRecord is the persisted form of a render job. Unlike RenderJob it
// outlives the queue.
type RenderJobRecord struct {
	ID           string    `json:"id"`
	Status       JobStatus `json:"status"`
	Section      *string   `json:"section,omitempty"`
	Percent      float64   `json:"percent"`
	CompanyName  string    `json:"company_name"`
	Industry     string    `json:"industry"`
	OutputPath   string    `json:"output_path"`
	VideoURL     *string   `json:"video_url,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	Payload      JSONB     `json:"payload,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// InvestorProfile steers script generation toward what a given investor cares about.
type InvestorProfile struct {
	Industries        []string `json:"industries"`
	Stages            []string `json:"stages"`
	KPIs              []string `json:"kpis"`
	RedFlags          []string `json:"red_flags"`
	CommunicationTone string   `json:"communication_tone"`
	MinInvestment     float64  `json:"min_investment"`
	MaxInvestment     float64  `json:"max_investment"`
}

// API Request/Response types

type CreateRenderRequest struct {
	Script      Script             `json:"script"`
	Metrics     map[string]float64 `json:"metrics"`
	CompanyInfo CompanyInfo        `json:"company_info"`
	OutputPath  string             `json:"output_path,omitempty"`
}

type GenerateScriptRequest struct {
	Document map[string]interface{} `json:"document" validate:"required"`
	Profile  InvestorProfile        `json:"investor_profile"`
}

type CancelRenderResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}
