package services

import (
	"testing"

	"github.com/bobarin/dealreel/internal/models"
)

func TestStartFrameOf(t *testing.T) {
	durations := map[models.Section]int{
		models.SectionIntroduction:    90,
		models.SectionBusinessModel:   120,
		models.SectionTractionMetrics: 60,
		models.SectionRiskAssessment:  30,
		models.SectionSummary:         45,
	}

	tests := []struct {
		section models.Section
		want    int
	}{
		{models.SectionIntroduction, 0},
		{models.SectionBusinessModel, 90},
		{models.SectionTractionMetrics, 210},
		{models.SectionRiskAssessment, 270},
		{models.SectionSummary, 300},
	}

	for _, tt := range tests {
		if got := StartFrameOf(tt.section, durations); got != tt.want {
			t.Errorf("StartFrameOf(%s) = %d, want %d", tt.section, got, tt.want)
		}
	}
}

func TestStartFrameOfMissingDurations(t *testing.T) {
	durations := map[models.Section]int{
		models.SectionIntroduction:   90,
		models.SectionRiskAssessment: 30,
	}

	if got := StartFrameOf(models.SectionTractionMetrics, durations); got != 90 {
		t.Errorf("expected missing durations to count as zero, got %d", got)
	}
	if got := StartFrameOf(models.SectionSummary, durations); got != 120 {
		t.Errorf("expected summary to start at 120, got %d", got)
	}
	if got := StartFrameOf(models.SectionSummary, nil); got != 0 {
		t.Errorf("expected 0 with no durations, got %d", got)
	}
}

func TestDurationInFrames(t *testing.T) {
	tests := []struct {
		seconds float64
		want    int
	}{
		{0, 0},
		{-1, 0},
		{1, 30},
		{2.5, 75},
		{1.01, 31},
	}

	for _, tt := range tests {
		if got := DurationInFrames(tt.seconds); got != tt.want {
			t.Errorf("DurationInFrames(%v) = %d, want %d", tt.seconds, got, tt.want)
		}
	}
}

func TestBuildTimeline(t *testing.T) {
	durations := map[models.Section]int{
		models.SectionIntroduction: 30,
		models.SectionSummary:      60,
	}

	spans := BuildTimeline(durations)
	if len(spans) != len(models.Sections) {
		t.Fatalf("expected %d spans, got %d", len(models.Sections), len(spans))
	}

	last := spans[len(spans)-1]
	if last.Section != models.SectionSummary || last.StartFrame != 30 || last.Frames != 60 {
		t.Errorf("unexpected summary span %+v", last)
	}
	if last.StartSeconds() != 1 || last.EndSeconds() != 3 {
		t.Errorf("unexpected summary window %v-%v", last.StartSeconds(), last.EndSeconds())
	}

	if TotalFrames(durations) != 90 {
		t.Errorf("expected 90 total frames, got %d", TotalFrames(durations))
	}
}
