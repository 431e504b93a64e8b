package services

import (
	"math"

	"github.com/bobarin/dealreel/internal/models"
)

// VideoFPS is the frame rate of every composed video.
const VideoFPS = 30

// DurationInFrames converts seconds into frames, rounding partial frames up.
func DurationInFrames(seconds float64) int {
	if seconds <= 0 {
		return 0
	}
	return int(math.Ceil(seconds * VideoFPS))
}

// SectionSpan is where a section sits on the output timeline, in frames.
type SectionSpan struct {
	Section    models.Section
	StartFrame int
	Frames     int
}

// StartSeconds is the span start converted back to seconds.
func (s SectionSpan) StartSeconds() float64 {
	return float64(s.StartFrame) / VideoFPS
}

// EndSeconds is the span end converted back to seconds.
func (s SectionSpan) EndSeconds() float64 {
	return float64(s.StartFrame+s.Frames) / VideoFPS
}

// StartFrameOf returns the sum of the durations of all sections before target in
// playback order. Sections missing from durations count as zero frames.
func StartFrameOf(target models.Section, durations map[models.Section]int) int {
	start := 0
	for _, s := range models.Sections {
		if s == target {
			return start
		}
		start += durations[s]
	}
	return start
}

// BuildTimeline lays the sections out back to back in playback order.
func BuildTimeline(durations map[models.Section]int) []SectionSpan {
	spans := make([]SectionSpan, 0, len(models.Sections))
	for _, s := range models.Sections {
		spans = append(spans, SectionSpan{
			Section:    s,
			StartFrame: StartFrameOf(s, durations),
			Frames:     durations[s],
		})
	}
	return spans
}

// TotalFrames sums all section durations.
func TotalFrames(durations map[models.Section]int) int {
	total := 0
	for _, s := range models.Sections {
		total += durations[s]
	}
	return total
}
