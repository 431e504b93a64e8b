package services

import (
	"context"
	"fmt"
	"time"

	"github.com/bobarin/dealreel/internal/models"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Video generation pipeline
// Sections are synthesized one at a time in playback order (avatar provider is
// 60% of the job), then composed and encoded (remaining 40%).
// ---------------------------------------------------------------------------

const (
	avatarShare  = 0.6
	composeStart = 60.0
	composeShare = 0.4
)

// StageUpdate reports stage-local progress. Percent is scoped to the stage, not the job.
type StageUpdate struct {
	Stage   models.Stage
	Section models.Section
	Percent float64
	Done    bool
	Elapsed time.Duration // set when Done
	Stats   *RenderStats  // set when the rendering stage is done
}

// StageError wraps a pipeline failure with where it happened.
type StageError struct {
	Stage   models.Stage
	Section models.Section
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed at %s: %v", e.Stage, e.Section, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Hooks are the observer callbacks of one Generate call. Any of them may be nil.
type Hooks struct {
	// OnProgress receives job progress (0-100) attributed to a section.
	OnProgress func(section models.Section, percent float64)
	// OnStage receives stage transitions and stage-local progress.
	OnStage func(StageUpdate)
	// OnError receives the failure before Generate returns it.
	OnError func(error)
}

func (h Hooks) progress(section models.Section, percent float64) {
	if h.OnProgress != nil {
		h.OnProgress(section, percent)
	}
}

func (h Hooks) stage(u StageUpdate) {
	if h.OnStage != nil {
		h.OnStage(u)
	}
}

// GenerateResult is what a successful generation produced.
type GenerateResult struct {
	MediaURLs  map[models.Section]string
	OutputPath string
	Stats      *RenderStats
}

// Generator produces a video for a render request.
type Generator interface {
	Generate(ctx context.Context, req models.RenderRequest, hooks Hooks) (*GenerateResult, error)
}

// VideoGenerator drives the avatar client and the composer for one request at a time.
type VideoGenerator struct {
	avatar   AvatarClient
	composer Composer
	now      func() time.Time
}

var _ Generator = (*VideoGenerator)(nil)

func NewVideoGenerator(avatar AvatarClient, composer Composer) *VideoGenerator {
	return &VideoGenerator{
		avatar:   avatar,
		composer: composer,
		now:      time.Now,
	}
}

// Generate synthesizes every section, then composes the final video. There is no
// retry: the first failure is reported to OnError and returned.
func (g *VideoGenerator) Generate(ctx context.Context, req models.RenderRequest, hooks Hooks) (*GenerateResult, error) {
	log := zap.S().Named("video")
	sectionCount := float64(len(models.Sections))
	urls := make(map[models.Section]string, len(models.Sections))

	avatarStarted := g.now()
	for i, section := range models.Sections {
		i, section := i, section
		hooks.progress(section, 0)
		hooks.stage(StageUpdate{Stage: models.StageAvatar, Section: section, Percent: float64(i) * 100 / sectionCount})

		url, err := g.avatar.GenerateWithProgress(ctx, req.Script.Text(section), func(p int) {
			hooks.progress(section, float64(p)*avatarShare)
			hooks.stage(StageUpdate{
				Stage:   models.StageAvatar,
				Section: section,
				Percent: (float64(i)*100 + float64(p)) / sectionCount,
			})
		})
		if err != nil {
			return nil, g.fail(hooks, &StageError{Stage: models.StageAvatar, Section: section, Err: err})
		}

		urls[section] = url
		log.Debugf("section %s synthesized: %s", section, url)
	}

	last := models.Sections[len(models.Sections)-1]
	hooks.stage(StageUpdate{
		Stage:   models.StageAvatar,
		Section: last,
		Percent: 100,
		Done:    true,
		Elapsed: g.now().Sub(avatarStarted),
	})

	var current models.Stage
	var currentStarted time.Time
	finish := func(stats *RenderStats) {
		if current == "" {
			return
		}
		hooks.stage(StageUpdate{
			Stage:   current,
			Section: last,
			Percent: 100,
			Done:    true,
			Elapsed: g.now().Sub(currentStarted),
			Stats:   stats,
		})
	}

	stats, err := g.composer.Compose(ctx, ComposeRequest{
		Script:     req.Script,
		MediaURLs:  urls,
		Metrics:    req.Metrics,
		Company:    req.CompanyInfo,
		OutputPath: req.OutputPath,
		OnStage: func(st models.Stage) {
			finish(nil)
			current = st
			currentStarted = g.now()
			hooks.stage(StageUpdate{Stage: st, Section: last})
		},
		OnProgress: func(r float64) {
			r = clampPercent(r)
			hooks.progress(last, composeStart+r*composeShare)
			if current != "" {
				hooks.stage(StageUpdate{Stage: current, Section: last, Percent: stagePercent(current, r)})
			}
		},
	})
	if err != nil {
		failed := current
		if failed == "" {
			failed = models.StageComposition
		}
		return nil, g.fail(hooks, &StageError{Stage: failed, Section: last, Err: err})
	}
	finish(stats)

	hooks.progress(models.Sections[0], 100)
	log.Infof("video written to %s", req.OutputPath)

	return &GenerateResult{
		MediaURLs:  urls,
		OutputPath: req.OutputPath,
		Stats:      stats,
	}, nil
}

func (g *VideoGenerator) fail(hooks Hooks, err error) error {
	zap.S().Named("video").Errorf("generation failed: %v", err)
	if hooks.OnError != nil {
		hooks.OnError(err)
	}
	return err
}

// compositionEnd splits the composer's 0-100 range: composition reports up to
// it, rendering covers the rest.
const compositionEnd = 10.0

// stagePercent rescales composer progress r into the current stage's own range.
func stagePercent(stage models.Stage, r float64) float64 {
	switch stage {
	case models.StageComposition:
		return clampPercent(r / compositionEnd * 100)
	case models.StageRendering:
		return clampPercent((r - compositionEnd) / (100 - compositionEnd) * 100)
	}
	return clampPercent(r)
}

// clampPercent keeps composer progress inside 0-100.
func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
