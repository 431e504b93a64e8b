package services

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/bobarin/dealreel/internal/models"
)

func TestApplyProgressLine(t *testing.T) {
	input := strings.Join([]string{
		"frame=45",
		"fps=29.97",
		"bitrate=1843.2kbits/s",
		"total_size=1048576",
		"out_time_us=1500000",
		"progress=continue",
		"frame=90",
		"progress=end",
	}, "\n")

	var blocks []encodeProgress
	last := readProgress(strings.NewReader(input), func(p encodeProgress) {
		blocks = append(blocks, p)
	})

	if len(blocks) != 2 {
		t.Fatalf("expected 2 progress blocks, got %d", len(blocks))
	}

	first := blocks[0]
	if first.Frame != 45 || first.FPS != 29.97 || first.BitrateKbps != 1843.2 || first.TotalSize != 1048576 {
		t.Errorf("unexpected first block %+v", first)
	}
	if first.OutTime != 1500*time.Millisecond {
		t.Errorf("expected out time 1.5s, got %v", first.OutTime)
	}
	if first.Done {
		t.Error("first block should not be done")
	}
	if got := first.percent(90); got != 50 {
		t.Errorf("expected 50%%, got %v", got)
	}

	if !last.Done || last.Frame != 90 {
		t.Errorf("unexpected last block %+v", last)
	}
	if got := last.percent(90); got != 100 {
		t.Errorf("expected 100%% at end, got %v", got)
	}
}

func TestEncodeProgressPercentClamps(t *testing.T) {
	p := encodeProgress{Frame: 400}
	if got := p.percent(300); got != 100 {
		t.Errorf("expected clamp to 100, got %v", got)
	}
	if got := p.percent(0); got != 0 {
		t.Errorf("expected 0 with no frames, got %v", got)
	}
}

func TestFormatMetrics(t *testing.T) {
	got := formatMetrics(map[string]float64{"mrr": 42000, "churn": 1.5})
	want := "churn: 1.5\nmrr: 42000"
	if got != want {
		t.Errorf("formatMetrics = %q, want %q", got, want)
	}
}

func TestEscapeFFmpegFilterPath(t *testing.T) {
	got := escapeFFmpegFilterPath(`C:\tmp\it's.txt`)
	want := `C\:\\tmp\\it'\''s.txt`
	if got != want {
		t.Errorf("escapeFFmpegFilterPath = %q, want %q", got, want)
	}
}

func TestBuildComposeArgs(t *testing.T) {
	durations := map[models.Section]int{
		models.SectionIntroduction:    60,
		models.SectionBusinessModel:   0,
		models.SectionTractionMetrics: 90,
		models.SectionRiskAssessment:  30,
		models.SectionSummary:         30,
	}
	req := ComposeRequest{
		MediaURLs: map[models.Section]string{
			models.SectionIntroduction:    "https://cdn/intro.mp4",
			models.SectionBusinessModel:   "https://cdn/model.mp4",
			models.SectionTractionMetrics: "https://cdn/traction.mp4",
			models.SectionRiskAssessment:  "https://cdn/risk.mp4",
			models.SectionSummary:         "https://cdn/summary.mp4",
		},
		Company:    models.CompanyInfo{Name: "Acme", Industry: "SaaS", Logo: "https://cdn/logo.png"},
		OutputPath: "/tmp/out.mp4",
	}
	texts := overlayTexts{
		company:  "/t/company.txt",
		industry: "/t/industry.txt",
		metrics:  "/t/metrics.txt",
		titles:   map[models.Section]string{},
	}
	for _, s := range models.Sections {
		texts.titles[s] = "/t/" + string(s) + ".txt"
	}

	args := buildComposeArgs(req, BuildTimeline(durations), TotalFrames(durations), texts)
	joined := strings.Join(args, " ")

	// the zero-length business model clip is not an input
	if strings.Contains(joined, "model.mp4") {
		t.Error("zero-frame section should not be an input")
	}

	for _, want := range []string{
		"color=c=0x141414:s=1920x1080:r=30:d=7.000",
		"-i https://cdn/intro.mp4 -i https://cdn/traction.mp4 -i https://cdn/risk.mp4 -i https://cdn/summary.mp4 -loop 1 -i https://cdn/logo.png",
		"[2:v]scale=-2:720,setpts=PTS-STARTPTS+2.000/TB[av1]",
		"enable='between(t,2.000,5.000)'",
		"[2:a]aresample=48000,adelay=2000:all=1[aa1]",
		"[5:v]scale=-1:120[logo]",
		"amix=inputs=4",
		"-c:v libx264",
		"-preset medium",
		"-crf 22",
		"-pix_fmt yuv420p",
		"-b:a 192k",
		"-ac 2",
		"-ar 48000",
		"-t 7.000",
		"-progress pipe:1",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected args to contain %q\nargs: %s", want, joined)
		}
	}

	if args[len(args)-1] != "/tmp/out.mp4" {
		t.Errorf("expected output path last, got %q", args[len(args)-1])
	}
}

func TestBuildComposeArgsNoMediaUsesSilentTrack(t *testing.T) {
	durations := map[models.Section]int{models.SectionIntroduction: 30}
	req := ComposeRequest{OutputPath: "/tmp/out.mp4"}
	texts := overlayTexts{titles: map[models.Section]string{}}

	joined := strings.Join(buildComposeArgs(req, BuildTimeline(durations), 30, texts), " ")
	if !strings.Contains(joined, "anullsrc=r=48000:cl=stereo") {
		t.Errorf("expected silent audio source, got %s", joined)
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 5}
	b.Write([]byte("hello "))
	b.Write([]byte("world"))
	if got := b.String(); got != "world" {
		t.Errorf("expected tail %q, got %q", "world", got)
	}
}

// writeScript creates an executable shell script standing in for ffmpeg/ffprobe.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestComposeWithFakeBinaries(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes need a POSIX shell")
	}

	dir := t.TempDir()
	ffprobe := writeScript(t, dir, "ffprobe", "echo 2.0\n")
	ffmpeg := writeScript(t, dir, "ffmpeg", `for last; do :; done
printf 'frame=150\nfps=60.0\nbitrate=900.0kbits/s\nprogress=continue\n'
printf 'frame=300\nfps=60.0\nbitrate=950.0kbits/s\nprogress=end\n'
printf 'video' > "$last"
`)

	svc, err := NewFFmpegService(filepath.Join(dir, "tmp"), ffmpeg, ffprobe)
	if err != nil {
		t.Fatalf("NewFFmpegService: %v", err)
	}

	urls := make(map[models.Section]string)
	for _, s := range models.Sections {
		urls[s] = "https://cdn/" + string(s) + ".mp4"
	}

	var stages []models.Stage
	var progress []float64
	out := filepath.Join(dir, "out", "video.mp4")

	stats, err := svc.Compose(context.Background(), ComposeRequest{
		MediaURLs:  urls,
		Metrics:    map[string]float64{"arr": 1},
		Company:    models.CompanyInfo{Name: "Acme", Industry: "Fintech"},
		OutputPath: out,
		OnStage:    func(s models.Stage) { stages = append(stages, s) },
		OnProgress: func(p float64) { progress = append(progress, p) },
	})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	if len(stages) != 2 || stages[0] != models.StageComposition || stages[1] != models.StageRendering {
		t.Errorf("unexpected stages %v", stages)
	}

	want := []float64{0, 10, 55, 100, 100}
	if len(progress) != len(want) {
		t.Fatalf("expected progress %v, got %v", want, progress)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Errorf("progress[%d] = %v, want %v", i, progress[i], want[i])
		}
	}

	if stats.Frames != 300 || stats.FPS != 60 || stats.BitrateKbps != 950 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.FileSizeBytes != int64(len("video")) {
		t.Errorf("expected file size 5, got %d", stats.FileSizeBytes)
	}
	if stats.Resolution() != "1920x1080" {
		t.Errorf("unexpected resolution %s", stats.Resolution())
	}

	// overlay text files are cleaned up
	entries, _ := os.ReadDir(filepath.Join(dir, "tmp"))
	if len(entries) != 0 {
		t.Errorf("expected temp dir to be empty, found %d entries", len(entries))
	}
}

func TestComposeFailsWithoutPlayableMedia(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes need a POSIX shell")
	}

	dir := t.TempDir()
	ffprobe := writeScript(t, dir, "ffprobe", "exit 1\n")
	svc, err := NewFFmpegService(dir, "ffmpeg-not-used", ffprobe)
	if err != nil {
		t.Fatalf("NewFFmpegService: %v", err)
	}

	_, err = svc.Compose(context.Background(), ComposeRequest{
		MediaURLs:  map[models.Section]string{models.SectionIntroduction: "https://cdn/a.mp4"},
		OutputPath: filepath.Join(dir, "out.mp4"),
	})
	if err != ErrNoPlayableMedia {
		t.Fatalf("expected ErrNoPlayableMedia, got %v", err)
	}
}
