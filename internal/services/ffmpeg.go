package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/dealreel/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Output / rendering constants: 1080p landscape at 30fps, capped at five minutes
const (
	outputWidth       = 1920
	outputHeight      = 1080
	maxDurationFrames = VideoFPS * 60 * 5

	videoCodec      = "libx264"
	videoCRF        = 22
	x264Preset      = "medium"
	pixelFormat     = "yuv420p"
	audioBitrate    = "192k"
	audioChannels   = 2
	audioSampleRate = 48000

	// Design tokens of the briefing layout
	backgroundColor = "0x141414"
	accentColor     = "0x0070f3"
	textColor       = "white"
	mutedTextColor  = "0xa0aec0"
	avatarHeight    = 720

	probeConcurrency = 5
	stderrTailBytes  = 4096
)

var ErrNoPlayableMedia = errors.New("no section media with a known duration")

// RenderStats describes a finished encode.
type RenderStats struct {
	FPS             float64 `json:"fps"`
	MemoryMB        float64 `json:"memory_mb"`
	CPUPercent      float64 `json:"cpu_percent"`
	BitrateKbps     float64 `json:"bitrate_kbps"`
	FileSizeBytes   int64   `json:"file_size_bytes"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	Frames          int     `json:"frames"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Resolution formats the output size as WIDTHxHEIGHT.
func (r RenderStats) Resolution() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// ComposeRequest is one full render of a briefing video.
type ComposeRequest struct {
	Script     models.Script
	MediaURLs  map[models.Section]string
	Metrics    map[string]float64
	Company    models.CompanyInfo
	OutputPath string

	// OnStage is called when the composer enters composition and then rendering.
	OnStage func(stage models.Stage)
	// OnProgress receives percent complete in 0-100.
	OnProgress func(percent float64)
}

// Composer renders section media into the final video.
type Composer interface {
	Compose(ctx context.Context, req ComposeRequest) (*RenderStats, error)
}

// ---------------------------------------------------------------------------
// FFmpegService
// ---------------------------------------------------------------------------

type FFmpegService struct {
	tempDir     string
	ffmpegPath  string
	ffprobePath string
}

var _ Composer = (*FFmpegService)(nil)

func NewFFmpegService(tempDir, ffmpegPath, ffprobePath string) (*FFmpegService, error) {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}

	return &FFmpegService{
		tempDir:     tempDir,
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
	}, nil
}

// ProbeDuration returns the duration of a local or remote media file in seconds.
func (s *FFmpegService) ProbeDuration(ctx context.Context, source string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		source,
	}

	cmd := exec.CommandContext(ctx, s.ffprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	durationSec, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}

	return durationSec, nil
}

// SectionDurations probes every section clip concurrently and converts the results
// to frames. A clip that cannot be probed counts as zero frames.
func (s *FFmpegService) SectionDurations(ctx context.Context, urls map[models.Section]string) map[models.Section]int {
	var mu sync.Mutex
	durations := make(map[models.Section]int, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)

	for section, url := range urls {
		section, url := section, url
		g.Go(func() error {
			frames := 0
			if url != "" {
				seconds, err := s.ProbeDuration(gctx, url)
				if err != nil {
					zap.S().Named("ffmpeg").Warnf("duration probe failed for %s: %v", section, err)
				} else {
					frames = DurationInFrames(seconds)
				}
			}

			mu.Lock()
			durations[section] = frames
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return durations
}

// Compose lays the section clips out back to back over the briefing background and
// encodes the result.
func (s *FFmpegService) Compose(ctx context.Context, req ComposeRequest) (*RenderStats, error) {
	log := zap.S().Named("ffmpeg")
	stage := func(st models.Stage) {
		if req.OnStage != nil {
			req.OnStage(st)
		}
	}
	progress := func(p float64) {
		if req.OnProgress != nil {
			req.OnProgress(p)
		}
	}

	stage(models.StageComposition)
	progress(0)

	durations := s.SectionDurations(ctx, req.MediaURLs)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("composition cancelled: %w", err)
	}

	totalFrames := TotalFrames(durations)
	if totalFrames == 0 {
		return nil, ErrNoPlayableMedia
	}
	if totalFrames > maxDurationFrames {
		log.Warnf("timeline is %d frames, truncating to %d", totalFrames, maxDurationFrames)
		totalFrames = maxDurationFrames
	}

	layout, err := s.writeOverlayTexts(req)
	if err != nil {
		return nil, err
	}
	defer s.Cleanup(layout.files()...)

	if dir := filepath.Dir(req.OutputPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output dir: %w", err)
		}
	}

	spans := BuildTimeline(durations)
	args := buildComposeArgs(req, spans, totalFrames, layout)
	progress(compositionEnd)

	stage(models.StageRendering)
	log.Infof("rendering %d frames to %s", totalFrames, req.OutputPath)

	stats, err := s.runEncode(ctx, args, totalFrames, func(p float64) {
		progress(compositionEnd + p*(100-compositionEnd)/100)
	})
	if err != nil {
		return nil, err
	}

	if info, err := os.Stat(req.OutputPath); err == nil {
		stats.FileSizeBytes = info.Size()
	}
	stats.Width = outputWidth
	stats.Height = outputHeight
	stats.Frames = totalFrames
	stats.DurationSeconds = float64(totalFrames) / VideoFPS

	progress(100)
	log.Infof("render finished: %s, %.1f fps, %d bytes", stats.Resolution(), stats.FPS, stats.FileSizeBytes)
	return stats, nil
}

// runEncode runs ffmpeg with machine-readable progress on stdout.
func (s *FFmpegService) runEncode(ctx context.Context, args []string, totalFrames int, onProgress func(float64)) (*RenderStats, error) {
	cmd := exec.CommandContext(ctx, s.ffmpegPath, args...)
	stderr := &tailBuffer{limit: stderrTailBytes}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach ffmpeg stdout: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	last := readProgress(stdout, func(p encodeProgress) {
		onProgress(p.percent(totalFrames))
	})

	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("ffmpeg compose failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	wall := time.Since(started)
	stats := &RenderStats{
		FPS:         last.FPS,
		BitrateKbps: last.BitrateKbps,
		MemoryMB:    peakMemoryMB(cmd.ProcessState),
	}
	if wall > 0 {
		cpu := cmd.ProcessState.UserTime() + cmd.ProcessState.SystemTime()
		stats.CPUPercent = float64(cpu) / float64(wall) * 100
	}
	if stats.FPS == 0 && wall > 0 {
		stats.FPS = float64(totalFrames) / wall.Seconds()
	}

	return stats, nil
}

// ---------------------------------------------------------------------------
// Filter graph
// ---------------------------------------------------------------------------

// overlayTexts are the text files drawn by drawtext, keyed by what they show.
type overlayTexts struct {
	company  string
	industry string
	metrics  string
	titles   map[models.Section]string
}

func (o overlayTexts) files() []string {
	paths := []string{o.company, o.industry, o.metrics}
	for _, p := range o.titles {
		paths = append(paths, p)
	}
	return paths
}

// writeOverlayTexts writes drawtext content to files so no user text ever has to
// be escaped inside the filter graph.
func (s *FFmpegService) writeOverlayTexts(req ComposeRequest) (overlayTexts, error) {
	out := overlayTexts{titles: make(map[models.Section]string, len(models.Sections))}

	write := func(name, content string) (string, error) {
		path := s.CreateTempFile(fmt.Sprintf("%d_%s.txt", time.Now().UnixNano(), name))
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return "", fmt.Errorf("failed to write overlay text: %w", err)
		}
		return path, nil
	}

	var err error
	if out.company, err = write("company", req.Company.Name); err != nil {
		return out, err
	}
	if out.industry, err = write("industry", req.Company.Industry); err != nil {
		return out, err
	}
	if out.metrics, err = write("metrics", formatMetrics(req.Metrics)); err != nil {
		return out, err
	}
	for _, section := range models.Sections {
		if out.titles[section], err = write("title_"+string(section), section.Title()); err != nil {
			return out, err
		}
	}
	return out, nil
}

// formatMetrics renders metrics one per line in key order.
func formatMetrics(metrics map[string]float64) string {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", k, strconv.FormatFloat(metrics[k], 'f', -1, 64)))
	}
	return strings.Join(lines, "\n")
}

// buildComposeArgs assembles the ffmpeg command line. Input 0 is the background,
// then one input per playable section, then the optional logo.
func buildComposeArgs(req ComposeRequest, spans []SectionSpan, totalFrames int, texts overlayTexts) []string {
	totalSec := float64(totalFrames) / VideoFPS
	args := []string{
		"-f", "lavfi",
		"-i", fmt.Sprintf("color=c=%s:s=%dx%d:r=%d:d=%s", backgroundColor, outputWidth, outputHeight, VideoFPS, seconds(totalSec)),
	}

	type placed struct {
		input int
		span  SectionSpan
	}
	var clips []placed
	for _, span := range spans {
		url := req.MediaURLs[span.Section]
		if url == "" || span.Frames == 0 || span.StartFrame >= totalFrames {
			continue
		}
		args = append(args, "-i", url)
		clips = append(clips, placed{input: len(clips) + 1, span: span})
	}

	logoInput := -1
	if req.Company.Logo != "" {
		logoInput = len(clips) + 1
		args = append(args, "-loop", "1", "-i", req.Company.Logo)
	}

	var graph []string
	base := "[0:v]"
	var audio []string
	for i, c := range clips {
		start := seconds(c.span.StartSeconds())
		end := seconds(c.span.EndSeconds())
		graph = append(graph,
			fmt.Sprintf("[%d:v]scale=-2:%d,setpts=PTS-STARTPTS+%s/TB[av%d]", c.input, avatarHeight, start, i),
			fmt.Sprintf("%s[av%d]overlay=x=(W-w)/2:y=(H-h)/2+60:eof_action=pass:enable='between(t,%s,%s)'[bg%d]", base, i, start, end, i),
			fmt.Sprintf("[%d:a]aresample=%d,adelay=%d:all=1[aa%d]", c.input, audioSampleRate, int(c.span.StartSeconds()*1000), i),
		)
		base = fmt.Sprintf("[bg%d]", i)
		audio = append(audio, fmt.Sprintf("[aa%d]", i))
	}

	if logoInput >= 0 {
		graph = append(graph,
			fmt.Sprintf("[%d:v]scale=-1:120[logo]", logoInput),
			fmt.Sprintf("%s[logo]overlay=x=W-w-48:y=48:shortest=1[bglogo]", base),
		)
		base = "[bglogo]"
	}

	graph = append(graph, base+strings.Join(drawtextChain(spans, totalSec, texts), ",")+"[vout]")

	if len(audio) > 0 {
		graph = append(graph, fmt.Sprintf("%samix=inputs=%d:normalize=0,aformat=channel_layouts=stereo[aout]", strings.Join(audio, ""), len(audio)))
	} else {
		graph = append(graph, fmt.Sprintf("anullsrc=r=%d:cl=stereo,atrim=duration=%s[aout]", audioSampleRate, seconds(totalSec)))
	}

	args = append(args,
		"-filter_complex", strings.Join(graph, ";"),
		"-map", "[vout]",
		"-map", "[aout]",
		"-c:v", videoCodec,
		"-preset", x264Preset,
		"-crf", strconv.Itoa(videoCRF),
		"-pix_fmt", pixelFormat,
		"-r", strconv.Itoa(VideoFPS),
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-ac", strconv.Itoa(audioChannels),
		"-ar", strconv.Itoa(audioSampleRate),
		"-t", seconds(totalSec),
		"-movflags", "+faststart",
		"-progress", "pipe:1",
		"-nostats",
		"-y",
		req.OutputPath,
	)
	return args
}

// drawtextChain draws the section heading for each span, the company header during
// the introduction, metrics during traction and company + industry during the summary.
func drawtextChain(spans []SectionSpan, totalSec float64, texts overlayTexts) []string {
	draw := func(file, color string, size int, x, y string, from, to float64) string {
		return fmt.Sprintf("drawtext=textfile='%s':expansion=none:fontcolor=%s:fontsize=%d:x=%s:y=%s:enable='between(t,%s,%s)'",
			escapeFFmpegFilterPath(file), color, size, x, y, seconds(from), seconds(to))
	}

	var chain []string
	for _, span := range spans {
		if span.Frames == 0 {
			continue
		}
		from, to := span.StartSeconds(), span.EndSeconds()
		if to > totalSec {
			to = totalSec
		}
		chain = append(chain, draw(texts.titles[span.Section], accentColor, 36, "48", "48", from, to))

		switch span.Section {
		case models.SectionIntroduction:
			chain = append(chain, draw(texts.company, textColor, 64, "(w-text_w)/2", "110", from, to))
		case models.SectionTractionMetrics:
			chain = append(chain, draw(texts.metrics, textColor, 24, "48", "140", from, to))
		case models.SectionSummary:
			chain = append(chain,
				draw(texts.company, textColor, 48, "(w-text_w)/2", "h-160", from, to),
				draw(texts.industry, mutedTextColor, 24, "(w-text_w)/2", "h-96", from, to),
			)
		}
	}
	if len(chain) == 0 {
		chain = append(chain, "null")
	}
	return chain
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// escapeFFmpegFilterPath escapes a path for use inside a quoted filter option.
func escapeFFmpegFilterPath(path string) string {
	// Replace backslashes first, then colons (relevant for Windows paths and filter syntax)
	path = strings.ReplaceAll(path, "\\", "\\\\")
	path = strings.ReplaceAll(path, ":", "\\:")
	path = strings.ReplaceAll(path, "'", "'\\''")
	return path
}

// ---------------------------------------------------------------------------
// Progress parsing
// ---------------------------------------------------------------------------

// encodeProgress is one block of `-progress` output.
type encodeProgress struct {
	Frame       int
	FPS         float64
	BitrateKbps float64
	TotalSize   int64
	OutTime     time.Duration
	Done        bool
}

func (p encodeProgress) percent(totalFrames int) float64 {
	if p.Done {
		return 100
	}
	if totalFrames <= 0 {
		return 0
	}
	pct := float64(p.Frame) / float64(totalFrames) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// readProgress consumes key=value lines until EOF, calling onBlock at the end of
// every block, and returns the last block seen.
func readProgress(r io.Reader, onBlock func(encodeProgress)) encodeProgress {
	var cur, last encodeProgress
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if applyProgressLine(&cur, scanner.Text()) {
			last = cur
			onBlock(cur)
		}
	}
	return last
}

// applyProgressLine folds one line into p and reports whether it closed a block.
func applyProgressLine(p *encodeProgress, line string) bool {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return false
	}
	value = strings.TrimSpace(value)

	switch key {
	case "frame":
		if n, err := strconv.Atoi(value); err == nil {
			p.Frame = n
		}
	case "fps":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			p.FPS = f
		}
	case "bitrate":
		if f, err := strconv.ParseFloat(strings.TrimSuffix(value, "kbits/s"), 64); err == nil {
			p.BitrateKbps = f
		}
	case "total_size":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			p.TotalSize = n
		}
	case "out_time_us":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			p.OutTime = time.Duration(n) * time.Microsecond
		}
	case "progress":
		p.Done = value == "end"
		return true
	}
	return false
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// CreateTempFile returns a path inside the service temp dir.
func (s *FFmpegService) CreateTempFile(filename string) string {
	return filepath.Join(s.tempDir, filename)
}

// Cleanup removes temporary files, ignoring empty paths.
func (s *FFmpegService) Cleanup(paths ...string) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			zap.S().Named("ffmpeg").Warnf("failed to remove %s: %v", path, err)
		}
	}
}
