package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"transcode-jobs/entities"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

const stderrTail = 2048

// ProgressFunc receives the completed fraction of the output, 0 to 1.
type ProgressFunc func(fraction float64)

type Request struct {
	Input   string
	Output  string
	Options entities.Options
}

type Config struct {
	FFmpegPath  string
	FFprobePath string
}

// Engine runs the ffmpeg binary and reports progress from its -progress
// output.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) Transcode(ctx context.Context, req Request, progress ProgressFunc) error {
	logger := zerolog.Ctx(ctx)

	duration, err := e.probeDuration(ctx, req.Input)
	if err != nil {
		// progress stays coarse (start and end only) without a duration
		logger.Warn().Err(err).Str("input", req.Input).Msg("duration probe failed")
		duration = 0
	}

	args := Args(req)
	logger.Debug().Str("args", strings.Join(args, " ")).Msg("executing ffmpeg")
	cmd := exec.CommandContext(ctx, e.cfg.FFmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailBuffer{limit: stderrTail}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start: %w", err)
	}

	parseErr := parseProgress(stdout, duration, progress)
	// drain so ffmpeg never blocks on a full pipe
	_, _ = io.Copy(io.Discard, stdout)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg execution failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if parseErr != nil {
		logger.Warn().Err(parseErr).Msg("reading ffmpeg progress")
	}
	return nil
}

// Args builds the ffmpeg command line for a request.
func Args(req Request) []string {
	o := req.Options
	args := []string{"-y", "-i", req.Input}
	if o.VideoCodec != "" {
		args = append(args, "-c:v", o.VideoCodec)
	}
	if o.AudioCodec != "" {
		args = append(args, "-c:a", o.AudioCodec)
	}
	if o.Resolution != "" {
		args = append(args, "-s", o.Resolution)
	}
	if o.VideoBitrate != "" {
		args = append(args, "-b:v", o.VideoBitrate)
	}
	if o.AudioBitrate != "" {
		args = append(args, "-b:a", o.AudioBitrate)
	}
	if o.FPS > 0 {
		args = append(args, "-r", strconv.Itoa(o.FPS))
	}
	if o.Preset != "" {
		args = append(args, "-preset", o.Preset)
	}
	if o.CRF != "" {
		args = append(args, "-crf", o.CRF)
	}
	return append(args,
		"-movflags", "+faststart",
		"-progress", "pipe:1",
		"-nostats",
		req.Output,
	)
}

func (e *Engine) probeDuration(ctx context.Context, input string) (float64, error) {
	cmd := exec.CommandContext(ctx, e.cfg.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		input,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	value := strings.TrimSpace(string(output))
	if value == "" || value == "N/A" {
		return 0, errors.New("empty duration")
	}
	return strconv.ParseFloat(value, 64)
}

// parseProgress reads key=value lines written by -progress. ffmpeg reports
// out_time_us and (despite the name) out_time_ms in microseconds. A report
// is made each time the whole percentage grows, and once more at the end.
func parseProgress(r io.Reader, duration float64, report ProgressFunc) error {
	lastPercent := -1
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			if duration <= 0 {
				continue
			}
			us, err := strconv.ParseFloat(value, 64)
			if err != nil || us < 0 {
				continue
			}
			fraction := us / 1e6 / duration
			if fraction > 1 {
				fraction = 1
			}
			if percent := int(fraction * 100); percent > lastPercent {
				lastPercent = percent
				report(fraction)
			}
		case "progress":
			if value == "end" {
				report(1)
				return nil
			}
		}
	}
	return scanner.Err()
}

type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if extra := t.buf.Len() - t.limit; extra > 0 {
		t.buf.Next(extra)
	}
	return len(p), nil
}

// String returns the kept tail as valid UTF-8. A rune split by the trim is
// dropped.
func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buf.Bytes()
	for i := 0; i < utf8.UTFMax && len(b) > 0 && !utf8.RuneStart(b[0]); i++ {
		b = b[1:]
	}
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
