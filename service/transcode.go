package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
	"transcode-jobs/constant"
	"transcode-jobs/entities"
	"transcode-jobs/pkg/ffmpeg"
	"transcode-jobs/repository"

	"github.com/rs/zerolog"
)

const maxErrorLength = 1024

type Engine interface {
	Transcode(ctx context.Context, req ffmpeg.Request, progress ffmpeg.ProgressFunc) error
}

// ProgressSink is the only thing the engine side of the pipeline may use to
// touch the job record.
type ProgressSink interface {
	Report(ctx context.Context, percent int, at time.Time) error
}

type storeProgress struct {
	repo  repository.JobRepository
	jobId string
}

// NewStoreProgress writes every report straight to the job record. The
// store keeps the highest value seen and ignores reports once the job has
// left processing.
func NewStoreProgress(repo repository.JobRepository, jobId string) ProgressSink {
	return &storeProgress{repo: repo, jobId: jobId}
}

func (p *storeProgress) Report(ctx context.Context, percent int, at time.Time) error {
	zerolog.Ctx(ctx).Debug().Int("progress", percent).Time("at", at).Msg("progress")
	return p.repo.UpdateJob(ctx, p.jobId, entities.JobPatch{Progress: &percent, ProgressAt: &at})
}

func percentOf(fraction float64) int {
	switch {
	case fraction <= 0:
		return 0
	case fraction >= 1:
		return 100
	}
	return int(fraction * 100)
}

const elision = " ... "

// shorten fits s into n bytes of valid UTF-8. It keeps the start, which names
// the failing step, and the end, where ffmpeg prints the actual error.
func shorten(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	head := runeStartAtOrBefore(s, n/4)
	tail := runeStartAtOrAfter(s, len(s)-(n-head-len(elision)))
	return s[:head] + elision + s[tail:]
}

func runeStartAtOrBefore(s string, i int) int {
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

func runeStartAtOrAfter(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

func statusPtr(s constant.JobStatus) *constant.JobStatus { return &s }

func intPtr(v int) *int { return &v }
