package entities

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
	"transcode-jobs/constant"
)

// Options is the transcoding configuration snapshot captured when a job is
// submitted. It is never mutated afterwards.
type Options struct {
	Resolution   string `json:"resolution,omitempty" validate:"omitempty,resolution"`
	VideoCodec   string `json:"videoCodec,omitempty"`
	AudioCodec   string `json:"audioCodec,omitempty"`
	VideoBitrate string `json:"videoBitrate,omitempty" validate:"omitempty,bitrate"`
	AudioBitrate string `json:"audioBitrate,omitempty" validate:"omitempty,bitrate"`
	FPS          int    `json:"fps,omitempty" validate:"omitempty,gte=1,lte=240"`
	Preset       string `json:"preset,omitempty" validate:"omitempty,oneof=ultrafast superfast veryfast faster fast medium slow slower veryslow placebo"`
	CRF          string `json:"crf,omitempty" validate:"omitempty,number,crf"`
}

// WithDefaults fills every unset option so the snapshot fully describes what
// the engine is asked to do.
func (o Options) WithDefaults() Options {
	if o.Resolution == "" {
		o.Resolution = "720x480"
	}
	if o.VideoCodec == "" {
		o.VideoCodec = "libx264"
	}
	if o.AudioCodec == "" {
		o.AudioCodec = "aac"
	}
	if o.VideoBitrate == "" {
		o.VideoBitrate = "1000k"
	}
	if o.AudioBitrate == "" {
		o.AudioBitrate = "128k"
	}
	if o.FPS == 0 {
		o.FPS = 30
	}
	if o.Preset == "" {
		o.Preset = "slow"
	}
	if o.CRF == "" {
		o.CRF = "23"
	}
	return o
}

// Value stores options as a JSON document.
func (o Options) Value() (driver.Value, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (o *Options) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*o = Options{}
		return nil
	case []byte:
		return json.Unmarshal(v, o)
	case string:
		return json.Unmarshal([]byte(v), o)
	default:
		return errors.New("entities: unsupported options column type")
	}
}

type Job struct {
	ID           string             `json:"jobId" gorm:"column:job_id;type:varchar(36);primaryKey"`
	VideoID      string             `json:"videoId,omitempty" gorm:"column:video_id;type:varchar(64)"`
	UserID       string             `json:"userId" gorm:"column:user_id;type:varchar(128);not null;index:idx_transcode_jobs_user_id"`
	InputRef     string             `json:"inputRef" gorm:"column:input_ref;type:varchar(1024);not null"`
	OutputRef    string             `json:"outputRef" gorm:"column:output_ref;type:varchar(1024);not null"`
	Options      Options            `json:"options" gorm:"column:options;type:text;not null"`
	Status       constant.JobStatus `json:"status" gorm:"column:status;type:varchar(32);not null;index:idx_transcode_jobs_status"`
	Progress     int                `json:"progress" gorm:"column:progress;not null;default:0"`
	ProgressAt   *time.Time         `json:"progressAt,omitempty" gorm:"column:progress_at"`
	Error        *string            `json:"error,omitempty" gorm:"column:error_message;type:text"`
	RetriedCount int                `json:"retriedCount" gorm:"column:retried_count;not null;default:0"`
	CreatedAt    time.Time          `json:"createdAt" gorm:"column:created_at;not null"`
	StartedAt    *time.Time         `json:"startedAt" gorm:"column:started_at"`
	CompletedAt  *time.Time         `json:"completedAt" gorm:"column:completed_at"`
	FailedAt     *time.Time         `json:"failedAt" gorm:"column:failed_at"`
	UpdatedAt    time.Time          `json:"updatedAt" gorm:"column:updated_at;not null"`
}

func (Job) TableName() string {
	return "transcode_jobs"
}

// JobPatch is a partial update. Nil fields are left untouched.
//
// Timestamps are write-once: a store keeps the first value it sees.
// Progress is merged with the stored value by taking the maximum and is
// only applied while the job is processing; ProgressAt is the engine time of
// the last report and follows the same rule. ClearError removes the stored
// error message and wins over Error.
type JobPatch struct {
	Status       *constant.JobStatus
	Progress     *int
	ProgressAt   *time.Time
	Error        *string
	ClearError   bool
	RetriedCount *int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	FailedAt     *time.Time
}

// Empty reports whether the patch would change nothing.
func (p JobPatch) Empty() bool {
	return p.Status == nil && p.Progress == nil && p.ProgressAt == nil && p.Error == nil && !p.ClearError &&
		p.RetriedCount == nil && p.StartedAt == nil && p.CompletedAt == nil && p.FailedAt == nil
}
