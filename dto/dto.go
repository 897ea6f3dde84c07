package dto

import (
	"encoding/json"
	"transcode-jobs/constant"
	"transcode-jobs/entities"
)

// JobMessage is the queue payload. Consumers ignore fields they do not know.
type JobMessage struct {
	JobId     string           `json:"jobId"`
	InputRef  string           `json:"inputRef"`
	OutputRef string           `json:"outputRef"`
	Options   entities.Options `json:"options"`
}

func (m JobMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeJobMessage(body []byte) (JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return JobMessage{}, err
	}
	return msg, nil
}

type SubmitRequest struct {
	UserId   string           `json:"-" validate:"required"`
	VideoId  string           `json:"videoId,omitempty"`
	InputRef string           `json:"inputRef" validate:"required"`
	Options  entities.Options `json:"options"`
}

type SubmitResponse struct {
	JobId  string             `json:"jobId"`
	Status constant.JobStatus `json:"status"`
}

type JobListResponse struct {
	Jobs []*entities.Job `json:"jobs"`
}
