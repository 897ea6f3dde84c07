package entities

import "transcode-jobs/constant"

var transitions = map[constant.JobStatus][]constant.JobStatus{
	constant.JobStatusProcessing: {
		constant.JobStatusQueued,
		constant.JobStatusProcessing,
		constant.JobStatusFailed,
	},
	constant.JobStatusCompleted: {
		constant.JobStatusProcessing,
	},
	constant.JobStatusFailed: {
		constant.JobStatusProcessing,
	},
	constant.JobStatusPermanentlyFailed: {
		constant.JobStatusQueued,
		constant.JobStatusProcessing,
		constant.JobStatusFailed,
	},
}

// AllowedFrom lists the statuses a job may be in when it moves to `to`.
// A job is never moved back to queued.
func AllowedFrom(to constant.JobStatus) []constant.JobStatus {
	return transitions[to]
}

func CanTransition(from, to constant.JobStatus) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}
