package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"transcode-jobs/constant"
	"transcode-jobs/entities"

	"github.com/redis/go-redis/v9"
)

const (
	redisJobKeyPrefix = "transcode:job:"
	redisUserKeyFmt   = "transcode:user:%s:jobs"
)

// updateJobScript applies a redisPatch to a job hash in one step so the
// status guard and the write cannot interleave with another worker.
var updateJobScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
  return 'missing'
end
local p = cjson.decode(ARGV[1])
local status = redis.call('HGET', key, 'status')
if p.status then
  local allowed = false
  for _, s in ipairs(p.from) do
    if s == status then allowed = true end
  end
  if not allowed then return 'reject:' .. status end
elseif p.progress or p.progress_at then
  if status ~= 'processing' then return 'reject:' .. status end
end
if p.status then
  redis.call('HSET', key, 'status', p.status)
end
if p.progress then
  local cur = tonumber(redis.call('HGET', key, 'progress') or '0')
  if p.progress > cur then
    redis.call('HSET', key, 'progress', p.progress)
  end
end
if p.progress_at then
  redis.call('HSET', key, 'progress_at', p.progress_at)
end
if p.clear_error then
  redis.call('HDEL', key, 'error_message')
elseif p.error then
  redis.call('HSET', key, 'error_message', p.error)
end
if p.retried_count then
  redis.call('HSET', key, 'retried_count', p.retried_count)
end
for _, f in ipairs({'started_at', 'completed_at', 'failed_at'}) do
  if p[f] then redis.call('HSETNX', key, f, p[f]) end
end
redis.call('HSET', key, 'updated_at', p.updated_at)
return 'ok'
`)

type redisPatch struct {
	Status       *string  `json:"status,omitempty"`
	From         []string `json:"from,omitempty"`
	Progress     *int     `json:"progress,omitempty"`
	ProgressAt   *int64   `json:"progress_at,omitempty"`
	Error        *string  `json:"error,omitempty"`
	ClearError   bool     `json:"clear_error,omitempty"`
	RetriedCount *int     `json:"retried_count,omitempty"`
	StartedAt    *int64   `json:"started_at,omitempty"`
	CompletedAt  *int64   `json:"completed_at,omitempty"`
	FailedAt     *int64   `json:"failed_at,omitempty"`
	UpdatedAt    int64    `json:"updated_at"`
}

type redisRepo struct {
	client *redis.Client
}

// NewRedisRepo keeps each job in a hash and indexes jobs per owner in a
// sorted set scored by creation time.
func NewRedisRepo(client *redis.Client) JobRepository {
	return &redisRepo{client: client}
}

func jobKey(id string) string { return redisJobKeyPrefix + id }

func userKey(userId string) string { return fmt.Sprintf(redisUserKeyFmt, userId) }

func (r *redisRepo) Migrate(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisRepo) Close() error { return r.client.Close() }

func (r *redisRepo) CreateJob(ctx context.Context, job *entities.Job) error {
	options, err := job.Options.Value()
	if err != nil {
		return err
	}
	fields := map[string]interface{}{
		"job_id":        job.ID,
		"video_id":      job.VideoID,
		"user_id":       job.UserID,
		"input_ref":     job.InputRef,
		"output_ref":    job.OutputRef,
		"options":       options,
		"status":        job.Status.String(),
		"progress":      job.Progress,
		"retried_count": job.RetriedCount,
		"created_at":    job.CreatedAt.UnixMilli(),
		"updated_at":    job.UpdatedAt.UnixMilli(),
	}
	if job.Error != nil {
		fields["error_message"] = *job.Error
	}
	for name, t := range map[string]*time.Time{
		"progress_at":  job.ProgressAt,
		"started_at":   job.StartedAt,
		"completed_at": job.CompletedAt,
		"failed_at":    job.FailedAt,
	} {
		if t != nil {
			fields[name] = t.UnixMilli()
		}
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, jobKey(job.ID), fields)
		pipe.ZAdd(ctx, userKey(job.UserID), redis.Z{
			Score:  float64(job.CreatedAt.UnixMilli()),
			Member: job.ID,
		})
		return nil
	})
	return err
}

func (r *redisRepo) FindJobById(ctx context.Context, id string) (*entities.Job, error) {
	fields, err := r.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return jobFromHash(fields)
}

func (r *redisRepo) FindJobsByUserId(ctx context.Context, userId string, limit int) ([]*entities.Job, error) {
	ids, err := r.client.ZRevRange(ctx, userKey(userId), 0, int64(listLimit(limit)-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	jobs := make([]*entities.Job, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// removed by cleanup after the index was read
			continue
		}
		job, err := jobFromHash(fields)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *redisRepo) UpdateJob(ctx context.Context, id string, patch entities.JobPatch) error {
	if patch.Empty() {
		return nil
	}
	if err := checkTarget(patch); err != nil {
		return err
	}

	p := redisPatch{
		Progress:     patch.Progress,
		ProgressAt:   millisOf(patch.ProgressAt),
		Error:        patch.Error,
		ClearError:   patch.ClearError,
		RetriedCount: patch.RetriedCount,
		StartedAt:    millisOf(patch.StartedAt),
		CompletedAt:  millisOf(patch.CompletedAt),
		FailedAt:     millisOf(patch.FailedAt),
		UpdatedAt:    time.Now().UnixMilli(),
	}
	if patch.Status != nil {
		status := patch.Status.String()
		p.Status = &status
		p.From = statusStrings(entities.AllowedFrom(*patch.Status))
	}
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}

	res, err := updateJobScript.Run(ctx, r.client, []string{jobKey(id)}, string(body)).Text()
	if err != nil {
		return err
	}
	switch {
	case res == "ok":
		return nil
	case res == "missing":
		return ErrNotFound
	case strings.HasPrefix(res, "reject:"):
		return invalidTransition(constant.JobStatus(strings.TrimPrefix(res, "reject:")), patch)
	default:
		return fmt.Errorf("redis update job %s: unexpected reply %q", id, res)
	}
}

func (r *redisRepo) DeleteFailedJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	failed := failedStatuses()
	var deleted int64
	iter := r.client.Scan(ctx, 0, redisJobKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		vals, err := r.client.HMGet(ctx, key, "status", "failed_at", "user_id", "job_id").Result()
		if err != nil {
			return deleted, err
		}
		status, _ := vals[0].(string)
		failedAt, _ := vals[1].(string)
		if status != failed[0] && status != failed[1] || failedAt == "" {
			continue
		}
		ms, err := strconv.ParseInt(failedAt, 10, 64)
		if err != nil || ms >= cutoff.UnixMilli() {
			continue
		}
		userId, _ := vals[2].(string)
		id, _ := vals[3].(string)
		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, userKey(userId), id)
			return nil
		})
		if err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, iter.Err()
}

func jobFromHash(f map[string]string) (*entities.Job, error) {
	job := &entities.Job{
		ID:        f["job_id"],
		VideoID:   f["video_id"],
		UserID:    f["user_id"],
		InputRef:  f["input_ref"],
		OutputRef: f["output_ref"],
		Status:    constant.JobStatus(f["status"]),
	}
	if err := job.Options.Scan(f["options"]); err != nil {
		return nil, err
	}
	var err error
	if job.Progress, err = atoiOrZero(f["progress"]); err != nil {
		return nil, err
	}
	if job.RetriedCount, err = atoiOrZero(f["retried_count"]); err != nil {
		return nil, err
	}
	if msg, ok := f["error_message"]; ok {
		job.Error = &msg
	}
	if t := parseMillis(f["created_at"]); t != nil {
		job.CreatedAt = *t
	}
	if t := parseMillis(f["updated_at"]); t != nil {
		job.UpdatedAt = *t
	}
	job.ProgressAt = parseMillis(f["progress_at"])
	job.StartedAt = parseMillis(f["started_at"])
	job.CompletedAt = parseMillis(f["completed_at"])
	job.FailedAt = parseMillis(f["failed_at"])
	return job, nil
}

func atoiOrZero(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func parseMillis(s string) *time.Time {
	if s == "" {
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

func millisOf(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
