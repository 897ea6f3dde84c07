package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
	"transcode-jobs/pkg/queue"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// receiveScript first returns expired in-flight messages to the ready list
// (or moves them to the dead-letter queue once they were received
// max_receives times) and then hands out the oldest ready message.
//
// KEYS: ready, inflight, body, receives, receipt, dlq ready, dlq body
// ARGV: now ms, visibility ms, max receives, new receipt
var receiveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local max = tonumber(ARGV[3])
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('HDEL', KEYS[5], id)
  local n = tonumber(redis.call('HGET', KEYS[4], id) or '0')
  if max > 0 and n >= max then
    local body = redis.call('HGET', KEYS[3], id)
    redis.call('HDEL', KEYS[3], id)
    redis.call('HDEL', KEYS[4], id)
    if body then
      redis.call('HSET', KEYS[7], id, body)
      redis.call('RPUSH', KEYS[6], id)
    end
  else
    redis.call('RPUSH', KEYS[1], id)
  end
end
while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then return false end
  local body = redis.call('HGET', KEYS[3], id)
  if body then
    local n = redis.call('HINCRBY', KEYS[4], id, 1)
    redis.call('ZADD', KEYS[2], now + tonumber(ARGV[2]), id)
    redis.call('HSET', KEYS[5], id, ARGV[4])
    return {id, body, n}
  end
end
`)

// deleteScript removes a message only while the caller's receipt is current.
//
// KEYS: inflight, body, receives, receipt
// ARGV: id, receipt, now ms
var deleteScript = redis.NewScript(`
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then return 0 end
local deadline = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not deadline or tonumber(deadline) <= tonumber(ARGV[3]) then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

type Config struct {
	Name       string
	DeadLetter string
	Visibility time.Duration
	// MaxReceives of zero keeps messages in the queue forever.
	MaxReceives  int
	PollInterval time.Duration
	// Now is the clock visibility deadlines are measured with.
	Now func() time.Time
}

type keys struct {
	ready, inflight, body, receives, receipt string
}

func keysFor(name string) keys {
	return keys{
		ready:    name + ":ready",
		inflight: name + ":inflight",
		body:     name + ":body",
		receives: name + ":receives",
		receipt:  name + ":receipt",
	}
}

type redisQueue struct {
	client *redis.Client
	cfg    Config
	keys   keys
	dlq    keys
	now    func() time.Time
}

func New(client *redis.Client, cfg Config) queue.Channel {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	q := &redisQueue{
		client: client,
		cfg:    cfg,
		keys:   keysFor(cfg.Name),
		now:    cfg.Now,
	}
	if cfg.DeadLetter != "" {
		q.dlq = keysFor(cfg.DeadLetter)
	}
	return q
}

func (q *redisQueue) Send(ctx context.Context, body []byte) error {
	id := uuid.NewString()
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.keys.body, id, body)
		pipe.RPush(ctx, q.keys.ready, id)
		return nil
	})
	return closedErr(err)
}

func (q *redisQueue) Receive(ctx context.Context, wait time.Duration) (*queue.Message, error) {
	deadline := time.Now().Add(wait)
	for {
		msg, err := q.receiveOnce(ctx)
		if err != nil || msg != nil {
			return msg, closedErr(err)
		}
		remaining := time.Until(deadline)
		if wait <= 0 || remaining <= 0 {
			return nil, nil
		}
		pause := q.cfg.PollInterval
		if remaining < pause {
			pause = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pause):
		}
	}
}

func (q *redisQueue) receiveOnce(ctx context.Context) (*queue.Message, error) {
	receipt := uuid.NewString()
	res, err := receiveScript.Run(ctx, q.client,
		[]string{q.keys.ready, q.keys.inflight, q.keys.body, q.keys.receives, q.keys.receipt, q.dlqReady(), q.dlqBody()},
		q.now().UnixMilli(), q.cfg.Visibility.Milliseconds(), q.maxReceives(), receipt,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("redisqueue %s: unexpected receive reply %v", q.cfg.Name, res)
	}
	id, _ := res[0].(string)
	body, _ := res[1].(string)
	count, _ := res[2].(int64)
	return &queue.Message{
		ID:            id,
		Body:          []byte(body),
		ReceiptHandle: receipt,
		ReceiveCount:  int(count),
	}, nil
}

func (q *redisQueue) Delete(ctx context.Context, msg *queue.Message) error {
	n, err := deleteScript.Run(ctx, q.client,
		[]string{q.keys.inflight, q.keys.body, q.keys.receives, q.keys.receipt},
		msg.ID, msg.ReceiptHandle, strconv.FormatInt(q.now().UnixMilli(), 10),
	).Int()
	if err != nil {
		return closedErr(err)
	}
	if n == 0 {
		return queue.ErrReceiptExpired
	}
	return nil
}

// Close is a no-op; the client is shared and closed by its owner.
func (q *redisQueue) Close() error { return nil }

func closedErr(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %w", queue.ErrClosed, err)
	}
	return err
}

// without a dead-letter queue expired messages always go back to ready
func (q *redisQueue) maxReceives() int {
	if q.cfg.DeadLetter == "" {
		return 0
	}
	return q.cfg.MaxReceives
}

func (q *redisQueue) dlqReady() string {
	if q.cfg.DeadLetter == "" {
		return q.keys.ready
	}
	return q.dlq.ready
}

func (q *redisQueue) dlqBody() string {
	if q.cfg.DeadLetter == "" {
		return q.keys.body
	}
	return q.dlq.body
}
