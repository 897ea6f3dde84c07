package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const memoryPollInterval = 10 * time.Millisecond

type MemoryConfig struct {
	Visibility time.Duration
	// MaxReceives is the number of receives after which an expired message
	// goes to DeadLetter instead of back to the queue. Zero disables it.
	MaxReceives int
	DeadLetter  *Memory
	// Now drives visibility deadlines. Defaults to time.Now.
	Now func() time.Time
}

type memoryEntry struct {
	id        string
	body      []byte
	receives  int
	receipt   string
	visibleAt time.Time
}

// Memory is an in-process Channel. It is used by tests and by single-binary
// development setups.
type Memory struct {
	mu      sync.Mutex
	cfg     MemoryConfig
	entries []*memoryEntry
}

func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 30 * time.Second
	}
	return &Memory{cfg: cfg}
}

func (q *Memory) Send(_ context.Context, body []byte) error {
	q.push(body)
	return nil
}

func (q *Memory) push(body []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, &memoryEntry{
		id:   uuid.NewString(),
		body: append([]byte(nil), body...),
	})
}

func (q *Memory) Receive(ctx context.Context, wait time.Duration) (*Message, error) {
	deadline := time.Now().Add(wait)
	for {
		if msg := q.take(); msg != nil {
			return msg, nil
		}
		if wait <= 0 || !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(memoryPollInterval):
		}
	}
}

func (q *Memory) take() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.Now()
	kept := q.entries[:0]
	var moved [][]byte
	var picked *memoryEntry
	for _, e := range q.entries {
		if e.visibleAt.After(now) {
			kept = append(kept, e)
			continue
		}
		if q.cfg.MaxReceives > 0 && e.receives >= q.cfg.MaxReceives && q.cfg.DeadLetter != nil {
			moved = append(moved, e.body)
			continue
		}
		if picked == nil {
			picked = e
		}
		kept = append(kept, e)
	}
	q.entries = kept

	for _, body := range moved {
		q.cfg.DeadLetter.push(body)
	}
	if picked == nil {
		return nil
	}

	picked.receives++
	picked.receipt = uuid.NewString()
	picked.visibleAt = now.Add(q.cfg.Visibility)
	return &Message{
		ID:            picked.id,
		Body:          append([]byte(nil), picked.body...),
		ReceiptHandle: picked.receipt,
		ReceiveCount:  picked.receives,
	}
}

func (q *Memory) Delete(_ context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.Now()
	for i, e := range q.entries {
		if e.id != msg.ID {
			continue
		}
		if e.receipt != msg.ReceiptHandle || !e.visibleAt.After(now) {
			return ErrReceiptExpired
		}
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		return nil
	}
	return ErrReceiptExpired
}

// Len counts stored messages, in flight or not.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Memory) Close() error { return nil }
