package notify

import (
	"container/list"
	"sync"

	"github.com/ashureev/outreach/internal/domain"
)

// replayQueue buffers recent events, sharded per campaign.
// Each campaign gets its own bounded list so one campaign's burst cannot evict
// events belonging to another.
type replayQueue struct {
	mu      sync.RWMutex
	queues  map[domain.TenantKey]*list.List
	maxSize int
}

func newReplayQueue(maxSize int) *replayQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &replayQueue{
		queues:  make(map[domain.TenantKey]*list.List),
		maxSize: maxSize,
	}
}

func (q *replayQueue) enqueue(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[ev.Key]
	if !ok {
		l = list.New()
		q.queues[ev.Key] = l
	}
	l.PushBack(ev)
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// after returns the buffered events of key with an ID greater than afterID.
func (q *replayQueue) after(key domain.TenantKey, afterID int64) []Event {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[key]
	if !ok {
		return nil
	}
	var missed []Event
	for e := l.Front(); e != nil; e = e.Next() {
		ev := e.Value.(Event)
		if ev.ID > afterID {
			missed = append(missed, ev)
		}
	}
	return missed
}

func (q *replayQueue) prune(key domain.TenantKey) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, key)
}
