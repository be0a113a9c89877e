package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilothouse-ai/pilothouse/pkg/models"
)

// item is one queued task reference. Only the ordering fields ride in
// memory; the task body stays in the store.
type item struct {
	id        uuid.UUID
	priority  int
	createdAt time.Time
	seq       uint64
}

// taskHeap orders items by descending priority, then submission order.
// The sequence number breaks created_at ties so equal-priority tasks
// stay FIFO.
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if !h[i].createdAt.Equal(h[j].createdAt) {
		return h[i].createdAt.Before(h[j].createdAt)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// partition is one (tenant, agent-kind) work stream. Each partition owns
// its worker goroutine and a slot channel bounding concurrent executions
// to the tenant tier's limit; partitions never share budget.
type partition struct {
	key      string
	tenantID uuid.UUID
	kind     models.AgentKind

	mu     sync.Mutex
	heap   taskHeap
	seq    uint64
	notify chan struct{}
	slots  chan struct{}
}

func newPartition(key string, tenantID uuid.UUID, kind models.AgentKind, limit int) *partition {
	if limit < 1 {
		limit = 1
	}
	return &partition{
		key:      key,
		tenantID: tenantID,
		kind:     kind,
		notify:   make(chan struct{}, 1),
		slots:    make(chan struct{}, limit),
	}
}

// depth reports how many tasks wait in the partition
func (p *partition) depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.heap)
}

// push enqueues a task reference and wakes the worker
func (p *partition) push(id uuid.UUID, priority int, createdAt time.Time) {
	p.mu.Lock()
	p.seq++
	heap.Push(&p.heap, &item{id: id, priority: priority, createdAt: createdAt, seq: p.seq})
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// pop removes the highest-priority item, false when the heap is empty
func (p *partition) pop() (*item, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.heap) == 0 {
		return nil, false
	}
	return heap.Pop(&p.heap).(*item), true
}
