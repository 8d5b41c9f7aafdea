package transport

import (
	"sync"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/model"
)

// reportQueue holds reports while they wait for a session. When full, the
// oldest report is dropped.
type reportQueue struct {
	mu      sync.Mutex
	items   []*model.StatusReport
	max     int
	ready   chan struct{}
	dropped func(*model.StatusReport)
}

func newReportQueue(max int, dropped func(*model.StatusReport)) *reportQueue {
	if max < 1 {
		max = 1
	}
	return &reportQueue{
		max:     max,
		ready:   make(chan struct{}, 1),
		dropped: dropped,
	}
}

func (q *reportQueue) Push(r *model.StatusReport) {
	q.mu.Lock()
	q.items = append(q.items, r)
	drop := q.trim()
	q.mu.Unlock()
	q.drop(drop)
	q.signal()
}

// Requeue puts reports back ahead of the queued ones, they are older.
func (q *reportQueue) Requeue(rs []*model.StatusReport) {
	if len(rs) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(append([]*model.StatusReport(nil), rs...), q.items...)
	drop := q.trim()
	q.mu.Unlock()
	q.drop(drop)
	q.signal()
}

// Take removes and returns every queued report.
func (q *reportQueue) Take() []*model.StatusReport {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *reportQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready is signalled when reports are pushed.
func (q *reportQueue) Ready() <-chan struct{} {
	return q.ready
}

func (q *reportQueue) trim() []*model.StatusReport {
	if over := len(q.items) - q.max; over > 0 {
		drop := append([]*model.StatusReport(nil), q.items[:over]...)
		q.items = q.items[over:]
		return drop
	}
	return nil
}

func (q *reportQueue) drop(rs []*model.StatusReport) {
	if q.dropped == nil {
		return
	}
	for _, r := range rs {
		q.dropped(r)
	}
}

func (q *reportQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
