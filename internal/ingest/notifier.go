package ingest

import (
	"sync"

	"github.com/Veraticus/restock/internal/model"
)

// Notifier fans job snapshots out to in-process subscribers.
type Notifier struct {
	subs   map[string]map[int]chan model.ParseJob
	next   int
	buffer int
	mu     sync.Mutex
}

// NewNotifier creates a notifier whose subscriber channels hold buffer
// snapshots.
func NewNotifier(buffer int) *Notifier {
	if buffer <= 0 {
		buffer = 16
	}
	return &Notifier{
		subs:   make(map[string]map[int]chan model.ParseJob),
		buffer: buffer,
	}
}

// Subscribe returns a channel of snapshots for one job and a function that
// ends the subscription and closes the channel.
func (n *Notifier) Subscribe(jobID string) (<-chan model.ParseJob, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.next
	n.next++
	ch := make(chan model.ParseJob, n.buffer)
	if n.subs[jobID] == nil {
		n.subs[jobID] = make(map[int]chan model.ParseJob)
	}
	n.subs[jobID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs[jobID], id)
			if len(n.subs[jobID]) == 0 {
				delete(n.subs, jobID)
			}
			close(ch)
		})
	}
}

// Publish sends a snapshot of job to its subscribers without blocking. A
// subscriber that has fallen behind loses its oldest snapshot.
func (n *Notifier) Publish(job *model.ParseJob) {
	if n == nil || job == nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	snapshot := *job
	snapshot.Payload = nil
	for _, ch := range n.subs[job.ID] {
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}
