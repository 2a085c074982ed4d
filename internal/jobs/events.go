package jobs

import (
	"sync"

	"github.com/sells-group/catalog-cli/internal/model"
)

// EventType distinguishes job-level and record-level notifications.
type EventType string

const (
	// EventJob reports a change in job status or counters.
	EventJob EventType = "job"
	// EventRecord reports a record stage transition.
	EventRecord EventType = "record"
)

// Event is pushed to subscribers of a job. Job is a summary without record
// states; Record is set for EventRecord.
type Event struct {
	Type   EventType             `json:"type"`
	Job    model.Job             `json:"job"`
	Record *model.JobRecordState `json:"record,omitempty"`
}

// subscriberBuffer bounds each subscriber's queue. A subscriber that falls
// further behind misses intermediate events but always receives the final one.
const subscriberBuffer = 64

type broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[string]map[chan Event]struct{})}
}

func (b *broker) subscribe(jobID string) (chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[chan Event]struct{})
	}
	b.subs[jobID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[jobID]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(b.subs, jobID)
				}
			}
		})
	}
}

// publish delivers ev without blocking the worker.
func (b *broker) publish(jobID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[jobID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// finish delivers the terminal event and closes every subscriber channel.
// When a queue is full its oldest event is dropped to make room.
func (b *broker) finish(jobID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[jobID] {
		for {
			select {
			case ch <- ev:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
		close(ch)
	}
	delete(b.subs, jobID)
}
