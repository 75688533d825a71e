// Package eventbus fans lifecycle signals out to in-process observers.
// Publish never blocks: a subscriber whose buffer is full misses the event.
package eventbus

import (
	"sync"
	"time"
)

type Type string

// Event types published by orchestrators and the executor.
const (
	TypeJobInitialized Type = "job.initialized"
	TypeJobInitFailed  Type = "job.init_failed"
	TypeJobShutdown    Type = "job.shutdown"
	TypeJobTriggered   Type = "job.triggered"
	TypeJobStopped     Type = "job.stopped"
	TypeJobRescheduled Type = "job.rescheduled"
	TypeLeaderElected  Type = "leader.elected"
)

type Event struct {
	Type Type
	Time time.Time
	Data any
}

// JobEvent is the Data payload of job and leader events.
type JobEvent struct {
	Executor string `json:"executor"`
	Job      string `json:"job"`
	Detail   string `json:"detail,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus { return &bus{} }

type bus struct {
	mu   sync.Mutex
	subs []chan Event
}

func (b *bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s == ch {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
}
