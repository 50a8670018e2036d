package sync

import (
	"log"
	gosync "sync"

	"github.com/insightrecorder/recsync/internal/db"
)

// Stage values carried by Progress. File outcomes reuse the
// ledger's stages; StageDone marks the job's final notification.
const (
	StageSkip   = string(db.StageSkip)
	StageCopied = string(db.StageCopied)
	StageFailed = string(db.StageFailed)
	StageDone   = "done"
)

// Progress is a notification emitted after each file and once
// when the job ends. Counters are running totals for the job.
type Progress struct {
	JobID        string       `json:"job_id"`
	DeviceID     string       `json:"device_id,omitempty"`
	Stage        string       `json:"stage"`
	CurrentFile  string       `json:"current_file,omitempty"`
	SuccessCount int          `json:"success_count"`
	FailCount    int          `json:"fail_count"`
	SkipCount    int          `json:"skip_count"`
	Total        int          `json:"total"`
	Error        string       `json:"error,omitempty"`
	Status       db.JobStatus `json:"status"`
}

// Percent returns how much of the known total has an outcome
// (0–100).
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	done := p.SuccessCount + p.FailCount + p.SkipCount
	return float64(done) / float64(p.Total) * 100
}

// ProgressFunc is called with progress updates during sync.
type ProgressFunc func(Progress)

// Broker fans progress out to subscribers. Delivery is best
// effort: subscribers run synchronously on the job goroutine, so
// they must not block, and a panicking subscriber is dropped.
type Broker struct {
	mu     gosync.RWMutex
	nextID int
	subs   map[int]ProgressFunc
}

// NewBroker returns an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]ProgressFunc)}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Broker) Subscribe(fn ProgressFunc) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers p to every current subscriber.
func (b *Broker) Publish(p Progress) {
	b.mu.RLock()
	subs := make(map[int]ProgressFunc, len(b.subs))
	for id, fn := range b.subs {
		subs[id] = fn
	}
	b.mu.RUnlock()

	for id, fn := range subs {
		b.deliver(id, fn, p)
	}
}

func (b *Broker) deliver(id int, fn ProgressFunc, p Progress) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("sync: dropping progress subscriber: %v", r)
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		}
	}()
	fn(p)
}
