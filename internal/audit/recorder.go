package audit

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/ad8x-bridge/internal/bridges/ad8x"
)

const (
	defaultQueueSize = 256
	writeTimeout     = 5 * time.Second
)

// Logger is the logging interface used by the recorder.
type Logger interface {
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Recorder turns router command outcomes into audit entries. Entries are
// queued and written by a single goroutine so dispatch never waits on disk;
// when the queue is full the entry is dropped and counted.
type Recorder struct {
	repo  Repository
	queue chan Entry

	mu      sync.Mutex
	dropped int
	closed  bool

	logger Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRecorder starts a recorder writing to repo. queueSize <= 0 uses 256.
func NewRecorder(repo Repository, queueSize int, logger Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	r := &Recorder{
		repo:   repo,
		queue:  make(chan Entry, queueSize),
		logger: logger,
	}
	r.wg.Add(1)
	go r.writeLoop()
	return r
}

// RecordCommand implements ad8x.CommandAuditor.
func (r *Recorder) RecordCommand(_ context.Context, o ad8x.CommandOutcome) {
	e := EntryFromOutcome(o)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.dropped++
		if r.logger != nil {
			r.logger.Warn("audit queue full, entry dropped",
				"amp", e.Amp, "command", e.Command, "dropped", r.dropped)
		}
	}
}

// Dropped returns how many entries were discarded because the queue was full.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close writes any queued entries and stops the writer.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		r.wg.Wait()
	})
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := r.repo.Create(ctx, &e)
		cancel()
		if err != nil && r.logger != nil {
			r.logger.Error("audit write failed", "amp", e.Amp, "command", e.Command, "error", err)
		}
	}
}

// EntryFromOutcome converts a router outcome into an audit entry.
func EntryFromOutcome(o ad8x.CommandOutcome) Entry {
	e := Entry{
		Amp:        o.AmpID,
		Zone:       o.Zone,
		Command:    o.Command,
		Payload:    o.Payload,
		Result:     o.Result,
		Source:     o.Source,
		DurationMS: float64(o.Duration) / float64(time.Millisecond),
		CreatedAt:  o.Time,
	}
	if o.Err != nil {
		e.Error = o.Err.Error()
	}
	return e
}
