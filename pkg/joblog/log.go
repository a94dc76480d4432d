package joblog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/omnibus-reconciler/pkg/metrics"
)

const (
	DefaultCapacity  = 1000
	defaultQueueSize = 256
	sinkWriteTimeout = 10 * time.Second
)

// Filter selects records in List. Zero fields match everything.
type Filter struct {
	Server  string
	Kind    Kind
	Outcome Outcome
	// Limit caps the number of records returned; 0 means no limit.
	Limit int
}

func (f Filter) match(r Record) bool {
	return (f.Server == "" || f.Server == r.Server) &&
		(f.Kind == "" || f.Kind == r.Kind) &&
		(f.Outcome == "" || f.Outcome == r.Outcome)
}

// Log is an append-only, bounded record log. Once capacity is reached the
// oldest record is evicted. Appended records are handed to every sink on a
// background dispatcher so a slow sink never delays a sync job.
type Log struct {
	log *zap.SugaredLogger

	mu       sync.RWMutex
	records  []Record
	start    int
	capacity int

	sinks []Sink

	queue     chan Record
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewLog creates a log and starts its dispatcher. The sink set is fixed for
// the lifetime of the log; Close stops the dispatcher before closing them.
func NewLog(log *zap.SugaredLogger, capacity int, sinks ...Sink) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Log{
		log:      log.Named("joblog"),
		capacity: capacity,
		sinks:    sinks,
		queue:    make(chan Record, defaultQueueSize),
		done:     make(chan struct{}),
	}
	go l.dispatch()
	return l
}

// Append stores a finalized record and queues it for the sinks. Records
// appended after Close are retained but not delivered.
func (l *Log) Append(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) < l.capacity {
		l.records = append(l.records, r)
	} else {
		l.records[l.start] = r
		l.start = (l.start + 1) % l.capacity
	}
	if l.closed {
		return
	}

	select {
	case l.queue <- r:
	default:
		metrics.JobLogSinkErrors.WithLabelValues("*", "queue_full").Inc()
		l.log.Warnw("Job record queue full, record not delivered to sinks", "id", r.ID, "server", r.Server, "kind", r.Kind)
	}
}

// List returns matching records, newest first.
func (l *Log) List(f Filter) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Record
	for i := len(l.records) - 1; i >= 0; i-- {
		r := l.records[(l.start+i)%len(l.records)]
		if !f.match(r) {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// Get returns the record with the given ID.
func (l *Log) Get(id string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.records {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}

// Len returns the number of retained records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

func (l *Log) dispatch() {
	defer close(l.done)
	for r := range l.queue {
		for _, s := range l.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
			start := time.Now()
			err := s.Write(ctx, r)
			cancel()
			metrics.JobLogSinkLatency.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
			if err != nil {
				l.log.Warnw("Failed to deliver job record", "sink", s.Name(), "id", r.ID, "error", err)
			}
		}
	}
}

// Close drains queued records into the sinks, then closes them.
func (l *Log) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
		<-l.done
		for _, s := range l.sinks {
			if err := s.Close(); err != nil {
				l.log.Warnw("Failed to close job record sink", "sink", s.Name(), "error", err)
			}
		}
	})
	return nil
}
