package okta

import (
	"sync"
	"time"
)

// EventType names the kinds of progress events the client emits.
type EventType string

const (
	EventDiscovery      EventType = "discovery"
	EventEntityStart    EventType = "entity_start"
	EventEntityProgress EventType = "entity_progress"
	EventEntityComplete EventType = "entity_complete"
	EventRateLimitWait  EventType = "rate_limit_wait"
)

// Event is a structured progress record written to a caller-supplied sink.
type Event struct {
	Type        EventType
	At          time.Time
	Label       string
	Current     int
	Total       int
	Percent     float64
	Status      string
	Errors      int
	WaitSeconds float64
	Message     string
}

// Sink receives progress events. Implementations must be safe for
// concurrent use; the client emits from multiple goroutines.
type Sink interface {
	Emit(Event)
}

// NopSink drops all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// maxUpdatesPerBatch caps entity_progress events per label so chatty
// per-item updates do not flood the sink.
const maxUpdatesPerBatch = 20

type entityProgress struct {
	total     int
	processed int
	errors    int
	step      int
	nextEmit  int
}

type progressTracker struct {
	mu      sync.Mutex
	sink    Sink
	now     func() time.Time
	batches map[string]*entityProgress
}

func newProgressTracker(sink Sink, now func() time.Time) *progressTracker {
	if sink == nil {
		sink = NopSink{}
	}
	if now == nil {
		now = time.Now
	}
	return &progressTracker{
		sink:    sink,
		now:     now,
		batches: make(map[string]*entityProgress),
	}
}

func (p *progressTracker) emit(e Event) {
	if e.At.IsZero() {
		e.At = p.now()
	}
	p.sink.Emit(e)
}

// StartEntityProgress begins a labeled batch with a known (or -1 = unknown) total.
func (p *progressTracker) StartEntityProgress(label string, total int) {
	p.mu.Lock()
	step := 1
	if total > maxUpdatesPerBatch {
		step = total / maxUpdatesPerBatch
	}
	p.batches[label] = &entityProgress{total: total, step: step, nextEmit: step}
	p.mu.Unlock()

	p.emit(Event{
		Type:    EventEntityStart,
		Label:   label,
		Current: 0,
		Total:   total,
		Status:  "running",
	})
}

// UpdateEntityProgress records absolute progress for a batch. Updates are
// throttled to at most maxUpdatesPerBatch events plus the final one.
func (p *progressTracker) UpdateEntityProgress(label string, processed, errs int) {
	p.mu.Lock()
	b := p.batches[label]
	if b == nil {
		b = &entityProgress{total: -1, step: 1, nextEmit: 1}
		p.batches[label] = b
	}
	b.processed = processed
	b.errors = errs
	final := b.total >= 0 && processed >= b.total
	if processed < b.nextEmit && !final {
		p.mu.Unlock()
		return
	}
	for b.nextEmit <= processed {
		b.nextEmit += b.step
	}
	total := b.total
	p.mu.Unlock()

	p.emit(Event{
		Type:    EventEntityProgress,
		Label:   label,
		Current: processed,
		Total:   total,
		Percent: percentOf(processed, total),
		Status:  "running",
		Errors:  errs,
	})
}

// IncrementEntityErrors attributes write or fetch errors to a batch without
// advancing its progress counter.
func (p *progressTracker) IncrementEntityErrors(label string, n int) {
	p.mu.Lock()
	b := p.batches[label]
	if b == nil {
		b = &entityProgress{total: -1, step: 1, nextEmit: 1}
		p.batches[label] = b
	}
	b.errors += n
	p.mu.Unlock()
}

// CompleteEntityProgress finishes a batch and always emits.
func (p *progressTracker) CompleteEntityProgress(label string, success bool, errs int) {
	p.mu.Lock()
	b := p.batches[label]
	processed, total := 0, -1
	if b != nil {
		processed, total = b.processed, b.total
		if errs == 0 {
			errs = b.errors
		}
	}
	delete(p.batches, label)
	p.mu.Unlock()

	status := "completed"
	if !success {
		status = "failed"
	}
	p.emit(Event{
		Type:    EventEntityComplete,
		Label:   label,
		Current: processed,
		Total:   total,
		Percent: percentOf(processed, total),
		Status:  status,
		Errors:  errs,
	})
}

func percentOf(current, total int) float64 {
	if total <= 0 {
		return 0
	}
	if current >= total {
		return 100
	}
	return float64(current) * 100 / float64(total)
}
