package wakeword

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/hearken/internal/observe"
)

// Mailbox is a single-slot hand-off with an explicit drop policy: while an
// item is queued or being processed, further offers are rejected instead of
// queued. The consumer calls [Mailbox.Done] when it has finished an item.
type Mailbox[T any] struct {
	busy atomic.Bool
	slot chan T
}

// NewMailbox returns an empty Mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{slot: make(chan T, 1)}
}

// Offer hands v to the consumer. It never blocks and reports false when v was
// dropped because another item is in flight.
func (m *Mailbox[T]) Offer(v T) bool {
	if !m.busy.CompareAndSwap(false, true) {
		return false
	}
	m.slot <- v
	return true
}

// C returns the channel the consumer receives from.
func (m *Mailbox[T]) C() <-chan T { return m.slot }

// Done marks the received item as finished so the next offer is accepted.
func (m *Mailbox[T]) Done() { m.busy.Store(false) }

// Busy reports whether an item is queued or being processed.
func (m *Mailbox[T]) Busy() bool { return m.busy.Load() }

// maxDistinctErrors bounds the set of remembered error messages.
const maxDistinctErrors = 128

// PipelineOption configures a [Pipeline].
type PipelineOption func(*Pipeline)

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) PipelineOption {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// Pipeline runs a [Windower] on its own goroutine, fed through a [Mailbox]
// so the capture path never waits for inference.
type Pipeline struct {
	windower *Windower
	mailbox  *Mailbox[[]float32]
	metrics  *observe.Metrics

	processed atomic.Uint64
	dropped   atomic.Uint64

	errMu    sync.Mutex
	seen     map[string]struct{}
	errCount uint64
}

// NewPipeline wraps w.
func NewPipeline(w *Windower, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		windower: w,
		mailbox:  NewMailbox[[]float32](),
		seen:     make(map[string]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Offer submits one chunk. It reports false, and counts a drop, when the
// previous chunk is still being processed.
func (p *Pipeline) Offer(chunk []float32) bool {
	if p.mailbox.Offer(chunk) {
		return true
	}
	p.dropped.Add(1)
	p.metrics.ChunksDropped.Add(context.Background(), 1)
	return false
}

// Run processes chunks until ctx is cancelled. It always returns nil; model
// failures are logged and counted, never fatal.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk := <-p.mailbox.C():
			p.process(ctx, chunk)
			p.mailbox.Done()
		}
	}
}

func (p *Pipeline) process(ctx context.Context, chunk []float32) {
	start := time.Now()
	err := p.windower.Process(ctx, chunk)
	p.metrics.InferenceDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		p.reportError(ctx, err)
	}
	p.metrics.ChunksProcessed.Add(ctx, 1)
	p.processed.Add(1)
}

// reportError counts every failure but logs each distinct message once.
func (p *Pipeline) reportError(ctx context.Context, err error) {
	for _, e := range flatten(err) {
		model := "pipeline"
		var me *ModelError
		if errors.As(e, &me) {
			model = me.Model
		}
		p.metrics.RecordModelError(ctx, model)

		msg := e.Error()
		p.errMu.Lock()
		p.errCount++
		_, dup := p.seen[msg]
		if !dup {
			if len(p.seen) >= maxDistinctErrors {
				clear(p.seen)
			}
			p.seen[msg] = struct{}{}
		}
		p.errMu.Unlock()

		if !dup {
			slog.Error("wakeword: inference failed", "model", model, "err", e)
		}
	}
}

// flatten splits a joined error into its parts.
func flatten(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Processed uint64 `json:"processed"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

// Stats returns the counters accumulated since construction.
func (p *Pipeline) Stats() Stats {
	p.errMu.Lock()
	errs := p.errCount
	p.errMu.Unlock()
	return Stats{
		Processed: p.processed.Load(),
		Dropped:   p.dropped.Load(),
		Errors:    errs,
	}
}

// Windower returns the wrapped windower.
func (p *Pipeline) Windower() *Windower { return p.windower }
