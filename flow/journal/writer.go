package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// WriterOptions tunes the buffered journal writer.
type WriterOptions struct {
	// BatchSize is the buffered entry count that forces an early flush.
	BatchSize int
	// FlushInterval is how often buffered entries are flushed regardless
	// of batch size.
	FlushInterval time.Duration
	// Retries is the number of attempts per store write.
	Retries int
	// Now supplies timestamps for entries logged without one.
	Now func() time.Time
	// Logger receives write failures. Nil disables logging.
	Logger *zerolog.Logger
}

func (o WriterOptions) withDefaults() WriterOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 250 * time.Millisecond
	}
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Writer wraps a Store with buffered, batched log persistence. Row writes
// (executions, node executions) pass through synchronously with retry; log
// entries are buffered and flushed in the background so hot nodes never
// block on the journal. Entries that cannot be persisted after all retries
// are dropped, not re-queued.
type Writer struct {
	store Store
	opts  WriterOptions
	log   zerolog.Logger

	mu   sync.Mutex
	buf  []LogEntry
	seqs map[string]int64

	kick    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	closed  sync.Once
	dropped atomic.Int64
}

func NewWriter(store Store, opts WriterOptions) *Writer {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	w := &Writer{
		store: store,
		opts:  opts.withDefaults(),
		log:   log,
		seqs:  make(map[string]int64),
		kick:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Log buffers one entry. The writer assigns the entry ID, a per-execution
// sequence number, and a timestamp when the caller left one zero.
func (w *Writer) Log(e LogEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = w.opts.Now()
	}

	w.mu.Lock()
	select {
	case <-w.done:
		w.mu.Unlock()
		w.dropped.Add(1)
		return
	default:
	}
	e.Seq = w.seqs[e.ExecutionID]
	w.seqs[e.ExecutionID]++
	w.buf = append(w.buf, e)
	full := len(w.buf) >= w.opts.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

// CreateExecution persists the row synchronously, retrying transient failures.
func (w *Writer) CreateExecution(ctx context.Context, ex *Execution) error {
	return w.withRetry(ctx, func() error { return w.store.CreateExecution(ctx, ex) })
}

// FinishExecution flushes pending logs for the execution first so readers
// that observe the terminal row also observe its full log trail.
func (w *Writer) FinishExecution(ctx context.Context, ex *Execution) error {
	if err := w.Flush(ctx); err != nil {
		w.log.Error().Err(err).Str("execution_id", ex.ID).Msg("flushing logs before finish")
	}
	return w.withRetry(ctx, func() error { return w.store.FinishExecution(ctx, ex) })
}

func (w *Writer) CreateNodeExecution(ctx context.Context, ne *NodeExecution) error {
	return w.withRetry(ctx, func() error { return w.store.CreateNodeExecution(ctx, ne) })
}

func (w *Writer) UpdateNodeExecution(ctx context.Context, ne *NodeExecution) error {
	return w.withRetry(ctx, func() error { return w.store.UpdateNodeExecution(ctx, ne) })
}

// Flush synchronously persists everything buffered so far.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.buf
	w.buf = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	err := w.withRetry(ctx, func() error { return w.store.AppendLogs(ctx, batch) })
	if err != nil {
		w.dropped.Add(int64(len(batch)))
		w.log.Error().Err(err).Int("entries", len(batch)).Msg("dropping execution logs")
	}
	return err
}

// Release forgets the sequence counter for a finished execution.
func (w *Writer) Release(executionID string) {
	w.mu.Lock()
	delete(w.seqs, executionID)
	w.mu.Unlock()
}

// Dropped reports how many log entries were discarded after failed writes.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Close stops the background flusher and drains the buffer.
func (w *Writer) Close() error {
	var err error
	w.closed.Do(func() {
		close(w.done)
		w.wg.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = w.Flush(ctx)
	})
	return err
}

func (w *Writer) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-w.kick:
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		w.Flush(ctx)
		cancel()
	}
}

func (w *Writer) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < w.opts.Retries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		select {
		case <-time.After(50 * time.Millisecond << attempt):
		case <-ctx.Done():
			return err
		}
	}
	return err
}
