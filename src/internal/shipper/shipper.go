// FILE: lokiship/src/internal/shipper/shipper.go
package shipper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"lokiship/src/internal/buffer"
	"lokiship/src/internal/config"
	"lokiship/src/internal/core"
	"lokiship/src/internal/encode"
	"lokiship/src/internal/format"
	"lokiship/src/internal/transport"

	"github.com/lixenwraith/log"
)

// ErrNotStarted is returned by Flush before Start has been called.
var ErrNotStarted = errors.New("shipper not started")

// Shipper buffers log records into label-addressed streams and ships
// sealed generations to the push endpoint from a single background
// worker. Producers only ever touch the live buffer, under a lock held
// for the O(1) append; sealing swaps in a fresh buffer so Accept never
// waits on network I/O.
type Shipper struct {
	config    *config.Config
	router    *buffer.Router
	formatter format.Formatter
	encoder   *encode.Encoder
	client    *transport.Client
	logger    *log.Logger
	errorHook func(error)

	minLevel core.Level
	lifetime time.Duration

	mu            sync.Mutex
	buf           *buffer.Buffer
	queue         []*buffer.SealedBatch
	queuedEntries int64
	started       bool
	closed        bool

	notify     chan struct{}
	flushCh    chan flushRequest
	shutdownCh chan context.Context
	wg         sync.WaitGroup

	// requeued holds batches whose retries were exhausted under the
	// requeue failure policy. Worker-owned; the counter is shared so
	// Flush can short-circuit when fully idle.
	requeued      []*failedPush
	requeuedCount atomic.Int64
	shutdownErr   error

	// Statistics
	totalAccepted  atomic.Uint64
	droppedByLevel atomic.Uint64
	formatErrors   atomic.Uint64
	batchesSent    atomic.Uint64
	batchesFailed  atomic.Uint64
	entriesSent    atomic.Uint64
}

type flushRequest struct {
	ctx   context.Context
	reply chan error
}

type failedPush struct {
	payload      []byte
	entries      int64
	failures     int64
	attemptAfter time.Time
}

// Option customizes shipper construction.
type Option func(*Shipper)

// WithFormatter injects a line formatter, overriding the configured one.
func WithFormatter(f format.Formatter) Option {
	return func(s *Shipper) { s.formatter = f }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Shipper) { s.logger = logger }
}

// WithErrorHook registers a callback invoked with every delivery
// failure, in addition to whatever Flush/Shutdown report.
func WithErrorHook(hook func(error)) Option {
	return func(s *Shipper) { s.errorHook = hook }
}

// New validates the configuration and builds a shipper. The background
// worker does not run until Start.
func New(cfg *config.Config, opts ...Option) (*Shipper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Shipper{
		config:     cfg,
		buf:        buffer.New(),
		notify:     make(chan struct{}, 1),
		flushCh:    make(chan flushRequest),
		shutdownCh: make(chan context.Context, 1),
		lifetime:   cfg.MaxLogLifetime(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.NewLogger()
	}

	minLevel, err := core.ParseLevel(cfg.MinLevel)
	if err != nil {
		return nil, &core.ConfigError{Field: "min_level", Reason: err.Error()}
	}
	s.minLevel = minLevel

	if s.formatter == nil {
		formatter, err := format.New(cfg.Formatter, cfg.FormatterOptions, s.logger)
		if err != nil {
			return nil, &core.ConfigError{Field: "formatter", Reason: err.Error()}
		}
		s.formatter = formatter
	}

	s.router = buffer.NewRouter(core.NewLabelSet(cfg.Labels), cfg.MergeRecordLabels)
	s.encoder = encode.New(cfg.Compress)

	client, err := transport.New(cfg, s.logger)
	if err != nil {
		return nil, err
	}
	s.client = client

	return s, nil
}

// Start launches the background worker. Cancelling ctx stops the
// worker without a final flush; use Shutdown for a graceful stop.
func (s *Shipper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrShipperClosed
	}
	if s.started {
		return fmt.Errorf("shipper already started")
	}
	s.started = true

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("msg", "Shipper started",
		"component", "shipper",
		"url", s.config.URL,
		"max_logs", s.config.MaxLogs,
		"max_log_lifetime_ms", s.config.MaxLogLifetimeMS,
		"formatter", s.formatter.Name(),
		"compress", s.config.Compress)
	return nil
}

// Accept routes, formats and buffers one record. It fails only on
// local conditions: a closed shipper, a formatter error for this
// record, or the capacity ceiling under the reject policy. Backend
// availability never surfaces here.
func (s *Shipper) Accept(rec core.Record) error {
	if rec.Level < s.minLevel {
		s.droppedByLevel.Add(1)
		return nil
	}

	// Routing and formatting stay outside the lock; both are pure.
	labels := s.router.Route(rec)
	line, err := s.formatter.Format(rec)
	if err != nil {
		s.formatErrors.Add(1)
		s.logger.Warn("msg", "Record dropped, formatter failed",
			"component", "shipper",
			"error", err)
		return &core.FormatError{Err: err}
	}

	ts := rec.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.ErrShipperClosed
	}

	// The ceiling covers everything still held in memory: the live
	// generation plus sealed batches awaiting delivery.
	if s.config.Capacity > 0 && s.buf.Len()+s.queuedEntries >= s.config.Capacity {
		if s.config.OverflowPolicy == config.OverflowReject {
			limit := s.config.Capacity
			s.mu.Unlock()
			return &core.CapacityError{Limit: limit}
		}
		// Overflow policy "flush": seal now so nothing is dropped.
		s.sealLocked()
	}

	s.buf.Append(labels, ts, string(line))
	if s.buf.Len() >= s.config.MaxLogs {
		s.sealLocked()
	}
	s.mu.Unlock()

	s.totalAccepted.Add(1)
	return nil
}

// Flush seals the current generation and blocks until every pending
// generation's delivery resolves: success, permanent failure or
// exhausted retries. The ctx bounds the wait; on expiry the flush
// returns ErrFlushTimeout while the worker finishes in the background.
func (s *Shipper) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.ErrShipperClosed
	}
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	idle := s.buf.Empty() && s.queuedEntries == 0 && s.requeuedCount.Load() == 0
	s.mu.Unlock()

	// Nothing buffered, nothing in flight: no request is issued.
	if idle {
		return nil
	}

	req := flushRequest{ctx: ctx, reply: make(chan error, 1)}
	select {
	case s.flushCh <- req:
	case <-ctx.Done():
		return core.ErrFlushTimeout
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return core.ErrFlushTimeout
	}
}

// Shutdown performs a final flush, stops the timer and the worker, and
// closes the shipper for good. The ctx bounds the grace period.
func (s *Shipper) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.ErrShipperClosed
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	if !started {
		return nil
	}

	s.shutdownCh <- ctx

	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		s.logger.Info("msg", "Shipper stopped",
			"component", "shipper",
			"accepted", s.totalAccepted.Load(),
			"batches_sent", s.batchesSent.Load(),
			"batches_failed", s.batchesFailed.Load())
		return s.shutdownErr
	case <-ctx.Done():
		return core.ErrFlushTimeout
	}
}

// sealLocked swaps the live buffer for a fresh one and queues the
// sealed generation for the worker. Caller holds s.mu.
func (s *Shipper) sealLocked() {
	if s.buf.Empty() {
		return
	}
	batch, next := s.buf.Seal()
	s.buf = next
	s.queue = append(s.queue, batch)
	s.queuedEntries += batch.Entries

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// run is the background worker: the sole reader of sealed batches and
// the only goroutine that performs encoding and network sends.
func (s *Shipper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(tickInterval(s.lifetime))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case shutdownCtx := <-s.shutdownCh:
			s.mu.Lock()
			s.sealLocked()
			s.mu.Unlock()
			// Requeued batches hold older entries, so they go first.
			err := s.retryAll(shutdownCtx)
			if qErr := s.deliverQueued(shutdownCtx); err == nil {
				err = qErr
			}
			s.shutdownErr = err
			return

		case <-s.notify:
			s.deliverQueued(ctx)

		case <-ticker.C:
			s.mu.Lock()
			if !s.buf.Empty() && s.buf.Age(time.Now()) >= s.lifetime {
				s.sealLocked()
			}
			s.mu.Unlock()
			s.retryDue(ctx)
			s.deliverQueued(ctx)

		case req := <-s.flushCh:
			s.mu.Lock()
			s.sealLocked()
			s.mu.Unlock()
			err := s.retryAll(req.ctx)
			if qErr := s.deliverQueued(req.ctx); err == nil {
				err = qErr
			}
			req.reply <- err
		}
	}
}

// deliverQueued ships pending generations in order. Generation N's
// outcome resolves before N+1's payload is sent, preserving the
// backend-visible ordering of every stream's timeline.
func (s *Shipper) deliverQueued(ctx context.Context) error {
	var lastErr error
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return lastErr
		}
		batch := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		err := s.deliver(ctx, batch)
		if err != nil {
			lastErr = err
		}

		// The batch counts against the ceiling until its delivery
		// attempt sequence resolves.
		s.mu.Lock()
		s.queuedEntries -= batch.Entries
		s.mu.Unlock()
	}
}

func (s *Shipper) deliver(ctx context.Context, batch *buffer.SealedBatch) error {
	payload, err := s.encoder.Encode(batch)
	if err != nil {
		s.batchesFailed.Add(1)
		s.reportFailure(err, batch.Entries)
		return err
	}
	return s.send(ctx, payload, batch.Entries)
}

func (s *Shipper) send(ctx context.Context, payload []byte, entries int64) error {
	err := s.client.Send(ctx, payload, s.encoder.ContentEncoding())
	if err == nil {
		s.batchesSent.Add(1)
		s.entriesSent.Add(uint64(entries))
		return nil
	}

	s.batchesFailed.Add(1)
	s.reportFailure(err, entries)

	var terr *core.TransportError
	if s.config.FailurePolicy == config.FailureRequeue &&
		errors.As(err, &terr) && terr.Retryable &&
		s.requeuedCount.Load() < s.config.RequeueDepth {
		s.requeued = append(s.requeued, &failedPush{
			payload:      payload,
			entries:      entries,
			failures:     1,
			attemptAfter: time.Now().Add(s.config.RetryDelay()),
		})
		s.requeuedCount.Add(1)
	}
	return err
}

// retryDue retries requeued batches whose backoff has elapsed.
func (s *Shipper) retryDue(ctx context.Context) {
	now := time.Now()
	for i := 0; i < len(s.requeued); {
		fp := s.requeued[i]
		if fp.attemptAfter.After(now) {
			i++
			continue
		}
		s.requeued = append(s.requeued[:i], s.requeued[i+1:]...)
		s.requeuedCount.Add(-1)
		s.resend(ctx, fp)
	}
}

// retryAll retries every requeued batch immediately; explicit flushes
// and shutdown drain the backlog regardless of backoff.
func (s *Shipper) retryAll(ctx context.Context) error {
	pending := s.requeued
	s.requeued = nil
	s.requeuedCount.Store(0)

	var lastErr error
	for _, fp := range pending {
		if err := s.resend(ctx, fp); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (s *Shipper) resend(ctx context.Context, fp *failedPush) error {
	err := s.client.Send(ctx, fp.payload, s.encoder.ContentEncoding())
	if err == nil {
		s.batchesSent.Add(1)
		s.entriesSent.Add(uint64(fp.entries))
		return nil
	}

	s.reportFailure(err, fp.entries)
	fp.failures++

	var terr *core.TransportError
	if errors.As(err, &terr) && terr.Retryable &&
		fp.failures <= s.config.MaxRetries &&
		s.requeuedCount.Load() < s.config.RequeueDepth {
		fp.attemptAfter = time.Now().Add(time.Duration(fp.failures) * s.config.RetryDelay())
		s.requeued = append(s.requeued, fp)
		s.requeuedCount.Add(1)
		return err
	}

	s.batchesFailed.Add(1)
	s.logger.Error("msg", "Requeued batch dropped",
		"component", "shipper",
		"entries", fp.entries,
		"failures", fp.failures,
		"error", err)
	return err
}

func (s *Shipper) reportFailure(err error, entries int64) {
	s.logger.Error("msg", "Batch delivery failed",
		"component", "shipper",
		"entries", entries,
		"error", err)
	if s.errorHook != nil {
		s.errorHook(err)
	}
}

// Stats is a point-in-time snapshot of the shipper counters.
type Stats struct {
	Accepted       uint64
	DroppedByLevel uint64
	FormatErrors   uint64
	BatchesSent    uint64
	BatchesFailed  uint64
	EntriesSent    uint64
	PendingEntries int64
}

// GetStats returns the shipper's statistics.
func (s *Shipper) GetStats() Stats {
	s.mu.Lock()
	pending := s.buf.Len() + s.queuedEntries
	s.mu.Unlock()

	return Stats{
		Accepted:       s.totalAccepted.Load(),
		DroppedByLevel: s.droppedByLevel.Load(),
		FormatErrors:   s.formatErrors.Load(),
		BatchesSent:    s.batchesSent.Load(),
		BatchesFailed:  s.batchesFailed.Load(),
		EntriesSent:    s.entriesSent.Load(),
		PendingEntries: pending,
	}
}

// tickInterval picks the age-check resolution for the worker timer:
// fine enough that a generation never outlives its budget by much,
// without busy-waking on long lifetimes.
func tickInterval(lifetime time.Duration) time.Duration {
	interval := lifetime / 4
	if interval < 5*time.Millisecond {
		return 5 * time.Millisecond
	}
	if interval > 250*time.Millisecond {
		return 250 * time.Millisecond
	}
	return interval
}
