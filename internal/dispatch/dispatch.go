// Package dispatch runs the single consumer loop between the job queue and
// the printer sink.
//
// Exactly one job is in flight at a time. A transiently failed submission is
// requeued after a backoff delay; the dispatcher does not sleep while the
// delay elapses, so jobs behind the failed one keep flowing under the tail
// requeue policy. A job that exhausts its attempts, or that the sink rejects
// outright, is reported as failed with a reason and never retried.
//
// Every terminal outcome is persisted to the history store before it is
// emitted, so an acknowledgment that was never delivered survives a crash.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/relayprint/relayprint/internal/backoff"
	"github.com/relayprint/relayprint/internal/history"
	"github.com/relayprint/relayprint/internal/job"
	"github.com/relayprint/relayprint/internal/metrics"
	"github.com/relayprint/relayprint/internal/printer"
	"github.com/relayprint/relayprint/internal/queue"
)

// Failure reasons reported in outcomes and nack frames.
const (
	ReasonRejected  = "printer_rejected"
	ReasonExhausted = "attempts_exhausted"
)

// Options configures a Dispatcher.
type Options struct {
	Queue         *queue.Queue
	Sink          printer.Sink
	History       *history.Store
	Metrics       *metrics.Registry
	Logger        *slog.Logger
	MaxAttempts   int
	SubmitTimeout time.Duration
	Backoff       backoff.Strategy
	RequeuePolicy queue.Policy

	// Outcomes receives one terminal outcome per job, in completion order.
	Outcomes chan<- job.Outcome
}

// Dispatcher pulls jobs off the queue and delivers them to the printer sink.
type Dispatcher struct {
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
}

// New returns a Dispatcher. Incomplete wiring in Options panics at startup.
func New(opts Options) *Dispatcher {
	if opts.Queue == nil || opts.Sink == nil || opts.Outcomes == nil {
		panic("dispatch: Queue, Sink, and Outcomes are required")
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.NewConstant(2 * time.Second)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = &metrics.Registry{}
	}
	if !opts.RequeuePolicy.Valid() {
		opts.RequeuePolicy = queue.PolicyTail
	}
	return &Dispatcher{
		opts:   opts,
		log:    opts.Logger.With("component", "dispatch"),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Run consumes the queue until ctx is cancelled or the queue is closed.
// It is the only goroutine that touches the sink.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started",
		"max_attempts", d.opts.MaxAttempts,
		"requeue_policy", string(d.opts.RequeuePolicy))

	defer d.stopTimers()

	for {
		j, err := d.opts.Queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrShutdown) || errors.Is(err, context.Canceled) {
				d.log.Info("dispatcher stopped")
				return nil
			}
			return err
		}
		d.deliver(ctx, j)
	}
}

// deliver makes one submission attempt for j and routes the result.
func (d *Dispatcher) deliver(ctx context.Context, j *job.Job) {
	j.Attempts++

	subCtx := ctx
	if d.opts.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		subCtx, cancel = context.WithTimeout(ctx, d.opts.SubmitTimeout)
		defer cancel()
	}

	err := d.opts.Sink.Submit(subCtx, j.Payload)
	if err == nil {
		d.opts.Metrics.Printed.Inc()
		d.log.Info("job printed", "job_id", j.ID, "attempts", j.Attempts)
		d.finish(ctx, j, job.Outcome{ID: j.ID, Seq: j.Seq, Status: job.StatusPrinted})
		return
	}

	if printer.Retryable(err) && j.Attempts < d.opts.MaxAttempts {
		delay := d.opts.Backoff.Delay(j.Attempts)
		d.opts.Metrics.Retries.Inc()
		d.log.Warn("submission failed, will retry",
			"job_id", j.ID, "attempt", j.Attempts, "delay", delay, "error", err)
		d.requeueAfter(j, delay)
		return
	}

	reason := ReasonExhausted
	if !printer.Retryable(err) {
		reason = ReasonRejected
	}
	d.opts.Metrics.Failed.Inc(reason)
	d.log.Error("job failed",
		"job_id", j.ID, "attempts", j.Attempts, "reason", reason, "error", err)
	d.finish(ctx, j, job.Outcome{ID: j.ID, Seq: j.Seq, Status: job.StatusFailed, Reason: reason})
}

// finish persists a terminal outcome and emits it.
func (d *Dispatcher) finish(ctx context.Context, j *job.Job, out job.Outcome) {
	if d.opts.History != nil {
		rec := history.Record{
			JobID:       j.ID,
			Fingerprint: history.Fingerprint(j.Payload),
			Payload:     j.Payload,
			Status:      out.Status.String(),
			Reason:      out.Reason,
			CompletedAt: time.Now(),
		}
		if err := d.opts.History.Put(rec); err != nil {
			d.log.Error("persist outcome", "job_id", j.ID, "error", err)
		}
	}

	select {
	case d.opts.Outcomes <- out:
	case <-ctx.Done():
	}
}

// requeueAfter schedules j back onto the queue once delay has elapsed.
// The timer fires on its own goroutine so the dispatch loop keeps draining.
func (d *Dispatcher) requeueAfter(j *job.Job, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, t)
		d.mu.Unlock()

		if err := d.opts.Queue.Requeue(j, d.opts.RequeuePolicy); err != nil {
			d.log.Error("requeue after backoff", "job_id", j.ID, "error", err)
		}
	})
	d.timers[t] = struct{}{}
}

// stopTimers cancels all outstanding retry timers. Jobs waiting on a timer at
// shutdown are abandoned; the server will re-emit them as missing events.
func (d *Dispatcher) stopTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for t := range d.timers {
		t.Stop()
		delete(d.timers, t)
	}
}
