// Package worker runs document processing jobs pulled from the queue
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/developer-mesh/docmesh/internal/config"
	"github.com/developer-mesh/docmesh/internal/metrics"
	"github.com/developer-mesh/docmesh/internal/models"
	"github.com/developer-mesh/docmesh/internal/queue"
	"github.com/developer-mesh/docmesh/internal/repository"
	"github.com/developer-mesh/docmesh/pkg/observability"
)

// JobQueue is the queue surface used by the pool
type JobQueue interface {
	ClaimBlocking(ctx context.Context, workerID string, lockTTL, poll time.Duration) (*queue.Job, error)
	ExtendLock(ctx context.Context, job *queue.Job, ttl time.Duration) error
	UpdateProgress(ctx context.Context, job *queue.Job, pct int) error
	Complete(ctx context.Context, job *queue.Job, result interface{}) error
	Fail(ctx context.Context, job *queue.Job, cause error) error
	Counts(ctx context.Context) (queue.Counts, error)
	FindByDocument(ctx context.Context, documentID string) (*queue.Job, error)
	Subscribe(buffer int) (<-chan queue.Event, func())
	Close() error
}

// Processor indexes one document
type Processor interface {
	Process(ctx context.Context, ref models.DocumentRef) (models.ProcessResult, error)
}

// DocumentConn is a pooled connection to the document store
type DocumentConn interface {
	io.Closer
	Get(ctx context.Context, id uuid.UUID) (*models.Document, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, u repository.StatusUpdate) error
	MergeMetadata(ctx context.Context, id uuid.UUID, fields models.JSONMap) error
}

// Config controls the worker pool
type Config struct {
	Concurrency       int
	LockTTL           time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	HealthInterval    time.Duration
	BacklogThreshold  int64
	JobTimeout        time.Duration
}

// DefaultConfig returns ten workers with a 30s lock renewed every 10s
func DefaultConfig() Config {
	return Config{
		Concurrency:       10,
		LockTTL:           30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		PollInterval:      time.Second,
		HealthInterval:    time.Minute,
		BacklogThreshold:  100,
		JobTimeout:        15 * time.Minute,
	}
}

// ConfigFrom maps service configuration onto pool settings
func ConfigFrom(c config.WorkerConfig) Config {
	return Config{
		Concurrency:       c.Concurrency,
		LockTTL:           c.LockTTL,
		HeartbeatInterval: c.HeartbeatInterval,
		PollInterval:      c.PollInterval,
		HealthInterval:    c.HealthInterval,
		BacklogThreshold:  c.BacklogThreshold,
		JobTimeout:        c.JobTimeout,
	}
}

// Pool runs Concurrency workers. Each worker claims one job, processes it
// to completion and reports the outcome before claiming the next.
type Pool struct {
	queue     JobQueue
	processor Processor
	conns     *ConnPool[DocumentConn]
	cfg       Config
	logger    observability.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	id        string
	now       func() time.Time

	mu          sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	abandon     context.CancelFunc
	jobCtx      context.Context
	unsubscribe func()
	workers     sync.WaitGroup
	background  sync.WaitGroup
}

// NewPool creates a worker pool. The pool owns conns and closes it on Stop.
func NewPool(q JobQueue, p Processor, conns *ConnPool[DocumentConn], cfg Config, logger observability.Logger, m *metrics.Metrics) *Pool {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.LockTTL {
		cfg.HeartbeatInterval = cfg.LockTTL / 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.BacklogThreshold <= 0 {
		cfg.BacklogThreshold = def.BacklogThreshold
	}
	if m == nil {
		m = metrics.NewNoop()
	}

	return &Pool{
		queue:     q,
		processor: p,
		conns:     conns,
		cfg:       cfg,
		logger:    observability.OrNoop(logger).WithPrefix("worker"),
		metrics:   m,
		tracer:    observability.Tracer("docmesh/worker"),
		id:        uuid.NewString()[:8],
		now:       time.Now,
	}
}

// Start launches the workers and the health loop
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("worker pool already started")
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	jobCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.abandon = abandon
	p.jobCtx = jobCtx

	events, unsubscribe := p.queue.Subscribe(0)
	p.unsubscribe = unsubscribe

	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("worker-%s-%d", p.id, i)
		p.workers.Add(1)
		go func() {
			defer p.workers.Done()
			p.run(runCtx, workerID)
		}()
	}

	p.background.Add(1)
	go func() {
		defer p.background.Done()
		p.healthLoop(runCtx, events)
	}()

	p.logger.Info("Worker pool started", map[string]interface{}{
		"concurrency": p.cfg.Concurrency,
		"lock_ttl":    p.cfg.LockTTL.String(),
	})
	return nil
}

// Stop stops claiming new jobs and waits for in-flight jobs until ctx is
// done. Jobs still running at that point are abandoned without being
// acknowledged; their locks expire and the stalled checker redelivers them.
// The connection pool and the queue are closed before Stop returns.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	var stopErr error
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("Shutdown deadline reached, abandoning in-flight jobs", nil)
		p.abandon()
		<-done
		stopErr = fmt.Errorf("worker pool did not drain: %w", ctx.Err())
	}
	p.abandon()

	p.unsubscribe()
	p.background.Wait()

	if err := p.conns.Close(); err != nil {
		p.logger.Warn("Failed to close connection pool", map[string]interface{}{"error": err.Error()})
	}
	if err := p.queue.Close(); err != nil {
		p.logger.Warn("Failed to close queue", map[string]interface{}{"error": err.Error()})
	}

	p.logger.Info("Worker pool stopped", nil)
	return stopErr
}

func (p *Pool) run(ctx context.Context, workerID string) {
	for {
		job, err := p.queue.ClaimBlocking(ctx, workerID, p.cfg.LockTTL, p.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			p.logger.Warn("Failed to claim job", map[string]interface{}{
				"worker_id": workerID,
				"error":     err.Error(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		p.handle(workerID, job)
	}
}

// handle processes one claimed job and acknowledges it
func (p *Pool) handle(workerID string, job *queue.Job) {
	ctx := p.jobCtx
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}

	ctx, span := p.tracer.Start(ctx, "worker.process_job", trace.WithAttributes(
		observability.JobIDAttributeKey.String(job.ID),
		observability.WorkerIDAttributeKey.String(workerID),
		observability.DocumentIDAttributeKey.String(job.Payload.DocumentID),
		observability.AttemptAttributeKey.Int(job.Attempt),
		attribute.String("docmesh.source_type", string(job.Payload.SourceType)),
	))

	fields := map[string]interface{}{
		"job_id":      job.ID,
		"worker_id":   workerID,
		"document_id": job.Payload.DocumentID,
		"attempt":     job.Attempt,
	}
	p.logger.Info("Processing job", fields)

	p.metrics.ActiveJobs.Inc()
	start := p.now()
	stopHeartbeat := p.heartbeat(ctx, job)

	result, err := p.process(ctx, workerID, job)

	stopHeartbeat()
	p.metrics.ActiveJobs.Dec()
	p.metrics.JobDuration.Observe(time.Since(start).Seconds())
	observability.EndSpan(span, err)

	if err != nil && p.jobCtx.Err() != nil {
		p.logger.Warn("Job abandoned during shutdown", fields)
		p.metrics.JobsProcessed.WithLabelValues("abandoned").Inc()
		return
	}

	ackCtx := context.WithoutCancel(ctx)
	if err != nil {
		fields["error"] = err.Error()
		p.logger.Error("Job failed", fields)
		p.metrics.JobsProcessed.WithLabelValues("failed").Inc()
		if ferr := p.queue.Fail(ackCtx, job, err); ferr != nil {
			p.logger.Error("Failed to record job failure", map[string]interface{}{
				"job_id": job.ID,
				"error":  ferr.Error(),
			})
		}
		return
	}

	p.metrics.JobsProcessed.WithLabelValues("completed").Inc()
	if cerr := p.queue.Complete(ackCtx, job, result); cerr != nil {
		p.logger.Error("Failed to complete job", map[string]interface{}{
			"job_id": job.ID,
			"error":  cerr.Error(),
		})
		return
	}
	fields["chunks_created"] = result.ChunksCreated
	fields["duration_ms"] = time.Since(start).Milliseconds()
	p.logger.Info("Job completed", fields)
}

// process runs the job steps. Panics are turned into errors and any error
// is recorded on the document before it is returned.
func (p *Pool) process(ctx context.Context, workerID string, job *queue.Job) (result models.JobResult, err error) {
	result.DocumentID = job.Payload.DocumentID

	lease, err := p.conns.Acquire(ctx)
	if err != nil {
		return result, err
	}
	defer p.conns.Release(lease)
	conn := lease.Conn

	docID, perr := uuid.Parse(job.Payload.DocumentID)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Recovered from panic in job", map[string]interface{}{
				"job_id": job.ID,
				"panic":  fmt.Sprint(r),
				"stack":  string(debug.Stack()),
			})
			err = fmt.Errorf("panic while processing job %s: %v", job.ID, r)
		}
		if err != nil {
			result.Success = false
			result.Error = err.Error()
			if perr == nil {
				p.markFailed(ctx, conn, docID, job, err)
			}
		}
	}()

	if perr != nil {
		return result, fmt.Errorf("invalid document id %q: %w", job.Payload.DocumentID, perr)
	}

	p.progress(ctx, job, 10)

	doc, err := conn.Get(ctx, docID)
	if err != nil {
		return result, err
	}

	started := p.now()
	retries := job.Attempt - 1
	if retries < 0 {
		retries = 0
	}
	if err := conn.UpdateStatus(ctx, docID, repository.StatusUpdate{
		Status:     models.StatusProcessing,
		StartedAt:  &started,
		RetryCount: &retries,
	}); err != nil {
		return result, fmt.Errorf("failed to mark document processing: %w", err)
	}

	p.progress(ctx, job, 20)

	res, err := p.processor.Process(ctx, doc.Ref())
	if err != nil {
		return result, err
	}

	p.progress(ctx, job, 90)

	doc, err = conn.Get(ctx, docID)
	if err != nil {
		return result, fmt.Errorf("failed to reload document: %w", err)
	}

	if err := conn.MergeMetadata(ctx, docID, models.JSONMap{
		models.MetaDurationMs: time.Since(started).Milliseconds(),
		models.MetaChunkCount: res.ChunksCreated,
		models.MetaJobID:      job.ID,
		models.MetaWorkerID:   workerID,
		models.MetaAttempt:    job.Attempt,
	}); err != nil {
		p.logger.Warn("Failed to record job metadata", map[string]interface{}{
			"document_id": job.Payload.DocumentID,
			"error":       err.Error(),
		})
	}

	p.progress(ctx, job, 100)

	result.ChunksCreated = res.ChunksCreated
	result.Success = doc.Status == models.StatusCompleted
	if !result.Success {
		result.Error = fmt.Sprintf("document finished in status %s", doc.Status)
		if doc.ErrorMessage != nil {
			result.Error = *doc.ErrorMessage
		}
		p.logger.Warn("Document not completed after processing", map[string]interface{}{
			"document_id": job.Payload.DocumentID,
			"status":      string(doc.Status),
		})
	}
	return result, nil
}

// markFailed sets the document to error with the failure and attempt count
func (p *Pool) markFailed(ctx context.Context, conn DocumentConn, docID uuid.UUID, job *queue.Job, cause error) {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	attempt := job.Attempt
	if err := conn.UpdateStatus(ctx, docID, repository.StatusUpdate{
		Status:       models.StatusError,
		ErrorMessage: &msg,
		RetryCount:   &attempt,
	}); err != nil {
		p.logger.Warn("Failed to mark document as errored", map[string]interface{}{
			"document_id": docID.String(),
			"error":       err.Error(),
		})
		return
	}
	if err := conn.MergeMetadata(ctx, docID, models.JSONMap{
		models.MetaJobID:   job.ID,
		models.MetaAttempt: job.Attempt,
	}); err != nil {
		p.logger.Debug("Failed to record failure metadata", map[string]interface{}{
			"document_id": docID.String(),
			"error":       err.Error(),
		})
	}
}

// failAbandoned marks the document of a permanently failed job as errored
// when it is still processing. The queue fails jobs on its own when they
// stall, so no worker is left to record the failure.
func (p *Pool) failAbandoned(ctx context.Context, ev queue.Event) {
	if ev.Job == nil {
		return
	}
	docID, err := uuid.Parse(ev.Job.Payload.DocumentID)
	if err != nil {
		return
	}
	fields := map[string]interface{}{
		"job_id":      ev.Job.ID,
		"document_id": ev.Job.Payload.DocumentID,
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	// a newer job owns the document
	if latest, err := p.queue.FindByDocument(ctx, ev.Job.Payload.DocumentID); err == nil && latest.ID != ev.Job.ID {
		return
	}

	lease, err := p.conns.Acquire(ctx)
	if err != nil {
		fields["error"] = err.Error()
		p.logger.Warn("Failed to acquire connection for failed job", fields)
		return
	}
	defer p.conns.Release(lease)

	doc, err := lease.Conn.Get(ctx, docID)
	if err != nil {
		fields["error"] = err.Error()
		p.logger.Debug("Failed job has no document", fields)
		return
	}
	if doc.Status != models.StatusProcessing {
		return
	}

	reason := ev.Err
	if reason == "" {
		reason = "job failed"
	}
	p.markFailed(ctx, lease.Conn, docID, ev.Job, errors.New(reason))
	p.logger.Warn("Marked document of abandoned job as errored", fields)
}

func (p *Pool) progress(ctx context.Context, job *queue.Job, pct int) {
	if err := p.queue.UpdateProgress(ctx, job, pct); err != nil {
		p.logger.Debug("Failed to update job progress", map[string]interface{}{
			"job_id":   job.ID,
			"progress": pct,
			"error":    err.Error(),
		})
	}
}

// heartbeat extends the job lock until the returned function is called
func (p *Pool) heartbeat(ctx context.Context, job *queue.Job) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLock(hbCtx, job, p.cfg.LockTTL); err != nil {
					if hbCtx.Err() != nil {
						return
					}
					p.logger.Warn("Failed to extend job lock", map[string]interface{}{
						"job_id": job.ID,
						"error":  err.Error(),
					})
					if errors.Is(err, queue.ErrLockLost) {
						return
					}
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
