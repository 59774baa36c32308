// Package queue implements a durable, two-tier priority job queue on Redis
// with retry backoff, bounded retention of finished jobs, stalled-job
// detection and a channel-based lifecycle event stream.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/developer-mesh/docmesh/internal/config"
	"github.com/developer-mesh/docmesh/internal/models"
	"github.com/developer-mesh/docmesh/pkg/observability"
)

var (
	// ErrNoJob is returned by Claim when nothing is waiting
	ErrNoJob = errors.New("no job available")
	// ErrJobNotFound is returned when a job hash does not exist
	ErrJobNotFound = errors.New("job not found")
	// ErrLockLost is returned when a worker acts on a job it no longer owns
	ErrLockLost = errors.New("job lock lost")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("queue closed")
)

const stalledLimitReason = "job stalled more than allowable limit"

// Config holds queue settings
type Config struct {
	Name            string
	Prefix          string
	MaxAttempts     int
	BackoffBase     time.Duration
	KeepCompleted   int
	KeepFailed      int
	PromoteInterval time.Duration
	StalledSchedule string
	MaxStalledCount int
	EventBufferSize int
}

// DefaultConfig returns the standard policy: 3 attempts, backoff from 2s,
// keep the last 100 completed and 500 failed jobs.
func DefaultConfig() Config {
	return Config{
		Name:            "document-processing",
		Prefix:          "docmesh:queue",
		MaxAttempts:     3,
		BackoffBase:     2 * time.Second,
		KeepCompleted:   100,
		KeepFailed:      500,
		PromoteInterval: 500 * time.Millisecond,
		StalledSchedule: "@every 30s",
		MaxStalledCount: 1,
		EventBufferSize: 256,
	}
}

// ConfigFrom maps service configuration onto queue settings
func ConfigFrom(c config.QueueConfig) Config {
	return Config{
		Name:            c.Name,
		Prefix:          c.Prefix,
		MaxAttempts:     c.MaxAttempts,
		BackoffBase:     c.BackoffBase,
		KeepCompleted:   c.KeepCompleted,
		KeepFailed:      c.KeepFailed,
		PromoteInterval: c.PromoteInterval,
		StalledSchedule: c.StalledSchedule,
		MaxStalledCount: c.MaxStalledCount,
		EventBufferSize: c.EventBufferSize,
	}
}

// Options are per-job overrides for Add
type Options struct {
	Priority    models.Priority
	MaxAttempts int
}

// Counts is a snapshot of queue depth by state
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue is a Redis-backed job queue
type Queue struct {
	client    redis.UniversalClient
	ownClient bool
	cfg       Config
	logger    observability.Logger
	events    *broadcaster
	now       func() time.Time

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cron    *cron.Cron
}

// NewRedisClient builds a go-redis client from service configuration
func NewRedisClient(cfg config.RedisConfig) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.Database,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: cfg.DialTimeout,
		PoolSize:    cfg.PoolSize,
	})
}

// New creates a queue on an existing client. The caller keeps ownership of
// the client unless WithOwnedClient is applied.
func New(client redis.UniversalClient, cfg Config, logger observability.Logger) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.KeepCompleted <= 0 {
		cfg.KeepCompleted = def.KeepCompleted
	}
	if cfg.KeepFailed <= 0 {
		cfg.KeepFailed = def.KeepFailed
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = def.PromoteInterval
	}
	if cfg.StalledSchedule == "" {
		cfg.StalledSchedule = def.StalledSchedule
	}
	if cfg.MaxStalledCount < 0 {
		cfg.MaxStalledCount = def.MaxStalledCount
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = def.EventBufferSize
	}
	if _, err := cron.ParseStandard(cfg.StalledSchedule); err != nil {
		return nil, fmt.Errorf("invalid stalled schedule %q: %w", cfg.StalledSchedule, err)
	}

	return &Queue{
		client: client,
		cfg:    cfg,
		logger: observability.OrNoop(logger).WithPrefix("queue"),
		events: newBroadcaster(),
		now:    time.Now,
	}, nil
}

// WithOwnedClient makes Close also close the Redis client
func (q *Queue) WithOwnedClient() *Queue {
	q.ownClient = true
	return q
}

// Name returns the queue name
func (q *Queue) Name() string { return q.cfg.Name }

// Config returns the effective queue settings
func (q *Queue) Config() Config { return q.cfg }

func (q *Queue) base() string { return q.cfg.Prefix + ":" + q.cfg.Name + ":" }

func (q *Queue) key(parts ...string) string {
	return q.base() + strings.Join(parts, ":")
}

func (q *Queue) jobKey(id string) string { return q.key("job", id) }

func (q *Queue) lockKey(id string) string { return q.key("lock", id) }

func (q *Queue) waitKey(p models.Priority) string {
	if p == models.PriorityHigh {
		return q.key("wait", "high")
	}
	return q.key("wait", "normal")
}

// Backoff returns the delay before retrying after the given (1-based) attempt
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return q.cfg.BackoffBase * time.Duration(1<<uint(attempt-1))
}

// Add enqueues a job and returns its handle
func (q *Queue) Add(ctx context.Context, payload models.JobPayload, opts Options) (*Job, error) {
	if q.isClosed() {
		return nil, ErrClosed
	}
	if opts.Priority == "" {
		opts.Priority = models.PriorityForSourceType(payload.SourceType)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = q.cfg.MaxAttempts
	}

	seq, err := q.client.Incr(ctx, q.key("id")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate job id: %w", err)
	}

	job := &Job{
		ID:          strconv.FormatInt(seq, 10),
		Payload:     payload,
		Priority:    opts.Priority,
		State:       StateWaiting,
		MaxAttempts: opts.MaxAttempts,
		CreatedAt:   q.now(),
	}
	fields, err := job.toHash()
	if err != nil {
		return nil, err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(job.ID), fields)
		pipe.LPush(ctx, q.waitKey(job.Priority), job.ID)
		if payload.DocumentID != "" {
			pipe.HSet(ctx, q.key("docjobs"), payload.DocumentID, job.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.logger.Debug("Job added", map[string]interface{}{
		"job_id":      job.ID,
		"document_id": payload.DocumentID,
		"priority":    string(job.Priority),
	})
	return job, nil
}

// Claim takes the next waiting job, high priority first, and locks it for
// workerID. It returns ErrNoJob when both wait lists are empty.
func (q *Queue) Claim(ctx context.Context, workerID string, lockTTL time.Duration) (*Job, error) {
	if q.isClosed() {
		return nil, ErrClosed
	}

	id, err := claimScript.Run(ctx, q.client,
		[]string{q.waitKey(models.PriorityHigh), q.waitKey(models.PriorityNormal), q.key("active")},
		q.base(), workerID, lockTTL.Milliseconds(), q.now().UnixMilli(),
	).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoJob
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return q.GetJob(ctx, id)
}

// ClaimBlocking polls Claim until a job arrives or ctx is done
func (q *Queue) ClaimBlocking(ctx context.Context, workerID string, lockTTL, poll time.Duration) (*Job, error) {
	if poll <= 0 {
		poll = time.Second
	}
	for {
		job, err := q.Claim(ctx, workerID, lockTTL)
		if !errors.Is(err, ErrNoJob) {
			return job, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

// ExtendLock renews the heartbeat on a claimed job
func (q *Queue) ExtendLock(ctx context.Context, job *Job, ttl time.Duration) error {
	ok, err := extendScript.Run(ctx, q.client, []string{q.lockKey(job.ID)}, job.WorkerID, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: job %s", ErrLockLost, job.ID)
	}
	return nil
}

// UpdateProgress records a 0..100 progress marker
func (q *Queue) UpdateProgress(ctx context.Context, job *Job, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if err := q.client.HSet(ctx, q.jobKey(job.ID), fieldProgress, pct).Err(); err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	job.Progress = pct
	return nil
}

// Complete marks a job done, stores its result and trims old completed jobs
func (q *Queue) Complete(ctx context.Context, job *Job, result interface{}) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode job result: %w", err)
	}
	if err := q.release(ctx, job); err != nil {
		return err
	}

	finished := q.now()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(job.ID),
			fieldState, string(StateCompleted),
			fieldResult, raw,
			fieldProgress, 100,
			fieldFinishedAt, finished.UnixMilli(),
		)
		pipe.LPush(ctx, q.key("completed"), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	q.trim(ctx, "completed", q.cfg.KeepCompleted)

	job.State = StateCompleted
	job.Result = raw
	job.Progress = 100
	job.FinishedAt = finished
	q.events.publish(Event{Kind: EventCompleted, Job: job, Result: raw, At: finished})
	return nil
}

// Fail records a failed attempt. With attempts left the job is scheduled
// again after Backoff(attempt); otherwise it is moved to the failed list.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	if err := q.release(ctx, job); err != nil {
		return err
	}
	return q.fail(ctx, job, errorText(cause), false)
}

func (q *Queue) fail(ctx context.Context, job *Job, reason string, permanent bool) error {
	now := q.now()

	if !permanent && job.AttemptsLeft() {
		delay := q.Backoff(job.Attempt)
		_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.jobKey(job.ID), fieldState, string(StateDelayed), fieldLastError, reason)
			pipe.ZAdd(ctx, q.key("delayed"), redis.Z{
				Score:  float64(now.Add(delay).UnixMilli()),
				Member: job.ID,
			})
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to schedule retry: %w", err)
		}
		job.State = StateDelayed
		job.LastError = reason
		q.events.publish(Event{Kind: EventRetrying, Job: job, Err: reason, Delay: delay, At: now})
		return nil
	}

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(job.ID),
			fieldState, string(StateFailed),
			fieldLastError, reason,
			fieldFinishedAt, now.UnixMilli(),
		)
		pipe.LPush(ctx, q.key("failed"), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	q.trim(ctx, "failed", q.cfg.KeepFailed)

	job.State = StateFailed
	job.LastError = reason
	job.FinishedAt = now
	q.events.publish(Event{Kind: EventFailed, Job: job, Err: reason, At: now})
	return nil
}

func (q *Queue) release(ctx context.Context, job *Job) error {
	res, err := releaseScript.Run(ctx, q.client,
		[]string{q.key("active"), q.lockKey(job.ID)},
		job.WorkerID, job.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("%w: job %s is locked by another worker", ErrLockLost, job.ID)
	case -2:
		return fmt.Errorf("%w: job %s is no longer active", ErrLockLost, job.ID)
	}
	return nil
}

func (q *Queue) trim(ctx context.Context, list string, keep int) {
	removed, err := trimScript.Run(ctx, q.client, []string{q.key(list)}, q.base(), keep).Int()
	if err != nil {
		q.logger.Warn("Failed to trim finished jobs", map[string]interface{}{
			"list":  list,
			"error": err.Error(),
		})
		return
	}
	if removed > 0 {
		q.logger.Debug("Trimmed finished jobs", map[string]interface{}{
			"list":    list,
			"removed": removed,
		})
	}
}

// GetJob loads a job by id
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	h, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return jobFromHash(id, h)
}

// FindByDocument returns the most recent job enqueued for a document
func (q *Queue) FindByDocument(ctx context.Context, documentID string) (*Job, error) {
	id, err := q.client.HGet(ctx, q.key("docjobs"), documentID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: no job for document %s", ErrJobNotFound, documentID)
		}
		return nil, fmt.Errorf("failed to look up document job: %w", err)
	}
	return q.GetJob(ctx, id)
}

// ForgetDocument drops the document to job index entry
func (q *Queue) ForgetDocument(ctx context.Context, documentID string) error {
	if err := q.client.HDel(ctx, q.key("docjobs"), documentID).Err(); err != nil {
		return fmt.Errorf("failed to forget document job: %w", err)
	}
	return nil
}

// Counts samples queue depth
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var high, normal, active, delayed, completed, failed *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		high = pipe.LLen(ctx, q.waitKey(models.PriorityHigh))
		normal = pipe.LLen(ctx, q.waitKey(models.PriorityNormal))
		active = pipe.LLen(ctx, q.key("active"))
		delayed = pipe.ZCard(ctx, q.key("delayed"))
		completed = pipe.LLen(ctx, q.key("completed"))
		failed = pipe.LLen(ctx, q.key("failed"))
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("failed to read queue counts: %w", err)
	}
	return Counts{
		Waiting:   high.Val() + normal.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Ping checks the Redis connection
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Subscribe returns a channel of lifecycle events and a function that
// unsubscribes and closes it. The channel is also closed by Close.
func (q *Queue) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = q.cfg.EventBufferSize
	}
	return q.events.subscribe(buffer)
}

// DroppedEvents reports how many events were discarded because a subscriber was full
func (q *Queue) DroppedEvents() int64 {
	return q.events.dropped.Load()
}

// Close stops maintenance loops, closes subscriber channels and, if owned,
// the Redis client. Jobs still active keep their locks and are redelivered
// by the stalled checker of another process once those locks expire.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel := q.cancel
	c := q.cron
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}
	q.wg.Wait()
	q.events.close()

	if q.ownClient {
		return q.client.Close()
	}
	return nil
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func errorText(err error) string {
	if err == nil || err.Error() == "" {
		return "unknown error"
	}
	return err.Error()
}
