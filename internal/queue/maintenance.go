package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

const promoteBatch = 100

// Start launches the delayed-job promoter and the cron-scheduled stalled
// checker. Both stop when ctx is cancelled or Close is called.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.started = true

	q.wg.Add(1)
	go q.promoteLoop(runCtx)

	c := cron.New()
	if _, err := c.AddFunc(q.cfg.StalledSchedule, func() {
		if runCtx.Err() != nil {
			return
		}
		if _, err := q.CheckStalled(runCtx); err != nil {
			q.logger.Error("Stalled job check failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule stalled checker: %w", err)
	}
	c.Start()
	q.cron = c

	q.logger.Info("Queue maintenance started", map[string]interface{}{
		"queue":            q.cfg.Name,
		"promote_interval": q.cfg.PromoteInterval.String(),
		"stalled_schedule": q.cfg.StalledSchedule,
	})
	return nil
}

func (q *Queue) promoteLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.PromoteDelayed(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("Failed to promote delayed jobs", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// PromoteDelayed moves due delayed jobs back to their wait list and returns
// how many moved.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.client, []string{q.key("delayed")},
		q.base(), q.now().UnixMilli(), promoteBatch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	return n, nil
}

// CheckStalled finds active jobs whose lock expired, publishes a stalled
// event for each and re-queues them. Jobs past the stall limit, or already on
// their last attempt, fail permanently. It returns the stalled job ids.
func (q *Queue) CheckStalled(ctx context.Context) ([]string, error) {
	ids, err := stalledScript.Run(ctx, q.client, []string{q.key("active")}, q.base()).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan for stalled jobs: %w", err)
	}

	for _, id := range ids {
		if err := q.recoverStalled(ctx, id); err != nil {
			q.logger.Error("Failed to recover stalled job", map[string]interface{}{
				"job_id": id,
				"error":  err.Error(),
			})
		}
	}
	return ids, nil
}

func (q *Queue) recoverStalled(ctx context.Context, id string) error {
	count, err := q.client.HIncrBy(ctx, q.jobKey(id), fieldStalledCount, 1).Result()
	if err != nil {
		return fmt.Errorf("failed to count stall: %w", err)
	}
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}

	q.logger.Warn("Job stalled", map[string]interface{}{
		"job_id":        id,
		"document_id":   job.Payload.DocumentID,
		"worker_id":     job.WorkerID,
		"attempt":       job.Attempt,
		"stalled_count": count,
	})
	q.events.publish(Event{Kind: EventStalled, Job: job, At: q.now()})

	if int(count) > q.cfg.MaxStalledCount {
		return q.fail(ctx, job, stalledLimitReason, true)
	}
	if !job.AttemptsLeft() {
		return q.fail(ctx, job, "job stalled on its final attempt", true)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id), fieldState, string(StateWaiting))
		pipe.LPush(ctx, q.waitKey(job.Priority), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to re-queue stalled job: %w", err)
	}
	job.State = StateWaiting
	return nil
}
