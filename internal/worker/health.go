package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/developer-mesh/docmesh/internal/queue"
)

// HealthReport is one sample of queue and pool state
type HealthReport struct {
	Counts      queue.Counts `json:"counts"`
	Connections int          `json:"connections"`
	Evicted     int          `json:"evicted"`
	Backlogged  bool         `json:"backlogged"`
	CheckedAt   time.Time    `json:"checked_at"`
}

// CheckHealth samples queue counts, evicts idle connections and publishes
// the gauges.
func (p *Pool) CheckHealth(ctx context.Context) (HealthReport, error) {
	now := p.now()
	report := HealthReport{CheckedAt: now}

	report.Evicted = p.conns.EvictIdle(now)
	report.Connections = p.conns.Len()
	p.metrics.ConnPoolSize.Set(float64(report.Connections))

	counts, err := p.queue.Counts(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to read queue counts: %w", err)
	}
	report.Counts = counts
	report.Backlogged = counts.Waiting > p.cfg.BacklogThreshold

	p.metrics.QueueDepth.WithLabelValues("waiting").Set(float64(counts.Waiting))
	p.metrics.QueueDepth.WithLabelValues("active").Set(float64(counts.Active))
	p.metrics.QueueDepth.WithLabelValues("delayed").Set(float64(counts.Delayed))
	p.metrics.QueueDepth.WithLabelValues("completed").Set(float64(counts.Completed))
	p.metrics.QueueDepth.WithLabelValues("failed").Set(float64(counts.Failed))

	fields := map[string]interface{}{
		"waiting":     counts.Waiting,
		"active":      counts.Active,
		"delayed":     counts.Delayed,
		"completed":   counts.Completed,
		"failed":      counts.Failed,
		"connections": report.Connections,
	}
	p.logger.Info("Queue health", fields)
	if report.Backlogged {
		p.logger.Warn("Queue backlog above threshold", map[string]interface{}{
			"waiting":   counts.Waiting,
			"threshold": p.cfg.BacklogThreshold,
		})
	}
	return report, nil
}

func (p *Pool) healthLoop(ctx context.Context, events <-chan queue.Event) {
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.drainEvents(ctx, events)
			return
		case <-ticker.C:
			if _, err := p.CheckHealth(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("Health check failed", map[string]interface{}{"error": err.Error()})
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			p.observe(ctx, ev)
		}
	}
}

// drainEvents handles events already buffered when the loop stops
func (p *Pool) drainEvents(ctx context.Context, events <-chan queue.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.observe(ctx, ev)
		default:
			return
		}
	}
}

func (p *Pool) observe(ctx context.Context, ev queue.Event) {
	p.metrics.QueueEvents.WithLabelValues(string(ev.Kind)).Inc()

	fields := map[string]interface{}{"event": string(ev.Kind)}
	if ev.Job != nil {
		fields["job_id"] = ev.Job.ID
		fields["document_id"] = ev.Job.Payload.DocumentID
		fields["attempt"] = ev.Job.Attempt
	}
	if ev.Err != "" {
		fields["error"] = ev.Err
	}

	switch ev.Kind {
	case queue.EventFailed:
		p.logger.Error("Job failed permanently", fields)
		p.failAbandoned(ctx, ev)
	case queue.EventStalled:
		p.logger.Warn("Job stalled", fields)
	case queue.EventRetrying:
		fields["delay"] = ev.Delay.String()
		p.logger.Info("Job scheduled for retry", fields)
	default:
		p.logger.Debug("Job event", fields)
	}
}
