package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/developer-mesh/docmesh/internal/models"
)

// State is where a job currently sits in the queue
type State string

// Job states
const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is a durable unit of work requesting processing of one document
type Job struct {
	ID           string
	Payload      models.JobPayload
	Priority     models.Priority
	State        State
	Attempt      int // 1-based once claimed
	MaxAttempts  int
	Progress     int
	WorkerID     string
	LastError    string
	Result       json.RawMessage
	StalledCount int
	CreatedAt    time.Time
	ProcessedAt  time.Time
	FinishedAt   time.Time
}

// RetryCount is the number of earlier attempts
func (j *Job) RetryCount() int {
	if j.Attempt <= 1 {
		return 0
	}
	return j.Attempt - 1
}

// AttemptsLeft reports whether a failure of the current attempt will be retried
func (j *Job) AttemptsLeft() bool {
	return j.Attempt < j.MaxAttempts
}

// Hash field names
const (
	fieldPayload      = "payload"
	fieldPriority     = "priority"
	fieldState        = "state"
	fieldAttempt      = "attempt"
	fieldMaxAttempts  = "max_attempts"
	fieldProgress     = "progress"
	fieldWorkerID     = "worker_id"
	fieldLastError    = "last_error"
	fieldResult       = "result"
	fieldStalledCount = "stalled_count"
	fieldCreatedAt    = "created_at"
	fieldProcessedAt  = "processed_at"
	fieldFinishedAt   = "finished_at"
)

func (j *Job) toHash() (map[string]interface{}, error) {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job payload: %w", err)
	}
	return map[string]interface{}{
		fieldPayload:     payload,
		fieldPriority:    string(j.Priority),
		fieldState:       string(j.State),
		fieldAttempt:     j.Attempt,
		fieldMaxAttempts: j.MaxAttempts,
		fieldProgress:    j.Progress,
		fieldCreatedAt:   j.CreatedAt.UnixMilli(),
	}, nil
}

func jobFromHash(id string, h map[string]string) (*Job, error) {
	j := &Job{
		ID:        id,
		Priority:  models.Priority(h[fieldPriority]),
		State:     State(h[fieldState]),
		WorkerID:  h[fieldWorkerID],
		LastError: h[fieldLastError],
	}
	if raw := h[fieldPayload]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of job %s: %w", id, err)
		}
	}
	if raw := h[fieldResult]; raw != "" {
		j.Result = json.RawMessage(raw)
	}
	j.Attempt = atoi(h[fieldAttempt])
	j.MaxAttempts = atoi(h[fieldMaxAttempts])
	j.Progress = atoi(h[fieldProgress])
	j.StalledCount = atoi(h[fieldStalledCount])
	j.CreatedAt = fromMillis(h[fieldCreatedAt])
	j.ProcessedAt = fromMillis(h[fieldProcessedAt])
	j.FinishedAt = fromMillis(h[fieldFinishedAt])
	return j, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func fromMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
