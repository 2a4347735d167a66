package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opentenders/registry-sync/internal/log"
	"github.com/opentenders/registry-sync/internal/util"
	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "sync:job:"
	scheduledKey = "sync:scheduled"
	pendingKey   = "sync:pending"
	deadKey      = "sync:dead"

	maxAttempts = 5
	backoffBase = time.Second
	// deadRetention keeps an exhausted job's payload around so its last
	// checkpoint stays inspectable. Live jobs are never expired.
	deadRetention = 7 * 24 * time.Hour
)

var (
	// ErrNoJob means the queue has nothing due right now.
	ErrNoJob = errors.New("queue: no job available")
	// ErrJobExists means a job with the same id is already queued.
	ErrJobExists = errors.New("queue: job already queued")
)

// OrphanError reports a queued job id whose payload is gone. The caller owns
// deciding what happens to the job's sync run.
type OrphanError struct {
	JobId     string
	SyncRunId int64
}

func (e *OrphanError) Error() string {
	return fmt.Sprintf("queue: job %s has no payload", e.JobId)
}

// Checkpoint is the resumable cursor a worker persists after every processed
// page. For one job, (ModalityIndex, Page) never moves backwards.
type Checkpoint struct {
	ModalityIndex int `json:"modalityIndex"`
	Page          int `json:"page"`

	Imported   int `json:"imported"`
	Duplicates int `json:"duplicates"`
	Errored    int `json:"errored"`
	Processed  int `json:"processed"`
}

// ImportJob is one queued unit of work: immutable request parameters plus the
// mutable checkpoint persisted back into the job's own durable payload.
type ImportJob struct {
	Id        string `json:"id"`
	SyncRunId int64  `json:"syncRunId"`

	DateFrom   time.Time `json:"dateFrom"`
	DateTo     time.Time `json:"dateTo"`
	OrganId    string    `json:"organId,omitempty"`
	Modalities []int     `json:"modalities"`
	MaxPages   int       `json:"maxPages"`
	PageSize   int       `json:"pageSize"`

	Checkpoint Checkpoint `json:"checkpoint"`
}

// JobId derives the deduplicating queue id for a sync run's job.
func JobId(syncRunId int64) string {
	return fmt.Sprintf("sync-%d", syncRunId)
}

func syncRunIdFromJobId(id string) int64 {
	var runId int64
	if _, err := fmt.Sscanf(id, "sync-%d", &runId); err != nil {
		return 0
	}

	return runId
}

// Queue is a durable Redis-backed job queue. Jobs live in per-job hashes so
// their payload (and so the checkpoint inside it) survives worker crashes;
// delivery order is by ready-time through a scheduled set and a pending list.
type Queue struct {
	client *redis.Client
}

func New(config *util.Config) (*Queue, error) {
	opts, err := redis.ParseURL(config.RedisUrl.Value)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	return &Queue{client: client}, nil
}

func NewWithClient(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue stores the job payload and schedules delivery after the given delay.
// The payload has no expiry while the job is live; it is removed on Complete and
// aged out only from the dead list. A job id already present is left untouched,
// making batch submission idempotent.
func (q *Queue) Enqueue(ctx context.Context, job *ImportJob, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}

	key := jobKeyPrefix + job.Id
	created, err := q.client.HSetNX(ctx, key, "payload", payload).Result()
	if err != nil {
		return err
	}
	if !created {
		return ErrJobExists
	}

	readyAt := time.Now().Add(delay)
	return q.client.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: job.Id,
	}).Err()
}

// Dequeue promotes due scheduled jobs and pops the next pending one, re-reading
// the job's own persisted payload so a resumed job continues from its last
// checkpoint. Returns ErrNoJob when nothing is due.
func (q *Queue) Dequeue(ctx context.Context) (*ImportJob, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	id, err := q.client.LPop(ctx, pendingKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, err
	}

	payload, err := q.client.HGet(ctx, jobKeyPrefix+id, "payload").Result()
	if errors.Is(err, redis.Nil) {
		log.GetLogger().WithField("JobId", id).Warn("queued job has no payload")
		return nil, &OrphanError{JobId: id, SyncRunId: syncRunIdFromJobId(id)}
	}
	if err != nil {
		return nil, err
	}

	job := new(ImportJob)
	if err := json.Unmarshal([]byte(payload), job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}

	return job, nil
}

// UpdatePayload persists the job's current state, checkpoint included.
func (q *Queue) UpdatePayload(ctx context.Context, job *ImportJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}

	return q.client.HSet(ctx, jobKeyPrefix+job.Id, "payload", payload).Err()
}

// Complete removes a finished job.
func (q *Queue) Complete(ctx context.Context, job *ImportJob) error {
	return q.client.Del(ctx, jobKeyPrefix+job.Id).Err()
}

// Fail reschedules a failed job with exponential backoff, moving it to the dead
// list once attempts are exhausted. The payload keeps its last checkpoint, so
// the next attempt resumes instead of restarting.
func (q *Queue) Fail(ctx context.Context, job *ImportJob, cause error) error {
	key := jobKeyPrefix + job.Id

	attempts, err := q.client.HIncrBy(ctx, key, "attempts", 1).Result()
	if err != nil {
		return err
	}

	logger := log.GetLogger().WithField("JobId", job.Id).WithField("Attempt", attempts)

	if attempts >= maxAttempts {
		logger.WithError(cause).Error("job attempts exhausted, moving to dead list")
		if err := q.client.ZRem(ctx, scheduledKey, job.Id).Err(); err != nil {
			return err
		}
		if err := q.client.Expire(ctx, key, deadRetention).Err(); err != nil {
			return err
		}
		return q.client.LPush(ctx, deadKey, job.Id).Err()
	}

	delay := backoffBase << (attempts - 1)
	logger.WithError(cause).WithField("RetryIn", delay.String()).Warn("job failed, rescheduling")

	readyAt := time.Now().Add(delay)
	return q.client.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: job.Id,
	}).Err()
}

// promoteDue moves every scheduled job whose ready-time has passed onto the
// pending list.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())

	ids, err := q.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, scheduledKey, id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			// another worker promoted it first
			continue
		}
		if err := q.client.RPush(ctx, pendingKey, id).Err(); err != nil {
			return err
		}
	}

	return nil
}
