package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/securebridge/dicom-bridge/internal/models"
)

// Key layout under <prefix>:
//
//	job:<id>     JSON job record
//	waiting      zset, score priority*1e13 + created ms
//	delayed      zset, score run-at ms
//	active       zset, score started ms
//	prio         hash id -> waiting score
//	completed    list of ids, newest first
//	failed       list of ids, newest first
//	dedup:<sop>  id of the non-terminal job for a SOP Instance UID

var addScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  local body = redis.call('GET', ARGV[4] .. existing)
  if body then
    return {0, body}
  end
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[3])
return {1, ARGV[2]}
`)

var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local score = redis.call('HGET', KEYS[4], id)
  if score then
    redis.call('ZADD', KEYS[2], score, id)
  end
end
local popped = redis.call('ZPOPMIN', KEYS[2])
if #popped == 0 then
  return false
end
redis.call('ZADD', KEYS[3], ARGV[1], popped[1])
return popped[1]
`)

var finishScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[2], 'EX', ARGV[4])
redis.call('ZREM', KEYS[2], ARGV[1])
if redis.call('GET', KEYS[4]) == ARGV[1] then
  redis.call('DEL', KEYS[4])
end
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('LPUSH', KEYS[3], ARGV[1])
redis.call('LTRIM', KEYS[3], 0, tonumber(ARGV[3]) - 1)
return 1
`)

var retryScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

var requeueScript = redis.NewScript(`
local started = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not started or tonumber(started) > tonumber(ARGV[2]) then
  return 0
end
local score = redis.call('HGET', KEYS[3], ARGV[1])
if not score then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], score, ARGV[1])
redis.call('SET', KEYS[4], ARGV[3])
return 1
`)

// RedisStore is a Store shared by every bridge replica
type RedisStore struct {
	client *redis.Client
	prefix string
	opts   StoreOptions
}

// NewRedisStore creates a store under prefix
func NewRedisStore(client *redis.Client, prefix string, opts StoreOptions) *RedisStore {
	opts.applyDefaults()
	return &RedisStore{client: client, prefix: prefix, opts: opts}
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisStore) jobKey(id string) string {
	return s.key("job", id)
}

func waitingScore(job *models.ProcessingJob) float64 {
	return float64(job.Priority)*1e13 + float64(job.CreatedAt.UnixMilli())
}

func (s *RedisStore) Add(ctx context.Context, job *models.ProcessingJob) (*models.ProcessingJob, bool, error) {
	stored := job.Clone()
	stored.State = models.JobStateWaiting
	body, err := json.Marshal(stored)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode job: %w", err)
	}

	res, err := addScript.Run(ctx, s.client,
		[]string{s.key("dedup", job.SOPInstanceUID), s.jobKey(job.ID), s.key("waiting"), s.key("prio")},
		job.ID, body, strconv.FormatFloat(waitingScore(job), 'f', 0, 64), s.key("job")+":",
	).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to add job: %w", err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("unexpected add reply: %v", res)
	}

	added, _ := res[0].(int64)
	raw, _ := res[1].(string)
	var out models.ProcessingJob
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, false, fmt.Errorf("failed to decode job: %w", err)
	}
	return &out, added == 1, nil
}

func (s *RedisStore) Claim(ctx context.Context, now time.Time) (*models.ProcessingJob, error) {
	id, err := claimScript.Run(ctx, s.client,
		[]string{s.key("delayed"), s.key("waiting"), s.key("active"), s.key("prio")},
		now.UnixMilli(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	started := now
	job.State = models.JobStateActive
	job.Attempts++
	job.StartedAt = &started
	job.UpdatedAt = now
	if err := s.save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *RedisStore) Complete(ctx context.Context, job *models.ProcessingJob) error {
	return s.finish(ctx, job, models.JobStateCompleted, "completed", s.opts.CompletedHistory)
}

func (s *RedisStore) Fail(ctx context.Context, job *models.ProcessingJob) error {
	return s.finish(ctx, job, models.JobStateFailed, "failed", s.opts.FailedHistory)
}

func (s *RedisStore) finish(ctx context.Context, job *models.ProcessingJob, state models.JobState, list string, limit int) error {
	stored := job.Clone()
	stored.State = state
	body, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	retention := int64(s.opts.Retention / time.Second)
	if retention < 1 {
		retention = 1
	}

	err = finishScript.Run(ctx, s.client,
		[]string{s.jobKey(job.ID), s.key("active"), s.key(list), s.key("dedup", job.SOPInstanceUID), s.key("prio")},
		job.ID, body, limit, retention,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to mark job %s: %w", state, err)
	}
	return nil
}

func (s *RedisStore) Retry(ctx context.Context, job *models.ProcessingJob) error {
	stored := job.Clone()
	stored.State = models.JobStateDelayed
	body, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	err = retryScript.Run(ctx, s.client,
		[]string{s.jobKey(job.ID), s.key("active"), s.key("delayed")},
		job.ID, body, job.RunAt.UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	return nil
}

func (s *RedisStore) RequeueStalled(ctx context.Context, cutoff time.Time) ([]*models.ProcessingJob, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.key("active"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan active jobs: %w", err)
	}

	var requeued []*models.ProcessingJob
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		job.State = models.JobStateWaiting
		job.LastError = "stalled"
		body, err := json.Marshal(job)
		if err != nil {
			return requeued, fmt.Errorf("failed to encode job: %w", err)
		}
		moved, err := requeueScript.Run(ctx, s.client,
			[]string{s.key("active"), s.key("waiting"), s.key("prio"), s.jobKey(id)},
			id, cutoff.UnixMilli(), body,
		).Int()
		if err != nil {
			return requeued, fmt.Errorf("failed to requeue job %s: %w", id, err)
		}
		if moved == 1 {
			requeued = append(requeued, job)
		}
	}
	return requeued, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.ProcessingJob, error) {
	raw, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	var job models.ProcessingJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

func (s *RedisStore) FindActive(ctx context.Context, sopInstanceUID string) (*models.ProcessingJob, error) {
	id, err := s.client.Get(ctx, s.key("dedup", sopInstanceUID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up job: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) Counts(ctx context.Context) (Counts, error) {
	var waiting, delayed, active, completed, failed *redis.IntCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.ZCard(ctx, s.key("waiting"))
		delayed = pipe.ZCard(ctx, s.key("delayed"))
		active = pipe.ZCard(ctx, s.key("active"))
		completed = pipe.LLen(ctx, s.key("completed"))
		failed = pipe.LLen(ctx, s.key("failed"))
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count jobs: %w", err)
	}
	return Counts{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) save(ctx context.Context, job *models.ProcessingJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := s.client.Set(ctx, s.jobKey(job.ID), body, 0).Err(); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}
