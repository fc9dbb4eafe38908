package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	rd "github.com/go-redis/redis/v9"
	"github.com/google/uuid"
	"github.com/inboxflow/inboxflow/logger"
	"github.com/inboxflow/inboxflow/model"
	"github.com/inboxflow/inboxflow/persistence"
	"go.uber.org/zap"
)

const (
	DELAY_KEY      string = "DELAY"
	DELAY_JOBS_KEY string = "DELAYJOBS"
)

// delayJobDao keeps the schedule in a ZSET with the session id as member and
// the fire time as score. Member uniqueness is what enforces the at-most-one
// scheduled job per session invariant: re-scheduling simply replaces the
// score. The job-id hash exists so callers see stable DelayJob records.
type delayJobDao struct {
	baseDao
}

// popDueJobsScript claims up to ARGV[2] due members with their scores,
// removing exactly what it returns. Members past the limit stay in the ZSET
// for the next poll.
var popDueJobsScript = rd.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '0', ARGV[1], 'WITHSCORES', 'LIMIT', 0, ARGV[2])
for i = 1, #due, 2 do
  redis.call('ZREM', KEYS[1], due[i])
end
return due
`)

var _ persistence.DelayJobStorage = new(delayJobDao)

func (dq *delayJobDao) Schedule(ctx context.Context, sessionId string, runAt time.Time) (string, error) {
	jobId := uuid.NewString()
	pipe := dq.redisClient.Pipeline()
	pipe.ZAdd(ctx, dq.getNamespaceKey(DELAY_KEY), rd.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: sessionId,
	})
	pipe.HSet(ctx, dq.getNamespaceKey(DELAY_JOBS_KEY), sessionId, jobId)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("error scheduling delay job", zap.String("session", sessionId), zap.Error(err))
		return "", persistence.StorageLayerError{Message: err.Error()}
	}
	return jobId, nil
}

func (dq *delayJobDao) Cancel(ctx context.Context, sessionId string) error {
	pipe := dq.redisClient.Pipeline()
	pipe.ZRem(ctx, dq.getNamespaceKey(DELAY_KEY), sessionId)
	pipe.HDel(ctx, dq.getNamespaceKey(DELAY_JOBS_KEY), sessionId)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("error cancelling delay job", zap.String("session", sessionId), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (dq *delayJobDao) Due(ctx context.Context, now time.Time, limit int) ([]model.DelayJob, error) {
	key := dq.getNamespaceKey(DELAY_KEY)
	max := strconv.FormatInt(now.UnixMilli(), 10)
	raw, err := popDueJobsScript.Run(ctx, dq.redisClient, []string{key}, max, limit).StringSlice()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		logger.Error("error popping due delay jobs", zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	jobs := make([]model.DelayJob, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		sessionId := raw[i]
		score, err := strconv.ParseFloat(raw[i+1], 64)
		if err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		jobId, err := dq.redisClient.HGet(ctx, dq.getNamespaceKey(DELAY_JOBS_KEY), sessionId).Result()
		if err != nil && !errors.Is(err, rd.Nil) {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		dq.redisClient.HDel(ctx, dq.getNamespaceKey(DELAY_JOBS_KEY), sessionId)
		jobs = append(jobs, model.DelayJob{
			Id:        jobId,
			SessionId: sessionId,
			RunAt:     time.UnixMilli(int64(score)),
			Status:    model.DELAY_JOB_FIRED,
		})
	}
	return jobs, nil
}

func (dq *delayJobDao) Scheduled(ctx context.Context, sessionId string) (*model.DelayJob, error) {
	score, err := dq.redisClient.ZScore(ctx, dq.getNamespaceKey(DELAY_KEY), sessionId).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.ErrNotFound
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	jobId, err := dq.redisClient.HGet(ctx, dq.getNamespaceKey(DELAY_JOBS_KEY), sessionId).Result()
	if err != nil && !errors.Is(err, rd.Nil) {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return &model.DelayJob{
		Id:        jobId,
		SessionId: sessionId,
		RunAt:     time.UnixMilli(int64(score)),
		Status:    model.DELAY_JOB_SCHEDULED,
	}, nil
}
