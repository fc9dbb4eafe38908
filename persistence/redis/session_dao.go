package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	rd "github.com/go-redis/redis/v9"
	"github.com/inboxflow/inboxflow/logger"
	"github.com/inboxflow/inboxflow/model"
	"github.com/inboxflow/inboxflow/persistence"
	"go.uber.org/zap"
)

const (
	SESSION_KEY     string = "SESSION"
	LOCKS_KEY       string = "LOCKS"
	LOCK_TOKENS_KEY string = "LOCKTOKENS"
	TIMEOUTS_KEY    string = "TIMEOUTS"
	CONTACT_IDX_KEY string = "CONTACT"
	FLOW_IDX_KEY    string = "FLOWIDX"
)

// acquireScript compare-and-sets the session lock: the token hash field is
// the authority, the ZSET mirrors acquisition time for the reaper's scan.
var acquireScript = rd.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 1 then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
  return 1
end
return 0
`)

// releaseScript clears the lock when the token matches (or unconditionally
// for an empty token). Releasing an unlocked session is a no-op.
var releaseScript = rd.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur == false then return 0 end
if ARGV[2] == '' or cur == ARGV[2] then
  redis.call('HDEL', KEYS[1], ARGV[1])
  redis.call('ZREM', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// popDueTimeoutsScript claims up to ARGV[2] due members, removing exactly
// what it returns so an overflow batch stays queued for the next poll.
var popDueTimeoutsScript = rd.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '0', ARGV[1], 'LIMIT', 0, ARGV[2])
for i = 1, #due do
  redis.call('ZREM', KEYS[1], due[i])
end
return due
`)

// saveOwnedScript writes the session blob only while the caller still holds
// the lock, and keeps the timeout index in step (empty ARGV[4] clears it).
var saveOwnedScript = rd.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur == false or cur ~= ARGV[2] then return 0 end
redis.call('SET', KEYS[2], ARGV[3])
if ARGV[4] == '' then
  redis.call('ZREM', KEYS[3], ARGV[1])
else
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
end
return 1
`)

type sessionDao struct {
	baseDao
	codec blobCodec[model.FlowSession]
}

var _ persistence.SessionStorage = new(sessionDao)

func (sd *sessionDao) sessionKey(id string) string {
	return sd.getNamespaceKey(SESSION_KEY, id)
}

func (sd *sessionDao) contactKey(contactId string, channelInstanceId string) string {
	return sd.getNamespaceKey(CONTACT_IDX_KEY, channelInstanceId, contactId)
}

func (sd *sessionDao) SaveSession(ctx context.Context, s *model.FlowSession) error {
	data, err := sd.codec.marshal(*s)
	if err != nil {
		return err
	}
	pipe := sd.redisClient.Pipeline()
	pipe.Set(ctx, sd.sessionKey(s.Id), string(data), 0)
	if s.TimeoutAt != nil {
		pipe.ZAdd(ctx, sd.getNamespaceKey(TIMEOUTS_KEY), rd.Z{
			Score:  float64(s.TimeoutAt.UnixMilli()),
			Member: s.Id,
		})
	} else {
		pipe.ZRem(ctx, sd.getNamespaceKey(TIMEOUTS_KEY), s.Id)
	}
	if s.Terminal() {
		pipe.SRem(ctx, sd.contactKey(s.ContactId, s.ChannelInstanceId), s.Id)
		pipe.SRem(ctx, sd.getNamespaceKey(FLOW_IDX_KEY, s.FlowId), s.Id)
	} else {
		pipe.SAdd(ctx, sd.contactKey(s.ContactId, s.ChannelInstanceId), s.Id)
		pipe.SAdd(ctx, sd.getNamespaceKey(FLOW_IDX_KEY, s.FlowId), s.Id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("error saving session", zap.String("session", s.Id), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (sd *sessionDao) SaveSessionOwned(ctx context.Context, s *model.FlowSession, token string) (bool, error) {
	data, err := sd.codec.marshal(*s)
	if err != nil {
		return false, err
	}
	timeoutScore := ""
	if s.TimeoutAt != nil {
		timeoutScore = strconv.FormatInt(s.TimeoutAt.UnixMilli(), 10)
	}
	keys := []string{
		sd.getNamespaceKey(LOCK_TOKENS_KEY),
		sd.sessionKey(s.Id),
		sd.getNamespaceKey(TIMEOUTS_KEY),
	}
	res, err := saveOwnedScript.Run(ctx, sd.redisClient, keys, s.Id, token, string(data), timeoutScore).Int()
	if err != nil {
		logger.Error("error saving owned session", zap.String("session", s.Id), zap.Error(err))
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	if res != 1 {
		return false, nil
	}
	// index maintenance is advisory; it does not need the lock's atomicity
	pipe := sd.redisClient.Pipeline()
	if s.Terminal() {
		pipe.SRem(ctx, sd.contactKey(s.ContactId, s.ChannelInstanceId), s.Id)
		pipe.SRem(ctx, sd.getNamespaceKey(FLOW_IDX_KEY, s.FlowId), s.Id)
	}
	_, _ = pipe.Exec(ctx)
	return true, nil
}

func (sd *sessionDao) GetSession(ctx context.Context, id string) (*model.FlowSession, error) {
	str, err := sd.redisClient.Get(ctx, sd.sessionKey(id)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.ErrNotFound
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	s, err := sd.codec.unmarshal([]byte(str))
	if err != nil {
		return nil, err
	}
	// the lock hash is authoritative for processing state
	token, err := sd.redisClient.HGet(ctx, sd.getNamespaceKey(LOCK_TOKENS_KEY), id).Result()
	if errors.Is(err, rd.Nil) {
		s.Processing = false
		s.ProcessingStartedAt = nil
		s.ProcessingToken = ""
		return s, nil
	}
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	s.Processing = true
	s.ProcessingToken = token
	if score, err := sd.redisClient.ZScore(ctx, sd.getNamespaceKey(LOCKS_KEY), id).Result(); err == nil {
		t := time.UnixMilli(int64(score))
		s.ProcessingStartedAt = &t
	}
	return s, nil
}

func (sd *sessionDao) FindActiveByContact(ctx context.Context, contactId string, channelInstanceId string) ([]model.FlowSession, error) {
	ids, err := sd.redisClient.SMembers(ctx, sd.contactKey(contactId, channelInstanceId)).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	var out []model.FlowSession
	for _, id := range ids {
		s, err := sd.GetSession(ctx, id)
		if errors.Is(err, persistence.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !s.Terminal() {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (sd *sessionDao) CountActiveByFlow(ctx context.Context, flowId string) (int, error) {
	n, err := sd.redisClient.SCard(ctx, sd.getNamespaceKey(FLOW_IDX_KEY, flowId)).Result()
	if err != nil {
		return 0, persistence.StorageLayerError{Message: err.Error()}
	}
	return int(n), nil
}

func (sd *sessionDao) TryAcquire(ctx context.Context, sessionId string, now time.Time, token string) (bool, error) {
	keys := []string{sd.getNamespaceKey(LOCK_TOKENS_KEY), sd.getNamespaceKey(LOCKS_KEY)}
	res, err := acquireScript.Run(ctx, sd.redisClient, keys, sessionId, token, now.UnixMilli()).Int()
	if err != nil {
		logger.Error("error acquiring session lock", zap.String("session", sessionId), zap.Error(err))
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	return res == 1, nil
}

func (sd *sessionDao) Release(ctx context.Context, sessionId string, token string) error {
	keys := []string{sd.getNamespaceKey(LOCK_TOKENS_KEY), sd.getNamespaceKey(LOCKS_KEY)}
	if _, err := releaseScript.Run(ctx, sd.redisClient, keys, sessionId, token).Int(); err != nil {
		logger.Error("error releasing session lock", zap.String("session", sessionId), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (sd *sessionDao) ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]model.FlowSession, error) {
	opt := &rd.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(olderThan.UnixMilli(), 10),
	}
	ids, err := sd.redisClient.ZRangeByScore(ctx, sd.getNamespaceKey(LOCKS_KEY), opt).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	var out []model.FlowSession
	for _, id := range ids {
		s, err := sd.GetSession(ctx, id)
		if errors.Is(err, persistence.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

func (sd *sessionDao) DueTimeouts(ctx context.Context, now time.Time, limit int) ([]string, error) {
	key := sd.getNamespaceKey(TIMEOUTS_KEY)
	max := strconv.FormatInt(now.UnixMilli(), 10)
	ids, err := popDueTimeoutsScript.Run(ctx, sd.redisClient, []string{key}, max, limit).StringSlice()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return []string{}, nil
		}
		logger.Error("error popping due timeouts", zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return ids, nil
}
