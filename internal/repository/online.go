package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"project_hub/internal/domain"
	"project_hub/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KEYS[1] - счетчики, KEYS[2] - время активности.
// ARGV[1] - пользователь, ARGV[2] - время в мс, ARGV[3] - TTL в мс.
//
// Счетчик, чья отметка активности старше TTL, остался от упавшего узла и
// сбрасывается перед инкрементом.
var markOnlineScript = redis.NewScript(`
local seen = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0')
if tonumber(ARGV[2]) - seen > tonumber(ARGV[3]) then
	redis.call('HDEL', KEYS[1], ARGV[1])
end
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return n
`)

var markOfflineScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if n <= 0 then
	redis.call('HDEL', KEYS[1], ARGV[1])
	n = 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return n
`)

var touchScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return 1
`)

// OnlineRepository хранит число открытых соединений пользователя в организации.
// Счетчики лежат в hash presence:org:<id>, время активности в presence:org:<id>:seen.
// Оба ключа живут presenceTTL с последней записи; пользователь, не продлевавший
// отметку дольше TTL, считается офлайн независимо от счетчика.
type OnlineRepository interface {
	MarkOnline(ctx context.Context, orgID, userID uuid.UUID, at time.Time) (int64, error)
	MarkOffline(ctx context.Context, orgID, userID uuid.UUID, at time.Time) (int64, error)
	// Touch продлевает отметку активности. Возвращает false, если счетчика нет.
	Touch(ctx context.Context, orgID, userID uuid.UUID, at time.Time) (bool, error)
	List(ctx context.Context, orgID uuid.UUID) ([]domain.OnlineMember, error)
}

type onlineRepository struct {
	redis *redis.Client
	ttl   time.Duration
	log   logger.Logger
	now   func() time.Time
}

const defaultPresenceTTL = 3 * time.Minute

func NewOnlineRepository(redis *redis.Client, ttl time.Duration, log logger.Logger) OnlineRepository {
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	return &onlineRepository{redis: redis, ttl: ttl, log: log, now: time.Now}
}

func countersKey(orgID uuid.UUID) string {
	return fmt.Sprintf("presence:org:%s", orgID)
}

func seenKey(orgID uuid.UUID) string {
	return fmt.Sprintf("presence:org:%s:seen", orgID)
}

func (r *onlineRepository) run(ctx context.Context, script *redis.Script, orgID, userID uuid.UUID, at time.Time) (int64, error) {
	keys := []string{countersKey(orgID), seenKey(orgID)}
	return script.Run(ctx, r.redis, keys, userID.String(), at.UnixMilli(), r.ttl.Milliseconds()).Int64()
}

func (r *onlineRepository) MarkOnline(ctx context.Context, orgID, userID uuid.UUID, at time.Time) (int64, error) {
	n, err := r.run(ctx, markOnlineScript, orgID, userID, at)
	if err != nil {
		r.log.Error("Failed to mark user online", "error", err, "user_id", userID)
		return 0, err
	}
	return n, nil
}

func (r *onlineRepository) MarkOffline(ctx context.Context, orgID, userID uuid.UUID, at time.Time) (int64, error) {
	n, err := r.run(ctx, markOfflineScript, orgID, userID, at)
	if err != nil {
		r.log.Error("Failed to mark user offline", "error", err, "user_id", userID)
		return 0, err
	}
	return n, nil
}

func (r *onlineRepository) Touch(ctx context.Context, orgID, userID uuid.UUID, at time.Time) (bool, error) {
	n, err := r.run(ctx, touchScript, orgID, userID, at)
	if err != nil {
		r.log.Warn("Failed to refresh online state", "error", err, "user_id", userID)
		return false, err
	}
	return n == 1, nil
}

func (r *onlineRepository) List(ctx context.Context, orgID uuid.UUID) ([]domain.OnlineMember, error) {
	counters, err := r.redis.HGetAll(ctx, countersKey(orgID)).Result()
	if err != nil {
		r.log.Error("Failed to read presence counters", "error", err, "organization_id", orgID)
		return nil, err
	}
	seen, err := r.redis.HGetAll(ctx, seenKey(orgID)).Result()
	if err != nil {
		r.log.Error("Failed to read presence timestamps", "error", err, "organization_id", orgID)
		return nil, err
	}

	return onlineMembers(counters, seen, r.now(), r.ttl), nil
}

// onlineMembers собирает ответ из двух hash. Счетчик без свежей отметки
// активности не делает пользователя онлайн.
func onlineMembers(counters, seen map[string]string, now time.Time, ttl time.Duration) []domain.OnlineMember {
	members := make([]domain.OnlineMember, 0, len(seen))
	for rawID, rawSeen := range seen {
		userID, err := uuid.Parse(rawID)
		if err != nil {
			continue
		}
		member := domain.OnlineMember{UserID: userID}
		fresh := false
		if ms, err := strconv.ParseInt(rawSeen, 10, 64); err == nil {
			member.LastActiveAt = time.UnixMilli(ms).UTC()
			fresh = now.Sub(member.LastActiveAt) <= ttl
		}
		if rawCount, ok := counters[rawID]; ok && fresh {
			member.Connections, _ = strconv.ParseInt(rawCount, 10, 64)
			member.Online = member.Connections > 0
		}
		members = append(members, member)
	}
	return members
}
