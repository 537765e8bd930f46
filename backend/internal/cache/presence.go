package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 跨实例共享的在线状态。会话内存里的 participants 才是
// 权威数据，这里只承载心跳存活与最后光标，供其他实例/运维端点查询。
type PresenceCache interface {
	Heartbeat(ctx context.Context, session string, userID uint64, username string, ttl time.Duration) error
	AliveMembers(ctx context.Context, session string) ([]Member, error)
	Rooms(ctx context.Context) ([]string, error)
	SetCursor(ctx context.Context, session string, userID uint64, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, session string, userID uint64) ([]byte, error)
}

type Member struct {
	UserID   uint64
	Username string
}

type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// Heartbeat 刷新 TTL 也走这里。ZSET score 用 expireAt（Unix 秒）表达逻辑 TTL。
func (p *redisPresence) Heartbeat(ctx context.Context, session string, userID uint64, username string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(session), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(session), userID, username)
	_, err := tx.Exec(ctx)
	return err
}

// 清理过期成员并返回在线成员。约定 score=expireAt，expireAt <= now 视为过期。
var cleanupScript = redis.NewScript(`
-- KEYS[1] = roomKey(session)
-- KEYS[2] = namesKey(session)
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) AliveMembers(ctx context.Context, session string) ([]Member, error) {
	now := time.Now().Unix()
	if _, err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(session), namesKey(session)}, now).Int(); err != nil && err != redis.Nil {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(session), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	ids := make([]uint64, 0, len(aliveIDs))
	for _, raw := range aliveIDs {
		uid, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, uid)
	}

	names, err := p.rdb.HMGet(ctx, namesKey(session), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]Member, 0, len(ids))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, Member{UserID: ids[i], Username: name})
	}
	return members, nil
}

func (p *redisPresence) Rooms(ctx context.Context) ([]string, error) {
	var rooms []string
	iter := p.rdb.Scan(ctx, 0, "presence:room:*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		// namesKey 也以 presence:room: 开头，过滤掉
		if strings.Contains(k, ":names:") {
			continue
		}
		session := strings.TrimSuffix(strings.TrimPrefix(k, "presence:room:{"), "}")
		if session != "" {
			rooms = append(rooms, session)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, session string, userID uint64, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(session, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, session string, userID uint64) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(session, userID)).Bytes()
}
