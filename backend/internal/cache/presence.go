package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// PresenceCache mirrors room liveness into Redis so a multi-node deployment
// shares one view of who is editing which form. Liveness is a logical TTL:
// the ZSET score is the expiry instant, refreshed on every heartbeat.
type PresenceCache interface {
	AddMember(ctx context.Context, formID, userID, displayName string, ttl time.Duration) error
	RemoveMember(ctx context.Context, formID, userID string) error
	GetAliveMembers(ctx context.Context, formID string) ([]Member, error)
	GetForms(ctx context.Context) ([]string, error)
	SetCursor(ctx context.Context, formID, userID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, formID, userID string) ([]byte, error)
}

type Member struct {
	UserID      string
	DisplayName string
}

type redisPresence struct {
	rdb redis.UniversalClient
	sf  singleflight.Group
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// AddMember registers or refreshes a member. Refreshing the TTL is the same
// call: the ZSET score is simply overwritten with the new expiry.
func (p *redisPresence) AddMember(ctx context.Context, formID, userID, displayName string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(formID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(formID), userID, displayName)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, formID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(formID), userID)
	tx.HDel(ctx, namesKey(formID), userID)
	tx.Del(ctx, cursorKey(formID, userID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetForms(ctx context.Context) ([]string, error) {
	var forms []string
	iter := p.rdb.Scan(ctx, 0, "presence:form:*", 0).Iterator()
	for iter.Next(ctx) {
		if formID, ok := formIDFromRoomKey(iter.Val()); ok {
			forms = append(forms, formID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return forms, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, formID, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(formID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, formID, userID string) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(formID, userID)).Bytes()
}

// expireScript drops members whose logical TTL has lapsed, atomically with
// the read that follows. score=expireAt (unix seconds); expireAt <= now is
// expired.
var expireScript = redis.NewScript(`
-- KEYS[1] = roomKey(formID)
-- KEYS[2] = namesKey(formID)
-- ARGV[1] = now (unix seconds)

local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// GetAliveMembers collapses concurrent reads for the same room into one
// Redis round trip.
func (p *redisPresence) GetAliveMembers(ctx context.Context, formID string) ([]Member, error) {
	v, err, _ := p.sf.Do("members:"+formID, func() (any, error) {
		return p.aliveMembers(ctx, formID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Member), nil
}

func (p *redisPresence) aliveMembers(ctx context.Context, formID string) ([]Member, error) {
	now := time.Now().Unix()

	if _, err := expireScript.Run(ctx, p.rdb, []string{roomKey(formID), namesKey(formID)}, now).Int(); err != nil && err != redis.Nil {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(formID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(formID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]Member, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, Member{UserID: id, DisplayName: name})
	}
	return members, nil
}
