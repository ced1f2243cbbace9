package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/convoy/server/domain"
	"github.com/itskum47/convoy/server/observability"
)

// ackCursorScript advances the cursor only forward and returns the
// effective value. Keeping it in Lua makes concurrent acks safe without a
// read-modify-write race.
const ackCursorScript = `
	local cur = tonumber(redis.call("get", KEYS[1]) or "0")
	local seq = tonumber(ARGV[1])
	if seq > cur then
		redis.call("set", KEYS[1], seq)
		return seq
	end
	return cur
`

// RedisCache implements Cache on a Redis backend.
type RedisCache struct {
	client       *redis.Client
	ackCursorSHA string
}

// NewRedisCache connects, verifies the connection, and preloads the cursor
// script so it is not sent over the wire on every ack.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	sha, err := client.ScriptLoad(ctx, ackCursorScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload ack cursor script: " + err.Error())
	}

	return &RedisCache{client: client, ackCursorSHA: sha}, nil
}

func (c *RedisCache) Close() error { return c.client.Close() }

func observe(start time.Time) {
	observability.CacheLatency.Observe(time.Since(start).Seconds())
}

// --- Hot locations ---

func (c *RedisCache) SetLocation(ctx context.Context, rec *domain.LocationRecord) error {
	defer observe(time.Now())
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}
	return c.client.Set(ctx, LocationKey(rec.JourneyID, rec.UserID), data, HotLocationTTL).Err()
}

func (c *RedisCache) GetLocation(ctx context.Context, journeyID, userID string) (*domain.LocationRecord, error) {
	defer observe(time.Now())
	data, err := c.client.Get(ctx, LocationKey(journeyID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec domain.LocationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal location: %w", err)
	}
	return &rec, nil
}

func (c *RedisCache) ListLocations(ctx context.Context, journeyID string) (map[string]*domain.LocationRecord, error) {
	defer observe(time.Now())
	prefix := LocationKey(journeyID, "")
	iter := c.client.Scan(ctx, 0, prefix+"*", 0).Iterator()

	out := make(map[string]*domain.LocationRecord)
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := c.client.Get(ctx, key).Bytes()
		if err != nil {
			continue // expired between SCAN and GET
		}
		var rec domain.LocationRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out[strings.TrimPrefix(key, prefix)] = &rec
	}
	return out, iter.Err()
}

// --- Sequences and cursors ---

func (c *RedisCache) NextSequence(ctx context.Context, journeyID string) (int64, error) {
	defer observe(time.Now())
	return c.client.Incr(ctx, SequenceKey(journeyID)).Result()
}

func (c *RedisCache) CurrentSequence(ctx context.Context, journeyID string) (int64, error) {
	defer observe(time.Now())
	val, err := c.client.Get(ctx, SequenceKey(journeyID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

func (c *RedisCache) SetAckCursor(ctx context.Context, journeyID, userID string, seq int64) (int64, error) {
	defer observe(time.Now())
	res, err := c.client.EvalSha(ctx, c.ackCursorSHA, []string{CursorKey(journeyID, userID)}, seq).Result()
	if err != nil {
		return 0, err
	}
	cur, ok := res.(int64)
	if !ok {
		return 0, errors.New("unexpected return type from cursor script")
	}
	return cur, nil
}

func (c *RedisCache) GetAckCursor(ctx context.Context, journeyID, userID string) (int64, error) {
	defer observe(time.Now())
	val, err := c.client.Get(ctx, CursorKey(journeyID, userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// --- Pending delivery queues ---

func (c *RedisCache) AppendPending(ctx context.Context, env *domain.PendingEnvelope) error {
	defer observe(time.Now())
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	key := PendingKey(env.JourneyID, env.TargetUserID)
	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, PendingTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *RedisCache) ListPending(ctx context.Context, journeyID, userID string) ([]domain.PendingEnvelope, error) {
	defer observe(time.Now())
	items, err := c.client.LRange(ctx, PendingKey(journeyID, userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	envs := make([]domain.PendingEnvelope, 0, len(items))
	for _, item := range items {
		var env domain.PendingEnvelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			continue
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func (c *RedisCache) ReplacePending(ctx context.Context, journeyID, userID string, envs []domain.PendingEnvelope) error {
	defer observe(time.Now())
	key := PendingKey(journeyID, userID)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(envs) > 0 {
		vals := make([]interface{}, 0, len(envs))
		for i := range envs {
			data, err := json.Marshal(&envs[i])
			if err != nil {
				return fmt.Errorf("failed to marshal envelope: %w", err)
			}
			vals = append(vals, data)
		}
		pipe.RPush(ctx, key, vals...)
		pipe.Expire(ctx, key, PendingTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) DropPendingThrough(ctx context.Context, journeyID, userID string, seq int64) error {
	envs, err := c.ListPending(ctx, journeyID, userID)
	if err != nil {
		return err
	}
	keep := envs[:0]
	for _, env := range envs {
		if env.SequenceNumber > seq {
			keep = append(keep, env)
		}
	}
	if len(keep) == len(envs) {
		return nil
	}
	return c.ReplacePending(ctx, journeyID, userID, keep)
}

// --- Roster ---

func (c *RedisCache) AddRosterMember(ctx context.Context, journeyID, userID string) error {
	defer observe(time.Now())
	return c.client.SAdd(ctx, RosterKey(journeyID), userID).Err()
}

func (c *RedisCache) RemoveRosterMember(ctx context.Context, journeyID, userID string) error {
	defer observe(time.Now())
	return c.client.SRem(ctx, RosterKey(journeyID), userID).Err()
}

func (c *RedisCache) GetRoster(ctx context.Context, journeyID string) ([]string, error) {
	defer observe(time.Now())
	return c.client.SMembers(ctx, RosterKey(journeyID)).Result()
}

func (c *RedisCache) SeedRoster(ctx context.Context, journeyID string, userIDs []string) error {
	defer observe(time.Now())
	key := RosterKey(journeyID)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(userIDs) > 0 {
		members := make([]interface{}, len(userIDs))
		for i, id := range userIDs {
			members[i] = id
		}
		pipe.SAdd(ctx, key, members...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// --- Leader pointer ---

func (c *RedisCache) SetLeader(ctx context.Context, journeyID, userID string) error {
	defer observe(time.Now())
	return c.client.Set(ctx, LeaderKey(journeyID), userID, 0).Err()
}

func (c *RedisCache) GetLeader(ctx context.Context, journeyID string) (string, error) {
	defer observe(time.Now())
	val, err := c.client.Get(ctx, LeaderKey(journeyID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// --- Active journeys ---

func (c *RedisCache) AddActiveJourney(ctx context.Context, journeyID string) error {
	defer observe(time.Now())
	return c.client.SAdd(ctx, ActiveJourneysKey(), journeyID).Err()
}

func (c *RedisCache) RemoveActiveJourney(ctx context.Context, journeyID string) error {
	defer observe(time.Now())
	return c.client.SRem(ctx, ActiveJourneysKey(), journeyID).Err()
}

func (c *RedisCache) ListActiveJourneys(ctx context.Context) ([]string, error) {
	defer observe(time.Now())
	return c.client.SMembers(ctx, ActiveJourneysKey()).Result()
}

// --- Rooms ---

func (c *RedisCache) AddRoomMember(ctx context.Context, journeyID, connID string) error {
	defer observe(time.Now())
	return c.client.SAdd(ctx, RoomKey(journeyID), connID).Err()
}

func (c *RedisCache) RemoveRoomMember(ctx context.Context, journeyID, connID string) error {
	defer observe(time.Now())
	return c.client.SRem(ctx, RoomKey(journeyID), connID).Err()
}

func (c *RedisCache) GetRoomMembers(ctx context.Context, journeyID string) ([]string, error) {
	defer observe(time.Now())
	return c.client.SMembers(ctx, RoomKey(journeyID)).Result()
}

// --- Connection registry ---

func (c *RedisCache) SetConnUser(ctx context.Context, connID, userID string) error {
	defer observe(time.Now())
	return c.client.Set(ctx, ConnKey(connID), userID, 0).Err()
}

func (c *RedisCache) GetConnUser(ctx context.Context, connID string) (string, error) {
	defer observe(time.Now())
	val, err := c.client.Get(ctx, ConnKey(connID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (c *RedisCache) DeleteConn(ctx context.Context, connID string) error {
	defer observe(time.Now())
	return c.client.Del(ctx, ConnKey(connID)).Err()
}

// --- Rate limiting ---

func (c *RedisCache) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	defer observe(time.Now())
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		// First hit in this window owns the TTL.
		if err := c.client.Expire(ctx, key, window).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// --- Serialization keys ---

func (c *RedisCache) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	defer observe(time.Now())
	return c.client.SetNX(ctx, LockKey(name), "1", ttl).Result()
}

func (c *RedisCache) Unlock(ctx context.Context, name string) error {
	defer observe(time.Now())
	return c.client.Del(ctx, LockKey(name)).Err()
}
