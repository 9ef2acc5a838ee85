package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keySession    = "session:"
	keyQueue      = "queue:"
	suffixUpdates = ":updates"
	suffixConns   = ":conns"
	suffixLease   = ":lease"
)

// casScript writes the new record only when the stored record's version is
// exactly one behind. A missing key accepts only version 1.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  if ARGV[2] == '1' then
    redis.call('SET', KEYS[1], ARGV[1])
    return 1
  end
  return 0
end
local rec = cjson.decode(cur)
if tostring(rec['version']) == ARGV[3] then
  redis.call('SET', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

// popScript pops exactly n entries or nothing. The length guard and the
// pop execute as one script, so concurrent callers cannot split a group.
var popScript = redis.NewScript(`
local n = tonumber(ARGV[1])
if redis.call('LLEN', KEYS[1]) < n then
  return nil
end
return redis.call('LPOP', KEYS[1], n)
`)

// leaveScript removes the caller's serialized entry plus its markers.
var leaveScript = redis.NewScript(`
local entry = redis.call('GET', KEYS[2])
if not entry then
  return 0
end
local removed = redis.call('LREM', KEYS[1], 1, entry)
redis.call('DEL', KEYS[2], KEYS[3])
return removed
`)

var refreshLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore is the production SessionStore: a shared redis keyspace plus
// one pub/sub channel per session.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedis(addr, password string, db int) *RedisStore {
	return &RedisStore{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	data, err := s.rdb.Get(ctx, keySession+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) PutSession(ctx context.Context, rec *SessionRecord) error {
	if rec.Version != 1 {
		return errors.New("new session must have version 1")
	}
	return s.writeCAS(ctx, rec)
}

func (s *RedisStore) SetSessionCAS(ctx context.Context, rec *SessionRecord) error {
	return s.writeCAS(ctx, rec)
}

func (s *RedisStore) writeCAS(ctx context.Context, rec *SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ok, err := casScript.Run(ctx, s.rdb, []string{keySession + rec.ID},
		string(data), strconv.FormatInt(rec.Version, 10), strconv.FormatInt(rec.Version-1, 10)).Int()
	if err != nil {
		return err
	}
	if ok != 1 {
		return ErrConflict
	}
	return nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	rec, err := s.GetSession(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keySession+id, keySession+id+suffixConns, keySession+id+suffixLease)
	if rec != nil {
		for _, p := range rec.Players {
			pipe.Del(ctx, playerSessionKey(p))
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

func playerSessionKey(playerID string) string  { return "player:" + playerID + ":session" }
func playerQueueKey(playerID string) string    { return "player:" + playerID + ":queue" }
func playerQueueEntryKey(playerID string) string { return "player:" + playerID + ":queueentry" }

func (s *RedisStore) SessionForPlayer(ctx context.Context, playerID string) (string, error) {
	id, err := s.rdb.Get(ctx, playerSessionKey(playerID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return id, err
}

func (s *RedisStore) BindPlayer(ctx context.Context, playerID, sessionID string) error {
	return s.rdb.Set(ctx, playerSessionKey(playerID), sessionID, 0).Err()
}

func (s *RedisStore) UnbindPlayer(ctx context.Context, playerID string) error {
	return s.rdb.Del(ctx, playerSessionKey(playerID)).Err()
}

func (s *RedisStore) JoinQueue(ctx context.Context, gameID string, entry QueueEntry) (int64, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, err
	}
	pipe := s.rdb.TxPipeline()
	push := pipe.RPush(ctx, keyQueue+gameID, data)
	pipe.Set(ctx, playerQueueKey(entry.PlayerID), gameID, 0)
	pipe.Set(ctx, playerQueueEntryKey(entry.PlayerID), data, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return push.Val(), nil
}

func (s *RedisStore) LeaveQueue(ctx context.Context, gameID, playerID string) (bool, error) {
	removed, err := leaveScript.Run(ctx, s.rdb,
		[]string{keyQueue + gameID, playerQueueEntryKey(playerID), playerQueueKey(playerID)}).Int()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

func (s *RedisStore) PopQueue(ctx context.Context, gameID string, n int) ([]QueueEntry, error) {
	raw, err := popScript.Run(ctx, s.rdb, []string{keyQueue + gameID}, n).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entries := make([]QueueEntry, 0, len(raw))
	pipe := s.rdb.TxPipeline()
	for _, item := range raw {
		var entry QueueEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		pipe.Del(ctx, playerQueueKey(entry.PlayerID), playerQueueEntryKey(entry.PlayerID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *RedisStore) QueueLen(ctx context.Context, gameID string) (int64, error) {
	return s.rdb.LLen(ctx, keyQueue+gameID).Result()
}

func (s *RedisStore) QueuedGame(ctx context.Context, playerID string) (string, error) {
	gameID, err := s.rdb.Get(ctx, playerQueueKey(playerID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return gameID, err
}

func (s *RedisStore) Publish(ctx context.Context, sessionID string, upd Update) error {
	data, err := json.Marshal(upd)
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, keySession+sessionID+suffixUpdates, data).Err()
}

type redisSubscription struct {
	ps *redis.PubSub
	ch chan Update
}

func (s *RedisStore) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	ps := s.rdb.Subscribe(ctx, keySession+sessionID+suffixUpdates)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub := &redisSubscription{ps: ps, ch: make(chan Update, 32)}
	go sub.loop()
	return sub, nil
}

func (sub *redisSubscription) loop() {
	defer close(sub.ch)
	for msg := range sub.ps.Channel() {
		var upd Update
		if err := json.Unmarshal([]byte(msg.Payload), &upd); err != nil {
			continue
		}
		select {
		case sub.ch <- upd:
		default:
		}
	}
}

func (sub *redisSubscription) Updates() <-chan Update { return sub.ch }
func (sub *redisSubscription) Close() error           { return sub.ps.Close() }

func (s *RedisStore) IncrConns(ctx context.Context, sessionID string) (int64, error) {
	return s.rdb.Incr(ctx, keySession+sessionID+suffixConns).Result()
}

func (s *RedisStore) DecrConns(ctx context.Context, sessionID string) (int64, error) {
	n, err := s.rdb.Decr(ctx, keySession+sessionID+suffixConns).Result()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		// Decrement raced a session teardown; pin at zero.
		_ = s.rdb.Set(ctx, keySession+sessionID+suffixConns, 0, 0).Err()
		return 0, nil
	}
	return n, nil
}

func (s *RedisStore) Conns(ctx context.Context, sessionID string) (int64, error) {
	n, err := s.rdb.Get(ctx, keySession+sessionID+suffixConns).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *RedisStore) AcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, keySession+sessionID+suffixLease, owner, ttl).Result()
}

func (s *RedisStore) RefreshLease(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	ok, err := refreshLeaseScript.Run(ctx, s.rdb,
		[]string{keySession + sessionID + suffixLease}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return ok == 1, nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, sessionID, owner string) error {
	return releaseLeaseScript.Run(ctx, s.rdb,
		[]string{keySession + sessionID + suffixLease}, owner).Err()
}

