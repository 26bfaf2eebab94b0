package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Projection is the per-student denormalized view used for sequence and edit-window checks.
type Projection interface {
	// PeriodRecorded reports whether any entry exists for (period, session key).
	PeriodRecorded(ctx context.Context, key SessionKey, period int) (bool, error)
	// ClaimPeriod atomically reserves (period, session key). False means another writer holds it.
	ClaimPeriod(ctx context.Context, key SessionKey, period int, owner string) (bool, error)
	ReleasePeriod(ctx context.Context, key SessionKey, period int) error
	// Append adds an entry to the student's document, creating it if absent.
	Append(ctx context.Context, studentID string, e Entry) error
	Entries(ctx context.Context, studentID string) ([]Entry, error)
	// UpdateEntry edits the last entry satisfying match. False means no entry matched.
	UpdateEntry(ctx context.Context, studentID string, match EntryMatch, upd EntryUpdate) (bool, error)
	SessionStudents(ctx context.Context, key SessionKey) ([]string, error)
}

const updateRetries = 3

// RedisProjection keeps one list of JSON entries per student. The list expires
// ttl after it was created; appends never extend it.
type RedisProjection struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisProjection builds a projection store with the given document ttl.
func NewRedisProjection(client *redis.Client, ttl time.Duration) *RedisProjection {
	if ttl <= 0 {
		ttl = 28880 * time.Second
	}
	return &RedisProjection{client: client, ttl: ttl}
}

func studentKey(id string) string    { return "proj:student:" + id }
func sessionKey(k SessionKey) string { return "proj:session:" + k.String() }
func periodKey(k SessionKey, period int) string {
	return "proj:period:" + k.String() + ":" + strconv.Itoa(period)
}

func (p *RedisProjection) PeriodRecorded(ctx context.Context, key SessionKey, period int) (bool, error) {
	n, err := p.client.Exists(ctx, periodKey(key, period)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *RedisProjection) ClaimPeriod(ctx context.Context, key SessionKey, period int, owner string) (bool, error) {
	return p.client.SetNX(ctx, periodKey(key, period), owner, p.ttl).Result()
}

func (p *RedisProjection) ReleasePeriod(ctx context.Context, key SessionKey, period int) error {
	return p.client.Del(ctx, periodKey(key, period)).Err()
}

func (p *RedisProjection) Append(ctx context.Context, studentID string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	skey := studentKey(studentID)
	pipe := p.client.TxPipeline()
	length := pipe.RPush(ctx, skey, data)
	pipe.SAdd(ctx, sessionKey(e.Key()), studentID)
	pipe.Expire(ctx, sessionKey(e.Key()), p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	// A list of length one was just created; its expiry counts from now.
	if length.Val() == 1 {
		return p.client.Expire(ctx, skey, p.ttl).Err()
	}
	return nil
}

func (p *RedisProjection) Entries(ctx context.Context, studentID string) ([]Entry, error) {
	raw, err := p.client.LRange(ctx, studentKey(studentID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return decodeEntries(raw)
}

func (p *RedisProjection) UpdateEntry(ctx context.Context, studentID string, match EntryMatch, upd EntryUpdate) (bool, error) {
	skey := studentKey(studentID)
	var updated bool
	txf := func(tx *redis.Tx) error {
		updated = false
		raw, err := tx.LRange(ctx, skey, 0, -1).Result()
		if err != nil {
			return err
		}
		entries, err := decodeEntries(raw)
		if err != nil {
			return err
		}
		idx := lastMatch(entries, match)
		if idx < 0 {
			return nil
		}
		upd.apply(&entries[idx])
		data, err := json.Marshal(entries[idx])
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LSet(ctx, skey, int64(idx), data)
			return nil
		})
		if err == nil {
			updated = true
		}
		return err
	}
	for i := 0; i < updateRetries; i++ {
		err := p.client.Watch(ctx, txf, skey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return updated, err
	}
	return false, fmt.Errorf("projection update for %s: %w", studentID, redis.TxFailedErr)
}

func (p *RedisProjection) SessionStudents(ctx context.Context, key SessionKey) ([]string, error) {
	return p.client.SMembers(ctx, sessionKey(key)).Result()
}

func decodeEntries(raw []string) ([]Entry, error) {
	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("decode projection entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func lastMatch(entries []Entry, match EntryMatch) int {
	for i := len(entries) - 1; i >= 0; i-- {
		if match.Matches(entries[i]) {
			return i
		}
	}
	return -1
}
