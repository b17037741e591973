package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zsiec/cadence/internal/logger"
)

const (
	DefaultKeyPrefix = "cadence:sessions:"
	DefaultTTL       = 30 * time.Second
)

// heartbeatScript refreshes last_heartbeat in place and extends the TTL.
var heartbeatScript = redis.NewScript(`
	local data = redis.call('GET', KEYS[1])
	if not data then
		return 0
	end
	local rec = cjson.decode(data)
	rec.last_heartbeat = ARGV[2]
	redis.call('SET', KEYS[1], cjson.encode(rec), 'PX', tonumber(ARGV[1]))
	return 1
`)

// listScript returns every live record and prunes expired IDs from the
// active set.
var listScript = redis.NewScript(`
	local ids = redis.call('SMEMBERS', KEYS[1])
	local out = {}
	for _, id in ipairs(ids) do
		local data = redis.call('GET', ARGV[1] .. id)
		if data then
			table.insert(out, data)
		else
			redis.call('SREM', KEYS[1], id)
		end
	end
	return out
`)

// Redis is a Registry backed by one JSON value per session with a TTL, plus a
// set of active IDs.
type Redis struct {
	client redis.UniversalClient
	log    logger.Logger
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedis(client redis.UniversalClient, log logger.Logger, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &Redis{
		client: client,
		log:    log.WithField("component", "registry"),
		prefix: prefix,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (r *Redis) key(id string) string { return r.prefix + id }
func (r *Redis) activeKey() string    { return r.prefix + "active" }

func (r *Redis) Register(ctx context.Context, rec *Record) error {
	now := r.now()
	rec.CreatedAt = now
	existing, err := r.Get(ctx, rec.ID)
	switch {
	case err == nil:
		rec.CreatedAt = existing.CreatedAt
	case !errors.Is(err, ErrNotFound):
		return fmt.Errorf("failed to check existing session: %w", err)
	}
	rec.LastHeartbeat = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.key(rec.ID), data, r.ttl)
		p.SAdd(ctx, r.activeKey(), rec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}

	r.log.WithFields(map[string]interface{}{
		"session_id": rec.ID,
		"resource":   rec.Resource,
		"node":       rec.Node,
	}).Debug("Session registered")
	return nil
}

func (r *Redis) Update(ctx context.Context, rec *Record) error {
	rec.LastHeartbeat = r.now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	// XX keeps a late update from resurrecting an unregistered session.
	ok, err := r.client.SetXX(ctx, r.key(rec.ID), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
	}
	return nil
}

func (r *Redis) Heartbeat(ctx context.Context, id string) error {
	now := r.now().Format(time.RFC3339Nano)
	n, err := heartbeatScript.Run(ctx, r.client, []string{r.key(id)}, r.ttl.Milliseconds(), now).Int()
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (*Record, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &rec, nil
}

func (r *Redis) List(ctx context.Context) ([]*Record, error) {
	res, err := listScript.Run(ctx, r.client, []string{r.activeKey()}, r.prefix).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	out := make([]*Record, 0, len(res))
	for _, data := range res {
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			r.log.WithError(err).Warn("Skipping unreadable session record")
			continue
		}
		out = append(out, &rec)
	}
	sortRecords(out)
	return out, nil
}

func (r *Redis) Unregister(ctx context.Context, id string) error {
	deleted, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to unregister session: %w", err)
	}
	if err := r.client.SRem(ctx, r.activeKey(), id).Err(); err != nil {
		r.log.WithError(err).Warnf("Failed to remove session %s from active set", id)
	}
	if deleted == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.log.WithField("session_id", id).Debug("Session unregistered")
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Registry = (*Redis)(nil)
