package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"relaybot/pkg/logx"
)

const (
	defaultRedisPrefix = "relay:"
	auditListMax       = 10000
	scanBatch          = 200
)

// redisStore keeps each mapping under its own key so writes stay O(1):
//
//	<prefix>map:<session>:<message>  JSON Mapping
//	<prefix>dedup:<key>              unix milli, expires at the dedup deadline
//	<prefix>audit                    list of JSON AuditEntry, newest first, capped
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	log.Info("redis storage opened", logx.String("addr", addr), logx.Int("db", cfg.Redis.DB))
	return newRedisStore(client, cfg.Redis.Prefix, log), nil
}

func newRedisStore(client *redis.Client, prefix string, log logx.Logger) *redisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &redisStore{client: client, prefix: prefix, log: log}
}

func (s *redisStore) mapKey(sessionID, sourceMessageID string) string {
	return s.prefix + "map:" + sessionID + ":" + sourceMessageID
}

func (s *redisStore) dedupKey(key string) string { return s.prefix + "dedup:" + key }
func (s *redisStore) auditKey() string           { return s.prefix + "audit" }

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	e.normalize()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.auditKey(), b)
	pipe.LTrim(ctx, s.auditKey(), 0, auditListMax-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return s.client.Del(ctx, s.dedupKey(key)).Err()
	}
	return s.client.Set(ctx, s.dedupKey(key), until.UnixMilli(), ttl).Err()
}

func (s *redisStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	v, err := s.client.Get(ctx, s.dedupKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("dedup %q: %w", key, err)
	}
	return time.UnixMilli(ms), true, nil
}

func (s *redisStore) PutMapping(ctx context.Context, m Mapping) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.mapKey(m.SessionID, m.SourceMessageID), b, 0).Err()
}

func (s *redisStore) DeleteMapping(ctx context.Context, sessionID, sourceMessageID string) error {
	return s.client.Del(ctx, s.mapKey(sessionID, sourceMessageID)).Err()
}

func (s *redisStore) LoadMappings(ctx context.Context) ([]Mapping, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"map:*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	out := make([]Mapping, 0, len(keys))
	for start := 0; start < len(keys); start += scanBatch {
		end := min(start+scanBatch, len(keys))
		vals, err := s.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, err
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			var m Mapping
			if err := json.Unmarshal([]byte(str), &m); err != nil {
				s.log.Warn("skipping unreadable mapping", logx.String("key", keys[start+i]), logx.Err(err))
				continue
			}
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
