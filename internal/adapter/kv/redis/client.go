// Package redis implements the coordination KV port: the due set, the job
// dispatch cache, per-job locks, dispatcher leadership, running markers,
// worker presence, and the cancellation pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Milvasoft/milvaion-sub004/internal/config"
	"github.com/Milvasoft/milvaion-sub004/internal/domain"
	"github.com/Milvasoft/milvaion-sub004/internal/observability"
)

const (
	keyDue           = "due"
	keyJobPrefix     = "job:"
	keyLockPrefix    = "lock:"
	keyLeader        = "leader:dispatcher"
	keyRunningPrefix = "running:"
	keyWorkerPrefix  = "worker:"
	keyControl       = "dispatcher:control"
	channelCancel    = "cancellation_channel"

	jobCacheTTL = 24 * time.Hour
	scanCount   = 200
)

// scheduleScript upserts the due-set entry and rewrites the cache hash in one
// round trip so a crash between the two writes cannot strand a job.
var scheduleScript = goredis.NewScript(`
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[2])
if #ARGV > 3 then
  redis.call("DEL", KEYS[2])
  for i = 4, #ARGV, 2 do
    redis.call("HSET", KEYS[2], ARGV[i], ARGV[i+1])
  end
  redis.call("EXPIRE", KEYS[2], ARGV[3])
end
return 1
`)

var unscheduleScript = goredis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
if ARGV[2] == "1" then
  redis.call("DEL", KEYS[2])
end
return 1
`)

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the key TTL only when the caller still owns it.
var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Client implements domain.KV on go-redis. All short operations run through
// an ObservableClient guard (circuit breaker + adaptive timeout).
type Client struct {
	rdb    *goredis.Client
	prefix string
	guard  *observability.ObservableClient
}

// New connects a client according to cfg.
func New(cfg config.KVConfig) *Client {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		DB:          cfg.Database,
		DialTimeout: cfg.ConnectTimeout(),
	})
	return NewWithClient(rdb, cfg.KeyPrefix, cfg.SyncTimeout())
}

// NewWithClient wraps an existing go-redis client; used by tests.
func NewWithClient(rdb *goredis.Client, prefix string, syncTimeout time.Duration) *Client {
	if syncTimeout <= 0 {
		syncTimeout = 3 * time.Second
	}
	guard := observability.NewObservableClient(
		observability.ConnectionTypeKV,
		observability.OperationTypeQuery,
		rdb.Options().Addr,
		syncTimeout, syncTimeout/2, 3*syncTimeout,
	)
	return &Client{rdb: rdb, prefix: prefix, guard: guard}
}

func (c *Client) key(suffix string) string { return c.prefix + suffix }

func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return c.guard.ExecuteWithMetrics(ctx, op, fn)
}

// Stats exposes the guard health snapshot for readiness reporting.
func (c *Client) Stats() map[string]interface{} {
	return c.guard.GetHealthStatus()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// ScheduleJob atomically upserts the due-set entry and the cache hash.
func (c *Client) ScheduleJob(ctx domain.Context, j domain.Job, at time.Time) error {
	args := make([]interface{}, 0, 3+2*12)
	args = append(args, at.Unix(), j.ID, int(jobCacheTTL.Seconds()))
	args = append(args, jobToFieldArgs(j)...)
	err := c.do(ctx, "schedule_job", func(ctx context.Context) error {
		return scheduleScript.Run(ctx, c.rdb, []string{c.key(keyDue), c.key(keyJobPrefix + j.ID)}, args...).Err()
	})
	if err != nil {
		return fmt.Errorf("op=kv.ScheduleJob: %w", err)
	}
	return nil
}

// UnscheduleJob removes the due-set entry; evict also drops the cache hash.
func (c *Client) UnscheduleJob(ctx domain.Context, jobID string, evict bool) error {
	flag := "0"
	if evict {
		flag = "1"
	}
	err := c.do(ctx, "unschedule_job", func(ctx context.Context) error {
		return unscheduleScript.Run(ctx, c.rdb, []string{c.key(keyDue), c.key(keyJobPrefix + jobID)}, jobID, flag).Err()
	})
	if err != nil {
		return fmt.Errorf("op=kv.UnscheduleJob: %w", err)
	}
	return nil
}

// DueJobIDs returns up to limit job ids whose fire time is at or before until.
func (c *Client) DueJobIDs(ctx domain.Context, until time.Time, limit int64) ([]string, error) {
	var ids []string
	err := c.do(ctx, "due_job_ids", func(ctx context.Context) error {
		res, err := c.rdb.ZRangeByScore(ctx, c.key(keyDue), &goredis.ZRangeBy{
			Min:    "-inf",
			Max:    strconv.FormatInt(until.Unix(), 10),
			Offset: 0,
			Count:  limit,
		}).Result()
		if err != nil {
			return err
		}
		ids = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=kv.DueJobIDs: %w", err)
	}
	return ids, nil
}

// CachedJob loads the dispatch cache hash; ok is false when the hash expired.
func (c *Client) CachedJob(ctx domain.Context, jobID string) (domain.Job, bool, error) {
	var fields map[string]string
	err := c.do(ctx, "cached_job", func(ctx context.Context) error {
		res, err := c.rdb.HGetAll(ctx, c.key(keyJobPrefix+jobID)).Result()
		if err != nil {
			return err
		}
		fields = res
		return nil
	})
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=kv.CachedJob: %w", err)
	}
	if len(fields) == 0 {
		return domain.Job{}, false, nil
	}
	j, err := jobFromFields(fields)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=kv.CachedJob: %w", err)
	}
	return j, true, nil
}

// RefreshCache rewrites the cache hash and resets its TTL.
func (c *Client) RefreshCache(ctx domain.Context, j domain.Job) error {
	key := c.key(keyJobPrefix + j.ID)
	err := c.do(ctx, "refresh_cache", func(ctx context.Context) error {
		pipe := c.rdb.TxPipeline()
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, jobToFieldArgs(j)...)
		pipe.Expire(ctx, key, jobCacheTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=kv.RefreshCache: %w", err)
	}
	return nil
}

// AcquireLock takes the per-job dispatch lock; ok is false when held elsewhere.
func (c *Client) AcquireLock(ctx domain.Context, key string, ttl time.Duration) (string, bool, error) {
	token := domain.NewLockToken()
	var ok bool
	err := c.do(ctx, "acquire_lock", func(ctx context.Context) error {
		res, err := c.rdb.SetNX(ctx, c.key(keyLockPrefix+key), token, ttl).Result()
		if err != nil {
			return err
		}
		ok = res
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("op=kv.AcquireLock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock releases only when token still owns the lock.
func (c *Client) ReleaseLock(ctx domain.Context, key, token string) error {
	err := c.do(ctx, "release_lock", func(ctx context.Context) error {
		return releaseScript.Run(ctx, c.rdb, []string{c.key(keyLockPrefix + key)}, token).Err()
	})
	if err != nil {
		return fmt.Errorf("op=kv.ReleaseLock: %w", err)
	}
	return nil
}

// AcquireLeadership claims the dispatcher leader key for this instance.
func (c *Client) AcquireLeadership(ctx domain.Context, instanceID string, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.do(ctx, "acquire_leadership", func(ctx context.Context) error {
		res, err := c.rdb.SetNX(ctx, c.key(keyLeader), instanceID, ttl).Result()
		if err != nil {
			return err
		}
		ok = res
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("op=kv.AcquireLeadership: %w", err)
	}
	return ok, nil
}

// RenewLeadership extends the leader TTL while this instance still holds it.
func (c *Client) RenewLeadership(ctx domain.Context, instanceID string, ttl time.Duration) (bool, error) {
	var renewed bool
	err := c.do(ctx, "renew_leadership", func(ctx context.Context) error {
		res, err := renewScript.Run(ctx, c.rdb, []string{c.key(keyLeader)}, instanceID, ttl.Milliseconds()).Int()
		if err != nil {
			return err
		}
		renewed = res == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("op=kv.RenewLeadership: %w", err)
	}
	return renewed, nil
}

// MarkRunning records the active occurrence for a job. The value embeds the
// mark time so crash leftovers can be aged out.
func (c *Client) MarkRunning(ctx domain.Context, jobID, occurrenceID string, ttl time.Duration) error {
	value := occurrenceID + ":" + strconv.FormatInt(time.Now().Unix(), 10)
	err := c.do(ctx, "mark_running", func(ctx context.Context) error {
		return c.rdb.Set(ctx, c.key(keyRunningPrefix+jobID), value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("op=kv.MarkRunning: %w", err)
	}
	return nil
}

// RunningOccurrence returns the occurrence currently marked running for jobID.
func (c *Client) RunningOccurrence(ctx domain.Context, jobID string) (string, bool, error) {
	var raw string
	found := false
	err := c.do(ctx, "running_occurrence", func(ctx context.Context) error {
		res, err := c.rdb.Get(ctx, c.key(keyRunningPrefix+jobID)).Result()
		if err != nil {
			if isNil(err) {
				return nil
			}
			return err
		}
		raw = res
		found = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("op=kv.RunningOccurrence: %w", err)
	}
	if !found {
		return "", false, nil
	}
	occID, _, ok := splitRunningValue(raw)
	if !ok {
		return "", false, nil
	}
	return occID, true, nil
}

// ClearRunning drops the running marker for a job.
func (c *Client) ClearRunning(ctx domain.Context, jobID string) error {
	err := c.do(ctx, "clear_running", func(ctx context.Context) error {
		return c.rdb.Del(ctx, c.key(keyRunningPrefix+jobID)).Err()
	})
	if err != nil {
		return fmt.Errorf("op=kv.ClearRunning: %w", err)
	}
	return nil
}

// StaleRunningMarkers scans markers older than maxAge; jobID → occurrenceID.
func (c *Client) StaleRunningMarkers(ctx domain.Context, maxAge time.Duration) (map[string]string, error) {
	stale := make(map[string]string)
	cutoff := time.Now().Add(-maxAge).Unix()
	pattern := c.key(keyRunningPrefix) + "*"
	err := c.do(ctx, "stale_running_markers", func(ctx context.Context) error {
		var cursor uint64
		for {
			keys, next, err := c.rdb.Scan(ctx, cursor, pattern, scanCount).Result()
			if err != nil {
				return err
			}
			for _, k := range keys {
				raw, err := c.rdb.Get(ctx, k).Result()
				if err != nil {
					if isNil(err) {
						continue
					}
					return err
				}
				occID, markedAt, ok := splitRunningValue(raw)
				if !ok || markedAt > cutoff {
					continue
				}
				jobID := strings.TrimPrefix(k, c.key(keyRunningPrefix))
				stale[jobID] = occID
			}
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("op=kv.StaleRunningMarkers: %w", err)
	}
	return stale, nil
}

// RegisterWorkerInstance writes worker metadata and the per-instance presence
// key whose TTL bounds heartbeat staleness.
func (c *Client) RegisterWorkerInstance(ctx domain.Context, workerID, instanceID string, ttl time.Duration, fields map[string]string) error {
	err := c.do(ctx, "register_worker", func(ctx context.Context) error {
		pipe := c.rdb.TxPipeline()
		if len(fields) > 0 {
			pipe.HSet(ctx, c.key(keyWorkerPrefix+workerID), fields)
		}
		pipe.Set(ctx, c.instanceKey(workerID, instanceID), strconv.FormatInt(time.Now().Unix(), 10), ttl)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=kv.RegisterWorkerInstance: %w", err)
	}
	return nil
}

// TouchWorkerInstance refreshes the presence key TTL on heartbeat.
func (c *Client) TouchWorkerInstance(ctx domain.Context, workerID, instanceID string, ttl time.Duration) error {
	err := c.do(ctx, "touch_worker", func(ctx context.Context) error {
		return c.rdb.Set(ctx, c.instanceKey(workerID, instanceID), strconv.FormatInt(time.Now().Unix(), 10), ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("op=kv.TouchWorkerInstance: %w", err)
	}
	return nil
}

// LiveInstances lists instance ids with an unexpired presence key.
func (c *Client) LiveInstances(ctx domain.Context, workerID string) ([]string, error) {
	var instances []string
	prefix := c.key(keyWorkerPrefix+workerID) + ":instance:"
	err := c.do(ctx, "live_instances", func(ctx context.Context) error {
		var cursor uint64
		for {
			keys, next, err := c.rdb.Scan(ctx, cursor, prefix+"*", scanCount).Result()
			if err != nil {
				return err
			}
			for _, k := range keys {
				instances = append(instances, strings.TrimPrefix(k, prefix))
			}
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("op=kv.LiveInstances: %w", err)
	}
	return instances, nil
}

// SetWorkerInfo merges fields into the worker metadata hash.
func (c *Client) SetWorkerInfo(ctx domain.Context, workerID string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	err := c.do(ctx, "set_worker_info", func(ctx context.Context) error {
		return c.rdb.HSet(ctx, c.key(keyWorkerPrefix+workerID), fields).Err()
	})
	if err != nil {
		return fmt.Errorf("op=kv.SetWorkerInfo: %w", err)
	}
	return nil
}

// DispatcherDisabled reports the emergency-stop flag.
func (c *Client) DispatcherDisabled(ctx domain.Context) (bool, error) {
	var disabled bool
	err := c.do(ctx, "dispatcher_disabled", func(ctx context.Context) error {
		res, err := c.rdb.Get(ctx, c.key(keyControl)).Result()
		if err != nil {
			if isNil(err) {
				return nil
			}
			return err
		}
		disabled = res == "1"
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("op=kv.DispatcherDisabled: %w", err)
	}
	return disabled, nil
}

// SetDispatcherDisabled flips the emergency-stop flag.
func (c *Client) SetDispatcherDisabled(ctx domain.Context, disabled bool) error {
	err := c.do(ctx, "set_dispatcher_disabled", func(ctx context.Context) error {
		if disabled {
			return c.rdb.Set(ctx, c.key(keyControl), "1", 0).Err()
		}
		return c.rdb.Del(ctx, c.key(keyControl)).Err()
	})
	if err != nil {
		return fmt.Errorf("op=kv.SetDispatcherDisabled: %w", err)
	}
	return nil
}

// PublishCancellation broadcasts a cancellation request to all workers.
func (c *Client) PublishCancellation(ctx domain.Context, req domain.CancellationRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("op=kv.PublishCancellation: marshal: %w", err)
	}
	err = c.do(ctx, "publish_cancellation", func(ctx context.Context) error {
		return c.rdb.Publish(ctx, c.key(channelCancel), payload).Err()
	})
	if err != nil {
		return fmt.Errorf("op=kv.PublishCancellation: %w", err)
	}
	return nil
}

// SubscribeCancellations delivers requests until stop is called or ctx ends.
// Malformed messages are dropped.
func (c *Client) SubscribeCancellations(ctx domain.Context) (<-chan domain.CancellationRequest, func(), error) {
	sub := c.rdb.Subscribe(ctx, c.key(channelCancel))
	// Force the subscription onto the wire before returning.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("op=kv.SubscribeCancellations: %w", err)
	}

	out := make(chan domain.CancellationRequest)
	var once sync.Once
	stop := func() {
		once.Do(func() { _ = sub.Close() })
	}

	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				stop()
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var req domain.CancellationRequest
				if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil || req.CorrelationID == "" {
					continue
				}
				select {
				case out <- req:
				case <-ctx.Done():
					stop()
					return
				}
			}
		}
	}()
	return out, stop, nil
}

// Ping verifies connectivity.
func (c *Client) Ping(ctx domain.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=kv.Ping: %w", err)
	}
	return nil
}

func (c *Client) instanceKey(workerID, instanceID string) string {
	return c.key(keyWorkerPrefix+workerID) + ":instance:" + instanceID
}

func splitRunningValue(raw string) (occID string, markedAt int64, ok bool) {
	idx := strings.LastIndex(raw, ":")
	if idx <= 0 {
		return "", 0, false
	}
	ts, err := strconv.ParseInt(raw[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return raw[:idx], ts, true
}

func isNil(err error) bool {
	return errors.Is(err, goredis.Nil)
}
