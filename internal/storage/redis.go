package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	logx "taskd/pkg/logx"

	"github.com/redis/go-redis/v9"
)

// redisStore keeps each record as a JSON string and indexes them with
// sorted sets:
//   - <p>due           schedule ids scored by next run (enabled schedules only)
//   - <p>execs         execution ids scored by start time
//   - <p>execs:<task>  same, per task
//   - <p>task:<id>:schedules  set of schedule ids
//
// Dedup keys carry a TTL so Redis expires them.
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("storage opened", logx.String("addr", cfg.RedisAddr), logx.Int("db", cfg.RedisDB))
	return NewRedis(client, cfg.RedisPrefix, log), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string, log logx.Logger) Store {
	if prefix == "" {
		prefix = "taskd:"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{client: client, prefix: prefix, log: log}
}

func (r *redisStore) taskKey(id string) string      { return r.prefix + "task:" + id }
func (r *redisStore) taskSchedKey(id string) string { return r.prefix + "task:" + id + ":schedules" }
func (r *redisStore) schedKey(id string) string     { return r.prefix + "schedule:" + id }
func (r *redisStore) dueKey() string                { return r.prefix + "due" }
func (r *redisStore) execKey(id string) string      { return r.prefix + "exec:" + id }
func (r *redisStore) execsKey(taskID string) string {
	if taskID == "" {
		return r.prefix + "execs"
	}
	return r.prefix + "execs:" + taskID
}
func (r *redisStore) dedupKey(k string) string { return r.prefix + "dedup:" + k }

func (r *redisStore) GetTask(ctx context.Context, id string) (TaskRecord, error) {
	var rec TaskRecord
	if err := r.getJSON(ctx, r.taskKey(id), &rec); err != nil {
		return TaskRecord{}, err
	}
	return rec, nil
}

func (r *redisStore) PutTask(ctx context.Context, rec TaskRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.taskKey(rec.ID), b, 0).Err()
}

func (r *redisStore) ListSchedules(ctx context.Context, taskID string) ([]ScheduleRecord, error) {
	ids, err := r.client.SMembers(ctx, r.taskSchedKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	recs, err := r.schedules(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, s := range recs {
		if s.TaskID == taskID {
			out = append(out, s)
		}
	}
	sortSchedules(out)
	return out, nil
}

func (r *redisStore) schedules(ctx context.Context, ids []string) ([]ScheduleRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.schedKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}
	out := make([]ScheduleRecord, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec ScheduleRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", ids[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *redisStore) PutSchedule(ctx context.Context, rec ScheduleRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.schedKey(rec.ID), b, 0)
	pipe.SAdd(ctx, r.taskSchedKey(rec.TaskID), rec.ID)
	if rec.Enabled && !rec.NextRun.IsZero() {
		pipe.ZAdd(ctx, r.dueKey(), redis.Z{Score: float64(rec.NextRun.UnixMilli()), Member: rec.ID})
	} else {
		pipe.ZRem(ctx, r.dueKey(), rec.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put schedule: %w", err)
	}
	return nil
}

func (r *redisStore) DeleteSchedule(ctx context.Context, taskID, scheduleID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.schedKey(scheduleID))
	pipe.SRem(ctx, r.taskSchedKey(taskID), scheduleID)
	pipe.ZRem(ctx, r.dueKey(), scheduleID)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *redisStore) DueSchedules(ctx context.Context, now time.Time) ([]DueSchedule, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.dueKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	recs, err := r.schedules(ctx, ids)
	if err != nil {
		return nil, err
	}

	enabled := map[string]bool{}
	pos := map[string]int{}
	var out []DueSchedule
	for _, s := range recs {
		on, seen := enabled[s.TaskID]
		if !seen {
			t, err := r.GetTask(ctx, s.TaskID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return nil, err
			}
			on = err == nil && t.Enabled
			enabled[s.TaskID] = on
		}
		if !on || !s.Enabled {
			continue
		}
		out = append(out, DueSchedule{TaskID: s.TaskID, ScheduleID: s.ID, NextRun: s.NextRun})
		pos[s.ID] = s.Position
	}
	sortDue(out, pos)
	return out, nil
}

func (r *redisStore) InsertExecution(ctx context.Context, rec ExecutionRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	score := float64(rec.StartedAt.UnixMilli())
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.execKey(rec.ExecutionID), b, 0)
	pipe.ZAdd(ctx, r.execsKey(""), redis.Z{Score: score, Member: rec.ExecutionID})
	pipe.ZAdd(ctx, r.execsKey(rec.TaskID), redis.Z{Score: score, Member: rec.ExecutionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (r *redisStore) UpdateExecution(ctx context.Context, rec ExecutionRecord) error {
	n, err := r.client.Exists(ctx, r.execKey(rec.ExecutionID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return r.InsertExecution(ctx, rec)
}

func (r *redisStore) ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]ExecutionRecord, error) {
	limit, offset = clampPage(limit, offset)
	ids, err := r.client.ZRevRange(ctx, r.execsKey(taskID), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return r.executions(ctx, ids)
}

func (r *redisStore) executions(ctx context.Context, ids []string) ([]ExecutionRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.execKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load executions: %w", err)
	}
	out := make([]ExecutionRecord, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec ExecutionRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("execution %s: %w", ids[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *redisStore) PurgeExecutionsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.execsKey(""), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("purge executions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	recs, err := r.executions(ctx, ids)
	if err != nil {
		return 0, err
	}
	taskOf := make(map[string]string, len(recs))
	for _, rec := range recs {
		taskOf[rec.ExecutionID] = rec.TaskID
	}

	pipe := r.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, r.execKey(id))
		pipe.ZRem(ctx, r.execsKey(""), id)
		if tid, ok := taskOf[id]; ok {
			pipe.ZRem(ctx, r.execsKey(tid), id)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("purge executions: %w", err)
	}
	return int64(len(ids)), nil
}

func (r *redisStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return r.client.Del(ctx, r.dedupKey(key)).Err()
	}
	return r.client.Set(ctx, r.dedupKey(key), strconv.FormatInt(until.UnixMilli(), 10), ttl).Err()
}

func (r *redisStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	v, err := r.client.Get(ctx, r.dedupKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("dedup %s: %w", key, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (r *redisStore) Close() error { return r.client.Close() }

func (r *redisStore) getJSON(ctx context.Context, key string, dst any) error {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
