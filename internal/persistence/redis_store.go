package persistence

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/stepflow/pkg/api"
)

// RedisStore is a Store backed by Redis.
// It uses a simple key structure:
//
//	<prefix>run:<workflow>:<runId>   => HASH {workflow_name, run_id, resource_id, snapshot, created_at, updated_at}
//	<prefix>idx:runs                 => ZSET of run keys scored by creation time (ms)
//	<prefix>idx:wf:<workflow>        => ZSET of run keys of one workflow
//	<prefix>lease:<workflow>:<runId> => lease owner, expiring with the lease
//
// The indexes are written together with the hash in one transaction; a
// run's creation time never changes once set.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "stepflow:").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "stepflow:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) keyRun(workflowName, runID string) string {
	return s.prefix + "run:" + runKey(workflowName, runID)
}

func (s *RedisStore) keyAll() string {
	return s.prefix + "idx:runs"
}

func (s *RedisStore) keyWorkflow(name string) string {
	return s.prefix + "idx:wf:" + name
}

func (s *RedisStore) keyLease(workflowName, runID string) string {
	return s.prefix + "lease:" + runKey(workflowName, runID)
}

func (s *RedisStore) PersistWorkflowSnapshot(ctx context.Context, workflowName, runID string, snapshot *api.WorkflowRunState) error {
	data, err := EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	now := millis(time.Now())
	key := s.keyRun(workflowName, runID)

	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, "created_at", now)
	pipe.HSet(ctx, key,
		"workflow_name", workflowName,
		"run_id", runID,
		"resource_id", snapshot.ResourceID,
		"snapshot", string(data),
		"updated_at", now,
	)
	pipe.ZAddNX(ctx, s.keyAll(), redis.Z{Score: float64(now), Member: key})
	pipe.ZAddNX(ctx, s.keyWorkflow(workflowName), redis.Z{Score: float64(now), Member: key})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) LoadWorkflowSnapshot(ctx context.Context, workflowName, runID string) (*api.WorkflowRunState, error) {
	run, err := s.GetWorkflowRunByID(ctx, workflowName, runID)
	if err != nil {
		return nil, err
	}
	return run.Snapshot, nil
}

func (s *RedisStore) GetWorkflowRunByID(ctx context.Context, workflowName, runID string) (*api.WorkflowRun, error) {
	fields, err := s.client.HGetAll(ctx, s.keyRun(workflowName, runID)).Result()
	if err != nil {
		return nil, err
	}
	return decodeRedisRun(fields)
}

func (s *RedisStore) GetWorkflowRuns(ctx context.Context, filter api.RunsFilter) (*api.WorkflowRuns, error) {
	index := s.keyAll()
	if filter.WorkflowName != "" {
		index = s.keyWorkflow(filter.WorkflowName)
	}
	by := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !filter.FromDate.IsZero() {
		by.Min = strconv.FormatInt(millis(filter.FromDate), 10)
	}
	if !filter.ToDate.IsZero() {
		by.Max = strconv.FormatInt(millis(filter.ToDate), 10)
	}

	keys, err := s.client.ZRevRangeByScore(ctx, index, by).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &api.WorkflowRuns{}, nil
		}
		return nil, err
	}
	if len(keys) == 0 {
		return &api.WorkflowRuns{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	runs := make([]api.WorkflowRun, 0, len(keys))
	for _, cmd := range cmds {
		run, err := decodeRedisRun(cmd.Val())
		if err != nil {
			if errors.Is(err, api.ErrRunNotFound) {
				continue
			}
			return nil, err
		}
		runs = append(runs, *run)
	}
	return pageRuns(runs, filter), nil
}

func decodeRedisRun(fields map[string]string) (*api.WorkflowRun, error) {
	if len(fields) == 0 || fields["snapshot"] == "" {
		return nil, api.ErrRunNotFound
	}
	snap, err := DecodeSnapshot([]byte(fields["snapshot"]))
	if err != nil {
		return nil, err
	}
	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	updatedAt, _ := strconv.ParseInt(fields["updated_at"], 10, 64)
	return &api.WorkflowRun{
		WorkflowName: fields["workflow_name"],
		RunID:        fields["run_id"],
		ResourceID:   fields["resource_id"],
		Snapshot:     snap,
		CreatedAt:    fromMillis(createdAt),
		UpdatedAt:    fromMillis(updatedAt),
	}, nil
}

var (
	// Lua script for acquiring a lease with re-entrant behavior for the same owner.
	// Returns 1 if acquired/refreshed, 0 otherwise.
	redisLeaseAcquireLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	// Lua script for renewing a lease. Returns 1 if renewed, 0 otherwise.
	redisLeaseRenewLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	// Lua script for releasing a lease held by owner.
	redisLeaseReleaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`
)

func (s *RedisStore) TryAcquireLease(ctx context.Context, workflowName, runID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	n, err := s.client.Eval(ctx, redisLeaseAcquireLua, []string{s.keyLease(workflowName, runID)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) RenewLease(ctx context.Context, workflowName, runID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	n, err := s.client.Eval(ctx, redisLeaseRenewLua, []string{s.keyLease(workflowName, runID)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n != 1 {
		return api.ErrRunLocked
	}
	return nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, workflowName, runID, owner string) error {
	return s.client.Eval(ctx, redisLeaseReleaseLua, []string{s.keyLease(workflowName, runID)}, owner).Err()
}
