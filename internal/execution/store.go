package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned for unknown execution ids
var ErrNotFound = errors.New("execution not found")

// HashKey is the Redis hash holding execution records
const HashKey = "comfydeploy:executions"

// Store persists execution records
type Store interface {
	Save(ctx context.Context, e *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	List(ctx context.Context) ([]*Execution, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps executions in process
type MemoryStore struct {
	items sync.Map // id -> *Execution
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(_ context.Context, e *Execution) error {
	s.items.Store(e.ID, e.clone())
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Execution, error) {
	v, ok := s.items.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return v.(*Execution).clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Execution, error) {
	var out []*Execution
	s.items.Range(func(_, v any) bool {
		out = append(out, v.(*Execution).clone())
		return true
	})
	sortByCreation(out)
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.items.Delete(id)
	return nil
}

// RedisStore keeps executions as JSON in a Redis hash so several host
// processes share one view
type RedisStore struct {
	redis redis.UniversalClient
	key   string
}

// NewRedisStore creates a store on HashKey
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{redis: rdb, key: HashKey}
}

func (s *RedisStore) Save(ctx context.Context, e *Execution) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}
	if err := s.redis.HSet(ctx, s.key, e.ID, payload).Err(); err != nil {
		return fmt.Errorf("failed to save execution in Redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Execution, error) {
	raw, err := s.redis.HGet(ctx, s.key, id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get execution from Redis: %w", err)
	}
	var e Execution
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &e, nil
}

func (s *RedisStore) List(ctx context.Context) ([]*Execution, error) {
	all, err := s.redis.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions from Redis: %w", err)
	}
	out := make([]*Execution, 0, len(all))
	for _, raw := range all {
		var e Execution
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, &e)
	}
	sortByCreation(out)
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.redis.HDel(ctx, s.key, id).Err(); err != nil {
		return fmt.Errorf("failed to delete execution from Redis: %w", err)
	}
	return nil
}

func sortByCreation(list []*Execution) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
