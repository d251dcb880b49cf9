package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/umegbewe/dhcplease/pkg/dhcp"
)

const (
	redisKeyPrefix   = "dhcp:lease:"
	redisMaxAttempts = 8
)

// RedisStore keeps one JSON value per hardware address. The idle window is
// the key TTL, refreshed on every access, so redis itself does the eviction.
// Conditional operations run under WATCH and retry on conflict.
type RedisStore struct {
	client *redis.Client
	ctx    context.Context
	idle   time.Duration
}

func NewRedisStore(addr, password string, db int, idle time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client, ctx: ctx, idle: idle}, nil
}

func leaseKey(hw dhcp.HardwareAddress) string {
	return fmt.Sprintf("%s%s", redisKeyPrefix, hw.Key())
}

func unmarshalLease(data []byte) (*Lease, error) {
	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, err
	}
	return &lease, nil
}

func (s *RedisStore) Get(hw dhcp.HardwareAddress) (*Lease, error) {
	var cmd *redis.StringCmd
	if s.idle > 0 {
		cmd = s.client.GetEx(s.ctx, leaseKey(hw), s.idle)
	} else {
		cmd = s.client.Get(s.ctx, leaseKey(hw))
	}
	data, err := cmd.Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return unmarshalLease(data)
}

func (s *RedisStore) Peek(hw dhcp.HardwareAddress) (*Lease, error) {
	data, err := s.client.Get(s.ctx, leaseKey(hw)).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return unmarshalLease(data)
}

func (s *RedisStore) Put(lease *Lease) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	return s.client.Set(s.ctx, leaseKey(lease.HardwareAddr), data, s.idle).Err()
}

// Create relies on SET NX. When the key exists but vanishes before it can be
// read back, the insert is retried.
func (s *RedisStore) Create(lease *Lease) (*Lease, error) {
	data, err := json.Marshal(lease)
	if err != nil {
		return nil, err
	}
	key := leaseKey(lease.HardwareAddr)
	for attempt := 0; attempt < redisMaxAttempts; attempt++ {
		created, err := s.client.SetNX(s.ctx, key, data, s.idle).Result()
		if err != nil {
			return nil, err
		}
		if created {
			return nil, nil
		}
		existing, err := s.Peek(lease.HardwareAddr)
		if err != nil || existing != nil {
			return existing, err
		}
	}
	return nil, fmt.Errorf("redis create on %s: too many conflicts", key)
}

func (s *RedisStore) Remove(hw dhcp.HardwareAddress) (*Lease, error) {
	data, err := s.client.GetDel(s.ctx, leaseKey(hw)).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return unmarshalLease(data)
}

func (s *RedisStore) RemoveIf(hw dhcp.HardwareAddress, match func(*Lease) bool) (*Lease, error) {
	var removed *Lease
	key := leaseKey(hw)
	err := s.watch(key, func(tx *redis.Tx) error {
		removed = nil
		data, err := tx.Get(s.ctx, key).Bytes()
		if err == redis.Nil {
			return nil
		} else if err != nil {
			return err
		}
		l, err := unmarshalLease(data)
		if err != nil {
			return err
		}
		if !match(l.Clone()) {
			return nil
		}
		_, err = tx.TxPipelined(s.ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(s.ctx, key)
			return nil
		})
		if err == nil {
			removed = l
		}
		return err
	})
	return removed, err
}

func (s *RedisStore) Update(hw dhcp.HardwareAddress, fn func(*Lease) bool) (*Lease, error) {
	var updated *Lease
	key := leaseKey(hw)
	err := s.watch(key, func(tx *redis.Tx) error {
		updated = nil
		data, err := tx.Get(s.ctx, key).Bytes()
		if err == redis.Nil {
			return nil
		} else if err != nil {
			return err
		}
		l, err := unmarshalLease(data)
		if err != nil {
			return err
		}
		if !fn(l) {
			return nil
		}
		l.HardwareAddr = hw
		out, err := json.Marshal(l)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(s.ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(s.ctx, key, out, s.idle)
			return nil
		})
		if err == nil {
			updated = l
		}
		return err
	})
	return updated.Clone(), err
}

// watch runs fn as an optimistic transaction on key, retrying when another
// client modified the key in between.
func (s *RedisStore) watch(key string, fn func(tx *redis.Tx) error) error {
	for attempt := 0; attempt < redisMaxAttempts; attempt++ {
		err := s.client.Watch(s.ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis transaction on %s: too many conflicts", key)
}

func (s *RedisStore) List() ([]*Lease, error) {
	var leases []*Lease
	var cursor uint64

	for {
		keys, nextCursor, err := s.client.Scan(s.ctx, cursor, redisKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			data, err := s.client.Get(s.ctx, key).Bytes()
			if err != nil {
				continue
			}
			if lease, err := unmarshalLease(data); err == nil {
				leases = append(leases, lease)
			}
		}
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return leases, nil
}

// Sweep is a no-op: idle keys are expired by redis.
func (s *RedisStore) Sweep() (int, error) {
	return 0, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
