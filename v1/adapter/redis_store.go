package adapter

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	claimerrors "github.com/mirkobrombin/go-claim/v1/errors"
	"github.com/mirkobrombin/go-claim/v1/record"
)

// RedisStore implements Store on top of Redis optimistic transactions. Each
// Update watches the key, runs the transform on the value read and commits
// with MULTI/EXEC; when another writer touches the key in between, the whole
// read-transform-write cycle is retried.
type RedisStore[T any] struct {
	name       string
	client     *redis.Client
	codec      Codec
	timeout    time.Duration
	maxRetries int
	prefix     string
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore[T any](name string, client *redis.Client, opts ...Option) *RedisStore[T] {
	o := newOptions(opts)
	return &RedisStore[T]{
		name:       name,
		client:     client,
		codec:      o.codec,
		timeout:    o.timeout,
		maxRetries: o.maxRetries,
		prefix:     o.prefix,
	}
}

// Name implements Store.Name.
func (s *RedisStore[T]) Name() string { return s.name }

// Update implements Store.Update.
func (s *RedisStore[T]) Update(ctx context.Context, key string, fn TransformFunc[T]) (Result[T], error) {
	if err := ctx.Err(); err != nil {
		return Result[T]{}, claimerrors.Wrap(s.name, key, "update", mapRedisErr(err))
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	full := s.prefix + key

	var res Result[T]
	txf := func(tx *redis.Tx) error {
		cur, info, ok, err := s.read(cctx, tx, full)
		if err != nil {
			return err
		}
		var current *record.Record[T]
		if ok {
			current = &cur
		}
		w := fn(current, info)
		if w == nil {
			if ok {
				cur, info, _, _ = s.read(cctx, tx, full)
				res = Result[T]{Record: &cur, Info: info}
			} else {
				res = Result[T]{Info: info}
			}
			return nil
		}
		next := nextInfo(info, w, uuid.NewString(), record.Clock())
		data, err := s.codec.Marshal(envelope[T]{Record: w.Record, Info: next})
		if err != nil {
			return err
		}
		if _, err := tx.TxPipelined(cctx, func(p redis.Pipeliner) error {
			p.Set(cctx, full, data, 0)
			return nil
		}); err != nil {
			return err
		}
		var env envelope[T]
		if err := s.codec.Unmarshal(data, &env); err != nil {
			return err
		}
		res = Result[T]{Record: &env.Record, Info: env.Info, Written: true, Tag: w.Tag}
		return nil
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(cctx, txf, full)
		if err == nil {
			return res, nil
		}
		if stdErrors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Result[T]{}, claimerrors.Wrap(s.name, key, "update", mapRedisErr(err))
	}
	return Result[T]{}, claimerrors.Wrap(s.name, key, "update", claimerrors.ErrConflict)
}

// Get implements Store.Get.
func (s *RedisStore[T]) Get(ctx context.Context, key string) (*record.Record[T], record.KeyInfo, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, record.KeyInfo{}, false, claimerrors.Wrap(s.name, key, "get", mapRedisErr(err))
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	r, info, ok, err := s.read(cctx, s.client, s.prefix+key)
	if err != nil {
		return nil, record.KeyInfo{}, false, claimerrors.Wrap(s.name, key, "get", mapRedisErr(err))
	}
	if !ok {
		return nil, record.KeyInfo{}, false, nil
	}
	return &r, info, true, nil
}

func (s *RedisStore[T]) read(ctx context.Context, c getter, key string) (record.Record[T], record.KeyInfo, bool, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return record.Record[T]{}, record.KeyInfo{}, false, nil
	}
	if err != nil {
		return record.Record[T]{}, record.KeyInfo{}, false, err
	}
	var env envelope[T]
	if err := s.codec.Unmarshal(data, &env); err != nil {
		return record.Record[T]{}, record.KeyInfo{}, false, err
	}
	return env.Record, env.Info, true, nil
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func mapRedisErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return claimerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return claimerrors.ErrConnectionClosed
	}
	return err
}
