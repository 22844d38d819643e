/*
Package redis provides a Redis-backed key-value store.

PURPOSE:
  Lets several app instances (demo kiosks, the dev server and the worker)
  share one courier state. Each value is a plain Redis string; the key
  layout is the same as on the device.

CONTRACT:
  - GET of a missing key (redis.Nil) is (nil, nil), not an error.
  - SET never expires. The ledger is append-only and must not vanish.
*/
package redis

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

// Options configures the connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Store implements wallet.Store on a Redis client.
type Store struct {
	rdb *goredis.Client
}

// New connects to Redis and checks the connection.
func New(ctx context.Context, opts Options) (*Store, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, pkgerrors.Wrapf(err, "redis ping %s", opts.Addr)
	}
	return &Store{rdb: rdb}, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(rdb *goredis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "redis get %s", key)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return pkgerrors.Wrapf(err, "redis set %s", key)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return pkgerrors.Wrapf(err, "redis del %s", key)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
