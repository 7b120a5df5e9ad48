// Package lock provides the advisory lock held for the duration of a sync
// pass, so two agents sharing one queue never drain it at the same time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var ErrLocked = errors.New("lock: another sync is in progress")

// Locker hands out a release func when the lock was free.
type Locker interface {
	TryLock(ctx context.Context) (release func(), err error)
}

type Noop struct{}

func (Noop) TryLock(context.Context) (func(), error) {
	return func() {}, nil
}

// File is an flock-based lock for agents on the same machine.
type File struct {
	path string
}

func NewFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &File{path: path}, nil
}

func (f *File) TryLock(context.Context) (func(), error) {
	fl := flock.New(f.path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}
	return func() { _ = fl.Unlock() }, nil
}

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis is a lease for agents sharing a redis-backed queue. The lease is
// renewed in the background until released; a crashed holder's lease expires
// after ttl.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	log    zerolog.Logger
}

func NewRedis(client *redis.Client, key string, ttl time.Duration, logger zerolog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{client: client, key: key, ttl: ttl, log: logger.With().Str("component", "lock").Logger()}
}

func (r *Redis) TryLock(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire sync lease: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := extendScript.Run(context.Background(), r.client, []string{r.key}, token, r.ttl.Milliseconds()).Err(); err != nil {
					r.log.Warn().Err(err).Msg("renew sync lease failed")
				}
			}
		}
	}()

	released := false
	return func() {
		if released {
			return
		}
		released = true
		close(stop)
		<-done
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, r.client, []string{r.key}, token).Err(); err != nil {
			r.log.Warn().Err(err).Msg("release sync lease failed")
		}
	}, nil
}
