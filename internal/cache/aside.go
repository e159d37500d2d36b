// Package cache provides a cache-aside layer with single-flight loading.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bissquit/notification-dispatch/internal/kv"
	"golang.org/x/sync/singleflight"
)

// Loader fetches the authoritative value for key on a cache miss.
type Loader[T any] func(ctx context.Context, key string) (T, error)

// Config contains cache-aside configuration.
type Config struct {
	// Name labels metrics and logs.
	Name string
	// Prefix is prepended to every store key.
	Prefix string
	// TTL bounds how long a populated entry is served.
	TTL time.Duration
	// StoreTimeout bounds each store call.
	StoreTimeout time.Duration
	// LoadTimeout bounds the shared loader call.
	LoadTimeout time.Duration
}

// Aside is a read-mostly cache in front of a Loader. Concurrent misses for
// the same key share a single loader call.
type Aside[T any] struct {
	config Config
	store  kv.Store
	load   Loader[T]
	group  singleflight.Group

	// mu guards flights only. It is never held across store or loader calls.
	mu      sync.Mutex
	flights map[string]*flightState
}

// flightState exists only while a load for the key is in flight. gen is
// bumped by Invalidate so that load does not repopulate the store.
type flightState struct {
	gen  uint64
	refs int
}

// NewAside creates a cache-aside wrapper around load.
func NewAside[T any](config Config, store kv.Store, load Loader[T]) *Aside[T] {
	if config.TTL <= 0 {
		config.TTL = 5 * time.Minute
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 300 * time.Millisecond
	}
	if config.LoadTimeout <= 0 {
		config.LoadTimeout = 300 * time.Millisecond
	}
	return &Aside[T]{
		config:  config,
		store:   store,
		load:    load,
		flights: make(map[string]*flightState),
	}
}

// Get returns the cached value for key, loading it on a miss.
func (a *Aside[T]) Get(ctx context.Context, key string) (T, error) {
	if v, ok := a.read(ctx, key); ok {
		recordCacheLookup(a.config.Name, "hit")
		return v, nil
	}
	recordCacheLookup(a.config.Name, "miss")

	gen := a.acquire(key)
	flightKey := key + "#" + strconv.FormatUint(gen, 10)

	// The shared load outlives any single caller's cancellation.
	loadCtx := context.WithoutCancel(ctx)
	ch := a.group.DoChan(flightKey, func() (any, error) {
		return a.fill(loadCtx, key, gen)
	})

	var zero T
	select {
	case <-ctx.Done():
		go func() {
			<-ch
			a.release(key)
		}()
		return zero, ctx.Err()
	case res := <-ch:
		a.release(key)
		if res.Shared {
			recordCacheLookup(a.config.Name, "coalesced")
		}
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

// Invalidate drops key. The next Get performs a fresh load even if a load
// started before the invalidation is still running.
func (a *Aside[T]) Invalidate(ctx context.Context, key string) error {
	a.mu.Lock()
	if st, ok := a.flights[key]; ok {
		st.gen++
	}
	a.mu.Unlock()

	storeCtx, cancel := context.WithTimeout(ctx, a.config.StoreTimeout)
	defer cancel()

	if err := a.store.Delete(storeCtx, a.storeKey(key)); err != nil {
		return err
	}
	recordCacheInvalidation(a.config.Name)
	return nil
}

func (a *Aside[T]) fill(ctx context.Context, key string, gen uint64) (T, error) {
	loadCtx, cancel := context.WithTimeout(ctx, a.config.LoadTimeout)
	v, err := a.load(loadCtx, key)
	cancel()
	if err != nil {
		return v, err
	}

	if a.generation(key) != gen {
		return v, nil
	}

	a.write(ctx, key, v)

	// An invalidation that raced with the write must win.
	if a.generation(key) != gen {
		storeCtx, cancel := context.WithTimeout(ctx, a.config.StoreTimeout)
		defer cancel()
		if err := a.store.Delete(storeCtx, a.storeKey(key)); err != nil {
			slog.Warn("failed to drop raced cache entry", "cache", a.config.Name, "key", key, "error", err)
		}
	}

	return v, nil
}

func (a *Aside[T]) read(ctx context.Context, key string) (T, bool) {
	var zero T

	storeCtx, cancel := context.WithTimeout(ctx, a.config.StoreTimeout)
	defer cancel()

	data, err := a.store.Get(storeCtx, a.storeKey(key))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			slog.Warn("cache read failed, falling back to loader", "cache", a.config.Name, "key", key, "error", err)
			recordCacheLookup(a.config.Name, "error")
		}
		return zero, false
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		slog.Warn("cache entry corrupt, reloading", "cache", a.config.Name, "key", key, "error", err)
		return zero, false
	}
	return v, true
}

func (a *Aside[T]) write(ctx context.Context, key string, v T) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to encode cache entry", "cache", a.config.Name, "key", key, "error", err)
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, a.config.StoreTimeout)
	defer cancel()

	if err := a.store.Set(storeCtx, a.storeKey(key), data, a.config.TTL); err != nil {
		slog.Warn("failed to populate cache", "cache", a.config.Name, "key", key, "error", err)
	}
}

// acquire registers a caller waiting on a load of key and returns the
// current generation.
func (a *Aside[T]) acquire(key string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.flights[key]
	if !ok {
		st = &flightState{}
		a.flights[key] = st
	}
	st.refs++
	return st.gen
}

// release drops the caller's reference once its flight has settled.
func (a *Aside[T]) release(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.flights[key]
	if !ok {
		return
	}
	if st.refs--; st.refs <= 0 {
		delete(a.flights, key)
	}
}

func (a *Aside[T]) generation(key string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.flights[key]; ok {
		return st.gen
	}
	return 0
}

// pending reports how many keys currently have a load in flight.
func (a *Aside[T]) pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.flights)
}

func (a *Aside[T]) storeKey(key string) string {
	return a.config.Prefix + key
}
