// Package spike provides a primitive to handle spike-like load on retrieving external resources
package spike

import (
	"context"
	"errors"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	taskQueueLen           = 60
	currentlyExecutedSize  = 50
	defaultCleanupInterval = 5 * time.Millisecond
)

var ErrClosed = errors.New("spike manager is closed")

// Key is anything comparable that has a stable string form, e.g. common.Hash.
type Key interface {
	comparable
	String() string
}

// Manager coalesces concurrent fetches of the same key into one call and caches the results.
type Manager[K Key, V any] struct {
	mu                sync.Mutex
	handler           Handler[K, V]
	taskQueue         chan task[K, V]
	currentlyExecuted map[K][]chan<- result[V]

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Handler defines how values are fetched and cached.
// SetErr and GetErr are optional; when set, fetch errors can be cached as well.
type Handler[K Key, V any] struct {
	Fetch func(ctx context.Context, k K) (V, error)
	Set   func(k K, v V)
	Get   func(k K) (V, bool)

	SetErr func(k K, err error)
	GetErr func(k K) (error, bool)
}

type task[K Key, V any] struct {
	key K
	res chan<- result[V]
}

type result[V any] struct {
	v V
	e error
}

// NewCustomManager creates a new Manager with a custom cache implementation controlled by client code
// it should be used for non-trivial flows or non-default cache implementations
func NewCustomManager[K Key, V any](h Handler[K, V]) *Manager[K, V] {
	ctx, cancel := context.WithCancel(context.Background())
	cm := &Manager[K, V]{
		handler:           h,
		taskQueue:         make(chan task[K, V], taskQueueLen),
		currentlyExecuted: make(map[K][]chan<- result[V], currentlyExecutedSize),
		ctx:               ctx,
		cancel:            cancel,
	}
	go cm.start()
	return cm
}

// NewManager creates a new Manager with a default cache implementation
// it is preferred way of creating a new Manager
func NewManager[K Key, V any](fetch func(ctx context.Context, k K) (V, error), cacheTime time.Duration) *Manager[K, V] {
	return NewCustomManager[K, V](defaultHandler[K, V](fetch, cacheTime))
}

// NewManagerWithErrorCache is NewManager that also remembers fetch errors matching cacheErr for errCacheTime,
// e.g. not found errors of a slow backend.
func NewManagerWithErrorCache[K Key, V any](
	fetch func(ctx context.Context, k K) (V, error), cacheTime time.Duration,
	cacheErr func(error) bool, errCacheTime time.Duration,
) *Manager[K, V] {
	h := defaultHandler[K, V](fetch, cacheTime)
	g := gocache.New(errCacheTime, defaultCleanupInterval)
	h.SetErr = func(k K, err error) {
		if cacheErr(err) {
			g.Set(k.String(), err, errCacheTime)
		}
	}
	h.GetErr = func(k K) (error, bool) {
		v, ok := g.Get(k.String())
		if !ok {
			return nil, false
		}
		//nolint:forcetypeassert
		return v.(error), true
	}
	return NewCustomManager[K, V](h)
}

func defaultHandler[K Key, V any](fetch func(ctx context.Context, k K) (V, error), cacheTime time.Duration) Handler[K, V] {
	g := gocache.New(cacheTime, defaultCleanupInterval)
	return Handler[K, V]{
		Fetch: fetch,
		Set: func(k K, v V) {
			g.Set(k.String(), v, cacheTime)
		},
		Get: func(k K) (V, bool) {
			v, ok := g.Get(k.String())
			if !ok {
				var rt V
				return rt, false
			}
			//nolint:forcetypeassert
			return v.(V), true
		},
	}
}

func (m *Manager[K, V]) cached(k K) (result[V], bool) {
	if v, ok := m.handler.Get(k); ok {
		return result[V]{v: v}, true
	}
	if m.handler.GetErr != nil {
		if err, ok := m.handler.GetErr(k); ok {
			return result[V]{e: err}, true
		}
	}
	return result[V]{}, false
}

func (m *Manager[K, V]) start() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case t := <-m.taskQueue:
			m.dispatch(t)
		}
	}
}

func (m *Manager[K, V]) dispatch(t task[K, V]) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.cached(t.key); ok {
		t.res <- r
		close(t.res)
		return
	}
	if chans, ok := m.currentlyExecuted[t.key]; ok {
		m.currentlyExecuted[t.key] = append(chans, t.res)
		return
	}
	m.currentlyExecuted[t.key] = []chan<- result[V]{t.res}
	go m.fetch(t.key)
}

func (m *Manager[K, V]) fetch(k K) {
	v, err := m.handler.Fetch(m.ctx, k)
	if err == nil {
		m.handler.Set(k, v)
	} else if m.handler.SetErr != nil {
		m.handler.SetErr(k, err)
	}

	m.mu.Lock()
	chans := m.currentlyExecuted[k]
	delete(m.currentlyExecuted, k)
	m.mu.Unlock()

	for _, ch := range chans {
		ch <- result[V]{v: v, e: err}
		close(ch)
	}
}

func (m *Manager[K, V]) GetResult(ctx context.Context, k K) (V, error) { //nolint:ireturn
	if r, ok := m.cached(k); ok {
		return r.v, r.e
	}

	var empty V
	resChan := make(chan result[V], 1)
	select {
	case m.taskQueue <- task[K, V]{key: k, res: resChan}:
	case <-ctx.Done():
		return empty, ctx.Err()
	case <-m.ctx.Done():
		return empty, ErrClosed
	}

	select {
	case <-ctx.Done():
		return empty, ctx.Err()
	case <-m.ctx.Done():
		return empty, ErrClosed
	case completed := <-resChan:
		return completed.v, completed.e
	}
}

// Close stops the manager and cancels running fetches.
func (m *Manager[K, V]) Close() {
	m.closeOnce.Do(m.cancel)
}
