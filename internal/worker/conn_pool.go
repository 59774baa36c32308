package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/developer-mesh/docmesh/pkg/observability"
)

// ErrPoolClosed is returned by Acquire after Close
var ErrPoolClosed = errors.New("connection pool is closed")

type pooledConn[T io.Closer] struct {
	conn     T
	lastUsed time.Time
	users    int
}

// Lease is a connection handed out by ConnPool. It must be given back with
// Release.
type Lease[T io.Closer] struct {
	Conn T
	slot uint64
}

// ConnPool is a capped set of backend connections shared by the workers of a
// Pool. Idle connections are reused first; when the pool is full the least
// recently used connection is shared. Connections idle for longer than the
// idle timeout are closed by EvictIdle.
type ConnPool[T io.Closer] struct {
	mu      sync.Mutex
	cache   *lru.Cache[uint64, *pooledConn[T]]
	dial    func(ctx context.Context) (T, error)
	max     int
	idle    time.Duration
	next    uint64
	dialing int
	dialed  chan struct{}
	closed  bool
	now     func() time.Time
	logger  observability.Logger
}

// NewConnPool creates a pool holding at most max connections
func NewConnPool[T io.Closer](dial func(ctx context.Context) (T, error), max int, idle time.Duration, logger observability.Logger) (*ConnPool[T], error) {
	if max <= 0 {
		max = 50
	}
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	logger = observability.OrNoop(logger).WithPrefix("worker.connpool")

	cache, err := lru.NewWithEvict[uint64, *pooledConn[T]](max, func(slot uint64, pc *pooledConn[T]) {
		if err := pc.conn.Close(); err != nil {
			logger.Warn("Failed to close pooled connection", map[string]interface{}{
				"slot":  slot,
				"error": err.Error(),
			})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection cache: %w", err)
	}

	return &ConnPool[T]{
		cache:  cache,
		dial:   dial,
		max:    max,
		idle:   idle,
		dialed: make(chan struct{}),
		now:    time.Now,
		logger: logger,
	}, nil
}

// Acquire returns an idle connection, a new one while below capacity, or
// the least recently used connection once the pool is full. Dials run
// without holding the pool lock; a slot is reserved for each dial in flight.
func (p *ConnPool[T]) Acquire(ctx context.Context) (*Lease[T], error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		for _, slot := range p.cache.Keys() {
			if pc, ok := p.cache.Peek(slot); ok && pc.users == 0 {
				l := p.lease(slot)
				p.mu.Unlock()
				return l, nil
			}
		}

		if p.cache.Len()+p.dialing < p.max {
			break
		}
		if oldest, _, ok := p.cache.GetOldest(); ok {
			l := p.lease(oldest)
			p.mu.Unlock()
			return l, nil
		}

		// every slot is reserved by a dial in flight
		wait := p.dialed
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}

	p.dialing++
	p.mu.Unlock()

	conn, err := p.dial(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialing--
	close(p.dialed)
	p.dialed = make(chan struct{})

	if err != nil {
		return nil, fmt.Errorf("failed to open pooled connection: %w", err)
	}
	if p.closed {
		_ = conn.Close()
		return nil, ErrPoolClosed
	}
	p.next++
	p.cache.Add(p.next, &pooledConn[T]{conn: conn})
	return p.lease(p.next), nil
}

// lease marks slot as used and most recently used. Callers hold p.mu.
func (p *ConnPool[T]) lease(slot uint64) *Lease[T] {
	pc, _ := p.cache.Get(slot)
	pc.users++
	pc.lastUsed = p.now()
	return &Lease[T]{Conn: pc.conn, slot: slot}
}

// Release returns a lease to the pool
func (p *ConnPool[T]) Release(l *Lease[T]) {
	if l == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if pc, ok := p.cache.Peek(l.slot); ok {
		if pc.users > 0 {
			pc.users--
		}
		pc.lastUsed = p.now()
	}
}

// EvictIdle closes connections that nobody holds and that have been unused
// for longer than the idle timeout. It returns how many were closed.
func (p *ConnPool[T]) EvictIdle(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for _, slot := range p.cache.Keys() {
		pc, ok := p.cache.Peek(slot)
		if !ok || pc.users > 0 || now.Sub(pc.lastUsed) <= p.idle {
			continue
		}
		p.cache.Remove(slot)
		evicted++
	}
	if evicted > 0 {
		p.logger.Debug("Evicted idle connections", map[string]interface{}{
			"evicted":   evicted,
			"remaining": p.cache.Len(),
		})
	}
	return evicted
}

// Len returns the number of open connections
func (p *ConnPool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Len()
}

// Close closes every connection and rejects further Acquire calls
func (p *ConnPool[T]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.cache.Purge()
	return nil
}
