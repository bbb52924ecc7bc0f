package delivery

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/frostdev-ops/pma-realtime-go/pkg/errors"
)

const (
	DefaultMaxConnections    = 1000
	DefaultConnectionTimeout = 30 * time.Second
	DefaultIdleTimeout       = 5 * time.Minute
)

// PoolOption overrides a pool default
type PoolOption func(*ConnectionPool)

func WithMaxConnections(n int) PoolOption {
	return func(p *ConnectionPool) { p.MaxConnections = n }
}

func WithConnectionTimeout(d time.Duration) PoolOption {
	return func(p *ConnectionPool) { p.ConnectionTimeout = d }
}

func WithIdleTimeout(d time.Duration) PoolOption {
	return func(p *ConnectionPool) { p.IdleTimeout = d }
}

type poolState struct {
	mu    sync.Mutex
	info  ConnectionPool
	conns map[string]*connState
}

type connState struct {
	since time.Time
	idle  bool
}

func (p *poolState) snapshot() ConnectionPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// touch advances lastActivity without ever moving it backwards
func (p *poolState) touch(now time.Time) {
	if now.After(p.info.LastActivity) {
		p.info.LastActivity = now
	}
}

// PoolRegistry tracks connection pools and the connections reported in them
type PoolRegistry struct {
	mu    sync.RWMutex
	pools map[string]*poolState
	order []*poolState
	clock Clock
}

func NewPoolRegistry(clock Clock) *PoolRegistry {
	if clock == nil {
		clock = SystemClock()
	}
	return &PoolRegistry{
		pools: make(map[string]*poolState),
		clock: clock,
	}
}

// CreatePool provisions a new active pool
func (r *PoolRegistry) CreatePool(name string, opts ...PoolOption) (ConnectionPool, error) {
	now := r.clock.Now()
	info := ConnectionPool{
		ID:                uuid.New().String(),
		Name:              name,
		MaxConnections:    DefaultMaxConnections,
		ConnectionTimeout: DefaultConnectionTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		Active:            true,
		CreatedAt:         now,
		LastActivity:      now,
	}
	for _, opt := range opts {
		opt(&info)
	}

	if name == "" {
		return ConnectionPool{}, errors.WithDetails(errors.ErrInvalidConfig, "pool name is required")
	}
	if info.MaxConnections <= 0 {
		return ConnectionPool{}, errors.Detailf(errors.ErrInvalidConfig, "maxConnections must be positive, got %d", info.MaxConnections)
	}
	if info.ConnectionTimeout < 0 || info.IdleTimeout < 0 {
		return ConnectionPool{}, errors.WithDetails(errors.ErrInvalidConfig, "timeouts must be non-negative")
	}

	r.insert(info)
	return info, nil
}

// restore re-registers a pool record read back from the mirror. Live
// connection counts are not carried across restarts.
func (r *PoolRegistry) restore(info ConnectionPool) bool {
	r.mu.RLock()
	_, exists := r.pools[info.ID]
	r.mu.RUnlock()
	if exists || info.ID == "" || info.MaxConnections <= 0 {
		return false
	}
	info.ActiveConnections = 0
	info.IdleConnections = 0
	info.QueuedRequests = 0
	r.insert(info)
	return true
}

func (r *PoolRegistry) insert(info ConnectionPool) {
	state := &poolState{info: info, conns: make(map[string]*connState)}
	r.mu.Lock()
	r.pools[info.ID] = state
	r.order = append(r.order, state)
	r.mu.Unlock()
}

func (r *PoolRegistry) get(id string) (*poolState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[id]
	return p, ok
}

// GetPool returns a snapshot of the pool
func (r *PoolRegistry) GetPool(id string) (ConnectionPool, bool) {
	p, ok := r.get(id)
	if !ok {
		return ConnectionPool{}, false
	}
	return p.snapshot(), true
}

// FindByName returns the first pool created with the given name
func (r *PoolRegistry) FindByName(name string) (ConnectionPool, bool) {
	for _, p := range r.states() {
		if info := p.snapshot(); info.Name == name {
			return info, true
		}
	}
	return ConnectionPool{}, false
}

// List returns snapshots of all pools in creation order
func (r *PoolRegistry) List() []ConnectionPool {
	states := r.states()
	out := make([]ConnectionPool, 0, len(states))
	for _, p := range states {
		out = append(out, p.snapshot())
	}
	return out
}

func (r *PoolRegistry) states() []*poolState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*poolState, len(r.order))
	copy(out, r.order)
	return out
}

// Connect admits a connection into the pool as active. It fails with
// PoolExhausted when the pool is full or inactive.
func (r *PoolRegistry) Connect(poolID, connID string) error {
	p, ok := r.get(poolID)
	if !ok {
		return errors.Detailf(errors.ErrPoolNotFound, "pool %s", poolID)
	}
	now := r.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.conns[connID]; exists {
		return nil
	}
	if !p.info.Active {
		return errors.Detailf(errors.ErrPoolExhausted, "pool %s is inactive", p.info.Name)
	}
	if p.info.ActiveConnections+p.info.IdleConnections >= p.info.MaxConnections {
		p.info.QueuedRequests++
		return errors.Detailf(errors.ErrPoolExhausted, "pool %s at %d connections", p.info.Name, p.info.MaxConnections)
	}
	p.conns[connID] = &connState{since: now}
	p.info.ActiveConnections++
	p.touch(now)
	return nil
}

// Disconnect removes a connection and returns how long it was open.
// Unknown connections are ignored.
func (r *PoolRegistry) Disconnect(poolID, connID string) (time.Duration, bool) {
	p, ok := r.get(poolID)
	if !ok {
		return 0, false
	}
	now := r.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	c, exists := p.conns[connID]
	if !exists {
		return 0, false
	}
	delete(p.conns, connID)
	p.info.QueuedRequests = 0
	if c.idle {
		p.info.IdleConnections--
	} else {
		p.info.ActiveConnections--
	}
	p.touch(now)
	return now.Sub(c.since), true
}

// MarkIdle moves an active connection to the idle count
func (r *PoolRegistry) MarkIdle(poolID, connID string) {
	r.setIdle(poolID, connID, true)
}

// MarkActive moves an idle connection back to the active count
func (r *PoolRegistry) MarkActive(poolID, connID string) {
	r.setIdle(poolID, connID, false)
}

func (r *PoolRegistry) setIdle(poolID, connID string, idle bool) {
	p, ok := r.get(poolID)
	if !ok {
		return
	}
	now := r.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	c, exists := p.conns[connID]
	if !exists || c.idle == idle {
		return
	}
	c.idle = idle
	if idle {
		p.info.ActiveConnections--
		p.info.IdleConnections++
	} else {
		p.info.IdleConnections--
		p.info.ActiveConnections++
	}
	p.touch(now)
}

// Deactivate marks a pool inactive. Pools are never deleted.
func (r *PoolRegistry) Deactivate(poolID string) (ConnectionPool, error) {
	p, ok := r.get(poolID)
	if !ok {
		return ConnectionPool{}, errors.Detailf(errors.ErrPoolNotFound, "pool %s", poolID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info.Active = false
	p.touch(r.clock.Now())
	return p.info, nil
}

// connectionCounts sums active and idle connections across all pools
func (r *PoolRegistry) connectionCounts() (active, idle int) {
	for _, p := range r.states() {
		info := p.snapshot()
		active += info.ActiveConnections
		idle += info.IdleConnections
	}
	return active, idle
}
