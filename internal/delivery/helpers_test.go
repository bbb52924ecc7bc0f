package delivery

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/pma-realtime-go/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// MockTransport is a testify mock of Transport
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Send(ctx context.Context, target Target, eventType string, payload Payload) error {
	args := m.Called(ctx, target, eventType, payload)
	return args.Error(0)
}

// transportFunc adapts a function to Transport
type transportFunc func(ctx context.Context, target Target, eventType string, payload Payload) error

func (f transportFunc) Send(ctx context.Context, target Target, eventType string, payload Payload) error {
	return f(ctx, target, eventType, payload)
}

var okTransport = transportFunc(func(context.Context, Target, string, Payload) error { return nil })

var errUnreachable = stderrors.New("target unreachable")

// memMirror is an in-process Mirror
type memMirror struct {
	mu      sync.Mutex
	data    map[string][]byte
	ttls    map[string]time.Duration
	failPut bool
}

func newMemMirror() *memMirror {
	return &memMirror{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (m *memMirror) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return stderrors.New("mirror unavailable")
	}
	m.data[key] = append([]byte(nil), value...)
	m.ttls[key] = ttl
	return nil
}

func (m *memMirror) Delete(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			delete(m.data, k)
			delete(m.ttls, k)
			removed++
		}
	}
	return removed, nil
}

func (m *memMirror) ttl(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ttls[key]
}

func (m *memMirror) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrMirrorMiss
	}
	return v, nil
}

func (m *memMirror) List(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memMirror) keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

func newTestService(t *testing.T, transport Transport, mirror Mirror, clock Clock, opts Options) *Service {
	t.Helper()
	var deps Dependencies
	deps.Transport = transport
	if mirror != nil {
		deps.Mirror = mirror
	}
	deps.Clock = clock
	deps.Logger = logger.Discard()

	if opts.Routes == nil {
		opts.Routes = map[string]string{
			"collaboration": "collaboration",
			"notification":  "notifications",
			"system":        "system",
			"broadcast":     "broadcast",
		}
	}
	svc, err := NewService(opts, deps)
	require.NoError(t, err)
	return svc
}

func intPtr(n int) *int { return &n }

func priorityPtr(p Priority) *Priority { return &p }
