package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type memStore struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*Patient
	failErr error
	writes  int
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[uuid.UUID]*Patient)}
}

func (s *memStore) ListAll(_ context.Context) ([]*Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Patient, 0, len(s.rows))
	for _, p := range s.rows {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionOrder < out[j].PositionOrder })
	return out, nil
}

func (s *memStore) Insert(_ context.Context, p *Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failErr != nil {
		return s.failErr
	}
	s.rows[p.ID] = p.clone()
	return nil
}

func (s *memStore) Update(_ context.Context, p *Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failErr != nil {
		return s.failErr
	}
	if _, ok := s.rows[p.ID]; !ok {
		return ErrNotFound
	}
	s.rows[p.ID] = p.clone()
	return nil
}

func (s *memStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failErr != nil {
		return s.failErr
	}
	delete(s.rows, id)
	return nil
}

func (s *memStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failErr != nil {
		return s.failErr
	}
	s.rows = make(map[uuid.UUID]*Patient)
	return nil
}

func (s *memStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows), nil
}

func (s *memStore) BulkInsert(_ context.Context, ps []*Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	for _, p := range ps {
		s.rows[p.ID] = p.clone()
	}
	return nil
}

func (s *memStore) get(id uuid.UUID) (*Patient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

var errStoreDown = errors.New("store unavailable")

type fixedDelay int

func (d fixedDelay) DelayMinutes() int { return int(d) }

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (n *recordingNotifier) NotifyCalled(_ context.Context, name, phone string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, name+"|"+phone)
	return n.err
}

// testClock advances one minute on every reading.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(time.Minute)
	return t
}

func syncRun(f func()) { f() }

func newTestManager(store Store, delay int, opts ...Option) *Manager {
	clock := newTestClock()
	base := []Option{WithRunner(syncRun), WithClock(clock.Now)}
	return NewManager(store, fixedDelay(delay), zerolog.Nop(), append(base, opts...)...)
}

func book(name, phone string) NewPatient {
	return NewPatient{Name: name, Phone: phone, Reason: "General Checkup"}
}
