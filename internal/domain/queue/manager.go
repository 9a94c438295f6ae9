package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mediqueue/mediqueue/internal/platform/db"
)

// DelaySource supplies the doctor's current delay offset in minutes.
type DelaySource interface {
	DelayMinutes() int
}

// Notifier tells a called patient to come in.
type Notifier interface {
	NotifyCalled(ctx context.Context, name, phone string) error
}

// Manager owns the in-memory patient collection. Every mutation is applied
// locally first, observers are told, and the matching remote write is issued
// in the background. Remote failures are logged and never rolled back; the
// next full reload replaces local state with whatever the store holds.
//
// The collection is kept sorted by PositionOrder.
type Manager struct {
	mu       sync.RWMutex
	patients []*Patient

	store    Store
	delay    DelaySource
	notifier Notifier
	logger   zerolog.Logger
	run      func(func())
	now      func() time.Time

	obsMu     sync.Mutex
	observers map[int]func(Event)
	nextObs   int
}

type Option func(*Manager)

// WithNotifier sets the notifier used when a patient is called.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithRunner replaces the goroutine launcher used for remote writes and
// notifications. Tests pass a synchronous runner.
func WithRunner(run func(func())) Option {
	return func(m *Manager) { m.run = run }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store Store, delay DelaySource, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		delay:     delay,
		logger:    logger.With().Str("component", "queue").Logger(),
		run:       func(f func()) { go f() },
		now:       time.Now,
		observers: make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// -- Observers --

// Subscribe registers fn to be called after every change. Observers run on
// the goroutine that made the change, outside the manager's lock. The
// returned function removes the observer.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.obsMu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.obsMu.Lock()
			delete(m.observers, id)
			m.obsMu.Unlock()
		})
	}
}

func (m *Manager) emit(ev Event) {
	m.obsMu.Lock()
	fns := make([]func(Event), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.obsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// persist issues a remote write without waiting for it.
func (m *Manager) persist(ctx context.Context, op string, id uuid.UUID, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	m.run(func() {
		if err := fn(ctx); err != nil {
			evt := m.logger.Error().Err(err).Str("op", op)
			if id != uuid.Nil {
				evt = evt.Str("record_id", id.String())
			}
			evt.Msg("remote write failed")
		}
	})
}

// -- Loading --

// Load replaces the local collection with the store's records.
func (m *Manager) Load(ctx context.Context) error {
	items, err := m.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("load patient records: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].PositionOrder < items[j].PositionOrder })

	m.mu.Lock()
	m.patients = items
	m.mu.Unlock()

	m.emit(Event{Type: EventReloaded, Remote: true})
	return nil
}

// Reload is Load under the name used by change-feed consumers.
func (m *Manager) Reload(ctx context.Context) error {
	return m.Load(ctx)
}

// Watch reloads on every notification from feed until ctx is done or feed is
// closed. Notifications carry no data: the last full fetch wins.
func (m *Manager) Watch(ctx context.Context, feed <-chan db.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-feed:
			if !ok {
				return
			}
			if err := m.Reload(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Error().Err(err).Str("payload", n.Payload).Msg("reload after change notification failed")
			}
		}
	}
}

// -- Mutations --

// DailyCap limits the number of records booked at or after Since. Max <= 0
// disables the limit.
type DailyCap struct {
	Since time.Time
	Max   int
}

// Add books a new visit. reusePatientID links the visit to an existing
// patient identifier; when empty the next sequential identifier is issued.
func (m *Manager) Add(ctx context.Context, in NewPatient, reusePatientID string) (*Patient, error) {
	return m.AddCapped(ctx, in, reusePatientID, DailyCap{})
}

// AddCapped is Add with the booking cap counted under the same lock as the
// insert. It returns ErrDailyLimit once limit.Max records exist since limit.Since.
func (m *Manager) AddCapped(ctx context.Context, in NewPatient, reusePatientID string, limit DailyCap) (*Patient, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	var maxOrder int64
	maxSeq := 0
	doneVisits := 0
	booked := 0
	for _, p := range m.patients {
		if limit.Max > 0 && !p.BookedAt.Before(limit.Since) {
			booked++
		}
		if p.PositionOrder > maxOrder {
			maxOrder = p.PositionOrder
		}
		if n, ok := patientSeq(p.PatientID); ok && n > maxSeq {
			maxSeq = n
		}
		if p.Status == StatusDone && (p.Phone == in.Phone || (reusePatientID != "" && p.PatientID == reusePatientID)) {
			doneVisits++
		}
	}
	if limit.Max > 0 && booked >= limit.Max {
		m.mu.Unlock()
		return nil, ErrDailyLimit
	}

	pid := reusePatientID
	if pid == "" {
		pid = FormatPatientID(maxSeq + 1)
	}
	visit := doneVisits + 1
	p := &Patient{
		ID:            uuid.New(),
		PatientID:     pid,
		Name:          in.Name,
		Phone:         in.Phone,
		Reason:        in.Reason,
		Age:           in.Age,
		HeightCm:      in.HeightCm,
		WeightKg:      in.WeightKg,
		BookedAt:      m.now(),
		Status:        StatusWaiting,
		IsFollowUp:    visit > 1 || reusePatientID != "",
		VisitNumber:   visit,
		PositionOrder: maxOrder + 1,
		SchemaVersion: SchemaVersion,
	}
	m.patients = append(m.patients, p)
	out := p.clone()
	m.mu.Unlock()

	m.emit(Event{Type: EventAdded, RecordID: out.ID})
	m.persist(ctx, "insert", out.ID, func(ctx context.Context) error { return m.store.Insert(ctx, out.clone()) })
	return out, nil
}

// CallNext calls the waiting patient with the smallest PositionOrder. It
// returns false, changing nothing, when nobody is waiting.
func (m *Manager) CallNext(ctx context.Context) (*Patient, bool) {
	m.mu.Lock()
	var next *Patient
	for _, p := range m.patients {
		if p.Status == StatusWaiting {
			next = p
			break
		}
	}
	if next == nil {
		m.mu.Unlock()
		return nil, false
	}
	out := m.callLocked(next)
	m.mu.Unlock()

	m.afterCall(ctx, out)
	return out, true
}

// CallSpecific calls a named waiting patient regardless of order.
func (m *Manager) CallSpecific(ctx context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	p := m.findLocked(id)
	if p == nil {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if p.Status != StatusWaiting {
		status := p.Status
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot call a %s patient", ErrInvalidTransition, status)
	}
	out := m.callLocked(p)
	m.mu.Unlock()

	m.afterCall(ctx, out)
	return out, nil
}

func (m *Manager) callLocked(p *Patient) *Patient {
	now := m.now()
	p.Status = StatusCalled
	p.CalledAt = &now
	return p.clone()
}

func (m *Manager) afterCall(ctx context.Context, p *Patient) {
	m.emit(Event{Type: EventCalled, RecordID: p.ID})
	m.persist(ctx, "update", p.ID, func(ctx context.Context) error { return m.store.Update(ctx, p.clone()) })
	if m.notifier == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	m.run(func() {
		if err := m.notifier.NotifyCalled(bg, p.Name, p.Phone); err != nil {
			m.logger.Debug().Err(err).Str("record_id", p.ID.String()).Msg("notification skipped")
		}
	})
}

// Move shifts a waiting patient one place up or down among waiting patients
// by swapping PositionOrder with its neighbour. It returns false when the
// patient is already first (up) or last (down).
func (m *Manager) Move(ctx context.Context, id uuid.UUID, dir Direction) (bool, error) {
	if dir != DirectionUp && dir != DirectionDown {
		return false, ErrInvalidDirection
	}

	m.mu.Lock()
	target := m.findLocked(id)
	if target == nil {
		m.mu.Unlock()
		return false, ErrNotFound
	}
	if target.Status != StatusWaiting {
		m.mu.Unlock()
		return false, ErrNotWaiting
	}

	waiting := m.byStatusLocked(StatusWaiting)
	idx := -1
	for i, p := range waiting {
		if p.ID == id {
			idx = i
			break
		}
	}
	swap := idx - 1
	if dir == DirectionDown {
		swap = idx + 1
	}
	if swap < 0 || swap >= len(waiting) {
		m.mu.Unlock()
		return false, nil
	}

	other := waiting[swap]
	target.PositionOrder, other.PositionOrder = other.PositionOrder, target.PositionOrder
	sort.SliceStable(m.patients, func(i, j int) bool { return m.patients[i].PositionOrder < m.patients[j].PositionOrder })
	a, b := target.clone(), other.clone()
	m.mu.Unlock()

	m.emit(Event{Type: EventMoved, RecordID: a.ID})
	m.persist(ctx, "update", a.ID, func(ctx context.Context) error { return m.store.Update(ctx, a) })
	m.persist(ctx, "update", b.ID, func(ctx context.Context) error { return m.store.Update(ctx, b) })
	return true, nil
}

// MarkDone completes a visit. Notes replace existing notes only when
// non-empty. A visit that is already done is rejected and left untouched.
func (m *Manager) MarkDone(ctx context.Context, id uuid.UUID, notes *string) (*Patient, error) {
	m.mu.Lock()
	p := m.findLocked(id)
	if p == nil {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if p.Status == StatusDone {
		m.mu.Unlock()
		return nil, ErrAlreadyDone
	}
	now := m.now()
	p.Status = StatusDone
	p.DoneAt = &now
	if notes != nil && *notes != "" {
		v := *notes
		p.DoctorNotes = &v
	}
	out := p.clone()
	m.mu.Unlock()

	m.emit(Event{Type: EventDone, RecordID: out.ID})
	m.persist(ctx, "update", out.ID, func(ctx context.Context) error { return m.store.Update(ctx, out.clone()) })
	return out, nil
}

// Delete removes one record.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	idx := -1
	for i, p := range m.patients {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		m.mu.Unlock()
		return ErrNotFound
	}
	m.patients = append(m.patients[:idx:idx], m.patients[idx+1:]...)
	m.mu.Unlock()

	m.emit(Event{Type: EventDeleted, RecordID: id})
	m.persist(ctx, "delete", id, func(ctx context.Context) error { return m.store.Delete(ctx, id) })
	return nil
}

// DeleteAll removes every record.
func (m *Manager) DeleteAll(ctx context.Context) {
	m.mu.Lock()
	m.patients = nil
	m.mu.Unlock()

	m.emit(Event{Type: EventCleared})
	m.persist(ctx, "delete_all", uuid.Nil, m.store.DeleteAll)
}

// -- Queries --

func (m *Manager) findLocked(id uuid.UUID) *Patient {
	for _, p := range m.patients {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (m *Manager) byStatusLocked(s Status) []*Patient {
	var out []*Patient
	for _, p := range m.patients {
		if p.Status == s {
			out = append(out, p)
		}
	}
	return out
}

func cloneAll(ps []*Patient) []*Patient {
	out := make([]*Patient, len(ps))
	for i, p := range ps {
		out[i] = p.clone()
	}
	return out
}

func (m *Manager) delayMinutes() int {
	if m.delay == nil {
		return 0
	}
	return m.delay.DelayMinutes()
}

// Patients returns a copy of the whole collection in queue order.
func (m *Manager) Patients() []*Patient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneAll(m.patients)
}

func (m *Manager) Waiting() []*Patient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneAll(m.byStatusLocked(StatusWaiting))
}

func (m *Manager) Called() []*Patient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneAll(m.byStatusLocked(StatusCalled))
}

func (m *Manager) Done() []*Patient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneAll(m.byStatusLocked(StatusDone))
}

// Current returns the first called patient, or nil.
func (m *Manager) Current() *Patient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.patients {
		if p.Status == StatusCalled {
			return p.clone()
		}
	}
	return nil
}

func (m *Manager) Get(id uuid.UUID) (*Patient, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.findLocked(id)
	if p == nil {
		return nil, false
	}
	return p.clone(), true
}

// Position is the 1-based place of a waiting patient, counting one extra
// slot when anyone is in consultation. It is -1 for patients not waiting.
func (m *Manager) Position(id uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := -1
	anyCalled := false
	w := 0
	for _, p := range m.patients {
		switch p.Status {
		case StatusCalled:
			anyCalled = true
		case StatusWaiting:
			if p.ID == id {
				idx = w
			}
			w++
		}
	}
	if idx == -1 {
		return -1
	}
	pos := idx + 1
	if anyCalled {
		pos++
	}
	return pos
}

// ETA is the estimated wait in minutes for a waiting patient: the delay
// offset, plus one visit for everyone in consultation, plus one visit for
// everyone waiting ahead. It is 0 for patients not waiting.
func (m *Manager) ETA(id uuid.UUID) int {
	delay := m.delayMinutes()

	m.mu.RLock()
	defer m.mu.RUnlock()

	target := m.findLocked(id)
	if target == nil || target.Status != StatusWaiting {
		return 0
	}
	eta := delay
	for _, p := range m.patients {
		if p.Status == StatusCalled {
			eta += p.VisitMinutes()
		}
	}
	for _, p := range m.patients {
		if p.ID == id {
			break
		}
		if p.Status == StatusWaiting {
			eta += p.VisitMinutes()
		}
	}
	return eta
}

// FindByPhone returns the first record in queue order with the phone number.
// Several visits may share a number; the match is not necessarily the
// active one.
func (m *Manager) FindByPhone(phone string) (*Patient, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.patients {
		if p.Phone == phone {
			return p.clone(), true
		}
	}
	return nil, false
}

// FindByPatientID returns the first record in queue order with the patient
// identifier.
func (m *Manager) FindByPatientID(pid string) (*Patient, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.patients {
		if p.PatientID == pid {
			return p.clone(), true
		}
	}
	return nil, false
}

// VisitCount is the number of completed visits for a phone number.
func (m *Manager) VisitCount(phone string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.patients {
		if p.Phone == phone && p.Status == StatusDone {
			n++
		}
	}
	return n
}

// BookedSince counts records booked at or after t.
func (m *Manager) BookedSince(t time.Time) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.patients {
		if !p.BookedAt.Before(t) {
			n++
		}
	}
	return n
}

// Stats summarizes the queue. TotalWaitMinutes assumes first-visit length for
// everyone waiting.
func (m *Manager) Stats() Stats {
	delay := m.delayMinutes()

	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{DelayMinutes: delay, Total: len(m.patients)}
	for _, p := range m.patients {
		switch p.Status {
		case StatusWaiting:
			s.Waiting++
		case StatusCalled:
			s.Called++
		case StatusDone:
			s.Done++
		}
	}
	s.TotalWaitMinutes = s.Waiting*FirstVisitMinutes + delay
	return s
}
