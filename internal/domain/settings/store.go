package settings

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mediqueue/mediqueue/internal/platform/db"
	"github.com/mediqueue/mediqueue/internal/platform/prefs"
)

// Store caches the settings row and the local notification preference.
// Changes apply to the cache at once and are written to the repository in
// the background, the same way the queue manager writes patient records.
type Store struct {
	mu  sync.RWMutex
	cur Settings

	repo   Repository
	prefs  prefs.Store
	logger zerolog.Logger
	run    func(func())

	obsMu     sync.Mutex
	observers map[int]func(Settings)
	nextObs   int
}

type Option func(*Store)

// WithRunner replaces the goroutine launcher used for repository writes.
func WithRunner(run func(func())) Option {
	return func(s *Store) { s.run = run }
}

func NewStore(repo Repository, p prefs.Store, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		cur:       Defaults(),
		repo:      repo,
		prefs:     p,
		logger:    logger.With().Str("component", "settings").Logger(),
		run:       func(f func()) { go f() },
		observers: make(map[int]func(Settings)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn to receive the settings after every change.
func (s *Store) Subscribe(fn func(Settings)) func() {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

func (s *Store) emit(cur Settings) {
	s.obsMu.Lock()
	fns := make([]func(Settings), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn(cur)
	}
}

// Load fetches the settings row and the notification preference.
func (s *Store) Load(ctx context.Context) error {
	row, err := s.repo.Get(ctx)
	if err != nil {
		return err
	}
	enabled, err := prefs.GetBool(ctx, s.prefs, prefs.KeyNotificationsEnabled, true)
	if err != nil {
		s.logger.Warn().Err(err).Msg("notification preference unreadable, using default")
	}
	row.NotificationsEnabled = enabled

	s.mu.Lock()
	s.cur = *row
	cur := s.cur
	s.mu.Unlock()

	s.emit(cur)
	return nil
}

// Reload is Load under the name used by change-feed consumers.
func (s *Store) Reload(ctx context.Context) error {
	return s.Load(ctx)
}

// Watch reloads on every notification from feed until ctx is done or feed is
// closed.
func (s *Store) Watch(ctx context.Context, feed <-chan db.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-feed:
			if !ok {
				return
			}
			if err := s.Reload(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error().Err(err).Str("payload", n.Payload).Msg("reload after change notification failed")
			}
		}
	}
}

func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *Store) DelayMinutes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.DelayMinutes
}

func (s *Store) BookingOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.BookingOpen
}

func (s *Store) MaxBookingsPerDay() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.MaxBookingsPerDay
}

func (s *Store) NotificationsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.NotificationsEnabled
}

// mutate applies fn to the cached row and schedules the repository write.
func (s *Store) mutate(ctx context.Context, fn func(*Settings)) Settings {
	s.mu.Lock()
	fn(&s.cur)
	s.cur.UpdatedAt = time.Now()
	cur := s.cur
	s.mu.Unlock()

	s.emit(cur)

	bg := context.WithoutCancel(ctx)
	s.run(func() {
		row := cur
		if err := s.repo.Update(bg, &row); err != nil {
			s.logger.Error().Err(err).Msg("remote settings write failed")
		}
	})
	return cur
}

// SetDelay sets the delay offset. Negative values are clamped to 0; values
// above MaxDelayMinutes are rejected.
func (s *Store) SetDelay(ctx context.Context, minutes int) (Settings, error) {
	if err := checkDelay(minutes); err != nil {
		return s.Get(), err
	}
	if minutes < 0 {
		minutes = 0
	}
	return s.mutate(ctx, func(cur *Settings) { cur.DelayMinutes = minutes }), nil
}

// AdjustDelay adds delta to the delay offset, saturating at 0 and
// MaxDelayMinutes.
func (s *Store) AdjustDelay(ctx context.Context, delta int) Settings {
	return s.mutate(ctx, func(cur *Settings) {
		cur.DelayMinutes = addDelay(cur.DelayMinutes, delta)
	})
}

func checkDelay(minutes int) error {
	if minutes > MaxDelayMinutes {
		return fmt.Errorf("%w: delay_minutes must be at most %d", ErrInvalidInput, MaxDelayMinutes)
	}
	return nil
}

func checkMaxBookings(limit int) error {
	switch {
	case limit < 0:
		return fmt.Errorf("%w: max_bookings_per_day must not be negative", ErrInvalidInput)
	case limit > MaxDailyBookings:
		return fmt.Errorf("%w: max_bookings_per_day must be at most %d", ErrInvalidInput, MaxDailyBookings)
	}
	return nil
}

func (s *Store) SetBookingOpen(ctx context.Context, open bool) Settings {
	return s.mutate(ctx, func(cur *Settings) { cur.BookingOpen = open })
}

// SetMaxBookingsPerDay sets the daily cap; 0 means unlimited.
func (s *Store) SetMaxBookingsPerDay(ctx context.Context, limit int) (Settings, error) {
	if err := checkMaxBookings(limit); err != nil {
		return s.Get(), err
	}
	return s.mutate(ctx, func(cur *Settings) { cur.MaxBookingsPerDay = limit }), nil
}

// SetNotificationsEnabled stores the local notification preference.
func (s *Store) SetNotificationsEnabled(ctx context.Context, enabled bool) (Settings, error) {
	if err := prefs.SetBool(ctx, s.prefs, prefs.KeyNotificationsEnabled, enabled); err != nil {
		return s.Get(), fmt.Errorf("save notification preference: %w", err)
	}
	s.mu.Lock()
	s.cur.NotificationsEnabled = enabled
	cur := s.cur
	s.mu.Unlock()

	s.emit(cur)
	return cur, nil
}

// Apply validates u as a whole and then applies each present field.
func (s *Store) Apply(ctx context.Context, u Update) (Settings, error) {
	if u.DelayMinutes != nil {
		if err := checkDelay(*u.DelayMinutes); err != nil {
			return s.Get(), err
		}
	}
	if u.MaxBookingsPerDay != nil {
		if err := checkMaxBookings(*u.MaxBookingsPerDay); err != nil {
			return s.Get(), err
		}
	}
	if u.NotificationsEnabled != nil {
		if _, err := s.SetNotificationsEnabled(ctx, *u.NotificationsEnabled); err != nil {
			return s.Get(), err
		}
	}
	if u.DelayMinutes == nil && u.BookingOpen == nil && u.MaxBookingsPerDay == nil {
		return s.Get(), nil
	}
	return s.mutate(ctx, func(cur *Settings) {
		if u.DelayMinutes != nil {
			cur.DelayMinutes = *u.DelayMinutes
			if cur.DelayMinutes < 0 {
				cur.DelayMinutes = 0
			}
		}
		if u.BookingOpen != nil {
			cur.BookingOpen = *u.BookingOpen
		}
		if u.MaxBookingsPerDay != nil {
			cur.MaxBookingsPerDay = *u.MaxBookingsPerDay
		}
	}), nil
}
