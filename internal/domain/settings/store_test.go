package settings

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediqueue/mediqueue/internal/platform/db"
	"github.com/mediqueue/mediqueue/internal/platform/prefs"
)

type memRepo struct {
	mu      sync.Mutex
	row     Settings
	updates int
	failErr error
}

func (r *memRepo) Get(_ context.Context) (*Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return nil, r.failErr
	}
	row := r.row
	return &row, nil
}

func (r *memRepo) Update(_ context.Context, s *Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	if r.failErr != nil {
		return r.failErr
	}
	r.row = *s
	return nil
}

func syncRun(f func()) { f() }

func newTestStore(t *testing.T, row Settings) (*Store, *memRepo, prefs.Store) {
	t.Helper()
	repo := &memRepo{row: row}
	p := prefs.NewMemoryStore()
	s := NewStore(repo, p, zerolog.Nop(), WithRunner(syncRun))
	require.NoError(t, s.Load(context.Background()))
	return s, repo, p
}

func TestLoad_DefaultsNotificationsOn(t *testing.T) {
	s, _, _ := newTestStore(t, Settings{DelayMinutes: 10, BookingOpen: true, MaxBookingsPerDay: 30})

	got := s.Get()
	assert.Equal(t, 10, got.DelayMinutes)
	assert.Equal(t, 30, got.MaxBookingsPerDay)
	assert.True(t, got.BookingOpen)
	assert.True(t, got.NotificationsEnabled)
}

func TestLoad_RepoError(t *testing.T) {
	repo := &memRepo{failErr: errors.New("db down")}
	s := NewStore(repo, prefs.NewMemoryStore(), zerolog.Nop())
	assert.Error(t, s.Load(context.Background()))
	assert.Equal(t, Defaults(), s.Get())
}

func TestSetDelay_ClampsAtZero(t *testing.T) {
	ctx := context.Background()
	s, repo, _ := newTestStore(t, Settings{BookingOpen: true})

	got, err := s.SetDelay(ctx, -5)
	require.NoError(t, err)
	assert.Equal(t, 0, got.DelayMinutes)

	got, err = s.SetDelay(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, 20, got.DelayMinutes)
	assert.Equal(t, 20, repo.row.DelayMinutes)
}

func TestSetDelay_RejectsAboveMax(t *testing.T) {
	ctx := context.Background()
	s, repo, _ := newTestStore(t, Settings{DelayMinutes: 10})

	_, err := s.SetDelay(ctx, 3_000_000_000)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = s.SetDelay(ctx, MaxDelayMinutes+1)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, 10, s.DelayMinutes())
	assert.Equal(t, 0, repo.updates)

	got, err := s.SetDelay(ctx, MaxDelayMinutes)
	require.NoError(t, err)
	assert.Equal(t, MaxDelayMinutes, got.DelayMinutes)
}

func TestAdjustDelay_SaturatesAtMax(t *testing.T) {
	ctx := context.Background()
	s, repo, _ := newTestStore(t, Settings{})

	s.AdjustDelay(ctx, DelayStep)
	assert.Equal(t, MaxDelayMinutes, s.AdjustDelay(ctx, math.MaxInt).DelayMinutes)
	assert.Equal(t, MaxDelayMinutes, s.AdjustDelay(ctx, DelayStep).DelayMinutes)
	assert.Equal(t, 0, s.AdjustDelay(ctx, math.MinInt).DelayMinutes)
	assert.Equal(t, 0, repo.row.DelayMinutes)
}

func TestAdjustDelay_FloorZero(t *testing.T) {
	ctx := context.Background()
	s, repo, _ := newTestStore(t, Settings{DelayMinutes: 5})

	assert.Equal(t, 10, s.AdjustDelay(ctx, DelayStep).DelayMinutes)
	assert.Equal(t, 5, s.AdjustDelay(ctx, -DelayStep).DelayMinutes)
	assert.Equal(t, 0, s.AdjustDelay(ctx, -3*DelayStep).DelayMinutes)
	assert.Equal(t, 3, repo.updates)
	assert.Equal(t, 0, s.DelayMinutes())
}

func TestSetMaxBookingsPerDay(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Settings{})

	_, err := s.SetMaxBookingsPerDay(ctx, -1)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = s.SetMaxBookingsPerDay(ctx, MaxDailyBookings+1)
	assert.ErrorIs(t, err, ErrInvalidInput)

	got, err := s.SetMaxBookingsPerDay(ctx, 25)
	require.NoError(t, err)
	assert.Equal(t, 25, got.MaxBookingsPerDay)
	assert.Equal(t, 25, s.MaxBookingsPerDay())
}

func TestSetBookingOpen(t *testing.T) {
	s, repo, _ := newTestStore(t, Settings{BookingOpen: true})
	s.SetBookingOpen(context.Background(), false)
	assert.False(t, s.BookingOpen())
	assert.False(t, repo.row.BookingOpen)
}

func TestSetNotificationsEnabled_PersistsLocally(t *testing.T) {
	ctx := context.Background()
	s, repo, p := newTestStore(t, Settings{})

	_, err := s.SetNotificationsEnabled(ctx, false)
	require.NoError(t, err)
	assert.False(t, s.NotificationsEnabled())
	assert.Equal(t, 0, repo.updates, "flag is not written to the shared row")

	v, err := prefs.GetBool(ctx, p, prefs.KeyNotificationsEnabled, true)
	require.NoError(t, err)
	assert.False(t, v)

	// A reload keeps the local preference.
	require.NoError(t, s.Reload(ctx))
	assert.False(t, s.NotificationsEnabled())
}

func TestRemoteFailureKeepsLocalValue(t *testing.T) {
	s, repo, _ := newTestStore(t, Settings{})
	repo.failErr = errors.New("db down")

	_, err := s.SetDelay(context.Background(), 15)
	require.NoError(t, err)
	assert.Equal(t, 15, s.DelayMinutes())
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	s, repo, _ := newTestStore(t, Settings{BookingOpen: true})

	delay, open, enabled := 15, false, false
	got, err := s.Apply(ctx, Update{DelayMinutes: &delay, BookingOpen: &open, NotificationsEnabled: &enabled})
	require.NoError(t, err)
	assert.Equal(t, 15, got.DelayMinutes)
	assert.False(t, got.BookingOpen)
	assert.False(t, got.NotificationsEnabled)
	assert.Equal(t, 1, repo.updates)

	negative := -2
	_, err = s.Apply(ctx, Update{MaxBookingsPerDay: &negative, DelayMinutes: &delay})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, 1, repo.updates, "invalid update writes nothing")

	huge := MaxDelayMinutes + 1
	_, err = s.Apply(ctx, Update{DelayMinutes: &huge})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, 15, s.DelayMinutes())
}

func TestSubscribe(t *testing.T) {
	s, _, _ := newTestStore(t, Settings{})
	var seen []int
	unsubscribe := s.Subscribe(func(cur Settings) { seen = append(seen, cur.DelayMinutes) })

	s.SetDelay(context.Background(), 5)
	unsubscribe()
	s.AdjustDelay(context.Background(), DelayStep)

	assert.Equal(t, []int{5}, seen)
}

func TestWatch_Reloads(t *testing.T) {
	s, repo, _ := newTestStore(t, Settings{})

	reloaded := make(chan Settings, 1)
	s.Subscribe(func(cur Settings) { reloaded <- cur })

	repo.mu.Lock()
	repo.row.DelayMinutes = 30
	repo.mu.Unlock()

	feed := make(chan db.Notification, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Watch(ctx, feed)
		close(done)
	}()

	feed <- db.Notification{Channel: "settings_changes", Payload: "UPDATE"}
	got := <-reloaded
	assert.Equal(t, 30, got.DelayMinutes)

	cancel()
	<-done
}

func TestRedisPreference(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	require.NoError(t, mr.Set("mediqueue:"+prefs.KeyNotificationsEnabled, "false"))

	s := NewStore(&memRepo{}, prefs.NewRedisStore(client, "mediqueue:"), zerolog.Nop(), WithRunner(syncRun))
	require.NoError(t, s.Load(context.Background()))
	assert.False(t, s.NotificationsEnabled())
}
