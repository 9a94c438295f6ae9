package db

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Notification is a single NOTIFY delivered on a LISTENed channel.
type Notification struct {
	Channel string
	Payload string
}

// SyncPayload is delivered on every channel each time LISTEN is established,
// including the first time. Changes committed before that point produced no
// notification for this listener.
const SyncPayload = "sync"

type subscriber struct {
	channel string
	ch      chan Notification
}

// Listener holds one dedicated pool connection in LISTEN mode and fans
// notifications out to in-process subscribers. Subscriber channels are
// buffered and never block the listener: when a buffer is full the
// notification is dropped, which is safe for consumers that refetch full
// state on any notification.
type Listener struct {
	pool     *pgxpool.Pool
	channels []string
	logger   zerolog.Logger
	retry    time.Duration

	mu     sync.RWMutex
	nextID int
	subs   map[int]subscriber

	connected atomic.Bool
}

// NewListener creates a Listener for the given channels. Call Run to start it.
func NewListener(pool *pgxpool.Pool, logger zerolog.Logger, channels ...string) *Listener {
	return &Listener{
		pool:     pool,
		channels: channels,
		logger:   logger.With().Str("component", "change_feed").Logger(),
		retry:    2 * time.Second,
		subs:     make(map[int]subscriber),
	}
}

// Subscribe returns a channel receiving notifications for one LISTENed
// channel, and a function that removes the subscription.
func (l *Listener) Subscribe(channel string, buffer int) (<-chan Notification, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Notification, buffer)

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = subscriber{channel: channel, ch: ch}
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Connected reports whether the LISTEN connection is currently established.
func (l *Listener) Connected() bool {
	return l.connected.Load()
}

// Run listens until ctx is cancelled, reconnecting after a pause whenever the
// connection fails. It returns ctx.Err().
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		l.connected.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Error().Err(err).Dur("retry_in", l.retry).Msg("change feed connection lost")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	for _, ch := range l.channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	l.established()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.dispatch(Notification{Channel: n.Channel, Payload: n.Payload})
	}
}

// established marks the feed connected and asks every subscriber to resync.
func (l *Listener) established() {
	l.connected.Store(true)
	l.logger.Info().Strs("channels", l.channels).Msg("change feed listening")
	for _, ch := range l.channels {
		l.dispatch(Notification{Channel: ch, Payload: SyncPayload})
	}
}

func (l *Listener) dispatch(n Notification) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, s := range l.subs {
		if s.channel != n.Channel {
			continue
		}
		select {
		case s.ch <- n:
		default:
			// A refetch is already pending for this subscriber.
		}
	}
}
