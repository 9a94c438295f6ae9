package settings

import (
	"errors"
	"time"
)

// DelayStep is the console's +/- delay button increment, in minutes.
const DelayStep = 5

// Upper bounds accepted for the shared row.
const (
	MaxDelayMinutes  = 24 * 60
	MaxDailyBookings = 10000
)

var ErrInvalidInput = errors.New("invalid settings")

// Settings is the clinic-wide configuration. NotificationsEnabled is a
// local preference of this installation and is not stored in the shared
// settings row.
type Settings struct {
	DelayMinutes         int       `json:"delay_minutes"`
	BookingOpen          bool      `json:"booking_open"`
	MaxBookingsPerDay    int       `json:"max_bookings_per_day"`
	NotificationsEnabled bool      `json:"notifications_enabled"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Defaults match the row seeded by the migration.
func Defaults() Settings {
	return Settings{BookingOpen: true, NotificationsEnabled: true}
}

// Update is a partial change; nil fields are left alone.
type Update struct {
	DelayMinutes         *int  `json:"delay_minutes,omitempty"`
	BookingOpen          *bool `json:"booking_open,omitempty"`
	MaxBookingsPerDay    *int  `json:"max_bookings_per_day,omitempty"`
	NotificationsEnabled *bool `json:"notifications_enabled,omitempty"`
}

// addDelay returns cur+delta saturated to [0, MaxDelayMinutes]. cur must
// already be in range.
func addDelay(cur, delta int) int {
	switch {
	case delta > MaxDelayMinutes-cur:
		return MaxDelayMinutes
	case delta < -cur:
		return 0
	}
	return cur + delta
}
