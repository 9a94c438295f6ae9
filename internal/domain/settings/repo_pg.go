package settings

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mediqueue/mediqueue/internal/platform/db"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *repoPG) Get(ctx context.Context) (*Settings, error) {
	var s Settings
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT delay_minutes, booking_open, max_bookings_per_day, updated_at
		FROM clinic_settings WHERE id = 1`).
		Scan(&s.DelayMinutes, &s.BookingOpen, &s.MaxBookingsPerDay, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get clinic settings: %w", err)
	}
	return &s, nil
}

func (r *repoPG) Update(ctx context.Context, s *Settings) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE clinic_settings SET
			delay_minutes = $1, booking_open = $2, max_bookings_per_day = $3, updated_at = NOW()
		WHERE id = 1`,
		s.DelayMinutes, s.BookingOpen, s.MaxBookingsPerDay)
	if err != nil {
		return fmt.Errorf("update clinic settings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update clinic settings: row 1 missing")
	}
	return nil
}
