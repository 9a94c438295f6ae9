package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mediqueue/mediqueue/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (r *storePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const patientCols = `id, patient_id, name, phone, reason, age, height_cm, weight_kg,
	booked_at, called_at, done_at, status, is_follow_up, visit_number,
	doctor_notes, position_order, schema_version`

const insertPatientSQL = `
	INSERT INTO patient_record (` + patientCols + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`

// Timestamps are stored as epoch milliseconds.
func toMillis(t time.Time) int64 { return t.UnixMilli() }

func toMillisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

func fromMillisPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.UnixMilli(*v)
	return &t
}

func patientArgs(p *Patient) []interface{} {
	return []interface{}{
		p.ID, p.PatientID, p.Name, p.Phone, p.Reason, p.Age, p.HeightCm, p.WeightKg,
		toMillis(p.BookedAt), toMillisPtr(p.CalledAt), toMillisPtr(p.DoneAt), string(p.Status),
		p.IsFollowUp, p.VisitNumber, p.DoctorNotes, p.PositionOrder, p.SchemaVersion,
	}
}

func (r *storePG) scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var booked int64
	var called, done *int64
	var status string
	err := row.Scan(&p.ID, &p.PatientID, &p.Name, &p.Phone, &p.Reason, &p.Age, &p.HeightCm, &p.WeightKg,
		&booked, &called, &done, &status, &p.IsFollowUp, &p.VisitNumber,
		&p.DoctorNotes, &p.PositionOrder, &p.SchemaVersion)
	if err != nil {
		return nil, err
	}
	p.BookedAt = time.UnixMilli(booked)
	p.CalledAt = fromMillisPtr(called)
	p.DoneAt = fromMillisPtr(done)
	p.Status = Status(status)
	return &p, nil
}

func (r *storePG) ListAll(ctx context.Context) ([]*Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patient_record ORDER BY position_order, booked_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := r.scanPatient(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *storePG) Insert(ctx context.Context, p *Patient) error {
	_, err := r.conn(ctx).Exec(ctx, insertPatientSQL, patientArgs(p)...)
	return err
}

func (r *storePG) Update(ctx context.Context, p *Patient) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_record SET patient_id=$2, name=$3, phone=$4, reason=$5, age=$6,
			height_cm=$7, weight_kg=$8, booked_at=$9, called_at=$10, done_at=$11, status=$12,
			is_follow_up=$13, visit_number=$14, doctor_notes=$15, position_order=$16,
			schema_version=$17
		WHERE id = $1`, patientArgs(p)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (r *storePG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient_record WHERE id = $1`, id)
	return err
}

func (r *storePG) DeleteAll(ctx context.Context) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient_record`)
	return err
}

func (r *storePG) Count(ctx context.Context) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patient_record`).Scan(&n)
	return n, err
}

// BulkInsert writes all records in one transaction.
func (r *storePG) BulkInsert(ctx context.Context, ps []*Patient) error {
	if len(ps) == 0 {
		return nil
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, p := range ps {
			batch.Queue(insertPatientSQL, patientArgs(p)...)
		}
		br := r.conn(ctx).SendBatch(ctx, batch)
		for i := range ps {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("insert record %d: %w", i, err)
			}
		}
		return br.Close()
	})
}
