package queue

import (
	"context"

	"github.com/google/uuid"
)

// Store is the remote copy of the patient records.
type Store interface {
	ListAll(ctx context.Context) ([]*Patient, error)
	Insert(ctx context.Context, p *Patient) error
	Update(ctx context.Context, p *Patient) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteAll(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	BulkInsert(ctx context.Context, ps []*Patient) error
}
