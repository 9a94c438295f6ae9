package staff

import "context"

type Repository interface {
	Get(ctx context.Context, id string) (*Account, error)
	Upsert(ctx context.Context, a *Account) error
	List(ctx context.Context) ([]*Account, error)
}
