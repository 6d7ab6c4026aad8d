package pharmacy

import "context"

// Repository defines the persistence interface for pharmacies.
type Repository interface {
	Create(ctx context.Context, p *Pharmacy) error
	GetByID(ctx context.Context, id int64) (*Pharmacy, error)
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Pharmacy, int, error)
	SetActive(ctx context.Context, id int64, active bool) (*Pharmacy, error)
}
