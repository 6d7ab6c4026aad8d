package pharmacy

import (
	"context"
	"fmt"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Create registers an active pharmacy.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Pharmacy, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p := &Pharmacy{
		Name:      req.Name,
		Address:   req.Address,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Active:    true,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create pharmacy: %w", err)
	}
	return p, nil
}

// Get returns ErrNotFound for unknown ids.
func (s *Service) Get(ctx context.Context, id int64) (*Pharmacy, error) {
	if id <= 0 {
		return nil, ErrNotFound
	}
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Pharmacy, int, error) {
	return s.repo.List(ctx, activeOnly, limit, offset)
}

// SetActive opens or closes a pharmacy for new order assignments. Orders
// already assigned keep flowing.
func (s *Service) SetActive(ctx context.Context, id int64, active bool) (*Pharmacy, error) {
	return s.repo.SetActive(ctx, id, active)
}
