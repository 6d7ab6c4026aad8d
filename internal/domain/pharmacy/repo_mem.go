package pharmacy

import (
	"context"
	"sort"
	"sync"
	"time"
)

type repoMem struct {
	mu     sync.RWMutex
	nextID int64
	rows   map[int64]Pharmacy
}

// NewRepoMem returns an in-process repository for the memory store driver.
func NewRepoMem() Repository {
	return &repoMem{rows: make(map[int64]Pharmacy)}
}

func (r *repoMem) Create(_ context.Context, p *Pharmacy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	p.ID = r.nextID
	p.CreatedAt = time.Now().UTC()
	r.rows[p.ID] = *p
	return nil
}

func (r *repoMem) GetByID(_ context.Context, id int64) (*Pharmacy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (r *repoMem) List(_ context.Context, activeOnly bool, limit, offset int) ([]*Pharmacy, int, error) {
	r.mu.RLock()
	all := make([]Pharmacy, 0, len(r.rows))
	for _, p := range r.rows {
		if activeOnly && !p.Active {
			continue
		}
		all = append(all, p)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Name != all[j].Name {
			return all[i].Name < all[j].Name
		}
		return all[i].ID < all[j].ID
	})

	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*Pharmacy, 0, end-offset)
	for i := offset; i < end; i++ {
		p := all[i]
		out = append(out, &p)
	}
	return out, total, nil
}

func (r *repoMem) SetActive(_ context.Context, id int64, active bool) (*Pharmacy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	p.Active = active
	r.rows[id] = p
	return &p, nil
}
