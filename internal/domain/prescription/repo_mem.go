package prescription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memEntry struct {
	// lock is held by UpdateLocked for the whole read-modify-write.
	lock  chan struct{}
	order *Order
}

type orderRepoMem struct {
	mu          sync.RWMutex
	rows        map[uuid.UUID]*memEntry
	byCode      map[string]uuid.UUID
	lockTimeout time.Duration
	now         func() time.Time

	// failCommit, when set, runs after fn succeeds and before the write is
	// applied. A non-nil result aborts the write.
	failCommit func(next *Order) error
}

// NewRepoMem returns an in-process order store with the same locking
// contract as the Postgres store.
func NewRepoMem(lockTimeout time.Duration) Repository {
	return newRepoMem(lockTimeout)
}

func newRepoMem(lockTimeout time.Duration) *orderRepoMem {
	return &orderRepoMem{
		rows:        make(map[uuid.UUID]*memEntry),
		byCode:      make(map[string]uuid.UUID),
		lockTimeout: lockTimeout,
		now:         time.Now,
	}
}

func (r *orderRepoMem) Create(ctx context.Context, o *Order) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "insert order", Err: err}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byCode[o.TrackingCode]; ok {
		return &DuplicateTrackingCodeError{TrackingCode: o.TrackingCode, ExistingID: id}
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = r.now().UTC()
	}
	o.UpdatedAt = o.CreatedAt
	r.rows[o.ID] = &memEntry{lock: make(chan struct{}, 1), order: o.Clone()}
	r.byCode[o.TrackingCode] = o.ID
	return nil
}

func (r *orderRepoMem) GetByID(_ context.Context, id uuid.UUID) (*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.order.Clone(), nil
}

func (r *orderRepoMem) GetByTrackingCode(ctx context.Context, code string) (*Order, error) {
	r.mu.RLock()
	id, ok := r.byCode[code]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *orderRepoMem) acquire(ctx context.Context, e *memEntry) error {
	var timeout <-chan time.Time
	if r.lockTimeout > 0 {
		t := time.NewTimer(r.lockTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-timeout:
		return &StorageError{Op: "lock order", Err: ErrLockTimeout}
	case <-ctx.Done():
		return &StorageError{Op: "lock order", Err: ctx.Err()}
	}
}

func (r *orderRepoMem) UpdateLocked(ctx context.Context, id uuid.UUID, fn UpdateFunc) (*Order, error) {
	r.mu.RLock()
	e, ok := r.rows[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if err := r.acquire(ctx, e); err != nil {
		return nil, err
	}
	defer func() { <-e.lock }()

	r.mu.RLock()
	cur := e.order.Clone()
	r.mu.RUnlock()

	next, err := fn(ctx, cur)
	if err != nil {
		return nil, err
	}
	if r.failCommit != nil {
		if err := r.failCommit(next); err != nil {
			return nil, &StorageError{Op: "commit order", Err: err}
		}
	}

	r.mu.Lock()
	e.order = next.Clone()
	r.mu.Unlock()
	return next, nil
}

// snapshot returns committed copies of every order matching keep.
func (r *orderRepoMem) snapshot(keep func(*Order) bool) []*Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Order
	for _, e := range r.rows {
		if keep(e.order) {
			out = append(out, e.order.Clone())
		}
	}
	return out
}

func newestFirst(orders []*Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID.String() < orders[j].ID.String()
	})
}

func page(orders []*Order, limit, offset int) []*Order {
	if offset >= len(orders) {
		return nil
	}
	end := len(orders)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return orders[offset:end]
}

func (r *orderRepoMem) ListByOwner(_ context.Context, owner string, limit, offset int) ([]*Order, int, error) {
	out := r.snapshot(func(o *Order) bool { return o.OwnerIdentity == owner })
	newestFirst(out)
	return page(out, limit, offset), len(out), nil
}

func (r *orderRepoMem) ListForFacility(_ context.Context, facilityID int64, since time.Time, limit, offset int) ([]*Order, int, error) {
	out := r.snapshot(func(o *Order) bool {
		if o.FacilityID == nil || *o.FacilityID != facilityID {
			return false
		}
		if o.Status.Open() {
			return true
		}
		at := o.TerminalAt()
		return o.Status.Finished() && at != nil && !at.Before(since)
	})
	newestFirst(out)
	return page(out, limit, offset), len(out), nil
}

func (r *orderRepoMem) ListFinished(_ context.Context, facilityID int64, from, to time.Time) ([]*Order, error) {
	out := r.snapshot(func(o *Order) bool {
		if o.FacilityID == nil || *o.FacilityID != facilityID || !o.Status.Finished() {
			return false
		}
		at := o.TerminalAt()
		return at != nil && !at.Before(from) && !at.After(to)
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].TerminalAt(), out[j].TerminalAt()
		if !a.Equal(*b) {
			return a.After(*b)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *orderRepoMem) CountByStatus(context.Context) (map[Status]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Status]int, len(Statuses))
	for _, e := range r.rows {
		out[e.order.Status]++
	}
	return out, nil
}

func (r *orderRepoMem) CountCreatedSince(_ context.Context, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.rows {
		if !e.order.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}
