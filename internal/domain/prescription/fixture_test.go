package prescription

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/amir0631/noskhe-resan-backend/internal/domain/pharmacy"
	"github.com/amir0631/noskhe-resan-backend/internal/platform/auth"
	"github.com/amir0631/noskhe-resan-backend/internal/platform/events"
)

var (
	owner    = Actor{ID: "user-1", Role: auth.RoleUser}
	stranger = Actor{ID: "user-2", Role: auth.RoleUser}
	admin    = Actor{ID: "admin-1", Role: auth.RoleAdmin}
)

func pharmacist(id int64) Actor {
	return Actor{ID: fmt.Sprintf("pharmacy-%d", id), Role: auth.RolePharmacy, FacilityID: &id}
}

func amount(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

type fakeFacilities map[int64]*pharmacy.Pharmacy

func (f fakeFacilities) Get(_ context.Context, id int64) (*pharmacy.Pharmacy, error) {
	p, ok := f[id]
	if !ok {
		return nil, pharmacy.ErrNotFound
	}
	return p, nil
}

// testClock advances one second on every reading so stamped milestones are
// strictly ordered.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.StatusChanged
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e events.StatusChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func (p *recordingPublisher) Last() events.StatusChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

type countingRecorder struct {
	mu       sync.Mutex
	results  map[string]int
	lockWait int
}

func (r *countingRecorder) ObserveTransition(from, to, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[from+">"+to+":"+result]++
}

func (r *countingRecorder) ObserveTransitionDuration(string, time.Duration) {}

func (r *countingRecorder) ObserveLockWait(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lockWait++
}

type fixture struct {
	repo     *orderRepoMem
	x        *Executor
	svc      *Service
	pub      *recordingPublisher
	recorder *countingRecorder
	clock    *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithTimeout(t, time.Second)
}

func newFixtureWithTimeout(t *testing.T, lockTimeout time.Duration) *fixture {
	t.Helper()
	facilities := fakeFacilities{
		7:  {ID: 7, Name: "Darou Pakhsh", Address: "Enghelab St", Active: true},
		9:  {ID: 9, Name: "Closed Pharmacy", Address: "Azadi Sq", Active: false},
		42: {ID: 42, Name: "Sina", Address: "Valiasr St", Latitude: 35.7, Longitude: 51.4, Active: true},
	}
	f := &fixture{
		repo:     newRepoMem(lockTimeout),
		pub:      &recordingPublisher{},
		recorder: &countingRecorder{results: make(map[string]int)},
		clock:    &testClock{t: time.Date(2024, 3, 20, 8, 0, 0, 0, time.UTC)},
	}
	f.repo.now = f.clock.Now
	f.x = NewExecutor(f.repo, facilities, zerolog.Nop())
	f.x.SetPublisher(f.pub)
	f.x.SetRecorder(f.recorder)
	f.svc = NewService(f.repo, f.x, facilities, DefaultWorklistWindow, zerolog.Nop())
	f.svc.SetClock(f.clock.Now)
	return f
}

func (f *fixture) submit(t *testing.T, code string) *Order {
	t.Helper()
	o, err := f.svc.Submit(context.Background(), owner, SubmitRequest{TrackingCode: code, InsuranceClass: InsuranceSocialSecurity})
	if err != nil {
		t.Fatalf("submit %s: %v", code, err)
	}
	return o
}

func (f *fixture) get(t *testing.T, id uuid.UUID) *Order {
	t.Helper()
	o, err := f.repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return o
}

// driveTo walks a pending order at pharmacy 42 along legal transitions until
// it reaches target.
func (f *fixture) driveTo(t *testing.T, id uuid.UUID, target Status) *Order {
	t.Helper()
	ctx := context.Background()
	steps := map[Status][]func() (*Order, error){
		StatusPending: nil,
		StatusPharmacySelected: {
			func() (*Order, error) { return f.svc.AssignFacility(ctx, owner, id, 42) },
		},
		StatusCancelledByUser: {
			func() (*Order, error) { return f.svc.Cancel(ctx, owner, id) },
		},
	}
	steps[StatusPreparing] = append(steps[StatusPharmacySelected], func() (*Order, error) {
		return f.svc.Transition(ctx, pharmacist(42), id, StatusPreparing, Payload{})
	})
	steps[StatusRejected] = append(steps[StatusPharmacySelected], func() (*Order, error) {
		return f.svc.Transition(ctx, pharmacist(42), id, StatusRejected, Payload{})
	})
	steps[StatusReady] = append(append([]func() (*Order, error){}, steps[StatusPreparing]...), func() (*Order, error) {
		return f.svc.Transition(ctx, pharmacist(42), id, StatusReady, Payload{InvoiceAmount: amount("150000")})
	})
	steps[StatusSettled] = append(append([]func() (*Order, error){}, steps[StatusReady]...), func() (*Order, error) {
		return f.svc.Settle(ctx, pharmacist(42), id)
	})

	o := f.get(t, id)
	for _, step := range steps[target] {
		var err error
		if o, err = step(); err != nil {
			t.Fatalf("driving %s to %s: %v", id, target, err)
		}
	}
	if o.Status != target {
		t.Fatalf("expected %s, got %s", target, o.Status)
	}
	return o
}
