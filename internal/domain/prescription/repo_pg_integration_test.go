package prescription

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/amir0631/noskhe-resan-backend/internal/domain/pharmacy"
	"github.com/amir0631/noskhe-resan-backend/internal/platform/db"
	"github.com/amir0631/noskhe-resan-backend/migrations"
)

// testDatabaseEnv names a postgres the store tests may create scratch schemas
// in. The tests skip when it is unset.
const testDatabaseEnv = "TEST_DATABASE_URL"

// pgStore is one migrated scratch schema with a service wired to it.
type pgStore struct {
	pool     *pgxpool.Pool
	repo     Repository
	svc      *Service
	pharmacy int64
}

func newPGStore(t *testing.T, lockTimeout time.Duration) *pgStore {
	t.Helper()
	url := os.Getenv(testDatabaseEnv)
	if url == "" {
		t.Skipf("%s not set; skipping postgres store tests", testDatabaseEnv)
	}
	ctx := context.Background()
	schema := "it_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]

	admin, err := db.NewPool(ctx, url, 2, 0)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := db.NewMigrator(admin, migrations.FS).Up(ctx, schema); err != nil {
		admin.Close()
		t.Fatalf("migrate %s: %v", schema, err)
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		admin.Close()
		t.Fatalf("parse %s: %v", testDatabaseEnv, err)
	}
	cfg.MaxConns = 8
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET TIME ZONE 'UTC'")
		return err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		admin.Close()
		t.Fatalf("pool for %s: %v", schema, err)
	}

	t.Cleanup(func() {
		pool.Close()
		if _, err := admin.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", pgx.Identifier{schema}.Sanitize())); err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schema, err)
		}
		admin.Close()
	})

	directory := pharmacy.NewService(pharmacy.NewRepoPG(pool))
	ph, err := directory.Create(ctx, pharmacy.CreateRequest{Name: "Sina", Address: "Valiasr St", Latitude: 35.7, Longitude: 51.4})
	if err != nil {
		t.Fatalf("create pharmacy: %v", err)
	}

	repo := NewRepoPG(pool, lockTimeout)
	x := NewExecutor(repo, directory, zerolog.Nop())
	return &pgStore{
		pool:     pool,
		repo:     repo,
		svc:      NewService(repo, x, directory, DefaultWorklistWindow, zerolog.Nop()),
		pharmacy: ph.ID,
	}
}

func (s *pgStore) submit(t *testing.T, code string) *Order {
	t.Helper()
	o, err := s.svc.Submit(context.Background(), owner, SubmitRequest{TrackingCode: code, InsuranceClass: InsuranceSupplementary})
	if err != nil {
		t.Fatalf("submit %s: %v", code, err)
	}
	return o
}

func (s *pgStore) toPreparing(t *testing.T, id uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.svc.AssignFacility(ctx, owner, id, s.pharmacy); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := s.svc.Transition(ctx, pharmacist(s.pharmacy), id, StatusPreparing, Payload{}); err != nil {
		t.Fatalf("preparing: %v", err)
	}
}

func TestRepoPG_RoundTrip(t *testing.T) {
	s := newPGStore(t, 5*time.Second)
	ctx := context.Background()
	o := s.submit(t, "trk-pg-001")
	s.toPreparing(t, o.ID)

	if _, err := s.svc.Transition(ctx, pharmacist(s.pharmacy), o.ID, StatusReady, Payload{InvoiceAmount: amount("150000")}); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if _, err := s.svc.Settle(ctx, pharmacist(s.pharmacy), o.ID); err != nil {
		t.Fatalf("settle: %v", err)
	}

	got, err := s.repo.GetByID(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != StatusSettled || got.InsuranceClass != InsuranceSupplementary || got.TrackingCode != "TRK-PG-001" {
		t.Errorf("unexpected row %+v", got)
	}
	if got.InvoiceAmount == nil || !got.InvoiceAmount.Equal(decimal.NewFromInt(150000)) {
		t.Errorf("invoice = %v, want 150000", got.InvoiceAmount)
	}
	if got.FacilityID == nil || *got.FacilityID != s.pharmacy {
		t.Errorf("pharmacy = %v, want %d", got.FacilityID, s.pharmacy)
	}
	for name, ts := range map[string]*time.Time{
		"pharmacy_assigned_at": got.FacilityAssignedAt, "processing_started_at": got.ProcessingStartedAt,
		"completed_at": got.CompletedAt, "settled_at": got.SettledAt,
	} {
		if ts == nil {
			t.Errorf("%s not stamped", name)
		}
	}

	byCode, err := s.repo.GetByTrackingCode(ctx, "TRK-PG-001")
	if err != nil || byCode.ID != o.ID {
		t.Errorf("GetByTrackingCode = %v, %v", byCode, err)
	}

	rep, err := s.svc.ReportForFacility(ctx, admin, s.pharmacy, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if rep.Counts[StatusSettled] != 1 || !rep.InvoiceTotal.Equal(decimal.NewFromInt(150000)) {
		t.Errorf("unexpected report counts=%v total=%s", rep.Counts, rep.InvoiceTotal)
	}
}

func TestRepoPG_DuplicateTrackingCode(t *testing.T) {
	s := newPGStore(t, 5*time.Second)
	first := s.submit(t, "TRK-PG-DUP")

	_, err := s.svc.Submit(context.Background(), owner, SubmitRequest{TrackingCode: " trk-pg-dup ", InsuranceClass: InsuranceUninsured})
	var dup *DuplicateTrackingCodeError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateTrackingCodeError, got %v", err)
	}
	if dup.ExistingID != first.ID || dup.TrackingCode != "TRK-PG-DUP" {
		t.Errorf("unexpected duplicate %+v, want existing %s", dup, first.ID)
	}
	if !errors.Is(err, ErrDuplicateTrackingCode) {
		t.Errorf("expected errors.Is ErrDuplicateTrackingCode")
	}
}

func TestRepoPG_ConflictingAttemptsExactlyOneWins(t *testing.T) {
	s := newPGStore(t, 5*time.Second)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		o := s.submit(t, fmt.Sprintf("TRK-PG-RACE-%02d", i))
		s.toPreparing(t, o.ID)

		start := make(chan struct{})
		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, errs[0] = s.svc.Transition(ctx, pharmacist(s.pharmacy), o.ID, StatusReady, Payload{InvoiceAmount: amount("150000")})
		}()
		go func() {
			defer wg.Done()
			<-start
			_, errs[1] = s.svc.Cancel(ctx, owner, o.ID)
		}()
		close(start)
		wg.Wait()

		wins := 0
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case !errors.Is(err, ErrIllegalTransition):
				t.Fatalf("loser failed with %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d (%v)", wins, errs)
		}

		got, err := s.repo.GetByID(ctx, o.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		switch {
		case errs[0] == nil && (got.Status != StatusReady || got.InvoiceAmount == nil):
			t.Errorf("ready won but row is %s invoice=%v", got.Status, got.InvoiceAmount)
		case errs[1] == nil && (got.Status != StatusCancelledByUser || got.InvoiceAmount != nil):
			t.Errorf("cancel won but row is %s invoice=%v", got.Status, got.InvoiceAmount)
		}
	}
}

func TestRepoPG_HeldLockTimesOut(t *testing.T) {
	s := newPGStore(t, 200*time.Millisecond)
	ctx := context.Background()
	o := s.submit(t, "TRK-PG-LOCK")

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, "SELECT id FROM prescriptions WHERE id = $1 FOR UPDATE", o.ID); err != nil {
		t.Fatalf("hold lock: %v", err)
	}

	began := time.Now()
	_, err = s.svc.Cancel(ctx, owner, o.ID)
	if !errors.Is(err, ErrLockTimeout) || !errors.Is(err, ErrStorageFailure) {
		t.Fatalf("expected lock timeout storage failure, got %v", err)
	}
	if waited := time.Since(began); waited > 3*time.Second {
		t.Errorf("lock wait not bounded: %s", waited)
	}

	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	got, err := s.repo.GetByID(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("timed out attempt changed the order to %s", got.Status)
	}
	if _, err := s.svc.Cancel(ctx, owner, o.ID); err != nil {
		t.Errorf("cancel after the lock was released: %v", err)
	}
}
