package prescription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/amir0631/noskhe-resan-backend/internal/platform/db"
)

const trackingCodeConstraint = "prescriptions_tracking_code_key"

type orderRepoPG struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepoPG returns the Postgres order store. lockTimeout bounds how long a
// transition waits for another transition on the same order.
func NewRepoPG(pool *pgxpool.Pool, lockTimeout time.Duration) Repository {
	return &orderRepoPG{pool: pool, lockTimeout: lockTimeout}
}

const orderCols = `id, owner_identity, tracking_code, insurance_class, pharmacy_id, status, created_at,
	pharmacy_assigned_at, processing_started_at, completed_at, settled_at, invoice_amount::text, updated_at`

func (r *orderRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o       Order
		invoice *string
	)
	err := row.Scan(&o.ID, &o.OwnerIdentity, &o.TrackingCode, &o.InsuranceClass, &o.FacilityID, &o.Status, &o.CreatedAt,
		&o.FacilityAssignedAt, &o.ProcessingStartedAt, &o.CompletedAt, &o.SettledAt, &invoice, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if invoice != nil {
		amt, err := decimal.NewFromString(*invoice)
		if err != nil {
			return nil, fmt.Errorf("parse invoice amount %q: %w", *invoice, err)
		}
		o.InvoiceAmount = &amt
	}
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]*Order, error) {
	defer rows.Close()
	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func invoiceParam(amt *decimal.Decimal) *string {
	if amt == nil {
		return nil
	}
	s := amt.StringFixed(2)
	return &s
}

// classify maps driver errors onto the package's error kinds.
func classify(op string, err error) error {
	if err == nil || domainError(err) {
		return err
	}
	switch db.PgCode(err) {
	case db.CodeLockNotAvailable:
		return &StorageError{Op: op, Err: fmt.Errorf("%w: %v", ErrLockTimeout, err)}
	}
	return &StorageError{Op: op, Err: err}
}

func (r *orderRepoPG) Create(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.UpdatedAt = o.CreatedAt
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO prescriptions (id, owner_identity, tracking_code, insurance_class, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		o.ID, o.OwnerIdentity, o.TrackingCode, o.InsuranceClass, o.Status, o.CreatedAt,
	)
	if err == nil {
		return nil
	}
	if db.PgCode(err) == db.CodeUniqueViolation && db.ConstraintName(err) == trackingCodeConstraint {
		existing, lookupErr := r.GetByTrackingCode(ctx, o.TrackingCode)
		if lookupErr != nil {
			return lookupErr
		}
		return &DuplicateTrackingCodeError{TrackingCode: o.TrackingCode, ExistingID: existing.ID}
	}
	return classify("insert order", err)
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(r.conn(ctx).QueryRow(ctx,
		`SELECT `+orderCols+` FROM prescriptions WHERE id = $1`, id))
	return o, classify("get order", err)
}

func (r *orderRepoPG) GetByTrackingCode(ctx context.Context, code string) (*Order, error) {
	o, err := scanOrder(r.conn(ctx).QueryRow(ctx,
		`SELECT `+orderCols+` FROM prescriptions WHERE tracking_code = $1`, code))
	return o, classify("get order by tracking code", err)
}

func (r *orderRepoPG) UpdateLocked(ctx context.Context, id uuid.UUID, fn UpdateFunc) (*Order, error) {
	var out *Order
	err := db.InTx(ctx, r.pool, db.TxOptions{LockTimeout: r.lockTimeout}, func(ctx context.Context, tx pgx.Tx) error {
		cur, err := scanOrder(tx.QueryRow(ctx,
			`SELECT `+orderCols+` FROM prescriptions WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		next, err := fn(ctx, cur)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE prescriptions SET
				status = $2, pharmacy_id = $3, pharmacy_assigned_at = $4, processing_started_at = $5,
				completed_at = $6, settled_at = $7, invoice_amount = $8::numeric, updated_at = $9
			WHERE id = $1`,
			id, next.Status, next.FacilityID, next.FacilityAssignedAt, next.ProcessingStartedAt,
			next.CompletedAt, next.SettledAt, invoiceParam(next.InvoiceAmount), next.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("update order %s: %d rows affected", id, tag.RowsAffected())
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, classify("update order", err)
	}
	return out, nil
}

func (r *orderRepoPG) ListByOwner(ctx context.Context, owner string, limit, offset int) ([]*Order, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM prescriptions WHERE owner_identity = $1`, owner).Scan(&total); err != nil {
		return nil, 0, classify("count owner orders", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+orderCols+` FROM prescriptions
		WHERE owner_identity = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, owner, limit, offset)
	if err != nil {
		return nil, 0, classify("list owner orders", err)
	}
	out, err := scanOrders(rows)
	if err != nil {
		return nil, 0, classify("list owner orders", err)
	}
	return out, total, nil
}

const worklistWhere = `
	WHERE pharmacy_id = $1
	  AND (status IN ('pharmacy_selected', 'preparing', 'ready')
	       OR (status IN ('settled', 'rejected', 'cancelled_by_user')
	           AND COALESCE(settled_at, completed_at) >= $2))`

func (r *orderRepoPG) ListForFacility(ctx context.Context, facilityID int64, since time.Time, limit, offset int) ([]*Order, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM prescriptions`+worklistWhere, facilityID, since).Scan(&total); err != nil {
		return nil, 0, classify("count worklist", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+orderCols+` FROM prescriptions`+worklistWhere+`
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4`, facilityID, since, limit, offset)
	if err != nil {
		return nil, 0, classify("list worklist", err)
	}
	out, err := scanOrders(rows)
	if err != nil {
		return nil, 0, classify("list worklist", err)
	}
	return out, total, nil
}

func (r *orderRepoPG) ListFinished(ctx context.Context, facilityID int64, from, to time.Time) ([]*Order, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+orderCols+` FROM prescriptions
		WHERE pharmacy_id = $1
		  AND status IN ('settled', 'rejected', 'cancelled_by_user')
		  AND COALESCE(settled_at, completed_at) BETWEEN $2 AND $3
		ORDER BY COALESCE(settled_at, completed_at) DESC, id`, facilityID, from, to)
	if err != nil {
		return nil, classify("list finished orders", err)
	}
	out, err := scanOrders(rows)
	if err != nil {
		return nil, classify("list finished orders", err)
	}
	return out, nil
}

func (r *orderRepoPG) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT status, COUNT(*) FROM prescriptions GROUP BY status`)
	if err != nil {
		return nil, classify("count by status", err)
	}
	defer rows.Close()

	out := make(map[Status]int, len(Statuses))
	for rows.Next() {
		var (
			s Status
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, classify("count by status", err)
		}
		out[s] = n
	}
	if err := rows.Err(); err != nil {
		return nil, classify("count by status", err)
	}
	return out, nil
}

func (r *orderRepoPG) CountCreatedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM prescriptions WHERE created_at >= $1`, since).Scan(&n)
	if err != nil {
		return 0, classify("count created orders", err)
	}
	return n, nil
}
