package pharmacy

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amir0631/noskhe-resan-backend/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const pharmacyCols = `id, name, address, latitude, longitude, active, created_at`

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

func scanPharmacy(row pgx.Row) (*Pharmacy, error) {
	var p Pharmacy
	err := row.Scan(&p.ID, &p.Name, &p.Address, &p.Latitude, &p.Longitude, &p.Active, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) Create(ctx context.Context, p *Pharmacy) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO pharmacies (name, address, latitude, longitude, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		p.Name, p.Address, p.Latitude, p.Longitude, p.Active,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert pharmacy: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id int64) (*Pharmacy, error) {
	return scanPharmacy(r.conn(ctx).QueryRow(ctx,
		`SELECT `+pharmacyCols+` FROM pharmacies WHERE id = $1`, id))
}

func (r *repoPG) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Pharmacy, int, error) {
	where := ""
	if activeOnly {
		where = ` WHERE active`
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM pharmacies`+where).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+pharmacyCols+` FROM pharmacies`+where+` ORDER BY name, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Pharmacy
	for rows.Next() {
		p, err := scanPharmacy(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func (r *repoPG) SetActive(ctx context.Context, id int64, active bool) (*Pharmacy, error) {
	return scanPharmacy(r.conn(ctx).QueryRow(ctx,
		`UPDATE pharmacies SET active = $2 WHERE id = $1 RETURNING `+pharmacyCols, id, active))
}
