package masterdata

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates a missing masterdata record.
var ErrNotFound = errors.New("masterdata: not found")

// Repository defines masterdata access.
type Repository interface {
	CreateCounterparty(ctx context.Context, c Counterparty) (int64, error)
	GetCounterparty(ctx context.Context, id int64) (Counterparty, error)
	ListCounterparties(ctx context.Context, kind CounterpartyKind) ([]Counterparty, error)
	SetCounterpartyActive(ctx context.Context, id int64, active bool) error

	CreateProduct(ctx context.Context, p Product) (int64, error)
	GetProduct(ctx context.Context, id int64) (Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
	UpsertConversion(ctx context.Context, c UoMConversion) error
	GetConversionFactor(ctx context.Context, productID, uomID int64) (float64, error)

	CreateBankAccount(ctx context.Context, a BankAccount) (int64, error)
	GetBankAccount(ctx context.Context, id int64) (BankAccount, error)
}

// PGRepository provides PostgreSQL backed masterdata persistence.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

var _ Repository = (*PGRepository)(nil)

func (r *PGRepository) CreateCounterparty(ctx context.Context, c Counterparty) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
INSERT INTO counterparties (kind, name, contact, address, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		c.Kind, c.Name, c.Contact, c.Address, c.Active, c.CreatedAt, c.UpdatedAt).Scan(&id)
	return id, err
}

func (r *PGRepository) GetCounterparty(ctx context.Context, id int64) (Counterparty, error) {
	var c Counterparty
	err := r.pool.QueryRow(ctx, `
SELECT id, kind, name, contact, address, active, created_at, updated_at
FROM counterparties WHERE id = $1`, id).Scan(
		&c.ID, &c.Kind, &c.Name, &c.Contact, &c.Address, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Counterparty{}, fmt.Errorf("counterparty %d: %w", id, ErrNotFound)
	}
	return c, err
}

func (r *PGRepository) ListCounterparties(ctx context.Context, kind CounterpartyKind) ([]Counterparty, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, kind, name, contact, address, active, created_at, updated_at
FROM counterparties
WHERE ($1 = '' OR kind = $1) AND active
ORDER BY name`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Counterparty
	for rows.Next() {
		var c Counterparty
		if err := rows.Scan(&c.ID, &c.Kind, &c.Name, &c.Contact, &c.Address, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PGRepository) SetCounterpartyActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE counterparties SET active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("counterparty %d: %w", id, ErrNotFound)
	}
	return nil
}

func (r *PGRepository) CreateProduct(ctx context.Context, p Product) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
INSERT INTO products (name, sku, base_uom_id, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		p.Name, p.SKU, p.BaseUoMID, p.Active, p.CreatedAt, p.UpdatedAt).Scan(&id)
	return id, err
}

func (r *PGRepository) GetProduct(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := r.pool.QueryRow(ctx, `
SELECT id, name, sku, base_uom_id, active, created_at, updated_at
FROM products WHERE id = $1`, id).Scan(
		&p.ID, &p.Name, &p.SKU, &p.BaseUoMID, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	return p, err
}

func (r *PGRepository) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, name, sku, base_uom_id, active, created_at, updated_at
FROM products WHERE active ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.SKU, &p.BaseUoMID, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PGRepository) UpsertConversion(ctx context.Context, c UoMConversion) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO uom_conversions (product_id, uom_id, factor)
VALUES ($1, $2, $3)
ON CONFLICT (product_id, uom_id) DO UPDATE SET factor = EXCLUDED.factor`,
		c.ProductID, c.UoMID, c.Factor)
	return err
}

func (r *PGRepository) GetConversionFactor(ctx context.Context, productID, uomID int64) (float64, error) {
	var factor float64
	err := r.pool.QueryRow(ctx, `
SELECT factor FROM uom_conversions WHERE product_id = $1 AND uom_id = $2`,
		productID, uomID).Scan(&factor)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("conversion for product %d uom %d: %w", productID, uomID, ErrNotFound)
	}
	return factor, err
}

func (r *PGRepository) CreateBankAccount(ctx context.Context, a BankAccount) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
INSERT INTO bank_accounts (counterparty_id, bank, account_no, label, active, created_at)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		a.CounterpartyID, a.Bank, a.AccountNo, a.Label, a.Active, a.CreatedAt).Scan(&id)
	return id, err
}

func (r *PGRepository) GetBankAccount(ctx context.Context, id int64) (BankAccount, error) {
	var a BankAccount
	err := r.pool.QueryRow(ctx, `
SELECT id, counterparty_id, bank, account_no, label, active, created_at
FROM bank_accounts WHERE id = $1`, id).Scan(
		&a.ID, &a.CounterpartyID, &a.Bank, &a.AccountNo, &a.Label, &a.Active, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return BankAccount{}, fmt.Errorf("bank account %d: %w", id, ErrNotFound)
	}
	return a, err
}
