package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/egannguyen/go-storefront-checkout/internal/entity"
	"github.com/egannguyen/go-storefront-checkout/internal/repository"
)

type stockLedger struct {
	db *sql.DB
}

// NewStockLedger creates a StockLedger backed by Postgres.
func NewStockLedger(db *sql.DB) repository.StockLedger {
	return &stockLedger{db: db}
}

// lockedProduct is the slice of a product row the order-creation transaction
// needs: the pricing snapshot and the stock counter, read under FOR UPDATE.
type lockedProduct struct {
	Name            string
	Price           float64
	DiscountPercent float64
	Stock           int
}

// lockProduct acquires a row-level exclusive lock on the product and returns
// its current state. The lock is released when the enclosing transaction
// commits or rolls back.
func lockProduct(ctx context.Context, tx *sql.Tx, productID string) (*lockedProduct, error) {
	var p lockedProduct
	err := tx.QueryRowContext(ctx,
		"SELECT name, price, discount_percent, stock FROM products WHERE id = $1 FOR UPDATE",
		productID,
	).Scan(&p.Name, &p.Price, &p.DiscountPercent, &p.Stock)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// BatchDecrement decrements stock for every item, each guarded by
// stock >= quantity, in one transaction. It returns the product ids actually
// updated and never fails on a shortfall; a smaller returned set than the
// item count is the caller's signal to log a warning.
func (l *stockLedger) BatchDecrement(ctx context.Context, items []entity.OrderItem) ([]string, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	decremented := make([]string, 0, len(items))
	for _, item := range items {
		res, err := tx.ExecContext(ctx,
			"UPDATE products SET stock = stock - $1 WHERE id = $2 AND stock >= $1",
			item.Quantity, item.ProductID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to update product stock: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read affected rows: %w", err)
		}
		if affected == 1 {
			decremented = append(decremented, item.ProductID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return decremented, nil
}
