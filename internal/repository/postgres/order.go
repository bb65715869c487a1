package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/egannguyen/go-storefront-checkout/internal/apperr"
	"github.com/egannguyen/go-storefront-checkout/internal/entity"
	"github.com/egannguyen/go-storefront-checkout/internal/repository"
)

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository creates a new OrderRepository backed by Postgres.
func NewOrderRepository(db *sql.DB) repository.OrderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) Create(ctx context.Context, cmd *entity.CreateOrder) (*entity.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var totalPrice float64
	items := make([]entity.OrderItem, 0, len(cmd.Lines))
	for _, line := range cmd.Lines {
		// Row-level lock, held only until this transaction commits. The lock
		// is never held across the external gateway call.
		prod, err := lockProduct(ctx, tx, line.ProductID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Validationf("unknown product %s", line.ProductID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock product %s: %w", line.ProductID, err)
		}

		if prod.Stock < line.Quantity {
			return nil, &apperr.InsufficientStockError{
				ProductID: line.ProductID,
				Requested: line.Quantity,
				Available: prod.Stock,
			}
		}

		unit := entity.DiscountedPrice(prod.Price, prod.DiscountPercent)
		totalPrice += entity.LineTotal(prod.Price, prod.DiscountPercent, line.Quantity)
		items = append(items, entity.OrderItem{
			ProductID: line.ProductID,
			Name:      prod.Name,
			Quantity:  line.Quantity,
			UnitPrice: unit,
		})
	}
	totalPrice = entity.Round2(totalPrice)

	// MAX()+1 relies on this transaction's isolation plus the product locks
	// already held. See DESIGN.md for the known weakness under concurrent
	// creators; a gap-free sequence is not required, duplicates are.
	var orderNumber int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(order_number), 0) + 1 FROM orders",
	).Scan(&orderNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to assign order number: %w", err)
	}

	now := time.Now()
	order := &entity.Order{
		ID:              uuid.New().String(),
		OrderNumber:     orderNumber,
		MerchantOrderID: cmd.MerchantOrderID,
		Status:          entity.OrderPendingPayment,
		PaymentStatus:   entity.PaymentPending,
		TotalPrice:      totalPrice,
		Customer:        cmd.Customer,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO orders
			(id, order_number, merchant_order_id, status, payment_status, transaction_id, total_price,
			 customer_name, customer_email, customer_phone, customer_address, customer_city, customer_postal_code,
			 created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, '', $6, $7, $8, $9, $10, $11, $12, $13, $13)`,
		order.ID, order.OrderNumber, order.MerchantOrderID, order.Status, order.PaymentStatus, order.TotalPrice,
		order.Customer.Name, order.Customer.Email, order.Customer.Phone,
		order.Customer.Address, order.Customer.City, order.Customer.PostalCode,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert order: %w", err)
	}

	for i := range items {
		items[i].OrderID = order.ID
		_, err = tx.ExecContext(ctx,
			"INSERT INTO order_items (order_id, product_id, name, quantity, unit_price) VALUES ($1, $2, $3, $4, $5)",
			order.ID, items[i].ProductID, items[i].Name, items[i].Quantity, items[i].UnitPrice,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	order.Items = items
	return order, nil
}

const orderColumns = `id, order_number, merchant_order_id, status, payment_status, transaction_id, total_price,
	customer_name, customer_email, customer_phone, customer_address, customer_city, customer_postal_code,
	created_at, updated_at`

func (r *orderRepository) FindByID(ctx context.Context, id string) (*entity.Order, error) {
	return r.findOne(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
}

func (r *orderRepository) FindByMerchantOrderID(ctx context.Context, merchantOrderID string) (*entity.Order, error) {
	return r.findOne(ctx, "SELECT "+orderColumns+" FROM orders WHERE merchant_order_id = $1", merchantOrderID)
}

func (r *orderRepository) findOne(ctx context.Context, query string, arg any) (*entity.Order, error) {
	var o entity.Order
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&o.ID, &o.OrderNumber, &o.MerchantOrderID, &o.Status, &o.PaymentStatus, &o.TransactionID, &o.TotalPrice,
		&o.Customer.Name, &o.Customer.Email, &o.Customer.Phone,
		&o.Customer.Address, &o.Customer.City, &o.Customer.PostalCode,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order: %w", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}
	return &o, nil
}

func (r *orderRepository) ItemsByOrderID(ctx context.Context, orderID string) ([]entity.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT order_id, product_id, name, quantity, unit_price FROM order_items WHERE order_id = $1",
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	var items []entity.OrderItem
	for rows.Next() {
		var item entity.OrderItem
		if err := rows.Scan(&item.OrderID, &item.ProductID, &item.Name, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *orderRepository) FindRecent(ctx context.Context, limit int) ([]entity.Order, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+orderColumns+" FROM orders ORDER BY created_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []entity.Order
	for rows.Next() {
		var o entity.Order
		if err := rows.Scan(
			&o.ID, &o.OrderNumber, &o.MerchantOrderID, &o.Status, &o.PaymentStatus, &o.TransactionID, &o.TotalPrice,
			&o.Customer.Name, &o.Customer.Email, &o.Customer.Phone,
			&o.Customer.Address, &o.Customer.City, &o.Customer.PostalCode,
			&o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range orders {
		items, err := r.ItemsByOrderID(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

func (r *orderRepository) UpdateTransactionID(ctx context.Context, orderID, transactionID string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE orders SET transaction_id = $2, updated_at = NOW() WHERE id = $1",
		orderID, transactionID,
	)
	if err != nil {
		return fmt.Errorf("failed to store transaction id: %w", err)
	}
	return nil
}

func (r *orderRepository) TransitionPaymentStatus(ctx context.Context, orderID string, to entity.PaymentStatus, transactionID string) (bool, error) {
	var status entity.OrderStatus
	switch to {
	case entity.PaymentCompleted:
		status = entity.OrderPlaced
	case entity.PaymentFailed:
		status = entity.OrderCancelled
	default:
		return false, fmt.Errorf("invalid target payment status %q", to)
	}

	// The WHERE clause re-checks the expected prior state, so exactly one of
	// any number of concurrent callers observes an affected row.
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders
		 SET payment_status = $2,
		     status = $3,
		     transaction_id = CASE WHEN $4 <> '' THEN $4 ELSE transaction_id END,
		     updated_at = NOW()
		 WHERE id = $1 AND payment_status = 'pending'`,
		orderID, to, status, transactionID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition payment status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected == 1, nil
}

func (r *orderRepository) CancelAbandoned(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders
		 SET status = 'cancelled', payment_status = 'failed', updated_at = NOW()
		 WHERE status = 'pending_payment' AND payment_status = 'pending' AND created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel abandoned orders: %w", err)
	}
	return res.RowsAffected()
}
