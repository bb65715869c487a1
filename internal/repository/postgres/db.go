package postgres

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// InitDB opens the Postgres connection and runs migrations.
func InitDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrateDB(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

func migrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			price DOUBLE PRECISION NOT NULL DEFAULT 0,
			discount_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			image_url TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			stock INT NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			order_number BIGINT NOT NULL,
			merchant_order_id TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'pending_payment',
			payment_status TEXT NOT NULL DEFAULT 'pending',
			transaction_id TEXT NOT NULL DEFAULT '',
			total_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			customer_name TEXT NOT NULL DEFAULT '',
			customer_email TEXT NOT NULL DEFAULT '',
			customer_phone TEXT NOT NULL DEFAULT '',
			customer_address TEXT NOT NULL DEFAULT '',
			customer_city TEXT NOT NULL DEFAULT '',
			customer_postal_code TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS order_items (
			id SERIAL PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES orders(id),
			product_id TEXT NOT NULL,
			name TEXT NOT NULL,
			quantity INT NOT NULL DEFAULT 1,
			unit_price DOUBLE PRECISION NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS webhook_logs (
			id BIGSERIAL PRIMARY KEY,
			event TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			merchant_order_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			processed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_orders_pending_created_at
			ON orders (created_at)
			WHERE status = 'pending_payment' AND payment_status = 'pending';

		CREATE INDEX IF NOT EXISTS idx_webhook_logs_failed
			ON webhook_logs (created_at)
			WHERE status = 'failed';
	`)
	return err
}
