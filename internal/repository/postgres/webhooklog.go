package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/egannguyen/go-storefront-checkout/internal/apperr"
	"github.com/egannguyen/go-storefront-checkout/internal/entity"
	"github.com/egannguyen/go-storefront-checkout/internal/repository"
)

type webhookLogRepository struct {
	db *sql.DB
}

// NewWebhookLogRepository creates a WebhookLogRepository backed by Postgres.
func NewWebhookLogRepository(db *sql.DB) repository.WebhookLogRepository {
	return &webhookLogRepository{db: db}
}

func (r *webhookLogRepository) Insert(ctx context.Context, log *entity.WebhookLog) error {
	log.Status = entity.WebhookPending
	log.CreatedAt = time.Now()
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO webhook_logs (event, payload, merchant_order_id, status, attempts, last_error, created_at)
		 VALUES ($1, $2, $3, $4, 0, '', $5)
		 RETURNING id`,
		log.Event, string(log.Payload), log.MerchantOrderID, log.Status, log.CreatedAt,
	).Scan(&log.ID)
	if err != nil {
		return fmt.Errorf("failed to insert webhook log: %w", err)
	}
	return nil
}

func (r *webhookLogRepository) MarkProcessed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE webhook_logs SET status = 'processed', last_error = '', processed_at = NOW() WHERE id = $1",
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark webhook log processed: %w", err)
	}
	return nil
}

func (r *webhookLogRepository) MarkFailed(ctx context.Context, id int64, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE webhook_logs SET status = 'failed', last_error = $2, attempts = attempts + 1 WHERE id = $1",
		id, lastError,
	)
	if err != nil {
		return fmt.Errorf("failed to mark webhook log failed: %w", err)
	}
	return nil
}

const webhookLogColumns = "id, event, payload, merchant_order_id, status, attempts, last_error, processed_at, created_at"

func (r *webhookLogRepository) FindByID(ctx context.Context, id int64) (*entity.WebhookLog, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+webhookLogColumns+" FROM webhook_logs WHERE id = $1", id)
	log, err := scanWebhookLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("webhook log: %w", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook log: %w", err)
	}
	return log, nil
}

func (r *webhookLogRepository) FindRetryable(ctx context.Context, cutoff time.Time, maxAttempts, limit int) ([]entity.WebhookLog, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+webhookLogColumns+` FROM webhook_logs
		 WHERE status = 'failed' AND attempts < $1 AND created_at > $2
		 ORDER BY created_at ASC
		 LIMIT $3`,
		maxAttempts, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query retryable webhook logs: %w", err)
	}
	defer rows.Close()

	var logs []entity.WebhookLog
	for rows.Next() {
		log, err := scanWebhookLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook log: %w", err)
		}
		logs = append(logs, *log)
	}
	return logs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebhookLog(row rowScanner) (*entity.WebhookLog, error) {
	var (
		log         entity.WebhookLog
		payload     string
		processedAt sql.NullTime
	)
	err := row.Scan(&log.ID, &log.Event, &payload, &log.MerchantOrderID,
		&log.Status, &log.Attempts, &log.LastError, &processedAt, &log.CreatedAt)
	if err != nil {
		return nil, err
	}
	log.Payload = []byte(payload)
	if processedAt.Valid {
		t := processedAt.Time
		log.ProcessedAt = &t
	}
	return &log, nil
}
