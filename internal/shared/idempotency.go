package shared

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// IdempotencyHeader carries the client supplied key on retry-prone writes.
const IdempotencyHeader = "Idempotency-Key"

const maxIdempotencyKeyLen = 128

// IdempotencyQuerier is the subset of pgx.Tx the key helpers need.
type IdempotencyQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NormaliseIdempotencyKey trims key and checks its length. An empty key
// means the caller opted out.
func NormaliseIdempotencyKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if len(key) > maxIdempotencyKeyLen {
		return "", Validation("idempotency_key", fmt.Sprintf("must be at most %d characters", maxIdempotencyKeyLen))
	}
	return key, nil
}

// ClaimIdempotencyKey records key under scope inside the caller's
// transaction. When an earlier transaction already committed the key,
// claimed is false and recordID is what that transaction bound to it. A
// concurrent claim blocks on the unique index until the first one settles.
func ClaimIdempotencyKey(ctx context.Context, q IdempotencyQuerier, scope, key string, at time.Time) (recordID string, claimed bool, err error) {
	if scope == "" || key == "" {
		return "", false, errors.New("idempotency: scope and key required")
	}
	var inserted string
	err = q.QueryRow(ctx, `INSERT INTO idempotency_keys (scope, key, created_at) VALUES ($1, $2, $3)
ON CONFLICT (scope, key) DO NOTHING RETURNING key`, scope, key, at).Scan(&inserted)
	if err == nil {
		return "", true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("idempotency: claim: %w", err)
	}
	if err := q.QueryRow(ctx, `SELECT record_id FROM idempotency_keys WHERE scope = $1 AND key = $2`, scope, key).Scan(&recordID); err != nil {
		return "", false, fmt.Errorf("idempotency: lookup: %w", err)
	}
	return recordID, false, nil
}

// BindIdempotencyKey stores the id of the record the claimed key produced.
func BindIdempotencyKey(ctx context.Context, q IdempotencyQuerier, scope, key, recordID string) error {
	_, err := q.Exec(ctx, `UPDATE idempotency_keys SET record_id = $3 WHERE scope = $1 AND key = $2`, scope, key, recordID)
	if err != nil {
		return fmt.Errorf("idempotency: bind: %w", err)
	}
	return nil
}

// PurgeIdempotencyKeys deletes keys claimed before cutoff. A client retrying
// with a purged key creates a new record.
func PurgeIdempotencyKeys(ctx context.Context, q IdempotencyQuerier, cutoff time.Time) (int64, error) {
	tag, err := q.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("idempotency: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
