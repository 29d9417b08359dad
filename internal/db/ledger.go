package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bastion/internal/ban"
)

// Ledger is the durable record of decided bans. It mirrors the in-memory
// merge rule: an upsert keeps the greatest expiry, so replaying an older
// decision can never shorten a ban.
type Ledger struct {
	db *sql.DB
}

func NewLedger(conn *sql.DB) *Ledger {
	return &Ledger{db: conn}
}

func (l *Ledger) SaveBan(ctx context.Context, e ban.Entry) error {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	const q = `INSERT INTO bans (id, source_key, expires_at, reason)
                VALUES ($1, $2, $3, $4)
                ON CONFLICT (source_key) DO UPDATE SET
                        expires_at = GREATEST(bans.expires_at, EXCLUDED.expires_at),
                        reason = EXCLUDED.reason,
                        updated_at = NOW()`
	if _, err := l.db.ExecContext(ctx, q, id, e.SourceKey, e.ExpiresAt, e.Reason); err != nil {
		return fmt.Errorf("save ban for %s: %w", e.SourceKey, err)
	}
	return nil
}

func (l *Ledger) DeleteBan(ctx context.Context, sourceKey string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM bans WHERE source_key = $1`, sourceKey); err != nil {
		return fmt.Errorf("delete ban for %s: %w", sourceKey, err)
	}
	return nil
}

// ActiveBans returns unexpired entries, used to warm the canonical store
// after a supervisor restart.
func (l *Ledger) ActiveBans(ctx context.Context, now time.Time) ([]ban.Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, source_key, expires_at, reason FROM bans WHERE expires_at > $1`, now)
	if err != nil {
		return nil, fmt.Errorf("list active bans: %w", err)
	}
	defer rows.Close()

	var out []ban.Entry
	for rows.Next() {
		var e ban.Entry
		if err := rows.Scan(&e.ID, &e.SourceKey, &e.ExpiresAt, &e.Reason); err != nil {
			return nil, fmt.Errorf("scan ban row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read ban rows: %w", err)
	}
	return out, nil
}
