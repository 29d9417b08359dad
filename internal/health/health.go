package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ReadyCheck validates ledger connectivity. A nil connection means the
// service runs memory-only, which is a valid configuration.
func ReadyCheck(ctx context.Context, conn *sql.DB) error {
	if conn == nil {
		return nil
	}
	pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
	defer cancelPing()
	if err := conn.PingContext(pingCtx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}
