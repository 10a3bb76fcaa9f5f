package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// pgxRecoveryTx is the live implementation behind a RecoveryCursor
type pgxRecoveryTx struct {
	tx pgx.Tx
}

func (p *pgxRecoveryTx) queryBatch(ctx context.Context, cursor string, limit int) ([]StoredNotification, error) {
	rows, err := p.tx.Query(ctx, fmt.Sprintf("FETCH %d FROM %s", limit, cursor))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batch []StoredNotification
	for rows.Next() {
		var n StoredNotification
		if err := rows.Scan(&n.ID, &n.Channel, &n.Payload, &n.DBVersion, &n.CreatedAt); err != nil {
			return nil, err
		}
		batch = append(batch, n)
	}
	return batch, rows.Err()
}

func (p *pgxRecoveryTx) close(ctx context.Context) error {
	// Read-only transaction; rollback is the cheap way out
	return p.tx.Rollback(ctx)
}
