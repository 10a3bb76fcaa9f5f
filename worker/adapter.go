package worker

import (
	"context"

	"github.com/pgbus/pgbus/db"
)

// StoreAdapter narrows *db.Store to the Store interface the worker
// depends on
type StoreAdapter struct {
	Store *db.Store
}

func (a StoreAdapter) Claim(ctx context.Context, channel string, payload []byte) (Claimed, error) {
	c, err := a.Store.Claim(ctx, channel, payload)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (a StoreAdapter) ClaimAny(ctx context.Context, channel string) (Claimed, error) {
	c, err := a.Store.ClaimAny(ctx, channel)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (a StoreAdapter) Recovery(ctx context.Context, channel string) (RecoveryIter, error) {
	cur, err := a.Store.Recovery(ctx, channel)
	if err != nil {
		return nil, err
	}
	return cur, nil
}
