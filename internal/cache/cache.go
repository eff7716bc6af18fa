package cache

import (
	"context"
	"time"

	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/domain"
)

// BillCache holds committed bills for reads. Bills never change after commit,
// so the only invalidation is deletion.
type BillCache interface {
	Get(ctx context.Context, id string) (*domain.Bill, bool, error)
	Set(ctx context.Context, bill *domain.Bill, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

type NoopBillCache struct{}

func (NoopBillCache) Get(_ context.Context, _ string) (*domain.Bill, bool, error) {
	return nil, false, nil
}

func (NoopBillCache) Set(_ context.Context, _ *domain.Bill, _ time.Duration) error {
	return nil
}

func (NoopBillCache) Delete(_ context.Context, _ string) error {
	return nil
}
