package store

import (
	"context"
	"errors"

	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	// ErrConflict means the commit lost a race; the whole unit of work may be retried.
	ErrConflict = errors.New("storage conflict")
	// ErrUnavailable means the store could not be reached or timed out.
	ErrUnavailable = errors.New("storage unavailable")
)

type ProductRepository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	SetProductActive(ctx context.Context, id string, active bool) (*domain.Product, error)
}

type BillRepository interface {
	GetBill(ctx context.Context, id string) (*domain.Bill, error)
	ListBills(ctx context.Context, limit int) ([]domain.Bill, error)
	MaxBillSequence(ctx context.Context) (int64, error)
}

type ReturnRepository interface {
	ListReturns(ctx context.Context, billID string, limit int) ([]domain.ReturnRecord, error)
}

type UserRepository interface {
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Tx is the set of reads and writes that must commit together. Reads take
// row locks where the backend supports them.
type Tx interface {
	// LockProducts returns the products that exist; missing ids are absent from the map.
	LockProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	// AdjustStock fails with ErrInsufficientStock rather than drive stock below zero.
	AdjustStock(ctx context.Context, productID string, delta int) error
	InsertBill(ctx context.Context, bill domain.Bill) error
	LockBill(ctx context.Context, id string) (*domain.Bill, error)
	DeleteBill(ctx context.Context, id string) error
	ReturnedQuantities(ctx context.Context, billID string) (map[string]int, error)
	InsertReturn(ctx context.Context, record domain.ReturnRecord) error
}

// Transactor runs fn as one atomic unit. Nothing fn writes is visible unless
// fn returns nil and the commit succeeds.
type Transactor interface {
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Repository interface {
	ProductRepository
	BillRepository
	ReturnRepository
	UserRepository
	Transactor
}
