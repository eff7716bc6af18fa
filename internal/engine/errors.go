package engine

import (
	"errors"
	"fmt"

	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/store"
)

var (
	ErrEmptyOrder           = errors.New("order has no items")
	ErrInvalidLine          = errors.New("invalid line item")
	ErrProductNotFound      = errors.New("product not found")
	ErrProductInactive      = errors.New("product is inactive")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrInvalidDiscount      = errors.New("invalid discount")
	ErrBillNotFound         = errors.New("bill not found")
	ErrInvalidReturnRequest = errors.New("invalid return request")
	ErrStorageConflict      = errors.New("storage conflict")
	ErrStorageUnavailable   = errors.New("storage unavailable")
)

// ProductError names the product a validation failed on. Requested and
// Available are stock units and only set for ErrInsufficientStock.
type ProductError struct {
	Err       error
	ProductID string
	Name      string
	Requested int
	Available int
}

func (e *ProductError) Error() string {
	label := e.ProductID
	if e.Name != "" {
		label = fmt.Sprintf("%s (%s)", e.Name, e.ProductID)
	}
	if errors.Is(e.Err, ErrInsufficientStock) {
		return fmt.Sprintf("insufficient stock for %s: requested %d, available %d, short by %d",
			label, e.Requested, e.Available, e.Shortfall())
	}
	return fmt.Sprintf("%v: %s", e.Err, label)
}

func (e *ProductError) Unwrap() error {
	return e.Err
}

func (e *ProductError) Shortfall() int {
	if e.Requested <= e.Available {
		return 0
	}
	return e.Requested - e.Available
}

type BillError struct {
	Err    error
	BillID string
}

func (e *BillError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.BillID)
}

func (e *BillError) Unwrap() error {
	return e.Err
}

var codes = []struct {
	err  error
	code string
}{
	{ErrEmptyOrder, "EMPTY_ORDER"},
	{ErrInvalidLine, "INVALID_LINE"},
	{ErrProductNotFound, "PRODUCT_NOT_FOUND"},
	{ErrProductInactive, "PRODUCT_INACTIVE"},
	{ErrInsufficientStock, "INSUFFICIENT_STOCK"},
	{ErrInvalidDiscount, "INVALID_DISCOUNT"},
	{ErrBillNotFound, "BILL_NOT_FOUND"},
	{ErrInvalidReturnRequest, "INVALID_RETURN_REQUEST"},
	{ErrStorageConflict, "STORAGE_CONFLICT"},
	{ErrStorageUnavailable, "STORAGE_UNAVAILABLE"},
}

// Code returns the stable machine code for err, or "" if err is not one of
// the engine's kinds.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// Retryable reports whether the caller may safely resend the same request.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageConflict) || errors.Is(err, ErrStorageUnavailable)
}

// translate turns storage failures into engine kinds. Errors that already
// carry an engine kind pass through.
func translate(err error) error {
	if err == nil || Code(err) != "" {
		return err
	}
	switch {
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %v", ErrStorageConflict, err)
	case errors.Is(err, store.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	case errors.Is(err, store.ErrInsufficientStock):
		return fmt.Errorf("%w: %v", ErrInsufficientStock, err)
	}
	return err
}
