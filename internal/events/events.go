// Package events announces committed stock movements to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/domain"
)

const (
	TypeBillCreated   = "bill.created"
	TypeBillDeleted   = "bill.deleted"
	TypeReturnCreated = "return.created"
)

// StockMove is the signed stock change one event applied to one product.
type StockMove struct {
	ProductID string `json:"product_id"`
	Delta     int    `json:"delta"`
}

type Event struct {
	ID         string       `json:"id"`
	Type       string       `json:"type"`
	OccurredAt time.Time    `json:"occurred_at"`
	BillID     string       `json:"bill_id"`
	BillNo     string       `json:"bill_no,omitempty"`
	ReturnID   string       `json:"return_id,omitempty"`
	Amount     domain.Money `json:"amount"`
	Actor      string       `json:"actor,omitempty"`
	Moves      []StockMove  `json:"moves"`
}

// Key groups all events of a bill on one partition.
func (e Event) Key() []byte {
	return []byte(e.BillID)
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type Noop struct{}

func (Noop) Publish(context.Context, Event) error {
	return nil
}
