package postgres

import (
	"time"

	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/domain"
)

const productColumns = `id, name, packing, product_type, hsn, gst_rate, mrp, sale_price,
	unit_cost, pack_size, unit_mode, stock, active, created_at`

type productRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Packing     string    `db:"packing"`
	ProductType string    `db:"product_type"`
	HSN         string    `db:"hsn"`
	GSTRate     float64   `db:"gst_rate"`
	MRP         int64     `db:"mrp"`
	SalePrice   int64     `db:"sale_price"`
	UnitCost    int64     `db:"unit_cost"`
	PackSize    int       `db:"pack_size"`
	UnitMode    string    `db:"unit_mode"`
	Stock       int       `db:"stock"`
	Active      bool      `db:"active"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r productRow) toDomain() domain.Product {
	return domain.Product{
		ID:          r.ID,
		Name:        r.Name,
		Packing:     r.Packing,
		ProductType: r.ProductType,
		HSN:         r.HSN,
		GSTRate:     r.GSTRate,
		MRP:         domain.Money(r.MRP),
		SalePrice:   domain.Money(r.SalePrice),
		UnitCost:    domain.Money(r.UnitCost),
		PackSize:    r.PackSize,
		UnitMode:    domain.NormalizeUnitMode(domain.UnitMode(r.UnitMode)),
		Stock:       r.Stock,
		Active:      r.Active,
		CreatedAt:   r.CreatedAt.UTC(),
	}
}

const billColumns = `id, bill_no, sequence, sub_total, discount, grand_total,
	payment_mode, customer_mobile, created_by, created_at`

type billRow struct {
	ID             string    `db:"id"`
	BillNo         string    `db:"bill_no"`
	Sequence       int64     `db:"sequence"`
	SubTotal       int64     `db:"sub_total"`
	Discount       int64     `db:"discount"`
	GrandTotal     int64     `db:"grand_total"`
	PaymentMode    string    `db:"payment_mode"`
	CustomerMobile string    `db:"customer_mobile"`
	CreatedBy      string    `db:"created_by"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r billRow) toDomain(items []domain.BillLineItem) domain.Bill {
	if items == nil {
		items = []domain.BillLineItem{}
	}
	return domain.Bill{
		ID:             r.ID,
		BillNo:         r.BillNo,
		Sequence:       r.Sequence,
		Items:          items,
		SubTotal:       domain.Money(r.SubTotal),
		Discount:       domain.Money(r.Discount),
		GrandTotal:     domain.Money(r.GrandTotal),
		PaymentMode:    r.PaymentMode,
		CustomerMobile: r.CustomerMobile,
		CreatedBy:      r.CreatedBy,
		CreatedAt:      r.CreatedAt.UTC(),
	}
}

type billItemRow struct {
	BillID    string `db:"bill_id"`
	LineNo    int    `db:"line_no"`
	ProductID string `db:"product_id"`
	Name      string `db:"name"`
	Price     int64  `db:"price"`
	Qty       int    `db:"qty"`
	PackSize  int    `db:"pack_size"`
	UnitMode  string `db:"unit_mode"`
	StockQty  int    `db:"stock_qty"`
	Total     int64  `db:"total"`
}

func (r billItemRow) toDomain() domain.BillLineItem {
	return domain.BillLineItem{
		ProductID: r.ProductID,
		Name:      r.Name,
		Price:     domain.Money(r.Price),
		Qty:       r.Qty,
		PackSize:  r.PackSize,
		UnitMode:  domain.NormalizeUnitMode(domain.UnitMode(r.UnitMode)),
		StockQty:  r.StockQty,
		Total:     domain.Money(r.Total),
	}
}

type returnRow struct {
	ID           string    `db:"id"`
	BillID       string    `db:"bill_id"`
	BillNo       string    `db:"bill_no"`
	RefundAmount int64     `db:"refund_amount"`
	CreatedBy    string    `db:"created_by"`
	CreatedAt    time.Time `db:"created_at"`
}

type returnItemRow struct {
	ReturnID  string `db:"return_id"`
	LineNo    int    `db:"line_no"`
	ProductID string `db:"product_id"`
	Name      string `db:"name"`
	Qty       int    `db:"qty"`
	Price     int64  `db:"price"`
	Total     int64  `db:"total"`
	Restocked bool   `db:"restocked"`
}

func (r returnItemRow) toDomain() domain.ReturnLine {
	return domain.ReturnLine{
		ProductID: r.ProductID,
		Name:      r.Name,
		Qty:       r.Qty,
		Price:     domain.Money(r.Price),
		Total:     domain.Money(r.Total),
		Restocked: r.Restocked,
	}
}
