package domain

import (
	"strings"
	"time"
)

type UnitMode string

const (
	UnitModeLoose UnitMode = "Loose"
	UnitModePack  UnitMode = "Pack"
)

// NormalizeUnitMode accepts any casing and falls back to Loose.
func NormalizeUnitMode(raw UnitMode) UnitMode {
	if strings.EqualFold(strings.TrimSpace(string(raw)), string(UnitModePack)) {
		return UnitModePack
	}
	return UnitModeLoose
}

type Product struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Packing     string    `json:"packing"`
	ProductType string    `json:"product_type"`
	HSN         string    `json:"hsn"`
	GSTRate     float64   `json:"gst_rate"`
	MRP         Money     `json:"mrp"`
	SalePrice   Money     `json:"sale_price"`
	UnitCost    Money     `json:"unit_cost"`
	PackSize    int       `json:"pack_size"`
	UnitMode    UnitMode  `json:"unit_mode"`
	Stock       int       `json:"stock"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

type ProductCreateRequest struct {
	ID           string   `json:"id,omitempty" validate:"omitempty,max=64"`
	Name         string   `json:"name" validate:"required,max=200"`
	Packing      string   `json:"packing" validate:"max=64"`
	ProductType  string   `json:"product_type" validate:"max=64"`
	HSN          string   `json:"hsn" validate:"max=16"`
	GSTRate      float64  `json:"gst_rate" validate:"gte=0,lte=100"`
	MRP          Money    `json:"mrp" validate:"gt=0"`
	SalePrice    Money    `json:"sale_price" validate:"gte=0"`
	UnitCost     Money    `json:"unit_cost" validate:"gte=0"`
	PackSize     Quantity `json:"pack_size" validate:"gte=0"`
	UnitMode     UnitMode `json:"unit_mode"`
	OpeningStock Quantity `json:"opening_stock" validate:"gte=0"`
}

type ProductStatusRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type StockAdjustRequest struct {
	Delta  Quantity `json:"delta" validate:"ne=0"`
	Reason string   `json:"reason" validate:"max=200"`
}

// BillLineItem is frozen at bill time. StockQty is the quantity actually
// removed from stock, which is what a deletion puts back.
type BillLineItem struct {
	ProductID string   `json:"product_id"`
	Name      string   `json:"name"`
	Price     Money    `json:"price"`
	Qty       int      `json:"qty"`
	PackSize  int      `json:"pack_size"`
	UnitMode  UnitMode `json:"unit_mode"`
	StockQty  int      `json:"stock_qty"`
	Total     Money    `json:"total"`
}

type Bill struct {
	ID             string         `json:"id"`
	BillNo         string         `json:"bill_no"`
	Sequence       int64          `json:"sequence"`
	Items          []BillLineItem `json:"items"`
	SubTotal       Money          `json:"sub_total"`
	Discount       Money          `json:"discount"`
	GrandTotal     Money          `json:"grand_total"`
	PaymentMode    string         `json:"payment_mode"`
	CustomerMobile string         `json:"customer_mobile,omitempty"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
}

type BillLineRequest struct {
	ProductID string   `json:"product_id"`
	Qty       Quantity `json:"qty"`
	Mode      UnitMode `json:"mode,omitempty"`
}

type BillCreateRequest struct {
	Items          []BillLineRequest `json:"items"`
	PaymentMode    string            `json:"payment_mode"`
	Discount       Money             `json:"discount"`
	CustomerMobile string            `json:"customer_mobile"`
}

type BillCreateResponse struct {
	BillID     string `json:"bill_id"`
	BillNo     string `json:"bill_no"`
	GrandTotal Money  `json:"grand_total"`
}

type ReturnLine struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	Qty       int    `json:"qty"`
	Price     Money  `json:"price"`
	Total     Money  `json:"total"`
	Restocked bool   `json:"restocked"`
}

type ReturnRecord struct {
	ID           string       `json:"id"`
	BillID       string       `json:"bill_id"`
	BillNo       string       `json:"bill_no"`
	Items        []ReturnLine `json:"items"`
	RefundAmount Money        `json:"refund_amount"`
	CreatedBy    string       `json:"created_by"`
	CreatedAt    time.Time    `json:"created_at"`
}

type ReturnLineRequest struct {
	ProductID string   `json:"product_id"`
	Qty       Quantity `json:"qty"`
	Price     Money    `json:"price"`
}

type ReturnCreateRequest struct {
	BillID string              `json:"bill_id"`
	Items  []ReturnLineRequest `json:"items"`
}

type ReturnCreateResponse struct {
	ReturnID     string    `json:"return_id"`
	RefundAmount Money     `json:"refund_amount"`
	Warnings     []Warning `json:"warnings,omitempty"`
}

type BillDeleteResponse struct {
	BillID   string    `json:"bill_id"`
	Deleted  bool      `json:"deleted"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// Warning records a line whose product no longer exists, so its stock
// restoration was skipped.
type Warning struct {
	Code      string `json:"code"`
	Op        string `json:"op"`
	BillID    string `json:"bill_id"`
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

const WarningMissingReference = "MISSING_REFERENCE"

type LoginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=128"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
