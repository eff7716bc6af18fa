package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/billno"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/domain"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/engine"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/pricing"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/store"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/store/memory"
)

type mapCache struct {
	mu      sync.Mutex
	bills   map[string]domain.Bill
	hits    int
	deletes int
}

func newMapCache() *mapCache {
	return &mapCache{bills: make(map[string]domain.Bill)}
}

func (c *mapCache) Get(_ context.Context, id string) (*domain.Bill, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bill, ok := c.bills[id]
	if ok {
		c.hits++
	}
	return &bill, ok, nil
}

func (c *mapCache) Set(_ context.Context, bill *domain.Bill, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bills[bill.ID] = *bill
	return nil
}

func (c *mapCache) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bills, id)
	c.deletes++
	return nil
}

func newTestService(t *testing.T) (*Service, *memory.Store, *mapCache) {
	t.Helper()
	repo := memory.NewSeeded()
	numbers, err := billno.NewLocal(context.Background(), billno.DefaultPrefix, repo)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	eng := engine.New(repo, numbers, pricing.NewCalculator([]string{"3004", "3006"}), zap.NewNop())
	bills := newMapCache()
	return New(repo, eng, bills, time.Minute, zap.NewNop()), repo, bills
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier"})
}

func TestCreateProductRequiresAdmin(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateProduct(cashierCtx(), domain.ProductCreateRequest{Name: "Cough Syrup", MRP: 9000})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestCreateProductValidatesAndDefaults(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: "  ", MRP: 9000})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request for blank name, got %v", err)
	}
	_, err = svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: "Cough Syrup", MRP: 0})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request for zero mrp, got %v", err)
	}

	created, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		Name: "Cough Syrup", MRP: 9000, HSN: " 30049099 ", OpeningStock: 12, UnitMode: "pack",
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if created.SalePrice != 9000 || created.PackSize != 1 || created.Stock != 12 || !created.Active {
		t.Fatalf("unexpected defaults %+v", created)
	}
	if created.HSN != "30049099" || created.UnitMode != domain.UnitModePack || created.ID == "" {
		t.Fatalf("unexpected normalisation %+v", created)
	}
}

func TestSetProductStatusBlocksBilling(t *testing.T) {
	svc, _, _ := newTestService(t)
	inactive := false

	if _, err := svc.SetProductStatus(adminCtx(), "prod-ors-sachet", domain.ProductStatusRequest{Active: &inactive}); err != nil {
		t.Fatalf("set status: %v", err)
	}
	_, err := svc.CreateBill(cashierCtx(), domain.BillCreateRequest{
		Items: []domain.BillLineRequest{{ProductID: "prod-ors-sachet", Qty: 1}},
	})
	if !errors.Is(err, engine.ErrProductInactive) {
		t.Fatalf("expected inactive product to be refused, got %v", err)
	}

	if _, err := svc.SetProductStatus(adminCtx(), "prod-ors-sachet", domain.ProductStatusRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected missing active flag to be refused, got %v", err)
	}
}

func TestAdjustStockNeverGoesNegative(t *testing.T) {
	svc, _, _ := newTestService(t)

	product, err := svc.AdjustStock(adminCtx(), "prod-bandage-roll", domain.StockAdjustRequest{Delta: 10, Reason: "supplier delivery"})
	if err != nil {
		t.Fatalf("adjust stock: %v", err)
	}
	if product.Stock != 50 {
		t.Fatalf("expected 50, got %d", product.Stock)
	}

	_, err = svc.AdjustStock(adminCtx(), "prod-bandage-roll", domain.StockAdjustRequest{Delta: -51})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	_, err = svc.AdjustStock(adminCtx(), "prod-bandage-roll", domain.StockAdjustRequest{Delta: 0})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected zero delta to be refused, got %v", err)
	}
	_, err = svc.AdjustStock(adminCtx(), "missing", domain.StockAdjustRequest{Delta: 1})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBillLifecycleUsesCache(t *testing.T) {
	svc, _, bills := newTestService(t)

	created, err := svc.CreateBill(cashierCtx(), domain.BillCreateRequest{
		Items:          []domain.BillLineRequest{{ProductID: "prod-paracetamol-500", Qty: 4}},
		PaymentMode:    "upi",
		CustomerMobile: "9800000000",
	})
	if err != nil {
		t.Fatalf("create bill: %v", err)
	}
	if created.GrandTotal != 4*2800 {
		t.Fatalf("unexpected grand total %d", created.GrandTotal)
	}

	bill, err := svc.GetBill(cashierCtx(), created.BillID)
	if err != nil {
		t.Fatalf("get bill: %v", err)
	}
	if bill.CreatedBy != "cashier" || bill.PaymentMode != "upi" || bill.BillNo != created.BillNo {
		t.Fatalf("unexpected bill %+v", bill)
	}
	if bills.hits != 1 {
		t.Fatalf("expected bill read to be served from cache, got %d hits", bills.hits)
	}

	if _, err := svc.DeleteBill(cashierCtx(), created.BillID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected cashier delete to be forbidden, got %v", err)
	}
	resp, err := svc.DeleteBill(adminCtx(), created.BillID)
	if err != nil || !resp.Deleted {
		t.Fatalf("delete bill: resp=%+v err=%v", resp, err)
	}
	if bills.deletes != 1 {
		t.Fatalf("expected cache invalidation on delete")
	}
	if _, err := svc.GetBill(cashierCtx(), created.BillID); !errors.Is(err, engine.ErrBillNotFound) {
		t.Fatalf("expected bill not found after delete, got %v", err)
	}

	product, _ := svc.GetProduct(context.Background(), "prod-paracetamol-500")
	if product.Stock != 500 {
		t.Fatalf("expected stock restored to 500, got %d", product.Stock)
	}
}

func TestReturnsAreListedPerBill(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := cashierCtx()

	first, err := svc.CreateBill(ctx, domain.BillCreateRequest{Items: []domain.BillLineRequest{{ProductID: "prod-ors-sachet", Qty: 3}}})
	if err != nil {
		t.Fatalf("create bill: %v", err)
	}
	second, err := svc.CreateBill(ctx, domain.BillCreateRequest{Items: []domain.BillLineRequest{{ProductID: "prod-ors-sachet", Qty: 1}}})
	if err != nil {
		t.Fatalf("create bill: %v", err)
	}

	resp, err := svc.CreateReturn(ctx, domain.ReturnCreateRequest{
		BillID: first.BillID,
		Items:  []domain.ReturnLineRequest{{ProductID: "prod-ors-sachet", Qty: 2, Price: 2100}},
	})
	if err != nil {
		t.Fatalf("create return: %v", err)
	}
	if resp.RefundAmount != 4200 {
		t.Fatalf("expected refund 4200, got %d", resp.RefundAmount)
	}

	records, err := svc.ListReturns(ctx, first.BillID, 0)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one return for first bill, got %d (%v)", len(records), err)
	}
	if records[0].CreatedBy != "cashier" || records[0].BillNo != first.BillNo {
		t.Fatalf("unexpected return record %+v", records[0])
	}
	records, _ = svc.ListReturns(ctx, second.BillID, 0)
	if len(records) != 0 {
		t.Fatalf("expected no returns for second bill, got %d", len(records))
	}

	bills, _ := svc.ListBills(ctx, 0)
	if len(bills) != 2 {
		t.Fatalf("expected 2 bills, got %d", len(bills))
	}
}

func TestClampLimit(t *testing.T) {
	if clampLimit(0) != defaultListLimit || clampLimit(10_000) != maxListLimit || clampLimit(7) != 7 {
		t.Fatalf("unexpected limit clamping")
	}
}
