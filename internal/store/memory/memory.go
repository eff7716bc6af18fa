package memory

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/domain"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/store"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/xid"
)

type Store struct {
	mu       sync.RWMutex
	products map[string]domain.Product
	bills    map[string]domain.Bill
	returns  []domain.ReturnRecord
	users    map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products: make(map[string]domain.Product),
		bills:    make(map[string]domain.Bill),
		returns:  make([]domain.ReturnRecord, 0, 32),
		users:    make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD with dev defaults; the
// postgres store never uses these.
func seedUsers() map[string]domain.UserAccount {
	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", envOr("SEED_ADMIN_PASSWORD", "admin123"), "admin"},
		{"cashier", envOr("SEED_CASHIER_PASSWORD", "cashier123"), "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			// Only passwords over 72 bytes fail; such an account stays unusable.
			continue
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	products := []domain.Product{
		{ID: "prod-paracetamol-500", Name: "Paracetamol 500mg", Packing: "10x10", ProductType: "tablet", HSN: "30049099", GSTRate: 12, MRP: 3000, SalePrice: 2800, UnitCost: 1900, PackSize: 10, UnitMode: domain.UnitModeLoose, Stock: 500},
		{ID: "prod-amoxicillin-250", Name: "Amoxicillin 250mg", Packing: "10x10", ProductType: "capsule", HSN: "30041010", GSTRate: 12, MRP: 8500, SalePrice: 8200, UnitCost: 6100, PackSize: 10, UnitMode: domain.UnitModePack, Stock: 300},
		{ID: "prod-ors-sachet", Name: "ORS Sachet 21g", Packing: "1x1", ProductType: "powder", HSN: "30049011", GSTRate: 12, MRP: 2100, SalePrice: 2100, UnitCost: 1500, PackSize: 1, UnitMode: domain.UnitModeLoose, Stock: 200},
		{ID: "prod-bandage-roll", Name: "Crepe Bandage 10cm", Packing: "1 roll", ProductType: "surgical", HSN: "30059040", GSTRate: 12, MRP: 12000, SalePrice: 11000, UnitCost: 7500, PackSize: 1, UnitMode: domain.UnitModeLoose, Stock: 40},
		{ID: "prod-vitamin-c", Name: "Vitamin C Chewable", Packing: "1x15", ProductType: "tablet", HSN: "21069099", GSTRate: 18, MRP: 4500, SalePrice: 4300, UnitCost: 2900, PackSize: 15, UnitMode: domain.UnitModeLoose, Stock: 150},
	}
	for i, p := range products {
		p.Active = true
		p.CreatedAt = now.Add(time.Duration(i) * time.Second)
		s.products[p.ID] = p
	}
	s.users = seedUsers()
	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || product.MRP < 1 || product.Stock < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	if product.PackSize < 1 {
		product.PackSize = 1
	}
	product.UnitMode = domain.NormalizeUnitMode(product.UnitMode)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) SetProductActive(_ context.Context, id string, active bool) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	product.Active = active
	s.products[id] = product
	return &product, nil
}

// DeleteProduct removes a product outright. It exists so a bill can outlive
// the products it references.
func (s *Store) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.products, id)
	return nil
}

func (s *Store) GetBill(_ context.Context, id string) (*domain.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bill, exists := s.bills[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return cloneBill(bill), nil
}

func (s *Store) ListBills(_ context.Context, limit int) ([]domain.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bills := make([]domain.Bill, 0, len(s.bills))
	for _, bill := range s.bills {
		bills = append(bills, *cloneBill(bill))
	}
	slices.SortFunc(bills, func(a, b domain.Bill) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.Sequence, a.Sequence)
	})
	if limit > 0 && len(bills) > limit {
		bills = bills[:limit]
	}
	return bills, nil
}

func (s *Store) MaxBillSequence(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq int64
	for _, bill := range s.bills {
		maxSeq = max(maxSeq, bill.Sequence)
	}
	return maxSeq, nil
}

func (s *Store) ListReturns(_ context.Context, billID string, limit int) ([]domain.ReturnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.ReturnRecord, 0, len(s.returns))
	for i := len(s.returns) - 1; i >= 0; i-- {
		record := s.returns[i]
		if billID != "" && record.BillID != billID {
			continue
		}
		records = append(records, cloneReturn(record))
		if limit > 0 && len(records) == limit {
			break
		}
	}
	return records, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

// Atomic holds the write lock for the whole unit of work. Writes are staged
// on the tx and only applied when fn succeeds and ctx is still live.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:            s,
		stock:        make(map[string]int),
		billInserts:  make(map[string]domain.Bill),
		billDeletes:  make(map[string]struct{}),
		returnStaged: make([]domain.ReturnRecord, 0, 1),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	tx.apply()
	return nil
}

type memTx struct {
	s            *Store
	stock        map[string]int
	billInserts  map[string]domain.Bill
	billDeletes  map[string]struct{}
	returnStaged []domain.ReturnRecord
}

func (t *memTx) LockProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	found := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		product, exists := t.s.products[id]
		if !exists {
			continue
		}
		if staged, ok := t.stock[id]; ok {
			product.Stock = staged
		}
		found[id] = product
	}
	return found, nil
}

func (t *memTx) AdjustStock(_ context.Context, productID string, delta int) error {
	product, exists := t.s.products[productID]
	if !exists {
		return store.ErrNotFound
	}
	current := product.Stock
	if staged, ok := t.stock[productID]; ok {
		current = staged
	}
	next := current + delta
	if next < 0 {
		return store.ErrInsufficientStock
	}
	t.stock[productID] = next
	return nil
}

func (t *memTx) InsertBill(_ context.Context, bill domain.Bill) error {
	if bill.ID == "" || bill.BillNo == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := t.s.bills[bill.ID]; exists {
		return store.ErrConflict
	}
	for _, existing := range t.s.bills {
		if existing.BillNo == bill.BillNo {
			return fmt.Errorf("%w: bill number %s already used", store.ErrConflict, bill.BillNo)
		}
	}
	for _, staged := range t.billInserts {
		if staged.BillNo == bill.BillNo {
			return fmt.Errorf("%w: bill number %s already used", store.ErrConflict, bill.BillNo)
		}
	}
	t.billInserts[bill.ID] = *cloneBill(bill)
	return nil
}

func (t *memTx) LockBill(_ context.Context, id string) (*domain.Bill, error) {
	if _, deleted := t.billDeletes[id]; deleted {
		return nil, store.ErrNotFound
	}
	if staged, ok := t.billInserts[id]; ok {
		return cloneBill(staged), nil
	}
	bill, exists := t.s.bills[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return cloneBill(bill), nil
}

func (t *memTx) DeleteBill(ctx context.Context, id string) error {
	if _, err := t.LockBill(ctx, id); err != nil {
		return err
	}
	delete(t.billInserts, id)
	t.billDeletes[id] = struct{}{}
	return nil
}

func (t *memTx) ReturnedQuantities(_ context.Context, billID string) (map[string]int, error) {
	returned := make(map[string]int)
	for _, records := range [][]domain.ReturnRecord{t.s.returns, t.returnStaged} {
		for _, record := range records {
			if record.BillID != billID {
				continue
			}
			for _, line := range record.Items {
				returned[line.ProductID] += line.Qty
			}
		}
	}
	return returned, nil
}

func (t *memTx) InsertReturn(_ context.Context, record domain.ReturnRecord) error {
	if record.ID == "" || record.BillID == "" {
		return store.ErrInvalidTransaction
	}
	t.returnStaged = append(t.returnStaged, cloneReturn(record))
	return nil
}

func (t *memTx) apply() {
	for id, qty := range t.stock {
		product := t.s.products[id]
		product.Stock = qty
		t.s.products[id] = product
	}
	for id := range t.billDeletes {
		delete(t.s.bills, id)
	}
	for id, bill := range t.billInserts {
		t.s.bills[id] = bill
	}
	t.s.returns = append(t.s.returns, t.returnStaged...)
}

func cloneBill(src domain.Bill) *domain.Bill {
	dup := src
	items := make([]domain.BillLineItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return &dup
}

func cloneReturn(src domain.ReturnRecord) domain.ReturnRecord {
	dup := src
	items := make([]domain.ReturnLine, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return dup
}
