// Package engine ties bill creation, bill deletion and returns to stock. Every
// operation reads, validates and writes inside one atomic unit of work, so a
// bill and its stock movement are never visible without each other.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/billno"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/domain"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/events"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/lock"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/pricing"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/store"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/xid"
)

const (
	opDeleteBill   = "delete_bill"
	opCreateReturn = "create_return"

	defaultPaymentMode = "cash"

	// maxStockUnits bounds the stock units one request may move per product.
	maxStockUnits = 1_000_000_000
)

// Ledger is what the engine needs from storage: the atomic unit of work plus
// a plain bill read used to learn which products to lock.
type Ledger interface {
	store.Transactor
	GetBill(ctx context.Context, id string) (*domain.Bill, error)
}

type Config struct {
	// MaxAttempts bounds how often a unit of work is re-run after losing a
	// commit race.
	MaxAttempts  int
	RetryBackoff time.Duration
	// ValidateDiscount rejects negative discounts and discounts above the
	// subtotal.
	ValidateDiscount bool
	// PackAwareStock deducts quantity × pack size for Pack-mode lines.
	PackAwareStock bool
	// EnforceReturnLimits caps returns at what the bill sold.
	EnforceReturnLimits bool
	// PublishTimeout bounds how long a committed operation waits on the
	// event publisher before answering.
	PublishTimeout time.Duration
}

const defaultPublishTimeout = 2 * time.Second

func DefaultConfig() Config {
	return Config{
		MaxAttempts:         3,
		RetryBackoff:        15 * time.Millisecond,
		ValidateDiscount:    true,
		PackAwareStock:      true,
		EnforceReturnLimits: true,
		PublishTimeout:      defaultPublishTimeout,
	}
}

type Engine struct {
	ledger    Ledger
	numbers   billno.Allocator
	pricing   *pricing.Calculator
	logger    *zap.Logger
	locker    lock.Locker
	publisher events.Publisher
	tracer    trace.Tracer
	cfg       Config
	now       func() time.Time
}

type Option func(*Engine)

func WithLocker(locker lock.Locker) Option {
	return func(e *Engine) {
		if locker != nil {
			e.locker = locker
		}
	}
}

func WithPublisher(publisher events.Publisher) Option {
	return func(e *Engine) {
		if publisher != nil {
			e.publisher = publisher
		}
	}
}

func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func New(ledger Ledger, numbers billno.Allocator, calc *pricing.Calculator, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		ledger:    ledger,
		numbers:   numbers,
		pricing:   calc,
		logger:    logger.Named("engine"),
		locker:    lock.Noop{},
		publisher: events.Noop{},
		tracer:    otel.Tracer("github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/engine"),
		cfg:       DefaultConfig(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.MaxAttempts < 1 {
		e.cfg.MaxAttempts = 1
	}
	if e.cfg.PublishTimeout <= 0 {
		e.cfg.PublishTimeout = defaultPublishTimeout
	}
	return e
}

type pricedLine struct {
	product domain.Product
	item    domain.BillLineItem
}

// CreateBill prices the requested lines at current sale prices, deducts stock
// and records the bill, all in one commit.
func (e *Engine) CreateBill(ctx context.Context, req domain.BillCreateRequest, createdBy string) (bill *domain.Bill, err error) {
	ctx, span := e.tracer.Start(ctx, "engine.CreateBill", trace.WithAttributes(
		attribute.Int("bill.lines", len(req.Items)),
	))
	defer func() { endSpan(span, err) }()

	if len(req.Items) == 0 {
		return nil, ErrEmptyOrder
	}
	for i, line := range req.Items {
		if strings.TrimSpace(line.ProductID) == "" {
			return nil, fmt.Errorf("%w: line %d has no product_id", ErrInvalidLine, i+1)
		}
		if line.Qty.Int() < 1 {
			return nil, fmt.Errorf("%w: line %d quantity must be at least 1", ErrInvalidLine, i+1)
		}
		if line.Qty.Int() > domain.MaxQuantity {
			return nil, fmt.Errorf("%w: line %d quantity must be at most %d", ErrInvalidLine, i+1, domain.MaxQuantity)
		}
	}
	if e.cfg.ValidateDiscount && req.Discount < 0 {
		return nil, fmt.Errorf("%w: discount must not be negative", ErrInvalidDiscount)
	}

	productIDs := make([]string, 0, len(req.Items))
	for _, line := range req.Items {
		productIDs = append(productIDs, strings.TrimSpace(line.ProductID))
	}
	productIDs = lock.SortedKeys(productIDs)

	release, err := e.acquire(ctx, productIDs)
	if err != nil {
		return nil, err
	}
	defer release()

	paymentMode := strings.TrimSpace(req.PaymentMode)
	if paymentMode == "" {
		paymentMode = defaultPaymentMode
	}

	err = e.retry(ctx, "create_bill", func(attempt int) error {
		number, err := e.numbers.Next(ctx)
		if err != nil {
			return fmt.Errorf("%w: allocate bill number: %v", ErrStorageUnavailable, err)
		}
		span.SetAttributes(attribute.Int("commit.attempt", attempt))

		return e.ledger.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
			products, err := tx.LockProducts(ctx, productIDs)
			if err != nil {
				return err
			}

			lines, needed, err := e.priceLines(req.Items, products)
			if err != nil {
				return err
			}
			if err := checkStock(lines, needed); err != nil {
				return err
			}

			items := make([]domain.BillLineItem, 0, len(lines))
			var subTotal domain.Money
			for _, line := range lines {
				items = append(items, line.item)
				var ok bool
				if subTotal, ok = subTotal.Plus(line.item.Total); !ok {
					return fmt.Errorf("%w: bill total out of range", ErrInvalidLine)
				}
			}
			if e.cfg.ValidateDiscount && req.Discount > subTotal {
				return fmt.Errorf("%w: discount %s exceeds subtotal %s", ErrInvalidDiscount, req.Discount, subTotal)
			}

			for _, id := range productIDs {
				if err := tx.AdjustStock(ctx, id, -needed[id]); err != nil {
					if errors.Is(err, store.ErrInsufficientStock) {
						p := products[id]
						return &ProductError{Err: ErrInsufficientStock, ProductID: id, Name: p.Name, Requested: needed[id], Available: p.Stock}
					}
					return err
				}
			}

			candidate := domain.Bill{
				ID:             xid.New("bill"),
				BillNo:         number.Value,
				Sequence:       number.Sequence,
				Items:          items,
				SubTotal:       subTotal,
				Discount:       req.Discount,
				GrandTotal:     subTotal - req.Discount,
				PaymentMode:    paymentMode,
				CustomerMobile: strings.TrimSpace(req.CustomerMobile),
				CreatedBy:      createdBy,
				CreatedAt:      e.now(),
			}
			if err := tx.InsertBill(ctx, candidate); err != nil {
				return err
			}
			bill = &candidate
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("bill.id", bill.ID), attribute.String("bill.no", bill.BillNo))
	moves := make([]events.StockMove, 0, len(bill.Items))
	for _, item := range bill.Items {
		moves = append(moves, events.StockMove{ProductID: item.ProductID, Delta: -item.StockQty})
	}
	e.publish(ctx, events.Event{
		Type:   events.TypeBillCreated,
		BillID: bill.ID,
		BillNo: bill.BillNo,
		Amount: bill.GrandTotal,
		Actor:  createdBy,
		Moves:  moves,
	})
	return bill, nil
}

// priceLines freezes name and price for every requested line and totals the
// stock units needed per product.
func (e *Engine) priceLines(reqs []domain.BillLineRequest, products map[string]domain.Product) ([]pricedLine, map[string]int, error) {
	lines := make([]pricedLine, 0, len(reqs))
	needed := make(map[string]int, len(products))
	for i, req := range reqs {
		id := strings.TrimSpace(req.ProductID)
		product, ok := products[id]
		if !ok {
			return nil, nil, &ProductError{Err: ErrProductNotFound, ProductID: id}
		}
		if !product.Active {
			return nil, nil, &ProductError{Err: ErrProductInactive, ProductID: id, Name: product.Name}
		}

		mode := product.UnitMode
		if strings.TrimSpace(string(req.Mode)) != "" {
			mode = req.Mode
		}
		mode = domain.NormalizeUnitMode(mode)
		packSize := pricing.EffectivePackSize(product.PackSize)

		qty := req.Qty.Int()
		stockQty := qty
		if e.cfg.PackAwareStock && mode == domain.UnitModePack {
			units, ok := domain.MulInt64(int64(qty), int64(packSize))
			if !ok || units > maxStockUnits {
				return nil, nil, fmt.Errorf("%w: line %d needs more than %d stock units", ErrInvalidLine, i+1, maxStockUnits)
			}
			stockQty = int(units)
		}
		needed[id] += stockQty
		if needed[id] > maxStockUnits {
			return nil, nil, fmt.Errorf("%w: product %s needs more than %d stock units", ErrInvalidLine, id, maxStockUnits)
		}

		total, err := e.pricing.Total(pricing.Descriptor{
			UnitCost: product.SalePrice,
			Quantity: qty,
			PackSize: packSize,
			Mode:     mode,
			TaxClass: product.HSN,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: line %d: %v", ErrInvalidLine, i+1, err)
		}
		lines = append(lines, pricedLine{
			product: product,
			item: domain.BillLineItem{
				ProductID: id,
				Name:      product.Name,
				Price:     product.SalePrice,
				Qty:       qty,
				PackSize:  packSize,
				UnitMode:  mode,
				StockQty:  stockQty,
				Total:     total,
			},
		})
	}
	return lines, needed, nil
}

// checkStock reports the first product, in request order, whose combined
// demand exceeds its stock.
func checkStock(lines []pricedLine, needed map[string]int) error {
	checked := make(map[string]bool, len(needed))
	for _, line := range lines {
		id := line.item.ProductID
		if checked[id] {
			continue
		}
		checked[id] = true
		if needed[id] > line.product.Stock {
			return &ProductError{
				Err:       ErrInsufficientStock,
				ProductID: id,
				Name:      line.product.Name,
				Requested: needed[id],
				Available: line.product.Stock,
			}
		}
	}
	return nil
}

// DeleteBill puts back the stock the bill took, net of units already returned,
// and removes the bill. Lines whose product no longer exists are reported as
// warnings.
func (e *Engine) DeleteBill(ctx context.Context, billID string) (resp domain.BillDeleteResponse, err error) {
	billID = strings.TrimSpace(billID)
	ctx, span := e.tracer.Start(ctx, "engine.DeleteBill", trace.WithAttributes(attribute.String("bill.id", billID)))
	defer func() { endSpan(span, err) }()

	if billID == "" {
		return resp, &BillError{Err: ErrBillNotFound, BillID: billID}
	}
	existing, err := e.readBill(ctx, billID)
	if err != nil {
		return resp, err
	}

	keys := make([]string, 0, len(existing.Items))
	for _, item := range existing.Items {
		keys = append(keys, item.ProductID)
	}
	release, err := e.acquire(ctx, lock.SortedKeys(keys))
	if err != nil {
		return resp, err
	}
	defer release()

	var deleted domain.Bill
	var warnings []domain.Warning
	var moves []events.StockMove
	err = e.retry(ctx, opDeleteBill, func(int) error {
		warnings, moves = nil, nil
		return e.ledger.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
			bill, err := tx.LockBill(ctx, billID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return &BillError{Err: ErrBillNotFound, BillID: billID}
				}
				return err
			}

			restore := make(map[string]int, len(bill.Items))
			ids := make([]string, 0, len(bill.Items))
			for _, item := range bill.Items {
				if _, seen := restore[item.ProductID]; !seen {
					ids = append(ids, item.ProductID)
				}
				restore[item.ProductID] += stockUnits(item)
			}
			sort.Strings(ids)

			// Units already brought back by returns are not restored twice.
			returned, err := tx.ReturnedQuantities(ctx, billID)
			if err != nil {
				return err
			}
			for id, qty := range returned {
				if _, ok := restore[id]; ok {
					restore[id] = max(restore[id]-qty, 0)
				}
			}

			products, err := tx.LockProducts(ctx, ids)
			if err != nil {
				return err
			}
			for _, item := range bill.Items {
				if _, ok := products[item.ProductID]; !ok {
					warnings = append(warnings, missingReference(opDeleteBill, billID, item.ProductID, stockUnits(item)))
				}
			}
			for _, id := range ids {
				if _, ok := products[id]; !ok || restore[id] == 0 {
					continue
				}
				if err := tx.AdjustStock(ctx, id, restore[id]); err != nil {
					return err
				}
				moves = append(moves, events.StockMove{ProductID: id, Delta: restore[id]})
			}

			if err := tx.DeleteBill(ctx, billID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return &BillError{Err: ErrBillNotFound, BillID: billID}
				}
				return err
			}
			deleted = *bill
			return nil
		})
	})
	if err != nil {
		return resp, err
	}

	e.logWarnings(warnings)
	e.publish(ctx, events.Event{
		Type:   events.TypeBillDeleted,
		BillID: deleted.ID,
		BillNo: deleted.BillNo,
		Amount: deleted.GrandTotal,
		Moves:  moves,
	})
	return domain.BillDeleteResponse{BillID: billID, Deleted: true, Warnings: warnings}, nil
}

// CreateReturn restocks returned units and records the refund at the prices
// given on the request.
func (e *Engine) CreateReturn(ctx context.Context, req domain.ReturnCreateRequest, createdBy string) (resp domain.ReturnCreateResponse, err error) {
	billID := strings.TrimSpace(req.BillID)
	ctx, span := e.tracer.Start(ctx, "engine.CreateReturn", trace.WithAttributes(
		attribute.String("bill.id", billID),
		attribute.Int("return.lines", len(req.Items)),
	))
	defer func() { endSpan(span, err) }()

	if billID == "" {
		return resp, fmt.Errorf("%w: bill_id is required", ErrInvalidReturnRequest)
	}
	if len(req.Items) == 0 {
		return resp, fmt.Errorf("%w: items are required", ErrInvalidReturnRequest)
	}
	requested := make(map[string]int, len(req.Items))
	keys := make([]string, 0, len(req.Items))
	lineTotals := make([]domain.Money, len(req.Items))
	var refund domain.Money
	for i, line := range req.Items {
		id := strings.TrimSpace(line.ProductID)
		if id == "" {
			return resp, fmt.Errorf("%w: line %d has no product_id", ErrInvalidReturnRequest, i+1)
		}
		qty := line.Qty.Int()
		if qty < 1 || qty > domain.MaxQuantity {
			return resp, fmt.Errorf("%w: line %d quantity must be between 1 and %d", ErrInvalidReturnRequest, i+1, domain.MaxQuantity)
		}
		if line.Price < 0 || line.Price > domain.MaxMoney {
			return resp, fmt.Errorf("%w: line %d price out of range", ErrInvalidReturnRequest, i+1)
		}
		total, ok := line.Price.Times(int64(qty))
		if ok {
			refund, ok = refund.Plus(total)
		}
		if !ok {
			return resp, fmt.Errorf("%w: refund out of range", ErrInvalidReturnRequest)
		}
		lineTotals[i] = total
		requested[id] += qty
		if requested[id] > maxStockUnits {
			return resp, fmt.Errorf("%w: product %s returns more than %d units", ErrInvalidReturnRequest, id, maxStockUnits)
		}
		keys = append(keys, id)
	}
	keys = lock.SortedKeys(keys)

	if _, err := e.readBill(ctx, billID); err != nil {
		return resp, err
	}
	release, err := e.acquire(ctx, keys)
	if err != nil {
		return resp, err
	}
	defer release()

	var record domain.ReturnRecord
	var warnings []domain.Warning
	err = e.retry(ctx, opCreateReturn, func(int) error {
		warnings = nil
		return e.ledger.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
			bill, err := tx.LockBill(ctx, billID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return &BillError{Err: ErrBillNotFound, BillID: billID}
				}
				return err
			}
			if e.cfg.EnforceReturnLimits {
				if err := e.checkReturnLimits(ctx, tx, bill, requested); err != nil {
					return err
				}
			}

			products, err := tx.LockProducts(ctx, keys)
			if err != nil {
				return err
			}
			billedNames := make(map[string]string, len(bill.Items))
			for _, item := range bill.Items {
				billedNames[item.ProductID] = item.Name
			}

			lines := make([]domain.ReturnLine, 0, len(req.Items))
			for i, line := range req.Items {
				id := strings.TrimSpace(line.ProductID)
				qty := line.Qty.Int()
				total := lineTotals[i]

				product, exists := products[id]
				name := billedNames[id]
				if exists {
					name = product.Name
				} else {
					warnings = append(warnings, missingReference(opCreateReturn, billID, id, qty))
				}
				lines = append(lines, domain.ReturnLine{
					ProductID: id,
					Name:      name,
					Qty:       qty,
					Price:     line.Price,
					Total:     total,
					Restocked: exists,
				})
			}
			for _, id := range keys {
				if _, ok := products[id]; !ok {
					continue
				}
				if err := tx.AdjustStock(ctx, id, requested[id]); err != nil {
					return err
				}
			}

			record = domain.ReturnRecord{
				ID:           xid.New("ret"),
				BillID:       bill.ID,
				BillNo:       bill.BillNo,
				Items:        lines,
				RefundAmount: refund,
				CreatedBy:    createdBy,
				CreatedAt:    e.now(),
			}
			return tx.InsertReturn(ctx, record)
		})
	})
	if err != nil {
		return resp, err
	}

	e.logWarnings(warnings)
	moves := make([]events.StockMove, 0, len(record.Items))
	for _, line := range record.Items {
		if line.Restocked {
			moves = append(moves, events.StockMove{ProductID: line.ProductID, Delta: line.Qty})
		}
	}
	e.publish(ctx, events.Event{
		Type:     events.TypeReturnCreated,
		BillID:   record.BillID,
		BillNo:   record.BillNo,
		ReturnID: record.ID,
		Amount:   record.RefundAmount,
		Actor:    createdBy,
		Moves:    moves,
	})
	return domain.ReturnCreateResponse{ReturnID: record.ID, RefundAmount: record.RefundAmount, Warnings: warnings}, nil
}

// checkReturnLimits keeps the total returned per product within the stock
// units the bill originally took.
func (e *Engine) checkReturnLimits(ctx context.Context, tx store.Tx, bill *domain.Bill, requested map[string]int) error {
	billed := make(map[string]int, len(bill.Items))
	for _, item := range bill.Items {
		billed[item.ProductID] += stockUnits(item)
	}
	returned, err := tx.ReturnedQuantities(ctx, bill.ID)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(requested))
	for id := range requested {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		sold, ok := billed[id]
		if !ok {
			return fmt.Errorf("%w: product %s is not on bill %s", ErrInvalidReturnRequest, id, bill.BillNo)
		}
		if remaining := sold - returned[id]; requested[id] > remaining {
			return fmt.Errorf("%w: product %s can return at most %d more, requested %d",
				ErrInvalidReturnRequest, id, max(remaining, 0), requested[id])
		}
	}
	return nil
}

func (e *Engine) readBill(ctx context.Context, billID string) (*domain.Bill, error) {
	bill, err := e.ledger.GetBill(ctx, billID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &BillError{Err: ErrBillNotFound, BillID: billID}
		}
		return nil, translate(err)
	}
	return bill, nil
}

func (e *Engine) acquire(ctx context.Context, keys []string) (func(), error) {
	release, err := e.locker.Acquire(ctx, keys)
	if err != nil {
		if errors.Is(err, lock.ErrNotObtained) {
			return func() {}, fmt.Errorf("%w: %v", ErrStorageConflict, err)
		}
		return func() {}, fmt.Errorf("%w: acquire product locks: %v", ErrStorageUnavailable, err)
	}
	return release, nil
}

// retry re-runs fn while the store reports a lost commit race. Any other
// outcome, including unavailability, is returned at once.
func (e *Engine) retry(ctx context.Context, op string, fn func(attempt int) error) error {
	var err error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil || Code(err) != "" || !errors.Is(err, store.ErrConflict) {
			return translate(err)
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}

		e.logger.Debug("commit conflict, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		wait := e.cfg.RetryBackoff * time.Duration(attempt)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, ctx.Err())
		case <-time.After(wait):
		}
	}
	e.logger.Warn("commit conflict, giving up",
		zap.String("op", op),
		zap.Int("attempts", e.cfg.MaxAttempts),
		zap.Error(err),
	)
	return translate(err)
}

func (e *Engine) publish(ctx context.Context, event events.Event) {
	event.ID = xid.New("evt")
	event.OccurredAt = e.now()
	// The commit already happened; a slow broker or a departed client must
	// not hold the response.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PublishTimeout)
	defer cancel()
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("event publish failed",
			zap.String("type", event.Type),
			zap.String("bill_id", event.BillID),
			zap.Error(err),
		)
	}
}

func (e *Engine) logWarnings(warnings []domain.Warning) {
	for _, w := range warnings {
		e.logger.Warn("stock restore skipped for missing product",
			zap.String("code", w.Code),
			zap.String("op", w.Op),
			zap.String("bill_id", w.BillID),
			zap.String("product_id", w.ProductID),
			zap.Int("qty", w.Qty),
		)
	}
}

func missingReference(op, billID, productID string, qty int) domain.Warning {
	return domain.Warning{
		Code:      domain.WarningMissingReference,
		Op:        op,
		BillID:    billID,
		ProductID: productID,
		Qty:       qty,
	}
}

// stockUnits is what a line removed from stock. Lines without a recorded
// stock quantity fall back to the billed quantity.
func stockUnits(item domain.BillLineItem) int {
	if item.StockQty > 0 {
		return item.StockQty
	}
	return item.Qty
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, Code(err))
	}
	span.End()
}
