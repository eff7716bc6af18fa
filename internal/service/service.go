package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/cache"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/domain"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/engine"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/store"
)

var (
	ErrForbidden      = errors.New("admin role required")
	ErrInvalidRequest = errors.New("invalid request")
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo     store.Repository
	engine   *engine.Engine
	bills    cache.BillCache
	billTTL  time.Duration
	validate *validator.Validate
	logger   *zap.Logger
}

func New(repo store.Repository, eng *engine.Engine, bills cache.BillCache, billTTL time.Duration, logger *zap.Logger) *Service {
	if bills == nil {
		bills = cache.NoopBillCache{}
	}
	if billTTL <= 0 {
		billTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		engine:   eng,
		bills:    bills,
		billTTL:  billTTL,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.Named("service"),
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.ID = strings.TrimSpace(req.ID)
	req.Name = strings.TrimSpace(req.Name)
	req.HSN = strings.ToUpper(strings.TrimSpace(req.HSN))
	if err := s.check(req); err != nil {
		return domain.Product{}, err
	}

	salePrice := req.SalePrice
	if salePrice == 0 {
		salePrice = req.MRP
	}
	packSize := req.PackSize.Int()
	if packSize < 1 {
		packSize = 1
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:          req.ID,
		Name:        req.Name,
		Packing:     strings.TrimSpace(req.Packing),
		ProductType: strings.TrimSpace(req.ProductType),
		HSN:         req.HSN,
		GSTRate:     req.GSTRate,
		MRP:         req.MRP,
		SalePrice:   salePrice,
		UnitCost:    req.UnitCost,
		PackSize:    packSize,
		UnitMode:    domain.NormalizeUnitMode(req.UnitMode),
		Stock:       req.OpeningStock.Int(),
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID,
		zap.String("name", created.Name),
		zap.Stringer("sale_price", created.SalePrice),
		zap.Int("stock", created.Stock),
	)
	return *created, nil
}

func (s *Service) SetProductStatus(ctx context.Context, id string, req domain.ProductStatusRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	if err := s.check(req); err != nil {
		return domain.Product{}, err
	}

	updated, err := s.repo.SetProductActive(ctx, strings.TrimSpace(id), *req.Active)
	if err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, "product_status", "product", updated.ID, zap.Bool("active", updated.Active))
	return *updated, nil
}

// AdjustStock receives (positive delta) or writes off (negative delta) stock
// outside of a bill. It is atomic and never drives stock below zero.
func (s *Service) AdjustStock(ctx context.Context, id string, req domain.StockAdjustRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	if err := s.check(req); err != nil {
		return domain.Product{}, err
	}

	id = strings.TrimSpace(id)
	delta := req.Delta.Int()
	err := s.repo.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.AdjustStock(ctx, id, delta)
	})
	if err != nil {
		return domain.Product{}, err
	}

	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, "stock_adjust", "product", id,
		zap.Int("delta", delta),
		zap.Int("stock", product.Stock),
		zap.String("reason", strings.TrimSpace(req.Reason)),
	)
	return *product, nil
}

func (s *Service) CreateBill(ctx context.Context, req domain.BillCreateRequest) (domain.BillCreateResponse, error) {
	bill, err := s.engine.CreateBill(ctx, req, actorName(ctx))
	if err != nil {
		return domain.BillCreateResponse{}, err
	}

	if err := s.bills.Set(ctx, bill, s.billTTL); err != nil {
		s.logger.Warn("bill cache write failed", zap.String("bill_id", bill.ID), zap.Error(err))
	}
	s.logAudit(ctx, "bill_create", "bill", bill.ID,
		zap.String("bill_no", bill.BillNo),
		zap.Stringer("grand_total", bill.GrandTotal),
	)
	return domain.BillCreateResponse{BillID: bill.ID, BillNo: bill.BillNo, GrandTotal: bill.GrandTotal}, nil
}

func (s *Service) GetBill(ctx context.Context, id string) (domain.Bill, error) {
	id = strings.TrimSpace(id)
	if cached, ok, err := s.bills.Get(ctx, id); err != nil {
		s.logger.Warn("bill cache read failed", zap.String("bill_id", id), zap.Error(err))
	} else if ok {
		return *cached, nil
	}

	bill, err := s.repo.GetBill(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Bill{}, &engine.BillError{Err: engine.ErrBillNotFound, BillID: id}
		}
		return domain.Bill{}, err
	}
	if err := s.bills.Set(ctx, bill, s.billTTL); err != nil {
		s.logger.Warn("bill cache write failed", zap.String("bill_id", id), zap.Error(err))
	}
	return *bill, nil
}

func (s *Service) ListBills(ctx context.Context, limit int) ([]domain.Bill, error) {
	return s.repo.ListBills(ctx, clampLimit(limit))
}

func (s *Service) DeleteBill(ctx context.Context, id string) (domain.BillDeleteResponse, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.BillDeleteResponse{}, err
	}

	resp, err := s.engine.DeleteBill(ctx, id)
	if err != nil {
		return domain.BillDeleteResponse{}, err
	}
	if err := s.bills.Delete(ctx, resp.BillID); err != nil {
		s.logger.Warn("bill cache invalidation failed", zap.String("bill_id", resp.BillID), zap.Error(err))
	}
	s.logAudit(ctx, "bill_delete", "bill", resp.BillID, zap.Int("warnings", len(resp.Warnings)))
	return resp, nil
}

func (s *Service) CreateReturn(ctx context.Context, req domain.ReturnCreateRequest) (domain.ReturnCreateResponse, error) {
	resp, err := s.engine.CreateReturn(ctx, req, actorName(ctx))
	if err != nil {
		return domain.ReturnCreateResponse{}, err
	}
	s.logAudit(ctx, "return_create", "return", resp.ReturnID,
		zap.String("bill_id", strings.TrimSpace(req.BillID)),
		zap.Stringer("refund_amount", resp.RefundAmount),
	)
	return resp, nil
}

func (s *Service) ListReturns(ctx context.Context, billID string, limit int) ([]domain.ReturnRecord, error) {
	return s.repo.ListReturns(ctx, strings.TrimSpace(billID), clampLimit(limit))
}

// check runs struct validation and folds failures into ErrInvalidRequest.
func (s *Service) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", strings.ToLower(fe.Field()), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s is %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(parts, "; "))
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, fields ...zap.Field) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	s.logger.Info("audit", append([]zap.Field{
		zap.String("action", action),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("actor", actor.Username),
		zap.String("actor_role", actor.Role),
	}, fields...)...)
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return ErrForbidden
	}
	return nil
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return "system"
}

func clampLimit(limit int) int {
	if limit < 1 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
