package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"retailcore/backend/internal/cache"
	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/events"
	"retailcore/backend/internal/qrsign"
	"retailcore/backend/internal/store"
	"retailcore/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return "system"
}

// Catalog resolves product ids to the current sellable price and VAT rate.
type Catalog interface {
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
}

type Options struct {
	StoreCode             string
	SellerName            string
	VATRegistrationNumber string
	ExitQRValidity        time.Duration
	Clock                 func() time.Time
	Events                events.Publisher
	Scans                 cache.ScanRegistry
}

// Service wires the sales components around one repository.
type Service struct {
	Ledger   *InventoryLedger
	Carts    *CartAccumulator
	Orders   *OrderEngine
	Payments *PaymentRecorder
	Returns  *ReturnProcessor

	repo   store.Repository
	signer *qrsign.Signer
	scans  cache.ScanRegistry
	hooks  *hooks
}

func New(repo store.Repository, catalog Catalog, signer *qrsign.Signer, opts Options) *Service {
	if opts.StoreCode == "" {
		opts.StoreCode = "RC"
	}
	if opts.ExitQRValidity <= 0 {
		opts.ExitQRValidity = 30 * 24 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Events == nil {
		opts.Events = events.NoopPublisher{}
	}
	if opts.Scans == nil {
		opts.Scans = cache.NewMemoryScanRegistry()
	}

	h := &hooks{repo: repo, events: opts.Events, now: opts.Clock}
	ledger := &InventoryLedger{repo: repo, now: opts.Clock}
	orders := &OrderEngine{
		repo:      repo,
		ledger:    ledger,
		signer:    signer,
		hooks:     h,
		now:       opts.Clock,
		storeCode: opts.StoreCode,
		seller:    opts.SellerName,
		vatNo:     opts.VATRegistrationNumber,
		validity:  opts.ExitQRValidity,
	}
	payments := &PaymentRecorder{repo: repo, orders: orders, hooks: h, now: opts.Clock}
	orders.payments = payments

	return &Service{
		Ledger:   ledger,
		Carts:    &CartAccumulator{repo: repo, ledger: ledger, catalog: catalog, now: opts.Clock},
		Orders:   orders,
		Payments: payments,
		Returns:  &ReturnProcessor{repo: repo, ledger: ledger, hooks: h, now: opts.Clock},
		repo:     repo,
		signer:   signer,
		scans:    opts.Scans,
		hooks:    h,
	}
}

// VerifyQR checks a receipt or exit QR against the signing secret and clock.
func (s *Service) VerifyQR(_ context.Context, qr string) (map[string]any, error) {
	return s.signer.Verify(strings.TrimSpace(qr), s.hooks.now())
}

// CheckExit verifies an exit QR at the store door and records the scan.
// A code presented a second time verifies but reports AlreadyScanned. The
// order must still hold goods the customer paid for: fully returned or
// cancelled orders are refused even while the code itself is valid.
func (s *Service) CheckExit(ctx context.Context, qr string) (domain.QRVerifyResponse, error) {
	payload, err := s.VerifyQR(ctx, qr)
	if err != nil {
		return domain.QRVerifyResponse{}, err
	}
	if payload[qrsign.FieldType] != qrsign.TypeExit {
		return domain.QRVerifyResponse{}, fmt.Errorf("%w: not an exit code", store.ErrInvalidInput)
	}
	orderID, _ := payload["order_id"].(string)
	if orderID == "" {
		return domain.QRVerifyResponse{}, fmt.Errorf("%w: exit code has no order id", store.ErrInvalidInput)
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.QRVerifyResponse{}, fmt.Errorf("exit code order %s: %w", orderID, err)
	}
	if order.Status != domain.OrderStatusCompleted && order.Status != domain.OrderStatusPartiallyReturned {
		s.hooks.logAudit(ctx, order.BranchID, "exit_refused", "order", orderID, "status="+order.Status)
		return domain.QRVerifyResponse{}, &store.TransitionError{OrderID: orderID, From: order.Status, Action: "exit with"}
	}

	already, err := s.scans.MarkScanned(ctx, orderID, s.hooks.now(), s.Orders.validity)
	if err != nil {
		return domain.QRVerifyResponse{}, fmt.Errorf("record exit scan: %w", err)
	}
	s.hooks.logAudit(ctx, stringField(payload, "branch_id"), "exit_scan", "order", orderID, fmt.Sprintf("already_scanned=%t", already))
	return domain.QRVerifyResponse{Valid: true, Payload: payload, AlreadyScanned: already, OrderStatus: order.Status}, nil
}

func (s *Service) AuditTrail(ctx context.Context, entityID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, entityID, limit)
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

// hooks runs the post-commit side effects of order transitions. Failures are
// logged; the committed transition stands.
type hooks struct {
	repo   store.Repository
	events events.Publisher
	now    func() time.Time
}

func (h *hooks) orderChanged(ctx context.Context, order *domain.Order, eventType string, action string, detail string) {
	h.logAudit(ctx, order.BranchID, action, "order", order.OrderID, detail)

	event := events.OrderEvent{
		Type:        eventType,
		OrderID:     order.OrderID,
		BranchID:    order.BranchID,
		Status:      order.Status,
		TotalAmount: order.TotalAmount,
		Actor:       actorName(ctx),
		OccurredAt:  h.now(),
	}
	if err := h.events.Publish(ctx, event); err != nil {
		log.Printf("[events] WARN: failed to publish %s order=%s: %v", eventType, order.OrderID, err)
	}
}

func (h *hooks) logAudit(ctx context.Context, branchID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := h.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		BranchID:      branchID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     h.now(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}
