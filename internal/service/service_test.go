package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/events"
	"retailcore/backend/internal/qrsign"
	"retailcore/backend/internal/store"
	"retailcore/backend/internal/store/memory"
)

const testBranch = "riyadh-01"

var testStart = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc    *Service
	store  *memory.Store
	events *events.Recorder
	clock  *testClock
	ctx    context.Context
}

func newTestService(t *testing.T, opts ...memory.Option) *fixture {
	t.Helper()
	st := memory.New(opts...)
	vat := decimal.RequireFromString("0.15")
	st.PutProduct(domain.Product{ID: "p-tea", Name: "Tea", Price: decimal.RequireFromString("10.00"), VATRate: vat, Active: true})
	st.PutProduct(domain.Product{ID: "p-cup", Name: "Cup", Price: decimal.RequireFromString("6.00"), VATRate: vat, Active: true})
	st.SetStock("p-tea", testBranch, 100)
	st.SetStock("p-cup", testBranch, 100)
	return newFixture(t, st, st)
}

func newFixture(t *testing.T, st *memory.Store, repo store.Repository) *fixture {
	t.Helper()
	signer, err := qrsign.NewSigner("test-signing-secret")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	clock := &testClock{now: testStart}
	recorder := &events.Recorder{}
	svc := New(repo, st, signer, Options{
		SellerName:            "Retail Core",
		VATRegistrationNumber: "300000000000003",
		Clock:                 clock.Now,
		Events:                recorder,
	})
	ctx := WithActor(context.Background(), domain.Actor{Username: "cashier1", Role: domain.RoleCashier})
	return &fixture{svc: svc, store: st, events: recorder, clock: clock, ctx: ctx}
}

func (f *fixture) stock(t *testing.T, productID string) int {
	t.Helper()
	qty, err := f.svc.Ledger.Available(f.ctx, productID, testBranch)
	if err != nil {
		t.Fatalf("available %s: %v", productID, err)
	}
	return qty
}

func (f *fixture) basket(t *testing.T, lines map[string]int) *domain.Basket {
	t.Helper()
	basket, err := f.svc.Carts.Create(f.ctx, domain.BasketCreateRequest{BranchID: testBranch})
	if err != nil {
		t.Fatalf("create basket: %v", err)
	}
	for productID, qty := range lines {
		if _, err := f.svc.Carts.Add(f.ctx, basket.ID, productID, qty); err != nil {
			t.Fatalf("add %s: %v", productID, err)
		}
	}
	return basket
}

func (f *fixture) order(t *testing.T, lines map[string]int) *domain.Order {
	t.Helper()
	basket := f.basket(t, lines)
	order, err := f.svc.Orders.Convert(f.ctx, domain.ConvertRequest{BasketID: basket.ID})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	return order
}

func (f *fixture) completedOrder(t *testing.T, lines map[string]int) *domain.Order {
	t.Helper()
	order := f.order(t, lines)
	if _, err := f.svc.Payments.Record(f.ctx, domain.PaymentInput{OrderID: order.OrderID, Amount: order.TotalAmount, Method: "card"}); err != nil {
		t.Fatalf("record payment: %v", err)
	}
	completed, err := f.svc.Orders.Complete(f.ctx, order.OrderID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return completed
}

func itemFor(t *testing.T, order *domain.Order, productID string) domain.OrderItem {
	t.Helper()
	for _, item := range order.Items {
		if item.ProductID == productID {
			return item
		}
	}
	t.Fatalf("order %s has no item for %s", order.OrderID, productID)
	return domain.OrderItem{}
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	f := newTestService(t)
	f.store.SetStock("p-tea", testBranch, 10)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		short     int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Ledger.ReserveStock(f.ctx, "p-tea", testBranch, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, store.ErrInsufficientStock):
				short++
			default:
				t.Errorf("unexpected reserve error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 || short != 40 {
		t.Fatalf("expected 10 reservations and 40 refusals, got %d and %d", succeeded, short)
	}
	if got := f.stock(t, "p-tea"); got != 0 {
		t.Fatalf("expected stock 0, got %d", got)
	}
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	f := newTestService(t)

	left, err := f.svc.Ledger.ReserveStock(f.ctx, "p-tea", testBranch, 7)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if left != 93 {
		t.Fatalf("expected 93 left, got %d", left)
	}
	back, err := f.svc.Ledger.ReleaseStock(f.ctx, "p-tea", testBranch, 7)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if back != 100 {
		t.Fatalf("expected 100 after release, got %d", back)
	}

	_, err = f.svc.Ledger.ReserveStock(f.ctx, "p-tea", testBranch, 101)
	var short *store.InsufficientStockError
	if !errors.As(err, &short) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if short.Available != 100 || short.Requested != 101 {
		t.Fatalf("unexpected shortage detail: %+v", short)
	}
	if _, err := f.svc.Ledger.ReserveStock(f.ctx, "p-tea", testBranch, 0); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero quantity, got %v", err)
	}
}

func TestAddMergesLineAndKeepsFirstPrice(t *testing.T) {
	f := newTestService(t)
	basket := f.basket(t, map[string]int{"p-tea": 2})

	f.store.PutProduct(domain.Product{ID: "p-tea", Name: "Tea", Price: decimal.RequireFromString("12.00"), VATRate: decimal.RequireFromString("0.15"), Active: true})
	line, err := f.svc.Carts.Add(f.ctx, basket.ID, "p-tea", 1)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if line.Quantity != 3 {
		t.Fatalf("expected merged quantity 3, got %d", line.Quantity)
	}
	if !line.PriceAtScan.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("expected frozen price 10.00, got %s", line.PriceAtScan)
	}

	stored, err := f.svc.Carts.Get(f.ctx, basket.ID)
	if err != nil {
		t.Fatalf("get basket: %v", err)
	}
	if len(stored.Items) != 1 {
		t.Fatalf("expected one line, got %d", len(stored.Items))
	}
	if got := f.stock(t, "p-tea"); got != 97 {
		t.Fatalf("expected stock 97, got %d", got)
	}
}

func TestAddWithoutStockLeavesBasketUntouched(t *testing.T) {
	f := newTestService(t)
	f.store.SetStock("p-cup", testBranch, 1)
	basket := f.basket(t, nil)

	if _, err := f.svc.Carts.Add(f.ctx, basket.ID, "p-cup", 2); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	stored, _ := f.svc.Carts.Get(f.ctx, basket.ID)
	if len(stored.Items) != 0 {
		t.Fatalf("expected empty basket, got %d lines", len(stored.Items))
	}
	if got := f.stock(t, "p-cup"); got != 1 {
		t.Fatalf("expected stock 1, got %d", got)
	}
	if _, err := f.svc.Carts.Add(f.ctx, basket.ID, "p-missing", 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown product, got %v", err)
	}
}

func TestUpdateMovesOnlyTheDifference(t *testing.T) {
	f := newTestService(t)
	basket := f.basket(t, map[string]int{"p-tea": 2})
	stored, _ := f.svc.Carts.Get(f.ctx, basket.ID)
	itemID := stored.Items[0].ID

	if _, err := f.svc.Carts.Update(f.ctx, basket.ID, itemID, 5); err != nil {
		t.Fatalf("update up: %v", err)
	}
	if got := f.stock(t, "p-tea"); got != 95 {
		t.Fatalf("expected stock 95, got %d", got)
	}
	line, err := f.svc.Carts.Update(f.ctx, basket.ID, itemID, 1)
	if err != nil {
		t.Fatalf("update down: %v", err)
	}
	if line.Quantity != 1 {
		t.Fatalf("expected quantity 1, got %d", line.Quantity)
	}
	if got := f.stock(t, "p-tea"); got != 99 {
		t.Fatalf("expected stock 99, got %d", got)
	}

	line, err = f.svc.Carts.Update(f.ctx, basket.ID, itemID, 0)
	if err != nil {
		t.Fatalf("update to zero: %v", err)
	}
	if line != nil {
		t.Fatalf("expected removed line to return nil, got %+v", line)
	}
	stored, _ = f.svc.Carts.Get(f.ctx, basket.ID)
	if len(stored.Items) != 0 {
		t.Fatalf("expected line removed, got %d lines", len(stored.Items))
	}
	if got := f.stock(t, "p-tea"); got != 100 {
		t.Fatalf("expected stock 100, got %d", got)
	}
}

func TestScanCannotExceedQuantity(t *testing.T) {
	f := newTestService(t)
	basket := f.basket(t, map[string]int{"p-cup": 2})
	stored, _ := f.svc.Carts.Get(f.ctx, basket.ID)
	itemID := stored.Items[0].ID

	line, err := f.svc.Carts.Scan(f.ctx, basket.ID, itemID, 2)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if line.ScannedQuantity != 2 {
		t.Fatalf("expected 2 scanned, got %d", line.ScannedQuantity)
	}
	if _, err := f.svc.Carts.Scan(f.ctx, basket.ID, itemID, 1); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput on over-scan, got %v", err)
	}
	line, err = f.svc.Carts.Update(f.ctx, basket.ID, itemID, 1)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if line.ScannedQuantity != 1 {
		t.Fatalf("expected scanned quantity clamped to 1, got %d", line.ScannedQuantity)
	}
}

func TestOneActiveCartPerCustomer(t *testing.T) {
	f := newTestService(t)
	req := domain.BasketCreateRequest{Kind: domain.BasketKindCart, BranchID: testBranch, CustomerID: "cust-1"}

	first, err := f.svc.Carts.Create(f.ctx, req)
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	again, err := f.svc.Carts.Create(f.ctx, req)
	if err != nil {
		t.Fatalf("create cart again: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected existing cart %s, got %s", first.ID, again.ID)
	}

	if _, err := f.svc.Carts.Add(f.ctx, first.ID, "p-tea", 4); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := f.svc.Carts.Discard(f.ctx, first.ID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if got := f.stock(t, "p-tea"); got != 100 {
		t.Fatalf("expected discarded cart to release stock, got %d", got)
	}
	fresh, err := f.svc.Carts.Create(f.ctx, req)
	if err != nil {
		t.Fatalf("create after discard: %v", err)
	}
	if fresh.ID == first.ID {
		t.Fatalf("expected a new cart after discard")
	}

	if _, err := f.svc.Carts.Create(f.ctx, domain.BasketCreateRequest{Kind: domain.BasketKindCart, BranchID: testBranch}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for ownerless cart, got %v", err)
	}
}

// staleCartLookupRepo hides the first FindActiveCart, like a second request
// that looked before the first one committed.
type staleCartLookupRepo struct {
	store.Repository
	lookups *int
}

func (r staleCartLookupRepo) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return r.Repository.WithTx(ctx, func(tx store.Tx) error {
		return fn(staleCartLookupTx{Tx: tx, lookups: r.lookups})
	})
}

type staleCartLookupTx struct {
	store.Tx
	lookups *int
}

func (t staleCartLookupTx) FindActiveCart(ctx context.Context, branchID string, customerID string, sessionKey string) (*domain.Basket, error) {
	*t.lookups++
	if *t.lookups == 1 {
		return nil, store.ErrNotFound
	}
	return t.Tx.FindActiveCart(ctx, branchID, customerID, sessionKey)
}

func TestCreateCartRaceReturnsExistingCart(t *testing.T) {
	base := newTestService(t)
	req := domain.BasketCreateRequest{Kind: domain.BasketKindCart, BranchID: testBranch, CustomerID: "cust-2"}
	first, err := base.svc.Carts.Create(base.ctx, req)
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}

	lookups := 0
	f := newFixture(t, base.store, staleCartLookupRepo{Repository: base.store, lookups: &lookups})
	second, err := f.svc.Carts.Create(f.ctx, req)
	if err != nil {
		t.Fatalf("expected lost race to return the existing cart, got %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected cart %s, got %s", first.ID, second.ID)
	}
	if lookups != 2 {
		t.Fatalf("expected a second lookup after the conflict, got %d", lookups)
	}
}

func TestConvertFreezesTotalsAndDeletesBasket(t *testing.T) {
	f := newTestService(t)
	basket := f.basket(t, map[string]int{"p-tea": 2, "p-cup": 1})

	order, err := f.svc.Orders.Convert(f.ctx, domain.ConvertRequest{
		BasketID:             basket.ID,
		FeeAmount:            decimal.RequireFromString("1.00"),
		CommissionPercentage: decimal.RequireFromString("10"),
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}

	if order.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("expected PENDING_PAYMENT, got %s", order.Status)
	}
	for field, pair := range map[string][2]decimal.Decimal{
		"total_before_vat": {order.TotalBeforeVAT, decimal.RequireFromString("26.00")},
		"total_vat":        {order.TotalVAT, decimal.RequireFromString("3.90")},
		"total_amount":     {order.TotalAmount, decimal.RequireFromString("30.90")},
	} {
		if !pair[0].Equal(pair[1]) {
			t.Fatalf("expected %s %s, got %s", field, pair[1], pair[0])
		}
	}
	if tea := itemFor(t, order, "p-tea"); !tea.CommissionAmount.Equal(decimal.RequireFromString("2.00")) {
		t.Fatalf("expected tea commission 2.00, got %s", tea.CommissionAmount)
	}
	suffix, ok := strings.CutPrefix(order.InvoiceNumber, "RC-RIYADH-01-20260301093000-")
	if !ok || len(suffix) != 6 || strings.ToUpper(suffix) != suffix {
		t.Fatalf("unexpected invoice number %q", order.InvoiceNumber)
	}
	if order.CashierID != "cashier1" {
		t.Fatalf("expected cashier from actor, got %q", order.CashierID)
	}

	if _, err := f.svc.Carts.Get(f.ctx, basket.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected basket deleted, got %v", err)
	}
	if got := f.stock(t, "p-tea"); got != 98 {
		t.Fatalf("expected conversion to leave stock at 98, got %d", got)
	}

	payload, err := f.svc.VerifyQR(f.ctx, order.InitialQRPayload)
	if err != nil {
		t.Fatalf("verify initial qr: %v", err)
	}
	if payload["order_id"] != order.OrderID || payload[qrsign.FieldType] != qrsign.TypeInitial {
		t.Fatalf("unexpected initial payload %v", payload)
	}
}

func TestConvertRejectsSubCentFee(t *testing.T) {
	f := newTestService(t)
	basket := f.basket(t, map[string]int{"p-cup": 1})

	_, err := f.svc.Orders.Convert(f.ctx, domain.ConvertRequest{BasketID: basket.ID, FeeAmount: decimal.RequireFromString("0.004")})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for a three-decimal fee, got %v", err)
	}

	order, err := f.svc.Orders.Convert(f.ctx, domain.ConvertRequest{BasketID: basket.ID, FeeAmount: decimal.RequireFromString("0.35")})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	sum := order.TotalBeforeVAT.Add(order.TotalVAT).Add(order.FeeAmount)
	if !order.TotalAmount.Equal(sum) || !order.TotalAmount.Equal(decimal.RequireFromString("7.25")) {
		t.Fatalf("expected total 7.25 equal to its parts %s, got %s", sum, order.TotalAmount)
	}
}

func TestConvertRejectsEmptyBasket(t *testing.T) {
	f := newTestService(t)
	basket := f.basket(t, nil)

	if _, err := f.svc.Orders.Convert(f.ctx, domain.ConvertRequest{BasketID: basket.ID}); !errors.Is(err, store.ErrEmptyBasket) {
		t.Fatalf("expected ErrEmptyBasket, got %v", err)
	}
	if f.store.OrderCount() != 0 {
		t.Fatalf("expected no orders")
	}
}

var errPaymentDown = errors.New("payment table unavailable")

type failingPaymentRepo struct {
	store.Repository
}

func (r failingPaymentRepo) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return r.Repository.WithTx(ctx, func(tx store.Tx) error {
		return fn(failingPaymentTx{Tx: tx})
	})
}

type failingPaymentTx struct {
	store.Tx
}

func (failingPaymentTx) CreatePayment(context.Context, domain.Payment) error {
	return errPaymentDown
}

func TestConvertRollsBackWhenPaymentFails(t *testing.T) {
	base := newTestService(t)
	f := newFixture(t, base.store, failingPaymentRepo{Repository: base.store})
	basket := f.basket(t, map[string]int{"p-tea": 2})

	_, err := f.svc.Orders.Convert(f.ctx, domain.ConvertRequest{
		BasketID: basket.ID,
		Payment:  &domain.PaymentInput{Amount: decimal.RequireFromString("23.00"), Method: "cash"},
	})
	if !errors.Is(err, errPaymentDown) {
		t.Fatalf("expected payment failure, got %v", err)
	}

	stored, err := f.svc.Carts.Get(f.ctx, basket.ID)
	if err != nil {
		t.Fatalf("expected basket to survive, got %v", err)
	}
	if len(stored.Items) != 1 || stored.Items[0].Quantity != 2 {
		t.Fatalf("expected basket contents intact, got %+v", stored.Items)
	}
	if got := f.stock(t, "p-tea"); got != 98 {
		t.Fatalf("expected stock 98, got %d", got)
	}
	if f.store.OrderCount() != 0 {
		t.Fatalf("expected no order after rollback, got %d", f.store.OrderCount())
	}
	if len(f.events.Events()) != 0 {
		t.Fatalf("expected no events after rollback, got %v", f.events.Types())
	}
}

func TestConvertWithPaymentLeavesPaid(t *testing.T) {
	f := newTestService(t)
	basket := f.basket(t, map[string]int{"p-cup": 1})

	order, err := f.svc.Orders.Convert(f.ctx, domain.ConvertRequest{
		BasketID:      basket.ID,
		PaymentMethod: "card",
		Payment:       &domain.PaymentInput{Amount: decimal.RequireFromString("6.90")},
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if order.Status != domain.OrderStatusPaid || order.PaidAt == nil {
		t.Fatalf("expected PAID with paid_at, got %s", order.Status)
	}
	if len(order.Payments) != 1 || order.Payments[0].Method != "card" || order.Payments[0].ReceivedBy != "cashier1" {
		t.Fatalf("unexpected payments %+v", order.Payments)
	}
	got := f.events.Types()
	if len(got) != 2 || got[0] != events.OrderCreated || got[1] != events.OrderPaid {
		t.Fatalf("expected created then paid events, got %v", got)
	}
}

func TestPaymentValidation(t *testing.T) {
	f := newTestService(t)
	order := f.order(t, map[string]int{"p-cup": 1})

	cases := []domain.PaymentInput{
		{OrderID: order.OrderID, Amount: decimal.Zero, Method: "cash"},
		{OrderID: order.OrderID, Amount: decimal.RequireFromString("5.00"), Method: "bitcoin"},
		{OrderID: order.OrderID, Amount: decimal.RequireFromString("1.005"), Method: "cash"},
	}
	for _, input := range cases {
		if _, err := f.svc.Payments.Record(f.ctx, input); !errors.Is(err, store.ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for %+v, got %v", input, err)
		}
	}
	if _, err := f.svc.Payments.Record(f.ctx, domain.PaymentInput{OrderID: "missing", Amount: decimal.NewFromInt(1), Method: "cash"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOrderTransitionsAreGuarded(t *testing.T) {
	f := newTestService(t)
	order := f.order(t, map[string]int{"p-tea": 1})

	if _, err := f.svc.Orders.Complete(f.ctx, order.OrderID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected complete of unpaid order to fail, got %v", err)
	}
	paid, err := f.svc.Payments.Record(f.ctx, domain.PaymentInput{OrderID: order.OrderID, Amount: order.TotalAmount, Method: "Cash"})
	if err != nil {
		t.Fatalf("record payment: %v", err)
	}
	if paid.Status != domain.OrderStatusPaid || paid.PaymentMethod != "cash" {
		t.Fatalf("expected PAID by cash, got %s by %s", paid.Status, paid.PaymentMethod)
	}

	_, err = f.svc.Payments.Record(f.ctx, domain.PaymentInput{OrderID: order.OrderID, Amount: order.TotalAmount, Method: "cash"})
	var transition *store.TransitionError
	if !errors.As(err, &transition) || transition.From != domain.OrderStatusPaid {
		t.Fatalf("expected TransitionError from PAID, got %v", err)
	}

	completed, err := f.svc.Orders.Complete(f.ctx, order.OrderID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != domain.OrderStatusCompleted || completed.ExitQRPayload == "" {
		t.Fatalf("expected COMPLETED with exit qr, got %s", completed.Status)
	}
	if _, err := f.svc.Orders.Cancel(f.ctx, order.OrderID, "too late", true); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected cancel of completed order to fail, got %v", err)
	}
}

func TestCancelReleasesStock(t *testing.T) {
	f := newTestService(t)
	order := f.order(t, map[string]int{"p-tea": 3, "p-cup": 2})

	cancelled, err := f.svc.Orders.Cancel(f.ctx, order.OrderID, "customer left", false)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}
	if tea, cup := f.stock(t, "p-tea"), f.stock(t, "p-cup"); tea != 100 || cup != 100 {
		t.Fatalf("expected stock restored to 100/100, got %d/%d", tea, cup)
	}
	if _, err := f.svc.Orders.Cancel(f.ctx, order.OrderID, "again", false); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected second cancel to fail, got %v", err)
	}
}

func TestCancelPaidOrderNeedsApproval(t *testing.T) {
	f := newTestService(t)
	order := f.order(t, map[string]int{"p-tea": 2})
	if _, err := f.svc.Payments.Record(f.ctx, domain.PaymentInput{OrderID: order.OrderID, Amount: order.TotalAmount, Method: "cash"}); err != nil {
		t.Fatalf("record payment: %v", err)
	}

	if _, err := f.svc.Orders.Cancel(f.ctx, order.OrderID, "customer left", false); !errors.Is(err, store.ErrApprovalRequired) {
		t.Fatalf("expected ErrApprovalRequired, got %v", err)
	}
	if got := f.stock(t, "p-tea"); got != 98 {
		t.Fatalf("expected refused cancel to keep stock at 98, got %d", got)
	}
	stored, err := f.svc.Orders.Get(f.ctx, order.OrderID)
	if err != nil || stored.Status != domain.OrderStatusPaid {
		t.Fatalf("expected order still PAID, got %v %v", stored, err)
	}

	cancelled, err := f.svc.Orders.Cancel(f.ctx, order.OrderID, "customer left", true)
	if err != nil {
		t.Fatalf("approved cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || f.stock(t, "p-tea") != 100 {
		t.Fatalf("expected CANCELLED with stock 100, got %s", cancelled.Status)
	}
}

func TestReturnsNeverExceedSoldQuantity(t *testing.T) {
	f := newTestService(t)
	order := f.completedOrder(t, map[string]int{"p-tea": 2, "p-cup": 1})
	tea := itemFor(t, order, "p-tea")
	cup := itemFor(t, order, "p-cup")

	result, err := f.svc.Returns.Process(f.ctx, domain.ReturnRequest{
		OrderID: order.OrderID,
		Items:   []domain.ReturnLine{{OrderItemID: tea.ID, Quantity: 1}},
		Reason:  "damaged",
	})
	if err != nil {
		t.Fatalf("first return: %v", err)
	}
	if result.Order.Status != domain.OrderStatusPartiallyReturned {
		t.Fatalf("expected PARTIALLY_RETURNED, got %s", result.Order.Status)
	}
	if !result.Return.TotalReturnedAmount.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("expected returned amount 10.00, got %s", result.Return.TotalReturnedAmount)
	}
	if result.Return.RefundMethod != "card" || !strings.HasPrefix(result.Return.ReturnID, "RET-") {
		t.Fatalf("unexpected return header %+v", result.Return)
	}
	if got := f.stock(t, "p-tea"); got != 99 {
		t.Fatalf("expected returned unit back in stock, got %d", got)
	}

	_, err = f.svc.Returns.Process(f.ctx, domain.ReturnRequest{
		OrderID: order.OrderID,
		Items:   []domain.ReturnLine{{OrderItemID: tea.ID, Quantity: 1}, {OrderItemID: tea.ID, Quantity: 1}},
	})
	var over *store.OverReturnError
	if !errors.As(err, &over) || over.Remaining != 1 || over.Requested != 2 {
		t.Fatalf("expected OverReturnError with 1 remaining, got %v", err)
	}
	if got := f.stock(t, "p-tea"); got != 99 {
		t.Fatalf("expected rejected return to leave stock at 99, got %d", got)
	}

	result, err = f.svc.Returns.Process(f.ctx, domain.ReturnRequest{
		OrderID:      order.OrderID,
		Items:        []domain.ReturnLine{{OrderItemID: tea.ID, Quantity: 1}, {OrderItemID: cup.ID, Quantity: 1}},
		RefundMethod: "cash",
	})
	if err != nil {
		t.Fatalf("final return: %v", err)
	}
	if result.Order.Status != domain.OrderStatusReturned {
		t.Fatalf("expected RETURNED, got %s", result.Order.Status)
	}
	if len(result.Order.Returns) != 2 {
		t.Fatalf("expected two returns on the order, got %d", len(result.Order.Returns))
	}

	if _, err := f.svc.Returns.Process(f.ctx, domain.ReturnRequest{
		OrderID: order.OrderID,
		Items:   []domain.ReturnLine{{OrderItemID: cup.ID, Quantity: 1}},
	}); !errors.Is(err, store.ErrOverReturn) {
		t.Fatalf("expected ErrOverReturn on fully returned order, got %v", err)
	}
	if _, err := f.svc.Returns.Process(f.ctx, domain.ReturnRequest{
		OrderID: order.OrderID,
		Items:   []domain.ReturnLine{{OrderItemID: "oitem-missing", Quantity: 1}},
	}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown line, got %v", err)
	}
}

func TestReturnRequiresCompletedOrder(t *testing.T) {
	f := newTestService(t)
	order := f.order(t, map[string]int{"p-tea": 1})

	_, err := f.svc.Returns.Process(f.ctx, domain.ReturnRequest{
		OrderID: order.OrderID,
		Items:   []domain.ReturnLine{{OrderItemID: order.Items[0].ID, Quantity: 1}},
	})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestExitQRExpiresAfterValidity(t *testing.T) {
	f := newTestService(t)
	order := f.completedOrder(t, map[string]int{"p-cup": 1})

	if want := testStart.Add(30 * 24 * time.Hour); !order.ExitQRExpiry.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, order.ExitQRExpiry)
	}
	payload, err := f.svc.VerifyQR(f.ctx, order.ExitQRPayload)
	if err != nil {
		t.Fatalf("verify exit qr: %v", err)
	}
	if payload["status"] != domain.OrderStatusCompleted {
		t.Fatalf("expected COMPLETED in payload, got %v", payload["status"])
	}

	f.clock.Advance(31 * 24 * time.Hour)
	if _, err := f.svc.VerifyQR(f.ctx, order.ExitQRPayload); !errors.Is(err, qrsign.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestCheckExitFlagsRepeatScan(t *testing.T) {
	f := newTestService(t)
	order := f.completedOrder(t, map[string]int{"p-cup": 1})

	first, err := f.svc.CheckExit(f.ctx, order.ExitQRPayload)
	if err != nil {
		t.Fatalf("first exit check: %v", err)
	}
	if !first.Valid || first.AlreadyScanned {
		t.Fatalf("expected valid first scan, got %+v", first)
	}
	second, err := f.svc.CheckExit(f.ctx, order.ExitQRPayload)
	if err != nil {
		t.Fatalf("second exit check: %v", err)
	}
	if !second.AlreadyScanned {
		t.Fatalf("expected second scan to be flagged")
	}

	if _, err := f.svc.CheckExit(f.ctx, order.InitialQRPayload); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected receipt qr to be refused at the exit, got %v", err)
	}
	tampered := strings.Replace(order.ExitQRPayload, `"COMPLETED"`, `"PAID"`, 1)
	if _, err := f.svc.CheckExit(f.ctx, tampered); !errors.Is(err, qrsign.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for tampered qr, got %v", err)
	}
}

func TestCheckExitRefusesReturnedOrder(t *testing.T) {
	f := newTestService(t)
	order := f.completedOrder(t, map[string]int{"p-tea": 2})
	tea := itemFor(t, order, "p-tea")

	if _, err := f.svc.Returns.Process(f.ctx, domain.ReturnRequest{
		OrderID: order.OrderID,
		Items:   []domain.ReturnLine{{OrderItemID: tea.ID, Quantity: 1}},
	}); err != nil {
		t.Fatalf("partial return: %v", err)
	}
	partial, err := f.svc.CheckExit(f.ctx, order.ExitQRPayload)
	if err != nil {
		t.Fatalf("exit check after partial return: %v", err)
	}
	if !partial.Valid || partial.OrderStatus != domain.OrderStatusPartiallyReturned {
		t.Fatalf("expected valid exit with PARTIALLY_RETURNED, got %+v", partial)
	}

	if _, err := f.svc.Returns.Process(f.ctx, domain.ReturnRequest{
		OrderID: order.OrderID,
		Items:   []domain.ReturnLine{{OrderItemID: tea.ID, Quantity: 1}},
	}); err != nil {
		t.Fatalf("final return: %v", err)
	}
	_, err = f.svc.CheckExit(f.ctx, order.ExitQRPayload)
	var transition *store.TransitionError
	if !errors.As(err, &transition) || transition.From != domain.OrderStatusReturned {
		t.Fatalf("expected returned order to be refused at the exit, got %v", err)
	}
}

func TestHeldBasketTimesOut(t *testing.T) {
	f := newTestService(t, memory.WithLockTimeout(50*time.Millisecond))
	basket := f.basket(t, nil)

	held := make(chan struct{})
	done := make(chan struct{})
	finished := make(chan error, 1)
	go func() {
		finished <- f.store.WithTx(context.Background(), func(tx store.Tx) error {
			if _, err := tx.LockBasket(context.Background(), basket.ID); err != nil {
				return err
			}
			close(held)
			<-done
			return nil
		})
	}()
	<-held

	if _, err := f.svc.Carts.Add(f.ctx, basket.ID, "p-tea", 1); !errors.Is(err, store.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	close(done)
	if err := <-finished; err != nil {
		t.Fatalf("holder tx: %v", err)
	}
	if got := f.stock(t, "p-tea"); got != 100 {
		t.Fatalf("expected timed out add to leave stock at 100, got %d", got)
	}
	if _, err := f.svc.Carts.Add(f.ctx, basket.ID, "p-tea", 1); err != nil {
		t.Fatalf("expected add after release to succeed, got %v", err)
	}
}

func TestLifecyclePublishesEventsAndAudit(t *testing.T) {
	f := newTestService(t)
	order := f.completedOrder(t, map[string]int{"p-tea": 1})

	got := f.events.Types()
	want := []string{events.OrderCreated, events.OrderPaid, events.OrderCompleted}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for _, event := range f.events.Events() {
		if event.OrderID != order.OrderID || event.Actor != "cashier1" {
			t.Fatalf("unexpected event %+v", event)
		}
	}

	trail, err := f.svc.AuditTrail(f.ctx, order.OrderID, 0)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if len(trail) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(trail))
	}
	for _, entry := range trail {
		if entry.ActorUsername != "cashier1" || entry.ActorRole != domain.RoleCashier {
			t.Fatalf("unexpected audit actor %+v", entry)
		}
	}
}
