package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"saga-checkout/internal/domain"
	"saga-checkout/internal/events"
	"saga-checkout/internal/idempotency"
	"saga-checkout/internal/repo"
)

func newStore(t *testing.T) idempotency.Store {
	t.Helper()
	s, err := idempotency.NewBoltStore(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeOutbox struct {
	mu   sync.Mutex
	msgs []events.Message
}

func (f *fakeOutbox) Enqueue(_ context.Context, msgs ...events.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeOutbox) add(msgs []events.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
}

func (f *fakeOutbox) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.msgs))
	for _, m := range f.msgs {
		out = append(out, m.Topic)
	}
	return out
}

func (f *fakeOutbox) last(topic string) events.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].Topic == topic {
			return f.msgs[i].Payload
		}
	}
	return nil
}

func (f *fakeOutbox) reset() {
	f.mu.Lock()
	f.msgs = nil
	f.mu.Unlock()
}

type fakeOrderRepo struct {
	mu     sync.Mutex
	nextID int64
	orders map[int64]domain.Order
	outbox *fakeOutbox
	// beforeApply runs once ahead of the next Apply, to stage a concurrent writer.
	beforeApply func(id int64)
}

func newFakeOrderRepo(outbox *fakeOutbox) *fakeOrderRepo {
	return &fakeOrderRepo{orders: map[int64]domain.Order{}, outbox: outbox}
}

func (r *fakeOrderRepo) Create(_ context.Context, o *domain.Order, start repo.StartFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	o.ID = r.nextID
	for i := range o.Items {
		o.Items[i].ID = int64(i + 1)
		o.Items[i].OrderID = o.ID
	}
	if start != nil {
		next, msgs, err := start(o.Clone())
		if err != nil {
			return err
		}
		*o = next
		r.outbox.add(msgs)
	}
	r.orders[o.ID] = o.Clone()
	return nil
}

func (r *fakeOrderRepo) FindByID(_ context.Context, id int64) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := o.Clone()
	return &cp, nil
}

func (r *fakeOrderRepo) FindByOrderNo(_ context.Context, no string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.OrderNo == no {
			cp := o.Clone()
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (r *fakeOrderRepo) Apply(_ context.Context, expected domain.OrderStatus, o domain.Order, msgs []events.Message) error {
	if hook := r.beforeApply; hook != nil {
		r.beforeApply = nil
		hook(o.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.orders[o.ID]
	if !ok || cur.Status != expected {
		return fmt.Errorf("order %d: %w", o.ID, repo.ErrStatusMismatch)
	}
	r.orders[o.ID] = o.Clone()
	r.outbox.add(msgs)
	return nil
}

func (r *fakeOrderRepo) setStatus(id int64, status domain.OrderStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.orders[id]
	o.Status = status
	r.orders[id] = o
}

func (r *fakeOrderRepo) List(_ context.Context, f repo.ListFilter) ([]domain.Order, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []domain.Order
	for _, o := range r.orders {
		if f.BuyerID != 0 && o.BuyerID != f.BuyerID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.OrderNo != "" && !strings.Contains(o.OrderNo, f.OrderNo) {
			continue
		}
		all = append(all, o)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	start := (f.Page - 1) * f.Size
	if start > len(all) {
		start = len(all)
	}
	end := start + f.Size
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all), nil
}

func (r *fakeOrderRepo) status(id int64) domain.OrderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[id].Status
}

type ledgerKey struct {
	orderID int64
	op      string
}

// fakeProductRepo serializes ApplyStock the way row locks plus the ledger
// primary key do.
type fakeProductRepo struct {
	mu       sync.Mutex
	products map[int64]*domain.Product
	ledger   map[ledgerKey]repo.LedgerEntry
	outbox   *fakeOutbox
	applies  int
}

func newFakeProductRepo(outbox *fakeOutbox, products ...domain.Product) *fakeProductRepo {
	r := &fakeProductRepo{products: map[int64]*domain.Product{}, ledger: map[ledgerKey]repo.LedgerEntry{}, outbox: outbox}
	for _, p := range products {
		p := p
		r.products[p.ID] = &p
	}
	return r
}

func (r *fakeProductRepo) FindByIDs(_ context.Context, ids []int64) (map[int64]*domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[int64]*domain.Product{}
	for _, id := range ids {
		if p, ok := r.products[id]; ok {
			cp := *p
			out[id] = &cp
		}
	}
	return out, nil
}

func (r *fakeProductRepo) ApplyStock(_ context.Context, c repo.StockChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applies++
	if c.Requires != "" {
		e, ok := r.ledger[ledgerKey{c.OrderID, c.Requires}]
		if !ok || e.Outcome != repo.OutcomeSuccess {
			return repo.ErrPrerequisite
		}
	}
	if _, ok := r.ledger[ledgerKey{c.OrderID, c.Operation}]; ok {
		return repo.ErrAlreadyApplied
	}
	working := map[int64]*domain.Product{}
	for _, l := range c.Lines {
		if p, ok := r.products[l.ProductID]; ok {
			cp := *p
			working[l.ProductID] = &cp
		}
	}
	if err := c.Mutate(working); err != nil {
		return err
	}
	for id, p := range working {
		r.products[id] = p
	}
	r.ledger[ledgerKey{c.OrderID, c.Operation}] = repo.LedgerEntry{OrderID: c.OrderID, Operation: c.Operation, Outcome: repo.OutcomeSuccess}
	r.outbox.add(c.Messages)
	return nil
}

func (r *fakeProductRepo) RecordFailure(_ context.Context, orderID int64, op, detail string, msgs []events.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := ledgerKey{orderID, op}
	if _, ok := r.ledger[k]; ok {
		return repo.ErrAlreadyApplied
	}
	r.ledger[k] = repo.LedgerEntry{OrderID: orderID, Operation: op, Outcome: repo.OutcomeFailed, Detail: detail}
	r.outbox.add(msgs)
	return nil
}

func (r *fakeProductRepo) Ledger(_ context.Context, orderID int64, op string) (*repo.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.ledger[ledgerKey{orderID, op}]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &e, nil
}

func (r *fakeProductRepo) Create(_ context.Context, p *domain.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.ID = int64(len(r.products) + 1)
	cp := *p
	r.products[p.ID] = &cp
	return nil
}

func (r *fakeProductRepo) stock(id int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.products[id].Stock
}

type fakePaymentRepo struct {
	mu       sync.Mutex
	nextID   int64
	payments map[int64]domain.Payment
	logs     []domain.PaymentLog
	outbox   *fakeOutbox
}

func newFakePaymentRepo(outbox *fakeOutbox) *fakePaymentRepo {
	return &fakePaymentRepo{payments: map[int64]domain.Payment{}, outbox: outbox}
}

func (r *fakePaymentRepo) Create(_ context.Context, p *domain.Payment, msgs []events.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.payments {
		if existing.OrderID == p.OrderID {
			return repo.ErrAlreadyApplied
		}
	}
	r.nextID++
	p.ID = r.nextID
	for _, m := range msgs {
		if pp, ok := m.Payload.(*events.PaymentPrepared); ok && pp.PaymentID == 0 {
			pp.PaymentID = p.ID
		}
	}
	r.payments[p.ID] = *p
	r.outbox.add(msgs)
	return nil
}

func (r *fakePaymentRepo) FindByID(_ context.Context, id int64) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &p, nil
}

func (r *fakePaymentRepo) FindByOrderID(_ context.Context, orderID int64) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.OrderID == orderID {
			cp := p
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (r *fakePaymentRepo) Update(_ context.Context, expected domain.PaymentStatus, p *domain.Payment, msgs []events.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.payments[p.ID]
	if !ok || cur.Status != expected {
		return repo.ErrStatusMismatch
	}
	r.payments[p.ID] = *p
	r.outbox.add(msgs)
	return nil
}

func (r *fakePaymentRepo) AppendLog(_ context.Context, l *domain.PaymentLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l.ID = int64(len(r.logs) + 1)
	r.logs = append(r.logs, *l)
	return nil
}

func (r *fakePaymentRepo) Logs(_ context.Context, paymentID int64) ([]domain.PaymentLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PaymentLog
	for _, l := range r.logs {
		if l.PaymentID == paymentID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *fakePaymentRepo) byOrder(orderID int64) domain.Payment {
	p, _ := r.FindByOrderID(context.Background(), orderID)
	return *p
}
