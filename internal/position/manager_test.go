package position

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"leverage-worker/internal/storage"
	"leverage-worker/pkg/types"
)

type fakeBroker struct {
	mu       sync.Mutex
	balance  []types.BalancePosition
	calls    int
	inflight chan struct{} // non-nil blocks GetBalance until closed
}

func (f *fakeBroker) GetBalance(ctx context.Context) ([]types.BalancePosition, *types.BalanceSummary, error) {
	f.mu.Lock()
	f.calls++
	bal := append([]types.BalancePosition(nil), f.balance...)
	gate := f.inflight
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return bal, &types.BalanceSummary{Deposit: 1_000_000}, nil
}

type fakeStore struct {
	mu   sync.Mutex
	rows map[string]storage.PositionRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]storage.PositionRecord)}
}

func (f *fakeStore) SavePosition(rec storage.PositionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[rec.Symbol] = rec
	return nil
}

func (f *fakeStore) DeletePosition(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, symbol)
	return nil
}

func (f *fakeStore) Positions() ([]storage.PositionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.PositionRecord, 0, len(f.rows))
	for _, r := range f.rows {
		out = append(out, r)
	}
	return out, nil
}

func newTestManager(broker *fakeBroker, store *fakeStore) *Manager {
	return NewManager(broker, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAddWeightedAverage(t *testing.T) {
	t.Parallel()
	m := newTestManager(&fakeBroker{}, newFakeStore())

	if err := m.Add("233740", 3, 10000, "bollinger", "O1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Add("233740", 2, 10500, "bollinger", "O2"); err != nil {
		t.Fatal(err)
	}

	p, ok := m.Get("233740")
	if !ok {
		t.Fatal("position missing")
	}
	if p.Quantity != 5 {
		t.Errorf("qty = %d, want 5", p.Quantity)
	}
	if math.Abs(p.AvgCost-10200) > 1e-9 {
		t.Errorf("avg_cost = %f, want 10200", p.AvgCost)
	}
	if p.Strategy != "bollinger" || p.EntryOrderID != "O1" {
		t.Errorf("entry attribution = %+v", p)
	}
}

func TestAddSequenceMatchesCostBasis(t *testing.T) {
	t.Parallel()
	m := newTestManager(&fakeBroker{}, newFakeStore())

	adds := []struct{ qty, price int64 }{
		{1, 9990}, {4, 10005}, {2, 9995}, {3, 10010},
	}
	var sumQty, sumCost int64
	for _, a := range adds {
		if err := m.Add("005930", a.qty, a.price, "s", ""); err != nil {
			t.Fatal(err)
		}
		sumQty += a.qty
		sumCost += a.qty * a.price
	}
	p, _ := m.Get("005930")
	want := float64(sumCost) / float64(sumQty)
	if math.Abs(p.AvgCost-want) > 1 {
		t.Errorf("avg_cost = %f, want %f +/- 1", p.AvgCost, want)
	}
}

func TestAddRejectsNonPositive(t *testing.T) {
	t.Parallel()
	m := newTestManager(&fakeBroker{}, newFakeStore())
	if err := m.Add("005930", 0, 100, "s", ""); err == nil {
		t.Error("zero qty accepted")
	}
	if err := m.Add("005930", 1, 0, "s", ""); err == nil {
		t.Error("zero price accepted")
	}
	if _, ok := m.Get("005930"); ok {
		t.Error("rejected add created a position")
	}
}

func TestUpdateQuantityRemovesAtZero(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	m := newTestManager(&fakeBroker{}, store)

	if err := m.Add("005930", 10, 70000, "s", ""); err != nil {
		t.Fatal(err)
	}
	m.UpdateQuantity("005930", 4)
	p, ok := m.Get("005930")
	if !ok || p.Quantity != 4 {
		t.Fatalf("after partial sell: %+v ok=%v", p, ok)
	}
	m.UpdateQuantity("005930", 0)
	if _, ok := m.Get("005930"); ok {
		t.Error("zero-qty position still present")
	}
	store.mu.Lock()
	_, persisted := store.rows["005930"]
	store.mu.Unlock()
	if persisted {
		t.Error("removed position still persisted")
	}
}

func TestSyncAdmitsUnmanagedAndRemovesStale(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{balance: []types.BalancePosition{
		{Symbol: "005930", Quantity: 10, AvgCost: 70000, CurrentPrice: 71000},
	}}
	store := newFakeStore()
	m := newTestManager(broker, store)

	// Local-only position that the broker no longer reports.
	if err := m.Add("233740", 5, 10000, "bollinger", "O1"); err != nil {
		t.Fatal(err)
	}

	if err := m.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, ok := m.Get("233740"); ok {
		t.Error("stale local position survived sync")
	}
	p, ok := m.Get("005930")
	if !ok {
		t.Fatal("broker position not admitted")
	}
	if p.Strategy != "" {
		t.Errorf("admitted position has strategy %q, want unmanaged", p.Strategy)
	}
	if len(m.GetUnmanaged()) != 1 {
		t.Errorf("GetUnmanaged = %v", m.GetUnmanaged())
	}
	if m.IsStale(time.Minute) {
		t.Error("freshly synced manager reported stale")
	}
}

func TestSyncSingleFlight(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	broker := &fakeBroker{inflight: gate}
	m := newTestManager(broker, newFakeStore())

	done := make(chan error, 1)
	go func() { done <- m.Sync(context.Background()) }()

	// Wait for the first Sync to be inside GetBalance.
	for {
		broker.mu.Lock()
		n := broker.calls
		broker.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	// Second call must return immediately without a broker call.
	if err := m.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	broker.mu.Lock()
	n := broker.calls
	broker.mu.Unlock()
	if n != 1 {
		t.Errorf("broker calls = %d, want 1 (single flight)", n)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestAssignStrategy(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{balance: []types.BalancePosition{
		{Symbol: "005930", Quantity: 10, AvgCost: 70000},
	}}
	m := newTestManager(broker, newFakeStore())
	if err := m.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := m.AssignStrategy("005930", "bollinger"); err != nil {
		t.Fatal(err)
	}
	if got := m.GetByStrategy("bollinger"); len(got) != 1 {
		t.Errorf("GetByStrategy = %v", got)
	}
	if len(m.GetUnmanaged()) != 0 {
		t.Error("assigned position still unmanaged")
	}
	if err := m.AssignStrategy("999999", "x"); err == nil {
		t.Error("assign on missing symbol succeeded")
	}
}

func TestLoadRestoresPersisted(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.rows["005930"] = storage.PositionRecord{
		Symbol: "005930", Quantity: 7, AvgCost: 69500, Strategy: "bollinger",
	}
	store.rows["000000"] = storage.PositionRecord{Symbol: "000000", Quantity: 0}

	m := newTestManager(&fakeBroker{}, store)
	if err := m.Load(); err != nil {
		t.Fatal(err)
	}
	p, ok := m.Get("005930")
	if !ok || p.Quantity != 7 || p.Strategy != "bollinger" {
		t.Errorf("loaded = %+v ok=%v", p, ok)
	}
	if _, ok := m.Get("000000"); ok {
		t.Error("zero-qty row loaded")
	}
}
