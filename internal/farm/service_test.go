package farm

import (
	"bytes"
	"context"
	"errors"
	"log"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"solarfarm/internal/clock"
)

type recordingJournal struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *recordingJournal) Record(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

type failingActivity struct{ calls int }

func (f *failingActivity) Touch(context.Context, string, time.Time) error {
	f.calls++
	return errors.New("activity backend down")
}

func newTestService(t *testing.T, cfg Config) (*Service, *MemoryStore, *clock.Fake, *recordingJournal) {
	t.Helper()
	store := NewMemoryStore()
	clk := clock.NewFake(t0)
	journal := &recordingJournal{}
	svc, err := NewService(Deps{
		Store:    store,
		Activity: store,
		Journal:  journal,
		Catalog:  testCatalog(t),
		Clock:    clk,
		Logger:   log.New(&bytes.Buffer{}, "", 0),
	}, cfg)
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	return svc, store, clk, journal
}

func TestInitializeTwiceReturnsSameState(t *testing.T) {
	svc, _, clk, _ := newTestService(t, DefaultConfig())
	ctx := context.Background()

	first, err := svc.Initialize(ctx, "u1")
	if err != nil {
		t.Fatalf("first Initialize error: %v", err)
	}
	clk.Advance(time.Hour)
	second, err := svc.Initialize(ctx, "u1")
	if err != nil {
		t.Fatalf("second Initialize error: %v", err)
	}
	if first.Version != 0 || second.Version != 0 || !first.Equal(second) {
		t.Fatalf("Initialize not idempotent: %+v vs %+v", first, second)
	}
}

func TestFetchAfterPurchaseAccruesEnergy(t *testing.T) {
	svc, _, clk, journal := newTestService(t, DefaultConfig())
	ctx := context.Background()

	if _, err := svc.Initialize(ctx, "u1"); err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	st, err := svc.Purchase(ctx, "u1", "panel")
	if err != nil {
		t.Fatalf("Purchase error: %v", err)
	}
	if st.Resources.Currency != 0 || st.Version != 1 {
		t.Fatalf("after purchase: %+v", st)
	}

	clk.Advance(3600 * time.Second)
	st, err = svc.Fetch(ctx, "u1")
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if math.Abs(st.Resources.Energy-3600) > 1e-9 {
		t.Fatalf("energy = %v, want 3600", st.Resources.Energy)
	}
	if !st.LastSyncedAt.Equal(t0.Add(3600 * time.Second)) {
		t.Fatalf("LastSyncedAt = %v", st.LastSyncedAt)
	}
	if st.Version != 2 {
		t.Fatalf("version = %d, want 2", st.Version)
	}

	again, err := svc.Fetch(ctx, "u1")
	if err != nil || !again.Equal(st) {
		t.Fatalf("re-fetch at same instant changed state: %+v err=%v", again, err)
	}

	if len(journal.entries) != 3 {
		t.Fatalf("journal entries = %d, want init+purchase+collect", len(journal.entries))
	}
	if e := journal.entries[2]; e.Action != "collect" || e.Accrued != 3600 || e.Version != 2 {
		t.Fatalf("unexpected journal entry: %+v", e)
	}
}

func TestPurchaseInsufficientFundsKeepsVersion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartingCurrency = 50
	svc, store, _, _ := newTestService(t, cfg)
	ctx := context.Background()

	if _, err := svc.Initialize(ctx, "u1"); err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	_, err := svc.Purchase(ctx, "u1", "panel")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	st, _ := store.Get(ctx, "u1")
	if st.Version != 0 || len(st.Producers) != 0 || st.Resources.Currency != 50 {
		t.Fatalf("state changed: %+v", st)
	}
}

func TestRejectedFirstUseLeavesNoFarm(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartingCurrency = 50
	svc, store, _, journal := newTestService(t, cfg)
	ctx := context.Background()

	cases := []struct {
		userID string
		typeID string
		want   error
	}{
		{userID: "fresh", typeID: "panel", want: ErrInsufficientFunds},
		{userID: "fresh2", typeID: "windmill", want: ErrUnknownProducer},
	}
	for _, tc := range cases {
		if _, err := svc.Purchase(ctx, tc.userID, tc.typeID); !errors.Is(err, tc.want) {
			t.Fatalf("Purchase(%s, %s) err = %v, want %v", tc.userID, tc.typeID, err, tc.want)
		}
		if st, err := store.Get(ctx, tc.userID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("rejected purchase stored a farm for %s: %+v err=%v", tc.userID, st, err)
		}
	}
	if _, err := svc.Convert(ctx, "fresh3", 10); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Convert err = %v, want ErrInsufficientFunds", err)
	}
	if _, err := store.Get(ctx, "fresh3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rejected convert stored a farm: %v", err)
	}
	if len(journal.entries) != 0 {
		t.Fatalf("journal entries = %d, want 0", len(journal.entries))
	}
}

func TestFetchUnknownUser(t *testing.T) {
	svc, _, _, _ := newTestService(t, DefaultConfig())
	if _, err := svc.Fetch(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestInvalidInputNeverTouchesStore(t *testing.T) {
	svc, store, _, _ := newTestService(t, DefaultConfig())
	ctx := context.Background()
	if _, err := svc.Initialize(ctx, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Initialize(\"\") err = %v", err)
	}
	if _, err := svc.Purchase(ctx, "u1", "Not A Type"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Purchase bad type err = %v", err)
	}
	if _, ok := store.LastSeen("u1"); ok {
		t.Fatalf("activity recorded for rejected input")
	}
	if _, err := store.Get(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("farm created for rejected input")
	}
}

func TestActivityTouchedEvenWhenFarmOpFails(t *testing.T) {
	svc, store, clk, _ := newTestService(t, DefaultConfig())
	_, err := svc.Fetch(context.Background(), "u9")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	at, ok := store.LastSeen("u9")
	if !ok || !at.Equal(clk.Now()) {
		t.Fatalf("expected activity touch at %v, got %v ok=%v", clk.Now(), at, ok)
	}
}

func TestActivityFailureDoesNotFailRequest(t *testing.T) {
	store := NewMemoryStore()
	activity := &failingActivity{}
	var logs bytes.Buffer
	svc, err := NewService(Deps{
		Store:    store,
		Activity: activity,
		Catalog:  testCatalog(t),
		Clock:    clock.NewFake(t0),
		Logger:   log.New(&logs, "", 0),
	}, DefaultConfig())
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	if _, err := svc.Initialize(context.Background(), "u1"); err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	if activity.calls != 1 {
		t.Fatalf("activity calls = %d", activity.calls)
	}
	if !strings.Contains(logs.String(), "activity backend down") {
		t.Fatalf("activity failure not logged: %q", logs.String())
	}
}

func TestConvertThroughService(t *testing.T) {
	svc, _, clk, _ := newTestService(t, DefaultConfig())
	ctx := context.Background()
	if _, err := svc.Purchase(ctx, "u1", "panel"); err != nil {
		t.Fatalf("Purchase error: %v", err)
	}
	clk.Advance(100 * time.Second)
	st, err := svc.Convert(ctx, "u1", 50)
	if err != nil {
		t.Fatalf("Convert error: %v", err)
	}
	if st.Resources.Energy != 50 || math.Abs(st.Resources.Currency-5) > 1e-9 {
		t.Fatalf("energy=%v currency=%v, want 50 and 5", st.Resources.Energy, st.Resources.Currency)
	}
	if st.TotalLifetimeEnergy != 100 {
		t.Fatalf("lifetime = %v, want 100", st.TotalLifetimeEnergy)
	}
}

func TestNewServiceValidatesConfig(t *testing.T) {
	cat := testCatalog(t)
	store := NewMemoryStore()
	bad := []Config{
		{MaxOffline: 0, MaxRetries: 1},
		{MaxOffline: time.Hour, MaxRetries: 0},
		{MaxOffline: time.Hour, MaxRetries: 1, StartingCurrency: -1},
		{MaxOffline: time.Hour, MaxRetries: 1, ConvertRate: math.Inf(1)},
	}
	for i, cfg := range bad {
		if _, err := NewService(Deps{Store: store, Catalog: cat}, cfg); err == nil {
			t.Fatalf("config #%d should be rejected: %+v", i, cfg)
		}
	}
	if _, err := NewService(Deps{Catalog: cat}, DefaultConfig()); err == nil {
		t.Fatalf("missing store should be rejected")
	}
}
