package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type doc struct {
	ID        string          `json:"_id"`
	Email     string          `json:"email,omitempty"`
	ProductID string          `json:"product_id,omitempty"`
	Triggered bool            `json:"triggered"`
	Price     decimal.Decimal `json:"price"`
	At        *time.Time      `json:"at"`
	Token     string          `json:"token"`
}

func decode(t *testing.T, raw json.RawMessage) doc {
	t.Helper()
	var d doc
	if err := json.Unmarshal(raw, &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return d
}

func TestMemoryStoreInsertAndFindOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.InsertMany(ctx, "c", []any{
		doc{ID: "b"}, doc{ID: "a"}, doc{ID: "c"},
	})
	if err != nil {
		t.Fatalf("InsertMany: %v", err)
	}

	got, err := s.FindMany(ctx, "c", nil, 0)
	if err != nil {
		t.Fatalf("FindMany: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d docs, want 3", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if id := decode(t, got[i]).ID; id != want {
			t.Errorf("doc %d: got id %q, want %q", i, id, want)
		}
	}
}

func TestMemoryStoreAssignsIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.InsertMany(ctx, "c", []any{doc{}, doc{}}); err != nil {
		t.Fatalf("InsertMany: %v", err)
	}
	got, _ := s.FindMany(ctx, "c", nil, 0)
	if len(got) != 2 {
		t.Fatalf("got %d docs, want 2", len(got))
	}
	a, b := decode(t, got[0]).ID, decode(t, got[1]).ID
	if a == "" || b == "" || a == b {
		t.Errorf("expected two distinct ids, got %q and %q", a, b)
	}
}

func TestMemoryStoreInsertManyAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.InsertMany(ctx, "c", []any{doc{ID: "x"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := s.InsertMany(ctx, "c", []any{doc{ID: "y"}, doc{ID: "x"}})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	got, _ := s.FindMany(ctx, "c", nil, 0)
	if len(got) != 1 {
		t.Errorf("partial batch was written: %d docs", len(got))
	}
}

func TestMemoryStoreKeysetPagination(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var docs []any
	for i := 0; i < 25; i++ {
		docs = append(docs, doc{ID: fmt.Sprintf("id-%02d", i)})
	}
	if err := s.InsertMany(ctx, "c", docs); err != nil {
		t.Fatalf("InsertMany: %v", err)
	}

	seen := 0
	last := ""
	pages := 0
	for {
		f := Filter{}
		if last != "" {
			f = append(f, Gt(IDField, last))
		}
		page, err := s.FindMany(ctx, "c", f, 10)
		if err != nil {
			t.Fatalf("FindMany: %v", err)
		}
		if len(page) == 0 {
			break
		}
		pages++
		seen += len(page)
		last = decode(t, page[len(page)-1]).ID
	}

	if seen != 25 || pages != 3 {
		t.Errorf("got %d docs over %d pages, want 25 over 3", seen, pages)
	}
}

func TestMemoryStoreFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)

	err := s.InsertMany(ctx, "c", []any{
		doc{ID: "1", Triggered: true, At: &old, Price: decimal.NewFromInt(100)},
		doc{ID: "2", Triggered: true, At: &recent, Price: decimal.NewFromInt(50)},
		doc{ID: "3", Triggered: false, Price: decimal.NewFromInt(10)},
	})
	if err != nil {
		t.Fatalf("InsertMany: %v", err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"equality on bool", Where(Eq("triggered", false)), []string{"3"}},
		{"time range", Where(Eq("triggered", true), Gte("at", now.Add(-24*time.Hour))), []string{"2"}},
		{"null time never matches range", Where(Lt("at", now)), []string{"1", "2"}},
		{"decimal range", Where(Lte("price", decimal.NewFromInt(50))), []string{"2", "3"}},
		{"nil equality", Where(Eq("at", (*time.Time)(nil))), []string{"3"}},
		{"missing field", Where(Eq("nope", "x")), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.FindMany(ctx, "c", tt.filter, 0)
			if err != nil {
				t.Fatalf("FindMany: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d docs, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if d := decode(t, got[i]); d.ID != id {
					t.Errorf("doc %d: got %q, want %q", i, d.ID, id)
				}
			}
		})
	}
}

func TestMemoryStoreFindOneNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.FindOne(context.Background(), "c", Where(Eq(IDField, "missing")))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreUpdateOneConditional(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.InsertMany(ctx, "c", []any{doc{ID: "a"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ok, err := s.UpdateOne(ctx, "c", Where(Eq(IDField, "a"), Eq("token", "")), Set{"token": "mine"})
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}

	ok, err = s.UpdateOne(ctx, "c", Where(Eq(IDField, "a"), Eq("token", "")), Set{"token": "theirs"})
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Error("second claim should not match")
	}

	raw, err := s.FindOne(ctx, "c", Where(Eq(IDField, "a")))
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if got := decode(t, raw).Token; got != "mine" {
		t.Errorf("token = %q, want mine", got)
	}
}

func TestMemoryStoreUpdateOneIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.InsertMany(ctx, "c", []any{doc{ID: "a"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.UpdateOne(ctx, "c", Where(Eq(IDField, "a"), Eq("token", "")), Set{"token": fmt.Sprint(i)})
			if err != nil {
				t.Errorf("UpdateOne: %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("got %d winners, want exactly 1", wins.Load())
	}
}

func TestMemoryStoreOpenSubscriptionUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	const coll = "alerts"

	err := s.InsertMany(ctx, coll, []any{doc{ID: "1", Email: "a@x.io", ProductID: "p"}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = s.InsertMany(ctx, coll, []any{doc{ID: "2", Email: "a@x.io", ProductID: "p"}})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for second open subscription, got %v", err)
	}

	// Once triggered, a new open subscription is allowed.
	if _, err := s.UpdateOne(ctx, coll, Where(Eq(IDField, "1")), Set{"triggered": true}); err != nil {
		t.Fatalf("UpdateOne: %v", err)
	}
	if err := s.InsertMany(ctx, coll, []any{doc{ID: "2", Email: "a@x.io", ProductID: "p"}}); err != nil {
		t.Errorf("insert after trigger: %v", err)
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore()
	s.Close()
	err := s.InsertMany(context.Background(), "c", []any{doc{ID: "a"}})
	if !errors.Is(err, ErrStore) {
		t.Errorf("expected ErrStore after close, got %v", err)
	}
}
