package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/database"
	"pricewatch/models"
)

func newSub(id, email, product string, target int64) *models.Subscription {
	return &models.Subscription{
		ID:          id,
		Email:       email,
		ProductID:   product,
		TargetPrice: decimal.NewFromInt(target),
		CreatedAt:   time.Now().UTC(),
	}
}

func TestAlertRepositoryPagingSkipsMalformed(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	repo := NewAlertRepository(store)

	for i := 0; i < 5; i++ {
		if err := repo.CreateSubscription(ctx, newSub(fmt.Sprintf("s%d", i), fmt.Sprintf("u%d@x.io", i), "p1", 40000)); err != nil {
			t.Fatalf("CreateSubscription: %v", err)
		}
	}
	err := store.InsertMany(ctx, models.CollectionSubscriptions, []any{
		map[string]any{"_id": "s5", "email": "bad@x.io", "product_id": "p1", "target_price": "not-a-number", "triggered": false},
		map[string]any{"_id": "s6", "email": "neg@x.io", "product_id": "p1", "target_price": "-5", "triggered": false},
	})
	if err != nil {
		t.Fatalf("seed malformed: %v", err)
	}

	var subs []models.Subscription
	var malformed int
	after := ""
	for {
		page, err := repo.OpenForProduct(ctx, "p1", after, 2)
		if err != nil {
			t.Fatalf("OpenForProduct: %v", err)
		}
		subs = append(subs, page.Subscriptions...)
		malformed += len(page.Malformed)
		if page.Done {
			break
		}
		after = page.Last
	}

	if len(subs) != 5 {
		t.Errorf("got %d valid subscriptions, want 5", len(subs))
	}
	if malformed != 2 {
		t.Errorf("got %d malformed, want 2", malformed)
	}
}

func TestAlertRepositoryClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewAlertRepository(database.NewMemoryStore())
	if err := repo.CreateSubscription(ctx, newSub("s1", "a@x.io", "p1", 40000)); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	now := time.Now().UTC()

	ok, err := repo.Claim(ctx, "s1", "tok-a", now)
	if err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if ok, _ := repo.Claim(ctx, "s1", "tok-b", now); ok {
		t.Fatal("second claim on a held subscription succeeded")
	}

	if err := repo.Release(ctx, "s1", "tok-a"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ok, _ := repo.Claim(ctx, "s1", "tok-b", now); !ok {
		t.Fatal("claim after release failed")
	}

	if ok, _ := repo.MarkTriggered(ctx, "s1", "tok-a", now); ok {
		t.Fatal("MarkTriggered with a stale token succeeded")
	}
	if ok, err := repo.MarkTriggered(ctx, "s1", "tok-b", now); err != nil || !ok {
		t.Fatalf("MarkTriggered: ok=%v err=%v", ok, err)
	}

	sub, err := repo.GetSubscription(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if !sub.Triggered || sub.TriggerTime == nil || sub.ClaimToken != "" || sub.ClaimedAt != nil {
		t.Errorf("unexpected state after trigger: %+v", sub)
	}

	if ok, _ := repo.Claim(ctx, "s1", "tok-c", now); ok {
		t.Error("claimed a triggered subscription")
	}
}

func TestAlertRepositoryTakeOver(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	repo := NewAlertRepository(store)
	old := time.Now().UTC().Add(-time.Hour)

	err := store.InsertMany(ctx, models.CollectionSubscriptions, []any{
		map[string]any{"_id": "half", "email": "a@x.io", "product_id": "p1", "target_price": "40000",
			"triggered": false, "claim_token": "", "claimed_at": old.Format(time.RFC3339Nano)},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if ok, _ := repo.Claim(ctx, "half", "tok-a", time.Now()); ok {
		t.Fatal("Claim succeeded on a record with claimed_at set")
	}
	if ok, err := repo.TakeOver(ctx, "half", "", "tok-a", time.Now()); err != nil || !ok {
		t.Fatalf("TakeOver: ok=%v err=%v", ok, err)
	}
	if ok, _ := repo.TakeOver(ctx, "half", "", "tok-b", time.Now()); ok {
		t.Fatal("second TakeOver with the same observed token succeeded")
	}
	if ok, err := repo.TakeOver(ctx, "half", "tok-a", "tok-b", time.Now()); err != nil || !ok {
		t.Fatalf("TakeOver of tok-a: ok=%v err=%v", ok, err)
	}
	if ok, _ := repo.MarkTriggered(ctx, "half", "tok-a", time.Now()); ok {
		t.Error("replaced claim holder marked the subscription")
	}
}

func TestAlertRepositoryClaimWithoutClaimFields(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	repo := NewAlertRepository(store)

	err := store.InsertMany(ctx, models.CollectionSubscriptions, []any{
		map[string]any{"_id": "legacy", "email": "a@x.io", "product_id": "p1", "target_price": "40000", "triggered": false},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if ok, err := repo.Claim(ctx, "legacy", "tok", time.Now()); err != nil || !ok {
		t.Errorf("claim on document without claim fields: ok=%v err=%v", ok, err)
	}
}

func TestAlertRepositoryTriggeredSince(t *testing.T) {
	ctx := context.Background()
	repo := NewAlertRepository(database.NewMemoryStore())
	now := time.Now().UTC()

	for i, age := range []time.Duration{time.Hour, 30 * time.Hour} {
		id := fmt.Sprintf("s%d", i)
		if err := repo.CreateSubscription(ctx, newSub(id, "a@x.io", fmt.Sprintf("p%d", i), 100)); err != nil {
			t.Fatalf("CreateSubscription: %v", err)
		}
		if _, err := repo.Claim(ctx, id, "t", now); err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if _, err := repo.MarkTriggered(ctx, id, "t", now.Add(-age)); err != nil {
			t.Fatalf("MarkTriggered: %v", err)
		}
	}

	got, err := repo.TriggeredSince(ctx, now.Add(-24*time.Hour), 10)
	if err != nil {
		t.Fatalf("TriggeredSince: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s0" {
		t.Errorf("expected only s0, got %+v", got)
	}
}

func TestProductRepositoryUpdatePrice(t *testing.T) {
	ctx := context.Background()
	repo := NewProductRepository(database.NewMemoryStore())

	p := &models.Product{ID: "p1", Name: "Apple Watch", Price: decimal.NewFromInt(45999)}
	if err := repo.AddProducts(ctx, p); err != nil {
		t.Fatalf("AddProducts: %v", err)
	}

	ok, err := repo.UpdateProductPrice(ctx, "p1", decimal.NewFromInt(38000), time.Now())
	if err != nil || !ok {
		t.Fatalf("UpdateProductPrice: ok=%v err=%v", ok, err)
	}
	got, err := repo.GetProductByID(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProductByID: %v", err)
	}
	if !got.Price.Equal(decimal.NewFromInt(38000)) {
		t.Errorf("price = %s, want 38000", got.Price)
	}

	ok, err = repo.UpdateProductPrice(ctx, "missing", decimal.NewFromInt(1), time.Now())
	if err != nil || ok {
		t.Errorf("update of missing product: ok=%v err=%v", ok, err)
	}

	if _, err := repo.GetProductByID(ctx, "missing"); !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestScrapeRepositoryLatestBatch(t *testing.T) {
	ctx := context.Background()
	repo := NewScrapeRepository(database.NewMemoryStore())
	now := time.Now().UTC()

	batch := func(run string, sites ...string) []models.PriceRecord {
		var out []models.PriceRecord
		for _, s := range sites {
			out = append(out, models.PriceRecord{ID: database.NewID(), RunID: run, Site: s, ScrapedAt: now})
		}
		return out
	}

	older := database.NewID()
	newer := database.NewID()
	if err := repo.SaveBatch(ctx, batch(older, "amazon", "flipkart")); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}
	if err := repo.SaveBatch(ctx, batch(newer, "amazon", "flipkart", "croma")); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}

	got, err := repo.LatestBatch(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("LatestBatch: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	for i, site := range []string{"amazon", "flipkart", "croma"} {
		if got[i].Site != site || got[i].RunID != newer {
			t.Errorf("record %d: got %s/%s", i, got[i].RunID, got[i].Site)
		}
	}

	empty, err := repo.LatestBatch(ctx, now.Add(time.Hour))
	if err != nil || empty != nil {
		t.Errorf("expected no batch in future window, got %v %v", empty, err)
	}
}
