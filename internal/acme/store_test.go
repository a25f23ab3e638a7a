package acme

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_putGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Put(ctx, "promo.example.com", "tok1", "tok1.key", "ch_1"); err != nil {
		t.Fatal(err)
	}
	body, err := s.Get(ctx, "promo.example.com", "tok1")
	if err != nil || body != "tok1.key" {
		t.Fatalf("Get: got (%q, %v)", body, err)
	}
	if _, err := s.Get(ctx, "other.example.com", "tok1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("token must be scoped to its host, got %v", err)
	}
}

func TestMemoryStore_expiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()
	s.now = func() time.Time { return base }

	_ = s.Put(ctx, "promo.example.com", "tok1", "body", "")
	s.now = func() time.Time { return base.Add(TTL + time.Second) }

	if _, err := s.Get(ctx, "promo.example.com", "tok1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired token to be gone, got %v", err)
	}
}

func TestMemoryStore_deleteByRef(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Put(ctx, "a.example.com", "t1", "b1", "ch_1")
	_ = s.Put(ctx, "a.example.com", "t2", "b2", "ch_1")
	_ = s.Put(ctx, "b.example.com", "t3", "b3", "ch_2")

	if err := s.DeleteByRef(ctx, "ch_1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "a.example.com", "t1"); !errors.Is(err, ErrNotFound) {
		t.Error("t1 should be deleted")
	}
	if _, err := s.Get(ctx, "b.example.com", "t3"); err != nil {
		t.Errorf("t3 should survive: %v", err)
	}
}
