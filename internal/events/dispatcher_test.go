package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Write(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// hangingSink blocks until its context ends.
type hangingSink struct{ started atomic.Int32 }

func (s *hangingSink) Name() string { return "hanging" }

func (s *hangingSink) Write(ctx context.Context, _ Event) error {
	s.started.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatcher_deliversToAllSinks(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	d := NewDispatcher([]Sink{a, b}, Config{Buffer: 10, Workers: 2}, zap.NewNop())
	d.Start()

	for i := 0; i < 5; i++ {
		if !d.Emit(Event{Kind: KindHit, Hostname: "promo.example.com"}) {
			t.Fatal("emit should succeed with free buffer")
		}
	}
	d.Close(context.Background())

	if a.count() != 5 || b.count() != 5 {
		t.Errorf("expected 5 events per sink, got %d and %d", a.count(), b.count())
	}
}

func TestDispatcher_emitNeverBlocks(t *testing.T) {
	sink := &hangingSink{}
	d := NewDispatcher([]Sink{sink}, Config{Buffer: 2, Workers: 1, WriteTimeout: time.Second}, zap.NewNop())
	var dropped atomic.Int32
	d.SetMetricsRecord(nil, func() { dropped.Add(1) })
	d.Start()

	start := time.Now()
	for i := 0; i < 50; i++ {
		d.Emit(Event{Kind: KindAccess})
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Emit blocked for %v", elapsed)
	}
	if dropped.Load() == 0 {
		t.Error("expected overflow events to be dropped and counted")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d.Close(ctx)
}

func TestDispatcher_sinkFailureIsCounted(t *testing.T) {
	sink := &recordingSink{err: errors.New("insert failed")}
	d := NewDispatcher([]Sink{sink}, Config{Buffer: 4, Workers: 1}, zap.NewNop())

	var mu sync.Mutex
	var results []bool
	d.SetMetricsRecord(func(name string, ok bool) {
		mu.Lock()
		results = append(results, ok)
		mu.Unlock()
	}, nil)
	d.Start()
	d.Emit(Event{Kind: KindHit})
	d.Close(context.Background())

	if len(results) != 1 || results[0] {
		t.Errorf("expected one failed write, got %v", results)
	}
}

func TestDispatcher_emitAfterClose(t *testing.T) {
	d := NewDispatcher(nil, Config{}, zap.NewNop())
	d.Start()
	d.Close(context.Background())
	d.Close(context.Background())

	if d.Emit(Event{Kind: KindHit}) {
		t.Error("emit after close must be rejected")
	}
}

func TestSubject(t *testing.T) {
	cases := []struct {
		e    Event
		want string
	}{
		{Event{Kind: KindHit, OwnerID: "tenant-42"}, "cloak.hit.tenant-42"},
		{Event{Kind: KindAccess, OwnerID: "a.b*c>"}, "cloak.access.a_b_c_"},
		{Event{Kind: KindHit}, "cloak.hit._"},
	}
	for _, tc := range cases {
		if got := Subject(tc.e); got != tc.want {
			t.Errorf("Subject(%+v) = %q, want %q", tc.e, got, tc.want)
		}
	}
}

func TestLogSink(t *testing.T) {
	s := NewLogSink(zap.NewNop())
	if err := s.Write(context.Background(), Event{Kind: KindHit}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
