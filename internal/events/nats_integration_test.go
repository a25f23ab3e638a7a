//go:build integration

package events

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func TestNATSSink_publish(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sink, err := NewNATSSink(ctx, js)
	if err != nil {
		t.Fatalf("NewNATSSink: %v", err)
	}
	if err := sink.Write(ctx, Event{Kind: KindHit, OwnerID: "it", Timestamp: time.Now()}); err != nil {
		t.Fatalf("Write: %v", err)
	}
}
