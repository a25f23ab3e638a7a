package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// StreamName is the JetStream stream holding edge events.
const StreamName = "CLOAK_EVENTS"

const subjectPrefix = "cloak"

// NATSSink publishes events to JetStream as cloak.<kind>.<owner>.
type NATSSink struct {
	js jetstream.JetStream
}

// NewNATSSink ensures the event stream exists and returns a sink for it.
func NewNATSSink(ctx context.Context, js jetstream.JetStream) (*NATSSink, error) {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Edge hit and access events",
		Subjects:    []string{subjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return &NATSSink{js: js}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Write(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := s.js.Publish(ctx, Subject(e), body); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subject returns the subject an event is published on.
func Subject(e Event) string {
	return subjectPrefix + "." + string(e.Kind) + "." + subjectToken(e.OwnerID)
}

// subjectToken maps an arbitrary id onto a single NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
