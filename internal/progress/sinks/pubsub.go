package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/JakeFAU/twicsync/internal/progress"
)

// Publication is the JSON payload published for each materialized issue.
type Publication struct {
	RunID     string    `json:"run_id"`
	TWICID    int       `json:"twic_id"`
	Published string    `json:"published,omitempty"`
	Path      string    `json:"path"`
	Bytes     int64     `json:"bytes,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
}

// PubSubSink publishes one message per MATERIALIZED event to a Pub/Sub topic.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubSink connects to projectID and resolves topicID. Extra client
// options allow tests to point at an emulator.
func NewPubSubSink(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*PubSubSink, error) {
	if projectID == "" || topicID == "" {
		return nil, errors.New("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &PubSubSink{client: client, topic: client.Topic(topicID)}, nil
}

// Consume publishes MATERIALIZED events and waits for each server ack.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Stage != progress.StageMaterialized {
			continue
		}
		payload := Publication{
			RunID:     evt.RunUUID().String(),
			TWICID:    evt.PublicationID,
			Path:      evt.Path,
			Bytes:     evt.Bytes,
			EmittedAt: evt.TS.UTC(),
		}
		if !evt.Published.IsZero() {
			payload.Published = evt.Published.Format(time.DateOnly)
		}
		data, err := json.Marshal(payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal payload: %w", err))
			continue
		}
		msg := &pubsub.Message{
			Data:       data,
			Attributes: map[string]string{"stage": string(evt.Stage)},
		}
		if _, err := s.topic.Publish(ctx, msg).Get(ctx); err != nil {
			errs = append(errs, fmt.Errorf("publish message: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close flushes pending publishes and releases the client.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
