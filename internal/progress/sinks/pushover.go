package sinks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gregdel/pushover"

	"github.com/JakeFAU/twicsync/internal/progress"
	"github.com/JakeFAU/twicsync/internal/twic"
)

// PushoverConfig configures NewPushoverSink.
type PushoverConfig struct {
	Token string
	User  string
	// SiteURL is the TWIC origin used to build the issue deep link.
	SiteURL string
}

// PushoverSink announces every newly materialized issue via Pushover.
type PushoverSink struct {
	app       *pushover.Pushover
	recipient *pushover.Recipient
	siteURL   string
}

// NewPushoverSink validates credentials and builds the Pushover client.
func NewPushoverSink(cfg PushoverConfig) (*PushoverSink, error) {
	if cfg.Token == "" || cfg.User == "" {
		return nil, errors.New("pushover token and user are required")
	}
	return &PushoverSink{
		app:       pushover.New(cfg.Token),
		recipient: pushover.NewRecipient(cfg.User),
		siteURL:   strings.TrimRight(cfg.SiteURL, "/"),
	}, nil
}

// Consume sends one message per MATERIALIZED event and ignores the rest.
func (s *PushoverSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Stage != progress.StageMaterialized {
			continue
		}
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := s.send(evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *PushoverSink) send(evt progress.Event) error {
	id := strconv.Itoa(evt.PublicationID)
	text := "twic" + id + ".pgn is ready"
	if !evt.Published.IsZero() {
		text += " (published " + evt.Published.Format(time.DateOnly) + ")"
	}
	msg := pushover.NewMessageWithTitle(text, fmt.Sprintf("New TWIC %s available", id))
	if s.siteURL != "" {
		msg.URL = twic.IssueURL(s.siteURL, evt.PublicationID)
		msg.URLTitle = "TWIC " + id
	}
	if _, err := s.app.SendMessage(msg, s.recipient); err != nil {
		return fmt.Errorf("pushover send twic %s: %w", id, err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PushoverSink) Close(context.Context) error {
	return nil
}
