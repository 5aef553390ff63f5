package progress

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config controls sink dispatch for the Hub.
//   - SinkTimeout: per-sink timeout for each delivery (default 10s).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

const defaultSinkTimeout = 10 * time.Second

// Hub fans events out to registered sinks. Delivery is synchronous and in
// registration order; a failing or panicking sink is logged and skipped so
// it can never abort the caller.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger
	closed bool
}

var _ Emitter = (*Hub)(nil)

// NewHub initializes a Hub with the supplied sinks. Nil sinks are ignored.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{cfg: cfg, logger: logger}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	return h
}

// Emit validates evt and delivers it to every sink.
func (h *Hub) Emit(ctx context.Context, evt Event) {
	if h == nil || h.closed {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	batch := []Event{evt}
	for _, sink := range h.sinks {
		if err := h.deliver(ctx, sink, batch); err != nil {
			h.logger.Warn("progress sink consume failed",
				zap.String("stage", string(evt.Stage)),
				zap.Error(err),
			)
		}
	}
}

func (h *Hub) deliver(ctx context.Context, sink Sink, batch []Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, h.cfg.SinkTimeout)
	defer cancel()
	return sink.Consume(ctx, batch)
}

// Close closes every sink once. Subsequent Emit calls are ignored.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil || h.closed {
		return nil
	}
	h.closed = true
	var firstErr error
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("close progress sink: %w", err)
			}
		}
	}
	return firstErr
}
