package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Martian-dev/postcard-relay/internal/eventstore/sqlite"
	"github.com/Martian-dev/postcard-relay/internal/logger"
	"github.com/Martian-dev/postcard-relay/internal/notify"
)

// Mailer delivers outcome emails.
type Mailer interface {
	Send(ctx context.Context, e notify.Email) error
}

// Publisher publishes domain events with broker-side deduplication.
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

const outboxBatch = 100

// DrainOutbox delivers every due outbox message once and returns how many
// were delivered.
func (r *Runner) DrainOutbox(ctx context.Context) (int, error) {
	r.init()

	kinds := []string{sqlite.KindEmail}
	if r.Publisher != nil {
		kinds = append(kinds, sqlite.KindEvent)
	}

	messages, err := r.Store.DequeueOutbox(ctx, outboxBatch, kinds...)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, msg := range messages {
		if err := r.deliver(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			if errors.Is(err, notify.ErrRejected) || msg.Retries+1 >= r.Options.OutboxMaxAttempts {
				r.Log.Error("outbox delivery abandoned",
					slog.Int64("outbox_id", msg.ID),
					slog.String("kind", msg.Kind),
					slog.String("msg_id", msg.MsgID),
					slog.Int("attempts", msg.Retries+1),
					logger.Error(err))
				if err := r.Store.MarkOutboxDead(ctx, msg.ID, err.Error()); err != nil {
					r.Log.Error("failed to dead-letter outbox message", logger.Error(err))
				}
				continue
			}
			backoff := r.Options.OutboxBackoff.Next(msg.Retries + 1)
			r.Log.Warn("outbox delivery failed",
				slog.Int64("outbox_id", msg.ID),
				slog.String("kind", msg.Kind),
				slog.Int("retries", msg.Retries),
				slog.Duration("retry_in", backoff),
				logger.Error(err))
			if err := r.Store.MarkOutboxRetry(ctx, msg.ID, backoff, err.Error()); err != nil {
				r.Log.Error("failed to schedule outbox retry", logger.Error(err))
			}
			continue
		}

		if err := r.Store.MarkPublished(ctx, msg.ID); err != nil {
			r.Log.Error("failed to mark outbox message delivered", slog.Int64("outbox_id", msg.ID), logger.Error(err))
			continue
		}
		delivered++
	}
	return delivered, nil
}

func (r *Runner) deliver(ctx context.Context, msg sqlite.OutboxMessage) error {
	switch msg.Kind {
	case sqlite.KindEmail:
		var e notify.Email
		if err := json.Unmarshal(msg.Payload, &e); err != nil {
			return fmt.Errorf("decode email: %w", err)
		}
		sctx, cancel := context.WithTimeout(ctx, r.Options.NetworkTimeout)
		defer cancel()
		return r.Mailer.Send(sctx, e)
	case sqlite.KindEvent:
		return r.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID)
	default:
		return fmt.Errorf("unknown outbox kind %q", msg.Kind)
	}
}

// DispatchLoop continuously drains the outbox until ctx is done.
func (r *Runner) DispatchLoop(ctx context.Context) {
	r.init()
	for {
		n, err := r.DrainOutbox(ctx)
		wait := 500 * time.Millisecond
		switch {
		case err != nil && ctx.Err() == nil:
			r.Log.Error("error dequeuing outbox", logger.Error(err))
			wait = time.Second
		case n == outboxBatch:
			wait = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
