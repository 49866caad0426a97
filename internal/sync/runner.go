package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/postcard-relay/internal/eventstore/sqlite"
	"github.com/Martian-dev/postcard-relay/internal/images"
	"github.com/Martian-dev/postcard-relay/internal/locks"
	"github.com/Martian-dev/postcard-relay/internal/logger"
	"github.com/Martian-dev/postcard-relay/internal/mail"
)

// Catch-up modes for messages that predate the first run.
const (
	CatchUpNone    = "none"
	CatchUpProcess = "process"
	CatchUpDryRun  = "dry-run"
)

// Sync status values stored with the checkpoint.
const (
	statusHooked      = "HOOKED"
	statusBackfilling = "BACKFILLING"
	statusError       = "ERROR"
	statusHalted      = "HALTED"
	statusReset       = "RESET"
)

var (
	// ErrHalted stops the runner; an operator must fix credentials.
	ErrHalted = errors.New("polling halted")

	// ErrMailboxUnavailable wraps connection failures. They are retried on
	// the next tick.
	ErrMailboxUnavailable = errors.New("mailbox unavailable")
)

// unreachableAfter is how many consecutive failed polls are logged as an
// outage rather than a blip.
const unreachableAfter = 3

type Options struct {
	SubjectFilter   string
	RequireImage    bool
	PollInterval    time.Duration
	InitialSyncDays int
	CatchUpMode     string
	Workers         int
	MaxAttempts     int
	StaleAfter      time.Duration
	NetworkTimeout  time.Duration
	Backoff         Backoff
	OutboxBackoff   Backoff

	// OutboxMaxAttempts bounds delivery tries per outbox message.
	OutboxMaxAttempts int
}

// Runner orchestrates the watch loop for one mailbox
type Runner struct {
	Source    MailSource
	Store     *sqlite.Store
	Extractor Extractor
	Submitter Submitter
	Mailer    Mailer
	Images    images.Store // optional
	Publisher Publisher    // optional
	Locks     locks.Locker // defaults to an in-process locker
	Options   Options
	Log       *slog.Logger
	Now       func() time.Time

	initOnce sync.Once
	owner    string
}

func (r *Runner) init() {
	r.initOnce.Do(func() {
		host, _ := os.Hostname()
		r.owner = fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()[:8])
		if r.Log == nil {
			r.Log = logger.Discard()
		}
		r.Log = r.Log.With(logger.Component("watcher"), logger.Mailbox(r.Source.Mailbox()))
		if r.Locks == nil {
			r.Locks = locks.NewMemory()
		}
		if r.Now == nil {
			r.Now = time.Now
		}
		o := &r.Options
		if o.PollInterval <= 0 {
			o.PollInterval = time.Minute
		}
		if o.Workers <= 0 {
			o.Workers = 1
		}
		if o.MaxAttempts <= 0 {
			o.MaxAttempts = 4
		}
		if o.StaleAfter <= 0 {
			o.StaleAfter = o.PollInterval
		}
		if o.NetworkTimeout <= 0 {
			o.NetworkTimeout = o.PollInterval
		}
		if o.Backoff.Initial <= 0 {
			o.Backoff.Initial = o.PollInterval
		}
		if o.OutboxBackoff.Initial <= 0 {
			o.OutboxBackoff = Backoff{Initial: 10 * time.Second, Max: 30 * time.Minute, JitterFactor: 0.1}
		}
		if o.OutboxMaxAttempts <= 0 {
			o.OutboxMaxAttempts = 10
		}
		if o.CatchUpMode == "" {
			o.CatchUpMode = CatchUpNone
		}
	})
}

func (r *Runner) now() time.Time {
	return r.Now()
}

// Result is the disposition of one listed message after a poll.
type Result struct {
	Message *mail.Message
	Status  sqlite.Status
	Err     error
}

// Run recovers abandoned records, starts outbox delivery and polls on every
// tick until ctx is done or polling is halted.
func (r *Runner) Run(ctx context.Context) error {
	r.init()

	n, err := r.Store.RecoverStale(ctx, r.Options.StaleAfter)
	if err != nil {
		return err
	}
	if n > 0 {
		r.Log.Warn("recovered records left in processing", slog.Int64("count", n))
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.DispatchLoop(dispatchCtx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	r.Log.Info("watcher started",
		slog.String("source", r.Source.Name()),
		slog.Duration("poll_interval", r.Options.PollInterval),
		slog.String("catch_up_mode", r.Options.CatchUpMode))

	ticker := time.NewTicker(r.Options.PollInterval)
	defer ticker.Stop()

	for {
		results, err := r.Poll(ctx)
		switch {
		case errors.Is(err, ErrHalted):
			r.Log.Error("polling halted, operator action required", logger.Error(err))
			return err
		case err != nil && ctx.Err() == nil:
			r.Log.Error("poll failed", logger.Error(err))
		case len(results) > 0:
			r.Log.Info("poll complete", slog.Int("messages", len(results)))
		}

		select {
		case <-ctx.Done():
			r.Log.Info("watcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll runs one cycle: list candidates, drive each through the pipeline and
// advance the watermark over the longest fully-handled prefix.
func (r *Runner) Poll(ctx context.Context) ([]Result, error) {
	r.init()
	mailbox := r.Source.Mailbox()

	cursor, err := r.Store.LoadCheckpoint(ctx, mailbox)
	if err != nil {
		return nil, err
	}
	if cursor == "" {
		return r.firstRun(ctx)
	}

	lctx, cancel := context.WithTimeout(ctx, r.Options.NetworkTimeout)
	batch, err := r.Source.IncrementalSync(lctx, Checkpoint{Cursor: cursor})
	cancel()
	if err != nil {
		return nil, r.sourceFailure(ctx, err)
	}

	results, perr := r.processBatch(ctx, batch.Messages, false)

	next := nextCursor(cursor, batch, results)
	if err := r.Store.SaveCheckpoint(detached(ctx), mailbox, r.Source.Name(), next, statusHooked); err != nil {
		return results, err
	}
	if next != cursor {
		r.Log.Debug("watermark advanced", slog.String("cursor", next))
	}
	return results, perr
}

func (r *Runner) firstRun(ctx context.Context) ([]Result, error) {
	mailbox := r.Source.Mailbox()

	hctx, cancel := context.WithTimeout(ctx, r.Options.NetworkTimeout)
	head, err := r.Source.Head(hctx)
	cancel()
	if err != nil {
		return nil, r.sourceFailure(ctx, err)
	}

	mode := r.Options.CatchUpMode
	if mode != CatchUpProcess && mode != CatchUpDryRun {
		r.Log.Info("first run, starting from the newest message", slog.String("cursor", head.Cursor))
		return nil, r.Store.SaveCheckpoint(ctx, mailbox, r.Source.Name(), head.Cursor, statusHooked)
	}

	since := r.now().AddDate(0, 0, -r.Options.InitialSyncDays)
	bctx, cancel := context.WithTimeout(ctx, r.Options.NetworkTimeout)
	batch, err := r.Source.InitialBackfill(bctx, since)
	cancel()
	if err != nil {
		return nil, r.sourceFailure(ctx, err)
	}
	r.Log.Info("first run, catching up",
		slog.String("mode", mode),
		slog.Time("since", since),
		slog.Int("messages", len(batch.Messages)))

	results, err := r.processBatch(ctx, batch.Messages, mode == CatchUpDryRun)
	if err != nil {
		return results, err
	}

	for _, res := range results {
		if !res.Status.Terminal() {
			// Retry the whole window next tick; finished records short-circuit.
			_, serr := r.Store.UpdateSyncStatus(detached(ctx), mailbox, statusBackfilling, "")
			return results, serr
		}
	}
	return results, r.Store.SaveCheckpoint(detached(ctx), mailbox, r.Source.Name(), head.Cursor, statusHooked)
}

func (r *Runner) sourceFailure(ctx context.Context, err error) error {
	mailbox := r.Source.Mailbox()
	switch {
	case errors.Is(err, ErrAuthRejected):
		_, _ = r.Store.UpdateSyncStatus(detached(ctx), mailbox, statusHalted, err.Error())
		return fmt.Errorf("%w: %w", ErrHalted, err)

	case errors.Is(err, ErrCursorExpired):
		// Jump to the head rather than replay: replaying could resend
		// postcards for records that were pruned.
		hctx, cancel := context.WithTimeout(ctx, r.Options.NetworkTimeout)
		head, herr := r.Source.Head(hctx)
		cancel()
		if herr != nil {
			return r.sourceFailure(ctx, herr)
		}
		r.Log.Warn("checkpoint expired, resuming from the newest message", logger.Error(err))
		return r.Store.SaveCheckpoint(ctx, mailbox, r.Source.Name(), head.Cursor, statusReset)

	case ctx.Err() != nil:
		return ctx.Err()
	}

	count, serr := r.Store.UpdateSyncStatus(detached(ctx), mailbox, statusError, err.Error())
	if serr != nil {
		r.Log.Error("failed to record sync status", logger.Error(serr))
	}
	if count >= unreachableAfter {
		r.Log.Warn("mailbox unreachable", slog.Int("consecutive_failures", count), logger.Error(err))
	}
	return fmt.Errorf("%w: %w", ErrMailboxUnavailable, err)
}

func (r *Runner) processBatch(ctx context.Context, msgs []*mail.Message, dryRun bool) ([]Result, error) {
	results := make([]Result, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.Options.Workers)

	for i, msg := range msgs {
		results[i].Message = msg
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			st, err := r.process(gctx, msg, dryRun)
			results[i].Status = st
			results[i].Err = err
			if errors.Is(err, ErrHalted) {
				return err
			}
			if err != nil {
				r.Log.Error("message processing failed", logger.UID(msg.UID), logger.Error(err))
			}
			return nil
		})
	}
	return results, g.Wait()
}

// nextCursor is the checkpoint after the longest prefix of terminal results.
func nextCursor(current string, b *Batch, results []Result) string {
	for i, res := range results {
		if res.Status.Terminal() {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			if c := results[j].Message.Cursor; c != "" {
				return c
			}
		}
		return current
	}
	if b.Next.Cursor != "" {
		return b.Next.Cursor
	}
	return current
}
