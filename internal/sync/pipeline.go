package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Martian-dev/postcard-relay/internal/eventstore/sqlite"
	"github.com/Martian-dev/postcard-relay/internal/extraction"
	"github.com/Martian-dev/postcard-relay/internal/images"
	"github.com/Martian-dev/postcard-relay/internal/locks"
	"github.com/Martian-dev/postcard-relay/internal/logger"
	"github.com/Martian-dev/postcard-relay/internal/mail"
	"github.com/Martian-dev/postcard-relay/internal/notify"
	"github.com/Martian-dev/postcard-relay/internal/postcard"
)

// Extractor turns an email into a validated postcard request.
type Extractor interface {
	Extract(ctx context.Context, msg *mail.Message) (*postcard.Request, error)
}

// Submitter creates postcards with the print provider.
type Submitter interface {
	Mode() postcard.Resolved
	Build(req *postcard.Request, idempotencyKey string) (*postcard.Payload, error)
	Submit(ctx context.Context, req *postcard.Request, mode postcard.Resolved, idempotencyKey string) (*postcard.Submission, error)
}

// process drives one message to a disposition. Only the lease holder past
// Acquire may call the submitter.
func (r *Runner) process(ctx context.Context, msg *mail.Message, dryRun bool) (sqlite.Status, error) {
	key := msg.Key()
	log := r.Log.With(logger.UID(msg.UID))

	rec, err := r.Store.Ensure(ctx, key, sqlite.Meta{MessageID: msg.MessageID, Sender: msg.From, Subject: msg.Subject})
	if err != nil {
		return "", err
	}
	if rec.Status.Terminal() {
		return rec.Status, nil
	}

	if reason := r.classifier().Qualifies(msg); reason != "" {
		if err := r.Store.Skip(ctx, key, reason); err != nil {
			if errors.Is(err, sqlite.ErrInvalidTransition) {
				return r.currentStatus(ctx, key)
			}
			return "", err
		}
		log.Info("message skipped", slog.String("reason", reason))
		return sqlite.StatusSkipped, nil
	}

	release, err := r.Locks.Acquire(ctx, key.String(), r.Options.StaleAfter)
	if errors.Is(err, locks.ErrHeld) {
		return sqlite.StatusProcessing, nil
	}
	if err != nil {
		return "", err
	}
	defer release()

	rec, err = r.Store.Acquire(ctx, key, r.owner, r.Options.StaleAfter)
	switch {
	case errors.Is(err, sqlite.ErrLeaseHeld), errors.Is(err, sqlite.ErrNotDue), errors.Is(err, sqlite.ErrInvalidTransition):
		return rec.Status, nil
	case err != nil:
		return "", err
	}

	log = log.With(logger.Attempt(rec.Attempts))
	if rec.Attempts > r.Options.MaxAttempts {
		reason := fmt.Sprintf("gave up after %d attempts: %s", rec.Attempts-1, rec.LastError)
		return r.fail(ctx, msg, rec, reason, dryRun, log)
	}
	log.Debug("processing message")

	req, err := r.Extractor.Extract(ctx, msg)
	if err != nil {
		var ee *extraction.ExtractionError
		if errors.As(err, &ee) && !ee.Transient {
			return r.fail(ctx, msg, rec, ee.Reason, dryRun, log)
		}
		return r.retry(ctx, msg, rec, err, dryRun, log)
	}

	if dryRun {
		return r.preview(ctx, msg, rec, req, log)
	}

	if req.FrontImage != nil && r.Images != nil {
		a := req.FrontImage
		ictx, cancel := context.WithTimeout(ctx, r.Options.NetworkTimeout)
		url, err := r.Images.Put(ictx, images.KeyFor(key.String(), a.Filename, a.ContentType), a.ContentType, a.Data)
		cancel()
		if err != nil {
			return r.retry(ctx, msg, rec, fmt.Errorf("upload front image: %w", err), false, log)
		}
		req.FrontImageURL = url
	}

	mode := r.Submitter.Mode()
	sub, err := r.Submitter.Submit(ctx, req, mode, key.String())
	if err != nil {
		if errors.Is(err, postcard.ErrCredentialsRejected) {
			r.abandon(ctx, key, log)
			return sqlite.StatusPending, fmt.Errorf("%w: %w", ErrHalted, err)
		}
		var se *postcard.SubmissionError
		if errors.Is(err, postcard.ErrInvalidRequest) || (errors.As(err, &se) && !se.Transient) {
			return r.fail(ctx, msg, rec, err.Error(), false, log)
		}
		return r.retry(ctx, msg, rec, err, false, log)
	}

	return r.succeed(ctx, msg, rec, req, mode, sub, log)
}

func (r *Runner) classifier() Classifier {
	return Classifier{SubjectFilter: r.Options.SubjectFilter, RequireImage: r.Options.RequireImage}
}

func (r *Runner) currentStatus(ctx context.Context, key mail.Key) (sqlite.Status, error) {
	rec, err := r.Store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// Outcome writes must land even when the poll is being cancelled.
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (r *Runner) abandon(ctx context.Context, key mail.Key, log *slog.Logger) {
	if err := r.Store.Abandon(detached(ctx), key, r.owner); err != nil {
		log.Error("failed to release record", logger.Error(err))
	}
}

func (r *Runner) retry(ctx context.Context, msg *mail.Message, rec *sqlite.Record, cause error, dryRun bool, log *slog.Logger) (sqlite.Status, error) {
	if ctx.Err() != nil {
		r.abandon(ctx, rec.Key(), log)
		return sqlite.StatusPending, nil
	}
	if dryRun {
		return r.complete(ctx, msg, rec, sqlite.Outcome{Status: sqlite.StatusSkipped, Error: "dry-run: " + cause.Error()}, "", nil, log)
	}
	if rec.Attempts >= r.Options.MaxAttempts {
		reason := fmt.Sprintf("%s (gave up after %d attempts)", cause.Error(), rec.Attempts)
		return r.fail(ctx, msg, rec, reason, false, log)
	}

	next := r.now().Add(r.Options.Backoff.Next(rec.Attempts))
	if err := r.Store.Retry(detached(ctx), rec.Key(), r.owner, cause.Error(), next); err != nil {
		return "", err
	}
	log.Warn("transient failure, will retry", logger.Error(cause), slog.Time("next_attempt_at", next))
	return sqlite.StatusPending, nil
}

func (r *Runner) fail(ctx context.Context, msg *mail.Message, rec *sqlite.Record, reason string, dryRun bool, log *slog.Logger) (sqlite.Status, error) {
	if dryRun {
		return r.complete(ctx, msg, rec, sqlite.Outcome{Status: sqlite.StatusSkipped, Error: "dry-run: " + reason}, "", nil, log)
	}
	email := notify.FormatErrorEmail(notify.ErrorData{
		Error:           reason,
		OriginalSubject: msg.Subject,
		OriginalBody:    msg.Text,
	})
	return r.complete(ctx, msg, rec, sqlite.Outcome{Status: sqlite.StatusFailed, Error: reason}, "", &email, log)
}

func (r *Runner) succeed(ctx context.Context, msg *mail.Message, rec *sqlite.Record, req *postcard.Request, mode postcard.Resolved, sub *postcard.Submission, log *slog.Logger) (sqlite.Status, error) {
	email := notify.FormatSuccessEmail(notify.SuccessData{
		RecipientName:    req.To.Name(),
		Mode:             mode.Mode,
		ForcedTestMode:   mode.Forced,
		PostcardID:       sub.ID,
		TrackingURL:      sub.TrackingURL,
		ExpectedDelivery: sub.ExpectedDeliveryDate,
	})
	return r.complete(ctx, msg, rec, sqlite.Outcome{Status: sqlite.StatusSucceeded, PostcardID: sub.ID}, mode.Mode, &email, log)
}

// preview runs everything but the submission and logs what would be sent.
func (r *Runner) preview(ctx context.Context, msg *mail.Message, rec *sqlite.Record, req *postcard.Request, log *slog.Logger) (sqlite.Status, error) {
	mode := r.Submitter.Mode()
	payload, err := r.Submitter.Build(req, msg.Key().String())
	if err != nil {
		return r.complete(ctx, msg, rec, sqlite.Outcome{Status: sqlite.StatusSkipped, Error: "dry-run: " + err.Error()}, "", nil, log)
	}

	image := ""
	if req.FrontImage != nil {
		image = req.FrontImage.Filename
	}
	log.Info("dry run: would submit postcard",
		slog.String("mode", mode.Label),
		slog.String("to", payload.To.Name),
		slog.String("to_city", payload.To.AddressCity),
		slog.String("to_country", payload.To.AddressCountry),
		slog.String("from", req.From.Name()),
		slog.String("size", payload.Size),
		slog.String("front_image", image),
		slog.String("back_html", payload.Back))

	return r.complete(ctx, msg, rec, sqlite.Outcome{Status: sqlite.StatusSkipped, Error: "dry-run"}, "", nil, log)
}

func (r *Runner) complete(ctx context.Context, msg *mail.Message, rec *sqlite.Record, out sqlite.Outcome, mode string, email *notify.Email, log *slog.Logger) (sqlite.Status, error) {
	var entries []sqlite.OutboxEntry
	if email != nil {
		if msg.From == "" {
			log.Warn("no sender address, outcome email dropped", logger.Status(string(out.Status)))
		} else {
			e, err := emailEntry(msg, *email, "notification."+string(out.Status))
			if err != nil {
				return "", err
			}
			entries = append(entries, e)
		}
	}
	if r.Publisher != nil {
		e, err := eventEntry(msg, out, mode)
		if err != nil {
			return "", err
		}
		entries = append(entries, e)
	}

	if err := r.Store.Complete(detached(ctx), rec.Key(), r.owner, out, entries...); err != nil {
		return "", err
	}

	attrs := []any{logger.Status(string(out.Status)), logger.PostcardID(out.PostcardID)}
	if out.Error != "" {
		attrs = append(attrs, slog.String("reason", out.Error))
	}
	switch out.Status {
	case sqlite.StatusFailed:
		log.Warn("message failed", attrs...)
	default:
		log.Info("message processed", attrs...)
	}
	return out.Status, nil
}
