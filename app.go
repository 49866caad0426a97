package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/postcard-relay/internal/api"
	"github.com/Martian-dev/postcard-relay/internal/auth"
	"github.com/Martian-dev/postcard-relay/internal/config"
	"github.com/Martian-dev/postcard-relay/internal/eventstore/sqlite"
	"github.com/Martian-dev/postcard-relay/internal/extraction"
	"github.com/Martian-dev/postcard-relay/internal/images"
	"github.com/Martian-dev/postcard-relay/internal/locks"
	natsjs "github.com/Martian-dev/postcard-relay/internal/nats"
	"github.com/Martian-dev/postcard-relay/internal/notify"
	"github.com/Martian-dev/postcard-relay/internal/postcard"
	"github.com/Martian-dev/postcard-relay/internal/providers/gmail"
	"github.com/Martian-dev/postcard-relay/internal/providers/imap"
	"github.com/Martian-dev/postcard-relay/internal/providers/outlook"
	"github.com/Martian-dev/postcard-relay/internal/sanitizer"
	watcher "github.com/Martian-dev/postcard-relay/internal/sync"
)

// Upper bound for a single provider call before the poll interval caps it.
const defaultNetworkTimeout = 30 * time.Second

type app struct {
	cfg     *config.Config
	log     *slog.Logger
	store   *sqlite.Store
	runner  *watcher.Runner
	server  *api.Server
	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	timeout := cfg.NetworkTimeout(defaultNetworkTimeout)

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	a.store, err = sqlite.Open(cfg.Store.Path, sqlite.WithDriver(cfg.Store.Driver))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = a.store.Close() })

	source, err := newSource(ctx, cfg, timeout, log)
	if err != nil {
		return nil, err
	}

	engine, err := extraction.New(extraction.Config{
		Provider:  cfg.Extraction.Provider,
		APIKey:    cfg.Extraction.APIKey,
		Model:     cfg.Extraction.Model,
		Endpoint:  cfg.Extraction.Endpoint,
		MaxTokens: cfg.Extraction.MaxTokens,
		Timeout:   cfg.NetworkTimeout(time.Duration(cfg.Extraction.TimeoutSeconds) * time.Second),
	}, extraction.WithLogger(log))
	if err != nil {
		return nil, err
	}

	client, err := postcard.NewClient(postcard.Config{
		BaseURL:  cfg.Postcard.APIURL,
		Size:     cfg.Postcard.Size,
		SenderID: cfg.Postcard.SenderID,
		Mode: postcard.ModeConfig{
			Mode:      cfg.Postcard.Mode,
			TestKey:   cfg.Postcard.TestKey,
			LiveKey:   cfg.Postcard.LiveKey,
			ForceTest: cfg.Postcard.ForceTest,
		},
		Timeout: timeout,
	}, postcard.NewArtwork(sanitizer.DefaultPolicy()), postcard.WithLogger(log))
	if err != nil {
		return nil, err
	}
	mode := client.Mode()
	log.Info("postcard mode resolved", slog.String("mode", mode.Label))

	sender, err := newSender(cfg, timeout)
	if err != nil {
		return nil, err
	}
	dispatcher := notify.NewDispatcher(sender, log)

	store, local, err := newImageStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var locker locks.Locker = locks.NewMemory()
	if cfg.RedisURL != "" {
		rdb, err := locks.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		locker = locks.NewRedis(rdb, "")
	}

	a.runner = &watcher.Runner{
		Source:    source,
		Store:     a.store,
		Extractor: engine,
		Submitter: client,
		Mailer:    dispatcher,
		Images:    store,
		Locks:     locker,
		Log:       log,
		Options: watcher.Options{
			SubjectFilter:     cfg.Mailbox.SubjectFilter,
			RequireImage:      cfg.Mailbox.RequireImageAttachment,
			PollInterval:      cfg.PollInterval(),
			InitialSyncDays:   cfg.Mailbox.InitialSyncDays,
			CatchUpMode:       cfg.Mailbox.CatchUpMode,
			Workers:           cfg.Mailbox.Workers,
			MaxAttempts:       cfg.Mailbox.MaxAttempts,
			OutboxMaxAttempts: cfg.Mailbox.OutboxMaxAttempts,
			StaleAfter:        cfg.StaleAfter(),
			NetworkTimeout:    timeout,
		},
	}

	if cfg.NATSURL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		if err := pub.EnsureStream(ctx); err != nil {
			return nil, err
		}
		a.runner.Publisher = pub
	}

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if verifier == nil {
		log.Warn("API_JWT_SECRET and API_JWKS_URL are unset, /postcards and /records are disabled")
	}
	a.server = api.New(api.Config{
		Store:         a.store,
		Submitter:     client,
		Notifier:      dispatcher,
		Mailbox:       source.Mailbox(),
		Images:        local,
		Verifier:      verifier,
		WebhookSecret: cfg.Postcard.WebhookSecret,
		Events:        a.runner.Publisher != nil,
		Log:           log,
	})
	return a, nil
}

// Run serves the API and runs the watcher until ctx is done or polling halts.
func (a *app) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.runner.Run(gctx) })
	g.Go(func() error { return a.server.Run(gctx, a.cfg.HTTPAddr) })
	return g.Wait()
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newSource(ctx context.Context, cfg *config.Config, timeout time.Duration, log *slog.Logger) (watcher.MailSource, error) {
	switch cfg.Mailbox.Source {
	case watcher.SourceGmail:
		return gmail.New(ctx, gmail.Config{
			ClientID:     cfg.Gmail.ClientID,
			ClientSecret: cfg.Gmail.ClientSecret,
			RefreshToken: cfg.Gmail.RefreshToken,
			User:         cfg.Gmail.User,
			Label:        cfg.Gmail.Label,
		}, log)
	case watcher.SourceOutlook:
		return outlook.New(outlook.Config{
			TenantID:     cfg.Outlook.TenantID,
			ClientID:     cfg.Outlook.ClientID,
			ClientSecret: cfg.Outlook.ClientSecret,
			User:         cfg.Outlook.User,
		}, log)
	default:
		return imap.New(imap.Config{
			Host:     cfg.IMAP.Host,
			Port:     cfg.IMAP.Port,
			User:     cfg.IMAP.User,
			Password: cfg.IMAP.Password,
			TLS:      cfg.IMAP.TLS,
			Inbox:    cfg.IMAP.Inbox,
			Timeout:  timeout,
		}, log)
	}
}

func newSender(cfg *config.Config, timeout time.Duration) (notify.Sender, error) {
	if cfg.Notify.Transport == "postmark" {
		return notify.NewPostmarkSender(cfg.Notify.PostmarkServerToken, cfg.Notify.PostmarkAccountToken, cfg.Notify.From)
	}
	return notify.NewSMTPSender(notify.SMTPConfig{
		Host:     cfg.Notify.SMTPHost,
		Port:     cfg.Notify.SMTPPort,
		User:     cfg.Notify.SMTPUser,
		Password: cfg.Notify.SMTPPassword,
		From:     cfg.Notify.From,
		Security: cfg.Notify.SMTPSecurity,
		Timeout:  timeout,
	})
}

// newImageStore returns the configured store and, for the local backend, the
// same store for the API to serve from.
func newImageStore(ctx context.Context, cfg *config.Config) (images.Store, *images.Local, error) {
	if cfg.Images.Backend == "s3" {
		s3, err := images.NewS3(ctx, images.S3Config{
			Bucket:        cfg.Images.S3Bucket,
			Region:        cfg.Images.S3Region,
			Endpoint:      cfg.Images.S3Endpoint,
			AccessKeyID:   cfg.Images.S3AccessKeyID,
			SecretKey:     cfg.Images.S3SecretKey,
			PublicBaseURL: cfg.Images.PublicBaseURL,
			URLTTL:        time.Duration(cfg.Images.S3URLTTLHours) * time.Hour,
		})
		return s3, nil, err
	}
	local, err := images.NewLocal(cfg.Images.Dir, cfg.Images.PublicBaseURL)
	if err != nil {
		return nil, nil, err
	}
	return local, local, nil
}

func newVerifier(ctx context.Context, cfg *config.Config) (*auth.Verifier, error) {
	switch {
	case cfg.API.JWKSURL != "":
		return auth.NewJWKSVerifier(ctx, cfg.API.JWKSURL)
	case cfg.API.JWTSecret != "":
		return auth.NewHMACVerifier([]byte(cfg.API.JWTSecret))
	}
	return nil, nil
}
