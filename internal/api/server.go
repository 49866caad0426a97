// Package api exposes health, record listing, locally stored images, a JSON
// postcard endpoint and the provider webhook over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/postcard-relay/internal/auth"
	"github.com/Martian-dev/postcard-relay/internal/eventstore/sqlite"
	"github.com/Martian-dev/postcard-relay/internal/images"
	"github.com/Martian-dev/postcard-relay/internal/logger"
	"github.com/Martian-dev/postcard-relay/internal/notify"
	"github.com/Martian-dev/postcard-relay/internal/postcard"
)

// Store is the part of the record store the API reads and writes.
type Store interface {
	Ping(ctx context.Context) error
	SyncState(ctx context.Context, mailbox string) (*sqlite.SyncState, error)
	List(ctx context.Context, f sqlite.ListFilter) ([]sqlite.Record, error)
	Enqueue(ctx context.Context, entries ...sqlite.OutboxEntry) error
}

type Submitter interface {
	Mode() postcard.Resolved
	Submit(ctx context.Context, req *postcard.Request, mode postcard.Resolved, idempotencyKey string) (*postcard.Submission, error)
}

type Notifier interface {
	SendSuccessEmail(ctx context.Context, to string, data notify.SuccessData) error
}

// Config wires the server. Store and Submitter are required; the rest
// enable optional routes.
type Config struct {
	Store     Store
	Submitter Submitter
	Notifier  Notifier

	// Mailbox is reported by /healthz.
	Mailbox string

	// Images serves GET /images/*key when set.
	Images *images.Local

	// Verifier protects /postcards and /records. Without one they answer 503.
	Verifier *auth.Verifier

	// WebhookSecret enables POST /webhooks/postcards.
	WebhookSecret string

	// Events enqueues webhook events for the publisher.
	Events bool

	Log *slog.Logger
	Now func() time.Time
}

type Server struct {
	cfg    Config
	log    *slog.Logger
	engine *gin.Engine
}

func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = logger.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{cfg: cfg, log: cfg.Log.With(logger.Component("api"))}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.health)
	if cfg.Images != nil {
		r.GET("/images/*key", s.image)
	}
	if cfg.WebhookSecret != "" {
		r.POST("/webhooks/postcards", s.webhook)
	}

	authorized := r.Group("/")
	authorized.Use(s.authMiddleware())
	authorized.POST("/postcards", s.createPostcard)
	authorized.GET("/records", s.listRecords)

	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("took", time.Since(start)))
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Verifier == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "api authentication is not configured"})
			return
		}
		p, err := s.cfg.Verifier.VerifyRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}
		c.Set("principal", p)
		c.Next()
	}
}
