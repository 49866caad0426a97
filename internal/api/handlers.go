package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Martian-dev/postcard-relay/internal/eventstore/sqlite"
	"github.com/Martian-dev/postcard-relay/internal/logger"
	"github.com/Martian-dev/postcard-relay/internal/notify"
	"github.com/Martian-dev/postcard-relay/internal/postcard"
)

const (
	maxWebhookBytes = 1 << 20
	webhookMaxAge   = 5 * time.Minute
	defaultListSize = 100
)

func (s *Server) health(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.cfg.Store.Ping(ctx); err != nil {
		s.log.Error("health check failed", logger.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}

	body := gin.H{"status": "ok"}
	if s.cfg.Mailbox != "" {
		st, err := s.cfg.Store.SyncState(ctx, s.cfg.Mailbox)
		switch {
		case err == nil:
			body["sync"] = st
		case !errors.Is(err, sqlite.ErrNotFound):
			s.log.Warn("failed to load sync state", logger.Error(err))
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) image(c *gin.Context) {
	path, err := s.cfg.Images.Path(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.File(path)
}

func (s *Server) listRecords(c *gin.Context) {
	f := sqlite.ListFilter{Limit: defaultListSize}
	if v := c.Query("status"); v != "" {
		st, err := sqlite.ParseStatus(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		f.Status = st
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		f.Limit = n
	}
	f.Mailbox = c.Query("mailbox")

	recs, err := s.cfg.Store.List(c.Request.Context(), f)
	if err != nil {
		s.log.Error("failed to list records", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list records"})
		return
	}
	if recs == nil {
		recs = []sqlite.Record{}
	}
	c.JSON(http.StatusOK, recs)
}

// CreatePostcardRequest is the JSON body of POST /postcards.
type CreatePostcardRequest struct {
	postcard.Request
	NotifyEmail string `json:"notifyEmail,omitempty" binding:"omitempty,email"`
}

type CreatePostcardResponse struct {
	*postcard.Submission
	Mode   string `json:"mode"`
	Forced bool   `json:"forcedTestMode,omitempty"`
}

func (s *Server) createPostcard(c *gin.Context) {
	var body CreatePostcardRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req := body.Request
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	key := c.GetHeader("Idempotency-Key")
	if key == "" {
		key = uuid.NewString()
	}

	ctx := c.Request.Context()
	mode := s.cfg.Submitter.Mode()
	sub, err := s.cfg.Submitter.Submit(ctx, &req, mode, "api#"+key)
	if err != nil {
		s.submitError(c, err)
		return
	}
	s.log.Info("postcard submitted via api", logger.PostcardID(sub.ID), slog.String("mode", mode.Label))

	if body.NotifyEmail != "" && s.cfg.Notifier != nil {
		err := s.cfg.Notifier.SendSuccessEmail(ctx, body.NotifyEmail, notify.SuccessData{
			RecipientName:    req.To.Name(),
			Mode:             mode.Mode,
			ForcedTestMode:   mode.Forced,
			PostcardID:       sub.ID,
			TrackingURL:      sub.TrackingURL,
			ExpectedDelivery: sub.ExpectedDeliveryDate,
		})
		if err != nil {
			s.log.Warn("failed to send confirmation", logger.Error(err))
		}
	}

	c.JSON(http.StatusCreated, CreatePostcardResponse{Submission: sub, Mode: mode.Mode, Forced: mode.Forced})
}

func (s *Server) submitError(c *gin.Context, err error) {
	var se *postcard.SubmissionError
	switch {
	case errors.Is(err, postcard.ErrInvalidRequest):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, postcard.ErrCredentialsRejected):
		s.log.Error("postcard provider rejected credentials", logger.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "postcard provider rejected credentials"})
	case errors.As(err, &se) && se.Transient:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.As(err, &se):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		s.log.Error("postcard submission failed", logger.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "submission failed"})
	}
}

type webhookEvent struct {
	ID        string `json:"id"`
	EventType struct {
		ID string `json:"id"`
	} `json:"event_type"`
	Body struct {
		ID string `json:"id"`
	} `json:"body"`
	DateCreated string `json:"date_created"`
}

// WebhookEvent is what the publisher emits for a verified provider webhook.
type WebhookEvent struct {
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	TS         int64           `json:"ts"`
	PostcardID string          `json:"postcard_id,omitempty"`
	Provider   string          `json:"provider_event"`
	Raw        json.RawMessage `json:"raw"`
}

func (s *Server) webhook(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	err = postcard.VerifyWebhook(s.cfg.WebhookSecret,
		c.GetHeader(postcard.SignatureHeader),
		c.GetHeader(postcard.SignatureTimestampHeader),
		raw, webhookMaxAge, s.cfg.Now())
	if err != nil {
		s.log.Warn("rejected webhook", logger.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var ev webhookEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}
	s.log.Info("postcard webhook",
		slog.String("event_id", ev.ID),
		slog.String("event_type", ev.EventType.ID),
		logger.PostcardID(ev.Body.ID))

	if s.cfg.Events {
		payload, err := json.Marshal(WebhookEvent{
			EventID:    ev.ID,
			Type:       "postcard.webhook",
			TS:         s.cfg.Now().Unix(),
			PostcardID: ev.Body.ID,
			Provider:   ev.EventType.ID,
			Raw:        raw,
		})
		if err == nil {
			err = s.cfg.Store.Enqueue(c.Request.Context(), sqlite.OutboxEntry{
				Kind:      sqlite.KindEvent,
				Subject:   "postcards.webhook",
				EventType: "postcard.webhook",
				Payload:   payload,
				MsgID:     "postcard.webhook|" + ev.ID,
			})
		}
		if err != nil {
			s.log.Error("failed to enqueue webhook event", logger.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record event"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"received": ev.ID})
}
