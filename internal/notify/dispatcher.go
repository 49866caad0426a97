package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Martian-dev/postcard-relay/internal/logger"
)

// Sender delivers one email.
type Sender interface {
	Send(ctx context.Context, e Email) error
}

// Dispatcher formats and delivers outcome emails.
type Dispatcher struct {
	sender Sender
	log    *slog.Logger
}

func NewDispatcher(sender Sender, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = logger.Discard()
	}
	return &Dispatcher{sender: sender, log: log.With(logger.Component("notify"))}
}

func (e Email) validate() error {
	if strings.TrimSpace(e.To) == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidEmail)
	}
	if e.Subject == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidEmail)
	}
	return nil
}

// Send delivers an already formatted email.
func (d *Dispatcher) Send(ctx context.Context, e Email) error {
	if err := e.validate(); err != nil {
		return err
	}
	if err := d.sender.Send(ctx, e); err != nil {
		return err
	}
	d.log.Info("notification sent", slog.String("to", e.To), slog.String("subject", e.Subject))
	return nil
}

func (d *Dispatcher) SendSuccessEmail(ctx context.Context, to string, data SuccessData) error {
	e := FormatSuccessEmail(data)
	e.To = to
	return d.Send(ctx, e)
}

func (d *Dispatcher) SendErrorEmail(ctx context.Context, to string, data ErrorData) error {
	e := FormatErrorEmail(data)
	e.To = to
	return d.Send(ctx, e)
}
