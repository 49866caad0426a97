package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Connection security for the relay.
const (
	SecurityStartTLS = "starttls"
	SecurityTLS      = "tls"
	SecurityNone     = "none"
)

// SMTPConfig describes the outgoing relay. Security defaults to implicit
// TLS on port 465 and STARTTLS elsewhere.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	Security string
	Timeout  time.Duration

	// TLSConfig overrides the default client TLS settings.
	TLSConfig *tls.Config
}

type SMTPSender struct {
	cfg SMTPConfig
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: SMTP host is required", ErrInvalidConfig)
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("%w: from address is required", ErrInvalidConfig)
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	switch cfg.Security {
	case "":
		cfg.Security = SecurityStartTLS
		if cfg.Port == 465 {
			cfg.Security = SecurityTLS
		}
	case SecurityStartTLS, SecurityTLS, SecurityNone:
	default:
		return nil, fmt.Errorf("%w: unknown SMTP security %q", ErrInvalidConfig, cfg.Security)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TLSConfig == nil {
		cfg.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	}
	return &SMTPSender{cfg: cfg}, nil
}

// Compose renders e as an RFC 5322 message.
func Compose(from string, e Email, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: e.To}})
	h.SetSubject(e.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}
	if e.InReplyTo != "" {
		h.Set("In-Reply-To", "<"+e.InReplyTo+">")
		h.Set("References", "<"+e.InReplyTo+">")
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(e.Text)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *SMTPSender) Send(ctx context.Context, e Email) error {
	msg, err := Compose(s.cfg.From, e, time.Now())
	if err != nil {
		return fmt.Errorf("%w: compose: %w", ErrFailedToSend, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	c, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrFailedToSend, s.cfg.Host, err)
	}
	defer c.Close()

	if err := s.deliver(c, e.To, msg); err != nil {
		var se *smtp.SMTPError
		if errors.As(err, &se) && se.Code >= 500 {
			return fmt.Errorf("%w: %w: %w", ErrFailedToSend, ErrRejected, err)
		}
		return fmt.Errorf("%w: %w", ErrFailedToSend, err)
	}
	return nil
}

func (s *SMTPSender) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	var conn net.Conn
	var err error
	if s.cfg.Security == SecurityTLS {
		d := &tls.Dialer{Config: s.cfg.TLSConfig}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var c *smtp.Client
	if s.cfg.Security == SecurityStartTLS {
		// Closes conn on failure.
		if c, err = smtp.NewClientStartTLS(conn, s.cfg.TLSConfig); err != nil {
			return nil, err
		}
	} else {
		c = smtp.NewClient(conn)
	}
	if s.cfg.User != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			c.Close()
			return nil, errors.New("server does not support AUTH")
		}
		if err := c.Auth(sasl.NewPlainClient("", s.cfg.User, s.cfg.Password)); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (s *SMTPSender) deliver(c *smtp.Client, to string, msg []byte) error {
	if err := c.Mail(s.cfg.From, nil); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(to, nil); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close body: %w", err)
	}
	return c.Quit()
}
