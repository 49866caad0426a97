package mail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
)

// ErrMalformedMessage is returned when raw bytes cannot be read as RFC 822.
var ErrMalformedMessage = errors.New("malformed message")

// maxAttachmentBytes caps how much of a single attachment is kept in memory.
const maxAttachmentBytes = 20 << 20

// Key identifies a message for idempotency purposes.
type Key struct {
	Mailbox string
	UID     string
}

func (k Key) String() string {
	return k.Mailbox + "#" + k.UID
}

// Attachment is a decoded MIME part that is not the message body.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// IsImage reports whether the attachment has an image/* media type.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(a.ContentType), "image/")
}

// Message is a fetched mailbox message. It is not modified after Parse.
type Message struct {
	Mailbox     string
	UID         string
	MessageID   string
	Subject     string
	From        string
	ReceivedAt  time.Time
	RawBody     []byte
	Text        string
	Attachments []Attachment

	// Cursor is the source checkpoint that covers this message. Empty when
	// the source can only advance a whole batch at once.
	Cursor string
}

func (m *Message) Key() Key {
	return Key{Mailbox: m.Mailbox, UID: m.UID}
}

// Images returns the image attachments in message order.
func (m *Message) Images() []Attachment {
	var out []Attachment
	for _, a := range m.Attachments {
		if a.IsImage() {
			out = append(out, a)
		}
	}
	return out
}

// Parse decodes a raw RFC 822 message. The caller sets Mailbox, UID and
// Cursor; ReceivedAt falls back to the Date header when zero.
func Parse(raw []byte, receivedAt time.Time) (*Message, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	defer mr.Close()

	msg := &Message{
		RawBody:    raw,
		ReceivedAt: receivedAt,
	}

	header := mr.Header
	if subject, err := header.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = header.Get("Subject")
	}
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	}
	if id, err := header.MessageID(); err == nil {
		msg.MessageID = id
	}
	if msg.ReceivedAt.IsZero() {
		if date, err := header.Date(); err == nil {
			msg.ReceivedAt = date
		}
	}

	var plain, html string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if msg.Text == "" && plain == "" && html == "" {
				return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
			}
			break
		}

		switch h := part.Header.(type) {
		case *gomail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(io.LimitReader(part.Body, maxAttachmentBytes))
			if err != nil {
				return nil, fmt.Errorf("read inline part: %w", err)
			}
			switch {
			case strings.HasPrefix(ct, "image/"):
				name := inlineFilename(h.Get("Content-Disposition"), h.Get("Content-Type"))
				msg.Attachments = append(msg.Attachments, Attachment{Filename: name, ContentType: ct, Data: body})
			case ct == "text/html":
				if html == "" {
					html = string(body)
				}
			case ct == "" || ct == "text/plain":
				if plain == "" {
					plain = string(body)
				}
			}
		case *gomail.AttachmentHeader:
			ct, _, _ := h.ContentType()
			name, _ := h.Filename()
			body, err := io.ReadAll(io.LimitReader(part.Body, maxAttachmentBytes))
			if err != nil {
				return nil, fmt.Errorf("read attachment %q: %w", name, err)
			}
			msg.Attachments = append(msg.Attachments, Attachment{Filename: name, ContentType: ct, Data: body})
		}
	}

	msg.Text = strings.TrimSpace(plain)
	if msg.Text == "" {
		msg.Text = strings.TrimSpace(html)
	}
	return msg, nil
}

// inlineFilename digs a filename out of inline image headers, which often
// carry it only as a Content-Type name parameter.
func inlineFilename(disposition, contentType string) string {
	if _, params, err := mime.ParseMediaType(disposition); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	if _, params, err := mime.ParseMediaType(contentType); err == nil && params["name"] != "" {
		return params["name"]
	}
	return "inline-image"
}
