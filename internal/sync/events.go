package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/postcard-relay/internal/eventstore/sqlite"
	"github.com/Martian-dev/postcard-relay/internal/mail"
	"github.com/Martian-dev/postcard-relay/internal/notify"
)

// SubjectPrefix roots every published subject.
const SubjectPrefix = "postcards."

// Event is published once per terminal record.
type Event struct {
	EventID    string `json:"event_id"`
	Type       string `json:"type"`
	TS         int64  `json:"ts"`
	Mailbox    string `json:"mailbox"`
	UID        string `json:"uid"`
	MessageID  string `json:"message_id,omitempty"`
	Sender     string `json:"sender,omitempty"`
	Status     string `json:"status"`
	PostcardID string `json:"postcard_id,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Error      string `json:"error,omitempty"`
}

func eventEntry(msg *mail.Message, out sqlite.Outcome, mode string) (sqlite.OutboxEntry, error) {
	typ := "postcard." + string(out.Status)
	ev := Event{
		EventID:    uuid.NewString(),
		Type:       typ,
		TS:         time.Now().Unix(),
		Mailbox:    msg.Mailbox,
		UID:        msg.UID,
		MessageID:  msg.MessageID,
		Sender:     msg.From,
		Status:     string(out.Status),
		PostcardID: out.PostcardID,
		Mode:       mode,
		Error:      out.Error,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return sqlite.OutboxEntry{}, fmt.Errorf("marshal event: %w", err)
	}
	return sqlite.OutboxEntry{
		Kind:      sqlite.KindEvent,
		Subject:   SubjectPrefix + string(out.Status),
		EventType: typ,
		Payload:   payload,
		MsgID:     fmt.Sprintf("%s|%s|%s", typ, msg.Mailbox, msg.UID),
	}, nil
}

// emailEntry keys the notification by message so only one outcome email
// can ever be queued for it.
func emailEntry(msg *mail.Message, e notify.Email, eventType string) (sqlite.OutboxEntry, error) {
	e.To = msg.From
	e.InReplyTo = msg.MessageID
	payload, err := json.Marshal(e)
	if err != nil {
		return sqlite.OutboxEntry{}, fmt.Errorf("marshal email: %w", err)
	}
	return sqlite.OutboxEntry{
		Kind:      sqlite.KindEmail,
		Subject:   e.To,
		EventType: eventType,
		Payload:   payload,
		MsgID:     fmt.Sprintf("notification|%s|%s", msg.Mailbox, msg.UID),
	}, nil
}
