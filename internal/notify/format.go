// Package notify tells the original sender what happened to their postcard.
package notify

import (
	"fmt"
	"strings"
	"time"
)

// Email is a plain-text notification. It is stored in the outbox as JSON
// before delivery, so every field must survive a round trip.
type Email struct {
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Text      string `json:"text"`
	InReplyTo string `json:"inReplyTo,omitempty"`
}

// SuccessData describes a created postcard.
type SuccessData struct {
	RecipientName    string
	Mode             string
	ForcedTestMode   bool
	PostcardID       string
	TrackingURL      string
	ExpectedDelivery *time.Time
}

// ErrorData describes why no postcard was created.
type ErrorData struct {
	Error           string
	OriginalSubject string
	OriginalBody    string
}

const errorSubject = "Couldn't send your postcard"

// OriginalMarker separates the error text from the quoted original email.
const OriginalMarker = "---\nOriginal email:"

func FormatSuccessEmail(d SuccessData) Email {
	name := strings.TrimSpace(d.RecipientName)
	var b strings.Builder
	var subject string

	switch {
	case d.ForcedTestMode:
		subject = fmt.Sprintf("Postcard to %s created (TEST - force test enabled)", name)
		fmt.Fprintf(&b, "Your postcard to %s was created in TEST mode because force test mode is enabled.\n", name)
		b.WriteString("No physical postcard was sent.\n")
	case d.Mode == "test":
		subject = fmt.Sprintf("Postcard to %s created (TEST mode)", name)
		fmt.Fprintf(&b, "Your postcard to %s was created in TEST mode.\n", name)
		b.WriteString("No physical postcard was sent.\n")
	default:
		subject = fmt.Sprintf("Postcard to %s is on the way!", name)
		fmt.Fprintf(&b, "Your postcard to %s has been sent.\n", name)
	}

	if d.PostcardID != "" {
		fmt.Fprintf(&b, "\nPostcard ID: %s\n", d.PostcardID)
	}
	live := !d.ForcedTestMode && d.Mode != "test"
	if live && d.ExpectedDelivery != nil {
		fmt.Fprintf(&b, "Expected delivery: %s\n", d.ExpectedDelivery.Format("January 2, 2006"))
	}
	if live && d.TrackingURL != "" {
		fmt.Fprintf(&b, "Track it here: %s\n", d.TrackingURL)
	}

	return Email{Subject: subject, Text: b.String()}
}

func FormatErrorEmail(d ErrorData) Email {
	var b strings.Builder
	b.WriteString("We couldn't create a postcard from your email.\n\n")
	fmt.Fprintf(&b, "Error: %s\n\n", d.Error)
	b.WriteString(OriginalMarker)
	b.WriteString("\n")
	fmt.Fprintf(&b, "Subject: %s\n\n", d.OriginalSubject)
	b.WriteString(d.OriginalBody)
	if !strings.HasSuffix(d.OriginalBody, "\n") {
		b.WriteString("\n")
	}
	return Email{Subject: errorSubject, Text: b.String()}
}
