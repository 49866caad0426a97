package extraction

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/invopop/jsonschema"

	"github.com/Martian-dev/postcard-relay/internal/mail"
	"github.com/Martian-dev/postcard-relay/internal/postcard"
)

// maxBodyChars keeps very long threads inside the model's context budget.
const maxBodyChars = 12000

// fields is the exact shape the model must return.
type fields struct {
	To                   postcard.Address `json:"to" jsonschema:"description=Recipient postal address"`
	From                 postcard.Address `json:"from" jsonschema:"description=Sender postal address"`
	Message              string           `json:"message" jsonschema:"description=Text to print on the back of the card. Markdown allowed."`
	FrontImageAttachment string           `json:"frontImageAttachment,omitempty" jsonschema:"description=Filename of one listed image attachment to use on the front"`
}

func targetSchema() (string, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(&fields{})
	s.Title = "Postcard request"
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal schema: %w", err)
	}
	return string(b), nil
}

const systemPrompt = `You turn emails into postcard orders.
Return a single JSON object and nothing else. It must match this JSON Schema:

%s

Rules:
- Copy addresses exactly as written in the email. Never guess a missing field; leave it as an empty string instead.
- countryCode is an ISO 3166-1 alpha-2 code such as "US" or "GB".
- message is only the text the sender wants printed on the card.
- frontImageAttachment must be one of the listed attachment filenames, or empty. Never invent a URL or a filename.`

func buildUserPrompt(msg *mail.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "From: %s\n\n", msg.From)

	b.WriteString("Body:\n")
	b.WriteString(truncateUTF8(msg.Text, maxBodyChars))
	b.WriteString("\n")

	if len(msg.Attachments) > 0 {
		b.WriteString("\nAttachments:\n")
		for _, a := range msg.Attachments {
			fmt.Fprintf(&b, "- %s (%s, %d bytes)\n", a.Filename, a.ContentType, len(a.Data))
		}
	} else {
		b.WriteString("\nAttachments: none\n")
	}
	return b.String()
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
