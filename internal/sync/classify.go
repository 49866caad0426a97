package sync

import (
	"strings"

	"github.com/Martian-dev/postcard-relay/internal/mail"
)

// Classifier decides whether a message asks for a postcard.
type Classifier struct {
	SubjectFilter string
	RequireImage  bool
}

// Qualifies returns "" when the message should be processed, otherwise the
// reason it was skipped.
func (c Classifier) Qualifies(m *mail.Message) string {
	if c.SubjectFilter != "" && !strings.Contains(strings.ToLower(m.Subject), strings.ToLower(c.SubjectFilter)) {
		return "subject does not contain " + `"` + c.SubjectFilter + `"`
	}
	if c.RequireImage && len(m.Images()) == 0 {
		return "no image attachment"
	}
	return ""
}
