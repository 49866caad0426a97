package postcard

import (
	"bytes"
	"fmt"
	"html"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	goldhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/Martian-dev/postcard-relay/internal/sanitizer"
)

// Artwork renders both sides of a card as provider HTML.
type Artwork struct {
	md  goldmark.Markdown
	san *sanitizer.Sanitizer
}

func NewArtwork(policy sanitizer.Policy) *Artwork {
	return &Artwork{
		md: goldmark.New(
			goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
			// Raw HTML is passed through here and removed by the sanitizer.
			goldmark.WithRendererOptions(goldhtml.WithUnsafe(), goldhtml.WithHardWraps()),
		),
		san: sanitizer.New(policy),
	}
}

// Message renders markdown and sanitizes the result. The sanitizer is the
// last step before the text reaches the template.
func (a *Artwork) Message(text string) (string, error) {
	var buf bytes.Buffer
	if err := a.md.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("render message: %w", err)
	}
	return a.san.Sanitize(buf.String()), nil
}

const backTemplate = `<html><head><meta charset="UTF-8"><style>
body{margin:0;width:100%%;height:100%%;font-family:Georgia,serif;font-size:14px}
.msg{position:absolute;top:0.3in;left:0.3in;width:45%%;overflow:hidden}
</style></head><body><div class="msg">%s</div></body></html>`

const frontImageTemplate = `<html><head><meta charset="UTF-8"><style>
body{margin:0;width:100%%;height:100%%}
img{width:100%%;height:100%%;object-fit:cover}
</style></head><body><img src="%s"></body></html>`

const frontTextTemplate = `<html><head><meta charset="UTF-8"><style>
body{margin:0;width:100%%;height:100%%;display:flex;align-items:center;justify-content:center;font-family:Georgia,serif;font-size:32px}
</style></head><body><div>Greetings from %s</div></body></html>`

// Back wraps already-sanitized message HTML.
func (a *Artwork) Back(messageHTML string) string {
	return fmt.Sprintf(backTemplate, messageHTML)
}

// Front uses the image when present, otherwise a plain greeting.
func (a *Artwork) Front(imageURL, senderName string) string {
	if imageURL != "" {
		return fmt.Sprintf(frontImageTemplate, html.EscapeString(imageURL))
	}
	if senderName == "" {
		senderName = "a friend"
	}
	return fmt.Sprintf(frontTextTemplate, html.EscapeString(senderName))
}
