// Package sanitizer reduces untrusted HTML to an allow-listed subset before it
// is placed into postcard artwork.
package sanitizer

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Policy is the allow-list. Tags and attributes not listed are removed;
// ForbiddenAttrs wins over AllowedAttrs.
type Policy struct {
	AllowedTags    []string
	AllowedAttrs   []string
	ForbiddenAttrs []string
}

// DefaultPolicy keeps structural and emphasis markup, links and images.
func DefaultPolicy() Policy {
	return Policy{
		AllowedTags: []string{
			"p", "br", "ul", "ol", "li", "em", "strong", "b", "i", "u",
			"h1", "h2", "h3", "h4", "h5", "h6", "a", "img", "blockquote", "span", "div",
		},
		AllowedAttrs:   []string{"href", "src", "alt", "title"},
		ForbiddenAttrs: []string{"style"},
	}
}

// Elements whose content is dropped along with the tag, allow-listed or not.
var alwaysStripped = []string{"script", "style", "iframe", "object", "embed", "noscript", "template", "svg", "math"}

var (
	jsSchemeRe  = regexp.MustCompile(`(?i)javascript\s*:`)
	eventAttrRe = regexp.MustCompile(`(?i)on[a-z]+\s*=`)
)

// Sanitize returns html reduced to the policy. It is pure and deterministic.
func Sanitize(html string, policy Policy) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	return scrub(build(policy).Sanitize(html))
}

// Sanitizer caches a compiled policy for repeated use.
type Sanitizer struct {
	p *bluemonday.Policy
}

func New(policy Policy) *Sanitizer {
	return &Sanitizer{p: build(policy)}
}

func (s *Sanitizer) Sanitize(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	return scrub(s.p.Sanitize(html))
}

func build(policy Policy) *bluemonday.Policy {
	p := bluemonday.NewPolicy()

	forbidden := make(map[string]bool, len(policy.ForbiddenAttrs))
	for _, a := range policy.ForbiddenAttrs {
		forbidden[strings.ToLower(a)] = true
	}
	stripped := make(map[string]bool, len(alwaysStripped))
	for _, t := range alwaysStripped {
		stripped[t] = true
	}

	var tags []string
	for _, t := range policy.AllowedTags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && !stripped[t] {
			tags = append(tags, t)
		}
	}
	if len(tags) > 0 {
		p.AllowElements(tags...)
	}

	var attrs []string
	for _, a := range policy.AllowedAttrs {
		a = strings.ToLower(strings.TrimSpace(a))
		// Event handlers never pass, even when listed.
		if a == "" || forbidden[a] || strings.HasPrefix(a, "on") {
			continue
		}
		attrs = append(attrs, a)
	}
	if len(attrs) > 0 {
		p.AllowAttrs(attrs...).Globally()
	}

	p.SkipElementsContent(alwaysStripped...)
	p.RequireParseableURLs(true)
	p.AllowRelativeURLs(false)
	p.AllowURLSchemes("http", "https", "mailto")
	return p
}

// scrub removes script-looking text that survived as escaped character data.
// It repeats until nothing matches, since a removal can join its neighbours
// into a new match.
func scrub(s string) string {
	for {
		next := eventAttrRe.ReplaceAllString(jsSchemeRe.ReplaceAllString(s, ""), "")
		if next == s {
			return s
		}
		s = next
	}
}
