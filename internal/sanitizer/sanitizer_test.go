package sanitizer_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Martian-dev/postcard-relay/internal/sanitizer"
)

func TestSanitize_StripsDangerousContent(t *testing.T) {
	policy := sanitizer.DefaultPolicy()

	tests := []struct {
		name  string
		input string
	}{
		{name: "script tag", input: `<p>Hi</p><script>alert(1)</script>`},
		{name: "uppercase script", input: `<SCRIPT src="x.js"></SCRIPT><p>Hi</p>`},
		{name: "onerror", input: `<img src="https://example.com/a.png" onerror="alert(1)">`},
		{name: "onclick", input: `<p onclick="steal()">click</p>`},
		{name: "javascript href", input: `<a href="javascript:alert(1)">x</a>`},
		{name: "javascript src", input: `<img src="JavaScript:alert(1)">`},
		{name: "javascript text", input: `<p>javascript:alert(1)</p>`},
		{name: "event text", input: `<p>onclick=alert(1)</p>`},
		{name: "iframe", input: `<iframe src="https://evil.example"></iframe>`},
		{name: "nested scheme", input: `<p>javascriptjavascript::alert(1)</p>`},
		{name: "nested handler", input: `<p>ononclick=click=alert(1)</p>`},
		{name: "handler after letter", input: `<p>xonclick=1</p>`},
		{name: "handler after underscore", input: `<p>_onerror=1</p>`},
		{name: "handler after digit", input: `<p>2onerror=x</p>`},
		{name: "handler rebuilt by scheme removal", input: `<p>onjavascript:error=x</p>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := strings.ToLower(sanitizer.Sanitize(tt.input, policy))
			assert.NotContains(t, out, "<script")
			assert.NotContains(t, out, "onerror=")
			assert.NotContains(t, out, "onclick=")
			assert.NotContains(t, out, "javascript:")
			assert.NotContains(t, out, "<iframe")
		})
	}
}

func TestSanitize_PreservesBenignMarkup(t *testing.T) {
	input := `<h2>Greetings</h2><p>Hello <strong>World</strong> and <em>friends</em></p>` +
		`<ul><li>One</li><li>Two</li></ul><ol><li>Three</li></ol>` +
		`<a href="https://example.com">link</a><img src="https://example.com/a.png" alt="a"><h6>end</h6>` +
		`<script>alert(1)</script>`

	out := sanitizer.Sanitize(input, sanitizer.DefaultPolicy())

	for _, tag := range []string{"<h2>", "<p>", "<strong>", "<em>", "<ul>", "<li>", "<ol>", "<h6>"} {
		assert.Contains(t, out, tag)
	}
	assert.Contains(t, out, `href="https://example.com"`)
	assert.Contains(t, out, `src="https://example.com/a.png"`)
	assert.NotContains(t, out, "alert")
}

func TestSanitize_EventAttributeAllowListedStillRemoved(t *testing.T) {
	policy := sanitizer.Policy{
		AllowedTags:  []string{"p"},
		AllowedAttrs: []string{"onclick", "title"},
	}
	out := sanitizer.Sanitize(`<p onclick="x()" title="t">body</p>`, policy)
	assert.Equal(t, `<p title="t">body</p>`, out)
}

func TestSanitize_ForbiddenWinsOverAllowed(t *testing.T) {
	policy := sanitizer.Policy{
		AllowedTags:    []string{"p"},
		AllowedAttrs:   []string{"title"},
		ForbiddenAttrs: []string{"title"},
	}
	assert.Equal(t, `<p>body</p>`, sanitizer.Sanitize(`<p title="t">body</p>`, policy))
}

func TestSanitize_Deterministic(t *testing.T) {
	s := sanitizer.New(sanitizer.DefaultPolicy())
	input := `<p>Hi <b>there</b><script>x</script></p>`
	assert.Equal(t, s.Sanitize(input), s.Sanitize(input))
	assert.Equal(t, sanitizer.Sanitize(input, sanitizer.DefaultPolicy()), s.Sanitize(input))
	assert.Empty(t, s.Sanitize("   "))
}
