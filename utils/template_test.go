package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderTemplate(t *testing.T) {
	fields := map[string]string{"first_name": "Ada", "company": "Analytical", "Plan Tier": "gold"}

	cases := []struct{ in, want string }{
		{"Hi {{first_name}}", "Hi Ada"},
		{"Hi {{ firstName }}", "Hi Ada"},
		{"Hi {{FIRST_NAME}} at {{company}}", "Hi Ada at Analytical"},
		{"Hi {{last_name|there}}", "Hi there"},
		{"Hi {{ last_name | friend }}!", "Hi friend!"},
		{"Unknown {{nope}}.", "Unknown ."},
		{"Tier {{plan_tier}}", "Tier gold"},
		{"No tokens", "No tokens"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, RenderTemplate(tc.in, fields), tc.in)
	}
}

func TestRenderHTMLTemplateEscapesValues(t *testing.T) {
	out := RenderHTMLTemplate("<p>{{company}}</p>", map[string]string{"company": "<b>&Co</b>"})
	assert.Equal(t, "<p>&lt;b&gt;&amp;Co&lt;/b&gt;</p>", out)
}

func TestHTMLToText(t *testing.T) {
	body := `<html><head><style>p{color:red}</style></head><body><p>Hello&nbsp;there,</p><p>Line   two<br/>Line three</p></body></html>`

	assert.Equal(t, "Hello there,\nLine two\nLine three", HTMLToText(body))
}

func TestTextToHTML(t *testing.T) {
	assert.False(t, IsHTML("plain\ntext"))
	assert.True(t, IsHTML("<p>x</p>"))
	assert.Equal(t, "<p>a &lt; b<br>c</p>", TextToHTML("a < b\nc"))
}
