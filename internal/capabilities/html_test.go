package capabilities

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/maitre/internal/protocol"
	"github.com/GriffinCanCode/maitre/internal/sandbox"
)

const listMarkup = `<ul><li class="a" data-id="1">One</li><li>Two  <b>2</b></li></ul>`

func htmlFunc(t *testing.T, path string) sandbox.Func {
	t.Helper()
	for _, c := range HTML() {
		if c.Path == path {
			return c.Func
		}
	}
	t.Fatalf("no capability %s", path)
	return nil
}

func TestHTMLSanitize(t *testing.T) {
	out, err := htmlFunc(t, "html.sanitize")(context.Background(), []any{`<p onclick="x()">hi<script>alert(1)</script></p>`})
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", out)
}

func TestHTMLEscape(t *testing.T) {
	out, err := htmlFunc(t, "html.escape")(context.Background(), []any{`<a href="x">`})
	require.NoError(t, err)
	assert.Equal(t, "&lt;a href=&#34;x&#34;&gt;", out)
}

func TestHTMLText(t *testing.T) {
	text := htmlFunc(t, "html.text")
	page := "<html><head><title>T</title></head><body><h1>Hi</h1>\n<p>there   you</p></body></html>"

	out, err := text(context.Background(), []any{page})
	require.NoError(t, err)
	assert.Equal(t, "Hi there you", out)

	out, err = text(context.Background(), []any{page, "title"})
	require.NoError(t, err)
	assert.Equal(t, "T", out)
}

func TestHTMLSelect(t *testing.T) {
	out, err := htmlFunc(t, "html.select")(context.Background(), []any{listMarkup, "li"})
	require.NoError(t, err)

	items, ok := out.([]any)
	require.True(t, ok)
	require.Len(t, items, 2)

	first := items[0].(map[string]any)
	assert.Equal(t, "One", first["text"])
	assert.Equal(t, `<li class="a" data-id="1">One</li>`, first["html"])
	assert.Equal(t, map[string]any{"class": "a", "data-id": "1"}, first["attrs"])

	second := items[1].(map[string]any)
	assert.Equal(t, "Two 2", second["text"])
	assert.Empty(t, second["attrs"])
}

func TestHTMLXPath(t *testing.T) {
	out, err := htmlFunc(t, "html.xpath")(context.Background(), []any{listMarkup, "//li[@class='a']"})
	require.NoError(t, err)

	items := out.([]any)
	require.Len(t, items, 1)
	el := items[0].(map[string]any)
	assert.Equal(t, "One", el["text"])
	assert.Equal(t, `<li class="a" data-id="1">One</li>`, el["html"])
}

func TestHTMLRejectsBadArguments(t *testing.T) {
	tests := []struct {
		name string
		path string
		args []any
	}{
		{"no markup", "html.sanitize", nil},
		{"markup not a string", "html.text", []any{int64(1)}},
		{"oversized markup", "html.sanitize", []any{strings.Repeat("a", MaxHTMLSize+1)}},
		{"missing selector", "html.select", []any{listMarkup}},
		{"bad selector", "html.select", []any{listMarkup, "li["}},
		{"bad xpath", "html.xpath", []any{listMarkup, "//li["}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := htmlFunc(t, tt.path)(context.Background(), tt.args)
			assert.Error(t, err)
		})
	}
}

func TestHTMLInSandbox(t *testing.T) {
	box := &outbox{}
	runModule(t, `
global.init = function () {
  const items = html.select(`+"`"+listMarkup+"`"+`, "li");
  process.send({ type: "log", message: items.map(i => i.text).join("|") + ":" + html.sanitize("<b>x</b><script>1</script>") });
};`, Options{Send: box.send})

	assert.Equal(t, []protocol.Message{protocol.Log{Message: "One|Two 2:<b>x</b>"}}, box.all())
}
