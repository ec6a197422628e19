package search

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/lexsearch/internal/query"
)

func highlighterFor(t *testing.T, q string) *highlighter {
	t.Helper()
	h := newHighlighter(query.Info{Original: q, Normalized: strings.ToLower(q)})
	require.NotNil(t, h)
	return h
}

func TestHighlighter_MarkEscapesSourceText(t *testing.T) {
	// Given: a title carrying markup and an ampersand
	h := highlighterFor(t, "khan")

	// When
	got, ok := h.mark("<b>Khan & Sons</b> vs <script>State</script>")

	// Then: only the mark tags survive as markup
	require.True(t, ok)
	assert.Equal(t,
		"&lt;b&gt;<mark>Khan</mark> &amp; Sons&lt;/b&gt; vs &lt;script&gt;State&lt;/script&gt;", got)
}

func TestHighlighter_MarkNoMatch(t *testing.T) {
	h := highlighterFor(t, "khula")

	got, ok := h.mark("<b>Khan & Sons</b>")

	assert.False(t, ok)
	assert.Empty(t, got)
}

func TestHighlighter_MarkEveryOccurrence(t *testing.T) {
	h := highlighterFor(t, "bail")

	got, ok := h.mark("Bail refused; bail granted on appeal")

	require.True(t, ok)
	assert.Equal(t, "<mark>Bail</mark> refused; <mark>bail</mark> granted on appeal", got)
}

func TestHighlighter_SnippetEscapes(t *testing.T) {
	h := highlighterFor(t, "bail")

	got, ok := h.snippet(`x < y && "bail" granted`)

	require.True(t, ok)
	assert.Equal(t, "x &lt; y &amp;&amp; &#34;<mark>bail</mark>&#34; granted", got)
}

func TestNewHighlighter_NoUsableTerms(t *testing.T) {
	assert.Nil(t, newHighlighter(query.Info{Original: "a", Normalized: "a"}))
}
