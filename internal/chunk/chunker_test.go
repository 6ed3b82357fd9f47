package chunk

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(parts, " ")
}

func sentences(n, wordsPer int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString(words(wordsPer))
		b.WriteString(". ")
	}
	return b.String()
}

func TestMarkdownSmallDocSingleChunk(t *testing.T) {
	c := New(Options{})
	pieces := c.SplitMarkdown(words(99))
	require.Len(t, pieces, 1)
	assert.Equal(t, 0, pieces[0].Index)
	assert.Equal(t, 1, pieces[0].Total)
}

func TestMarkdownOverMaxSplits(t *testing.T) {
	c := New(Options{})
	// 513 tokens of prose in sentences; must not come back as one chunk.
	text := sentences(57, 9) // 57*9 = 513 tokens
	pieces := c.SplitMarkdown(text)
	require.Greater(t, len(pieces), 1)
	for _, p := range pieces {
		assert.LessOrEqual(t, countTokens(p.Text), DefaultMaxTokens)
	}
}

func TestMarkdownChunkIndexAndTotal(t *testing.T) {
	c := New(Options{})
	pieces := c.SplitMarkdown(sentences(200, 10))
	require.Greater(t, len(pieces), 1)
	for i, p := range pieces {
		assert.Equal(t, i, p.Index)
		assert.Equal(t, len(pieces), p.Total)
	}
}

func TestMarkdownNeverSplitsMidSentence(t *testing.T) {
	c := New(Options{MinTokens: 10, MaxTokens: 30, OverlapTokens: 5})
	text := sentences(10, 12)
	pieces := c.SplitMarkdown(text)
	require.Greater(t, len(pieces), 1)
	for _, p := range pieces {
		// Every chunk ends on a sentence boundary.
		assert.True(t, strings.HasSuffix(strings.TrimSpace(p.Text), "."),
			"chunk ends mid-sentence: %q", p.Text)
	}
}

func TestMarkdownHeadingBoundariesRespected(t *testing.T) {
	c := New(Options{MinTokens: 5, MaxTokens: 40, OverlapTokens: 0})
	doc := "# Install\n\n" + sentences(4, 8) + "\n\n# Usage\n\n" + sentences(4, 8)
	pieces := c.SplitMarkdown(doc)
	require.GreaterOrEqual(t, len(pieces), 2)
}

func TestMarkdownEmptyInput(t *testing.T) {
	c := New(Options{})
	assert.Nil(t, c.SplitMarkdown(""))
	assert.Nil(t, c.SplitMarkdown("   \n\n  "))
}

func TestConsecutiveChunksOverlap(t *testing.T) {
	c := New(Options{MinTokens: 20, MaxTokens: 40, OverlapTokens: 10})
	pieces := c.SplitMarkdown(sentences(30, 8))
	require.Greater(t, len(pieces), 1)

	first := strings.Fields(pieces[0].Text)
	tail := strings.Join(first[len(first)-10:], " ")
	assert.Contains(t, pieces[1].Text, tail)
}

func TestRepoSplitsOnFileHeaders(t *testing.T) {
	c := New(Options{MinTokens: 5, MaxTokens: 60, OverlapTokens: 0})
	text := "### src/main.go\n" + words(50) + "\n\n### src/util.go\n" + words(50)
	pieces := c.SplitRepo(text)
	require.Len(t, pieces, 2)
	assert.True(t, strings.HasPrefix(pieces[0].Text, "### src/main.go"))
	assert.True(t, strings.HasPrefix(pieces[1].Text, "### src/util.go"))
}

func TestRepoLargeFileKeepsHeaderOnEveryChunk(t *testing.T) {
	c := New(Options{MinTokens: 10, MaxTokens: 40, OverlapTokens: 0})
	body := words(30) + "\n\n" + words(30) + "\n\n" + words(30)
	pieces := c.SplitRepo("### pkg/big.go\n" + body)
	require.Greater(t, len(pieces), 1)
	for _, p := range pieces {
		assert.True(t, strings.HasPrefix(p.Text, "### pkg/big.go"), "missing path header: %q", p.Text[:20])
	}
}

func TestTranscriptAggregatesToMinimum(t *testing.T) {
	c := New(Options{MinTokens: 20, MaxTokens: 60, OverlapTokens: 0})
	var segs []Segment
	for i := 0; i < 12; i++ {
		segs = append(segs, Segment{Start: float64(i * 10), Text: words(8)})
	}
	pieces := c.SplitTranscript(segs)
	require.NotEmpty(t, pieces)
	for i, p := range pieces[:len(pieces)-1] {
		assert.GreaterOrEqual(t, countTokens(p.Text), 20, "piece %d under minimum", i)
	}
}

func TestTranscriptKeepsFirstSegmentTimestamp(t *testing.T) {
	c := New(Options{MinTokens: 10, MaxTokens: 20, OverlapTokens: 0})
	segs := []Segment{
		{Start: 0, Text: words(15)},
		{Start: 42.5, Text: words(15)},
	}
	pieces := c.SplitTranscript(segs)
	require.Len(t, pieces, 2)
	assert.Equal(t, 0.0, pieces[0].SegmentStart)
	assert.Equal(t, 42.5, pieces[1].SegmentStart)
}

func TestTranscriptTrailingFragmentMergesBack(t *testing.T) {
	c := New(Options{MinTokens: 20, MaxTokens: 40, OverlapTokens: 0})
	segs := []Segment{
		{Start: 0, Text: words(35)},
		{Start: 10, Text: words(3)}, // too small to stand alone
	}
	pieces := c.SplitTranscript(segs)
	require.Len(t, pieces, 1)
	assert.Equal(t, 38, countTokens(pieces[0].Text))
}

func TestTranscriptEmpty(t *testing.T) {
	c := New(Options{})
	assert.Empty(t, c.SplitTranscript(nil))
	assert.Empty(t, c.SplitTranscript([]Segment{{Start: 0, Text: "  "}}))
}

func TestSplitDispatch(t *testing.T) {
	c := New(Options{})

	pieces, err := c.Split("web_page", words(10))
	require.NoError(t, err)
	assert.Len(t, pieces, 1)

	pieces, err = c.Split("repo", "### a.go\n"+words(10))
	require.NoError(t, err)
	assert.Len(t, pieces, 1)

	_, err = c.Split("video", "flat text")
	require.Error(t, err)
}
