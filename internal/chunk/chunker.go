// Package chunk splits fetched documents into retrievable passages.
// Splitting is kind-aware: markdown splits on heading then paragraph then
// sentence boundaries, repository text on file then blank-line boundaries,
// transcripts on segment boundaries. Sizes are bounded in whitespace
// tokens with a fixed overlap between consecutive chunks.
package chunk

import (
	"fmt"
	"regexp"
	"strings"
)

// Default size bounds, in whitespace-delimited tokens.
const (
	DefaultMinTokens     = 100
	DefaultMaxTokens     = 512
	DefaultOverlapTokens = 50
)

// Piece is one chunk of a split document.
type Piece struct {
	Text  string
	Index int
	Total int
	// SegmentStart is the timestamp (seconds) of the first transcript
	// segment in this piece; zero for non-video content.
	SegmentStart float64
}

// Segment is one timestamped transcript segment.
type Segment struct {
	Start float64
	Text  string
}

// Options bounds chunk sizes.
type Options struct {
	MinTokens     int
	MaxTokens     int
	OverlapTokens int
}

// Chunker performs kind-aware document splitting.
type Chunker struct {
	opts Options
}

// New creates a chunker, applying defaults for unset options.
func New(opts Options) *Chunker {
	if opts.MinTokens <= 0 {
		opts.MinTokens = DefaultMinTokens
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.OverlapTokens < 0 || opts.OverlapTokens >= opts.MinTokens {
		opts.OverlapTokens = DefaultOverlapTokens
	}
	return &Chunker{opts: opts}
}

// countTokens approximates token count as whitespace-delimited terms,
// dimensionally compatible with the embedder's budget.
func countTokens(text string) int {
	return len(strings.Fields(text))
}

var headingPattern = regexp.MustCompile(`(?m)^#{1,3}\s`)

// SplitMarkdown splits markdown text on heading boundaries first, then
// recursively by paragraph and sentence. Sentences are never split at the
// leaf level unless a single sentence exceeds the maximum on its own.
func (c *Chunker) SplitMarkdown(text string) []Piece {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if countTokens(text) <= c.opts.MaxTokens {
		return finalize([]string{text}, nil)
	}

	var units []string
	for _, section := range splitHeadings(text) {
		units = append(units, c.markdownUnits(section)...)
	}
	return finalize(c.pack(units, "\n\n"), nil)
}

// splitHeadings cuts text into sections starting at #/##/### lines.
func splitHeadings(text string) []string {
	locs := headingPattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}
	var sections []string
	prev := 0
	for _, loc := range locs {
		if loc[0] > prev {
			if s := strings.TrimSpace(text[prev:loc[0]]); s != "" {
				sections = append(sections, s)
			}
		}
		prev = loc[0]
	}
	if s := strings.TrimSpace(text[prev:]); s != "" {
		sections = append(sections, s)
	}
	return sections
}

// markdownUnits reduces a section to units that each fit the max bound.
func (c *Chunker) markdownUnits(section string) []string {
	if countTokens(section) <= c.opts.MaxTokens {
		return []string{section}
	}
	var units []string
	for _, para := range strings.Split(section, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if countTokens(para) <= c.opts.MaxTokens {
			units = append(units, para)
			continue
		}
		for _, sentence := range splitSentences(para) {
			if countTokens(sentence) <= c.opts.MaxTokens {
				units = append(units, sentence)
				continue
			}
			// A single over-long sentence; hard-split on token windows.
			units = append(units, c.tokenWindows(sentence)...)
		}
	}
	return units
}

var sentenceEnd = regexp.MustCompile(`([.!?])\s+`)

// splitSentences splits on sentence-terminating punctuation followed by
// whitespace. Good enough for prose; code fences rarely reach this level
// because paragraphs cover them.
func splitSentences(text string) []string {
	marked := sentenceEnd.ReplaceAllString(text, "$1\x00")
	parts := strings.Split(marked, "\x00")
	var sentences []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			sentences = append(sentences, p)
		}
	}
	return sentences
}

func (c *Chunker) tokenWindows(text string) []string {
	tokens := strings.Fields(text)
	var out []string
	for start := 0; start < len(tokens); start += c.opts.MaxTokens {
		end := start + c.opts.MaxTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		out = append(out, strings.Join(tokens[start:end], " "))
	}
	return out
}

// SplitRepo splits concatenated repository text on the "### <path>" file
// headers emitted by the repo fetcher. Each file yields at least one chunk
// carrying its header line; within a file, blank-line-separated blocks are
// packed up to the size bound.
func (c *Chunker) SplitRepo(text string) []Piece {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var units []string
	for _, file := range splitFileSections(text) {
		if countTokens(file.body) <= c.opts.MaxTokens {
			units = append(units, withHeader(file.header, file.body))
			continue
		}
		var blocks []string
		for _, block := range strings.Split(file.body, "\n\n") {
			if block = strings.TrimRight(block, "\n"); strings.TrimSpace(block) == "" {
				continue
			}
			if countTokens(block) <= c.opts.MaxTokens {
				blocks = append(blocks, block)
			} else {
				blocks = append(blocks, c.tokenWindows(block)...)
			}
		}
		for _, packed := range c.pack(blocks, "\n\n") {
			units = append(units, withHeader(file.header, packed))
		}
	}
	return finalize(units, nil)
}

type fileSection struct {
	header string
	body   string
}

var fileHeaderPattern = regexp.MustCompile(`(?m)^### \S.*$`)

func splitFileSections(text string) []fileSection {
	locs := fileHeaderPattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []fileSection{{body: text}}
	}
	var sections []fileSection
	if locs[0][0] > 0 {
		if s := strings.TrimSpace(text[:locs[0][0]]); s != "" {
			sections = append(sections, fileSection{body: s})
		}
	}
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		header := strings.TrimSpace(text[loc[0]:loc[1]])
		body := strings.TrimSpace(text[loc[1]:end])
		sections = append(sections, fileSection{header: header, body: body})
	}
	return sections
}

func withHeader(header, body string) string {
	if header == "" {
		return body
	}
	return header + "\n" + body
}

// SplitTranscript aggregates transcript segments until each chunk reaches
// the minimum size, keeping the timestamp of the first segment per chunk.
func (c *Chunker) SplitTranscript(segments []Segment) []Piece {
	var pieces []Piece
	var buf []string
	var bufTokens int
	var bufStart float64
	started := false

	flush := func() {
		if len(buf) == 0 {
			return
		}
		pieces = append(pieces, Piece{
			Text:         strings.Join(buf, " "),
			SegmentStart: bufStart,
		})
		buf = nil
		bufTokens = 0
		started = false
	}

	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if !started {
			bufStart = seg.Start
			started = true
		}
		segTokens := countTokens(text)
		if bufTokens+segTokens > c.opts.MaxTokens && bufTokens >= c.opts.MinTokens {
			flush()
			bufStart = seg.Start
			started = true
		}
		buf = append(buf, text)
		bufTokens += segTokens
	}
	flush()

	// A trailing fragment below the minimum joins its predecessor.
	if len(pieces) >= 2 {
		last := pieces[len(pieces)-1]
		if countTokens(last.Text) < c.opts.MinTokens {
			pieces[len(pieces)-2].Text += " " + last.Text
			pieces = pieces[:len(pieces)-1]
		}
	}

	for i := range pieces {
		pieces[i].Index = i
		pieces[i].Total = len(pieces)
	}
	return pieces
}

// pack greedily joins units into chunks within [min, max] tokens, seeding
// each chunk after the first with the overlap tail of its predecessor.
func (c *Chunker) pack(units []string, sep string) []string {
	var chunks []string
	var buf []string
	var bufTokens int
	seeded := false

	emit := func() {
		if len(buf) == 0 {
			return
		}
		chunks = append(chunks, strings.Join(buf, sep))
		tail := overlapTail(strings.Join(buf, " "), c.opts.OverlapTokens)
		buf = buf[:0]
		bufTokens = 0
		seeded = false
		if tail != "" {
			buf = append(buf, tail)
			bufTokens = countTokens(tail)
			seeded = true
		}
	}

	for _, unit := range units {
		unitTokens := countTokens(unit)
		if bufTokens > 0 && bufTokens+unitTokens > c.opts.MaxTokens && bufTokens >= c.opts.MinTokens {
			emit()
		}
		buf = append(buf, unit)
		bufTokens += unitTokens
	}
	if len(buf) > 0 {
		// Merge an under-min tail into the previous chunk rather than
		// emitting a fragment (the overlap seed is not new content and
		// does not count toward the minimum).
		fresh := buf
		freshTokens := bufTokens
		if seeded {
			fresh = buf[1:]
			freshTokens = bufTokens - countTokens(buf[0])
		}
		switch {
		case len(fresh) == 0:
			// Only the seed remains; already covered by the last chunk.
		case len(chunks) > 0 && freshTokens < c.opts.MinTokens &&
			countTokens(chunks[len(chunks)-1])+freshTokens <= c.opts.MaxTokens:
			chunks[len(chunks)-1] += sep + strings.Join(fresh, sep)
		default:
			chunks = append(chunks, strings.Join(buf, sep))
		}
	}
	return chunks
}

func overlapTail(text string, n int) string {
	if n <= 0 {
		return ""
	}
	tokens := strings.Fields(text)
	if len(tokens) <= n {
		return ""
	}
	return strings.Join(tokens[len(tokens)-n:], " ")
}

func finalize(texts []string, starts []float64) []Piece {
	pieces := make([]Piece, 0, len(texts))
	for i, t := range texts {
		p := Piece{Text: t, Index: i, Total: len(texts)}
		if i < len(starts) {
			p.SegmentStart = starts[i]
		}
		pieces = append(pieces, p)
	}
	return pieces
}

// Split dispatches on source kind. Video content must go through
// SplitTranscript directly since it needs segments, not flat text.
func (c *Chunker) Split(kind, text string) ([]Piece, error) {
	switch kind {
	case "repo":
		return c.SplitRepo(text), nil
	case "web_page", "doc_site_page":
		return c.SplitMarkdown(text), nil
	default:
		return nil, fmt.Errorf("no chunking strategy for kind %q", kind)
	}
}
