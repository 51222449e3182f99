// Package parser turns raw Markdown text into a structured document:
// frontmatter, headings, chunks, links, derived title/summary/concepts,
// token estimate, and content hash. Parsing is a pure function of the
// input text; it never touches the filesystem.
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

// MaxChunkWords is the upper bound on words per chunk. Paragraphs
// larger than this are split at word boundaries.
const MaxChunkWords = 120

// maxSummaryTokens bounds the derived summary length.
const maxSummaryTokens = 150

// maxConcepts bounds the number of extracted concepts.
const maxConcepts = 10

var (
	headingPattern  = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*$`)
	inlineLinkRe    = regexp.MustCompile(`\[[^\]]+\]\(([^)]+)\)`)
	autolinkRe      = regexp.MustCompile(`<([a-z][a-z0-9+.-]*://[^>\s]+)>`)
	externalRe      = regexp.MustCompile(`^[a-z][a-z0-9+.-]*://`)
	wordRe          = regexp.MustCompile(`[A-Za-z][A-Za-z0-9_-]{2,}`)
	slugStripRe     = regexp.MustCompile(`[^a-z0-9\s-]`)
	slugSpaceRe     = regexp.MustCompile(`[\s-]+`)
)

// stopwords excluded from concept extraction.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "this": {}, "that": {},
	"from": {}, "into": {}, "your": {}, "guide": {}, "docs": {}, "markdown": {},
}

// Heading is one ATX heading in document order.
type Heading struct {
	Ordinal int
	Level   int
	Text    string
	Anchor  string
}

// Link is one link occurrence in document order.
type Link struct {
	Target       string
	IsExternal   bool
	SourceAnchor string // anchor of the nearest enclosing heading, "" at top
}

// Chunk is a paragraph-bounded unit of at most MaxChunkWords words.
type Chunk struct {
	Ordinal       int
	HeadingPath   string // slash-joined enclosing heading texts
	Content       string
	TokenEstimate int
}

// ParsedDocument is the result of parsing one Markdown file.
type ParsedDocument struct {
	Frontmatter   Frontmatter
	Headings      []Heading
	Links         []Link
	Chunks        []Chunk
	Title         string
	Summary       string
	Tags          []string
	Concepts      []string
	TokenEstimate int
	ContentHash   string
	Body          string // text after frontmatter removal
}

// Parse converts raw Markdown text into a ParsedDocument. It is lenient:
// malformed frontmatter yields an empty frontmatter map and the whole
// text is treated as body.
func Parse(text string) ParsedDocument {
	doc := ParsedDocument{
		Frontmatter: Frontmatter{},
		ContentHash: hashContent(text),
	}

	body, fm := splitFrontmatter(text)
	doc.Body = body
	doc.Frontmatter = fm

	lines := strings.Split(body, "\n")

	type stackEntry struct {
		level int
		text  string
	}
	var headingStack []stackEntry
	currentPath := ""

	var paraLines []string
	paraPath := ""

	flushParagraph := func() {
		if len(paraLines) == 0 {
			return
		}
		raw := strings.Join(paraLines, "\n")
		paraLines = nil
		if strings.TrimSpace(raw) == "" {
			return
		}
		for _, content := range splitLongParagraph(raw) {
			doc.Chunks = append(doc.Chunks, Chunk{
				Ordinal:       len(doc.Chunks),
				HeadingPath:   paraPath,
				Content:       content,
				TokenEstimate: CountTokens(content),
			})
		}
	}

	for _, line := range lines {
		if m := headingPattern.FindStringSubmatch(line); m != nil {
			flushParagraph()
			level := len(m[1])
			text := strings.TrimSpace(m[2])

			for len(headingStack) > 0 && headingStack[len(headingStack)-1].level >= level {
				headingStack = headingStack[:len(headingStack)-1]
			}
			headingStack = append(headingStack, stackEntry{level: level, text: text})

			parts := make([]string, len(headingStack))
			for i, e := range headingStack {
				parts[i] = e.text
			}
			currentPath = strings.Join(parts, "/")

			doc.Headings = append(doc.Headings, Heading{
				Ordinal: len(doc.Headings),
				Level:   level,
				Text:    text,
				Anchor:  Slugify(text),
			})
			continue
		}

		if strings.TrimSpace(line) == "" {
			flushParagraph()
			continue
		}

		if len(paraLines) == 0 {
			paraPath = currentPath
		}
		paraLines = append(paraLines, line)
	}
	flushParagraph()

	doc.Links = extractLinks(lines)
	doc.Title = deriveTitle(doc.Frontmatter, doc.Headings)
	doc.Tags = fm.StringList("tags")
	doc.Concepts = deriveConcepts(doc.Frontmatter, body, doc.Headings)
	doc.Summary = deriveSummary(doc.Frontmatter, doc.Title, doc.Headings, doc.Chunks)
	doc.TokenEstimate = CountTokens(body)

	return doc
}

// splitFrontmatter separates a leading frontmatter block from the body.
// The block starts with a line equal to "---" at the top of the file and
// ends at the next such line. Without a closing fence the whole text is
// body.
func splitFrontmatter(text string) (body string, fm Frontmatter) {
	fm = Frontmatter{}
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimRight(lines[0], "\r") != "---" {
		return text, fm
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimRight(lines[i], "\r") == "---" {
			fm = parseFrontmatterLines(lines[1:i])
			return strings.Join(lines[i+1:], "\n"), fm
		}
	}
	return text, fm
}

// splitLongParagraph keeps short paragraphs verbatim and splits longer
// ones into MaxChunkWords windows. Original whitespace survives only in
// the unsplit case.
func splitLongParagraph(raw string) []string {
	words := strings.Fields(raw)
	if len(words) <= MaxChunkWords {
		return []string{raw}
	}
	var parts []string
	for start := 0; start < len(words); start += MaxChunkWords {
		end := start + MaxChunkWords
		if end > len(words) {
			end = len(words)
		}
		parts = append(parts, strings.Join(words[start:end], " "))
	}
	return parts
}

// extractLinks walks lines tracking the nearest heading anchor, collecting
// inline links and bare autolinks in document order.
func extractLinks(lines []string) []Link {
	var links []Link
	anchor := ""
	for _, line := range lines {
		if m := headingPattern.FindStringSubmatch(line); m != nil {
			anchor = Slugify(strings.TrimSpace(m[2]))
			continue
		}
		for _, m := range inlineLinkRe.FindAllStringSubmatch(line, -1) {
			target := strings.TrimSpace(m[1])
			links = append(links, Link{
				Target:       target,
				IsExternal:   externalRe.MatchString(target),
				SourceAnchor: anchor,
			})
		}
		for _, m := range autolinkRe.FindAllStringSubmatch(line, -1) {
			links = append(links, Link{
				Target:       m[1],
				IsExternal:   true,
				SourceAnchor: anchor,
			})
		}
	}
	return links
}

func deriveTitle(fm Frontmatter, headings []Heading) string {
	if t := fm.String("title"); t != "" {
		return t
	}
	if len(headings) > 0 {
		return headings[0].Text
	}
	return "Untitled"
}

// deriveSummary builds "{title}. Covers: {h2 list}. {first paragraph}"
// when frontmatter does not declare one, truncated to maxSummaryTokens.
func deriveSummary(fm Frontmatter, title string, headings []Heading, chunks []Chunk) string {
	if s := fm.String("summary"); s != "" {
		return TruncateTokens(s, maxSummaryTokens)
	}

	var parts []string
	parts = append(parts, title+".")

	var h2s []string
	for _, h := range headings {
		if h.Level == 2 {
			h2s = append(h2s, h.Text)
		}
	}
	if len(h2s) > 0 {
		parts = append(parts, "Covers: "+strings.Join(h2s, ", ")+".")
	}
	if len(chunks) > 0 {
		parts = append(parts, strings.TrimSpace(chunks[0].Content))
	}
	return TruncateTokens(strings.Join(parts, " "), maxSummaryTokens)
}

// deriveConcepts prefers the frontmatter list; otherwise extracts the
// top terms by frequency, counting heading words twice.
func deriveConcepts(fm Frontmatter, body string, headings []Heading) []string {
	if declared := fm.StringList("concepts"); len(declared) > 0 {
		out := make([]string, len(declared))
		for i, c := range declared {
			out[i] = strings.ToLower(c)
		}
		return out
	}

	counts := map[string]int{}
	for _, tok := range Tokens(body) {
		if _, stop := stopwords[tok]; stop {
			continue
		}
		counts[tok]++
	}
	for _, h := range headings {
		for _, tok := range Tokens(h.Text) {
			if _, stop := stopwords[tok]; stop {
				continue
			}
			counts[tok]++ // heading occurrence counts double
		}
	}

	terms := make([]string, 0, len(counts))
	for t := range counts {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > maxConcepts {
		terms = terms[:maxConcepts]
	}
	return terms
}

// Slugify converts heading text into an anchor: lowercase, drop
// characters outside [a-z0-9 -], collapse whitespace and dash runs into
// single dashes, trim leading/trailing dashes.
func Slugify(text string) string {
	s := strings.ToLower(text)
	s = slugStripRe.ReplaceAllString(s, "")
	s = slugSpaceRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// Tokens returns the lowercased word tokens of text. A token is a letter
// followed by at least two letters, digits, underscores, or dashes.
func Tokens(text string) []string {
	matches := wordRe.FindAllString(text, -1)
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = strings.ToLower(m)
	}
	return out
}

// CountTokens counts whitespace-separated tokens. Used for all token
// budgeting; it is not a model tokenizer.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}

// TruncateTokens cuts text to at most n whitespace-separated tokens.
func TruncateTokens(text string, n int) string {
	fields := strings.Fields(text)
	if len(fields) <= n {
		return strings.TrimSpace(text)
	}
	return strings.Join(fields[:n], " ")
}

func hashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
