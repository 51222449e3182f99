package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `---
title: Deployment Guide
tags: kubernetes, helm
summary: "How to ship services."
---
# Deployment Guide

Intro paragraph about shipping.

## Prerequisites

Install [kubectl](https://kubernetes.io/docs/tasks/tools/) first.
See also [the notes](./notes.md).

### Cluster access

You need a kubeconfig.

## Steps

Apply the manifests.
`

func TestParseFrontmatterFields(t *testing.T) {
	doc := Parse(sampleDoc)

	assert.Equal(t, "Deployment Guide", doc.Title)
	assert.Equal(t, "How to ship services.", doc.Summary)
	assert.Equal(t, []string{"kubernetes", "helm"}, doc.Tags)
	assert.NotContains(t, doc.Body, "title: Deployment Guide")
}

func TestParseHeadings(t *testing.T) {
	doc := Parse(sampleDoc)

	require.Len(t, doc.Headings, 4)
	assert.Equal(t, Heading{Ordinal: 0, Level: 1, Text: "Deployment Guide", Anchor: "deployment-guide"}, doc.Headings[0])
	assert.Equal(t, Heading{Ordinal: 1, Level: 2, Text: "Prerequisites", Anchor: "prerequisites"}, doc.Headings[1])
	assert.Equal(t, Heading{Ordinal: 2, Level: 3, Text: "Cluster access", Anchor: "cluster-access"}, doc.Headings[2])
	assert.Equal(t, Heading{Ordinal: 3, Level: 2, Text: "Steps", Anchor: "steps"}, doc.Headings[3])
}

func TestParseChunksCarryHeadingPath(t *testing.T) {
	doc := Parse(sampleDoc)

	paths := map[string]string{}
	for _, c := range doc.Chunks {
		paths[c.Content] = c.HeadingPath
	}

	assert.Equal(t, "Deployment Guide", paths["Intro paragraph about shipping."])
	assert.Equal(t, "Deployment Guide/Prerequisites/Cluster access", paths["You need a kubeconfig."])
	assert.Equal(t, "Deployment Guide/Steps", paths["Apply the manifests."])

	for i, c := range doc.Chunks {
		assert.Equal(t, i, c.Ordinal)
		assert.LessOrEqual(t, CountTokens(c.Content), MaxChunkWords)
	}
}

func TestParseLinks(t *testing.T) {
	doc := Parse(sampleDoc)

	require.Len(t, doc.Links, 2)
	assert.Equal(t, "https://kubernetes.io/docs/tasks/tools/", doc.Links[0].Target)
	assert.True(t, doc.Links[0].IsExternal)
	assert.Equal(t, "prerequisites", doc.Links[0].SourceAnchor)

	assert.Equal(t, "./notes.md", doc.Links[1].Target)
	assert.False(t, doc.Links[1].IsExternal)
}

func TestParseAutolink(t *testing.T) {
	doc := Parse("See <https://example.com/page> for details.")
	require.Len(t, doc.Links, 1)
	assert.Equal(t, "https://example.com/page", doc.Links[0].Target)
	assert.True(t, doc.Links[0].IsExternal)
}

func TestContentHashMatchesSHA256(t *testing.T) {
	text := "# Alpha\nkubernetes deployment guide"
	doc := Parse(text)

	sum := sha256.Sum256([]byte(text))
	assert.Equal(t, hex.EncodeToString(sum[:]), doc.ContentHash)

	// Re-parsing yields identical output.
	again := Parse(text)
	assert.Equal(t, doc, again)
}

func TestTitleFallbacks(t *testing.T) {
	assert.Equal(t, "First Heading", Parse("# First Heading\n\nbody").Title)
	assert.Equal(t, "Untitled", Parse("no headings here").Title)
}

func TestDerivedSummary(t *testing.T) {
	doc := Parse("# Guide\n\nOpening paragraph.\n\n## Setup\n\n## Usage\n\ntext")

	assert.Equal(t, "Guide. Covers: Setup, Usage. Opening paragraph.", doc.Summary)
}

func TestSummaryTruncatedToTokenBudget(t *testing.T) {
	long := strings.Repeat("word ", 400)
	doc := Parse("---\nsummary: " + long + "\n---\nbody")

	assert.Equal(t, maxSummaryTokens, CountTokens(doc.Summary))
}

func TestConceptExtractionWeighsHeadings(t *testing.T) {
	text := "# Kubernetes\n\ndeployment deployment rollout\n"
	doc := Parse(text)

	// "kubernetes" appears once in the body but as a heading word it
	// counts double, outranking the single "rollout".
	require.NotEmpty(t, doc.Concepts)
	assert.Equal(t, "deployment", doc.Concepts[0])
	idxK := indexOf(doc.Concepts, "kubernetes")
	idxR := indexOf(doc.Concepts, "rollout")
	require.GreaterOrEqual(t, idxK, 0)
	require.GreaterOrEqual(t, idxR, 0)
	assert.Less(t, idxK, idxR)
}

func TestConceptsFromFrontmatter(t *testing.T) {
	doc := Parse("---\nconcepts: Alpha, Beta\n---\nunrelated body text")
	assert.Equal(t, []string{"alpha", "beta"}, doc.Concepts)
}

func TestConceptsExcludeStopwords(t *testing.T) {
	doc := Parse("the guide for markdown and docs with this that")
	assert.Empty(t, doc.Concepts)
}

func TestLongParagraphSplitAtWordBoundary(t *testing.T) {
	para := strings.TrimSpace(strings.Repeat("alpha beta gamma ", 60)) // 180 words
	doc := Parse(para)

	require.Len(t, doc.Chunks, 2)
	assert.Equal(t, MaxChunkWords, doc.Chunks[0].TokenEstimate)
	assert.Equal(t, 180-MaxChunkWords, doc.Chunks[1].TokenEstimate)
}

func TestMalformedFrontmatterIsLenient(t *testing.T) {
	// Opening fence with no close: entire text is body.
	text := "---\ntitle: broken\n# Heading\nbody"
	doc := Parse(text)

	assert.Empty(t, doc.Frontmatter)
	assert.Equal(t, text, doc.Body)
}

func TestTokenEstimateCountsBodyWords(t *testing.T) {
	doc := Parse("---\ntitle: x\n---\none two three\n\nfour five")
	assert.Equal(t, 5, doc.TokenEstimate)
}

func TestSlugify(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Deployment Guide", "deployment-guide"},
		{"What's New?", "whats-new"},
		{"  spaced   out  ", "spaced-out"},
		{"C++ & Go!", "c-go"},
		{"already-slugged", "already-slugged"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), "input %q", tt.in)
	}
}

func TestTokens(t *testing.T) {
	got := Tokens("Kubernetes is a container-orchestration tool, v2")
	assert.Equal(t, []string{"kubernetes", "container-orchestration", "tool"}, got)
}

func TestTruncateTokens(t *testing.T) {
	assert.Equal(t, "a b c", TruncateTokens("a b c", 5))
	assert.Equal(t, "a b", TruncateTokens("a b c d", 2))
}

func TestFrontmatterValueClassification(t *testing.T) {
	doc := Parse("---\ntitle: Plain\ncount: 42\ndraft: true\ntags: [one, \"two\"]\n---\nbody")

	fm := doc.Frontmatter
	assert.Equal(t, StringValue, fm["title"].Kind)
	assert.Equal(t, IntValue, fm["count"].Kind)
	assert.Equal(t, int64(42), fm["count"].Int)
	assert.Equal(t, BoolValue, fm["draft"].Kind)
	assert.True(t, fm["draft"].Bool)
	assert.Equal(t, []string{"one", "two"}, fm.StringList("tags"))
}

func indexOf(ss []string, want string) int {
	for i, s := range ss {
		if s == want {
			return i
		}
	}
	return -1
}
