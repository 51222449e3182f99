package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdkeeper/mdkeeper/internal/embed"
	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
	"github.com/mdkeeper/mdkeeper/internal/parser"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "index.db"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

const guideMarkdown = `---
title: Deployment Guide
tags: kubernetes, helm
---
# Deployment Guide

Intro paragraph about shipping services.

## Prerequisites

Install [kubectl](https://kubernetes.io/tools) and read [notes](./notes.md).

## Steps

Apply the manifests with kubectl apply.
`

func ingestGuide(t *testing.T, s *Store, path string) int64 {
	t.Helper()
	doc := parser.Parse(guideMarkdown)
	id, err := s.UpsertDocument(context.Background(), path, "guides", doc, embed.NewHashEmbedder(0))
	require.NoError(t, err)
	return id
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")

	s, err := Open(path, Options{})
	require.NoError(t, err)
	ingestGuide(t, s, "/docs/guide.md")
	require.NoError(t, s.Close())

	// Reopening migrates again without destroying data.
	s2, err := Open(path, Options{})
	require.NoError(t, err)
	defer s2.Close()

	docs, err := s2.ListDocuments(context.Background())
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestSecondWriterConflicts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")

	s1, err := Open(path, Options{})
	require.NoError(t, err)
	defer s1.Close()

	_, err = Open(path, Options{})
	require.Error(t, err)
	assert.True(t, mkerrors.Is(err, mkerrors.KindInvalid))

	// A read-only open coexists with the writer.
	ro, err := Open(path, Options{ReadOnly: true})
	require.NoError(t, err)
	ro.Close()
}

func TestUpsertAndGetDocument(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := ingestGuide(t, s, "/docs/guide.md")

	d, err := s.GetDocument(ctx, id, ContentOptions{})
	require.NoError(t, err)

	assert.Equal(t, "/docs/guide.md", d.Path)
	assert.Equal(t, "Deployment Guide", d.Title)
	assert.Equal(t, "guides", d.Category)
	assert.Equal(t, []string{"helm", "kubernetes"}, d.Tags)
	assert.NotEmpty(t, d.Concepts)
	require.Len(t, d.Headings, 3)
	assert.Equal(t, "deployment-guide", d.Headings[0].Anchor)
	require.Len(t, d.Links, 2)
	assert.Equal(t, LinkUnknown, d.Links[0].Status)
	assert.Empty(t, d.Content)
	assert.False(t, d.UpdatedAt.Before(d.CreatedAt))
}

func TestGetDocumentNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetDocument(context.Background(), 42, ContentOptions{})
	require.Error(t, err)
	assert.True(t, mkerrors.IsNotFound(err))
}

func TestDocumentBodyKeepsHeadingLines(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := ingestGuide(t, s, "/docs/guide.md")

	body, err := s.DocumentBody(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, body, "# Deployment Guide")
	assert.NotContains(t, body, "tags:", "frontmatter is stripped from the body")

	_, err = s.DocumentBody(ctx, 9999)
	require.Error(t, err)
	assert.True(t, mkerrors.IsNotFound(err))
}

func TestUnchangedContentTouchesOnlyUpdatedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := ingestGuide(t, s, "/docs/guide.md")
	before, err := s.GetDocument(ctx, id, ContentOptions{})
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond) // RFC3339 second resolution
	again := ingestGuide(t, s, "/docs/guide.md")
	assert.Equal(t, id, again)

	after, err := s.GetDocument(ctx, id, ContentOptions{})
	require.NoError(t, err)
	assert.Equal(t, before.ContentHash, after.ContentHash)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Documents)
}

func TestBackendChangeForcesRegeneration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := parser.Parse(guideMarkdown)
	id, err := s.UpsertDocument(ctx, "/docs/guide.md", "", doc, embed.NewHashEmbedder(32))
	require.NoError(t, err)

	// Same bytes, different backend: vectors must be regenerated.
	_, err = s.UpsertDocument(ctx, "/docs/guide.md", "", doc, embed.NewHashEmbedder(64))
	require.NoError(t, err)

	vec, backend, err := s.DocumentVector(ctx, id)
	require.NoError(t, err)
	assert.Len(t, vec, 64)
	assert.Equal(t, "hash-v1", backend)
}

func TestDeleteByPathCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := ingestGuide(t, s, "/docs/guide.md")

	existed, err := s.DeleteByPath(ctx, "/docs/guide.md")
	require.NoError(t, err)
	assert.True(t, existed)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Documents)
	assert.Zero(t, st.Headings)
	assert.Zero(t, st.Links)
	assert.Zero(t, st.Chunks)
	assert.Zero(t, st.Coverage.DocumentsWithVectors)
	assert.Zero(t, st.Coverage.ChunksWithVectors)

	_, _, err = s.DocumentVector(ctx, id)
	assert.True(t, mkerrors.IsNotFound(err))

	existed, err = s.DeleteByPath(ctx, "/docs/guide.md")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestMutationsFlushQueryCache(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ingestGuide(t, s, "/docs/a.md")

	require.NoError(t, s.StoreCache(ctx, "somehash", []int64{1, 2}))
	n, err := s.CacheSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ingestGuide(t, s, "/docs/b.md")
	n, err = s.CacheSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "upsert must flush the cache")

	require.NoError(t, s.StoreCache(ctx, "somehash", []int64{1}))
	_, err = s.DeleteByPath(ctx, "/docs/b.md")
	require.NoError(t, err)
	n, err = s.CacheSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "delete must flush the cache")
}

func TestCacheTTLAndHitCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreCache(ctx, "h1", []int64{3, 1, 2}))

	ids, hit, err := s.LookupCache(ctx, "h1", time.Hour)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []int64{3, 1, 2}, ids)

	entry, err := s.CacheEntryFor(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.HitCount)

	// Expired entries are not returned and get evicted on access.
	_, hit, err = s.LookupCache(ctx, "h1", 0)
	require.NoError(t, err)
	assert.False(t, hit)
	n, err := s.CacheSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, hit, err = s.LookupCache(ctx, "absent", time.Hour)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestEmbeddingDimensionsAndNorm(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := ingestGuide(t, s, "/docs/guide.md")

	vec, backend, err := s.DocumentVector(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, embed.HashBackendID, backend)
	assert.Len(t, vec, embed.DefaultHashDimensions)

	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 2e-3)

	chunkVecs, err := s.ChunkVectorsFor(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, chunkVecs)
	for _, cv := range chunkVecs {
		assert.Len(t, cv, embed.DefaultHashDimensions)
	}
}

func TestAssembleContentSectionFilterAndBudget(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := ingestGuide(t, s, "/docs/guide.md")

	full, err := s.AssembleContent(ctx, id, ContentOptions{IncludeContent: true})
	require.NoError(t, err)
	assert.Contains(t, full, "Intro paragraph")
	assert.Contains(t, full, "Apply the manifests")

	steps, err := s.AssembleContent(ctx, id, ContentOptions{IncludeContent: true, Section: "steps"})
	require.NoError(t, err)
	assert.Contains(t, steps, "Apply the manifests")
	assert.NotContains(t, steps, "Intro paragraph")
	assert.NotContains(t, steps, "Install")

	budgeted, err := s.AssembleContent(ctx, id, ContentOptions{IncludeContent: true, MaxTokens: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, parser.CountTokens(budgeted))
}

func TestListByConcept(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ingestGuide(t, s, "/docs/guide.md")

	docs, err := s.ListByConcept(ctx, "KUBECTL", 10)
	require.NoError(t, err)
	require.NotEmpty(t, docs, "concept matching is case-folded")
	assert.Equal(t, "/docs/guide.md", docs[0].Path)

	none, err := s.ListByConcept(ctx, "nonexistent-concept", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRegenerateEmbeddings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := parser.Parse(guideMarkdown)
	id, err := s.UpsertDocument(ctx, "/docs/guide.md", "", doc, nil) // no vectors yet
	require.NoError(t, err)

	cov, err := s.EmbeddingCoverage(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, cov.DocumentsWithVectors)

	n, err := s.RegenerateEmbeddings(ctx, embed.NewHashEmbedder(0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	vec, _, err := s.DocumentVector(ctx, id)
	require.NoError(t, err)
	assert.Len(t, vec, embed.DefaultHashDimensions)

	cov, err = s.EmbeddingCoverage(ctx, embed.HashBackendID)
	require.NoError(t, err)
	assert.Equal(t, 1, cov.DocumentsWithVectors)
	assert.Equal(t, cov.Chunks, cov.ChunksWithVectors)
	assert.Empty(t, cov.StaleAgainstBackendID)
}

func TestSetLinkStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ingestGuide(t, s, "/docs/guide.md")

	links, paths, err := s.AllLinks(ctx)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, "/docs/guide.md", paths[links[0].DocumentID])

	require.NoError(t, s.SetLinkStatus(ctx, links[1].ID, LinkBroken))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.BrokenLinks)
}

func TestStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, err := s.GetState(ctx, "poll_snapshot")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetState(ctx, "poll_snapshot", `{"a":1}`))
	require.NoError(t, s.SetState(ctx, "poll_snapshot", `{"a":2}`))

	v, err = s.GetState(ctx, "poll_snapshot")
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, v)
}

func TestHealthReportFlagsMissingVectors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := parser.Parse(guideMarkdown)
	_, err := s.UpsertDocument(ctx, "/docs/guide.md", "", doc, nil)
	require.NoError(t, err)

	report, err := s.HealthReport(ctx)
	require.NoError(t, err)
	assert.True(t, report.DatabaseOK)
	assert.NotEmpty(t, report.Issues)
}
