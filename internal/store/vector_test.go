package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdkeeper/mdkeeper/internal/embed"
	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
)

func testVectors(t *testing.T) []DocVector {
	t.Helper()
	e := embed.NewHashEmbedder(32)
	texts := map[int64]string{
		1: "kubernetes deployment rollout",
		2: "postgres backup restore",
		3: "kubernetes networking ingress",
		4: "markdown writing style",
	}
	out := make([]DocVector, 0, len(texts))
	for id, text := range texts {
		vec, err := e.Embed(context.Background(), text)
		require.NoError(t, err)
		out = append(out, DocVector{DocID: id, Vector: vec, Backend: e.BackendID()})
	}
	return out
}

func queryVec(t *testing.T, text string) []float32 {
	t.Helper()
	vec, err := embed.NewHashEmbedder(32).Embed(context.Background(), text)
	require.NoError(t, err)
	return vec
}

func TestBruteAndHNSWAgreeOnTopCandidate(t *testing.T) {
	vectors := testVectors(t)
	q := queryVec(t, "kubernetes deployment")

	brute := NewBruteIndex(32)
	require.NoError(t, brute.Build(vectors))
	graph := NewHNSWIndex(32)
	require.NoError(t, graph.Build(vectors))

	bruteTop := brute.Search(q, 2)
	graphTop := graph.Search(q, 2)

	require.NotEmpty(t, bruteTop)
	require.NotEmpty(t, graphTop)
	assert.Equal(t, bruteTop[0], graphTop[0])
	assert.Equal(t, int64(1), bruteTop[0])
}

func TestBruteIndexAddDelete(t *testing.T) {
	idx := NewBruteIndex(32)
	require.NoError(t, idx.Build(testVectors(t)))
	assert.Equal(t, 4, idx.Len())

	idx.Delete(1)
	idx.Delete(1) // no-op
	assert.Equal(t, 3, idx.Len())

	got := idx.Search(queryVec(t, "kubernetes deployment"), 4)
	assert.NotContains(t, got, int64(1))

	require.NoError(t, idx.Add(5, queryVec(t, "kubernetes deployment rollout")))
	got = idx.Search(queryVec(t, "kubernetes deployment rollout"), 1)
	assert.Equal(t, []int64{5}, got)
}

func TestHNSWIndexAddReplacesExisting(t *testing.T) {
	idx := NewHNSWIndex(32)
	require.NoError(t, idx.Build(testVectors(t)))

	require.NoError(t, idx.Add(2, queryVec(t, "kubernetes deployment rollout")))
	assert.Equal(t, 4, idx.Len())

	got := idx.Search(queryVec(t, "kubernetes deployment rollout"), 2)
	assert.Contains(t, got, int64(2))
}

func TestDimensionMismatchRejected(t *testing.T) {
	idx := NewBruteIndex(32)
	err := idx.Add(1, make([]float32, 16))
	require.Error(t, err)
	assert.True(t, mkerrors.Is(err, mkerrors.KindBackend))

	graph := NewHNSWIndex(32)
	err = graph.Add(1, make([]float32, 16))
	require.Error(t, err)
	assert.True(t, mkerrors.Is(err, mkerrors.KindBackend))
}

func TestHNSWSidecarRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faiss.index")

	idx := NewHNSWIndex(32)
	require.NoError(t, idx.Build(testVectors(t)))
	require.NoError(t, idx.Save(path))

	loaded, err := LoadIndex(path, 32)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Len())

	got := loaded.Search(queryVec(t, "kubernetes deployment"), 1)
	assert.Equal(t, []int64{1}, got)
}

func TestBruteSidecarRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faiss.index")

	idx := NewBruteIndex(32)
	require.NoError(t, idx.Build(testVectors(t)))
	require.NoError(t, idx.Save(path))

	loaded, err := LoadIndex(path, 32)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Len())
	assert.IsType(t, &BruteIndex{}, loaded)

	got := loaded.Search(queryVec(t, "postgres backup"), 1)
	assert.Equal(t, []int64{2}, got)
}

func TestLoadIndexDimensionMismatchIsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faiss.index")

	idx := NewBruteIndex(32)
	require.NoError(t, idx.Build(testVectors(t)))
	require.NoError(t, idx.Save(path))

	_, err := LoadIndex(path, 384)
	require.Error(t, err)
	assert.True(t, mkerrors.Is(err, mkerrors.KindCorrupt))
}

func TestLoadIndexMissingFile(t *testing.T) {
	_, err := LoadIndex(filepath.Join(t.TempDir(), "faiss.index"), 32)
	require.Error(t, err)
	assert.True(t, mkerrors.IsNotFound(err))
}
