// Package retriever executes queries against the Store: hybrid
// vector + lexical ranking, a TTL'd persistent query cache, and
// token-budgeted content delivery. It only reads document state; its
// single write surface is the query cache.
package retriever

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mdkeeper/mdkeeper/internal/embed"
	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
	"github.com/mdkeeper/mdkeeper/internal/parser"
	"github.com/mdkeeper/mdkeeper/internal/store"
)

// Search modes.
const (
	ModeSemantic = "semantic"
	ModeLexical  = "lexical"
)

const (
	// DefaultLimit applies when a request does not bound results.
	DefaultLimit = 10

	// candidateFloor is the minimum ANN candidate set size; the set is
	// max(limit*4, candidateFloor) and the full score is recomputed
	// over it.
	candidateFloor = 50

	weightVector  = 0.45
	weightChunk   = 0.30
	weightLexical = 0.20
	weightConcept = 0.05

	// freshnessBonus is added when the document was updated in the
	// current calendar year.
	freshnessBonus = 0.05
)

// Request is one search invocation.
type Request struct {
	Query          string
	Limit          int
	Mode           string // semantic (default) or lexical
	IncludeContent bool
	MaxTokens      int
	Section        string
}

// Result is one ranked document.
type Result struct {
	Document store.Document `json:"document"`
	Score    float64        `json:"score"`
}

// Response carries the ranked results plus how they were produced.
type Response struct {
	Results []Result `json:"results"`
	// Mode is the mode that actually ranked the results; a semantic
	// request degrades to "lexical" when no embedding is usable.
	Mode   string `json:"mode"`
	Cached bool   `json:"cached"`
}

// Retriever answers search requests.
type Retriever struct {
	store    *store.Store
	embedder embed.Embedder
	index    store.VectorIndex // optional ANN candidate source

	cacheEnabled bool
	ttl          time.Duration
	logger       *slog.Logger
}

// Option customizes a Retriever.
type Option func(*Retriever)

// WithVectorIndex narrows semantic candidate generation to an ANN
// lookup instead of scanning every stored vector.
func WithVectorIndex(idx store.VectorIndex) Option {
	return func(r *Retriever) { r.index = idx }
}

// WithCache controls the persistent query cache.
func WithCache(enabled bool, ttl time.Duration) Option {
	return func(r *Retriever) {
		r.cacheEnabled = enabled
		r.ttl = ttl
	}
}

// New creates a Retriever. embedder may be nil, which forces lexical
// ranking.
func New(s *store.Store, embedder embed.Embedder, logger *slog.Logger, opts ...Option) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Retriever{
		store:        s,
		embedder:     embedder,
		cacheEnabled: true,
		ttl:          time.Hour,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Normalize canonicalizes a query: trim, collapse whitespace,
// lowercase.
func Normalize(query string) string {
	return strings.ToLower(strings.Join(strings.Fields(query), " "))
}

// QueryHash derives the cache key for a normalized query and limit.
func QueryHash(normalized string, limit int) string {
	sum := sha256.Sum256([]byte(normalized + "\x00" + strconv.Itoa(limit)))
	return hex.EncodeToString(sum[:])
}

// Search ranks documents for the request. An empty index yields an
// empty result, not an error.
func (r *Retriever) Search(ctx context.Context, req Request) (*Response, error) {
	const op = "retriever.Search"

	normalized := Normalize(req.Query)
	if normalized == "" {
		return nil, mkerrors.New(mkerrors.KindInvalid, op, "empty query")
	}
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeSemantic
	}
	if mode != ModeSemantic && mode != ModeLexical {
		return nil, mkerrors.Newf(mkerrors.KindInvalid, op, "unknown mode %q", mode)
	}

	hash := QueryHash(normalized, req.Limit)
	if r.cacheEnabled {
		if ids, hit, err := r.store.LookupCache(ctx, hash, r.ttl); err == nil && hit {
			results, loadErr := r.loadByID(ctx, ids, req)
			if loadErr != nil {
				return nil, loadErr
			}
			return &Response{Results: results, Mode: mode, Cached: true}, nil
		}
	}

	queryTokens := tokenSet(normalized)

	var (
		scored []Result
		ranked string
		err    error
	)
	if mode == ModeSemantic {
		scored, ranked, err = r.semanticRank(ctx, normalized, queryTokens, req.Limit)
	} else {
		scored, err = r.lexicalRank(ctx, queryTokens, req.Limit)
		ranked = ModeLexical
	}
	if err != nil {
		return nil, err
	}

	if r.cacheEnabled {
		ids := make([]int64, len(scored))
		for i, res := range scored {
			ids[i] = res.Document.ID
		}
		if err := r.store.StoreCache(ctx, hash, ids); err != nil {
			r.logger.Warn("query cache write failed", slog.String("error", err.Error()))
		}
	}

	if err := r.attachContent(ctx, scored, req); err != nil {
		return nil, err
	}
	return &Response{Results: scored, Mode: ranked}, nil
}

// semanticRank computes the hybrid score over the candidate set. It
// degrades to lexical when the query cannot be embedded or nothing
// scores positive.
func (r *Retriever) semanticRank(ctx context.Context, normalized string, queryTokens map[string]struct{}, limit int) ([]Result, string, error) {
	if r.embedder == nil {
		scored, err := r.lexicalRank(ctx, queryTokens, limit)
		return scored, ModeLexical, err
	}

	queryVec, err := r.embedder.Embed(ctx, normalized)
	if err != nil {
		r.logger.Warn("query embedding failed, falling back to lexical",
			slog.String("error", err.Error()))
		scored, lexErr := r.lexicalRank(ctx, queryTokens, limit)
		return scored, ModeLexical, lexErr
	}

	candidates, err := r.candidates(ctx, queryVec, limit)
	if err != nil {
		return nil, "", err
	}

	year := time.Now().UTC().Year()
	var scored []Result
	for _, cand := range candidates {
		doc, err := r.store.GetDocument(ctx, cand.id, store.ContentOptions{})
		if err != nil {
			if mkerrors.IsNotFound(err) {
				continue
			}
			return nil, "", err
		}

		sVec := clamp01(embed.Cosine(queryVec, cand.vector))
		sChunk, err := r.bestChunkSimilarity(ctx, cand.id, queryVec)
		if err != nil {
			return nil, "", err
		}
		sLex, err := r.lexicalOverlap(ctx, cand.id, queryTokens)
		if err != nil {
			return nil, "", err
		}
		sConcept := conceptMatch(queryTokens, doc.Concepts)

		score := weightVector*sVec + weightChunk*sChunk + weightLexical*sLex + weightConcept*sConcept
		if doc.UpdatedAt.Year() == year {
			score += freshnessBonus
		}
		if score <= 0 {
			continue
		}
		scored = append(scored, Result{Document: *doc, Score: score})
	}

	if len(scored) == 0 {
		// Nothing matched semantically; the query may still have exact
		// word overlap with unembedded documents.
		lexical, err := r.lexicalRank(ctx, queryTokens, limit)
		return lexical, ModeLexical, err
	}

	rank(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, ModeSemantic, nil
}

// lexicalRank scores every document by token overlap alone.
func (r *Retriever) lexicalRank(ctx context.Context, queryTokens map[string]struct{}, limit int) ([]Result, error) {
	docs, err := r.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}

	var scored []Result
	for _, doc := range docs {
		sLex, err := r.lexicalOverlap(ctx, doc.ID, queryTokens)
		if err != nil {
			return nil, err
		}
		if sLex <= 0 {
			continue
		}
		scored = append(scored, Result{Document: doc, Score: sLex})
	}

	rank(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

type candidate struct {
	id     int64
	vector []float32
}

// candidates picks which documents get the full hybrid score: an ANN
// lookup of max(limit*4, 50) when an index is wired, otherwise every
// stored vector.
func (r *Retriever) candidates(ctx context.Context, queryVec []float32, limit int) ([]candidate, error) {
	vectors, err := r.store.DocumentVectors(ctx)
	if err != nil {
		return nil, err
	}

	if r.index != nil && r.index.Len() > 0 {
		k := limit * 4
		if k < candidateFloor {
			k = candidateFloor
		}
		byID := make(map[int64][]float32, len(vectors))
		for _, dv := range vectors {
			byID[dv.DocID] = dv.Vector
		}
		var out []candidate
		for _, id := range r.index.Search(queryVec, k) {
			if vec, ok := byID[id]; ok {
				out = append(out, candidate{id: id, vector: vec})
			}
		}
		return out, nil
	}

	out := make([]candidate, 0, len(vectors))
	for _, dv := range vectors {
		out = append(out, candidate{id: dv.DocID, vector: dv.Vector})
	}
	return out, nil
}

func (r *Retriever) bestChunkSimilarity(ctx context.Context, docID int64, queryVec []float32) (float64, error) {
	chunkVecs, err := r.store.ChunkVectorsFor(ctx, docID)
	if err != nil {
		return 0, err
	}
	best := 0.0
	for _, cv := range chunkVecs {
		if sim := clamp01(embed.Cosine(queryVec, cv)); sim > best {
			best = sim
		}
	}
	return best, nil
}

// lexicalOverlap is |Q ∩ T_D| / max(|Q|, 1) over the deduped tokens of
// the document's stored full body. The full body, not the chunk set:
// heading lines never become chunks, and a term that only appears in a
// heading must still count.
func (r *Retriever) lexicalOverlap(ctx context.Context, docID int64, queryTokens map[string]struct{}) (float64, error) {
	if len(queryTokens) == 0 {
		return 0, nil
	}
	body, err := r.store.DocumentBody(ctx, docID)
	if err != nil {
		return 0, err
	}
	docTokens := tokenSet(body)
	matched := 0
	for tok := range queryTokens {
		if _, ok := docTokens[tok]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens)), nil
}

func conceptMatch(queryTokens map[string]struct{}, concepts []string) float64 {
	for _, c := range concepts {
		if _, ok := queryTokens[strings.ToLower(c)]; ok {
			return 1.0
		}
	}
	return 0.0
}

// loadByID rehydrates a cached id sequence, silently skipping ids whose
// documents were deleted after the cache entry was written.
func (r *Retriever) loadByID(ctx context.Context, ids []int64, req Request) ([]Result, error) {
	var results []Result
	for _, id := range ids {
		doc, err := r.store.GetDocument(ctx, id, store.ContentOptions{})
		if err != nil {
			if mkerrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		results = append(results, Result{Document: *doc})
	}
	if err := r.attachContent(ctx, results, req); err != nil {
		return nil, err
	}
	return results, nil
}

// attachContent fills bodies for results when requested, honoring the
// section filter and token budget.
func (r *Retriever) attachContent(ctx context.Context, results []Result, req Request) error {
	if !req.IncludeContent {
		return nil
	}
	opts := store.ContentOptions{
		IncludeContent: true,
		MaxTokens:      req.MaxTokens,
		Section:        req.Section,
	}
	for i := range results {
		content, err := r.store.AssembleContent(ctx, results[i].Document.ID, opts)
		if err != nil {
			return err
		}
		results[i].Document.Content = content
	}
	return nil
}

// rank orders by score descending, then updated_at descending, then id
// ascending.
func rank(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		ti, tj := results[i].Document.UpdatedAt, results[j].Document.UpdatedAt
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return results[i].Document.ID < results[j].Document.ID
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range parser.Tokens(text) {
		set[tok] = struct{}{}
	}
	return set
}
