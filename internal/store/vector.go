package store

import (
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/mdkeeper/mdkeeper/internal/embed"
	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
)

// VectorIndex is the candidate generator over document vectors. Both
// implementations accept unit-norm vectors and return document ids best
// match first; the retriever rescores candidates with the full hybrid
// formula, so implementations only need to agree on the candidate set
// up to the cutoff.
type VectorIndex interface {
	// Build replaces the index content with the given vectors.
	Build(vectors []DocVector) error

	// Add inserts or replaces one document vector.
	Add(id int64, vec []float32) error

	// Delete removes a document. Unknown ids are a no-op.
	Delete(id int64)

	// Search returns up to k candidate document ids, best first.
	Search(query []float32, k int) []int64

	// Save persists the index to the sidecar path.
	Save(path string) error

	// Len is the number of indexed documents.
	Len() int
}

// bruteMeta is the JSON fallback sidecar layout, also used as the meta
// file of the graph-backed index (without embeddings).
type bruteMeta struct {
	IDMap      []int64     `json:"id_map"`
	Dimensions int         `json:"dimensions"`
	Embeddings [][]float32 `json:"embeddings,omitempty"`
}

// BruteIndex is the exhaustive-scan fallback. It is exact, needs no
// extra dependency at load time, and persists as a single JSON file.
type BruteIndex struct {
	mu         sync.RWMutex
	dimensions int
	ids        []int64
	vectors    map[int64][]float32
}

// NewBruteIndex creates an empty exhaustive index.
func NewBruteIndex(dimensions int) *BruteIndex {
	return &BruteIndex{dimensions: dimensions, vectors: map[int64][]float32{}}
}

func (b *BruteIndex) Build(vectors []DocVector) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ids = b.ids[:0]
	b.vectors = make(map[int64][]float32, len(vectors))
	for _, dv := range vectors {
		if err := b.checkDim(dv.Vector); err != nil {
			return err
		}
		b.ids = append(b.ids, dv.DocID)
		b.vectors[dv.DocID] = dv.Vector
	}
	return nil
}

func (b *BruteIndex) Add(id int64, vec []float32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkDim(vec); err != nil {
		return err
	}
	if _, exists := b.vectors[id]; !exists {
		b.ids = append(b.ids, id)
	}
	b.vectors[id] = vec
	return nil
}

func (b *BruteIndex) Delete(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.vectors[id]; !exists {
		return
	}
	delete(b.vectors, id)
	for i, existing := range b.ids {
		if existing == id {
			b.ids = append(b.ids[:i], b.ids[i+1:]...)
			break
		}
	}
}

func (b *BruteIndex) Search(query []float32, k int) []int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	type scored struct {
		id  int64
		sim float64
	}
	results := make([]scored, 0, len(b.ids))
	for _, id := range b.ids {
		results = append(results, scored{id: id, sim: embed.Cosine(query, b.vectors[id])})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].sim != results[j].sim {
			return results[i].sim > results[j].sim
		}
		return results[i].id < results[j].id
	})
	if k > len(results) {
		k = len(results)
	}
	out := make([]int64, k)
	for i := 0; i < k; i++ {
		out[i] = results[i].id
	}
	return out
}

// Save writes the JSON fallback sidecar atomically.
func (b *BruteIndex) Save(path string) error {
	const op = "store.BruteIndex.Save"

	b.mu.RLock()
	meta := bruteMeta{IDMap: append([]int64{}, b.ids...), Dimensions: b.dimensions}
	for _, id := range meta.IDMap {
		meta.Embeddings = append(meta.Embeddings, b.vectors[id])
	}
	b.mu.RUnlock()

	data, err := json.Marshal(meta)
	if err != nil {
		return mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	return atomicWrite(path, data)
}

func (b *BruteIndex) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ids)
}

func (b *BruteIndex) checkDim(vec []float32) error {
	if b.dimensions > 0 && len(vec) != b.dimensions {
		return mkerrors.Newf(mkerrors.KindBackend, "store.BruteIndex",
			"vector dimension %d does not match index dimension %d", len(vec), b.dimensions)
	}
	return nil
}

// atomicWrite lands data at path via a temp file and rename so readers
// never observe a half-written sidecar.
func atomicWrite(path string, data []byte) error {
	const op = "store.atomicWrite"

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	return nil
}
