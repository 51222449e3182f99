package store

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"github.com/coder/hnsw"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
)

// HNSWIndex is the approximate-nearest-neighbor candidate generator.
// Document ids are used directly as graph keys. The graph persists to
// the sidecar file with a JSON meta file alongside carrying the id map
// and dimensions.
type HNSWIndex struct {
	mu         sync.RWMutex
	graph      *hnsw.Graph[uint64]
	dimensions int
	present    map[int64]struct{}
}

// NewHNSWIndex creates an empty graph index for unit-norm vectors.
func NewHNSWIndex(dimensions int) *HNSWIndex {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	return &HNSWIndex{graph: g, dimensions: dimensions, present: map[int64]struct{}{}}
}

func (h *HNSWIndex) Build(vectors []DocVector) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	h.graph = g
	h.present = make(map[int64]struct{}, len(vectors))

	for _, dv := range vectors {
		if err := h.checkDim(dv.Vector); err != nil {
			return err
		}
		h.graph.Add(hnsw.MakeNode(uint64(dv.DocID), dv.Vector))
		h.present[dv.DocID] = struct{}{}
	}
	return nil
}

func (h *HNSWIndex) Add(id int64, vec []float32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkDim(vec); err != nil {
		return err
	}
	// Replace means delete-then-add; Graph.Add does not overwrite.
	if _, exists := h.present[id]; exists {
		h.graph.Delete(uint64(id))
	}
	h.graph.Add(hnsw.MakeNode(uint64(id), vec))
	h.present[id] = struct{}{}
	return nil
}

func (h *HNSWIndex) Delete(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.present[id]; !exists {
		return
	}
	h.graph.Delete(uint64(id))
	delete(h.present, id)
}

func (h *HNSWIndex) Search(query []float32, k int) []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	nodes := h.graph.Search(query, k)
	out := make([]int64, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, int64(n.Key))
	}
	return out
}

// Save exports the graph to path and the id map to path+".meta.json",
// both atomically.
func (h *HNSWIndex) Save(path string) error {
	const op = "store.HNSWIndex.Save"

	h.mu.RLock()
	defer h.mu.RUnlock()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	w := bufio.NewWriter(f)
	if err := h.graph.Export(w); err != nil {
		f.Close()
		os.Remove(tmp)
		return mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}

	ids := make([]int64, 0, len(h.present))
	for id := range h.present {
		ids = append(ids, id)
	}
	meta, err := json.Marshal(bruteMeta{IDMap: ids, Dimensions: h.dimensions})
	if err != nil {
		return mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	return atomicWrite(path+".meta.json", meta)
}

func (h *HNSWIndex) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.present)
}

func (h *HNSWIndex) checkDim(vec []float32) error {
	if h.dimensions > 0 && len(vec) != h.dimensions {
		return mkerrors.Newf(mkerrors.KindBackend, "store.HNSWIndex",
			"vector dimension %d does not match index dimension %d", len(vec), h.dimensions)
	}
	return nil
}

// LoadIndex restores a persisted sidecar. A meta file next to the path
// marks a graph export; otherwise the path itself must be the JSON
// fallback. Dimension mismatches against expectDims are corruption:
// the caller should rebuild from the embeddings table.
func LoadIndex(path string, expectDims int) (VectorIndex, error) {
	const op = "store.LoadIndex"

	metaData, metaErr := os.ReadFile(path + ".meta.json")
	if metaErr == nil {
		var meta bruteMeta
		if err := json.Unmarshal(metaData, &meta); err != nil {
			return nil, mkerrors.Wrap(mkerrors.KindCorrupt, op, err)
		}
		if expectDims > 0 && meta.Dimensions != expectDims {
			return nil, mkerrors.Newf(mkerrors.KindCorrupt, op,
				"sidecar dimensions %d do not match active backend dimensions %d; regenerate embeddings",
				meta.Dimensions, expectDims)
		}

		f, err := os.Open(path)
		if err != nil {
			return nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
		}
		defer f.Close()

		idx := NewHNSWIndex(meta.Dimensions)
		// Import requires an io.ByteReader.
		if err := idx.graph.Import(bufio.NewReader(f)); err != nil {
			return nil, mkerrors.Wrap(mkerrors.KindCorrupt, op, err)
		}
		for _, id := range meta.IDMap {
			idx.present[id] = struct{}{}
		}
		return idx, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindNotFound, op, err)
	}
	var meta bruteMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindCorrupt, op, err)
	}
	if expectDims > 0 && meta.Dimensions != expectDims {
		return nil, mkerrors.Newf(mkerrors.KindCorrupt, op,
			"sidecar dimensions %d do not match active backend dimensions %d; regenerate embeddings",
			meta.Dimensions, expectDims)
	}
	if len(meta.IDMap) != len(meta.Embeddings) {
		return nil, mkerrors.Newf(mkerrors.KindCorrupt, op,
			"sidecar id map has %d entries but %d embeddings", len(meta.IDMap), len(meta.Embeddings))
	}

	idx := NewBruteIndex(meta.Dimensions)
	for i, id := range meta.IDMap {
		if err := idx.Add(id, meta.Embeddings[i]); err != nil {
			return nil, err
		}
	}
	return idx, nil
}
