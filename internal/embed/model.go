package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
)

// DefaultModelName is the sentence-embedding model assumed when the
// config does not name one.
const DefaultModelName = "all-MiniLM-L6-v2"

// DefaultEndpoint is the local inference server spoken to by the model
// backend (Ollama-compatible API).
const DefaultEndpoint = "http://localhost:11434"

const (
	availabilityTimeout = 2 * time.Second
	embedTimeout        = 60 * time.Second
)

// ModelEmbedder talks to a local embedding endpoint over HTTP. Vectors
// are normalized client-side so downstream cosine math can assume unit
// norm regardless of server behavior.
type ModelEmbedder struct {
	endpoint string
	model    string
	client   *http.Client

	mu         sync.Mutex
	dimensions int // detected on first embed, 0 until then
}

// ModelOption customizes a ModelEmbedder.
type ModelOption func(*ModelEmbedder)

// WithEndpoint overrides the inference server URL.
func WithEndpoint(url string) ModelOption {
	return func(m *ModelEmbedder) { m.endpoint = strings.TrimRight(url, "/") }
}

// NewModelEmbedder creates a model backend for the named model. The
// connection is pooled; request deadlines come from per-call contexts
// rather than a client-wide timeout.
func NewModelEmbedder(model string, opts ...ModelOption) *ModelEmbedder {
	if model == "" {
		model = DefaultModelName
	}
	m := &ModelEmbedder{
		endpoint: DefaultEndpoint,
		model:    model,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed embeds a single text.
func (m *ModelEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch sends one request for all texts and normalizes each result.
func (m *ModelEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	const op = "embed.ModelEmbedder.EmbedBatch"

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{Model: m.model, Input: texts})
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindBackend, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindBackend, op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindBackend, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, mkerrors.Newf(mkerrors.KindBackend, op, "endpoint returned %s", resp.Status)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindBackend, op, err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, mkerrors.Newf(mkerrors.KindBackend, op,
			"expected %d embeddings, got %d", len(texts), len(parsed.Embeddings))
	}

	for _, vec := range parsed.Embeddings {
		normalizeVector(vec)
	}

	m.mu.Lock()
	if m.dimensions == 0 && len(parsed.Embeddings[0]) > 0 {
		m.dimensions = len(parsed.Embeddings[0])
	}
	m.mu.Unlock()

	return parsed.Embeddings, nil
}

// Dimensions returns the detected vector length, probing the endpoint
// once if no embed has happened yet. Returns 0 when the backend is
// unreachable.
func (m *ModelEmbedder) Dimensions() int {
	m.mu.Lock()
	dims := m.dimensions
	m.mu.Unlock()
	if dims > 0 {
		return dims
	}

	ctx, cancel := context.WithTimeout(context.Background(), availabilityTimeout)
	defer cancel()
	vec, err := m.Embed(ctx, "dimension probe")
	if err != nil {
		return 0
	}
	return len(vec)
}

// BackendID returns "model:<name>".
func (m *ModelEmbedder) BackendID() string {
	return fmt.Sprintf("model:%s", m.model)
}

// Available checks that the endpoint answers and serves the configured
// model.
func (m *ModelEmbedder) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, availabilityTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false
	}
	for _, model := range tags.Models {
		if model.Name == m.model || strings.TrimSuffix(model.Name, ":latest") == m.model {
			return true
		}
	}
	return false
}

// Close shuts down pooled connections.
func (m *ModelEmbedder) Close() error {
	m.client.CloseIdleConnections()
	return nil
}
