package store

import (
	"encoding/binary"
	"math"
	"time"
)

// Document is one indexed file with its structural children. Content
// is populated only when requested through ContentOptions.
type Document struct {
	ID            int64     `json:"id"`
	Path          string    `json:"path"`
	Title         string    `json:"title"`
	Summary       string    `json:"summary"`
	Category      string    `json:"category,omitempty"`
	TokenEstimate int       `json:"token_estimate"`
	ContentHash   string    `json:"content_hash"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	Headings []Heading `json:"headings,omitempty"`
	Links    []Link    `json:"links,omitempty"`
	Tags     []string  `json:"tags,omitempty"`
	Concepts []string  `json:"concepts,omitempty"`
	Content  string    `json:"content,omitempty"`
}

// Heading is one row of a document's ordered heading list.
type Heading struct {
	Ordinal int    `json:"ordinal"`
	Level   int    `json:"level"`
	Text    string `json:"text"`
	Anchor  string `json:"anchor"`
}

// Link is one link occurrence. Status starts at "unknown" on every
// upsert and moves to "ok" or "broken" when checked.
type Link struct {
	ID           int64      `json:"id"`
	DocumentID   int64      `json:"document_id"`
	SourceAnchor string     `json:"source_anchor,omitempty"`
	Target       string     `json:"target"`
	IsExternal   bool       `json:"is_external"`
	Status       string     `json:"status"`
	CheckedAt    *time.Time `json:"checked_at,omitempty"`
}

// Link status values.
const (
	LinkUnknown = "unknown"
	LinkOK      = "ok"
	LinkBroken  = "broken"
)

// ContentOptions controls body assembly in document reads.
type ContentOptions struct {
	IncludeContent bool
	// MaxTokens truncates the assembled body to at most this many
	// whitespace-separated tokens, preferring whole chunks. 0 means
	// unlimited.
	MaxTokens int
	// Section keeps only chunks whose heading path contains this
	// substring, case-insensitive.
	Section string
}

// Chunk mirrors one document_chunks row.
type Chunk struct {
	ID            int64  `json:"id"`
	DocumentID    int64  `json:"document_id"`
	Ordinal       int    `json:"ordinal"`
	HeadingPath   string `json:"heading_path"`
	Content       string `json:"content"`
	TokenEstimate int    `json:"token_estimate"`
}

// encodeVector packs float32 values little-endian for BLOB storage.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

// decodeVector unpacks a BLOB written by encodeVector.
func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
