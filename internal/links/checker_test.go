package links

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdkeeper/mdkeeper/internal/embed"
	"github.com/mdkeeper/mdkeeper/internal/parser"
	"github.com/mdkeeper/mdkeeper/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "index.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ingestMarkdown(t *testing.T, s *store.Store, path, markdown string) {
	t.Helper()
	_, err := s.UpsertDocument(context.Background(), path, "", parser.Parse(markdown), embed.NewHashEmbedder(0))
	require.NoError(t, err)
}

func TestInternalLinksResolveAgainstSourceDir(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.md"), []byte("# Other\n"), 0o644))

	doc := filepath.Join(dir, "doc.md")
	ingestMarkdown(t, s, doc, "# Doc\n\nSee [other](other.md), [missing](gone.md), and [local](#setup).\n")

	report, err := New(s, nil).CheckAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 2, report.OK, "existing file and pure anchor are ok")
	assert.Equal(t, 1, report.Broken)
	require.Len(t, report.Details, 1)
	assert.Equal(t, "gone.md", report.Details[0].Target)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.BrokenLinks)
}

func TestFragmentOnTargetIsIgnoredWhenResolving(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ref.md"), []byte("# Ref\n"), 0o644))
	ingestMarkdown(t, s, filepath.Join(dir, "doc.md"), "# Doc\n\n[section](ref.md#usage)\n")

	report, err := New(s, nil).CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.OK)
	assert.Zero(t, report.Broken)
}

func TestExternalLinksSkippedByDefault(t *testing.T) {
	s := newTestStore(t)
	ingestMarkdown(t, s, "/docs/doc.md", "# Doc\n\n[site](https://example.invalid/page)\n")

	report, err := New(s, nil).CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Checked)
}

func TestExternalHeadThenGetOn405(t *testing.T) {
	var heads, gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			heads.Add(1)
			w.WriteHeader(http.StatusMethodNotAllowed)
		case http.MethodGet:
			gets.Add(1)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	s := newTestStore(t)
	ingestMarkdown(t, s, "/docs/doc.md", "# Doc\n\n[api]("+srv.URL+"/api)\n")

	c := New(s, nil, WithExternal(), WithHTTPClient(srv.Client()), WithMinDelay(time.Millisecond))
	report, err := c.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.OK)
	assert.Equal(t, int32(1), heads.Load())
	assert.Equal(t, int32(1), gets.Load())
}

func TestExternalErrorStatusIsBroken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := newTestStore(t)
	ingestMarkdown(t, s, "/docs/doc.md", "# Doc\n\n[dead]("+srv.URL+"/dead)\n")

	c := New(s, nil, WithExternal(), WithHTTPClient(srv.Client()), WithMinDelay(time.Millisecond))
	report, err := c.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Broken)
}

func TestPerDomainRateLimitSpacesRequests(t *testing.T) {
	var stamps []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		stamps = append(stamps, time.Now())
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestStore(t)
	ingestMarkdown(t, s, "/docs/doc.md",
		"# Doc\n\n[one]("+srv.URL+"/one) and [two]("+srv.URL+"/two)\n")

	const delay = 150 * time.Millisecond
	c := New(s, nil, WithExternal(), WithHTTPClient(srv.Client()), WithMinDelay(delay))
	report, err := c.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.OK)

	require.Len(t, stamps, 2)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), delay-10*time.Millisecond)
}
