// Package links validates stored link targets: internal targets
// against the filesystem, external targets over HTTP with a per-domain
// rate limit. Results are written back to the Store so reports and
// exit codes can count broken links.
package links

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
	"github.com/mdkeeper/mdkeeper/internal/store"
)

const (
	// requestTimeout bounds each external HTTP probe.
	requestTimeout = 3 * time.Second

	// DefaultMinDelay is the minimum spacing between requests to the
	// same domain.
	DefaultMinDelay = time.Second
)

// Checker validates links recorded in the Store.
type Checker struct {
	store         *store.Store
	client        *http.Client
	checkExternal bool
	minDelay      time.Duration
	logger        *slog.Logger

	mu          sync.Mutex
	lastRequest map[string]time.Time
}

// Option customizes a Checker.
type Option func(*Checker)

// WithExternal enables HTTP validation of external targets. Without
// it, external links keep their current status.
func WithExternal() Option {
	return func(c *Checker) { c.checkExternal = true }
}

// WithHTTPClient substitutes the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Checker) { c.client = client }
}

// WithMinDelay overrides the per-domain request spacing.
func WithMinDelay(d time.Duration) Option {
	return func(c *Checker) { c.minDelay = d }
}

// New creates a Checker.
func New(s *store.Store, logger *slog.Logger, opts ...Option) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Checker{
		store:       s,
		client:      &http.Client{},
		minDelay:    DefaultMinDelay,
		logger:      logger,
		lastRequest: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BrokenLink describes one failed target for reporting.
type BrokenLink struct {
	DocumentPath string `json:"document_path"`
	Target       string `json:"target"`
	Reason       string `json:"reason"`
}

// Report summarizes one validation run.
type Report struct {
	Checked int          `json:"checked"`
	OK      int          `json:"ok"`
	Broken  int          `json:"broken"`
	Skipped int          `json:"skipped"`
	Details []BrokenLink `json:"details,omitempty"`
}

// CheckAll validates every stored link and persists the outcome.
func (c *Checker) CheckAll(ctx context.Context) (Report, error) {
	links, docPaths, err := c.store.AllLinks(ctx)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return report, mkerrors.Wrap(mkerrors.KindRetry, "links.CheckAll", err)
		}

		if link.IsExternal && !c.checkExternal {
			report.Skipped++
			continue
		}

		ok, reason := c.checkOne(ctx, link, docPaths[link.DocumentID])
		report.Checked++
		status := store.LinkOK
		if ok {
			report.OK++
		} else {
			report.Broken++
			status = store.LinkBroken
			report.Details = append(report.Details, BrokenLink{
				DocumentPath: docPaths[link.DocumentID],
				Target:       link.Target,
				Reason:       reason,
			})
		}
		if err := c.store.SetLinkStatus(ctx, link.ID, status); err != nil {
			return report, err
		}
	}

	c.logger.Info("link check finished",
		slog.Int("checked", report.Checked),
		slog.Int("broken", report.Broken),
		slog.Int("skipped", report.Skipped))
	return report, nil
}

func (c *Checker) checkOne(ctx context.Context, link store.Link, sourcePath string) (bool, string) {
	if link.IsExternal {
		return c.checkExternalTarget(ctx, link.Target)
	}
	return checkInternalTarget(link.Target, sourcePath)
}

// checkInternalTarget resolves a relative target against the source
// document's directory. Pure fragment targets point inside the same
// document and are always fine.
func checkInternalTarget(target, sourcePath string) (bool, string) {
	if strings.HasPrefix(target, "#") {
		return true, ""
	}
	// Drop a trailing fragment; only the file part is checkable.
	if i := strings.IndexByte(target, '#'); i >= 0 {
		target = target[:i]
	}
	if target == "" {
		return true, ""
	}

	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(sourcePath), resolved)
	}
	if _, err := os.Stat(resolved); err != nil {
		return false, "file not found: " + resolved
	}
	return true, ""
}

// checkExternalTarget probes with HEAD and retries with GET when the
// server rejects HEAD outright.
func (c *Checker) checkExternalTarget(ctx context.Context, target string) (bool, string) {
	parsed, err := url.Parse(target)
	if err != nil || parsed.Host == "" {
		return false, "unparseable url"
	}
	if err := c.waitDomain(ctx, parsed.Host); err != nil {
		return false, err.Error()
	}

	status, err := c.probe(ctx, http.MethodHead, target)
	if err == nil && status == http.StatusMethodNotAllowed {
		status, err = c.probe(ctx, http.MethodGet, target)
	}
	if err != nil {
		return false, err.Error()
	}
	if status >= 400 {
		return false, "status " + http.StatusText(status)
	}
	return true, ""
}

func (c *Checker) probe(ctx context.Context, method, target string) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, target, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// waitDomain enforces the minimum inter-request spacing per domain.
func (c *Checker) waitDomain(ctx context.Context, host string) error {
	c.mu.Lock()
	last, seen := c.lastRequest[host]
	now := time.Now()
	var wait time.Duration
	if seen {
		if elapsed := now.Sub(last); elapsed < c.minDelay {
			wait = c.minDelay - elapsed
		}
	}
	c.lastRequest[host] = now.Add(wait)
	c.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
