package retriever

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"time"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
)

// EvalCase is one labeled query: the paths a good retriever should
// surface for it.
type EvalCase struct {
	Query         string   `json:"query"`
	ExpectedPaths []string `json:"expected_paths"`
}

// LoadCases reads an evaluation case file (a JSON array of EvalCase).
func LoadCases(path string) ([]EvalCase, error) {
	const op = "retriever.LoadCases"

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindInvalid, op, err)
	}
	var cases []EvalCase
	if err := json.Unmarshal(raw, &cases); err != nil {
		return nil, mkerrors.Wrapf(mkerrors.KindInvalid, op, err, "parse %s", path)
	}
	return cases, nil
}

// EvalReport aggregates retrieval quality over a case set.
type EvalReport struct {
	Cases     int     `json:"cases"`
	K         int     `json:"k"`
	Hits      int     `json:"hits"`
	RecallAtK float64 `json:"recall_at_k"`
	MRR       float64 `json:"mrr"`
}

// Evaluate runs every case at limit k and reports recall@k and mean
// reciprocal rank against the expected paths.
func (r *Retriever) Evaluate(ctx context.Context, cases []EvalCase, k int) (EvalReport, error) {
	if k <= 0 {
		k = DefaultLimit
	}
	report := EvalReport{Cases: len(cases), K: k}
	if len(cases) == 0 {
		return report, nil
	}

	var reciprocalSum float64
	for _, c := range cases {
		resp, err := r.Search(ctx, Request{Query: c.Query, Limit: k})
		if err != nil {
			return report, err
		}
		expected := make(map[string]struct{}, len(c.ExpectedPaths))
		for _, p := range c.ExpectedPaths {
			expected[p] = struct{}{}
		}
		for rank, res := range resp.Results {
			if _, ok := expected[res.Document.Path]; ok {
				report.Hits++
				reciprocalSum += 1.0 / float64(rank+1)
				break
			}
		}
	}
	report.RecallAtK = float64(report.Hits) / float64(len(cases))
	report.MRR = reciprocalSum / float64(len(cases))
	return report, nil
}

// BenchReport summarizes search latency over repeated runs.
type BenchReport struct {
	Iterations int           `json:"iterations"`
	Queries    int           `json:"queries"`
	P50        time.Duration `json:"p50_ns"`
	P95        time.Duration `json:"p95_ns"`
}

// Benchmark runs the case queries round-robin for the given number of
// iterations and reports p50/p95 latency. The cache is exercised as
// configured, so repeated iterations measure warm behavior.
func (r *Retriever) Benchmark(ctx context.Context, cases []EvalCase, k, iterations int) (BenchReport, error) {
	const op = "retriever.Benchmark"

	if len(cases) == 0 {
		return BenchReport{}, mkerrors.New(mkerrors.KindInvalid, op, "no benchmark cases")
	}
	if k <= 0 {
		k = DefaultLimit
	}
	if iterations <= 0 {
		iterations = 10
	}

	latencies := make([]time.Duration, 0, iterations*len(cases))
	for i := 0; i < iterations; i++ {
		for _, c := range cases {
			start := time.Now()
			if _, err := r.Search(ctx, Request{Query: c.Query, Limit: k}); err != nil {
				return BenchReport{}, err
			}
			latencies = append(latencies, time.Since(start))
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	return BenchReport{
		Iterations: iterations,
		Queries:    len(cases),
		P50:        latencies[len(latencies)*50/100],
		P95:        latencies[min(len(latencies)-1, len(latencies)*95/100)],
	}, nil
}
