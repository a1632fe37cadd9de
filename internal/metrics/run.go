package metrics

import (
	"io"
	"time"
)

// RunSample is the outcome of one variation run, flattened for emission.
type RunSample struct {
	RunID     string
	Source    string
	Category  string
	Level     string
	Requested int
	Succeeded int
	Failed    int
	Attempts  int
	FromCache bool
	Duration  time.Duration
}

// EmitRun writes one EMF document describing s to w.
func EmitRun(w io.Writer, s RunSample) error {
	cacheHit := 0.0
	if s.FromCache {
		cacheHit = 1
	}
	return New(Namespace).
		Output(w).
		Dimension("Category", s.Category).
		Dimension("Level", s.Level).
		Metric("VariationsRequested", float64(s.Requested), UnitCount).
		Metric("VariationsSucceeded", float64(s.Succeeded), UnitCount).
		Metric("VariationsFailed", float64(s.Failed), UnitCount).
		Metric("Attempts", float64(s.Attempts), UnitCount).
		Metric("CacheHit", cacheHit, UnitCount).
		Metric("RunMs", float64(s.Duration.Milliseconds()), UnitMilliseconds).
		Property("runId", s.RunID).
		Property("source", s.Source).
		Flush()
}
