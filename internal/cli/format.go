package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/fpang/gemini-variations/internal/batch"
	"github.com/fpang/gemini-variations/internal/variation"
)

// FormatDurationShort formats a duration in a short format (M:SS or H:MM:SS).
func FormatDurationShort(d time.Duration) string {
	totalSeconds := int(d.Seconds())
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

// PrintRunSummary writes a human-readable report of one run.
func PrintRunSummary(w io.Writer, res *variation.RunResult) {
	fmt.Fprintf(w, "\nSource:     %s\n", res.Source)
	fmt.Fprintf(w, "Run ID:     %s\n", res.RunID)
	fmt.Fprintf(w, "Generated:  %d/%d", res.Successful, res.Requested)
	if res.FromCache {
		fmt.Fprint(w, " (from cache)")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Attempts:   %d (%d rejected or failed)\n", res.Attempts, res.Failed)
	fmt.Fprintf(w, "Level:      %s\n", res.Level)
	fmt.Fprintf(w, "Duration:   %s\n", FormatDurationShort(res.Duration))
	if res.Stopped {
		fmt.Fprintln(w, "Run stopped before completion")
	}

	for _, r := range res.Results {
		switch {
		case r.Success && r.Metrics != nil:
			fmt.Fprintf(w, "  ✓ %s  overall=%.2f\n", filepath.Base(r.Output), r.Metrics.Overall)
		case r.Success:
			fmt.Fprintf(w, "  ✓ %s\n", filepath.Base(r.Output))
		default:
			fmt.Fprintf(w, "  ✗ attempt %d (%s): %s\n", r.VariationID, r.Category, r.Error)
		}
	}
}

// PrintBatchSummary writes a human-readable report of a batch.
func PrintBatchSummary(w io.Writer, s *batch.Summary) {
	if len(s.Planned) > 0 {
		fmt.Fprintf(w, "\nDry run: %d image(s) would be processed, %d skipped\n", len(s.Planned), s.Skipped)
		for _, p := range s.Planned {
			fmt.Fprintf(w, "  %s\n", p)
		}
		return
	}
	fmt.Fprintf(w, "\nImages found:    %d\n", s.Total)
	fmt.Fprintf(w, "Processed:       %d\n", s.Processed)
	fmt.Fprintf(w, "Skipped:         %d\n", s.Skipped)
	fmt.Fprintf(w, "Errors:          %d\n", s.Errors)
	fmt.Fprintf(w, "Variations:      %d accepted, %d rejected or failed\n", s.Successful, s.Failed)
	fmt.Fprintf(w, "Cache hits:      %d\n", s.CacheHits)
	fmt.Fprintf(w, "Duration:        %s\n", FormatDurationShort(s.Duration))
}
