// Package store persists variation run summaries.
//
// Runs use a single-table DynamoDB design: every record for a run shares the
// partition key RUN#{runId}. The META sort key holds the summary and each
// attempt result is stored under RESULT#{seq}. An optional TTL attribute
// (expiresAt) lets the table expire old runs.
package store

import (
	"context"

	"github.com/fpang/gemini-variations/internal/variation"
)

// RunStore persists run records.
//
// GetRun returns (nil, nil) when the run does not exist. PutRun performs
// full-item replacement of the summary and its results.
type RunStore interface {
	PutRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
}

// RunRecord is the persisted summary of one orchestrator run. RunID is derived
// from the partition key and Results from the RESULT# items.
type RunRecord struct {
	RunID         string            `dynamodbav:"-"`
	Source        string            `dynamodbav:"source"`
	Category      string            `dynamodbav:"category"`
	Level         string            `dynamodbav:"level"`
	Requested     int               `dynamodbav:"requested"`
	Successful    int               `dynamodbav:"successful"`
	Failed        int               `dynamodbav:"failed"`
	Attempts      int               `dynamodbav:"attempts"`
	FromCache     bool              `dynamodbav:"fromCache"`
	Stopped       bool              `dynamodbav:"stopped"`
	DurationMs    int64             `dynamodbav:"durationMs"`
	PublishedURIs []string          `dynamodbav:"publishedUris,omitempty"`
	Metadata      map[string]string `dynamodbav:"metadata,omitempty"`
	CreatedAt     int64             `dynamodbav:"createdAt"`

	Results []*ResultRecord `dynamodbav:"-"`
}

// ResultRecord is one attempt (or cached output) of a run. Seq is derived from
// the sort key and preserves the attempt order.
type ResultRecord struct {
	Seq         int     `dynamodbav:"-"`
	VariationID int     `dynamodbav:"variationId"`
	Success     bool    `dynamodbav:"success"`
	Output      string  `dynamodbav:"output,omitempty"`
	Error       string  `dynamodbav:"error,omitempty"`
	Category    string  `dynamodbav:"category"`
	Prompt      string  `dynamodbav:"prompt,omitempty"`
	FromCache   bool    `dynamodbav:"fromCache"`
	Overall     float64 `dynamodbav:"overall,omitempty"`
	Similarity  float64 `dynamodbav:"similarity,omitempty"`
	Diversity   float64 `dynamodbav:"diversity,omitempty"`
	Aesthetic   float64 `dynamodbav:"aesthetic,omitempty"`
	Integrity   float64 `dynamodbav:"integrity,omitempty"`
}

// NewRunRecord converts an orchestrator result into a record. category is the
// requested category (results carry the resolved one).
func NewRunRecord(run *variation.RunResult, category string, publishedURIs []string, metadata map[string]string) *RunRecord {
	rec := &RunRecord{
		RunID:         run.RunID,
		Source:        run.Source,
		Category:      category,
		Level:         run.Level,
		Requested:     run.Requested,
		Successful:    run.Successful,
		Failed:        run.Failed,
		Attempts:      run.Attempts,
		FromCache:     run.FromCache,
		Stopped:       run.Stopped,
		DurationMs:    run.Duration.Milliseconds(),
		PublishedURIs: publishedURIs,
		Metadata:      metadata,
		Results:       make([]*ResultRecord, 0, len(run.Results)),
	}
	for i, r := range run.Results {
		rr := &ResultRecord{
			Seq:         i + 1,
			VariationID: r.VariationID,
			Success:     r.Success,
			Output:      r.Output,
			Error:       r.Error,
			Category:    string(r.Category),
			Prompt:      r.Prompt,
			FromCache:   r.FromCache,
		}
		if m := r.Metrics; m != nil {
			rr.Overall = m.Overall
			rr.Similarity = m.Similarity
			rr.Diversity = m.Diversity
			rr.Aesthetic = m.Aesthetic
			rr.Integrity = m.ObjectIntegrity
		}
		rec.Results = append(rec.Results, rr)
	}
	return rec
}
