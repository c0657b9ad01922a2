// Package results writes the result records of a job to the YAML result
// log and the results database.
package results

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/goccy/go-yaml"

	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/store"
)

// YAMLSink appends every record to w as one item of a YAML sequence, so
// the stream is a valid document after each write.
type YAMLSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewYAMLSink(w io.Writer) *YAMLSink {
	return &YAMLSink{w: w}
}

func (s *YAMLSink) Record(r action.Result) error {
	b, err := yaml.Marshal([]action.Result{r})
	if err != nil {
		return fmt.Errorf("err marshaling result %s: %w", r.Case, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(b); err != nil {
		return fmt.Errorf("err writing result %s: %w", r.Case, err)
	}
	return nil
}

// ReadFile reads a result log written by YAMLSink.
func ReadFile(path string) ([]action.Result, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("err reading results: %w", err)
	}
	var records []action.Result
	if err := yaml.Unmarshal(b, &records); err != nil {
		return nil, fmt.Errorf("err parsing results %s: %w", path, err)
	}
	return records, nil
}

// StoreSink persists the records of one job.
type StoreSink struct {
	resultStore store.ResultStore
	jobID       string
	ctx         context.Context
}

func NewStoreSink(ctx context.Context, rs store.ResultStore, jobID string) *StoreSink {
	return &StoreSink{resultStore: rs, jobID: jobID, ctx: ctx}
}

func (s *StoreSink) Record(r action.Result) error {
	if err := s.resultStore.CreateResult(s.ctx, s.jobID, r); err != nil {
		return fmt.Errorf("err storing result %s: %w", r.Case, err)
	}
	return nil
}

// Summary counts records by result.
func Summary(records []action.Result) map[string]int {
	counts := make(map[string]int)
	for _, r := range records {
		counts[r.Result]++
	}
	return counts
}
