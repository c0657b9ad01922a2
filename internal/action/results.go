package action

import (
	"fmt"
	"time"
)

const (
	ResultPass    = "pass"
	ResultFail    = "fail"
	ResultSkip    = "skip"
	ResultUnknown = "unknown"
)

// Result is one structured result record. Field names are consumed by
// external tooling and must not change.
type Result struct {
	Definition  string   `yaml:"definition" json:"definition"`
	Case        string   `yaml:"case" json:"case"`
	Result      string   `yaml:"result" json:"result"`
	Level       string   `yaml:"level" json:"level"`
	Namespace   string   `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	UUID        string   `yaml:"uuid,omitempty" json:"uuid,omitempty"`
	Measurement *float64 `yaml:"measurement,omitempty" json:"measurement,omitempty"`
	Units       string   `yaml:"units,omitempty" json:"units,omitempty"`
	Set         string   `yaml:"set,omitempty" json:"set,omitempty"`
	Duration    string   `yaml:"duration,omitempty" json:"duration,omitempty"`
	Repository  string   `yaml:"repository,omitempty" json:"repository,omitempty"`
	Path        string   `yaml:"path,omitempty" json:"path,omitempty"`
	Revision    string   `yaml:"revision,omitempty" json:"revision,omitempty"`
	CommitID    string   `yaml:"commit_id,omitempty" json:"commit_id,omitempty"`
	Reference   string   `yaml:"reference,omitempty" json:"reference,omitempty"`
}

// ResultSink receives result records in the order they are observed.
type ResultSink interface {
	Record(r Result) error
}

// ResultSinkFunc adapts a function to ResultSink.
type ResultSinkFunc func(r Result) error

func (f ResultSinkFunc) Record(r Result) error {
	return f(r)
}

// MultiSink fans a record out to every sink.
type MultiSink []ResultSink

func (ms MultiSink) Record(r Result) error {
	var firstErr error
	for _, s := range ms {
		if err := s.Record(r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func ValidResult(s string) bool {
	switch s {
	case ResultPass, ResultFail, ResultSkip, ResultUnknown:
		return true
	}
	return false
}

// FormatDuration renders a duration the way result records carry it.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.02f", d.Seconds())
}

func runName(index int, name string) string {
	return fmt.Sprintf("%d_%s", index, name)
}
