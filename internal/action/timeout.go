package action

import (
	"fmt"
	"time"
)

const (
	DefaultJobTimeout        = 24 * time.Hour
	DefaultActionTimeout     = 30 * time.Second
	DefaultConnectionTimeout = 10 * time.Second
	CleanupTimeout           = 60 * time.Second
)

type Timeout struct {
	Name     string
	Duration time.Duration
	// Skip lets the pipeline carry on with the next action when this one
	// times out.
	Skip bool
}

func NewTimeout(name string, duration time.Duration) *Timeout {
	return &Timeout{Name: name, Duration: duration}
}

// Deadline returns the earlier of start+Duration and the parent deadline.
func (t *Timeout) Deadline(start, parent time.Time) time.Time {
	end := start.Add(t.Duration)
	if !parent.IsZero() && parent.Before(end) {
		return parent
	}
	return end
}

// ParseTimeout reads a {days, hours, minutes, seconds} block.
func ParseTimeout(v any) (time.Duration, error) {
	block, ok := toParameters(v)
	if !ok {
		return 0, fmt.Errorf("invalid timeout block: %v", v)
	}
	var d time.Duration
	units := map[string]time.Duration{
		"days":    24 * time.Hour,
		"hours":   time.Hour,
		"minutes": time.Minute,
		"seconds": time.Second,
	}
	for key, value := range block {
		unit, ok := units[key]
		if !ok {
			if key == "skip" {
				continue
			}
			return 0, fmt.Errorf("invalid timeout unit %q", key)
		}
		n, ok := toInt(value)
		if !ok || n < 0 {
			return 0, fmt.Errorf("invalid timeout value for %q: %v", key, value)
		}
		d += time.Duration(n) * unit
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive: %v", v)
	}
	return d, nil
}
