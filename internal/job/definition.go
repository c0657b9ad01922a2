// Package job reads job definitions and compiles them into a runnable
// pipeline of deploy, boot, test and command actions.
package job

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/haatos/simple-lava/internal/action"
)

var sections = []string{"deploy", "boot", "test", "command"}

type Timeouts struct {
	Job         map[string]any            `yaml:"job"`
	Action      map[string]any            `yaml:"action"`
	Connection  map[string]any            `yaml:"connection"`
	Actions     map[string]map[string]any `yaml:"actions"`
	Connections map[string]map[string]any `yaml:"connections"`
}

// Definition is a submitted job. Parameters keeps the whole document so
// that actions can read the blocks this struct does not name.
type Definition struct {
	JobName       string                    `yaml:"job_name"`
	DeviceType    string                    `yaml:"device_type"`
	Priority      string                    `yaml:"priority"`
	Visibility    string                    `yaml:"visibility"`
	Compatibility int                       `yaml:"compatibility"`
	Timeouts      Timeouts                  `yaml:"timeouts"`
	Protocols     map[string]map[string]any `yaml:"protocols"`
	Actions       []map[string]any          `yaml:"actions"`

	Parameters action.Parameters `yaml:"-"`
}

// Stanza is one entry of the actions list.
type Stanza struct {
	Section    string
	Parameters action.Parameters
}

func Load(path string) (*Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("err reading job definition: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Definition, error) {
	def := new(Definition)
	if err := yaml.Unmarshal(b, def); err != nil {
		return nil, action.NewJobError("err parsing job definition: %v", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, action.NewJobError("err parsing job definition: %v", err)
	}
	def.Parameters = action.Parameters(raw)
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func (d *Definition) Validate() error {
	var errs []string
	if d.JobName == "" {
		errs = append(errs, "job_name is required")
	}
	if len(d.Actions) == 0 {
		errs = append(errs, "no actions")
	}
	if _, err := d.Stanzas(); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := action.ParseTimeout(d.Timeouts.Job); d.Timeouts.Job != nil && err != nil {
		errs = append(errs, "timeouts.job: "+err.Error())
	}
	for name := range d.Protocols {
		if name != "lava-multinode" {
			errs = append(errs, "unknown protocol "+name)
		}
	}
	if len(errs) > 0 {
		return action.NewJobError("invalid job definition: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Stanzas returns the actions list in order. Every entry must have
// exactly one known section key.
func (d *Definition) Stanzas() ([]Stanza, error) {
	stanzas := make([]Stanza, 0, len(d.Actions))
	var errs []error
	for i, item := range d.Actions {
		if len(item) != 1 {
			errs = append(errs, fmt.Errorf("action %d must have exactly one section", i+1))
			continue
		}
		for section, v := range item {
			if !knownSection(section) {
				errs = append(errs, fmt.Errorf("action %d: unknown section %q", i+1, section))
				continue
			}
			params, ok := action.ToParameters(v)
			if !ok {
				errs = append(errs, fmt.Errorf("action %d: %s must be a mapping", i+1, section))
				continue
			}
			stanzas = append(stanzas, Stanza{Section: section, Parameters: params})
		}
	}
	return stanzas, errors.Join(errs...)
}

func knownSection(s string) bool {
	for _, section := range sections {
		if s == section {
			return true
		}
	}
	return false
}
