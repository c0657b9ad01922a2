package testshell

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/haatos/simple-lava/internal/action"
)

// PatternFixup is the parse pattern of one test definition together with
// the map normalising the results it captures. It is active between
// STARTRUN and ENDRUN of that definition.
type PatternFixup struct {
	Pattern *regexp.Regexp
	Fixup   map[string]string
}

// NewPatternFixup compiles the pattern of td. A definition without a
// pattern still gets a fixup so signal results are normalised.
func NewPatternFixup(td *action.TestDefinition) (*PatternFixup, error) {
	pf := &PatternFixup{Fixup: td.Fixup}
	re, err := td.CompiledPattern()
	if err != nil {
		return nil, fmt.Errorf("err compiling pattern of %s: %w", td.RunName(), err)
	}
	if re != nil {
		names := re.SubexpNames()
		if !contains(names, "test_case_id") || !contains(names, "result") {
			return nil, fmt.Errorf(
				"pattern of %s must capture test_case_id and result", td.RunName(),
			)
		}
	}
	pf.Pattern = re
	return pf, nil
}

// Result applies the fixup map to a raw result.
func (pf *PatternFixup) Result(raw string) string {
	if pf != nil {
		if fixed, ok := pf.Fixup[raw]; ok {
			return fixed
		}
	}
	return strings.ToLower(raw)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
