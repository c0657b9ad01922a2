package testshell

import (
	"fmt"
	"regexp"
	"strings"
)

// Signal is one of the LAVA_SIGNAL_* messages the test runner prints.
type Signal int

const (
	SignalUnknown Signal = iota
	SignalStartRun
	SignalEndRun
	SignalStartTC
	SignalEndTC
	SignalTestCase
	SignalTestFeedback
	SignalTestReference
	SignalTestSet
	SignalTestRaise
	SignalTestEvent
)

var signalNames = map[string]Signal{
	"STARTRUN":      SignalStartRun,
	"ENDRUN":        SignalEndRun,
	"STARTTC":       SignalStartTC,
	"ENDTC":         SignalEndTC,
	"TESTCASE":      SignalTestCase,
	"TESTFEEDBACK":  SignalTestFeedback,
	"TESTREFERENCE": SignalTestReference,
	"TESTSET":       SignalTestSet,
	"TESTRAISE":     SignalTestRaise,
	"TESTEVENT":     SignalTestEvent,
}

func ParseSignal(name string) Signal {
	return signalNames[strings.ToUpper(name)]
}

func (s Signal) String() string {
	for name, sig := range signalNames {
		if sig == s {
			return name
		}
	}
	return "UNKNOWN"
}

// Reporting reports whether the signal only produces result records.
// Those are not forwarded to protocol directors.
func (s Signal) Reporting() bool {
	return s == SignalTestCase || s == SignalTestReference
}

const (
	ExitMarker        = "<LAVA_TEST_RUNNER EXIT>"
	InstallFailMarker = "<LAVA_TEST_RUNNER INSTALL_FAIL>"
)

// Kinds of the patterns handed to Expect. Patterns are passed in this
// order, which is the match priority when two start at the same offset.
const (
	patternExit = iota
	patternError
	patternSignal
	patternMultinode
	patternResult
)

var (
	exitPattern      = regexp.MustCompile(regexp.QuoteMeta(ExitMarker))
	errorPattern     = regexp.MustCompile(regexp.QuoteMeta(InstallFailMarker))
	signalPattern    = regexp.MustCompile(`<LAVA_SIGNAL_(\S+) ([^>]+)>`)
	multinodePattern = regexp.MustCompile(`<LAVA_MULTI_NODE> <LAVA_(\S+) ([^>]+)>`)
)

// ParseKeyValues parses "KEY=value" tokens. Keys are lowercased.
func ParseKeyValues(tokens []string) (map[string]string, error) {
	out := make(map[string]string, len(tokens))
	for _, tok := range tokens {
		key, value, ok := strings.Cut(tok, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("malformed key=value pair %q", tok)
		}
		out[strings.ToLower(key)] = value
	}
	return out, nil
}
