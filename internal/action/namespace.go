package action

import (
	"regexp"

	"github.com/haatos/simple-lava/internal/connection"
)

const DefaultNamespace = "common"

// Key addresses protocol scratch data kept in a namespace.
type Key struct {
	Action string
	Label  string
	Key    string
}

// TestDefinition is registered by the overlay at deploy time and looked
// up by the test shell when the matching STARTRUN arrives.
type TestDefinition struct {
	Index int
	// Stage is the position of the owning test stanza within its
	// namespace.
	Stage      int
	Name       string
	UUID       string
	Repository string
	Path       string
	Revision   string
	CommitID   string
	Pattern    string
	Fixup      map[string]string
}

// RunName is the "<index>_<name>" identifier used in STARTRUN/ENDRUN.
func (td *TestDefinition) RunName() string {
	return runName(td.Index, td.Name)
}

// NamespaceState is the per-namespace record mutated by the actions of
// that namespace.
type NamespaceState struct {
	Name               string
	Downloads          map[string]string
	Environment        map[string]string
	BootloaderCommands []string
	Definitions        []*TestDefinition
	OverlayDir         string
	OverlayTarball     string
	TestDir            string
	// Connection is the live connection of this namespace, read by other
	// namespaces as a feedback source.
	Connection connection.Connection
	Flags      map[string]bool
	data       map[Key]any
}

func NewNamespaceState(name string) *NamespaceState {
	return &NamespaceState{
		Name:        name,
		Downloads:   make(map[string]string),
		Environment: make(map[string]string),
		Flags:       make(map[string]bool),
		data:        make(map[Key]any),
	}
}

func (ns *NamespaceState) Set(k Key, v any) {
	ns.data[k] = v
}

func (ns *NamespaceState) Get(k Key) (any, bool) {
	v, ok := ns.data[k]
	return v, ok
}

func (ns *NamespaceState) Delete(k Key) {
	delete(ns.data, k)
}

// AddDefinition appends a definition to the ordered index list.
func (ns *NamespaceState) AddDefinition(td *TestDefinition) {
	td.Index = len(ns.Definitions)
	ns.Definitions = append(ns.Definitions, td)
}

// Definition finds the definition announced by STARTRUN.
func (ns *NamespaceState) Definition(name string) *TestDefinition {
	for _, td := range ns.Definitions {
		if td.RunName() == name {
			return td
		}
	}
	return nil
}

// CompiledPattern returns the parse pattern of td, or nil when the
// definition only reports through signals.
func (td *TestDefinition) CompiledPattern() (*regexp.Regexp, error) {
	if td.Pattern == "" {
		return nil, nil
	}
	return regexp.Compile("(?m)" + td.Pattern)
}
