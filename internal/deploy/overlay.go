// Package deploy implements the deploy strategies and the test overlay
// every deployment carries to the device.
package deploy

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/goccy/go-yaml"
	"github.com/google/uuid"

	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/connection"
	"github.com/haatos/simple-lava/internal/multinode"
	"github.com/haatos/simple-lava/internal/util"
)

//go:embed scripts/*
var scripts embed.FS

const RunnerConf = "lava-test-runner.conf"

// multinodeScripts are only copied when the job joins a group.
var multinodeScripts = map[string]bool{
	"lava-send":     true,
	"lava-sync":     true,
	"lava-wait":     true,
	"lava-wait-all": true,
}

// TestDefinitionFile is the YAML document a test definition points at.
type TestDefinitionFile struct {
	Metadata struct {
		Name        string `yaml:"name"`
		Format      string `yaml:"format"`
		Description string `yaml:"description"`
	} `yaml:"metadata"`
	Params  map[string]any `yaml:"params"`
	Install struct {
		Steps []string `yaml:"steps"`
	} `yaml:"install"`
	Run struct {
		Steps []string `yaml:"steps"`
	} `yaml:"run"`
	Parse struct {
		Pattern   string            `yaml:"pattern"`
		Fixupdict map[string]string `yaml:"fixupdict"`
	} `yaml:"parse"`
}

// OverlayAction writes the lava-test-runner tree for the test stanzas of
// its namespace and registers each test definition in namespace order.
type OverlayAction struct {
	*action.BaseAction
}

func NewOverlayAction() *OverlayAction {
	return &OverlayAction{BaseAction: action.NewBaseAction(
		"lava-overlay",
		"add lava scripts during deployment for test shell use",
		"overlay the lava support scripts",
	)}
}

func (a *OverlayAction) Validate() error {
	for stage, test := range a.Job().TestStanzas(a.Namespace()) {
		defs := test.List("definitions")
		for i, item := range defs {
			def, ok := action.ToParameters(item)
			if !ok {
				a.AddError("test stage %d: definition %d is not a mapping", stage, i)
				continue
			}
			if !def.Has("repository") {
				a.AddError("test stage %d: definition %d has no repository", stage, i)
			}
			switch def.StringOr("from", "git") {
			case "git":
				if def.String("path") == "" {
					a.AddError("test stage %d: git definition %d has no path", stage, i)
				}
			case "inline":
			default:
				a.AddError("test stage %d: unsupported definition source %q", stage, def.String("from"))
			}
		}
	}
	return a.BaseAction.Validate()
}

// DeviceDir is where the overlay is unpacked on the device.
func (a *OverlayAction) DeviceDir() string {
	return "/lava-" + util.SafeName(a.Job().ID)
}

func (a *OverlayAction) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	job := a.Job()
	ns := a.NamespaceState()
	tmp, err := jobTmpDir(job)
	if err != nil {
		return conn, err
	}
	devDir := a.DeviceDir()
	root := filepath.Join(tmp, "overlay-"+util.SafeName(ns.Name), path.Base(devDir))
	if err := os.RemoveAll(root); err != nil {
		return conn, action.NewInfrastructureError("err clearing overlay %s: %v", root, err)
	}
	// a retried deployment starts the index list again
	ns.Definitions = nil

	if err := a.writeScripts(root); err != nil {
		return conn, err
	}
	if err := a.writeEnvironment(root, ns); err != nil {
		return conn, err
	}

	for stage, test := range job.TestStanzas(ns.Name) {
		var dirs []string
		for _, item := range test.List("definitions") {
			def, _ := action.ToParameters(item)
			dir, err := a.addDefinition(ctx, ns, def, stage, root, devDir)
			if err != nil {
				return conn, err
			}
			dirs = append(dirs, dir)
		}
		conf := strings.Join(dirs, "\n") + "\n"
		err := util.WriteFile(filepath.Join(root, strconv.Itoa(stage), RunnerConf), []byte(conf), 0o644)
		if err != nil {
			return conn, action.NewInfrastructureError("%v", err)
		}
	}

	ns.OverlayDir = root
	ns.TestDir = devDir
	a.Data["overlay"] = root
	a.Data["definitions"] = len(ns.Definitions)
	a.Logger.Info().Str("overlay", root).Int("definitions", len(ns.Definitions)).Msg("overlay prepared")
	return conn, nil
}

func (a *OverlayAction) writeScripts(root string) error {
	entries, err := scripts.ReadDir("scripts")
	if err != nil {
		return action.NewDefectError("err reading embedded scripts: %v", err)
	}
	multinodeJob := a.Job().Protocol(multinode.Name) != nil
	for _, e := range entries {
		if !multinodeJob && multinodeScripts[e.Name()] {
			continue
		}
		b, err := scripts.ReadFile("scripts/" + e.Name())
		if err != nil {
			return action.NewDefectError("err reading embedded script %s: %v", e.Name(), err)
		}
		if err := util.WriteFile(filepath.Join(root, "bin", e.Name()), b, 0o755); err != nil {
			return action.NewInfrastructureError("%v", err)
		}
	}
	if p, ok := a.Job().Protocol(multinode.Name).(*multinode.Protocol); ok {
		return a.writeGroupScripts(root, p)
	}
	return nil
}

// writeGroupScripts writes the helpers answering from the group layout
// known when the job starts.
func (a *OverlayAction) writeGroupScripts(root string, p *multinode.Protocol) error {
	clients := make([]string, 0, len(p.Roles))
	for client := range p.Roles {
		clients = append(clients, client)
	}
	sort.Strings(clients)
	var group strings.Builder
	for _, client := range clients {
		fmt.Fprintf(&group, "\t%s\t%s\n", client, p.Roles[client])
	}
	files := map[string]string{
		"lava-role":  "#!/bin/sh\necho " + shellescape.Quote(p.Role) + "\n",
		"lava-self":  "#!/bin/sh\necho " + shellescape.Quote(p.ClientName()) + "\n",
		"lava-group": "#!/bin/sh\ncat <<'EOF'\n" + group.String() + "EOF\n",
	}
	for name, content := range files {
		if err := util.WriteFile(filepath.Join(root, "bin", name), []byte(content), 0o755); err != nil {
			return action.NewInfrastructureError("%v", err)
		}
	}
	return nil
}

func (a *OverlayAction) writeEnvironment(root string, ns *action.NamespaceState) error {
	env := map[string]string{
		"LAVA_JOB_ID":    a.Job().ID,
		"LAVA_NAMESPACE": ns.Name,
	}
	if dev := a.Job().Device; dev != nil {
		env["LAVA_HOSTNAME"] = dev.Hostname
		env["LAVA_DEVICE_TYPE"] = dev.DeviceType
	}
	for k, v := range ns.Environment {
		env[k] = v
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellescape.Quote(env[k]))
	}
	if err := util.WriteFile(filepath.Join(root, "environment"), []byte(b.String()), 0o644); err != nil {
		return action.NewInfrastructureError("%v", err)
	}
	return nil
}

// addDefinition fetches one definition into its test directory, writes
// its run.sh and registers it. It returns the directory as seen from the
// device.
func (a *OverlayAction) addDefinition(
	ctx context.Context,
	ns *action.NamespaceState,
	def action.Parameters,
	stage int,
	root, devDir string,
) (string, error) {
	td := &action.TestDefinition{
		Stage:    stage,
		Name:     definitionName(def),
		UUID:     fmt.Sprintf("%s_%d.%d", a.Job().ID, stage, len(ns.Definitions)),
		Path:     def.String("path"),
		Revision: def.String("revision"),
	}
	ns.AddDefinition(td)
	runName := td.RunName()
	dir := filepath.Join(root, strconv.Itoa(stage), "tests", runName)

	var file *TestDefinitionFile
	var err error
	switch def.StringOr("from", "git") {
	case "inline":
		td.Repository = "inline"
		file, err = a.writeInline(def, dir)
	default:
		td.Repository = def.String("repository")
		file, err = a.cloneGit(ctx, def, td, dir)
	}
	if err != nil {
		return "", err
	}

	td.Pattern = file.Parse.Pattern
	td.Fixup = file.Parse.Fixupdict
	if td.Pattern != "" {
		if _, err := td.CompiledPattern(); err != nil {
			return "", action.NewJobError("definition %s: invalid parse pattern: %v", runName, err)
		}
	}

	deviceTestDir := path.Join(devDir, strconv.Itoa(stage), "tests", runName)
	script := runScript(runName, deviceTestDir, file, def.Map("parameters"))
	if err := util.WriteFile(filepath.Join(dir, "run.sh"), []byte(script), 0o755); err != nil {
		return "", action.NewInfrastructureError("%v", err)
	}
	if err := util.WriteFile(filepath.Join(dir, "uuid"), []byte(td.UUID+"\n"), 0o644); err != nil {
		return "", action.NewInfrastructureError("%v", err)
	}
	a.Logger.Debug().
		Str("definition", runName).
		Str("repository", td.Repository).
		Str("commit", td.CommitID).
		Msg("test definition added")
	return deviceTestDir, nil
}

func (a *OverlayAction) writeInline(def action.Parameters, dir string) (*TestDefinitionFile, error) {
	raw, err := yaml.Marshal(def["repository"])
	if err != nil {
		return nil, action.NewJobError("err encoding inline definition: %v", err)
	}
	file, err := ParseTestDefinition(raw)
	if err != nil {
		return nil, err
	}
	name := def.StringOr("path", "inline.yaml")
	if err := util.WriteFile(filepath.Join(dir, name), raw, 0o644); err != nil {
		return nil, action.NewInfrastructureError("%v", err)
	}
	return file, nil
}

// cloneGit clones the repository with the git command line on the host.
func (a *OverlayAction) cloneGit(
	ctx context.Context,
	def action.Parameters,
	td *action.TestDefinition,
	dir string,
) (*TestDefinitionFile, error) {
	exec := a.Job().Executor
	clone := []string{"git", "clone", "--quiet"}
	if td.Revision == "" && def.Bool("shallow") {
		clone = append(clone, "--depth=1")
	}
	clone = append(clone, td.Repository, dir)
	if _, err := exec.Run(ctx, clone); err != nil {
		return nil, action.NewInfrastructureError("err cloning %s: %v", td.Repository, err)
	}
	if td.Revision != "" {
		if _, err := exec.Run(ctx, []string{"git", "-C", dir, "checkout", "--quiet", td.Revision}); err != nil {
			return nil, action.NewJobError("err checking out %s in %s: %v", td.Revision, td.Repository, err)
		}
	}
	out, err := exec.Run(ctx, []string{"git", "-C", dir, "rev-parse", "HEAD"})
	if err != nil {
		return nil, action.NewInfrastructureError("err reading commit of %s: %v", td.Repository, err)
	}
	td.CommitID = strings.TrimSpace(out)

	b, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(td.Path)))
	if err != nil {
		return nil, action.NewJobError("test definition %s not found in %s: %v", td.Path, td.Repository, err)
	}
	return ParseTestDefinition(b)
}

// ParseTestDefinition decodes a test definition file.
func ParseTestDefinition(b []byte) (*TestDefinitionFile, error) {
	file := new(TestDefinitionFile)
	if err := yaml.Unmarshal(b, file); err != nil {
		return nil, action.NewJobError("err parsing test definition: %v", err)
	}
	if len(file.Run.Steps) == 0 {
		return nil, action.NewJobError("test definition %q has no run steps", file.Metadata.Name)
	}
	return file, nil
}

// definitionName prefers the name given in the job and falls back to the
// file name of the definition.
func definitionName(def action.Parameters) string {
	if name := def.String("name"); name != "" {
		return util.SafeName(name)
	}
	base := path.Base(def.StringOr("path", "inline"))
	return util.SafeName(strings.TrimSuffix(base, path.Ext(base)))
}

// runScript renders run.sh: default parameters, job parameters, install
// steps and the run steps bracketed by STARTRUN and ENDRUN.
func runScript(runName, testDir string, file *TestDefinitionFile, params action.Parameters) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	writeParams(&b, "default parameters from test definition", file.Params)
	writeParams(&b, "test parameters from job submission", params)
	fmt.Fprintf(&b, "export TESTRUN_ID=%s\n", runName)
	fmt.Fprintf(&b, "cd %s\n", shellescape.Quote(testDir))
	b.WriteString("UUID=`cat uuid`\n")
	if len(file.Install.Steps) > 0 {
		b.WriteString("(\nset -e\n")
		for _, step := range file.Install.Steps {
			b.WriteString(step + "\n")
		}
		b.WriteString(") || { echo \"<LAVA_TEST_RUNNER INSTALL_FAIL>\"; exit 1; }\n")
	}
	// signals are echoed with tracing off so they reach the console once
	b.WriteString("set +x\n")
	b.WriteString("echo \"<LAVA_SIGNAL_STARTRUN $TESTRUN_ID $UUID>\"\n")
	b.WriteString("set -x\n")
	for _, step := range file.Run.Steps {
		b.WriteString(step + "\n")
	}
	b.WriteString("set +x\n")
	b.WriteString("echo \"<LAVA_SIGNAL_ENDRUN $TESTRUN_ID $UUID>\"\n")
	return b.String()
}

func writeParams(b *strings.Builder, header string, params map[string]any) {
	if len(params) == 0 {
		return
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(b, "###%s###\n", header)
	for _, k := range keys {
		fmt.Fprintf(b, "%s=%s\n", k, shellescape.Quote(fmt.Sprint(params[k])))
	}
	b.WriteString("######\n")
}

// jobTmpDir returns the scratch directory of the job, creating one on
// first use.
func jobTmpDir(job *action.Job) (string, error) {
	if job.TmpDir != "" {
		if err := os.MkdirAll(job.TmpDir, 0o755); err != nil {
			return "", action.NewInfrastructureError("err creating %s: %v", job.TmpDir, err)
		}
		return job.TmpDir, nil
	}
	dir, err := os.MkdirTemp("", "lava-"+util.SafeName(job.ID)+"-")
	if err != nil {
		return "", action.NewInfrastructureError("err creating job tmp dir: %v", err)
	}
	job.TmpDir = dir
	return dir, nil
}

// CompressOverlayAction packs the overlay tree for transfer.
type CompressOverlayAction struct {
	*action.BaseAction
}

func NewCompressOverlayAction() *CompressOverlayAction {
	return &CompressOverlayAction{BaseAction: action.NewBaseAction(
		"compress-overlay",
		"create a tarball of the overlay",
		"compress the lava overlay files",
	)}
}

func (a *CompressOverlayAction) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	name, err := CompressOverlay(a.NamespaceState())
	if err != nil {
		return conn, err
	}
	a.Data["compressed overlay"] = name
	return conn, nil
}

// CompressOverlay packs the overlay tree of ns next to the overlay
// directories and records the tarball in ns.
func CompressOverlay(ns *action.NamespaceState) (string, error) {
	if ns.OverlayDir == "" {
		return "", action.NewDefectError("no overlay was prepared in namespace %s", ns.Name)
	}
	tmp := filepath.Dir(filepath.Dir(ns.OverlayDir))
	dest := filepath.Join(tmp, fmt.Sprintf("overlay-%s-%s.tar.gz", util.SafeName(ns.Name), uuid.NewString()[:8]))
	name, err := util.ArchiveDirectory(ns.OverlayDir, dest)
	if err != nil {
		return "", action.NewInfrastructureError("%v", err)
	}
	ns.OverlayTarball = name
	return name, nil
}
