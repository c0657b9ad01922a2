package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/boot"
	"github.com/haatos/simple-lava/internal/connection"
	"github.com/haatos/simple-lava/internal/container"
	"github.com/haatos/simple-lava/internal/deploy"
	"github.com/haatos/simple-lava/internal/device"
	"github.com/haatos/simple-lava/internal/multinode"
	"github.com/haatos/simple-lava/internal/strategy"
	"github.com/haatos/simple-lava/internal/testshell"
)

// WorkerCompatibility is the highest strategy compatibility this
// dispatcher implements.
const WorkerCompatibility = 1

// DefaultRegistry returns the registry with every built in strategy.
func DefaultRegistry() *strategy.Registry {
	r := strategy.NewRegistry()
	deploy.Register(r)
	boot.Register(r)
	testshell.Register(r)
	registerCommand(r)
	return r
}

// Compiler turns a job definition into a job with a validated pipeline.
type Compiler struct {
	Registry    *strategy.Registry
	Coordinator multinode.Coordinator
	Logger      zerolog.Logger
	TmpDir      string
	ArtifactURL string
	// PollDelay between coordinator requests that were asked to wait.
	PollDelay time.Duration
	// RetrySleep between attempts of retried actions.
	RetrySleep time.Duration
	// ActionTimeout and ConnectionTimeout are the defaults a job without
	// timeouts.action or timeouts.connection gets.
	ActionTimeout     time.Duration
	ConnectionTimeout time.Duration
	// FeedbackPoll overrides the test shell poll interval when set.
	FeedbackPoll time.Duration
	Executor     container.Executor
	Spawn        connection.SpawnFunc
}

func NewCompiler(logger zerolog.Logger) *Compiler {
	return &Compiler{
		Registry:  DefaultRegistry(),
		Logger:    logger,
		PollDelay: multinode.DefaultPollDelay,
	}
}

// Compile builds the job: one top level action per stanza, selected from
// the registry, followed by the finalize action. id may be empty.
func (c *Compiler) Compile(def *Definition, dev *device.Device, id string) (*action.Job, error) {
	if id == "" {
		id = uuid.NewString()
	}
	stanzas, err := def.Stanzas()
	if err != nil {
		return nil, action.NewJobError("invalid job definition: %v", err)
	}
	job := action.NewJob(id, dev, def.Parameters, c.Logger)
	job.TmpDir = c.TmpDir
	job.ArtifactURL = c.ArtifactURL
	job.ActionTimeout = c.ActionTimeout
	job.ConnectionTimeout = c.ConnectionTimeout
	job.FeedbackPoll = c.FeedbackPoll
	if c.Executor != nil {
		job.Executor = c.Executor
	}
	if c.Spawn != nil {
		job.Spawn = c.Spawn
	}
	if err := c.applyTimeouts(job, def.Timeouts); err != nil {
		return nil, err
	}
	if err := c.addProtocols(job, def); err != nil {
		return nil, err
	}

	stages := make(map[string]int)
	for _, s := range stanzas {
		params := s.Parameters
		ns := params.Namespace()
		job.Namespace(ns)
		if s.Section == strategy.SectionTest {
			params = params.With("stage", stages[ns])
			stages[ns]++
		}
		selected, err := c.Registry.Select(s.Section, dev, params)
		if err != nil {
			return nil, err
		}
		job.RaiseCompatibility(selected.Compatibility)
		a := selected.New(params)
		if r, ok := a.(*action.RetryAction); ok && c.RetrySleep > 0 {
			r.Sleep = c.RetrySleep
		}
		job.Pipeline().Add(a, params)
	}
	job.Pipeline().Add(action.NewFinalizeAction(boot.NewPowerOff()), action.Parameters{})
	job.RegisterDiagnostic(boot.NewPromptDiagnostic())

	job.RaiseCompatibility(def.Compatibility)
	supported := WorkerCompatibility
	if dev != nil && dev.Compatibility > 0 && dev.Compatibility < supported {
		supported = dev.Compatibility
	}
	if err := job.CheckCompatibility(supported); err != nil {
		return nil, err
	}
	return job, nil
}

func (c *Compiler) applyTimeouts(job *action.Job, t Timeouts) error {
	parse := func(name string, block map[string]any) (time.Duration, error) {
		d, err := action.ParseTimeout(block)
		if err != nil {
			return 0, action.NewJobError("timeouts.%s: %v", name, err)
		}
		return d, nil
	}
	if t.Job != nil {
		d, err := parse("job", t.Job)
		if err != nil {
			return err
		}
		job.Timeout.Duration = d
	}
	if t.Action != nil {
		d, err := parse("action", t.Action)
		if err != nil {
			return err
		}
		job.ActionTimeout = d
	}
	if t.Connection != nil {
		d, err := parse("connection", t.Connection)
		if err != nil {
			return err
		}
		job.ConnectionTimeout = d
	}
	for name, block := range t.Actions {
		d, err := parse(fmt.Sprintf("actions.%s", name), block)
		if err != nil {
			return err
		}
		timeout := action.NewTimeout(name, d)
		timeout.Skip = action.Parameters(block).Bool("skip")
		job.SetActionTimeout(name, timeout)
	}
	for name, block := range t.Connections {
		d, err := parse(fmt.Sprintf("connections.%s", name), block)
		if err != nil {
			return err
		}
		job.SetConnectionTimeout(name, d)
	}
	return nil
}

func (c *Compiler) addProtocols(job *action.Job, def *Definition) error {
	block, ok := def.Protocols[multinode.Name]
	if !ok {
		return nil
	}
	if c.Coordinator == nil {
		return action.NewInfrastructureError("%s requested but no coordinator is configured", multinode.Name)
	}
	p := multinode.NewProtocol(action.Parameters(block), c.Coordinator)
	if c.PollDelay > 0 {
		p.PollDelay = c.PollDelay
	}
	job.Protocols = append(job.Protocols, p)
	return nil
}
