package action

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/haatos/simple-lava/internal/connection"
	"github.com/haatos/simple-lava/internal/container"
	"github.com/haatos/simple-lava/internal/device"
	"github.com/haatos/simple-lava/internal/metrics"
)

type Status string

const (
	StatusSubmitted  Status = "Submitted"
	StatusRunning    Status = "Running"
	StatusComplete   Status = "Complete"
	StatusIncomplete Status = "Incomplete"
	StatusCanceled   Status = "Canceled"
)

// Protocol is a job-wide service that actions talk to, such as the
// multinode coordinator client.
type Protocol interface {
	Name() string
	Setup(ctx context.Context, job *Job) error
	Finalise(ctx context.Context) error
}

// Job owns the root pipeline, the namespace state and the result sink
// of one run.
type Job struct {
	ID         string
	Name       string
	Device     *device.Device
	Parameters Parameters
	Logger     zerolog.Logger
	TmpDir     string
	// ArtifactURL serves TmpDir to the devices, empty when it is not
	// served.
	ArtifactURL string
	Protocols   []Protocol
	// Executor runs host tools such as power control, adb or docker.
	Executor container.Executor
	// Spawn opens console transports.
	Spawn connection.SpawnFunc

	Timeout           *Timeout
	ActionTimeout     time.Duration
	ConnectionTimeout time.Duration
	// FeedbackPoll bounds how long a test shell waits on its own
	// connection before reading the other namespaces.
	FeedbackPoll time.Duration

	actionTimeouts     map[string]*Timeout
	connectionTimeouts map[string]time.Duration

	compatibility int
	pipeline      *Pipeline
	namespaces    map[string]*NamespaceState
	sink          ResultSink
	results       []Result
	diagnostics   []*DiagnosticAction
	triggers      []string
	errs          []error
	status        Status
	canceled      bool
	started       time.Time
}

func NewJob(id string, dev *device.Device, params Parameters, logger zerolog.Logger) *Job {
	if params == nil {
		params = Parameters{}
	}
	j := &Job{
		ID:                 id,
		Name:               params.String("job_name"),
		Device:             dev,
		Parameters:         params,
		Logger:             logger.With().Str("job", id).Logger(),
		Spawn:              connection.SpawnProcess,
		Timeout:            NewTimeout("job", DefaultJobTimeout),
		actionTimeouts:     make(map[string]*Timeout),
		connectionTimeouts: make(map[string]time.Duration),
		namespaces:         make(map[string]*NamespaceState),
		status:             StatusSubmitted,
	}
	j.Executor = container.HostExecutor{Logger: j.Logger}
	j.pipeline = newPipeline(j, nil)
	return j
}

// Pipeline returns the root pipeline.
func (j *Job) Pipeline() *Pipeline {
	return j.pipeline
}

func (j *Job) Status() Status {
	return j.status
}

func (j *Job) Compatibility() int {
	return j.compatibility
}

// RaiseCompatibility records that a selected strategy needs at least
// level n from the worker.
func (j *Job) RaiseCompatibility(n int) {
	if n > j.compatibility {
		j.compatibility = n
	}
}

// CheckCompatibility fails when the worker supports a lower level than
// the strategies of this job require.
func (j *Job) CheckCompatibility(supported int) error {
	if j.compatibility > supported {
		return NewJobError("job requires compatibility %d, worker supports %d", j.compatibility, supported)
	}
	return nil
}

func (j *Job) SetActionTimeout(name string, t *Timeout) {
	j.actionTimeouts[name] = t
}

func (j *Job) SetConnectionTimeout(name string, d time.Duration) {
	j.connectionTimeouts[name] = d
}

func (j *Job) applyTimeouts(b *BaseAction) {
	if j.ActionTimeout > 0 && b.Timeout.Duration == DefaultActionTimeout {
		b.Timeout.Duration = j.ActionTimeout
	}
	if t, ok := j.actionTimeouts[b.name]; ok {
		b.Timeout.Duration = t.Duration
		b.Timeout.Skip = t.Skip
	}
	if j.ConnectionTimeout > 0 && b.ConnectionTimeout.Duration == DefaultConnectionTimeout {
		b.ConnectionTimeout.Duration = j.ConnectionTimeout
	}
	if d, ok := j.connectionTimeouts[b.name]; ok {
		b.ConnectionTimeout.Duration = d
	}
}

// Namespace returns the state of the named namespace, creating it on
// first use.
func (j *Job) Namespace(name string) *NamespaceState {
	if name == "" {
		name = DefaultNamespace
	}
	ns, ok := j.namespaces[name]
	if !ok {
		ns = NewNamespaceState(name)
		j.namespaces[name] = ns
	}
	return ns
}

// TestStanzas returns the test stanzas of namespace in job order. The
// position of a stanza in this list is its overlay stage.
func (j *Job) TestStanzas(namespace string) []Parameters {
	var out []Parameters
	for _, item := range j.Parameters.List("actions") {
		stanza, ok := toParameters(item)
		if !ok {
			continue
		}
		test, ok := toParameters(stanza["test"])
		if !ok {
			continue
		}
		if test.Namespace() == namespace {
			out = append(out, test)
		}
	}
	return out
}

// HasNamespace reports whether name is used by any stanza of the job.
func (j *Job) HasNamespace(name string) bool {
	_, ok := j.namespaces[name]
	return ok
}

func (j *Job) Namespaces() []string {
	names := make([]string, 0, len(j.namespaces))
	for name := range j.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (j *Job) Protocol(name string) Protocol {
	for _, p := range j.Protocols {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

func (j *Job) SetResultSink(s ResultSink) {
	j.sink = s
}

// Record stores r and forwards it to the sink.
func (j *Job) Record(r Result) error {
	j.results = append(j.results, r)
	metrics.Results.WithLabelValues(r.Result).Inc()
	j.Logger.Info().
		Str("definition", r.Definition).
		Str("case", r.Case).
		Str("result", r.Result).
		Msg("result")
	if j.sink == nil {
		return nil
	}
	return j.sink.Record(r)
}

func (j *Job) Results() []Result {
	return j.results
}

// RegisterDiagnostic adds a diagnostic run after a failure when its
// trigger fired.
func (j *Job) RegisterDiagnostic(d *DiagnosticAction) {
	d.job = j
	d.self = d
	d.Logger = j.Logger.With().Str("diagnostic", d.name).Logger()
	j.diagnostics = append(j.diagnostics, d)
}

func (j *Job) Trigger(name string) {
	for _, t := range j.triggers {
		if t == name {
			return
		}
	}
	j.triggers = append(j.triggers, name)
}

func (j *Job) Triggers() []string {
	return j.triggers
}

// Errors returns the unrecovered errors of the run.
func (j *Job) Errors() []error {
	return j.errs
}

func (j *Job) Failed() bool {
	return len(j.errs) > 0
}

func (j *Job) fail(err error) {
	j.errs = append(j.errs, err)
}

// Validate checks the whole tree before anything runs and reports every
// problem at once.
func (j *Job) Validate() error {
	if j.pipeline.Len() == 0 {
		return NewJobError("job %s has no actions", j.ID)
	}
	if err := j.pipeline.Validate(); err != nil {
		return err
	}
	errs := j.pipeline.Errors()
	for _, p := range j.Protocols {
		v, ok := p.(interface{ Validate() error })
		if !ok {
			continue
		}
		if err := v.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return NewJobError("invalid job definition: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Run runs the root pipeline and always cleans up afterwards with a
// fresh context, even when ctx was canceled.
func (j *Job) Run(ctx context.Context) error {
	j.started = time.Now()
	j.status = StatusRunning
	deadline := j.Timeout.Deadline(j.started, time.Time{})
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	j.Logger.Info().
		Str("device", j.deviceName()).
		Str("timeout", j.Timeout.Duration.String()).
		Msg("job started")

	var conn connection.Connection
	err := j.setupProtocols(runCtx)
	if err == nil {
		conn, err = j.pipeline.Run(runCtx, nil, deadline)
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			j.canceled = true
		}
		j.fail(err)
		j.Logger.Error().Err(err).Str("kind", string(KindOf(err))).Msg("job failed")
	}

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), CleanupTimeout)
	defer cleanupCancel()
	if err != nil {
		j.runDiagnostics(cleanupCtx, conn)
	}
	if cerr := j.pipeline.Cleanup(cleanupCtx, conn); cerr != nil {
		j.Logger.Error().Err(cerr).Msg("err during cleanup")
	}
	j.finaliseProtocols(cleanupCtx)
	j.conclude()
	metrics.JobsFinished.WithLabelValues(string(j.status)).Inc()

	j.Logger.Info().
		Str("status", string(j.status)).
		Str("duration", FormatDuration(time.Since(j.started))).
		Msg("job finished")
	return err
}

func (j *Job) deviceName() string {
	if j.Device == nil {
		return ""
	}
	return j.Device.Hostname
}

func (j *Job) setupProtocols(ctx context.Context) error {
	for _, p := range j.Protocols {
		if err := p.Setup(ctx, j); err != nil {
			return Annotate(err, "protocol %s setup failed: %v", p.Name(), err)
		}
	}
	return nil
}

func (j *Job) finaliseProtocols(ctx context.Context) {
	for _, p := range j.Protocols {
		if err := p.Finalise(ctx); err != nil {
			j.Logger.Error().Err(err).Str("protocol", p.Name()).Msg("err finalising protocol")
		}
	}
}

func (j *Job) runDiagnostics(ctx context.Context, conn connection.Connection) {
	for _, trigger := range j.triggers {
		for _, d := range j.diagnostics {
			if d.trigger != trigger {
				continue
			}
			if _, err := d.Run(ctx, conn, time.Time{}); err != nil {
				d.Logger.Warn().Err(err).Msg("diagnostic failed")
			}
		}
	}
}

// conclude sets the final status once.
func (j *Job) conclude() {
	switch j.status {
	case StatusComplete, StatusIncomplete, StatusCanceled:
		return
	}
	switch {
	case j.canceled:
		j.status = StatusCanceled
	case len(j.errs) > 0:
		j.status = StatusIncomplete
	default:
		j.status = StatusComplete
	}
}
