package multinode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/connection"
)

const (
	Name             = "lava-multinode"
	DefaultTimeout   = 5 * time.Minute
	DefaultPollDelay = time.Second
)

var errWaiting = errors.New("coordinator asked to wait")

// Protocol is the job side of a multinode group.
type Protocol struct {
	TargetGroup string
	Role        string
	// Roles maps the client names of the group to their roles.
	Roles     map[string]string
	GroupSize int
	Timeout   time.Duration
	PollDelay time.Duration

	client     Coordinator
	clientName string
	logger     zerolog.Logger
	handlers   map[string]signalHandler
}

type signalHandler func(ctx context.Context, conn connection.Connection, params []string) error

// NewProtocol reads the lava-multinode block of the job protocols.
func NewProtocol(params action.Parameters, client Coordinator) *Protocol {
	p := &Protocol{
		TargetGroup: params.String("target_group"),
		Role:        params.String("role"),
		Roles:       make(map[string]string),
		GroupSize:   params.Int("group_size", 0),
		Timeout:     DefaultTimeout,
		PollDelay:   DefaultPollDelay,
		client:      client,
		logger:      zerolog.Nop(),
	}
	if block := params.Map("timeout"); block != nil {
		if d, err := action.ParseTimeout(block); err == nil {
			p.Timeout = d
		}
	}
	roles := params.Map("roles")
	for name := range roles {
		p.Roles[name] = roles.String(name)
	}
	p.handlers = map[string]signalHandler{
		"LAVA_SEND":     p.send,
		"LAVA_SYNC":     p.sync,
		"LAVA_WAIT":     p.wait,
		"LAVA_WAIT_ALL": p.waitAll,
	}
	return p
}

func (p *Protocol) Name() string {
	return Name
}

func (p *Protocol) ClientName() string {
	return p.clientName
}

func (p *Protocol) Validate() error {
	var problems []string
	if p.TargetGroup == "" {
		problems = append(problems, "target_group is required")
	}
	if p.Role == "" {
		problems = append(problems, "role is required")
	}
	if p.GroupSize < 1 {
		problems = append(problems, "group_size must be positive")
	}
	if p.client == nil {
		problems = append(problems, "no coordinator configured")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s: %s", Name, strings.Join(problems, ", "))
	}
	return nil
}

// Setup registers the job with the coordinator and waits until the
// whole group has registered.
func (p *Protocol) Setup(ctx context.Context, job *action.Job) error {
	p.clientName = job.ID
	p.logger = job.Logger.With().Str("protocol", Name).Logger()
	resp, err := p.poll(ctx, p.request(RequestStart, ""))
	if err != nil {
		return action.NewInfrastructureError("err registering with the coordinator: %v", err)
	}
	if resp.Response == ResponseNack {
		return action.NewJobError("coordinator refused %s in group %s", p.clientName, p.TargetGroup)
	}
	p.logger.Info().Str("group", p.TargetGroup).Str("role", p.Role).Msg("registered with coordinator")
	return nil
}

func (p *Protocol) Finalise(ctx context.Context) error {
	p.logger.Debug().Str("group", p.TargetGroup).Msg("multinode protocol finalised")
	return nil
}

// Signal handles the multinode signals and ignores everything else.
func (p *Protocol) Signal(
	ctx context.Context,
	conn connection.Connection,
	name string,
	params []string,
) (bool, error) {
	handle, ok := p.handlers[strings.ToUpper(name)]
	if !ok {
		return false, nil
	}
	p.logger.Debug().Str("signal", name).Strs("params", params).Msg("multinode signal")
	return true, handle(ctx, conn, params)
}

func (p *Protocol) request(kind, messageID string) Request {
	return Request{
		Request:    kind,
		GroupName:  p.TargetGroup,
		ClientName: p.clientName,
		Role:       p.Role,
		GroupSize:  p.GroupSize,
		MessageID:  messageID,
		Timeout:    int(p.Timeout.Seconds()),
	}
}

// poll repeats req while the coordinator answers "wait".
func (p *Protocol) poll(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	var reply *Response
	op := func() error {
		resp, err := p.client.Request(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if resp.Response == ResponseWait {
			return errWaiting
		}
		reply = resp
		return nil
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(p.PollDelay), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, errWaiting) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &ProtocolTimeoutError{Request: req.Request, MessageID: req.MessageID, Timeout: p.Timeout}
		}
		return nil, action.NewInfrastructureError("err sending %s to coordinator: %v", req.Request, err)
	}
	return reply, nil
}

func (p *Protocol) send(ctx context.Context, _ connection.Connection, params []string) error {
	if len(params) < 1 {
		return malformed("LAVA_SEND", params)
	}
	req := p.request(RequestSend, params[0])
	req.Message = make(map[string]string)
	for _, tok := range params[1:] {
		k, v, ok := strings.Cut(tok, "=")
		if !ok || k == "" {
			return malformed("LAVA_SEND", params)
		}
		req.Message[k] = v
	}
	resp, err := p.client.Request(ctx, req)
	if err != nil {
		return action.NewInfrastructureError("err sending %s to coordinator: %v", params[0], err)
	}
	if resp.Response == ResponseNack {
		return action.NewTestError("coordinator refused message %s", params[0])
	}
	return nil
}

func (p *Protocol) sync(ctx context.Context, conn connection.Connection, params []string) error {
	if len(params) != 1 {
		return malformed("LAVA_SYNC", params)
	}
	resp, err := p.poll(ctx, p.request(RequestSync, params[0]))
	if err != nil {
		_ = p.reply(ctx, conn, "LAVA_SYNC_COMPLETE", ResponseNack)
		return err
	}
	if resp.Response == ResponseNack {
		return p.reply(ctx, conn, "LAVA_SYNC_COMPLETE", ResponseNack)
	}
	return p.reply(ctx, conn, "LAVA_SYNC_COMPLETE", "")
}

func (p *Protocol) wait(ctx context.Context, conn connection.Connection, params []string) error {
	if len(params) != 1 {
		return malformed("LAVA_WAIT", params)
	}
	return p.waitFor(ctx, conn, "LAVA_WAIT_COMPLETE", p.request(RequestWait, params[0]))
}

func (p *Protocol) waitAll(ctx context.Context, conn connection.Connection, params []string) error {
	if len(params) < 1 || len(params) > 2 {
		return malformed("LAVA_WAIT_ALL", params)
	}
	req := p.request(RequestWaitAll, params[0])
	req.Role = ""
	if len(params) == 2 {
		req.Role = params[1]
	}
	return p.waitFor(ctx, conn, "LAVA_WAIT_ALL_COMPLETE", req)
}

func (p *Protocol) waitFor(ctx context.Context, conn connection.Connection, marker string, req Request) error {
	resp, err := p.poll(ctx, req)
	if err != nil {
		_ = p.reply(ctx, conn, marker, ResponseNack)
		return err
	}
	if resp.Response == ResponseNack {
		return p.reply(ctx, conn, marker, ResponseNack)
	}
	return p.reply(ctx, conn, marker, Flatten(resp.Message))
}

// reply answers the helper script waiting on the device.
func (p *Protocol) reply(ctx context.Context, conn connection.Connection, marker, text string) error {
	line := "<" + marker + ">"
	if text != "" {
		line = fmt.Sprintf("<%s %s>", marker, text)
	}
	if err := conn.Sendline(ctx, line, 0); err != nil {
		return action.NewConnectionClosedError("err replying %s: %v", marker, err)
	}
	return nil
}

func malformed(name string, params []string) error {
	return action.NewTestError("malformed %s signal: %q", name, strings.Join(params, " "))
}
