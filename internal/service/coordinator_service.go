package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/haatos/simple-lava/internal/metrics"
	"github.com/haatos/simple-lava/internal/multinode"
	"github.com/haatos/simple-lava/internal/store"
)

type CoordinatorServicer interface {
	Handle(context.Context, multinode.Request) (*multinode.Response, error)
	GetGroup(context.Context, string) (*GroupInfo, error)
	ExpireGroups(context.Context) (int64, error)
}

// GroupInfo is a group with its registered clients.
type GroupInfo struct {
	Group   *store.Group   `json:"group"`
	Clients []store.Client `json:"clients"`
}

// CoordinatorService answers the multinode requests of the jobs in a
// group. Requests are serialised so a group is never observed half
// updated.
type CoordinatorService struct {
	mu         sync.Mutex
	groupStore store.GroupStore
	expiry     time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

func NewCoordinatorService(
	s store.GroupStore,
	expiry time.Duration,
	logger zerolog.Logger,
) *CoordinatorService {
	return &CoordinatorService{
		groupStore: s,
		expiry:     expiry,
		logger:     logger.With().Str("component", "coordinator").Logger(),
		now:        time.Now,
	}
}

func (cs *CoordinatorService) Handle(
	ctx context.Context,
	req multinode.Request,
) (*multinode.Response, error) {
	if req.GroupName == "" {
		return nil, NewErrInvalidRequest("group_name is required")
	}
	if req.ClientName == "" && req.Request != multinode.RequestClear {
		return nil, NewErrInvalidRequest("client_name is required")
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	var (
		resp *multinode.Response
		err  error
	)
	switch req.Request {
	case multinode.RequestStart:
		resp, err = cs.start(ctx, req)
	case multinode.RequestSend:
		resp, err = cs.send(ctx, req)
	case multinode.RequestSync:
		resp, err = cs.sync(ctx, req)
	case multinode.RequestWait:
		resp, err = cs.wait(ctx, req)
	case multinode.RequestWaitAll:
		resp, err = cs.waitAll(ctx, req)
	case multinode.RequestClear:
		resp, err = cs.clear(ctx, req)
	default:
		return nil, NewErrInvalidRequest(fmt.Sprintf("unknown request %q", req.Request))
	}
	if err != nil {
		return nil, err
	}
	metrics.CoordinatorRequests.WithLabelValues(req.Request, resp.Response).Inc()
	cs.logger.Debug().
		Str("request", req.Request).
		Str("group", req.GroupName).
		Str("client", req.ClientName).
		Str("message_id", req.MessageID).
		Str("response", resp.Response).
		Msg("coordinator request")
	return resp, nil
}

func (cs *CoordinatorService) GetGroup(ctx context.Context, name string) (*GroupInfo, error) {
	g, err := cs.groupStore.ReadGroup(ctx, name)
	if err != nil {
		return nil, err
	}
	clients, err := cs.groupStore.ListClients(ctx, name)
	if err != nil {
		return nil, err
	}
	return &GroupInfo{Group: g, Clients: clients}, nil
}

// ExpireGroups removes the groups whose expiry has passed.
func (cs *CoordinatorService) ExpireGroups(ctx context.Context) (int64, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	n, err := cs.groupStore.RemoveExpired(ctx, cs.now())
	if err != nil {
		return 0, fmt.Errorf("err removing expired groups: %w", err)
	}
	cs.updateGroupGauge(ctx)
	return n, nil
}

// ScheduleExpiry runs ExpireGroups on s every interval.
func (cs *CoordinatorService) ScheduleExpiry(s gocron.Scheduler, interval time.Duration) error {
	return scheduleEvery(s, interval, func() {
		n, err := cs.ExpireGroups(context.Background())
		if err != nil {
			cs.logger.Error().Err(err).Msg("err expiring multinode groups")
			return
		}
		if n > 0 {
			cs.logger.Info().Int64("groups", n).Msg("expired multinode groups")
		}
	})
}

func (cs *CoordinatorService) start(ctx context.Context, req multinode.Request) (*multinode.Response, error) {
	g, err := cs.groupStore.ReadGroup(ctx, req.GroupName)
	if errors.Is(err, sql.ErrNoRows) {
		if req.GroupSize < 1 {
			return nack(), nil
		}
		g, err = cs.groupStore.CreateGroup(ctx, req.GroupName, req.GroupSize, cs.now().Add(cs.expiry))
		if err != nil {
			return nil, fmt.Errorf("err creating group %s: %w", req.GroupName, err)
		}
		cs.updateGroupGauge(ctx)
		cs.logger.Info().Str("group", g.GroupName).Int("size", g.GroupSize).Msg("group created")
	} else if err != nil {
		return nil, fmt.Errorf("err reading group %s: %w", req.GroupName, err)
	}
	if req.GroupSize != 0 && req.GroupSize != g.GroupSize {
		cs.logger.Warn().
			Str("group", g.GroupName).
			Int("size", g.GroupSize).
			Int("requested", req.GroupSize).
			Msg("group size mismatch")
		return nack(), nil
	}

	clients, err := cs.groupStore.ListClients(ctx, req.GroupName)
	if err != nil {
		return nil, err
	}
	if !hasClient(clients, req.ClientName) {
		if len(clients) >= g.GroupSize {
			return nack(), nil
		}
		if err := cs.groupStore.AddClient(ctx, req.GroupName, req.ClientName, req.Role); err != nil {
			return nil, fmt.Errorf("err registering %s: %w", req.ClientName, err)
		}
		clients = append(clients, store.Client{
			GroupName:  req.GroupName,
			ClientName: req.ClientName,
			Role:       req.Role,
		})
	}
	if len(clients) < g.GroupSize {
		return waitResponse(), nil
	}
	return ack(nil), nil
}

func (cs *CoordinatorService) send(ctx context.Context, req multinode.Request) (*multinode.Response, error) {
	if _, ok, err := cs.member(ctx, req); err != nil || !ok {
		return nack(), err
	}
	if req.MessageID == "" {
		return nack(), nil
	}
	if err := cs.groupStore.AddMessage(
		ctx, req.GroupName, req.MessageID, req.ClientName, req.Message,
	); err != nil {
		return nil, fmt.Errorf("err storing message %s: %w", req.MessageID, err)
	}
	return ack(nil), nil
}

func (cs *CoordinatorService) sync(ctx context.Context, req multinode.Request) (*multinode.Response, error) {
	g, ok, err := cs.member(ctx, req)
	if err != nil || !ok {
		return nack(), err
	}
	if req.MessageID == "" {
		return nack(), nil
	}
	if err := cs.groupStore.AddSync(ctx, req.GroupName, req.MessageID, req.ClientName); err != nil {
		return nil, fmt.Errorf("err storing sync %s: %w", req.MessageID, err)
	}
	count, err := cs.groupStore.CountSyncs(ctx, req.GroupName, req.MessageID)
	if err != nil {
		return nil, err
	}
	if count < int64(g.GroupSize) {
		return waitResponse(), nil
	}
	return ack(nil), nil
}

// wait completes as soon as any client has sent the message id.
func (cs *CoordinatorService) wait(ctx context.Context, req multinode.Request) (*multinode.Response, error) {
	if _, ok, err := cs.member(ctx, req); err != nil || !ok {
		return nack(), err
	}
	messages, err := cs.groupStore.ListMessages(ctx, req.GroupName, req.MessageID)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return waitResponse(), nil
	}
	return ack(byClient(messages)), nil
}

// waitAll completes once every client, or every client with req.Role
// when set, has sent the message id.
func (cs *CoordinatorService) waitAll(ctx context.Context, req multinode.Request) (*multinode.Response, error) {
	if _, ok, err := cs.member(ctx, req); err != nil || !ok {
		return nack(), err
	}
	clients, err := cs.groupStore.ListClients(ctx, req.GroupName)
	if err != nil {
		return nil, err
	}
	messages, err := cs.groupStore.ListMessages(ctx, req.GroupName, req.MessageID)
	if err != nil {
		return nil, err
	}
	sent := byClient(messages)
	reply := make(map[string]map[string]string)
	expected := 0
	for _, c := range clients {
		if req.Role != "" && c.Role != req.Role {
			continue
		}
		expected++
		if m, ok := sent[c.ClientName]; ok {
			reply[c.ClientName] = m
		}
	}
	if expected == 0 {
		return nack(), nil
	}
	if len(reply) < expected {
		return waitResponse(), nil
	}
	return ack(reply), nil
}

func (cs *CoordinatorService) clear(ctx context.Context, req multinode.Request) (*multinode.Response, error) {
	if err := cs.groupStore.DeleteGroup(ctx, req.GroupName); err != nil {
		return nil, fmt.Errorf("err deleting group %s: %w", req.GroupName, err)
	}
	cs.updateGroupGauge(ctx)
	cs.logger.Info().Str("group", req.GroupName).Msg("group cleared")
	return ack(nil), nil
}

// member reads the group of req and reports whether req.ClientName is
// registered in it.
func (cs *CoordinatorService) member(ctx context.Context, req multinode.Request) (*store.Group, bool, error) {
	g, err := cs.groupStore.ReadGroup(ctx, req.GroupName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	clients, err := cs.groupStore.ListClients(ctx, req.GroupName)
	if err != nil {
		return nil, false, err
	}
	return g, hasClient(clients, req.ClientName), nil
}

func (cs *CoordinatorService) updateGroupGauge(ctx context.Context) {
	n, err := cs.groupStore.CountGroups(ctx)
	if err != nil {
		cs.logger.Warn().Err(err).Msg("err counting groups")
		return
	}
	metrics.CoordinatorGroups.Set(float64(n))
}

func hasClient(clients []store.Client, name string) bool {
	for _, c := range clients {
		if c.ClientName == name {
			return true
		}
	}
	return false
}

func byClient(messages []store.Message) map[string]map[string]string {
	m := make(map[string]map[string]string, len(messages))
	for _, msg := range messages {
		data := msg.Message
		if data == nil {
			data = map[string]string{}
		}
		m[msg.ClientName] = data
	}
	return m
}

func ack(message map[string]map[string]string) *multinode.Response {
	return &multinode.Response{Response: multinode.ResponseAck, Message: message}
}

func nack() *multinode.Response {
	return &multinode.Response{Response: multinode.ResponseNack}
}

func waitResponse() *multinode.Response {
	return &multinode.Response{Response: multinode.ResponseWait}
}
