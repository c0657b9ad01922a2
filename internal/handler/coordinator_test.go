package handler

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haatos/simple-lava/internal"
	"github.com/haatos/simple-lava/internal/multinode"
	"github.com/haatos/simple-lava/internal/service"
	"github.com/haatos/simple-lava/internal/settings"
	"github.com/haatos/simple-lava/internal/store"
)

type MockCoordinatorService struct {
	mock.Mock
}

func (m *MockCoordinatorService) Handle(
	ctx context.Context,
	req multinode.Request,
) (*multinode.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*multinode.Response), args.Error(1)
}

func (m *MockCoordinatorService) GetGroup(ctx context.Context, name string) (*service.GroupInfo, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.GroupInfo), args.Error(1)
}

func (m *MockCoordinatorService) ExpireGroups(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func newTestEcho(svc service.CoordinatorServicer) *echo.Echo {
	return NewEcho(NewCoordinatorHandler(svc), zerolog.Nop())
}

func TestCoordinatorHandler_PostMessage(t *testing.T) {
	t.Run("success - request answered", func(t *testing.T) {
		// arrange
		expected := multinode.Request{
			Request:    multinode.RequestSync,
			GroupName:  "bbb-group",
			ClientName: "12",
			MessageID:  "booted",
		}
		svc := new(MockCoordinatorService)
		svc.On("Handle", mock.Anything, expected).
			Return(&multinode.Response{Response: multinode.ResponseWait}, nil)
		e := newTestEcho(svc)
		body := `{"request":"lava_sync","group_name":"ignored","client_name":" 12 ","messageID":"booted"}`
		req := httptest.NewRequest(http.MethodPost, "/v1/groups/bbb-group/messages", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, req)

		// assert
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"response":"wait"}`, rec.Body.String())
		svc.AssertExpectations(t)
	})

	t.Run("fail - invalid json", func(t *testing.T) {
		// arrange
		svc := new(MockCoordinatorService)
		e := newTestEcho(svc)
		req := httptest.NewRequest(http.MethodPost, "/v1/groups/bbb-group/messages", strings.NewReader("{"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, req)

		// assert
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		svc.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	})

	t.Run("fail - invalid request", func(t *testing.T) {
		// arrange
		svc := new(MockCoordinatorService)
		svc.On("Handle", mock.Anything, mock.Anything).
			Return(nil, service.NewErrInvalidRequest("client_name is required"))
		e := newTestEcho(svc)
		req := httptest.NewRequest(
			http.MethodPost,
			"/v1/groups/bbb-group/messages",
			strings.NewReader(`{"request":"lava_send"}`),
		)
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, req)

		// assert
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "client_name is required")
	})

	t.Run("fail - service error", func(t *testing.T) {
		// arrange
		svc := new(MockCoordinatorService)
		svc.On("Handle", mock.Anything, mock.Anything).Return(nil, errors.New("database is locked"))
		e := newTestEcho(svc)
		req := httptest.NewRequest(
			http.MethodPost,
			"/v1/groups/bbb-group/messages",
			strings.NewReader(`{"request":"lava_send","client_name":"1"}`),
		)
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, req)

		// assert
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "database is locked")
	})
}

func TestCoordinatorHandler_GetGroup(t *testing.T) {
	t.Run("success - group found", func(t *testing.T) {
		// arrange
		info := &service.GroupInfo{
			Group:   &store.Group{GroupName: "bbb-group", GroupSize: 2},
			Clients: []store.Client{{GroupName: "bbb-group", ClientName: "1", Role: "server"}},
		}
		svc := new(MockCoordinatorService)
		svc.On("GetGroup", mock.Anything, "bbb-group").Return(info, nil)
		e := newTestEcho(svc)
		req := httptest.NewRequest(http.MethodGet, "/v1/groups/bbb-group", nil)
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, req)

		// assert
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"GroupSize":2`)
		assert.Contains(t, rec.Body.String(), `"Role":"server"`)
	})

	t.Run("fail - group not found", func(t *testing.T) {
		// arrange
		svc := new(MockCoordinatorService)
		svc.On("GetGroup", mock.Anything, "missing").Return(nil, sql.ErrNoRows)
		e := newTestEcho(svc)
		req := httptest.NewRequest(http.MethodGet, "/v1/groups/missing", nil)
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, req)

		// assert
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "group not found")
	})
}

func TestCoordinatorHandler_DeleteGroup(t *testing.T) {
	t.Run("success - group cleared", func(t *testing.T) {
		// arrange
		svc := new(MockCoordinatorService)
		svc.On("Handle", mock.Anything, multinode.Request{
			Request:   multinode.RequestClear,
			GroupName: "bbb-group",
		}).Return(&multinode.Response{Response: multinode.ResponseAck}, nil)
		e := newTestEcho(svc)
		req := httptest.NewRequest(http.MethodDelete, "/v1/groups/bbb-group", nil)
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, req)

		// assert
		assert.Equal(t, http.StatusNoContent, rec.Code)
		svc.AssertExpectations(t)
	})
}

func TestServer_Routes(t *testing.T) {
	t.Run("success - healthz and metrics", func(t *testing.T) {
		// arrange
		e := newTestEcho(new(MockCoordinatorService))

		for _, path := range []string{"/healthz", "/metrics"} {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			rec := httptest.NewRecorder()

			// act
			e.ServeHTTP(rec, req)

			// assert
			assert.Equal(t, http.StatusOK, rec.Code, path)
		}
	})
}

func TestCoordinator_MultinodeClient(t *testing.T) {
	t.Run("success - two clients synchronise through the server", func(t *testing.T) {
		// arrange
		db, err := sql.Open("sqlite", ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		db.SetMaxOpenConns(1)
		_, err = db.Exec("PRAGMA foreign_keys = ON;")
		require.NoError(t, err)
		require.NoError(t, store.RunMigrations(db, settings.DriverSQLite, internal.MigrationsDir))
		svc := service.NewCoordinatorService(store.NewGroupSQLStore(db, db), time.Hour, zerolog.Nop())
		srv := httptest.NewServer(newTestEcho(svc))
		t.Cleanup(srv.Close)
		client := multinode.NewHTTPClient(srv.URL, 5*time.Second, zerolog.Nop())
		ctx := context.Background()
		start := func(name string) *multinode.Response {
			resp, err := client.Request(ctx, multinode.Request{
				Request:    multinode.RequestStart,
				GroupName:  "bbb-group",
				ClientName: name,
				Role:       "peer",
				GroupSize:  2,
			})
			require.NoError(t, err)
			return resp
		}

		// act
		first := start("1")
		second := start("2")
		_, err = client.Request(ctx, multinode.Request{
			Request:    multinode.RequestSend,
			GroupName:  "bbb-group",
			ClientName: "1",
			MessageID:  "ip",
			Message:    map[string]string{"addr": "10.0.0.1"},
		})
		require.NoError(t, err)
		waited, err := client.Request(ctx, multinode.Request{
			Request:    multinode.RequestWait,
			GroupName:  "bbb-group",
			ClientName: "2",
			MessageID:  "ip",
		})

		// assert
		assert.Equal(t, multinode.ResponseWait, first.Response)
		assert.Equal(t, multinode.ResponseAck, second.Response)
		require.NoError(t, err)
		assert.Equal(t, "1:addr=10.0.0.1", multinode.Flatten(waited.Message))
	})

	t.Run("fail - http client reports rejected requests", func(t *testing.T) {
		// arrange
		svc := new(MockCoordinatorService)
		srv := httptest.NewServer(newTestEcho(svc))
		t.Cleanup(srv.Close)
		svc.On("Handle", mock.Anything, mock.Anything).
			Return(nil, service.NewErrInvalidRequest("client_name is required"))
		client := multinode.NewHTTPClient(srv.URL, 5*time.Second, zerolog.Nop())

		// act
		_, err := client.Request(context.Background(), multinode.Request{
			Request:   multinode.RequestSend,
			GroupName: "bbb-group",
		})

		// assert
		assert.ErrorContains(t, err, "coordinator rejected lava_send with 400")
	})
}
