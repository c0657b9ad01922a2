package handler

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/haatos/simple-lava/internal/multinode"
	"github.com/haatos/simple-lava/internal/service"
)

type CoordinatorHandler struct {
	coordinatorService service.CoordinatorServicer
}

func NewCoordinatorHandler(coordinatorService service.CoordinatorServicer) *CoordinatorHandler {
	return &CoordinatorHandler{coordinatorService}
}

// PostMessage answers one multinode request of a job. The group of the
// path replaces the group named in the body.
func (h *CoordinatorHandler) PostMessage(c echo.Context) error {
	req := new(multinode.Request)
	if err := c.Bind(req); err != nil {
		return newError(err, http.StatusBadRequest, "invalid coordinator request")
	}
	req.GroupName = strings.TrimSpace(c.Param("group"))
	req.ClientName = strings.TrimSpace(req.ClientName)

	resp, err := h.coordinatorService.Handle(c.Request().Context(), *req)
	if err != nil {
		if isInvalidRequestError(err) {
			return newError(err, http.StatusBadRequest, err.Error())
		}
		return newError(err, http.StatusInternalServerError, "unable to handle "+req.Request)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *CoordinatorHandler) GetGroup(c echo.Context) error {
	gp := new(GroupParams)
	if err := c.Bind(gp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid group")
	}
	info, err := h.coordinatorService.GetGroup(c.Request().Context(), gp.GroupName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "group not found")
		}
		return newError(err, http.StatusInternalServerError, "unable to read group")
	}
	return c.JSON(http.StatusOK, info)
}

// DeleteGroup clears a group outside of a job, e.g. after a crashed
// dispatcher left it behind.
func (h *CoordinatorHandler) DeleteGroup(c echo.Context) error {
	gp := new(GroupParams)
	if err := c.Bind(gp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid group")
	}
	if _, err := h.coordinatorService.Handle(c.Request().Context(), multinode.Request{
		Request:   multinode.RequestClear,
		GroupName: gp.GroupName,
	}); err != nil {
		return newError(err, http.StatusInternalServerError, "unable to clear group")
	}
	return c.NoContent(http.StatusNoContent)
}

func GetHealthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}
