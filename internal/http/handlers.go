package httpapp

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/oktamirror/oktamirror/internal/metadata"
	syncer "github.com/oktamirror/oktamirror/internal/sync"
)

const defaultHistoryLimit = 20

// SyncController is the slice of the sync service the handlers need.
type SyncController interface {
	StartSync(ctx context.Context, tenant string) (syncID, status string, err error)
	CancelSync(tenant string) (syncID string, wasRunning bool)
	GetStatus(ctx context.Context, tenant string) (syncer.Status, error)
	History(ctx context.Context, tenant string, limit int) ([]metadata.SyncRecord, error)
}

// GraphVersions reports a tenant's promoted snapshot state.
type GraphVersions interface {
	CurrentVersion() int
	CurrentPath() string
}

// Handlers groups the control-surface handlers and their dependencies.
// Versions doubles as the tenant registry: a tenant absent from it is
// unknown to every route.
type Handlers struct {
	Syncs    SyncController
	Versions map[string]GraphVersions
}

type errorResponse struct {
	Error string `json:"error"`
}

type startResponse struct {
	SyncID string `json:"sync_id"`
	Status string `json:"status"`
}

// HandleHealthz returns a simple health check response.
func (h *Handlers) HandleHealthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// HandleStartSync launches a sync for the tenant. A sync already in flight
// is reported as a conflict along with its id.
func (h *Handlers) HandleStartSync(c echo.Context) error {
	tenant, ok := h.tenant(c)
	if !ok {
		return unknownTenant(c)
	}

	syncID, status, err := h.Syncs.StartSync(c.Request().Context(), tenant)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	if status == syncer.StartStatusAlreadyRunning {
		return c.JSON(http.StatusConflict, startResponse{SyncID: syncID, Status: status})
	}
	return c.JSON(http.StatusAccepted, startResponse{SyncID: syncID, Status: status})
}

// HandleCancelSync signals the tenant's running sync to stop.
func (h *Handlers) HandleCancelSync(c echo.Context) error {
	tenant, ok := h.tenant(c)
	if !ok {
		return unknownTenant(c)
	}

	syncID, running := h.Syncs.CancelSync(tenant)
	if !running {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "no sync running"})
	}
	return c.JSON(http.StatusAccepted, startResponse{SyncID: syncID, Status: "canceling"})
}

// HandleSyncStatus returns the active and last completed sync for a tenant.
func (h *Handlers) HandleSyncStatus(c echo.Context) error {
	tenant, ok := h.tenant(c)
	if !ok {
		return unknownTenant(c)
	}

	status, err := h.Syncs.GetStatus(c.Request().Context(), tenant)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, status)
}

// HandleSyncHistory returns recent sync rows, newest first. The limit query
// parameter defaults to 20.
func (h *Handlers) HandleSyncHistory(c echo.Context) error {
	tenant, ok := h.tenant(c)
	if !ok {
		return unknownTenant(c)
	}

	limit := defaultHistoryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
		}
		limit = n
	}

	rows, err := h.Syncs.History(c.Request().Context(), tenant, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	if rows == nil {
		rows = []metadata.SyncRecord{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"tenant":  tenant,
		"history": rows,
	})
}

// HandleGraphVersion returns the tenant's promoted snapshot version and the
// directory readers should open.
func (h *Handlers) HandleGraphVersion(c echo.Context) error {
	tenant, ok := h.tenant(c)
	if !ok {
		return unknownTenant(c)
	}

	v := h.Versions[tenant]
	return c.JSON(http.StatusOK, map[string]any{
		"tenant":  tenant,
		"version": v.CurrentVersion(),
		"path":    v.CurrentPath(),
	})
}

func (h *Handlers) tenant(c echo.Context) (string, bool) {
	tenant := c.Param("tenant")
	_, ok := h.Versions[tenant]
	return tenant, ok
}

func unknownTenant(c echo.Context) error {
	return c.JSON(http.StatusNotFound, errorResponse{Error: "unknown tenant"})
}
