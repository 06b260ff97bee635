package handler

import (
	"net/http"

	"relaybox/internal/outbox"
	"relaybox/internal/scheduler"
	"relaybox/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

// MaintenanceHandler runs cleanup and reconciliation on demand and exposes the job scheduler.
type MaintenanceHandler struct {
	cleanup        *outbox.CleanupService
	reconciliation *outbox.ReconciliationService
	scheduler      *scheduler.Scheduler
}

func NewMaintenanceHandler(cleanup *outbox.CleanupService, reconciliation *outbox.ReconciliationService, sched *scheduler.Scheduler) *MaintenanceHandler {
	return &MaintenanceHandler{cleanup: cleanup, reconciliation: reconciliation, scheduler: sched}
}

func (h *MaintenanceHandler) Cleanup(c *gin.Context) {
	result, err := h.cleanup.RunFullCleanup(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(result))
}

// Reconcile returns the per-sweep results even when a sweep failed.
func (h *MaintenanceHandler) Reconcile(c *gin.Context) {
	result, err := h.reconciliation.RunComprehensive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusMultiStatus, httpdto.Response[outbox.ReconciliationResult]{
			Success: false,
			Data:    result,
			Error:   err.Error(),
			Code:    "PARTIAL_FAILURE",
		})
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(result))
}

func (h *MaintenanceHandler) ListJobs(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse([]scheduler.JobStatus{}))
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(h.scheduler.Statuses()))
}

func (h *MaintenanceHandler) TriggerJob(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusNotFound, httpdto.NewErrorResponse("scheduler disabled", "NOT_FOUND"))
		return
	}
	name := c.Param("name")
	if err := h.scheduler.TriggerNow(c.Request.Context(), name); err != nil {
		_ = c.Error(err)
		return
	}
	status, err := h.scheduler.Status(name)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(status))
}
