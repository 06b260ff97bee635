// Package handler provides HTTP handlers for the outbox admin API.
package handler

import (
	"net/http"
	"strconv"
	"time"

	"relaybox/internal/outbox"
	"relaybox/internal/repository"
	"relaybox/internal/transport/httpdto"
	relaybox_errors "relaybox/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// OutboxHandler exposes DLQ operations and message inspection to operators.
type OutboxHandler struct {
	repo             repository.OutboxRepository
	dlq              *outbox.DlqService
	dlqRetentionDays int
	clock            func() time.Time
}

func NewOutboxHandler(repo repository.OutboxRepository, dlq *outbox.DlqService, dlqRetentionDays int) *OutboxHandler {
	return &OutboxHandler{repo: repo, dlq: dlq, dlqRetentionDays: dlqRetentionDays, clock: time.Now}
}

func (h *OutboxHandler) GetMessage(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	msg, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromOutboxMessage(msg, h.clock(), true)))
}

func (h *OutboxHandler) ListDlq(c *gin.Context) {
	msgs, err := h.dlq.ListDlqMessages(c.Request.Context(), c.Query("type"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.ListDlqResponse{
		Messages: httpdto.FromOutboxMessages(msgs, h.clock()),
		Total:    len(msgs),
	}))
}

func (h *OutboxHandler) DlqStatistics(c *gin.Context) {
	stats, err := h.dlq.GetDlqStatistics(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(stats))
}

func (h *OutboxHandler) ProcessDlq(c *gin.Context) {
	result, err := h.dlq.ProcessDlqMessages(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(result))
}

func (h *OutboxHandler) RetryDlqMessage(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	applied, err := h.dlq.RetryDlqMessage(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !applied {
		c.JSON(http.StatusNotFound, httpdto.NewErrorResponse("message not found in DLQ", "NOT_FOUND"))
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.MessageActionResponse{MessageID: id, Applied: true}))
}

func (h *OutboxHandler) FailDlqMessage(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req httpdto.FailMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
		return
	}

	applied, err := h.dlq.MarkDlqMessageAsPermanentlyFailed(c.Request.Context(), id, req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !applied {
		c.JSON(http.StatusNotFound, httpdto.NewErrorResponse("message not found in DLQ", "NOT_FOUND"))
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.MessageActionResponse{MessageID: id, Applied: true}))
}

// PurgeDlq deletes DLQ messages older than ?older_than_days (default: configured retention).
func (h *OutboxHandler) PurgeDlq(c *gin.Context) {
	days := h.dlqRetentionDays
	if raw := c.Query("older_than_days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("older_than_days must be an integer", "INVALID_REQUEST"))
			return
		}
		days = parsed
	}

	deleted, err := h.dlq.CleanupOldDlqMessages(c.Request.Context(), days)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.DeletedResponse{Deleted: deleted}))
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse(relaybox_errors.ErrInvalidInput.Error()+": id", "INVALID_REQUEST"))
		return uuid.Nil, false
	}
	return id, true
}
