package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Agent-Field/agentfield-dids/internal/logger"
	"github.com/Agent-Field/agentfield-dids/internal/storage"
	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

// DIDRecordService is the record management surface used by the handlers.
type DIDRecordService interface {
	ReceiveDID(ctx context.Context, did string, tags map[string][]string) (*types.DIDRecord, error)
	ListRecords(ctx context.Context, filters storage.DIDRecordFilters) ([]*types.DIDRecord, error)
	FindByTag(ctx context.Context, name, value string) ([]*types.DIDRecord, error)
	UpdateTags(ctx context.Context, id string, tags map[string][]string) (*types.DIDRecord, error)
	DeleteRecord(ctx context.Context, id string) error
}

// RecordHandlers manages locally stored DID records.
type RecordHandlers struct {
	records DIDRecordService
}

func NewRecordHandlers(records DIDRecordService) *RecordHandlers {
	return &RecordHandlers{records: records}
}

// RegisterRoutes registers record routes.
func (h *RecordHandlers) RegisterRoutes(api *gin.RouterGroup) {
	records := api.Group("/records")
	{
		records.POST("", h.ReceiveDID)
		records.GET("", h.ListRecords)
		records.PUT("/:id/tags", h.UpdateTags)
		records.DELETE("/:id", h.DeleteRecord)
	}
}

type receiveDIDRequest struct {
	DID  string              `json:"did" binding:"required"`
	Tags map[string][]string `json:"tags"`
}

// ReceiveDID resolves a DID and stores it as received.
// POST /1.0/records
func (h *RecordHandlers) ReceiveDID(c *gin.Context) {
	var req receiveDIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	record, err := h.records.ReceiveDID(c.Request.Context(), req.DID, req.Tags)
	if err != nil {
		var re *types.ResolutionError
		if errors.As(err, &re) {
			c.JSON(statusForResolution(types.NewResolutionFailure(re.Code, re.Message)), gin.H{
				"error":   re.Code,
				"message": re.Message,
			})
			return
		}
		logger.Logger.Error().Err(err).Str("did", req.DID).Msg("failed to store received DID")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store did record"})
		return
	}
	c.JSON(http.StatusCreated, record)
}

// ListRecords lists records, optionally by tag (tag=name:value), role or method.
// GET /1.0/records
func (h *RecordHandlers) ListRecords(c *gin.Context) {
	if tag := strings.TrimSpace(c.Query("tag")); tag != "" {
		name, value, ok := strings.Cut(tag, ":")
		if !ok || name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tag must be name:value"})
			return
		}
		records, err := h.records.FindByTag(c.Request.Context(), name, value)
		if err != nil {
			logger.Logger.Error().Err(err).Msg("failed to find did records by tag")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list did records"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
		return
	}

	var filters storage.DIDRecordFilters
	if role := strings.TrimSpace(c.Query("role")); role != "" {
		r := types.DIDDocumentRole(role)
		filters.Role = &r
	}
	if method := strings.TrimSpace(c.Query("method")); method != "" {
		filters.Method = &method
	}
	if limit := strings.TrimSpace(c.Query("limit")); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil && parsed > 0 {
			filters.Limit = parsed
		}
	}

	records, err := h.records.ListRecords(c.Request.Context(), filters)
	if err != nil {
		logger.Logger.Error().Err(err).Msg("failed to list did records")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list did records"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

type updateTagsRequest struct {
	Tags map[string][]string `json:"tags"`
}

// UpdateTags replaces the custom tags of a record.
// PUT /1.0/records/:id/tags
func (h *RecordHandlers) UpdateTags(c *gin.Context) {
	var req updateTagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	record, err := h.records.UpdateTags(c.Request.Context(), c.Param("id"), req.Tags)
	if err != nil {
		if errors.Is(err, storage.ErrDIDRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "did record not found"})
			return
		}
		logger.Logger.Error().Err(err).Msg("failed to update did record tags")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update did record"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// DeleteRecord removes a record.
// DELETE /1.0/records/:id
func (h *RecordHandlers) DeleteRecord(c *gin.Context) {
	if err := h.records.DeleteRecord(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, storage.ErrDIDRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "did record not found"})
			return
		}
		logger.Logger.Error().Err(err).Msg("failed to delete did record")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete did record"})
		return
	}
	c.Status(http.StatusNoContent)
}
