// Package api implements the REST API for document ingestion and retrieval
package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/developer-mesh/docmesh/internal/models"
	"github.com/developer-mesh/docmesh/internal/service"
	"github.com/developer-mesh/docmesh/pkg/observability"
)

// DefaultMaxUploadBytes caps multipart uploads
const DefaultMaxUploadBytes int64 = 50 << 20

// DocumentService is the service surface the handlers call
type DocumentService interface {
	Upload(ctx context.Context, botID uuid.UUID, fileName string, data []byte, requestedBy string) (*models.Document, string, error)
	RequestProcessing(ctx context.Context, docID uuid.UUID, requestedBy string) (service.EnqueueResult, error)
	GetStatus(ctx context.Context, docID uuid.UUID) (service.StatusReport, error)
	IngestURL(ctx context.Context, botID uuid.UUID, rawURL, requestedBy string) (service.IngestResult, error)
	Search(ctx context.Context, botID uuid.UUID, query string, topK int) (service.SearchResult, error)
	DeleteDocument(ctx context.Context, docID uuid.UUID) error
	DeleteBot(ctx context.Context, botID uuid.UUID) error
}

// ProcessRequest is the optional body of a processing request
type ProcessRequest struct {
	RequestedBy string `json:"requested_by" validate:"omitempty,max=128"`
}

// IngestURLRequest asks for a web page or video transcript to be ingested
type IngestURLRequest struct {
	URL         string `json:"url" validate:"required,url,max=2048"`
	RequestedBy string `json:"requested_by" validate:"omitempty,max=128"`
}

// SearchRequest is a similarity search scoped to one bot
type SearchRequest struct {
	Query string `json:"query" validate:"required,max=4000"`
	TopK  int    `json:"top_k" validate:"omitempty,min=1,max=100"`
}

// Handler handles API requests
type Handler struct {
	service   DocumentService
	validator *validator.Validate
	logger    observability.Logger
	maxUpload int64
}

// NewHandler creates a new API handler
func NewHandler(svc DocumentService, logger observability.Logger) *Handler {
	return &Handler{
		service:   svc,
		validator: validator.New(),
		logger:    observability.OrNoop(logger).WithPrefix("api"),
		maxUpload: DefaultMaxUploadBytes,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/api/v1")

	docs := v1.Group("/documents")
	docs.POST("/:id/process", h.requestProcessing)
	docs.GET("/:id/status", h.getStatus)
	docs.DELETE("/:id", h.deleteDocument)

	bots := v1.Group("/bots/:botId")
	bots.POST("/documents", h.upload)
	bots.POST("/sources/url", h.ingestURL)
	bots.POST("/search", h.search)
	bots.DELETE("/vectors", h.deleteBot)
}

func (h *Handler) upload(c *gin.Context) {
	botID, ok := h.uuidParam(c, "botId")
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			_ = c.Error(NewAPIError(ErrPayloadTooLarge, "upload exceeds the size limit", http.StatusRequestEntityTooLarge, err))
			return
		}
		_ = c.Error(NewBadRequestError("multipart field 'file' is required", err))
		return
	}

	f, err := header.Open()
	if err != nil {
		_ = c.Error(NewBadRequestError("failed to read upload", err))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		_ = c.Error(NewBadRequestError("failed to read upload", err))
		return
	}

	doc, jobID, err := h.service.Upload(c.Request.Context(), botID, header.Filename, data, c.PostForm("requested_by"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"document": doc,
		"job_id":   jobID,
	})
}

func (h *Handler) requestProcessing(c *gin.Context) {
	docID, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}

	var req ProcessRequest
	if c.Request.ContentLength > 0 {
		if !h.bind(c, &req) {
			return
		}
	}

	res, err := h.service.RequestProcessing(c.Request.Context(), docID, req.RequestedBy)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (h *Handler) getStatus(c *gin.Context) {
	docID, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}

	report, err := h.service.GetStatus(c.Request.Context(), docID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) ingestURL(c *gin.Context) {
	botID, ok := h.uuidParam(c, "botId")
	if !ok {
		return
	}
	var req IngestURLRequest
	if !h.bind(c, &req) {
		return
	}

	res, err := h.service.IngestURL(c.Request.Context(), botID, req.URL, req.RequestedBy)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if res.Error != "" {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Code:    ErrExtractionFailed,
			Message: res.Error,
			Details: gin.H{"document": res.Document},
		})
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (h *Handler) search(c *gin.Context) {
	botID, ok := h.uuidParam(c, "botId")
	if !ok {
		return
	}
	var req SearchRequest
	if !h.bind(c, &req) {
		return
	}

	res, err := h.service.Search(c.Request.Context(), botID, req.Query, req.TopK)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   res.Status,
		"matches":  res.Matches,
		"count":    len(res.Matches),
		"degraded": res.Degraded,
	})
}

func (h *Handler) deleteDocument(c *gin.Context) {
	docID, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteDocument(c.Request.Context(), docID); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteBot(c *gin.Context) {
	botID, ok := h.uuidParam(c, "botId")
	if !ok {
		return
	}
	if err := h.service.DeleteBot(c.Request.Context(), botID); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		_ = c.Error(NewBadRequestError("invalid "+name, err))
		return uuid.Nil, false
	}
	return id, true
}

// bind decodes the JSON body into req and validates it
func (h *Handler) bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		_ = c.Error(NewBadRequestError("invalid request body", err))
		return false
	}
	if err := h.validator.Struct(req); err != nil {
		_ = c.Error(NewValidationError(err))
		return false
	}
	return true
}
