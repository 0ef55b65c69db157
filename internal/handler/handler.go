package handler

import (
	"errors"
	"log"
	"strconv"
	"strings"

	"indexcheck/internal/model"
	"indexcheck/internal/repository"
	"indexcheck/internal/service"
	"indexcheck/pkg/response"

	"github.com/gin-gonic/gin"
)

// Handler serves the HTTP API on top of the services.
type Handler struct {
	creditService  *service.CreditService
	projectService *service.ProjectService
	importService  *service.ImportService
	checkService   *service.CheckService
}

func NewHandler(credits *service.CreditService, projects *service.ProjectService, imports *service.ImportService, checks *service.CheckService) *Handler {
	return &Handler{
		creditService:  credits,
		projectService: projects,
		importService:  imports,
		checkService:   checks,
	}
}

// respondError maps a service error to the response envelope. Storage failures
// are logged and reported without their internals.
func respondError(c *gin.Context, err error) {
	var insufficient *service.InsufficientCreditsError
	var invalidState *service.InvalidStateError

	switch {
	case errors.As(err, &insufficient):
		response.ErrorWithData(c, response.CodeInsufficientCredits, insufficient.Error(), insufficient)
	case errors.As(err, &invalidState):
		response.ErrorWithData(c, response.CodeInvalidState, invalidState.Error(), invalidState)
	case errors.Is(err, service.ErrInvalidArgument):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrConfigMissing):
		response.BusinessError(c, response.CodeConfigMissing, err.Error())
	case errors.Is(err, service.ErrProjectNotFound):
		response.BusinessError(c, response.CodeProjectNotFound, err.Error())
	case errors.Is(err, service.ErrURLNotFound):
		response.BusinessError(c, response.CodeURLNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidState):
		response.BusinessError(c, response.CodeInvalidState, err.Error())
	case errors.Is(err, service.ErrNoPendingURLs):
		response.BusinessError(c, response.CodeNoPendingURLs, err.Error())
	case errors.Is(err, service.ErrReservationExceeded):
		response.BusinessError(c, response.CodeReservationExceeded, err.Error())
	case errors.Is(err, service.ErrProjectBusy):
		response.BusinessError(c, response.CodeProjectBusy, service.ErrProjectBusy.Error())
	case errors.Is(err, service.ErrTransactionFailed):
		log.Printf("[HTTP] %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
		response.BusinessError(c, response.CodeTransactionFailed, "operation failed, please retry")
	default:
		log.Printf("[HTTP] %s %s unexpected error: %v", c.Request.Method, c.Request.URL.Path, err)
		response.ServerError(c, "internal server error")
	}
}

// ============================================================
// Credits
// ============================================================

// GetBalance
// GET /api/v1/credits/balance
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.creditService.GetBalance(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, balance)
}

// CheckFeasibility
// GET /api/v1/credits/check?url_count=80
func (h *Handler) CheckFeasibility(c *gin.Context) {
	urlCount, err := strconv.ParseInt(c.Query("url_count"), 10, 64)
	if err != nil || urlCount < 0 {
		response.ParamError(c, "url_count must be a non-negative integer")
		return
	}

	feasibility, err := h.creditService.CheckFeasibility(c.Request.Context(), urlCount)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, feasibility)
}

// GetHistory
// GET /api/v1/credits/history?project_id=xxx&limit=50
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			response.ParamError(c, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	entries, err := h.creditService.History(c.Request.Context(), c.Query("project_id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, gin.H{"list": entries})
}

// ============================================================
// Projects
// ============================================================

type CreateProjectRequest struct {
	Name string `json:"name" binding:"required"`
}

// CreateProject
// POST /api/v1/projects
func (h *Handler) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	project, err := h.projectService.CreateProject(c.Request.Context(), req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, project)
}

// ListProjects
// GET /api/v1/projects?page=1&page_size=20
func (h *Handler) ListProjects(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	result, err := h.projectService.ListProjects(c.Request.Context(), page, pageSize)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, result)
}

// GetProject
// GET /api/v1/projects/:id
func (h *Handler) GetProject(c *gin.Context) {
	detail, err := h.projectService.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, detail)
}

// ListURLs
// GET /api/v1/projects/:id/urls?page=1&page_size=20&search=foo&indexed=all&sort_by=url&order=asc
func (h *Handler) ListURLs(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	q := repository.URLQuery{
		Page:          page,
		PageSize:      pageSize,
		Search:        strings.TrimSpace(c.Query("search")),
		IndexedFilter: c.DefaultQuery("indexed", repository.IndexedFilterAll),
		SortBy:        c.DefaultQuery("sort_by", "updated_at"),
		SortDesc:      !strings.EqualFold(c.DefaultQuery("order", "desc"), "asc"),
	}

	result, err := h.projectService.ListURLs(c.Request.Context(), c.Param("id"), q)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, result)
}

type ImportURLsRequest struct {
	URLs []string `json:"urls" binding:"required"`
}

// ImportURLs
// POST /api/v1/projects/:id/urls
func (h *Handler) ImportURLs(c *gin.Context) {
	var req ImportURLsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.importService.ImportURLs(c.Request.Context(), c.Param("id"), req.URLs)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, result)
}

// StartProject reserves credits and queues the project's pending URLs.
// POST /api/v1/projects/:id/start
func (h *Handler) StartProject(c *gin.Context) {
	result, err := h.projectService.StartProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, result)
}

// CancelProject
// POST /api/v1/projects/:id/cancel
func (h *Handler) CancelProject(c *gin.Context) {
	result, err := h.projectService.CancelProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, result)
}

// MarkProcessing
// POST /api/v1/projects/:id/processing
func (h *Handler) MarkProcessing(c *gin.Context) {
	projectID := c.Param("id")
	if err := h.projectService.MarkProcessing(c.Request.Context(), projectID); err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, gin.H{
		"project_id": projectID,
		"status":     model.ProjectStatusProcessing,
	})
}

// CompleteProject
// POST /api/v1/projects/:id/complete
func (h *Handler) CompleteProject(c *gin.Context) {
	projectID := c.Param("id")
	released, err := h.projectService.Complete(c.Request.Context(), projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, gin.H{
		"project_id":       projectID,
		"status":           model.ProjectStatusCompleted,
		"released_credits": released,
	})
}

// ============================================================
// Worker callback
// ============================================================

// RecordCheckResult
// POST /api/v1/checks/result
func (h *Handler) RecordCheckResult(c *gin.Context) {
	var req model.CheckResult
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	outcome, err := h.checkService.RecordResult(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, outcome)
}
