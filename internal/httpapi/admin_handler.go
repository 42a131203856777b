package httpapi

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"model_optimizer/internal/abtest"
	"model_optimizer/internal/cost"
	"model_optimizer/internal/middleware"
	"model_optimizer/internal/models"
	"model_optimizer/internal/optimizer"
	"model_optimizer/internal/registry"
	"model_optimizer/internal/storage"
	"model_optimizer/internal/utils"
)

const (
	defaultDeadLetterLimit = 100
	maxDeadLetterLimit     = 1000
	maxCatalogBody         = 4 << 20
)

// AdminHandler handles experiment, catalog, cost and dead-letter management
type AdminHandler struct {
	svc         *optimizer.Service
	deadLetters DeadLetterStore
	catalogFile string
	logger      *utils.Logger
}

// NewAdminHandler creates a new admin handler. deadLetters may be nil when
// executions are not persisted.
func NewAdminHandler(svc *optimizer.Service, deadLetters DeadLetterStore, catalogFile string) *AdminHandler {
	return &AdminHandler{
		svc:         svc,
		deadLetters: deadLetters,
		catalogFile: catalogFile,
		logger:      utils.NewLogger("admin"),
	}
}

// ListABTests handles GET /admin/abtests?status= - List experiments
func (h *AdminHandler) ListABTests(w http.ResponseWriter, r *http.Request) {
	status := models.ABTestStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.ABTestDraft, models.ABTestRunning, models.ABTestCompleted, models.ABTestInconclusive:
	default:
		utils.RespondWithErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, "unknown status "+strconv.Quote(string(status)))
		return
	}

	tests, err := h.svc.ListABTests(r.Context(), status)
	if err != nil {
		respondWithServiceError(w, h.logger, "list_abtests", err)
		return
	}
	if tests == nil {
		tests = []*models.ABTest{}
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"items":       tests,
		"total_count": len(tests),
	})
}

// CreateABTest handles POST /admin/abtests - Define and usually start an experiment
func (h *AdminHandler) CreateABTest(w http.ResponseWriter, r *http.Request) {
	var req abtest.CreateRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	test, err := h.svc.CreateABTest(r.Context(), req)
	if err != nil {
		respondWithServiceError(w, h.logger, "create_abtest", err)
		return
	}

	operator, _ := middleware.GetOperatorID(r.Context())
	h.logger.Info("AB test created", "test_id", test.ID, "task_type", test.TaskType, "status", test.Status, "operator", operator)
	utils.RespondWithJSON(w, http.StatusCreated, test)
}

// GetABTest handles GET /admin/abtests/{id}
func (h *AdminHandler) GetABTest(w http.ResponseWriter, r *http.Request) {
	test, err := h.svc.GetABTest(r.Context(), r.PathValue("id"))
	if err != nil {
		respondWithServiceError(w, h.logger, "get_abtest", err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, test)
}

// StartABTest handles POST /admin/abtests/{id}/start - Start a draft experiment
func (h *AdminHandler) StartABTest(w http.ResponseWriter, r *http.Request) {
	test, err := h.svc.StartABTest(r.Context(), r.PathValue("id"))
	if err != nil {
		respondWithServiceError(w, h.logger, "start_abtest", err)
		return
	}

	operator, _ := middleware.GetOperatorID(r.Context())
	h.logger.Info("AB test started", "test_id", test.ID, "operator", operator)
	utils.RespondWithJSON(w, http.StatusOK, test)
}

// AnalyzeABTest handles POST /admin/abtests/{id}/analyze - Evaluate and
// possibly conclude an experiment
func (h *AdminHandler) AnalyzeABTest(w http.ResponseWriter, r *http.Request) {
	analysis, err := h.svc.AnalyzeABTest(r.Context(), r.PathValue("id"))
	if err != nil {
		respondWithServiceError(w, h.logger, "analyze_abtest", err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, analysis)
}

// GetRegistry handles GET /admin/registry - The active catalog snapshot
func (h *AdminHandler) GetRegistry(w http.ResponseWriter, r *http.Request) {
	utils.RespondWithJSON(w, http.StatusOK, h.svc.Catalog())
}

// ReloadRegistry handles POST /admin/registry/reload. A body is parsed as a
// catalog document in YAML or JSON; an empty body re-reads the configured
// catalog file.
func (h *AdminHandler) ReloadRegistry(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCatalogBody))
	if err != nil {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, "Failed to read request body")
		return
	}

	if len(bytes.TrimSpace(body)) == 0 {
		if h.catalogFile == "" {
			utils.RespondWithErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, "request body is empty and no catalog file is configured")
			return
		}
		err = h.svc.ReloadRegistryFromFile(r.Context(), h.catalogFile)
	} else {
		var snap *registry.Snapshot
		snap, err = registry.ParseSnapshot(body)
		if err == nil {
			err = h.svc.ReloadRegistry(r.Context(), snap)
		}
	}
	if err != nil {
		respondWithServiceError(w, h.logger, "reload_registry", err)
		return
	}

	active := h.svc.Catalog()
	operator, _ := middleware.GetOperatorID(r.Context())
	h.logger.Info("Catalog reloaded", "version", active.Version, "models", active.Len(), "operator", operator)
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"version": active.Version,
		"models":  active.Len(),
	})
}

// ProjectCost handles POST /admin/cost/projection
func (h *AdminHandler) ProjectCost(w http.ResponseWriter, r *http.Request) {
	var req cost.ProjectionRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	p, err := h.svc.ProjectCost(r.Context(), req)
	if err != nil {
		respondWithServiceError(w, h.logger, "project_cost", err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, p)
}

// ListDeadLetters handles GET /admin/dlq?limit= - Execution records that
// exhausted their persistence retries
func (h *AdminHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deadLetters == nil {
		respondWithServiceError(w, h.logger, "list_dlq", storage.ErrDLQNotConfigured)
		return
	}

	limit := defaultDeadLetterLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= maxDeadLetterLimit {
			limit = n
		}
	}

	items, err := h.deadLetters.GetDeadLetterItems(r.Context(), limit)
	if err != nil {
		respondWithServiceError(w, h.logger, "list_dlq", err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"items":       items,
		"total_count": len(items),
	})
}

// RetryDeadLetter handles POST /admin/dlq/{id}/retry - Re-enqueue a failed record
func (h *AdminHandler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	if h.deadLetters == nil {
		respondWithServiceError(w, h.logger, "retry_dlq", storage.ErrDLQNotConfigured)
		return
	}

	id := r.PathValue("id")
	if err := h.deadLetters.RetryDeadLetterItem(r.Context(), id); err != nil {
		respondWithServiceError(w, h.logger, "retry_dlq", err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"id": id, "status": "requeued"})
}
